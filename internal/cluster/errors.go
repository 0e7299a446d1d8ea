package cluster

import "errors"

var (
	// ErrChannelTaken is returned by PubStart when another session already
	// holds the publisher slot for this ChannelId (spec §4.5: "each
	// ChannelId has at most one publisher").
	ErrChannelTaken = errors.New("cluster: channel already has a publisher")
	// ErrChannelClosed is returned by ChannelPublisher.Publish once the
	// channel's publisher slot has been stopped.
	ErrChannelClosed = errors.New("cluster: channel publisher stopped")
)
