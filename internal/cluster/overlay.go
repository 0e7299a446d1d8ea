// Package cluster turns local endpoint intents into cluster-overlay
// operations and back, implementing the Room object of spec §4.5. The
// Overlay interface abstracts the two primitives every backend must offer:
// a last-writer-wins KV map with per-publisher ownership and a pub/sub
// channel with replayed pub_start. internal/cluster/redisoverlay and
// internal/cluster/memoryoverlay are the two implementations, grounded on
// the teacher's internal/pubsub.PubSub split between redis.go and
// memory.go.
package cluster

import "context"

// KVEvent is one change observed on a subscribed KV map: either a new
// value, or a deletion (Value == nil) when a publisher's session ends.
type KVEvent struct {
	Key   uint64
	Value []byte // nil means deleted
}

// KVSubscription is an active subscription to a KV map's change stream.
type KVSubscription interface {
	Events() <-chan KVEvent
	Close() error
}

// PubEvent is one event observed on a subscribed pub/sub channel.
type PubEvent struct {
	Kind PubEventKind
	Data []byte // meaningful only for PubData
}

// PubEventKind discriminates PubEvent.
type PubEventKind uint8

const (
	PubStarted PubEventKind = iota
	PubData
	PubStopped
)

// ChannelSubscription is an active subscription to a pub/sub channel.
type ChannelSubscription interface {
	Events() <-chan PubEvent
	Close() error
}

// ChannelPublisher is a held publish slot on a channel; spec §4.5 allows at
// most one publisher per ChannelId at a time.
type ChannelPublisher interface {
	Publish(ctx context.Context, data []byte) error
	Stop() error
}

// Overlay is the cluster-wide KV map + pub/sub primitive set spec §4.5
// assumes. A session's ownership of the values/publishers it created is
// tracked by the Overlay implementation and auto-expired when the session
// ends (spec §4.5: "a publisher's values auto-expire when its session
// ends").
type Overlay interface {
	// Set installs key=value in mapID under the calling session's
	// ownership, last-writer-wins.
	Set(ctx context.Context, mapID, key uint64, value []byte) error
	// Delete removes key from mapID.
	Delete(ctx context.Context, mapID, key uint64) error
	// SubscribeMap streams (key, value) changes on mapID, replaying the
	// current contents as synthetic KVEvents before live changes.
	SubscribeMap(ctx context.Context, mapID uint64) (KVSubscription, error)

	// PubStart claims the single publisher slot on channelID.
	PubStart(ctx context.Context, channelID uint64) (ChannelPublisher, error)
	// SubscribeChannel joins channelID, replaying a PubStarted event if a
	// publisher is currently live before streaming subsequent PubData.
	SubscribeChannel(ctx context.Context, channelID uint64) (ChannelSubscription, error)

	// Close releases this session's ownership: all of its KV entries are
	// deleted and its held channel publishers are stopped.
	Close() error
}
