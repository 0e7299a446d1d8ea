// Package media defines the wire-level data model shared by every component
// that crosses an endpoint, worker, or cluster boundary: media packets,
// track metadata, and the 64-bit identifiers that name rooms, peers and
// pub/sub channels across the cluster.
package media

import "github.com/cespare/xxhash/v2"

// MaxNameLen is the longest a TrackName, PeerID or RoomID may be.
const MaxNameLen = 128

// H derives a stable 64-bit identifier from one or more name segments.
// All cross-node identifiers in the cluster (RoomHash, PeerMapID,
// ChannelID) are produced by this single hash so that any node computes
// the same id for the same names, independent of insertion order.
func H(parts ...string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0}) // segment separator, avoids "ab"+"c" == "a"+"bc" collisions
	}
	return d.Sum64()
}

// RoomHash identifies a room.
func RoomHash(room string) uint64 { return H(room) }

// PeerMapID identifies the peers-presence map for a room.
func PeerMapID(room string) uint64 { return RoomHash(room) }

// TracksMapID identifies the tracks-directory map for a room.
// Per spec §3 it is stored at "map H(room)+1", one past the peers map.
func TracksMapID(room string) uint64 { return RoomHash(room) + 1 }

// PeerKey is the key of a peer's entry inside the peers map.
func PeerKey(peer string) uint64 { return H(peer) }

// TrackKey is the key of a track's entry inside the tracks map.
func TrackKey(peer, track string) uint64 { return H(peer, track) }

// ChannelID identifies the pub/sub channel carrying one track's media.
func ChannelID(room, peer, track string) uint64 { return H(room, peer, track) }

// DataChannelID identifies the pub/sub channel carrying one datachannel key.
func DataChannelID(room, owner, key string) uint64 { return H(room, owner, key) }

// AudioMixerChannelID identifies the special channel carrying the room's
// elected audio-mixer slots.
func AudioMixerChannelID(room string) uint64 { return H("__mixer__", room) }

// Owner identifies an endpoint inside a worker: the worker that owns it and
// a worker-local index. Every event that crosses a component boundary
// inside a worker carries an Owner instead of a pointer, so arenas stay
// keyed by small integers and no cyclic references are needed.
type Owner struct {
	Worker uint32
	Local  uint32
}
