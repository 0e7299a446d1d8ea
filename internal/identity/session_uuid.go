// Package identity implements the session-identity and token primitives of
// spec §4.8: the packed SessionUUID and the media-session / conn-id
// signing and verification contracts. Signature verification is a pure
// function with no I/O, matching the spec's treatment of the external
// signer as a black box the core only calls into.
package identity

import "fmt"

// SessionUUID is packed as {node_id:16, ts_seconds:32, seq:16} big-endian,
// grounded on original_source's ClusterSessionUuid.
type SessionUUID struct {
	NodeID   uint16
	TsSecond uint32
	Seq      uint16
}

// ToUint64 packs the triple into a single 64-bit value.
func (s SessionUUID) ToUint64() uint64 {
	var v uint64
	v |= uint64(s.NodeID) << 48
	v |= uint64(s.TsSecond) << 16
	v |= uint64(s.Seq)
	return v
}

// SessionUUIDFromUint64 is the exact inverse of SessionUUID.ToUint64.
func SessionUUIDFromUint64(v uint64) SessionUUID {
	return SessionUUID{
		NodeID:   uint16(v >> 48),
		TsSecond: uint32(v >> 16),
		Seq:      uint16(v),
	}
}

func (s SessionUUID) String() string {
	return fmt.Sprintf("%d-%d-%d", s.NodeID, s.TsSecond, s.Seq)
}

// SessionUUIDAllocator hands out SessionUUIDs for one node: Seq counts up
// from 0 within one TsSecond and restarts at 0 when nowFn reports a
// different second. Seq is 16 bits, so more than 65536 calls within the
// same second wrap it and repeat an earlier (TsSecond, Seq) pair.
type SessionUUIDAllocator struct {
	nodeID uint16
	nowFn  func() uint32
	lastTs uint32
	seq    uint16
}

// NewSessionUUIDAllocator builds an allocator for nodeID. nowFn returns the
// current unix time in seconds; it is injected so callers control time,
// matching the "time is injected" rule of spec §4.1.
func NewSessionUUIDAllocator(nodeID uint16, nowFn func() uint32) *SessionUUIDAllocator {
	return &SessionUUIDAllocator{nodeID: nodeID, nowFn: nowFn}
}

// Next returns a fresh SessionUUID for this node.
func (a *SessionUUIDAllocator) Next() SessionUUID {
	ts := a.nowFn()
	if ts != a.lastTs {
		a.lastTs = ts
		a.seq = 0
	} else {
		a.seq++
	}
	return SessionUUID{NodeID: a.nodeID, TsSecond: ts, Seq: a.seq}
}
