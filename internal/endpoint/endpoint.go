// Package endpoint is the per-endpoint control plane: room membership, the
// remote (publisher) and local (subscriber) track tables, the bitrate
// allocator, and keyframe-request aggregation. Grounded on the teacher's
// internal/webrtc/manager.go Room/Manager shape (map-of-rooms,
// join/leave notifications), generalized from a fixed chat-call room to
// the spec's state machine and per-track tables.
package endpoint

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/sfunode/internal/media"
)

// State is the endpoint's control-plane state machine (spec §4.3).
type State uint8

const (
	StateIdle State = iota
	StateJoining
	StateInRoom
	StateLeaving
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateInRoom:
		return "in_room"
	case StateLeaving:
		return "leaving"
	case StateTerminal:
		return "terminal"
	}
	return "unknown"
}

var (
	// ErrInvalidTransition is returned when an event does not apply to the
	// endpoint's current state.
	ErrInvalidTransition = errors.New("endpoint: invalid state transition")
	// ErrAlreadyInRoom is returned by JoinRoom when this endpoint is already
	// joining, in, or leaving the same (room, peer). Only this endpoint's
	// own state is checked: another endpoint of the process holding the
	// same (room, peer) is not detected here. The cluster resolves such a
	// conflict by last-writer-wins on the peers map.
	ErrAlreadyInRoom = errors.New("endpoint: already joined")
)

// IdleRecvBitrate is the allocator's floor, spec §4.3 IDLE_RECV.
const IdleRecvBitrate = 100_000

// KeyframeAggregationWindow bounds how long RequestKeyFrame calls for the
// same source channel are coalesced before being forwarded upward.
const KeyframeAggregationWindow = 500 * time.Millisecond

// RemoteTrack is a publisher-side track this endpoint has accepted.
type RemoteTrack struct {
	ID   uint16
	Peer string
	Name string
	Meta media.TrackMeta
}

// LocalTrackState is a LocalTrack's attach lifecycle.
type LocalTrackState uint8

const (
	LocalTrackIdle LocalTrackState = iota
	LocalTrackActive
)

// LocalTrack is a subscriber-side track forwarding from a pinned source.
type LocalTrack struct {
	ID    uint16
	State LocalTrackState

	// Pin names the currently attached source; empty when unpinned.
	PinPeer  string
	PinTrack string

	// DesiredBitrate is this consumer's most recent REMB/TWCC-derived
	// want, fed by the transport.
	DesiredBitrate uint32

	lastKeyRequest time.Time
}

// channelOwner identifies the source channel a LocalTrack is pinned to, used
// to key the keyframe-aggregation window across multiple LocalTracks that
// share a source (spec §4.3: "aggregates requests for the same source
// channel").
type channelOwner struct {
	peer  string
	track string
}

// Endpoint is the per-connection control plane.
type Endpoint struct {
	mu     sync.Mutex
	logger *slog.Logger

	state State
	room  string
	peer  string
	control media.Control

	remoteTracks map[uint16]*RemoteTrack
	localTracks  map[uint16]*LocalTrack
	nextTrackID  uint16

	keyAggregation map[channelOwner]time.Time
}

// New creates an idle Endpoint.
func New(logger *slog.Logger) *Endpoint {
	return &Endpoint{
		logger:         logger.With("component", "endpoint"),
		state:          StateIdle,
		remoteTracks:   make(map[uint16]*RemoteTrack),
		localTracks:    make(map[uint16]*LocalTrack),
		keyAggregation: make(map[channelOwner]time.Time),
	}
}

// State returns the current state machine value.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// JoinRoom transitions Idle -> Joining. The cluster-side Room is
// responsible for calling RoomAck once the join is durable.
func (e *Endpoint) JoinRoom(room, peer string, control media.Control) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		if e.state != StateTerminal && e.room == room && e.peer == peer {
			return ErrAlreadyInRoom
		}
		return ErrInvalidTransition
	}
	e.room = room
	e.peer = peer
	e.control = control
	e.state = StateJoining
	return nil
}

// RoomAck transitions Joining -> InRoom once the cluster durably recorded
// this endpoint's ownership of (room, peer).
func (e *Endpoint) RoomAck() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateJoining {
		return ErrInvalidTransition
	}
	e.state = StateInRoom
	return nil
}

// LeaveRoom transitions InRoom -> Leaving.
func (e *Endpoint) LeaveRoom() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInRoom {
		return ErrInvalidTransition
	}
	e.state = StateLeaving
	return nil
}

// Ack transitions Leaving -> Idle, releasing room/peer.
func (e *Endpoint) Ack() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateLeaving {
		return ErrInvalidTransition
	}
	e.state = StateIdle
	e.room = ""
	e.peer = ""
	return nil
}

// Kicked is delivered when the cluster resolved a (room, peer) conflict in
// favor of a different local endpoint; it forces Terminal from any state.
func (e *Endpoint) Kicked() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateTerminal
}

// TransportFailed forces Terminal from any state, per spec §4.3's
// `any -> TransportFailed -> Terminal` edge.
func (e *Endpoint) TransportFailed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateTerminal
}

// AddRemoteTrack registers a publisher-side track and returns its local id.
func (e *Endpoint) AddRemoteTrack(peer, name string, meta media.TrackMeta) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextTrackID
	e.nextTrackID++
	e.remoteTracks[id] = &RemoteTrack{ID: id, Peer: peer, Name: name, Meta: meta}
	return id
}

// RemoveRemoteTrack drops a publisher-side track.
func (e *Endpoint) RemoveRemoteTrack(id uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.remoteTracks, id)
}

// AddLocalTrack registers a new, unpinned subscriber-side track.
func (e *Endpoint) AddLocalTrack() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextTrackID
	e.nextTrackID++
	e.localTracks[id] = &LocalTrack{ID: id, State: LocalTrackIdle}
	return id
}

// Pin attaches a LocalTrack to a (peer, track) source, transitioning it to
// Active (spec §4.3's "Attaching a LocalTrack to a source").
func (e *Endpoint) Pin(localID uint16, peer, track string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	lt, ok := e.localTracks[localID]
	if !ok {
		return ErrInvalidTransition
	}
	lt.PinPeer = peer
	lt.PinTrack = track
	lt.State = LocalTrackActive
	return nil
}

// Unpin detaches a LocalTrack from its source, returning it to Idle.
func (e *Endpoint) Unpin(localID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lt, ok := e.localTracks[localID]
	if !ok {
		return
	}
	lt.PinPeer = ""
	lt.PinTrack = ""
	lt.State = LocalTrackIdle
}

// LocalTrack returns a snapshot of a local track's state, for callers
// (transport, runtime) that need its pin without holding the endpoint lock.
func (e *Endpoint) LocalTrack(id uint16) (LocalTrack, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lt, ok := e.localTracks[id]
	if !ok {
		return LocalTrack{}, false
	}
	return *lt, true
}

// SetDesiredBitrate records a LocalTrack's REMB/TWCC-derived want.
func (e *Endpoint) SetDesiredBitrate(localID uint16, bps uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lt, ok := e.localTracks[localID]; ok {
		lt.DesiredBitrate = bps
	}
}

// AllocateIngressLimit computes the LimitIngressBitrate feedback for a
// publisher channel per spec §4.3's DynamicConsumers algorithm: sum desires
// of all LocalTracks currently pinned to it, clamp by max, floor by
// IdleRecvBitrate.
func (e *Endpoint) AllocateIngressLimit(peer, track string, maxBitrate uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.control != media.ControlDynamicConsumers {
		return maxBitrate
	}

	var sum uint32
	for _, lt := range e.localTracks {
		if lt.State == LocalTrackActive && lt.PinPeer == peer && lt.PinTrack == track {
			sum += lt.DesiredBitrate
		}
	}
	if sum > maxBitrate {
		sum = maxBitrate
	}
	if sum < IdleRecvBitrate {
		sum = IdleRecvBitrate
	}
	return sum
}

// RequestKeyFrame records a LocalTrack's need for a keyframe and reports
// whether the aggregation window for that source channel allows firing
// now, per spec §4.3's 500ms coalescing rule.
func (e *Endpoint) RequestKeyFrame(localID uint16, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	lt, ok := e.localTracks[localID]
	if !ok {
		return false
	}
	owner := channelOwner{peer: lt.PinPeer, track: lt.PinTrack}
	last, seen := e.keyAggregation[owner]
	if seen && now.Sub(last) < KeyframeAggregationWindow {
		return false
	}
	e.keyAggregation[owner] = now
	return true
}
