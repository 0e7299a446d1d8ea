package cluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/observer/sfunode/internal/media"
)

// RoomEventKind discriminates a Room's outward event stream.
type RoomEventKind uint8

const (
	RoomPeerJoined RoomEventKind = iota
	RoomPeerLeft
	RoomTrackStarted
	RoomTrackStopped
)

// RoomEvent is what the Room emits toward the owning endpoint, per spec
// §4.5's "adapter that turns remote KV changes into PeerJoined/Left,
// TrackStarted/Stopped events".
type RoomEvent struct {
	Kind  RoomEventKind
	Peer  media.PeerInfo  // PeerJoined/Left
	Track media.TrackInfo // TrackStarted/Stopped
}

// trackState is what the room remembers about a (peer,track) entry so it
// can apply the session-uuid tie-break of spec §4.5.
type trackState struct {
	info media.TrackInfo
}

// Room turns local endpoint intents into Overlay KV/pubsub operations, and
// remote KV/pubsub events into RoomEvents, applying the §4.5 ordering and
// tie-break rules:
//   - KV updates are eventually consistent, so a second TrackStarted for the
//     same (peer,track) with a higher SessionUUID replaces the first,
//     emitting TrackStopped then TrackStarted (invariant 3).
//   - peer/track liveness loss surfaces as KV deletion, translated to
//     PeerLeft/TrackStopped.
type Room struct {
	name    string
	session Overlay
	logger  *slog.Logger

	events chan RoomEvent

	mu     sync.Mutex
	peers  map[uint64]media.PeerInfo
	tracks map[uint64]trackState

	peerSub  KVSubscription
	trackSub KVSubscription
}

// NewRoom opens a Room bound to one Overlay session, subscribing to the
// room's peers and tracks maps.
func NewRoom(ctx context.Context, name string, session Overlay, logger *slog.Logger) (*Room, error) {
	peerSub, err := session.SubscribeMap(ctx, media.PeerMapID(name))
	if err != nil {
		return nil, err
	}
	trackSub, err := session.SubscribeMap(ctx, media.TracksMapID(name))
	if err != nil {
		peerSub.Close()
		return nil, err
	}

	r := &Room{
		name:     name,
		session:  session,
		logger:   logger.With("component", "cluster.room", "room", name),
		events:   make(chan RoomEvent, 256),
		peers:    make(map[uint64]media.PeerInfo),
		tracks:   make(map[uint64]trackState),
		peerSub:  peerSub,
		trackSub: trackSub,
	}

	go r.pumpPeers()
	go r.pumpTracks()
	return r, nil
}

// Events returns the Room's outward event stream.
func (r *Room) Events() <-chan RoomEvent { return r.events }

func (r *Room) emit(e RoomEvent) {
	select {
	case r.events <- e:
	default:
		r.logger.Warn("room event channel full, dropping event")
	}
}

func (r *Room) pumpPeers() {
	for ev := range r.peerSub.Events() {
		r.handlePeerEvent(ev)
	}
}

func (r *Room) handlePeerEvent(ev KVEvent) {
	if ev.Value == nil {
		r.mu.Lock()
		info, had := r.peers[ev.Key]
		delete(r.peers, ev.Key)
		r.mu.Unlock()
		if had {
			r.emit(RoomEvent{Kind: RoomPeerLeft, Peer: info})
		}
		return
	}

	info, err := media.DeserializePeerInfo(ev.Value)
	if err != nil {
		r.logger.Warn("dropping malformed peer entry", "error", err)
		return
	}

	r.mu.Lock()
	r.peers[ev.Key] = info
	r.mu.Unlock()
	r.emit(RoomEvent{Kind: RoomPeerJoined, Peer: info})
}

func (r *Room) pumpTracks() {
	for ev := range r.trackSub.Events() {
		r.handleTrackEvent(ev)
	}
}

// handleTrackEvent applies spec §4.5's SessionUUID tie-break: a deletion
// always stops the currently-known track; a new value only replaces a
// currently-known track if its SessionUUID is strictly greater (a stale,
// out-of-order replay of an older announcement is ignored).
func (r *Room) handleTrackEvent(ev KVEvent) {
	if ev.Value == nil {
		r.mu.Lock()
		st, had := r.tracks[ev.Key]
		delete(r.tracks, ev.Key)
		r.mu.Unlock()
		if had {
			r.emit(RoomEvent{Kind: RoomTrackStopped, Track: st.info})
		}
		return
	}

	info, err := media.DeserializeTrackInfo(ev.Value)
	if err != nil {
		r.logger.Warn("dropping malformed track entry", "error", err)
		return
	}

	r.mu.Lock()
	existing, had := r.tracks[ev.Key]
	if had && info.SessionUUID <= existing.info.SessionUUID {
		r.mu.Unlock()
		return
	}
	r.tracks[ev.Key] = trackState{info: info}
	r.mu.Unlock()

	if had {
		r.emit(RoomEvent{Kind: RoomTrackStopped, Track: existing.info})
	}
	r.emit(RoomEvent{Kind: RoomTrackStarted, Track: info})
}

// AnnouncePeer publishes this session's presence, spec §4.5's peers
// publisher half.
func (r *Room) AnnouncePeer(ctx context.Context, peer media.PeerInfo) error {
	return r.session.Set(ctx, media.PeerMapID(r.name), media.PeerKey(peer.Peer), peer.Serialize())
}

// WithdrawPeer removes this session's presence entry.
func (r *Room) WithdrawPeer(ctx context.Context, peer string) error {
	return r.session.Delete(ctx, media.PeerMapID(r.name), media.PeerKey(peer))
}

// AnnounceTrack publishes a track directory entry and opens its media
// pub/sub channel, spec §4.5's tracks publisher half.
func (r *Room) AnnounceTrack(ctx context.Context, track media.TrackInfo) (ChannelPublisher, error) {
	if err := r.session.Set(ctx, media.TracksMapID(r.name), media.TrackKey(track.Peer, track.Track), track.Serialize()); err != nil {
		return nil, err
	}
	return r.session.PubStart(ctx, media.ChannelID(r.name, track.Peer, track.Track))
}

// WithdrawTrack removes a track directory entry.
func (r *Room) WithdrawTrack(ctx context.Context, peer, track string) error {
	return r.session.Delete(ctx, media.TracksMapID(r.name), media.TrackKey(peer, track))
}

// SubscribeTrackMedia joins a track's media channel, spec §4.5's
// "Subscribers: ... media frames into LocalTrack input".
func (r *Room) SubscribeTrackMedia(ctx context.Context, peer, track string) (ChannelSubscription, error) {
	return r.session.SubscribeChannel(ctx, media.ChannelID(r.name, peer, track))
}

// Close stops the room's KV subscriptions and releases the underlying
// Overlay session (spec §4.5 failure semantics: the overlay itself detects
// publisher liveness loss and translates it into KV deletions for every
// other subscriber within ~3s).
func (r *Room) Close() error {
	r.peerSub.Close()
	r.trackSub.Close()
	return r.session.Close()
}
