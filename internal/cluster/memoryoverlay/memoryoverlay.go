// Package memoryoverlay implements cluster.Overlay in a single process, for
// tests and single-node deployments. Grounded on the teacher's
// internal/pubsub.MemoryPubSub (map-of-subscribers, per-topic handler
// fan-out), generalized to also hold KV map state with per-session
// ownership tracking so Close() can auto-expire a session's entries.
package memoryoverlay

import (
	"context"
	"sync"

	"github.com/observer/sfunode/internal/cluster"
)

type kvEntry struct {
	value []byte
	owner *Session
}

// Overlay is a process-wide, shared backend; each Session using it tracks
// its own ownership for expiry.
type Overlay struct {
	mu   sync.Mutex
	maps map[uint64]map[uint64]*kvEntry
	mapSubs map[uint64]map[*memKVSub]struct{}

	channels map[uint64]*channelState
}

type channelState struct {
	publisher *channelPublisher
	subs      map[*memChannelSub]struct{}
}

// New creates a fresh, empty shared overlay backend.
func New() *Overlay {
	return &Overlay{
		maps:     make(map[uint64]map[uint64]*kvEntry),
		mapSubs:  make(map[uint64]map[*memKVSub]struct{}),
		channels: make(map[uint64]*channelState),
	}
}

// Session is one cluster.Overlay handle bound to this backend; Close()
// releases everything this session owns.
type Session struct {
	backend *Overlay

	mu           sync.Mutex
	ownedKeys    map[uint64]map[uint64]struct{} // mapID -> set of keys
	ownedPubs    map[uint64]*channelPublisher   // channelID -> publisher
	closed       bool
}

// NewSession opens a new Overlay handle on a shared backend.
func (o *Overlay) NewSession() *Session {
	return &Session{
		backend:   o,
		ownedKeys: make(map[uint64]map[uint64]struct{}),
		ownedPubs: make(map[uint64]*channelPublisher),
	}
}

var _ cluster.Overlay = (*Session)(nil)

func (s *Session) Set(ctx context.Context, mapID, key uint64, value []byte) error {
	b := s.backend
	b.mu.Lock()
	m, ok := b.maps[mapID]
	if !ok {
		m = make(map[uint64]*kvEntry)
		b.maps[mapID] = m
	}
	m[key] = &kvEntry{value: append([]byte(nil), value...), owner: s}
	subs := snapshotKVSubs(b.mapSubs[mapID])
	b.mu.Unlock()

	s.mu.Lock()
	if s.ownedKeys[mapID] == nil {
		s.ownedKeys[mapID] = make(map[uint64]struct{})
	}
	s.ownedKeys[mapID][key] = struct{}{}
	s.mu.Unlock()

	ev := cluster.KVEvent{Key: key, Value: value}
	for _, sub := range subs {
		sub.deliver(ev)
	}
	return nil
}

func (s *Session) Delete(ctx context.Context, mapID, key uint64) error {
	b := s.backend
	b.mu.Lock()
	if m, ok := b.maps[mapID]; ok {
		delete(m, key)
	}
	subs := snapshotKVSubs(b.mapSubs[mapID])
	b.mu.Unlock()

	s.mu.Lock()
	if keys, ok := s.ownedKeys[mapID]; ok {
		delete(keys, key)
	}
	s.mu.Unlock()

	ev := cluster.KVEvent{Key: key, Value: nil}
	for _, sub := range subs {
		sub.deliver(ev)
	}
	return nil
}

type memKVSub struct {
	ch     chan cluster.KVEvent
	mapID  uint64
	backend *Overlay
}

func (m *memKVSub) Events() <-chan cluster.KVEvent { return m.ch }

func (m *memKVSub) Close() error {
	b := m.backend
	b.mu.Lock()
	delete(b.mapSubs[m.mapID], m)
	b.mu.Unlock()
	return nil
}

func (m *memKVSub) deliver(ev cluster.KVEvent) {
	select {
	case m.ch <- ev:
	default:
	}
}

func snapshotKVSubs(set map[*memKVSub]struct{}) []*memKVSub {
	out := make([]*memKVSub, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (s *Session) SubscribeMap(ctx context.Context, mapID uint64) (cluster.KVSubscription, error) {
	b := s.backend
	sub := &memKVSub{ch: make(chan cluster.KVEvent, 256), mapID: mapID, backend: b}

	b.mu.Lock()
	if b.mapSubs[mapID] == nil {
		b.mapSubs[mapID] = make(map[*memKVSub]struct{})
	}
	b.mapSubs[mapID][sub] = struct{}{}
	// replay current contents
	for k, e := range b.maps[mapID] {
		sub.ch <- cluster.KVEvent{Key: k, Value: e.value}
	}
	b.mu.Unlock()

	return sub, nil
}

type channelPublisher struct {
	backend   *Overlay
	channelID uint64
	session   *Session
}

func (p *channelPublisher) Publish(ctx context.Context, data []byte) error {
	b := p.backend
	b.mu.Lock()
	cs, ok := b.channels[p.channelID]
	if !ok || cs.publisher != p {
		b.mu.Unlock()
		return cluster.ErrChannelClosed
	}
	subs := snapshotChannelSubs(cs.subs)
	b.mu.Unlock()
	ev := cluster.PubEvent{Kind: cluster.PubData, Data: append([]byte(nil), data...)}
	for _, s := range subs {
		s.deliver(ev)
	}
	return nil
}

func (p *channelPublisher) Stop() error {
	b := p.backend
	b.mu.Lock()
	cs, ok := b.channels[p.channelID]
	var subs []*memChannelSub
	if ok && cs.publisher == p {
		// Clear the publisher but keep the channelState (and its
		// subscribers) alive so a later PubStart on the same channel
		// attaches to the subscribers already waiting on it, instead of
		// losing them the way deleting the whole entry would.
		cs.publisher = nil
		subs = snapshotChannelSubs(cs.subs)
		if len(cs.subs) == 0 {
			delete(b.channels, p.channelID)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(cluster.PubEvent{Kind: cluster.PubStopped})
	}

	p.session.mu.Lock()
	delete(p.session.ownedPubs, p.channelID)
	p.session.mu.Unlock()
	return nil
}

func (s *Session) PubStart(ctx context.Context, channelID uint64) (cluster.ChannelPublisher, error) {
	b := s.backend
	b.mu.Lock()
	cs, exists := b.channels[channelID]
	if exists && cs.publisher != nil {
		b.mu.Unlock()
		return nil, cluster.ErrChannelTaken
	}
	if !exists {
		cs = &channelState{subs: make(map[*memChannelSub]struct{})}
		b.channels[channelID] = cs
	}
	pub := &channelPublisher{backend: b, channelID: channelID, session: s}
	cs.publisher = pub
	subs := snapshotChannelSubs(cs.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(cluster.PubEvent{Kind: cluster.PubStarted})
	}

	s.mu.Lock()
	s.ownedPubs[channelID] = pub
	s.mu.Unlock()
	return pub, nil
}

type memChannelSub struct {
	ch        chan cluster.PubEvent
	channelID uint64
	backend   *Overlay
}

func (m *memChannelSub) Events() <-chan cluster.PubEvent { return m.ch }

func (m *memChannelSub) Close() error {
	b := m.backend
	b.mu.Lock()
	if cs, ok := b.channels[m.channelID]; ok {
		delete(cs.subs, m)
	}
	b.mu.Unlock()
	return nil
}

func (m *memChannelSub) deliver(ev cluster.PubEvent) {
	select {
	case m.ch <- ev:
	default:
	}
}

func snapshotChannelSubs(set map[*memChannelSub]struct{}) []*memChannelSub {
	out := make([]*memChannelSub, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (s *Session) SubscribeChannel(ctx context.Context, channelID uint64) (cluster.ChannelSubscription, error) {
	b := s.backend
	sub := &memChannelSub{ch: make(chan cluster.PubEvent, 256), channelID: channelID, backend: b}

	b.mu.Lock()
	cs, ok := b.channels[channelID]
	if !ok {
		cs = &channelState{subs: make(map[*memChannelSub]struct{})}
		b.channels[channelID] = cs
	}
	cs.subs[sub] = struct{}{}
	hasPublisher := cs.publisher != nil
	b.mu.Unlock()

	if hasPublisher {
		sub.ch <- cluster.PubEvent{Kind: cluster.PubStarted}
	}
	return sub, nil
}

// Close releases every KV entry and channel publisher this session owns,
// per cluster.Overlay's session-expiry contract.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ownedKeys := s.ownedKeys
	ownedPubs := make([]*channelPublisher, 0, len(s.ownedPubs))
	for _, p := range s.ownedPubs {
		ownedPubs = append(ownedPubs, p)
	}
	s.mu.Unlock()

	ctx := context.Background()
	b := s.backend
	for mapID, keys := range ownedKeys {
		for key := range keys {
			b.mu.Lock()
			e := b.maps[mapID][key]
			mine := e != nil && e.owner == s
			b.mu.Unlock()
			if mine {
				_ = s.Delete(ctx, mapID, key)
			}
		}
	}
	for _, p := range ownedPubs {
		_ = p.Stop()
	}
	return nil
}
