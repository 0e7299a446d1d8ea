// Package redisoverlay implements cluster.Overlay backed by Redis, the
// cluster's real cross-node transport. Grounded on the teacher's
// internal/pubsub.RedisPubSub (redis.Client, subscription bookkeeping by
// atomic counter id, Channel()-based receive loop), generalized from
// opaque JSON messages to the KV-map-plus-pub/sub primitive pair spec §4.5
// requires.
//
// KV maps are modeled as a Redis hash per mapID (HSET/HDEL) with a
// companion pub/sub channel carrying change notifications, since Redis has
// no native "subscribe to hash changes" primitive. Per-session ownership
// for expiry is tracked client-side and flushed via Session.Close, backed
// by a TTL-refreshing heartbeat key so a crashed node's entries still
// expire even without an explicit Close call.
package redisoverlay

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/observer/sfunode/internal/cluster"
	"github.com/redis/go-redis/v9"
)

// sessionTTL bounds how long a session's KV ownership key (and therefore
// its hash fields, via a periodic sweep) survives without a heartbeat.
// Matches the ~3s overlay failure-detection window of spec §4.5.
const sessionTTL = 3 * time.Second

// heartbeatInterval is how often a live session refreshes its alive key and
// its held publisher-ownership keys. Comfortably shorter than sessionTTL so
// one missed tick doesn't let a still-live session's state expire.
const heartbeatInterval = sessionTTL / 3

func hashKey(mapID uint64) string { return "sfu:map:" + strconv.FormatUint(mapID, 10) }
func notifyChannel(mapID uint64) string { return "sfu:mapnotify:" + strconv.FormatUint(mapID, 10) }
func pubChannel(channelID uint64) string { return "sfu:chan:" + strconv.FormatUint(channelID, 10) }
func pubOwnerKey(channelID uint64) string { return "sfu:chanowner:" + strconv.FormatUint(channelID, 10) }
func fieldKey(key uint64) string { return strconv.FormatUint(key, 10) }

// mapOwnerKey is a hash parallel to hashKey(mapID), mapping each field to
// the sessionID that wrote it, so the sweep can tell which entries belong
// to a session whose alive key has expired.
func mapOwnerKey(mapID uint64) string { return "sfu:mapowner:" + strconv.FormatUint(mapID, 10) }

// sessionAliveKey gates the sweep: as long as it exists, every KV entry and
// publisher-ownership key the session wrote is considered live.
func sessionAliveKey(sessionID uint64) string {
	return "sfu:sessionalive:" + strconv.FormatUint(sessionID, 10)
}

// notifyPayload is the tiny wire message published on a map's notify
// channel: one changed field, deletion signaled by a zero-length value.
func encodeNotify(key uint64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, key)
	copy(buf[8:], value)
	return buf
}

func decodeNotify(b []byte) (key uint64, value []byte, deleted bool) {
	if len(b) < 8 {
		return 0, nil, true
	}
	key = binary.BigEndian.Uint64(b[:8])
	if len(b) == 8 {
		return key, nil, true
	}
	return key, b[8:], false
}

// Overlay is a Redis connection shared by every Session created from it.
type Overlay struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	mapIDs map[uint64]struct{} // every mapID ever Set into, for the sweep to scan

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New connects to Redis at addr (same URL format as the teacher's
// pubsub.NewRedisPubSub) and starts the background sweep that reaps KV
// entries left behind by a session whose alive key has expired.
func New(url string, logger *slog.Logger) (*Overlay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisoverlay: invalid url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redisoverlay: connect: %w", err)
	}
	o := &Overlay{
		client: client,
		logger: logger.With("component", "cluster", "backend", "redis"),
		mapIDs: make(map[uint64]struct{}),
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	o.sweepCancel = cancel
	o.sweepDone = make(chan struct{})
	go o.sweepLoop(sweepCtx)
	return o, nil
}

// Close stops the sweep and closes the underlying Redis client. Individual
// Sessions should be closed first so their ownership is released.
func (o *Overlay) Close() error {
	o.sweepCancel()
	<-o.sweepDone
	return o.client.Close()
}

func (o *Overlay) trackMapID(mapID uint64) {
	o.mu.Lock()
	o.mapIDs[mapID] = struct{}{}
	o.mu.Unlock()
}

// sweepLoop periodically reaps KV entries whose owning session's alive key
// has expired (crashed or ungracefully-disconnected node), per spec §4.5's
// ~3s failure-detection window.
func (o *Overlay) sweepLoop(ctx context.Context) {
	defer close(o.sweepDone)
	ticker := time.NewTicker(sessionTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepExpiredOwners(ctx)
		}
	}
}

func (o *Overlay) sweepExpiredOwners(ctx context.Context) {
	o.mu.Lock()
	mapIDs := make([]uint64, 0, len(o.mapIDs))
	for id := range o.mapIDs {
		mapIDs = append(mapIDs, id)
	}
	o.mu.Unlock()

	for _, mapID := range mapIDs {
		owners, err := o.client.HGetAll(ctx, mapOwnerKey(mapID)).Result()
		if err != nil {
			o.logger.Warn("sweep: read owners failed", "map_id", mapID, "error", err)
			continue
		}
		for field, sessionIDStr := range owners {
			sessionID, err := strconv.ParseUint(sessionIDStr, 10, 64)
			if err != nil {
				continue
			}
			alive, err := o.client.Exists(ctx, sessionAliveKey(sessionID)).Result()
			if err != nil || alive != 0 {
				continue
			}
			key, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				continue
			}
			if err := o.client.HDel(ctx, hashKey(mapID), field).Err(); err != nil {
				o.logger.Warn("sweep: hdel failed", "map_id", mapID, "key", key, "error", err)
				continue
			}
			_ = o.client.HDel(ctx, mapOwnerKey(mapID), field).Err()
			_ = o.client.Publish(ctx, notifyChannel(mapID), encodeNotify(key, nil)).Err()
			o.logger.Info("swept expired KV entry", "map_id", mapID, "key", key, "session_id", sessionID)
		}
	}
}

// Session is one cluster.Overlay handle; sessionID scopes ownership keys so
// concurrent sessions on the same node don't collide.
type Session struct {
	backend   *Overlay
	sessionID uint64

	mu              sync.Mutex
	ownedKeys       map[uint64]map[uint64]struct{}
	ownedPubs       map[uint64]*channelPublisher
	closed          bool
	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

var sessionSeq atomic.Uint64

// NewSession opens a new Overlay handle on a Redis-backed cluster.
func (o *Overlay) NewSession() *Session {
	return &Session{
		backend:   o,
		sessionID: sessionSeq.Add(1),
		ownedKeys: make(map[uint64]map[uint64]struct{}),
		ownedPubs: make(map[uint64]*channelPublisher),
	}
}

var _ cluster.Overlay = (*Session)(nil)

// ensureHeartbeat lazily starts this session's background refresh: its
// alive key and every publisher-ownership key it currently holds get
// refreshed every heartbeatInterval, well inside sessionTTL, so a live
// session's state never expires out from under it while a crashed one's
// does within the window spec §4.5 promises.
func (s *Session) ensureHeartbeat() {
	s.mu.Lock()
	if s.heartbeatCancel != nil || s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel
	s.heartbeatDone = make(chan struct{})
	s.mu.Unlock()

	// Establish the alive key synchronously so a sweep racing the first
	// heartbeat tick never observes an ownership record with no alive key
	// behind it yet.
	s.refresh(ctx)
	go s.heartbeatLoop(ctx)
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	defer close(s.heartbeatDone)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Session) refresh(ctx context.Context) {
	c := s.backend.client
	if err := c.Set(ctx, sessionAliveKey(s.sessionID), 1, sessionTTL).Err(); err != nil {
		s.backend.logger.Warn("failed to refresh session alive key", "session_id", s.sessionID, "error", err)
	}

	s.mu.Lock()
	channelIDs := make([]uint64, 0, len(s.ownedPubs))
	for channelID := range s.ownedPubs {
		channelIDs = append(channelIDs, channelID)
	}
	s.mu.Unlock()

	for _, channelID := range channelIDs {
		if err := c.Expire(ctx, pubOwnerKey(channelID), sessionTTL).Err(); err != nil {
			s.backend.logger.Warn("failed to refresh publisher ownership TTL", "channel_id", channelID, "error", err)
		}
	}
}

func (s *Session) Set(ctx context.Context, mapID, key uint64, value []byte) error {
	c := s.backend.client
	if err := c.HSet(ctx, hashKey(mapID), fieldKey(key), value).Err(); err != nil {
		return fmt.Errorf("redisoverlay: set: %w", err)
	}
	if err := c.HSet(ctx, mapOwnerKey(mapID), fieldKey(key), s.sessionID).Err(); err != nil {
		return fmt.Errorf("redisoverlay: set owner: %w", err)
	}
	if err := c.Publish(ctx, notifyChannel(mapID), encodeNotify(key, value)).Err(); err != nil {
		return fmt.Errorf("redisoverlay: notify: %w", err)
	}
	s.backend.trackMapID(mapID)
	s.ensureHeartbeat()

	s.mu.Lock()
	if s.ownedKeys[mapID] == nil {
		s.ownedKeys[mapID] = make(map[uint64]struct{})
	}
	s.ownedKeys[mapID][key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Session) Delete(ctx context.Context, mapID, key uint64) error {
	c := s.backend.client
	if err := c.HDel(ctx, hashKey(mapID), fieldKey(key)).Err(); err != nil {
		return fmt.Errorf("redisoverlay: delete: %w", err)
	}
	_ = c.HDel(ctx, mapOwnerKey(mapID), fieldKey(key)).Err()
	if err := c.Publish(ctx, notifyChannel(mapID), encodeNotify(key, nil)).Err(); err != nil {
		return fmt.Errorf("redisoverlay: notify delete: %w", err)
	}

	s.mu.Lock()
	if keys, ok := s.ownedKeys[mapID]; ok {
		delete(keys, key)
	}
	s.mu.Unlock()
	return nil
}

type redisKVSub struct {
	sub *redis.PubSub
	ch  chan cluster.KVEvent
	cancel context.CancelFunc
}

func (r *redisKVSub) Events() <-chan cluster.KVEvent { return r.ch }
func (r *redisKVSub) Close() error {
	r.cancel()
	return r.sub.Close()
}

func (s *Session) SubscribeMap(ctx context.Context, mapID uint64) (cluster.KVSubscription, error) {
	c := s.backend.client

	// Install the live subscription before reading the snapshot so no
	// change is missed between snapshot and subscribe; the snapshot is
	// still replayed ahead of any live change.
	redisSub := c.Subscribe(ctx, notifyChannel(mapID))
	if _, err := redisSub.Receive(ctx); err != nil {
		redisSub.Close()
		return nil, fmt.Errorf("redisoverlay: subscribe: %w", err)
	}

	current, err := c.HGetAll(ctx, hashKey(mapID)).Result()
	if err != nil {
		redisSub.Close()
		return nil, fmt.Errorf("redisoverlay: subscribe snapshot: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	out := &redisKVSub{sub: redisSub, ch: make(chan cluster.KVEvent, 256), cancel: cancel}

	for field, value := range current {
		key, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		out.ch <- cluster.KVEvent{Key: key, Value: []byte(value)}
	}

	go func() {
		ch := redisSub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key, value, deleted := decodeNotify([]byte(msg.Payload))
				if deleted {
					select {
					case out.ch <- cluster.KVEvent{Key: key, Value: nil}:
					default:
					}
					continue
				}
				select {
				case out.ch <- cluster.KVEvent{Key: key, Value: value}:
				default:
				}
			}
		}
	}()

	return out, nil
}

type channelPublisher struct {
	backend   *Overlay
	channelID uint64
	session   *Session
}

func (p *channelPublisher) Publish(ctx context.Context, data []byte) error {
	p.session.mu.Lock()
	live := p.session.ownedPubs[p.channelID] == p
	p.session.mu.Unlock()
	if !live {
		return cluster.ErrChannelClosed
	}
	return p.backend.client.Publish(ctx, pubChannel(p.channelID), data).Err()
}

func (p *channelPublisher) Stop() error {
	ctx := context.Background()
	owner := pubOwnerKey(p.channelID)
	_ = p.backend.client.Del(ctx, owner).Err()
	_ = p.backend.client.Publish(ctx, pubChannel(p.channelID), []byte{}).Err()

	p.session.mu.Lock()
	delete(p.session.ownedPubs, p.channelID)
	p.session.mu.Unlock()
	return nil
}

// PubStart claims the publisher slot via SETNX, enforcing the spec's
// at-most-one-publisher-per-channel rule cluster-wide.
func (s *Session) PubStart(ctx context.Context, channelID uint64) (cluster.ChannelPublisher, error) {
	c := s.backend.client
	ok, err := c.SetNX(ctx, pubOwnerKey(channelID), s.sessionID, sessionTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redisoverlay: pub_start: %w", err)
	}
	if !ok {
		return nil, cluster.ErrChannelTaken
	}

	pub := &channelPublisher{backend: s.backend, channelID: channelID, session: s}
	if err := c.Publish(ctx, pubChannel(channelID), []byte{1}).Err(); err != nil {
		return nil, fmt.Errorf("redisoverlay: pub_start notify: %w", err)
	}

	s.mu.Lock()
	s.ownedPubs[channelID] = pub
	s.mu.Unlock()
	s.ensureHeartbeat()
	return pub, nil
}

type redisChannelSub struct {
	sub    *redis.PubSub
	ch     chan cluster.PubEvent
	cancel context.CancelFunc
}

func (r *redisChannelSub) Events() <-chan cluster.PubEvent { return r.ch }
func (r *redisChannelSub) Close() error {
	r.cancel()
	return r.sub.Close()
}

// SubscribeChannel joins a pub/sub channel, replaying PubStarted if a
// publisher is currently live. Every message after the initial
// single-byte "1" marker on pub start is forwarded as PubData; an empty
// payload signals PubStopped, mirroring Stop's notification above.
func (s *Session) SubscribeChannel(ctx context.Context, channelID uint64) (cluster.ChannelSubscription, error) {
	c := s.backend.client
	redisSub := c.Subscribe(ctx, pubChannel(channelID))
	if _, err := redisSub.Receive(ctx); err != nil {
		redisSub.Close()
		return nil, fmt.Errorf("redisoverlay: subscribe channel: %w", err)
	}

	hasPublisher, err := c.Exists(ctx, pubOwnerKey(channelID)).Result()
	if err != nil {
		redisSub.Close()
		return nil, fmt.Errorf("redisoverlay: subscribe channel exists: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	out := &redisChannelSub{sub: redisSub, ch: make(chan cluster.PubEvent, 256), cancel: cancel}

	if hasPublisher == 1 {
		out.ch <- cluster.PubEvent{Kind: cluster.PubStarted}
	}

	go func() {
		ch := redisSub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				payload := []byte(msg.Payload)
				var ev cluster.PubEvent
				switch {
				case len(payload) == 1 && payload[0] == 1:
					ev = cluster.PubEvent{Kind: cluster.PubStarted}
				case len(payload) == 0:
					ev = cluster.PubEvent{Kind: cluster.PubStopped}
				default:
					ev = cluster.PubEvent{Kind: cluster.PubData, Data: payload}
				}
				select {
				case out.ch <- ev:
				default:
				}
			}
		}
	}()

	return out, nil
}

// Close stops this session's heartbeat, releases every KV entry and channel
// publisher it owns, and removes its alive key so the sweep has nothing
// left to reap for it.
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
	cancel := s.heartbeatCancel
	done := s.heartbeatDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	ctx := context.Background()
	_ = s.backend.client.Del(ctx, sessionAliveKey(s.sessionID)).Err()
	for mapID, keys := range ownedKeys {
		for key := range keys {
			owner, err := s.backend.client.HGet(ctx, mapOwnerKey(mapID), fieldKey(key)).Result()
			if err == nil && owner != strconv.FormatUint(s.sessionID, 10) {
				continue
			}
			_ = s.Delete(ctx, mapID, key)
		}
	}
	for _, p := range ownedPubs {
		_ = p.Stop()
	}
	return nil
}
