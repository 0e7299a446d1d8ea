package cluster_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/observer/sfunode/internal/cluster"
	"github.com/observer/sfunode/internal/cluster/memoryoverlay"
	"github.com/observer/sfunode/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drainUntil(t *testing.T, ch <-chan cluster.RoomEvent, want cluster.RoomEventKind, timeout time.Duration) cluster.RoomEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for room event kind %d", want)
		}
	}
}

func TestRoomPeerJoinedAndLeft(t *testing.T) {
	backend := memoryoverlay.New()
	ctx := context.Background()

	room, err := cluster.NewRoom(ctx, "room1", backend.NewSession(), testLogger())
	require.NoError(t, err)
	defer room.Close()

	require.NoError(t, room.AnnouncePeer(ctx, media.PeerInfo{Peer: "alice", SessionUUID: 1, JoinedAtMs: 1000}))
	ev := drainUntil(t, room.Events(), cluster.RoomPeerJoined, time.Second)
	assert.Equal(t, "alice", ev.Peer.Peer)

	require.NoError(t, room.WithdrawPeer(ctx, "alice"))
	ev = drainUntil(t, room.Events(), cluster.RoomPeerLeft, time.Second)
	assert.Equal(t, "alice", ev.Peer.Peer)
}

// invariant 3 / scenario S6: a track re-announced with a higher
// SessionUUID replaces the old one, emitting Stopped then Started.
func TestRoomTrackSessionUUIDTieBreak(t *testing.T) {
	backend := memoryoverlay.New()
	ctx := context.Background()

	announcer := backend.NewSession()
	room, err := cluster.NewRoom(ctx, "room1", backend.NewSession(), testLogger())
	require.NoError(t, err)
	defer room.Close()

	track := media.TrackInfo{Peer: "bob", Track: "cam", SessionUUID: 100}
	require.NoError(t, announcer.Set(ctx, media.TracksMapID("room1"), media.TrackKey("bob", "cam"), track.Serialize()))
	started := drainUntil(t, room.Events(), cluster.RoomTrackStarted, time.Second)
	assert.Equal(t, uint64(100), started.Track.SessionUUID)

	// a stale re-announcement with a lower SessionUUID must be ignored
	stale := media.TrackInfo{Peer: "bob", Track: "cam", SessionUUID: 50}
	require.NoError(t, announcer.Set(ctx, media.TracksMapID("room1"), media.TrackKey("bob", "cam"), stale.Serialize()))

	select {
	case ev := <-room.Events():
		t.Fatalf("unexpected event for stale session_uuid: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// a fresher announcement must stop the old track then start the new one
	fresher := media.TrackInfo{Peer: "bob", Track: "cam", SessionUUID: 200}
	require.NoError(t, announcer.Set(ctx, media.TracksMapID("room1"), media.TrackKey("bob", "cam"), fresher.Serialize()))
	stopped := drainUntil(t, room.Events(), cluster.RoomTrackStopped, time.Second)
	assert.Equal(t, uint64(100), stopped.Track.SessionUUID)
	started2 := drainUntil(t, room.Events(), cluster.RoomTrackStarted, time.Second)
	assert.Equal(t, uint64(200), started2.Track.SessionUUID)
}

func TestRoomTrackStoppedOnDeletion(t *testing.T) {
	backend := memoryoverlay.New()
	ctx := context.Background()

	announcer := backend.NewSession()
	room, err := cluster.NewRoom(ctx, "room1", backend.NewSession(), testLogger())
	require.NoError(t, err)
	defer room.Close()

	track := media.TrackInfo{Peer: "bob", Track: "cam", SessionUUID: 1}
	require.NoError(t, announcer.Set(ctx, media.TracksMapID("room1"), media.TrackKey("bob", "cam"), track.Serialize()))
	drainUntil(t, room.Events(), cluster.RoomTrackStarted, time.Second)

	require.NoError(t, announcer.Delete(ctx, media.TracksMapID("room1"), media.TrackKey("bob", "cam")))
	drainUntil(t, room.Events(), cluster.RoomTrackStopped, time.Second)
}

func TestChannelAtMostOnePublisher(t *testing.T) {
	backend := memoryoverlay.New()
	ctx := context.Background()

	s1 := backend.NewSession()
	s2 := backend.NewSession()

	pub, err := s1.PubStart(ctx, 42)
	require.NoError(t, err)
	defer pub.Stop()

	_, err = s2.PubStart(ctx, 42)
	assert.ErrorIs(t, err, cluster.ErrChannelTaken)
}

func expectPubEvent(t *testing.T, ch <-chan cluster.PubEvent, want cluster.PubEventKind, timeout time.Duration) cluster.PubEvent {
	t.Helper()
	select {
	case ev := <-ch:
		require.Equal(t, want, ev.Kind)
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for pub event kind %d", want)
		return cluster.PubEvent{}
	}
}

func TestChannelSubscribeBeforePublishThenPubStartSucceeds(t *testing.T) {
	backend := memoryoverlay.New()
	ctx := context.Background()

	subscriber := backend.NewSession()
	sub, err := subscriber.SubscribeChannel(ctx, 42)
	require.NoError(t, err)
	defer sub.Close()

	publisher := backend.NewSession()
	pub, err := publisher.PubStart(ctx, 42)
	require.NoError(t, err)
	defer pub.Stop()

	select {
	case ev := <-sub.Events():
		assert.Equal(t, cluster.PubStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber never observed PubStarted")
	}

	require.NoError(t, pub.Publish(ctx, []byte("frame")))
	select {
	case ev := <-sub.Events():
		assert.Equal(t, cluster.PubData, ev.Kind)
		assert.Equal(t, []byte("frame"), ev.Data)
	case <-time.After(time.Second):
		t.Fatal("subscriber never observed PubData")
	}
}

func TestChannelPublisherCanReannounceAfterStop(t *testing.T) {
	backend := memoryoverlay.New()
	ctx := context.Background()

	subscriber := backend.NewSession()
	sub, err := subscriber.SubscribeChannel(ctx, 42)
	require.NoError(t, err)
	defer sub.Close()

	first := backend.NewSession()
	pub1, err := first.PubStart(ctx, 42)
	require.NoError(t, err)
	expectPubEvent(t, sub.Events(), cluster.PubStarted, time.Second)
	require.NoError(t, pub1.Stop())
	expectPubEvent(t, sub.Events(), cluster.PubStopped, time.Second)

	second := backend.NewSession()
	pub2, err := second.PubStart(ctx, 42)
	require.NoError(t, err)
	defer pub2.Stop()
	expectPubEvent(t, sub.Events(), cluster.PubStarted, time.Second)
}

func TestSessionCloseReleasesOwnership(t *testing.T) {
	backend := memoryoverlay.New()
	ctx := context.Background()

	owner := backend.NewSession()
	require.NoError(t, owner.Set(ctx, 1, 2, []byte("hello")))

	sub, err := backend.NewSession().SubscribeMap(ctx, 1)
	require.NoError(t, err)
	defer sub.Close()
	<-sub.Events() // replay of the existing entry

	require.NoError(t, owner.Close())
	ev := <-sub.Events()
	assert.Nil(t, ev.Value)
	assert.Equal(t, uint64(2), ev.Key)
}
