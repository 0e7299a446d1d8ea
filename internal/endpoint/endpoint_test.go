package endpoint

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/observer/sfunode/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestStateMachineHappyPath(t *testing.T) {
	e := newEndpoint(t)
	require.Equal(t, StateIdle, e.State())

	require.NoError(t, e.JoinRoom("room1", "alice", media.ControlMaxBitrate))
	assert.Equal(t, StateJoining, e.State())

	require.NoError(t, e.RoomAck())
	assert.Equal(t, StateInRoom, e.State())

	require.NoError(t, e.LeaveRoom())
	assert.Equal(t, StateLeaving, e.State())

	require.NoError(t, e.Ack())
	assert.Equal(t, StateIdle, e.State())
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	e := newEndpoint(t)
	assert.ErrorIs(t, e.RoomAck(), ErrInvalidTransition)
	assert.ErrorIs(t, e.LeaveRoom(), ErrInvalidTransition)

	require.NoError(t, e.JoinRoom("room1", "alice", media.ControlMaxBitrate))
	assert.ErrorIs(t, e.JoinRoom("room1", "alice", media.ControlMaxBitrate), ErrAlreadyInRoom)
	assert.ErrorIs(t, e.JoinRoom("room2", "bob", media.ControlMaxBitrate), ErrInvalidTransition)
}

func TestTransportFailedForcesTerminalFromAnyState(t *testing.T) {
	e := newEndpoint(t)
	require.NoError(t, e.JoinRoom("room1", "alice", media.ControlMaxBitrate))
	e.TransportFailed()
	assert.Equal(t, StateTerminal, e.State())
}

func TestKickedForcesTerminal(t *testing.T) {
	e := newEndpoint(t)
	require.NoError(t, e.JoinRoom("room1", "alice", media.ControlMaxBitrate))
	require.NoError(t, e.RoomAck())
	e.Kicked()
	assert.Equal(t, StateTerminal, e.State())
}

func TestPinAttachesLocalTrackToSource(t *testing.T) {
	e := newEndpoint(t)
	id := e.AddLocalTrack()
	lt, ok := e.LocalTrack(id)
	require.True(t, ok)
	assert.Equal(t, LocalTrackIdle, lt.State)

	require.NoError(t, e.Pin(id, "bob", "cam"))
	lt, _ = e.LocalTrack(id)
	assert.Equal(t, LocalTrackActive, lt.State)
	assert.Equal(t, "bob", lt.PinPeer)
	assert.Equal(t, "cam", lt.PinTrack)

	e.Unpin(id)
	lt, _ = e.LocalTrack(id)
	assert.Equal(t, LocalTrackIdle, lt.State)
}

func TestAllocateIngressLimitSumsClampsAndFloors(t *testing.T) {
	e := newEndpoint(t)
	require.NoError(t, e.JoinRoom("room1", "alice", media.ControlDynamicConsumers))

	a := e.AddLocalTrack()
	b := e.AddLocalTrack()
	require.NoError(t, e.Pin(a, "bob", "cam"))
	require.NoError(t, e.Pin(b, "bob", "cam"))
	e.SetDesiredBitrate(a, 400_000)
	e.SetDesiredBitrate(b, 500_000)

	// sum (900_000) clamped to max (600_000)
	assert.Equal(t, uint32(600_000), e.AllocateIngressLimit("bob", "cam", 600_000))

	e.SetDesiredBitrate(a, 0)
	e.SetDesiredBitrate(b, 0)
	// floored to IdleRecvBitrate even though desires sum to 0
	assert.Equal(t, uint32(IdleRecvBitrate), e.AllocateIngressLimit("bob", "cam", 600_000))
}

func TestAllocateIngressLimitIgnoresUnrelatedConsumers(t *testing.T) {
	e := newEndpoint(t)
	require.NoError(t, e.JoinRoom("room1", "alice", media.ControlDynamicConsumers))

	a := e.AddLocalTrack()
	require.NoError(t, e.Pin(a, "carol", "screen"))
	e.SetDesiredBitrate(a, 2_000_000)

	assert.Equal(t, uint32(IdleRecvBitrate), e.AllocateIngressLimit("bob", "cam", 600_000))
}

func TestAllocateIngressLimitPassesThroughMaxBitrateMode(t *testing.T) {
	e := newEndpoint(t)
	require.NoError(t, e.JoinRoom("room1", "alice", media.ControlMaxBitrate))
	assert.Equal(t, uint32(1_000_000), e.AllocateIngressLimit("bob", "cam", 1_000_000))
}

func TestRequestKeyFrameAggregatesWithinWindow(t *testing.T) {
	e := newEndpoint(t)
	a := e.AddLocalTrack()
	b := e.AddLocalTrack()
	require.NoError(t, e.Pin(a, "bob", "cam"))
	require.NoError(t, e.Pin(b, "bob", "cam"))

	now := time.Unix(0, 0)
	assert.True(t, e.RequestKeyFrame(a, now))
	// same source channel, within window: coalesced
	assert.False(t, e.RequestKeyFrame(b, now.Add(100*time.Millisecond)))
	// past the window: fires again
	assert.True(t, e.RequestKeyFrame(b, now.Add(600*time.Millisecond)))
}

func TestRequestKeyFrameIndependentPerSourceChannel(t *testing.T) {
	e := newEndpoint(t)
	a := e.AddLocalTrack()
	b := e.AddLocalTrack()
	require.NoError(t, e.Pin(a, "bob", "cam"))
	require.NoError(t, e.Pin(b, "carol", "cam"))

	now := time.Unix(0, 0)
	assert.True(t, e.RequestKeyFrame(a, now))
	assert.True(t, e.RequestKeyFrame(b, now)) // different source channel
}
