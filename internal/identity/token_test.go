package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACTokenServiceMediaSessionRoundTrip(t *testing.T) {
	svc, err := NewHMACTokenService("0123456789abcdef0123456789abcdef", time.Minute)
	require.NoError(t, err)

	tok := MediaSessionToken{Room: "room1", Peer: "alice", Protocol: ProtocolWhip, Publish: true}
	signed, err := svc.SignMediaSession(tok)
	require.NoError(t, err)

	got, ok := svc.VerifyMediaSession(signed)
	require.True(t, ok)
	assert.Equal(t, tok.Room, got.Room)
	assert.Equal(t, tok.Peer, got.Peer)
	assert.Equal(t, tok.Protocol, got.Protocol)
	assert.True(t, got.Publish)
}

func TestHMACTokenServiceRejectsTamperedToken(t *testing.T) {
	svc, err := NewHMACTokenService("0123456789abcdef0123456789abcdef", time.Minute)
	require.NoError(t, err)

	signed, err := svc.SignMediaSession(MediaSessionToken{Room: "r", Peer: "p"})
	require.NoError(t, err)

	_, ok := svc.VerifyMediaSession(signed + "tampered")
	assert.False(t, ok)
}

func TestHMACTokenServiceConnIDRoundTrip(t *testing.T) {
	svc, err := NewHMACTokenService("0123456789abcdef0123456789abcdef", time.Minute)
	require.NoError(t, err)

	id := MediaConnID{NodeID: 3, ConnID: 123456789}
	signed, err := svc.SignConnID(id)
	require.NoError(t, err)

	got, ok := svc.VerifyConnID(signed)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestNewHMACTokenServiceRejectsShortKey(t *testing.T) {
	_, err := NewHMACTokenService("short", time.Minute)
	assert.Error(t, err)
}
