package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaPacketRoundTrip(t *testing.T) {
	p := MediaPacket{
		PT:       96,
		Seq:      12345,
		TS:       90000,
		Marker:   true,
		Nackable: true,
		Data:     []byte{1, 2, 3, 4},
		Meta: CodecMeta{
			Key:    true,
			HasSim: true,
			Sim:    SimulcastMeta{Spatial: 2, HasRot: true, Rotation: 90},
		},
	}

	out, err := DeserializeMediaPacket(p.Serialize())
	require.NoError(t, err)
	assert.Equal(t, p, out)
}

func TestTrackInfoRoundTrip(t *testing.T) {
	ti := TrackInfo{
		Peer:  "alice",
		Track: "cam0",
		Meta: TrackMeta{
			Kind:     KindVideo,
			Scaling:  ScalingSimulcast,
			Control:  ControlDynamicConsumers,
			Metadata: "1080p",
		},
		SessionUUID: 0xdeadbeef,
	}

	out, err := DeserializeTrackInfo(ti.Serialize())
	require.NoError(t, err)
	assert.Equal(t, ti, out)
}

func TestPeerInfoRoundTrip(t *testing.T) {
	pi := PeerInfo{Peer: "bob", SessionUUID: 42, JoinedAtMs: 1700000000000}
	out, err := DeserializePeerInfo(pi.Serialize())
	require.NoError(t, err)
	assert.Equal(t, pi, out)
}

func TestAudioMixerPktRoundTrip(t *testing.T) {
	a := AudioMixerPkt{
		Slot:        1,
		Peer:        "carol",
		Track:       "mic",
		AudioLevel:  -20,
		TS:          48000,
		Seq:         7,
		OpusPayload: []byte{9, 9, 9},
	}
	out, err := DeserializeAudioMixerPkt(a.Serialize())
	require.NoError(t, err)
	assert.Equal(t, a, out)
}

func TestHashIsDeterministicAndSegmentSafe(t *testing.T) {
	// "ab","c" must not collide with "a","bc" — segment separators matter.
	h1 := H("ab", "c")
	h2 := H("a", "bc")
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, H("room1"), H("room1"))
}
