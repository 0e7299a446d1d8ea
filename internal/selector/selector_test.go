package selector

import (
	"testing"

	"github.com/observer/sfunode/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkt(key bool, spatial, temporal uint8) *media.MediaPacket {
	return &media.MediaPacket{
		Meta: media.CodecMeta{
			Key:    key,
			HasSim: true,
			Sim:    media.SimulcastMeta{Spatial: spatial, Temporal: temporal},
		},
	}
}

func TestVideoSingleRejectsUntilFirstKey(t *testing.T) {
	s := NewSingle()
	assert.Equal(t, Reject, s.Select(0, pkt(false, 0, 0)))
	assert.True(t, s.WantsKeyRequest(0))
	assert.False(t, s.WantsKeyRequest(100)) // debounced within 500ms

	assert.Equal(t, Send, s.Select(200, pkt(true, 0, 0)))
	assert.Equal(t, Send, s.Select(300, pkt(false, 0, 0)))
}

func TestVideoSingleResetsOnSourceSwitch(t *testing.T) {
	s := NewSingle()
	require.Equal(t, Send, s.Select(0, pkt(true, 0, 0)))
	s.OnSourceSwitched(1000)
	assert.Equal(t, Reject, s.Select(1000, pkt(false, 0, 0)))
	assert.True(t, s.WantsKeyRequest(1000))
}

// S2: simulcast downshift under bandwidth pressure commits without a key.
func TestSimulcastDownshiftNoKeyRequired(t *testing.T) {
	s := NewSimulcast()
	s.SetLayerBitrate(0, 150_000)
	s.SetLayerBitrate(1, 500_000)
	s.SetLayerBitrate(2, 1_500_000)

	s.SetTargetBitrate(0, 1_600_000)
	require.Equal(t, Send, s.Select(0, pkt(true, 2, 0)))

	s.SetTargetBitrate(5000, 400_000)
	// downshift commits on any packet at the lower layer, no key needed
	assert.Equal(t, Send, s.Select(5100, pkt(false, 1, 0)))
}

// S3: simulcast upshift requires both target spatial and key=true, and
// debounces the keyframe request to 500ms.
func TestSimulcastUpshiftRequiresKey(t *testing.T) {
	s := NewSimulcast()
	s.SetLayerBitrate(0, 100_000)
	s.SetLayerBitrate(1, 500_000)
	s.SetLayerBitrate(2, 2_000_000)

	require.Equal(t, Send, s.Select(0, pkt(true, 0, 0)))

	s.SetTargetBitrate(1000, 2_000_000)
	// non-key packet at target layer must not commit
	assert.Equal(t, Reject, s.Select(1000, pkt(false, 2, 0)))
	assert.True(t, s.WantsKeyRequest(1000))
	assert.False(t, s.WantsKeyRequest(1100)) // debounced

	// key at the target layer commits the upshift
	assert.Equal(t, Send, s.Select(1600, pkt(true, 2, 0)))
}

// a pending upshift keeps forwarding the current layer while also asking
// for the keyframe it needs to commit the higher one.
func TestSimulcastUpshiftPendingSendsAndRequestsKey(t *testing.T) {
	s := NewSimulcast()
	s.SetLayerBitrate(0, 100_000)
	s.SetLayerBitrate(1, 500_000)
	s.SetLayerBitrate(2, 2_000_000)

	require.Equal(t, Send, s.Select(0, pkt(true, 0, 0)))

	s.SetTargetBitrate(1000, 2_000_000)
	assert.Equal(t, Reject, s.Select(1000, pkt(false, 2, 0)))

	// still on the current (lower) layer while the upshift key is pending
	assert.Equal(t, SendAndRequestKey, s.Select(1100, pkt(false, 0, 0)))
}

func TestSimulcastTemporalFiltering(t *testing.T) {
	s := NewSimulcast()
	s.SetTargetLayer(0, 1, false)
	require.Equal(t, Send, s.Select(0, pkt(true, 0, 0)))
	assert.Equal(t, Reject, s.Select(1, pkt(false, 0, 2)))
	assert.Equal(t, Send, s.Select(2, pkt(false, 0, 1)))
}

func TestSimulcastUpshiftTimesOutAndDowngradesTarget(t *testing.T) {
	s := NewSimulcast()
	require.Equal(t, Send, s.Select(0, pkt(true, 0, 0)))

	s.SetTargetLayer(2, 2, false)
	assert.Equal(t, Reject, s.Select(100, pkt(false, 2, 0)))
	// past the 2s timeout with no key ever arriving at layer 2
	assert.Equal(t, Send, s.Select(2200, pkt(false, 0, 0)))
}

func svcPkt(key, begin, end bool, spatial, temporal uint8) *media.MediaPacket {
	return &media.MediaPacket{
		Meta: media.CodecMeta{
			Key:    key,
			HasSvc: true,
			Svc: media.SvcMeta{
				Spatial:      spatial,
				Temporal:     temporal,
				BeginOfFrame: begin,
				EndOfFrame:   end,
			},
		},
	}
}

func TestSvcDropsWholeFrameOnReject(t *testing.T) {
	s := NewSvc()
	s.SetTargetLayer(0, 0, false)
	require.Equal(t, Send, s.Select(0, svcPkt(true, true, false, 0, 0)))

	// a higher spatial layer's continuation packets must all be dropped
	assert.Equal(t, Reject, s.Select(10, svcPkt(false, true, false, 1, 0)))
	assert.Equal(t, Reject, s.Select(20, svcPkt(false, false, false, 1, 0)))
	assert.Equal(t, Reject, s.Select(30, svcPkt(false, false, true, 1, 0)))

	// next frame at the forwarded layer resumes normally
	assert.Equal(t, Send, s.Select(40, svcPkt(false, true, true, 0, 0)))
}
