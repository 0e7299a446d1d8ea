package selector

import (
	"time"

	"github.com/observer/sfunode/internal/media"
)

// maxSimulcastSpatial and maxSimulcastTemporal bound the 3 spatial × 3
// temporal simulcast matrix of spec §4.4 (indices 0..2).
const (
	maxSimulcastSpatial  = 2
	maxSimulcastTemporal = 2
)

type layerPair struct {
	spatial  uint8
	temporal uint8
}

// StatsAware is implemented by selectors whose bitrate→layer table is fed
// by observed TrackStats (spec §4.4's "monotonically non-decreasing table
// derived from observed TrackStats").
type StatsAware interface {
	SetLayerBitrate(spatial uint8, bps uint32)
}

// VideoSimulcastSelector picks among up to 3 spatial × 3 temporal layers.
// An upshift commits only on a keyframe at the target spatial layer; a
// downshift commits immediately on any lower-spatial packet. Grounded on
// voicetyped-voicetyped's RunSimulcastForwarder (PLI on layer change,
// rid/quality mapping) generalized to the spec's explicit target/current
// state machine.
type VideoSimulcastSelector struct {
	hasCurrent bool
	current    layerPair
	target     layerPair

	layerBitrates map[uint8]uint32
	upshiftSince  int64 // -1 means no upshift is pending

	key keyRequestState
}

func NewSimulcast() *VideoSimulcastSelector {
	return &VideoSimulcastSelector{
		target:        layerPair{spatial: 0, temporal: maxSimulcastTemporal},
		layerBitrates: make(map[uint8]uint32),
		upshiftSince:  -1,
	}
}

func (s *VideoSimulcastSelector) SetLayerBitrate(spatial uint8, bps uint32) {
	s.layerBitrates[spatial] = bps
}

// pickSpatialForBitrate returns the largest spatial layer whose observed
// bitrate is <= bps, tie-breaking to the smaller index, and falling back to
// the lowest layer when no stats are available.
func (s *VideoSimulcastSelector) pickSpatialForBitrate(bps uint32) uint8 {
	var best uint8
	var bestBr uint32
	found := false
	for spatial := uint8(0); spatial <= maxSimulcastSpatial; spatial++ {
		br, ok := s.layerBitrates[spatial]
		if !ok || br > bps {
			continue
		}
		if !found || br > bestBr {
			best, bestBr, found = spatial, br, true
		}
	}
	if !found {
		return 0
	}
	return best
}

func (s *VideoSimulcastSelector) SetTargetBitrate(nowMs int64, bps uint32) {
	s.target.spatial = s.pickSpatialForBitrate(bps)
}

func (s *VideoSimulcastSelector) SetTargetLayer(spatial, temporal uint8, keyOnly bool) {
	s.target = layerPair{spatial: spatial, temporal: temporal}
}

func (s *VideoSimulcastSelector) OnSourceSwitched(nowMs int64) {
	s.hasCurrent = false
	s.upshiftSince = -1
	s.key.markWant()
}

func (s *VideoSimulcastSelector) Select(nowMs int64, pkt *media.MediaPacket) Decision {
	if !pkt.Meta.HasSim {
		return Reject
	}
	spatial := pkt.Meta.Sim.Spatial
	temporal := pkt.Meta.Sim.Temporal

	pendingUpshift := !s.hasCurrent || s.target.spatial > s.current.spatial
	if pendingUpshift {
		if s.upshiftSince < 0 {
			s.upshiftSince = nowMs
		} else if nowMs-s.upshiftSince > int64(UpshiftTimeout/time.Millisecond) {
			if s.hasCurrent {
				s.target.spatial = s.current.spatial
				s.key.clear()
			} else {
				s.target.spatial = 0
			}
			s.upshiftSince = -1
		}
	} else {
		s.upshiftSince = -1
	}

	switch {
	case !s.hasCurrent:
		if spatial != s.target.spatial || !pkt.Meta.Key {
			s.key.markWant()
			return Reject
		}
		s.commit(spatial)
	case spatial > s.current.spatial:
		if spatial != s.target.spatial || !pkt.Meta.Key {
			if spatial == s.target.spatial {
				s.key.markWant()
			}
			return Reject
		}
		s.commit(spatial)
	case spatial < s.current.spatial:
		if spatial < s.target.spatial {
			return Reject
		}
		s.commit(spatial)
	}

	if spatial == s.current.spatial && temporal > s.current.temporal {
		return Reject
	}
	if s.key.want {
		return SendAndRequestKey
	}
	return Send
}

// commit accepts the given spatial layer as current, adopting the target's
// temporal cap, and clears any pending keyframe request/upshift timer.
func (s *VideoSimulcastSelector) commit(spatial uint8) {
	s.hasCurrent = true
	s.current = layerPair{spatial: spatial, temporal: s.target.temporal}
	s.key.clear()
	s.upshiftSince = -1
}

func (s *VideoSimulcastSelector) WantsKeyRequest(nowMs int64) bool {
	return s.key.wantsKeyRequest(nowMs)
}
