package selector

import (
	"time"

	"github.com/observer/sfunode/internal/media"
)

// VideoSvcSelector picks a VP9 SVC layer on a single SSRC. Decisions are
// made on the SVC picture/layer ids; the begin/end-of-frame bits gate
// partial frames so a forwarded frame is always complete at
// (spatial, temporal) — once a packet within a frame is rejected, every
// remaining packet of that same frame is rejected too, until the
// end-of-frame bit is observed.
type VideoSvcSelector struct {
	hasCurrent bool
	current    layerPair
	target     layerPair

	upshiftSince  int64 // -1 means no upshift is pending
	droppingFrame bool

	key keyRequestState
}

func NewSvc() *VideoSvcSelector {
	return &VideoSvcSelector{target: layerPair{spatial: 0, temporal: maxSimulcastTemporal}, upshiftSince: -1}
}

func (s *VideoSvcSelector) SetTargetBitrate(nowMs int64, bps uint32) {
	// SVC target selection from bitrate alone needs the same table as
	// simulcast; callers that track per-layer stats should prefer
	// SetTargetLayer directly once they know the desired spatial index.
}

func (s *VideoSvcSelector) SetTargetLayer(spatial, temporal uint8, keyOnly bool) {
	s.target = layerPair{spatial: spatial, temporal: temporal}
}

func (s *VideoSvcSelector) OnSourceSwitched(nowMs int64) {
	s.hasCurrent = false
	s.upshiftSince = -1
	s.droppingFrame = false
	s.key.markWant()
}

func (s *VideoSvcSelector) Select(nowMs int64, pkt *media.MediaPacket) Decision {
	if !pkt.Meta.HasSvc {
		return Reject
	}
	spatial := pkt.Meta.Svc.Spatial
	temporal := pkt.Meta.Svc.Temporal
	begin := pkt.Meta.Svc.BeginOfFrame
	end := pkt.Meta.Svc.EndOfFrame

	if s.droppingFrame {
		if end {
			s.droppingFrame = false
		}
		return Reject
	}

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

	reject := false
	if begin {
		switch {
		case !s.hasCurrent:
			if spatial == s.target.spatial && pkt.Meta.Key {
				s.commit(spatial)
			} else {
				s.key.markWant()
				reject = true
			}
		case spatial > s.current.spatial:
			if spatial == s.target.spatial && pkt.Meta.Key {
				s.commit(spatial)
			} else {
				if spatial == s.target.spatial {
					s.key.markWant()
				}
				reject = true
			}
		case spatial < s.current.spatial:
			if spatial <= s.target.spatial {
				s.commit(spatial)
			} else {
				reject = true
			}
		}
	} else if spatial != s.current.spatial {
		// continuation of a layer we are not currently forwarding
		reject = true
	}

	if !reject && spatial == s.current.spatial && temporal > s.current.temporal {
		reject = true
	}

	if reject {
		if !end {
			s.droppingFrame = true
		}
		return Reject
	}
	if s.key.want {
		return SendAndRequestKey
	}
	return Send
}

func (s *VideoSvcSelector) commit(spatial uint8) {
	s.hasCurrent = true
	s.current = layerPair{spatial: spatial, temporal: s.target.temporal}
	s.key.clear()
	s.upshiftSince = -1
}

func (s *VideoSvcSelector) WantsKeyRequest(nowMs int64) bool {
	return s.key.wantsKeyRequest(nowMs)
}
