package selector

import "github.com/observer/sfunode/internal/media"

// VideoSingleSelector rejects packets until the first keyframe arrives,
// then forwards every subsequent packet. While waiting it requests a
// keyframe at most once per KeyframeRequestInterval, and it re-enters the
// waiting state on every source switch.
// Grounded on original_source's VideoSingleSelector/VideoSingleFilter.
type VideoSingleSelector struct {
	hasKey bool
	key    keyRequestState
}

func NewSingle() *VideoSingleSelector {
	s := &VideoSingleSelector{}
	s.key.markWant()
	return s
}

func (s *VideoSingleSelector) SetTargetBitrate(nowMs int64, bps uint32)          {}
func (s *VideoSingleSelector) SetTargetLayer(spatial, temporal uint8, key bool) {}

func (s *VideoSingleSelector) OnSourceSwitched(nowMs int64) {
	s.hasKey = false
	s.key.markWant()
}

func (s *VideoSingleSelector) Select(nowMs int64, pkt *media.MediaPacket) Decision {
	if !s.hasKey {
		if pkt.Meta.IsVideoKey() {
			s.hasKey = true
			s.key.clear()
		} else {
			return Reject
		}
	}
	return Send
}

func (s *VideoSingleSelector) WantsKeyRequest(nowMs int64) bool {
	return s.key.wantsKeyRequest(nowMs)
}
