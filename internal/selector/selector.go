// Package selector implements C4, the per-LocalTrack layer picker: given a
// stream of MediaPackets from the currently attached source channel plus a
// target bitrate and spatial/temporal hint, it decides whether to forward,
// reject, or forward-and-request-a-keyframe for each packet.
//
// The three variants below are grounded on voicetyped-voicetyped's
// RunSimpleForwarder/RunSimulcastForwarder/RunSVCForwarder and on
// original_source's video_single.rs "wait for first key" gate.
package selector

import (
	"time"

	"github.com/observer/sfunode/internal/media"
)

// Decision is the outcome of feeding one MediaPacket to a Selector.
type Decision uint8

const (
	Reject Decision = iota
	Send
	SendAndRequestKey
)

// KeyframeRequestInterval bounds how often a selector may ask for a new
// keyframe for the same source channel (spec §4.4, §5).
const KeyframeRequestInterval = 500 * time.Millisecond

// UpshiftTimeout is how long a pending simulcast upshift waits for a
// keyframe on the target layer before giving up and re-targeting down
// (spec §5).
const UpshiftTimeout = 2 * time.Second

// Selector is implemented by VideoSingle, VideoSimulcast and VideoSvc. It
// is attached once per LocalTrack at track-attach time by inspecting the
// publisher's TrackMeta.Scaling.
type Selector interface {
	// SetTargetBitrate updates the bandwidth estimate driving layer choice.
	SetTargetBitrate(nowMs int64, bps uint32)
	// SetTargetLayer pins an explicit spatial/temporal target, overriding
	// the bitrate-derived one (used for pinned/priority subscriptions).
	SetTargetLayer(spatial, temporal uint8, keyOnly bool)
	// OnSourceSwitched resets gating state when the LocalTrack's source
	// channel changes (a Pin to a different publisher).
	OnSourceSwitched(nowMs int64)
	// Select decides the fate of one incoming packet. SendAndRequestKey is
	// returned instead of Send while a higher layer is pending a keyframe
	// that hasn't arrived yet, so the current layer keeps flowing without
	// waiting on WantsKeyRequest's debounce to notice the need.
	Select(nowMs int64, pkt *media.MediaPacket) Decision
	// WantsKeyRequest reports whether the caller should emit
	// RequestKeyFrame(sourceChannel) right now, debounced internally to
	// KeyframeRequestInterval.
	WantsKeyRequest(nowMs int64) bool
}

// New builds the Selector appropriate for a publisher's scaling mode.
func New(scaling media.Scaling) Selector {
	switch scaling {
	case media.ScalingSimulcast:
		return NewSimulcast()
	case media.ScalingSvc:
		return NewSvc()
	default:
		return NewSingle()
	}
}

// keyRequestState tracks the shared 500ms keyframe-request debounce used by
// every variant. want is set whenever the selector is blocked waiting for
// a keyframe; WantsKeyRequest fires at most once per KeyframeRequestInterval
// while want stays set, and clears automatically once a keyframe arrives
// (the variant clears want directly).
type keyRequestState struct {
	want        bool
	lastFiredAt int64
	fired       bool
}

func (k *keyRequestState) markWant() {
	k.want = true
}

func (k *keyRequestState) clear() {
	k.want = false
	k.fired = false
}

// wantsKeyRequest reports whether the caller should emit a fresh
// RequestKeyFrame now, debounced to at most one per KeyframeRequestInterval.
func (k *keyRequestState) wantsKeyRequest(nowMs int64) bool {
	if !k.want {
		return false
	}
	if k.fired && nowMs-k.lastFiredAt < int64(KeyframeRequestInterval/time.Millisecond) {
		return false
	}
	k.lastFiredAt = nowMs
	k.fired = true
	return true
}
