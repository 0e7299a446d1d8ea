// Package codec extracts the per-codec metadata MediaPacket needs — the
// key-frame flag and spatial/temporal indices for video, the audio level
// for Opus — from raw RTP payloads and header extensions. This is C1 of
// the spec: it never touches transport or RTP sequence/timestamp state,
// only the payload bytes the transport has already pulled off the wire.
package codec

import (
	"errors"

	"github.com/observer/sfunode/internal/media"
	"github.com/pion/rtp/codecs"
)

var ErrShortPayload = errors.New("codec: payload too short to parse")

// ParseVP8 extracts the key-frame flag and, when the descriptor carries a
// temporal index (TID), the temporal layer from a VP8 RTP payload,
// grounded on pion/rtp/codecs.VP8Packet. The spatial layer for a
// simulcast publisher is not carried in the VP8 payload at all — it comes
// from the RTP stream's rid/mid, so the transport fills in
// CodecMeta.Sim.Spatial itself once this function returns.
func ParseVP8(payload []byte) (media.CodecMeta, error) {
	var pkt codecs.VP8Packet
	if _, err := pkt.Unmarshal(payload); err != nil {
		return media.CodecMeta{}, err
	}
	meta := media.CodecMeta{
		Key:    pkt.S == 1 && pkt.PID == 0 && isVP8Key(pkt.Payload),
		HasSim: true,
	}
	if pkt.T == 1 {
		meta.Sim.Temporal = pkt.TID
	}
	return meta, nil
}

// isVP8Key inspects the first byte of a VP8 partition-0 payload: the low
// bit of the first byte is 0 for a key frame (RFC 6386 §9.1).
func isVP8Key(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	return payload[0]&0x01 == 0
}

// ParseVP9 extracts the key-frame flag and SVC spatial/temporal indices
// plus begin/end-of-frame bits from a VP9 RTP payload.
func ParseVP9(payload []byte) (media.CodecMeta, error) {
	var pkt codecs.VP9Packet
	if _, err := pkt.Unmarshal(payload); err != nil {
		return media.CodecMeta{}, err
	}
	// A non-inter-predicted frame that starts a new picture is a key
	// frame; VP9's uncompressed header distinguishes intra-only frames
	// further, but P=false at a picture start is the signal every
	// forwarding SFU in the wild relies on without fully decoding VP9.
	key := !pkt.P && pkt.B
	return media.CodecMeta{
		Key:    key,
		HasSvc: true,
		Svc: media.SvcMeta{
			Spatial:      pkt.SID,
			Temporal:     pkt.TID,
			BeginOfFrame: pkt.B,
			EndOfFrame:   pkt.E,
		},
	}, nil
}

// H264 NAL unit types relevant to key-frame detection (RFC 6184 §5.2).
const (
	nalTypeIDR    = 5
	nalTypeSTAPA  = 24
	nalTypeFUA    = 28
)

// ParseH264 extracts the key-frame flag from an H.264 RTP payload. Temporal
// layer selection from H.264 is left at its lowest value per spec §9 Open
// Question (a) until a frame-marking extension is parsed.
func ParseH264(payload []byte) (media.CodecMeta, error) {
	if len(payload) == 0 {
		return media.CodecMeta{}, ErrShortPayload
	}

	key := false
	nalType := payload[0] & 0x1F
	switch nalType {
	case nalTypeSTAPA:
		key = stapContainsIDR(payload[1:])
	case nalTypeFUA:
		if len(payload) >= 2 {
			fuType := payload[1] & 0x1F
			fuStart := payload[1]&0x80 != 0
			key = fuStart && fuType == nalTypeIDR
		}
	default:
		key = nalType == nalTypeIDR
	}

	return media.CodecMeta{
		Key:    key,
		HasSim: true,
		Sim:    media.SimulcastMeta{},
	}, nil
}

// stapContainsIDR walks a STAP-A aggregation unit's NAL entries looking for
// an IDR slice.
func stapContainsIDR(buf []byte) bool {
	for len(buf) >= 2 {
		size := int(buf[0])<<8 | int(buf[1])
		buf = buf[2:]
		if size <= 0 || size > len(buf) {
			return false
		}
		if buf[0]&0x1F == nalTypeIDR {
			return true
		}
		buf = buf[size:]
	}
	return false
}

// ParseOpusLevel decodes a one-byte RFC 6464 client-to-mixer audio level
// header extension: bit 7 is voice activity, bits 0-6 are the level in
// dBov, clamped into [-127, 0] (spec allows [-127,0] before the §9 mixer
// floors it further to a -40 dBov silence threshold).
func ParseOpusLevel(ext []byte) (level int8, ok bool) {
	if len(ext) == 0 {
		return 0, false
	}
	raw := ext[0] & 0x7F
	return -int8(raw), true
}
