// Package transport runs the per-endpoint WebRTC lifecycle: ICE/DTLS/SRTP
// via pion/webrtc, translation between RTP and media.MediaPacket, keyframe
// PLI generation and debounce, outbound sequence/timestamp rewriting across
// a local track's source switches, and a bounded RTX send buffer.
//
// Grounded on the teacher's internal/webrtc/sfu.go (OnTrack/forwardTrack
// shape, PeerConnection lifecycle callbacks), generalized from a fixed
// room-mesh fan-out to the spec's typed event/input channels per endpoint.
package transport

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/observer/sfunode/internal/media"
	"github.com/observer/sfunode/internal/media/codec"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// ErrUnknownLocalTrack is returned by WriteMedia for a track id that was
// never attached via AttachLocalTrack; SwitchSource ignores such an id.
var ErrUnknownLocalTrack = errors.New("transport: unknown local track")

// State mirrors spec §4.2's connection lifecycle.
type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// RemoteTrackEventKind discriminates RemoteTrack sub-events.
type RemoteTrackEventKind uint8

const (
	RemoteTrackStarted RemoteTrackEventKind = iota
	RemoteTrackMedia
	RemoteTrackPaused
	RemoteTrackResumed
	RemoteTrackEnded
)

// LocalTrackEventKind discriminates LocalTrack sub-events.
type LocalTrackEventKind uint8

const (
	LocalTrackStarted LocalTrackEventKind = iota
	LocalTrackSwitch
	LocalTrackRequestKeyFrame
	LocalTrackEnded
)

// Stats is periodically emitted per spec §4.2.
type Stats struct {
	SentBytes uint64
	RecvBytes uint64
	SentLoss  float64
	RecvLoss  float64
}

// Event is the union of everything the transport emits to the endpoint.
// Exactly one of the embedded payloads is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	State State

	TrackID string

	RemoteKind RemoteTrackEventKind
	Name       string // RemoteTrackStarted
	Packet     media.MediaPacket

	LocalKind  LocalTrackEventKind
	SwitchPeer string // LocalTrackSwitch; empty Peer+Track means "no source"
	SwitchTrack string

	Stats Stats
}

// EventKind selects which Event field set is populated.
type EventKind uint8

const (
	EventState EventKind = iota
	EventRemoteTrack
	EventLocalTrack
	EventStats
)

// InputKind selects which Input field set is populated.
type InputKind uint8

const (
	InputNet InputKind = iota
	InputEndpoint
	InputClose
)

// EndpointInputKind discriminates the InputEndpoint payload.
type EndpointInputKind uint8

const (
	EndpointSubscribe EndpointInputKind = iota
	EndpointUnsubscribe
	EndpointOutboundMedia
	EndpointRequestKeyFrame
)

// Input is what the endpoint (or worker) feeds into the transport.
type Input struct {
	Kind InputKind

	RemoteAddr string
	Datagram   []byte

	EndpointKind EndpointInputKind
	LocalTrackID string
	Packet       media.MediaPacket
}

const (
	// keyframeRequestInterval bounds PLI generation per remote SSRC, per
	// spec §4.2.
	keyframeRequestInterval = 500 * time.Millisecond
	// rtxBufferSize is the minimum bound from spec §4.2 ("≥ 512 packets").
	rtxBufferSize = 512
)

// outboundTrackState tracks the seq/ts rewriting spec §4.2 requires across
// a local track's source switches.
type outboundTrackState struct {
	haveOutput    bool
	seqOffset     uint16
	tsOffset      uint32
	lastSourceSeq uint16
	lastSourceTs  uint32
	lastOutSeq    uint16
	lastOutTs     uint32
}

// rewrite computes the outbound (seq, ts) for a source packet, installing a
// fresh offset on the first packet after a switch so that output stays
// continuous: seq = prevOutSeq+1, ts >= prevOutTs+1.
func (o *outboundTrackState) rewrite(switched bool, srcSeq uint16, srcTs uint32) (uint16, uint32) {
	if !o.haveOutput {
		o.haveOutput = true
		o.seqOffset = 0
		o.tsOffset = 0
		o.lastSourceSeq = srcSeq
		o.lastSourceTs = srcTs
		o.lastOutSeq = srcSeq
		o.lastOutTs = srcTs
		return srcSeq, srcTs
	}
	if switched {
		o.seqOffset = o.lastOutSeq + 1 - srcSeq
		o.tsOffset = o.lastOutTs + 1 - srcTs
	}
	o.lastSourceSeq = srcSeq
	o.lastSourceTs = srcTs
	outSeq := srcSeq + o.seqOffset
	outTs := srcTs + o.tsOffset
	o.lastOutSeq = outSeq
	o.lastOutTs = outTs
	return outSeq, outTs
}

// rtxEntry is one packet held in a local track's retransmission buffer.
type rtxEntry struct {
	seq     uint16
	payload []byte
}

// keyframeLimiter debounces PLI generation to at most once per interval,
// mirroring selector.keyRequestState but scoped to a remote SSRC.
type keyframeLimiter struct {
	mu       sync.Mutex
	lastSent time.Time
}

func (k *keyframeLimiter) allow(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if now.Sub(k.lastSent) < keyframeRequestInterval {
		return false
	}
	k.lastSent = now
	return true
}

// remoteTrack wraps one inbound webrtc.TrackRemote.
type remoteTrack struct {
	id      string
	track   *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	limiter keyframeLimiter
}

// localTrack wraps one outbound webrtc.TrackLocalStaticRTP plus its
// rewriting and RTX state.
type localTrack struct {
	id     string
	sender *webrtc.RTPSender
	track  *webrtc.TrackLocalStaticRTP

	mu       sync.Mutex
	rewrite  outboundTrackState
	rtxBuf   []rtxEntry
	rtxNext  int
	switched bool
}

func (l *localTrack) pushRTX(seq uint16, payload []byte) {
	entry := rtxEntry{seq: seq, payload: append([]byte(nil), payload...)}
	if len(l.rtxBuf) < rtxBufferSize {
		l.rtxBuf = append(l.rtxBuf, entry)
		return
	}
	l.rtxBuf[l.rtxNext] = entry
	l.rtxNext = (l.rtxNext + 1) % rtxBufferSize
}

func (l *localTrack) findRTX(seq uint16) ([]byte, bool) {
	for _, e := range l.rtxBuf {
		if e.seq == seq {
			return e.payload, true
		}
	}
	return nil, false
}

// PeerTransport runs one endpoint's WebRTC lifecycle. Events flow out over
// Events(), which has a bounded buffer and drops an event when it is full.
// Inputs arrive as method calls (AttachLocalTrack, SwitchSource,
// WriteMedia, RequestKeyFrame, Close); no method takes the Input type.
type PeerTransport struct {
	id     string
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	events chan Event

	mu            sync.Mutex
	state         State
	remoteTracks  map[string]*remoteTrack
	localTracks   map[string]*localTrack
	payloadTypes  map[uint8]string // PT -> codec name, filled from negotiated SDP
}

// Config configures PeerTransport construction; ICEServers is forwarded to
// pion/webrtc verbatim.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// New creates a PeerTransport and wires the pion PeerConnection callbacks
// that feed Events().
func New(id string, cfg Config, logger *slog.Logger) (*PeerTransport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	t := &PeerTransport{
		id:           id,
		pc:           pc,
		logger:       logger.With("component", "transport", "endpoint", id),
		events:       make(chan Event, 64),
		state:        StateConnecting,
		remoteTracks: make(map[string]*remoteTrack),
		localTracks:  make(map[string]*localTrack),
		payloadTypes: make(map[uint8]string),
	}

	pc.OnTrack(func(rt *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		t.handleRemoteTrack(rt, recv)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.handleConnectionState(s)
	})

	return t, nil
}

// Events returns the channel of outbound typed events (spec §4.2).
func (t *PeerTransport) Events() <-chan Event { return t.events }

func (t *PeerTransport) emit(e Event) {
	select {
	case t.events <- e:
	default:
		t.logger.Warn("event channel full, dropping event", "kind", e.Kind)
	}
}

func (t *PeerTransport) handleConnectionState(s webrtc.PeerConnectionState) {
	var mapped State
	switch s {
	case webrtc.PeerConnectionStateConnected:
		mapped = StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		mapped = StateReconnecting
	case webrtc.PeerConnectionStateFailed:
		mapped = StateFailed
	case webrtc.PeerConnectionStateClosed:
		mapped = StateDisconnected
	default:
		mapped = StateConnecting
	}
	t.mu.Lock()
	t.state = mapped
	t.mu.Unlock()
	t.emit(Event{Kind: EventState, State: mapped})
}

func (t *PeerTransport) handleRemoteTrack(rt *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
	id := rt.ID()
	rtrack := &remoteTrack{id: id, track: rt, receiver: recv}
	codecName := rt.Codec().MimeType
	if i := strings.IndexByte(codecName, '/'); i >= 0 {
		codecName = codecName[i+1:]
	}

	t.mu.Lock()
	t.remoteTracks[id] = rtrack
	t.payloadTypes[uint8(rt.PayloadType())] = codecName
	t.mu.Unlock()

	t.emit(Event{Kind: EventRemoteTrack, TrackID: id, RemoteKind: RemoteTrackStarted, Name: rt.StreamID()})

	go t.readRemoteTrack(rtrack)
}

// readRemoteTrack pulls RTP off one remote track, parses codec metadata via
// internal/media/codec, and emits RemoteTrackMedia events. One goroutine
// per remote track, matching the teacher's forwardTrack shape.
func (t *PeerTransport) readRemoteTrack(rtrack *remoteTrack) {
	for {
		pkt, _, err := rtrack.track.ReadRTP()
		if err != nil {
			t.mu.Lock()
			delete(t.remoteTracks, rtrack.id)
			t.mu.Unlock()
			t.emit(Event{Kind: EventRemoteTrack, TrackID: rtrack.id, RemoteKind: RemoteTrackEnded})
			return
		}

		mp := t.toMediaPacket(rtrack, pkt)
		t.emit(Event{Kind: EventRemoteTrack, TrackID: rtrack.id, RemoteKind: RemoteTrackMedia, Packet: mp})
	}
}

// toMediaPacket delegates codec-specific parsing per spec §4.2's
// "identifies the codec by payload type" rule.
func (t *PeerTransport) toMediaPacket(rtrack *remoteTrack, pkt *rtp.Packet) media.MediaPacket {
	mp := media.MediaPacket{
		PT:       pkt.PayloadType,
		Seq:      uint64(pkt.SequenceNumber),
		TS:       pkt.Timestamp,
		Marker:   pkt.Marker,
		Nackable: true,
		Data:     pkt.Payload,
	}

	t.mu.Lock()
	name := t.payloadTypes[pkt.PayloadType]
	t.mu.Unlock()

	var meta media.CodecMeta
	var err error
	switch name {
	case "VP8":
		meta, err = codec.ParseVP8(pkt.Payload)
	case "VP9":
		meta, err = codec.ParseVP9(pkt.Payload)
	case "H264":
		meta, err = codec.ParseH264(pkt.Payload)
	case "opus":
		if ext := pkt.GetExtension(1); len(ext) > 0 {
			if level, ok := codec.ParseOpusLevel(ext); ok {
				meta.HasAudioLevel = true
				meta.AudioLevel = level
			}
		}
	}
	if err == nil {
		mp.Meta = meta
	}
	return mp
}

// RequestKeyFrame maps an endpoint's RequestKeyFrame input to a PLI RTCP
// packet on the matching remote SSRC, debounced per spec §4.2.
func (t *PeerTransport) RequestKeyFrame(remoteTrackID string) {
	t.mu.Lock()
	rtrack, ok := t.remoteTracks[remoteTrackID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if !rtrack.limiter.allow(time.Now()) {
		return
	}
	ssrc := uint32(rtrack.track.SSRC())
	_ = t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

// AttachLocalTrack creates an outbound track from a remote track's codec
// capability and adds it to the PeerConnection, starting RTCP read-pump for
// NACK handling, matching the teacher's subscribeToTrack.
func (t *PeerTransport) AttachLocalTrack(id string, capability webrtc.RTPCodecCapability, streamID string) error {
	wt, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return err
	}
	sender, err := t.pc.AddTrack(wt)
	if err != nil {
		return err
	}

	lt := &localTrack{id: id, sender: sender, track: wt}
	t.mu.Lock()
	t.localTracks[id] = lt
	t.mu.Unlock()

	go t.readRTCP(lt)

	t.emit(Event{Kind: EventLocalTrack, TrackID: id, LocalKind: LocalTrackStarted})
	return nil
}

// readRTCP drains the sender's RTCP reports and services NACKs from the
// local track's RTX buffer, matching spec §4.2's "responses are not
// retried beyond one round trip" rule by doing a single best-effort pass.
func (t *PeerTransport) readRTCP(lt *localTrack) {
	buf := make([]byte, 1500)
	for {
		n, _, err := lt.sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			nack, ok := p.(*rtcp.TransportLayerNack)
			if !ok {
				continue
			}
			for _, pair := range nack.Nacks {
				for _, seq := range pair.PacketList() {
					lt.mu.Lock()
					payload, found := lt.findRTX(seq)
					lt.mu.Unlock()
					if !found {
						continue
					}
					_ = lt.track.WriteRTP(&rtp.Packet{
						Header:  rtp.Header{SequenceNumber: seq},
						Payload: payload,
					})
				}
			}
		}
	}
}

// SwitchSource marks the next write on a local track as following a source
// switch, so the next WriteMedia call installs a fresh rewrite offset.
func (t *PeerTransport) SwitchSource(localTrackID string) {
	t.mu.Lock()
	lt, ok := t.localTracks[localTrackID]
	t.mu.Unlock()
	if !ok {
		return
	}
	lt.mu.Lock()
	lt.switched = true
	lt.mu.Unlock()
	t.emit(Event{Kind: EventLocalTrack, TrackID: localTrackID, LocalKind: LocalTrackSwitch})
}

// WriteMedia writes a MediaPacket (already selector-approved) to a local
// track, rewriting seq/ts per spec §4.2 and recording it in the RTX buffer.
func (t *PeerTransport) WriteMedia(localTrackID string, pkt media.MediaPacket) error {
	t.mu.Lock()
	lt, ok := t.localTracks[localTrackID]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownLocalTrack
	}

	lt.mu.Lock()
	outSeq, outTs := lt.rewrite.rewrite(lt.switched, uint16(pkt.Seq), pkt.TS)
	lt.switched = false
	out := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pkt.PT,
			SequenceNumber: outSeq,
			Timestamp:      outTs,
			Marker:         pkt.Marker,
		},
		Payload: pkt.Data,
	}
	lt.pushRTX(outSeq, pkt.Data)
	lt.mu.Unlock()

	return lt.track.WriteRTP(out)
}

// Close tears down the underlying PeerConnection.
func (t *PeerTransport) Close() error {
	return t.pc.Close()
}
