// Package mixer implements the per-room audio selector of spec §4.6,
// split into a Publisher half (elects the loudest local tracks onto the
// room's audio-mixer channel) and a Subscriber half (merges incoming slots
// from all server streams and re-elects local top-k). Grounded on the
// selector package's sticky-assignment idiom (keyRequestState's debounce
// pattern generalized to a sticky rule: a slot stays assigned until its
// source has been out of the top for longer than StickyGrace)
// and on voicetyped-voicetyped's forwarder tick-driven design.
package mixer

import (
	"sort"
	"time"

	"github.com/observer/sfunode/internal/media"
)

// MaxSlots bounds the number of concurrent elected speakers, spec §4.6.
const MaxSlots = 3

// ElectionTick is how often the publisher re-elects its top slots.
const ElectionTick = 20 * time.Millisecond

// StickyGrace is how long a source may fall out of top-MaxSlots before its
// slot is reassigned.
const StickyGrace = 1 * time.Second

// QuietThreshold is the -40 dBov quiet gate of spec §9(b)/S4: AudioLevel is
// dBov in [-127, 0] (0 loudest), so a level below this value is quieter
// than -40 dBov and never wins a slot, even with fewer than MaxSlots
// sources otherwise active.
const QuietThreshold int8 = -40

// sourceKey identifies one audio track across the mixer.
type sourceKey struct {
	peer  string
	track string
}

type levelWindow struct {
	level     int8
	updatedAt int64
}

// Publisher elects up to MaxSlots loudest local tracks once per tick and
// publishes their latest Opus payload on the room's audio-mixer channel.
type Publisher struct {
	levels map[sourceKey]levelWindow
	slots  [MaxSlots]sourceKey
	hasSlot [MaxSlots]bool
	lastSeenInTop [MaxSlots]int64

	publish func(media.AudioMixerPkt)
}

// NewPublisher creates a Publisher that calls publish for each elected
// slot's payload on every Tick.
func NewPublisher(publish func(media.AudioMixerPkt)) *Publisher {
	return &Publisher{levels: make(map[sourceKey]levelWindow), publish: publish}
}

// ObserveLevel feeds one audio RemoteTrack's reported level; nowMs is the
// cooperative worker's injected clock (spec §4.1: "Time is injected").
func (p *Publisher) ObserveLevel(nowMs int64, peer, track string, level int8) {
	k := sourceKey{peer, track}
	p.levels[k] = levelWindow{level: level, updatedAt: nowMs}
}

// RemoveSource drops a source entirely, e.g. on TrackStopped.
func (p *Publisher) RemoveSource(peer, track string) {
	delete(p.levels, sourceKey{peer, track})
}

// Tick re-elects the top MaxSlots sources by level and calls publish once
// for each still-assigned slot; it returns nothing. The caller supplies each elected source's latest opus payload via
// payloadFor; a source with no payload available this tick is skipped.
func (p *Publisher) Tick(nowMs int64, payloadFor func(peer, track string) ([]byte, uint32, uint64, bool)) {
	type candidate struct {
		key   sourceKey
		level int8
	}
	candidates := make([]candidate, 0, len(p.levels))
	for k, w := range p.levels {
		if w.level < QuietThreshold {
			continue
		}
		candidates = append(candidates, candidate{key: k, level: w.level})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].level != candidates[j].level {
			return candidates[i].level > candidates[j].level
		}
		// deterministic tie-break
		if candidates[i].key.peer != candidates[j].key.peer {
			return candidates[i].key.peer < candidates[j].key.peer
		}
		return candidates[i].key.track < candidates[j].key.track
	})

	top := make(map[sourceKey]bool, MaxSlots)
	for i := 0; i < MaxSlots && i < len(candidates); i++ {
		top[candidates[i].key] = true
	}

	for slot := 0; slot < MaxSlots; slot++ {
		if p.hasSlot[slot] {
			if top[p.slots[slot]] {
				p.lastSeenInTop[slot] = nowMs
			} else if nowMs-p.lastSeenInTop[slot] > int64(StickyGrace/time.Millisecond) {
				p.hasSlot[slot] = false
			}
		}
	}

	for k := range top {
		alreadyAssigned := false
		for slot := 0; slot < MaxSlots; slot++ {
			if p.hasSlot[slot] && p.slots[slot] == k {
				alreadyAssigned = true
				break
			}
		}
		if alreadyAssigned {
			continue
		}
		for slot := 0; slot < MaxSlots; slot++ {
			if !p.hasSlot[slot] {
				p.slots[slot] = k
				p.hasSlot[slot] = true
				p.lastSeenInTop[slot] = nowMs
				break
			}
		}
	}

	for slot := 0; slot < MaxSlots; slot++ {
		if !p.hasSlot[slot] {
			continue
		}
		k := p.slots[slot]
		payload, ts, seq, ok := payloadFor(k.peer, k.track)
		if !ok {
			continue
		}
		p.publish(media.AudioMixerPkt{
			Slot:       uint8(slot),
			Peer:       k.peer,
			Track:      k.track,
			AudioLevel: p.levels[k].level,
			OpusPayload: payload,
			TS:         ts,
			Seq:        seq,
		})
	}
}

// remoteSlot is one (streamID, slot) pair the Subscriber is tracking from a
// remote server stream.
type remoteSlot struct {
	streamID uint32
	slot     uint8
}

// Subscriber merges incoming AudioMixerPkts across all subscribed server
// streams and elects local top-k, applying the same sticky rule as
// Publisher but keyed by local output slot instead of source identity.
type Subscriber struct {
	latest  map[remoteSlot]media.AudioMixerPkt
	sources map[remoteSlot]int64 // last-updated nowMs, for GC of dead streams

	localSlots    [MaxSlots]remoteSlot
	hasLocalSlot  [MaxSlots]bool
	lastLocalSeen [MaxSlots]int64

	forward func(localSlot uint8, pkt media.AudioMixerPkt)
}

// NewSubscriber creates a Subscriber that calls forward for each locally
// elected slot's packet.
func NewSubscriber(forward func(localSlot uint8, pkt media.AudioMixerPkt)) *Subscriber {
	return &Subscriber{
		latest:  make(map[remoteSlot]media.AudioMixerPkt),
		sources: make(map[remoteSlot]int64),
		forward: forward,
	}
}

// Receive feeds one AudioMixerPkt observed from a particular remote stream.
func (s *Subscriber) Receive(nowMs int64, streamID uint32, pkt media.AudioMixerPkt) {
	k := remoteSlot{streamID: streamID, slot: pkt.Slot}
	s.latest[k] = pkt
	s.sources[k] = nowMs
}

// Tick re-elects local top-MaxSlots sources across all remote streams by
// reported level and forwards each elected slot's latest payload.
func (s *Subscriber) Tick(nowMs int64) {
	for k, seen := range s.sources {
		if nowMs-seen > int64(StickyGrace/time.Millisecond) {
			delete(s.sources, k)
			delete(s.latest, k)
		}
	}

	type candidate struct {
		key   remoteSlot
		level int8
	}
	candidates := make([]candidate, 0, len(s.latest))
	for k, pkt := range s.latest {
		if pkt.AudioLevel < QuietThreshold {
			continue
		}
		candidates = append(candidates, candidate{key: k, level: pkt.AudioLevel})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].level != candidates[j].level {
			return candidates[i].level > candidates[j].level
		}
		if candidates[i].key.streamID != candidates[j].key.streamID {
			return candidates[i].key.streamID < candidates[j].key.streamID
		}
		return candidates[i].key.slot < candidates[j].key.slot
	})

	top := make(map[remoteSlot]bool, MaxSlots)
	for i := 0; i < MaxSlots && i < len(candidates); i++ {
		top[candidates[i].key] = true
	}

	for slot := 0; slot < MaxSlots; slot++ {
		if s.hasLocalSlot[slot] {
			if top[s.localSlots[slot]] {
				s.lastLocalSeen[slot] = nowMs
			} else if nowMs-s.lastLocalSeen[slot] > int64(StickyGrace/time.Millisecond) {
				s.hasLocalSlot[slot] = false
			}
		}
	}

	for k := range top {
		assigned := false
		for slot := 0; slot < MaxSlots; slot++ {
			if s.hasLocalSlot[slot] && s.localSlots[slot] == k {
				assigned = true
				break
			}
		}
		if assigned {
			continue
		}
		for slot := 0; slot < MaxSlots; slot++ {
			if !s.hasLocalSlot[slot] {
				s.localSlots[slot] = k
				s.hasLocalSlot[slot] = true
				s.lastLocalSeen[slot] = nowMs
				break
			}
		}
	}

	for slot := 0; slot < MaxSlots; slot++ {
		if !s.hasLocalSlot[slot] {
			continue
		}
		pkt, ok := s.latest[s.localSlots[slot]]
		if !ok {
			continue
		}
		s.forward(uint8(slot), pkt)
	}
}
