package mixer

import (
	"testing"

	"github.com/observer/sfunode/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherElectsTopThreeByLevel(t *testing.T) {
	var published []media.AudioMixerPkt
	p := NewPublisher(func(pkt media.AudioMixerPkt) { published = append(published, pkt) })

	p.ObserveLevel(0, "a", "mic", -10)
	p.ObserveLevel(0, "b", "mic", -5)
	p.ObserveLevel(0, "c", "mic", -30)
	p.ObserveLevel(0, "d", "mic", -1) // loudest

	payload := func(peer, track string) ([]byte, uint32, uint64, bool) {
		return []byte(peer + ":" + track), 1000, 1, true
	}
	p.Tick(0, payload)

	require.Len(t, published, 3)
	peers := map[string]bool{}
	for _, pkt := range published {
		peers[pkt.Peer] = true
	}
	assert.True(t, peers["d"]) // loudest must be included
	assert.False(t, peers["c"]) // quietest of four must be excluded
}

// S4: a silent source must not win a slot even when fewer than MaxSlots
// sources are active, per spec §9(b)'s -40 dBov quiet threshold.
func TestPublisherQuietSourceNeverElectedEvenWithFreeSlots(t *testing.T) {
	var published []media.AudioMixerPkt
	p := NewPublisher(func(pkt media.AudioMixerPkt) { published = append(published, pkt) })
	payload := func(peer, track string) ([]byte, uint32, uint64, bool) { return []byte("x"), 0, 0, true }

	p.ObserveLevel(0, "a", "mic", -10)
	p.ObserveLevel(0, "quiet", "mic", -41) // quieter than -40 dBov
	p.Tick(0, payload)

	require.Len(t, published, 1)
	assert.Equal(t, "a", published[0].Peer)
}

func TestPublisherStickySlotSurvivesGracePeriod(t *testing.T) {
	var published []media.AudioMixerPkt
	p := NewPublisher(func(pkt media.AudioMixerPkt) { published = append(published, pkt) })
	payload := func(peer, track string) ([]byte, uint32, uint64, bool) { return []byte("x"), 0, 0, true }

	p.ObserveLevel(0, "a", "mic", -5)
	p.ObserveLevel(0, "b", "mic", -10)
	p.ObserveLevel(0, "c", "mic", -20)
	p.Tick(0, payload)

	// "a" drops out of top-3 contention briefly but within the grace window
	p.RemoveSource("a", "mic")
	p.ObserveLevel(500, "b", "mic", -10)
	p.ObserveLevel(500, "c", "mic", -20)
	published = nil
	p.Tick(500, payload)

	foundA := false
	for slot := 0; slot < MaxSlots; slot++ {
		if p.hasSlot[slot] && p.slots[slot] == (sourceKey{"a", "mic"}) {
			foundA = true
		}
	}
	assert.True(t, foundA, "slot should remain sticky within the 1s grace period")

	// past the grace period with "a" still absent, the slot frees up
	p.ObserveLevel(1600, "b", "mic", -10)
	p.ObserveLevel(1600, "c", "mic", -20)
	p.Tick(1600, payload)
	foundA = false
	for slot := 0; slot < MaxSlots; slot++ {
		if p.hasSlot[slot] && p.slots[slot] == (sourceKey{"a", "mic"}) {
			foundA = true
		}
	}
	assert.False(t, foundA)
}

func TestSubscriberMergesAcrossStreamsAndElectsTopK(t *testing.T) {
	var forwarded []media.AudioMixerPkt
	s := NewSubscriber(func(slot uint8, pkt media.AudioMixerPkt) { forwarded = append(forwarded, pkt) })

	s.Receive(0, 1, media.AudioMixerPkt{Slot: 0, Peer: "a", AudioLevel: -5})
	s.Receive(0, 1, media.AudioMixerPkt{Slot: 1, Peer: "b", AudioLevel: -20})
	s.Receive(0, 2, media.AudioMixerPkt{Slot: 0, Peer: "c", AudioLevel: -1})
	s.Receive(0, 2, media.AudioMixerPkt{Slot: 1, Peer: "d", AudioLevel: -40})

	s.Tick(0)

	require.Len(t, forwarded, 3)
	peers := map[string]bool{}
	for _, pkt := range forwarded {
		peers[pkt.Peer] = true
	}
	assert.True(t, peers["c"]) // loudest across both streams
	assert.False(t, peers["d"]) // quietest must be excluded
}
