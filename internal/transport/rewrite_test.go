package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundRewriteContinuousOnFirstPacket(t *testing.T) {
	var o outboundTrackState
	seq, ts := o.rewrite(false, 1000, 90000)
	assert.Equal(t, uint16(1000), seq)
	assert.Equal(t, uint32(90000), ts)
}

func TestOutboundRewriteContinuesAcrossSwitch(t *testing.T) {
	var o outboundTrackState
	seq, ts := o.rewrite(false, 1000, 90000)
	require.Equal(t, uint16(1000), seq)
	require.Equal(t, uint32(90000), ts)

	seq, ts = o.rewrite(false, 1001, 93000)
	assert.Equal(t, uint16(1001), seq)
	assert.Equal(t, uint32(93000), ts)

	// Source switches to a brand new SSRC with its own seq/ts space; the
	// next output packet must still land right after the previous output.
	seq, ts = o.rewrite(true, 50, 1000)
	assert.Equal(t, uint16(1002), seq)
	assert.GreaterOrEqual(t, ts, uint32(93001))

	// subsequent packets from the new source stay offset consistently
	seq, ts = o.rewrite(false, 51, 1960)
	assert.Equal(t, uint16(1003), seq)
}

func TestOutboundRewriteHandlesRollover(t *testing.T) {
	var o outboundTrackState
	o.rewrite(false, 65535, 4294967295)
	seq, ts := o.rewrite(false, 0, 0)
	assert.Equal(t, uint16(0), seq)
	assert.Equal(t, uint32(0), ts)
}

func TestKeyframeLimiterDebounces(t *testing.T) {
	var k keyframeLimiter
	now := time.Unix(0, 0)
	assert.True(t, k.allow(now))
	assert.False(t, k.allow(now.Add(100*time.Millisecond)))
	assert.True(t, k.allow(now.Add(600*time.Millisecond)))
}

func TestLocalTrackRTXRingBuffer(t *testing.T) {
	lt := &localTrack{}
	for i := 0; i < rtxBufferSize+10; i++ {
		lt.pushRTX(uint16(i), []byte{byte(i)})
	}
	// the oldest 10 entries should have been evicted
	_, found := lt.findRTX(5)
	assert.False(t, found)
	payload, found := lt.findRTX(uint16(rtxBufferSize + 9))
	require.True(t, found)
	assert.Equal(t, []byte{byte(rtxBufferSize + 9)}, payload)
}
