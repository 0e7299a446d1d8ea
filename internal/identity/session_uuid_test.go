package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionUUIDRoundTrip(t *testing.T) {
	cases := []SessionUUID{
		{NodeID: 0, TsSecond: 0, Seq: 0},
		{NodeID: 1, TsSecond: 1700000000, Seq: 65535},
		{NodeID: 65535, TsSecond: 4294967295, Seq: 1},
	}
	for _, c := range cases {
		got := SessionUUIDFromUint64(c.ToUint64())
		assert.Equal(t, c, got)
	}
}

func TestSessionUUIDAllocatorMonotonic(t *testing.T) {
	now := uint32(1000)
	alloc := NewSessionUUIDAllocator(7, func() uint32 { return now })

	a := alloc.Next()
	b := alloc.Next()
	assert.Less(t, a.ToUint64(), b.ToUint64())

	now = 1001
	c := alloc.Next()
	assert.Less(t, b.ToUint64(), c.ToUint64())
	assert.Equal(t, uint16(0), c.Seq)
}
