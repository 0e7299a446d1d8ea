package runtime

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildStunBindingRequest constructs a minimal STUN header plus a USERNAME
// attribute carrying "local:remote", enough for parseStunLocalUfrag.
func buildStunBindingRequest(username string) []byte {
	attrVal := []byte(username)
	padded := (len(attrVal) + 3) &^ 3
	attr := make([]byte, 4+padded)
	attr[0], attr[1] = 0x00, 0x06 // USERNAME
	attr[2], attr[3] = byte(len(attrVal)>>8), byte(len(attrVal))
	copy(attr[4:], attrVal)

	header := make([]byte, 20)
	header[0], header[1] = 0x00, 0x01 // binding request
	header[2], header[3] = byte(len(attr)>>8), byte(len(attr))

	return append(header, attr...)
}

type fakeAddr string

func (f fakeAddr) Network() string { return "udp" }
func (f fakeAddr) String() string  { return string(f) }

func TestUDPRouterRoutesByUfragThenCaches(t *testing.T) {
	r := NewUDPRouter()
	r.AddUfrag("localufrag", 42)

	pkt := buildStunBindingRequest("localufrag:remoteufrag")
	owner, ok := r.Route(fakeAddr("1.2.3.4:5000"), pkt)
	require.True(t, ok)
	assert.Equal(t, Owner(42), owner)

	// subsequent non-STUN packets from the same 5-tuple hit the cache
	owner, ok = r.Route(fakeAddr("1.2.3.4:5000"), []byte{0xff, 0xff, 0xff})
	require.True(t, ok)
	assert.Equal(t, Owner(42), owner)
}

func TestUDPRouterDropsUnmatchedNonStun(t *testing.T) {
	r := NewUDPRouter()
	_, ok := r.Route(fakeAddr("1.2.3.4:5000"), []byte{0xff, 0xff, 0xff})
	assert.False(t, ok)
}

func TestUDPRouterRemoveOwnerClearsUfragAndCache(t *testing.T) {
	r := NewUDPRouter()
	r.AddUfrag("localufrag", 42)
	pkt := buildStunBindingRequest("localufrag:remoteufrag")
	_, _ = r.Route(fakeAddr("1.2.3.4:5000"), pkt)

	r.RemoveOwner(42)

	_, ok := r.Route(fakeAddr("1.2.3.4:5000"), []byte{0xff, 0xff, 0xff})
	assert.False(t, ok)
	_, ok = r.Route(fakeAddr("9.9.9.9:1"), pkt)
	assert.False(t, ok)
}

var _ net.Addr = fakeAddr("")
