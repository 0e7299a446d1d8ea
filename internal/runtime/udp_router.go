// Package runtime glues a worker's cooperative scheduler to the shared UDP
// demux and RPC dispatch of spec §4.1 and §4.9. Grounded on the teacher's
// cmd/server/main.go wiring style (explicit construction, no DI framework)
// and on the worker-owns-its-state idiom the whole spec follows.
package runtime

import "net"

// Owner identifies whatever a worker routes a datagram or RPC to; the
// worker itself only needs to compare owners for equality, so this is kept
// opaque rather than importing internal/endpoint (avoiding an import
// cycle between runtime and its callers).
type Owner = uint64

// UDPRouter demultiplexes inbound datagrams per spec §4.1: a cache hit on
// the 5-tuple wins; on miss, the STUN username attribute's local ufrag is
// looked up and the 5-tuple is installed for next time.
type UDPRouter struct {
	ufrags      map[string]Owner
	remoteAddrs map[string]Owner
}

// NewUDPRouter creates an empty router.
func NewUDPRouter() *UDPRouter {
	return &UDPRouter{
		ufrags:      make(map[string]Owner),
		remoteAddrs: make(map[string]Owner),
	}
}

// AddUfrag registers a local ufrag before ICE begins for owner.
func (r *UDPRouter) AddUfrag(ufrag string, owner Owner) {
	r.ufrags[ufrag] = owner
}

// RemoveOwner removes both the ufrag entry and all cached remote addresses
// pointing at owner, per spec §4.1.
func (r *UDPRouter) RemoveOwner(owner Owner) {
	for ufrag, o := range r.ufrags {
		if o == owner {
			delete(r.ufrags, ufrag)
		}
	}
	for addr, o := range r.remoteAddrs {
		if o == owner {
			delete(r.remoteAddrs, addr)
		}
	}
}

// Route resolves a datagram's owner: cache hit wins; on miss, STUN
// username attributes are parsed for "ufrag:remote_ufrag" and the 5-tuple
// is installed. Non-STUN unmatched packets are dropped silently (returns
// a zero owner and false).
func (r *UDPRouter) Route(remoteAddr net.Addr, datagram []byte) (Owner, bool) {
	addrKey := remoteAddr.String()
	if owner, ok := r.remoteAddrs[addrKey]; ok {
		return owner, true
	}

	ufrag, ok := parseStunLocalUfrag(datagram)
	if !ok {
		return 0, false
	}
	owner, ok := r.ufrags[ufrag]
	if !ok {
		return 0, false
	}
	r.remoteAddrs[addrKey] = owner
	return owner, true
}

// isStunPacket reports whether the first byte looks like a STUN message
// (spec §4.1: "a STUN message (0x00–0x03 initial byte)").
func isStunPacket(b []byte) bool {
	return len(b) > 0 && b[0] <= 0x03
}

// stunUsernameAttr is the STUN USERNAME attribute type (RFC 5389 §15.3).
const stunUsernameAttr = 0x0006

// parseStunLocalUfrag extracts the local half of a STUN binding request's
// USERNAME attribute, formatted "local_ufrag:remote_ufrag" (RFC 5245 §7.1.2.3).
func parseStunLocalUfrag(b []byte) (string, bool) {
	if !isStunPacket(b) || len(b) < 20 {
		return "", false
	}
	// STUN header: type(2) length(2) magic-cookie(4) transaction-id(12)
	msgLen := int(b[2])<<8 | int(b[3])
	attrs := b[20:]
	if msgLen > len(attrs) {
		msgLen = len(attrs)
	}
	attrs = attrs[:msgLen]

	for len(attrs) >= 4 {
		attrType := int(attrs[0])<<8 | int(attrs[1])
		attrLen := int(attrs[2])<<8 | int(attrs[3])
		attrs = attrs[4:]
		if attrLen > len(attrs) {
			return "", false
		}
		if attrType == stunUsernameAttr {
			username := string(attrs[:attrLen])
			for i := 0; i < len(username); i++ {
				if username[i] == ':' {
					return username[:i], true
				}
			}
			return "", false
		}
		// attributes are padded to a 4-byte boundary
		padded := (attrLen + 3) &^ 3
		if padded > len(attrs) {
			return "", false
		}
		attrs = attrs[padded:]
	}
	return "", false
}
