// Package gateway implements the per-gateway node/zone store and best-node
// selection algorithm of spec §4.7. Grounded on
// original_source/packages/media_gateway/src/store.rs and store/service.rs
// (NodeSource/GatewaySource shape, usage derivation from cpu/memory/live
// ping fields, 5s ping timeout), reimplemented as a plain synchronous
// struct since this worker model is single-threaded per process and needs
// no request/response channel indirection.
package gateway

import (
	"math"
	"time"
)

// PingTimeout evicts an entry that hasn't pinged within this window
// (spec §4.7: "Entries time out after 5 s without a ping").
const PingTimeout = 5 * time.Second

// UsageThreshold is the load ceiling spec §4.7's selection algorithm uses
// to prefer the local zone.
const UsageThreshold = 70

// MaxMemoryPercent is the eviction threshold from
// original_source/store.rs's webrtc_usage (memory% >= threshold evicts).
const MaxMemoryPercent = 80

// Location is a (lat, lon) pair in degrees.
type Location struct {
	Lat float64
	Lon float64
}

// Ping is one periodic report from a media node or peer gateway.
type Ping struct {
	CPU    uint8
	Memory uint8
	Active bool
	Live   uint32
	Max    uint32
}

// Usage derives the single usage scalar spec §4.7 defines:
// max(cpu%, live*100/max), or "evicted" when memory is over threshold or
// the node reports inactive.
func (p Ping) Usage() (usage uint8, ok bool) {
	if p.Memory >= MaxMemoryPercent || !p.Active {
		return 0, false
	}
	u := p.CPU
	if p.Max > 0 {
		if live := uint8(uint64(p.Live) * 100 / uint64(p.Max)); live > u {
			u = live
		}
	}
	return u, true
}

// NodeSource is a local-zone media node.
type NodeSource struct {
	NodeID   uint32
	Usage    uint8
	LastSeen time.Time
}

// GatewaySource is a remote zone's gateway summary.
type GatewaySource struct {
	ZoneID   uint32
	Location Location
	LastSeen time.Time
	Members  map[uint32]uint8 // node_id -> usage
}

func (g GatewaySource) leastLoadedMember() (nodeID uint32, usage uint8, ok bool) {
	first := true
	for id, u := range g.Members {
		if first || u < usage || (u == usage && id < nodeID) {
			nodeID, usage, ok = id, u, true
			first = false
		}
	}
	return
}

// Store is the per-gateway in-memory node/zone tracker of spec §4.7.
type Store struct {
	localNodes  map[uint32]NodeSource
	remoteZones map[uint32]GatewaySource
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		localNodes:  make(map[uint32]NodeSource),
		remoteZones: make(map[uint32]GatewaySource),
	}
}

// OnNodePing records or refreshes a local-zone node's usage.
func (s *Store) OnNodePing(now time.Time, nodeID uint32, ping Ping) {
	usage, ok := ping.Usage()
	if !ok {
		delete(s.localNodes, nodeID)
		return
	}
	s.localNodes[nodeID] = NodeSource{NodeID: nodeID, Usage: usage, LastSeen: now}
}

// RemoveNode evicts a local-zone node explicitly.
func (s *Store) RemoveNode(nodeID uint32) { delete(s.localNodes, nodeID) }

// OnGatewayPing records or refreshes one member of a remote zone.
func (s *Store) OnGatewayPing(now time.Time, zoneID, nodeID uint32, loc Location, ping Ping) {
	usage, ok := ping.Usage()
	z, exists := s.remoteZones[zoneID]
	if !exists {
		z = GatewaySource{ZoneID: zoneID, Location: loc, Members: make(map[uint32]uint8)}
	}
	z.Location = loc
	z.LastSeen = now
	if ok {
		z.Members[nodeID] = usage
	} else {
		delete(z.Members, nodeID)
	}
	s.remoteZones[zoneID] = z
}

// RemoveGatewayMember evicts one member from a remote zone.
func (s *Store) RemoveGatewayMember(zoneID, nodeID uint32) {
	if z, ok := s.remoteZones[zoneID]; ok {
		delete(z.Members, nodeID)
		s.remoteZones[zoneID] = z
	}
}

// Sweep evicts every entry that hasn't pinged within PingTimeout.
func (s *Store) Sweep(now time.Time) {
	for id, n := range s.localNodes {
		if now.Sub(n.LastSeen) > PingTimeout {
			delete(s.localNodes, id)
		}
	}
	for zoneID, z := range s.remoteZones {
		if now.Sub(z.LastSeen) > PingTimeout {
			delete(s.remoteZones, zoneID)
		}
	}
}

const earthRadiusKm = 6371.0

// haversine returns the great-circle distance in km between two points on
// the unit sphere, scaled to Earth's radius (spec §4.7: "compute remote
// zone distance on the unit sphere").
func haversine(a, b Location) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

// leastLoadedLocal returns the lowest-usage local node, tie-breaking by
// smaller node_id per spec §4.7 step 5.
func (s *Store) leastLoadedLocal() (NodeSource, bool) {
	var best NodeSource
	found := false
	for _, n := range s.localNodes {
		if !found || n.Usage < best.Usage || (n.Usage == best.Usage && n.NodeID < best.NodeID) {
			best, found = n, true
		}
	}
	return best, found
}

// BestFor implements spec §4.7's 5-step selection algorithm for a client
// whose location is already known. Resolving a client IP to clientLoc
// happens outside the store, and candidates are not partitioned by
// protocol.
func (s *Store) BestFor(clientLoc Location) (nodeID uint32, ok bool) {
	if best, found := s.leastLoadedLocal(); found && best.Usage < UsageThreshold {
		return best.NodeID, true
	}

	var bestZone GatewaySource
	var bestZoneDist float64
	var bestZoneMember uint32
	var bestZoneUsage uint8
	haveZone := false

	for _, z := range s.remoteZones {
		memberID, usage, found := z.leastLoadedMember()
		if !found || usage >= UsageThreshold {
			continue
		}
		dist := haversine(clientLoc, z.Location)
		if !haveZone || dist < bestZoneDist ||
			(dist == bestZoneDist && memberID < bestZoneMember) {
			bestZone, bestZoneDist, bestZoneMember, bestZoneUsage = z, dist, memberID, usage
			haveZone = true
		}
	}
	if haveZone {
		_ = bestZone
		_ = bestZoneUsage
		return bestZoneMember, true
	}

	// No local node and no remote zone satisfies the usage threshold: the
	// gateway must fail the session with NO_CAPACITY (spec §4.7).
	return 0, false
}
