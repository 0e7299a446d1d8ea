package runtime

import "github.com/cespare/xxhash/v2"

// Dispatcher routes external RPC requests into the worker that owns the
// target endpoint, per spec §4.9.
type Dispatcher struct {
	workers []*Worker
}

// NewDispatcher creates a Dispatcher over a fixed set of workers, indexed
// by position.
func NewDispatcher(workers []*Worker) *Dispatcher {
	return &Dispatcher{workers: workers}
}

// RouteConnID hashes connID to a worker index deterministically, so every
// node routes a given connection to the same worker slot.
func (d *Dispatcher) RouteConnID(connID uint64) int {
	if len(d.workers) == 0 {
		return -1
	}
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(connID >> (8 * i))
	}
	h := xxhash.Sum64(buf[:])
	return int(h % uint64(len(d.workers)))
}

// LeastLoadedWorker returns the index of the worker with the smallest
// Load(), for requests carrying no conn_id (spec §4.9: e.g. "create
// WHIP"). Ties resolve to the lowest index.
func (d *Dispatcher) LeastLoadedWorker() int {
	best := -1
	var bestLoad float64
	for i, w := range d.workers {
		load := w.Load()
		if best == -1 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}
