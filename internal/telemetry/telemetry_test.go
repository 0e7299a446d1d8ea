package telemetry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAccumulates(t *testing.T) {
	c := NewCounters()
	c.Add("packets_sent", 5)
	c.Add("packets_sent", 3)
	assert.Equal(t, int64(8), c.Snapshot()["packets_sent"])
}

func TestSetOverwrites(t *testing.T) {
	c := NewCounters()
	c.Set("endpoints_active", 10)
	c.Set("endpoints_active", 4)
	assert.Equal(t, int64(4), c.Snapshot()["endpoints_active"])
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCounters()
	c.Add("x", 1)
	snap := c.Snapshot()
	snap["x"] = 999
	assert.Equal(t, int64(1), c.Snapshot()["x"])
}

func TestConcurrentAddIsSafe(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add("n", 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), c.Snapshot()["n"])
}
