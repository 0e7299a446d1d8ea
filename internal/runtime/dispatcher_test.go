package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcherRouteConnIDIsDeterministic(t *testing.T) {
	workers := []*Worker{NewWorker(), NewWorker(), NewWorker()}
	d := NewDispatcher(workers)

	idx1 := d.RouteConnID(12345)
	idx2 := d.RouteConnID(12345)
	assert.Equal(t, idx1, idx2)
	assert.GreaterOrEqual(t, idx1, 0)
	assert.Less(t, idx1, 3)
}

func TestDispatcherLeastLoadedWorker(t *testing.T) {
	a, b, c := NewWorker(), NewWorker(), NewWorker()
	a.SetEndpointsActive(5)
	b.SetEndpointsActive(1)
	c.SetEndpointsActive(1)
	c.SetPendingRPCs(5) // 1 + 0.5 = 1.5, loses to b's 1.0

	d := NewDispatcher([]*Worker{a, b, c})
	assert.Equal(t, 1, d.LeastLoadedWorker())
}

type fakeComponent struct {
	ticks   int
	outputs []any
}

func (f *fakeComponent) OnTick(nowMs int64) { f.ticks++ }
func (f *fakeComponent) PopOutput() (any, bool) {
	if len(f.outputs) == 0 {
		return nil, false
	}
	out := f.outputs[0]
	f.outputs = f.outputs[1:]
	return out, true
}

func TestWorkerDrainsComponentOutputsOnTick(t *testing.T) {
	w := NewWorker()
	c := &fakeComponent{outputs: []any{"a", "b"}}
	w.Register(c)

	w.OnTick(0)
	assert.Equal(t, 1, c.ticks)

	out, ok := w.PopOutput()
	assert.True(t, ok)
	assert.Equal(t, "a", out)
	out, ok = w.PopOutput()
	assert.True(t, ok)
	assert.Equal(t, "b", out)
	_, ok = w.PopOutput()
	assert.False(t, ok)
}
