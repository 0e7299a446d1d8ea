package console

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBroadcastDeliversToRegisteredClients(t *testing.T) {
	h := testHub()
	c := &client{hub: h, send: make(chan []byte, 4)}
	h.register(c)

	h.Broadcast(Snapshot{NodeID: 1, TsMs: 100, Counters: map[string]int64{"endpoints_active": 3}})

	select {
	case data := <-c.send:
		assert.Contains(t, string(data), "endpoints_active")
	default:
		t.Fatal("expected a queued snapshot")
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	h := testHub()
	c := &client{hub: h, send: make(chan []byte, 4)}
	h.register(c)
	h.unregister(c)

	_, ok := <-c.send
	assert.False(t, ok)
}

func TestBroadcastDropsWhenClientBufferFull(t *testing.T) {
	h := testHub()
	c := &client{hub: h, send: make(chan []byte, 1)}
	h.register(c)

	h.Broadcast(Snapshot{NodeID: 1, TsMs: 1})
	h.Broadcast(Snapshot{NodeID: 1, TsMs: 2}) // buffer full, dropped not blocked

	assert.Len(t, c.send, 1)
}
