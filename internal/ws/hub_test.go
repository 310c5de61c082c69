package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func fakeClient(h *Hub, id string, buffer int) *Client {
	return &Client{ID: id, send: make(chan []byte, buffer), hub: h}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, _ := startHub(t)
	c := fakeClient(h, "client-1", 4)

	h.Register(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	h.Unregister(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)

	_, open := <-c.send
	assert.False(t, open, "send queue is closed on unregister")
}

func TestHub_BroadcastToAll(t *testing.T) {
	h, _ := startHub(t)
	c1 := fakeClient(h, "client-1", 4)
	c2 := fakeClient(h, "client-2", 4)
	h.Register(c1)
	h.Register(c2)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)

	payload := map[string]any{"orderNumber": "ORD-001", "newStatus": 1}
	require.NoError(t, h.BroadcastToAll(context.Background(), "OrderStatusChanged", payload))

	for _, c := range []*Client{c1, c2} {
		select {
		case msg := <-c.send:
			var frame struct {
				Event string         `json:"event"`
				Data  map[string]any `json:"data"`
			}
			require.NoError(t, json.Unmarshal(msg, &frame))
			assert.Equal(t, "OrderStatusChanged", frame.Event)
			assert.Equal(t, "ORD-001", frame.Data["orderNumber"])
			assert.EqualValues(t, 1, frame.Data["newStatus"])
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive the broadcast", c.ID)
		}
	}
}

func TestHub_SlowClientDoesNotBlockOthers(t *testing.T) {
	h, _ := startHub(t)
	slow := fakeClient(h, "slow", 1)
	fast := fakeClient(h, "fast", 4)
	h.Register(slow)
	h.Register(fast)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.BroadcastToAll(context.Background(), "OrderStatusChanged", i))
	}

	require.Eventually(t, func() bool { return len(fast.send) == 3 }, time.Second, time.Millisecond)
	assert.Len(t, slow.send, 1)
}

func TestHub_StopClosesClientsAndRejectsBroadcasts(t *testing.T) {
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(stopped)
	}()

	c := fakeClient(h, "client-1", 4)
	h.Register(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-stopped

	_, open := <-c.send
	assert.False(t, open)
	assert.Equal(t, 0, h.ClientCount())

	for i := 0; i < 50; i++ {
		err := h.BroadcastToAll(context.Background(), "OrderStatusChanged", i)
		require.ErrorIs(t, err, ErrHubStopped)
	}
	assert.Empty(t, h.broadcast, "nothing is queued once the hub has stopped")
}

func TestHub_RegisterAfterStopClosesClient(t *testing.T) {
	h := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.Run(ctx))

	for i := 0; i < 50; i++ {
		c := fakeClient(h, fmt.Sprintf("late-%d", i), 1)
		h.Register(c)

		select {
		case _, open := <-c.send:
			require.False(t, open, "late client %s must see its send queue closed", c.ID)
		default:
			t.Fatalf("late client %s was left with an open send queue", c.ID)
		}
	}
	assert.Equal(t, 0, h.ClientCount())

	// Unregistering a client the hub never held must not close its queue twice.
	c := fakeClient(h, "late-unregister", 1)
	h.Register(c)
	assert.NotPanics(t, func() { h.Unregister(c) })
}

func TestHub_UnregisterTwiceIsNoop(t *testing.T) {
	h, _ := startHub(t)
	c := fakeClient(h, "client-1", 1)
	h.Register(c)
	h.Unregister(c)
	assert.NotPanics(t, func() { h.Unregister(c) })
}

func TestHub_BroadcastUnmarshalableReturnsError(t *testing.T) {
	h, _ := startHub(t)
	err := h.BroadcastToAll(context.Background(), "OrderStatusChanged", func() {})
	assert.Error(t, err)
}
