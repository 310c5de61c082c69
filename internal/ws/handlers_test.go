package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newWSServer(t *testing.T, origins []string) (*Hub, string) {
	t.Helper()
	h, _ := startHub(t)
	r := mux.NewRouter()
	NewWSHandler(h, origins, zap.NewNop()).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWSHandler_ObserverReceivesPush(t *testing.T) {
	h, url := newWSServer(t, []string{"http://localhost:3000"})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.BroadcastToAll(context.Background(), "OrderStatusChanged", map[string]string{"orderNumber": "ORD-001"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame PushMessage
	require.NoError(t, json.Unmarshal(msg, &frame))
	assert.Equal(t, "OrderStatusChanged", frame.Event)
	assert.Equal(t, map[string]any{"orderNumber": "ORD-001"}, frame.Data)
}

func TestWSHandler_DisconnectUnregisters(t *testing.T) {
	h, url := newWSServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWSHandler_RejectsUnknownOrigin(t *testing.T) {
	_, url := newWSServer(t, []string{"http://localhost:3000"})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"http://localhost:3000", "https://orders.example.com"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"HTTPS://ORDERS.EXAMPLE.COM", true},
		{"http://localhost:3001", false},
		{"null", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, check(r), "origin %q", tt.origin)
	}

	wildcard := OriginChecker([]string{"*"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://anything.example")
	assert.True(t, wildcard(r))
}
