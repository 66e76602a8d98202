package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(DefaultHubConfig(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n },
		2*time.Second, 10*time.Millisecond, "want %d clients", n)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHub_BroadcastsToAllClients(t *testing.T) {
	hub, url := startHub(t)
	a := dial(t, url)
	b := dial(t, url)
	waitClients(t, hub, 2)

	hub.Publish(TypeBackend, BackendState{Running: true, PID: 42})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, TypeBackend, msg.Type)
		assert.False(t, msg.Timestamp.IsZero())
		data, ok := msg.Data.(map[string]any)
		require.True(t, ok, "data = %#v", msg.Data)
		assert.Equal(t, true, data["running"])
		assert.Equal(t, float64(42), data["pid"])
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	require.NoError(t, conn.Close())
	waitClients(t, hub, 0)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	hub.Close()
	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Publishing after Close is a no-op.
	hub.Publish(TypeGPU, nil)
}

func TestHub_RejectsAfterClose(t *testing.T) {
	hub, url := startHub(t)
	hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	// No Run loop, so nothing drains the queue.
	hub := NewHub(HubConfig{BufferSize: 2}, zaptest.NewLogger(t))
	defer hub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(TypeGeneration, i)
	}
	assert.Len(t, hub.broadcast, 2)
}

func TestHub_NonWebsocketRequest(t *testing.T) {
	hub := NewHub(DefaultHubConfig(), zaptest.NewLogger(t))
	defer hub.Close()

	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/events", nil))
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, 0, hub.ClientCount())
}
