package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainDensed/theramine-session/internal/config"
	"github.com/brainDensed/theramine-session/internal/domain"
)

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		PingInterval:   time.Second,
		PongWait:       2 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 4096,
	}
}

// newConnPair dials a local websocket server and returns both ends.
func newConnPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConns <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server side connection")
	}
	t.Cleanup(func() { server.Close() })

	return server, client
}

func newTestClient(t *testing.T, h *Hub, id string) (*Client, *websocket.Conn) {
	t.Helper()
	serverConn, peer := newConnPair(t)
	return NewClient(id, h, serverConn), peer
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(testWSConfig())
	go h.Run()
	return h
}

func TestRegisterAndUnregister(t *testing.T) {
	h := startHub(t)
	c, _ := newTestClient(t, h, "conn-1")

	h.Register(c)
	h.Unregister(c)

	// Unregister closes the send channel once processed.
	select {
	case _, ok := <-c.Send:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("send channel was not closed")
	}
}

func TestBind_LastWriterWins(t *testing.T) {
	h := startHub(t)

	first, firstPeer := newTestClient(t, h, "conn-1")
	second, _ := newTestClient(t, h, "conn-2")
	p := domain.Participant{ID: "alice", Role: domain.RoleUser}
	first.SetParticipant(p)
	second.SetParticipant(p)

	h.Register(first)
	h.Register(second)

	h.Bind(first, "alice")
	h.Bind(second, "alice")

	got, ok := h.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, second, got)

	// The replaced connection was force-closed.
	firstPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := firstPeer.ReadMessage()
	assert.Error(t, err)

	// Cleanup of the old connection must not evict the new binding.
	h.Unregister(first)
	require.Eventually(t, func() bool {
		got, ok := h.Lookup("alice")
		return ok && got == second
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.IsOnline("alice"))
}

func TestDeliver_Offline(t *testing.T) {
	h := startHub(t)
	assert.False(t, h.Deliver("nobody", domain.NewErrorMessage("x")))
}

func TestDeliver_Online(t *testing.T) {
	h := startHub(t)
	c, peer := newTestClient(t, h, "conn-1")
	c.SetParticipant(domain.Participant{ID: "alice", Role: domain.RoleUser})

	h.Register(c)
	h.Bind(c, "alice")
	go c.WritePump()

	require.True(t, h.Deliver("alice", domain.NewErrorMessage("ping")))

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := peer.ReadMessage()
	require.NoError(t, err)

	var msg domain.ErrorMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, domain.MsgTypeError, msg.Type)
	assert.Equal(t, "ping", msg.Error)
}
