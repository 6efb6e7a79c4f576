package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainDensed/theramine-session/internal/domain"
)

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{URL: "ws://localhost:8080/ws"}).withDefaults()
	assert.Greater(t, cfg.ReconnectBaseDelay.Nanoseconds(), int64(0))
	assert.Greater(t, cfg.ReconnectMaxDelay, cfg.ReconnectBaseDelay)
	assert.Equal(t, 64, cfg.OutboundBuffer)
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		frame interface{}
		check func(t *testing.T, evt Event)
	}{
		{
			name: "connection ack",
			frame: &domain.ConnectionAckMessage{
				Type: domain.MsgTypeConnectionAck, DID: "did:theramine:x", Status: domain.DIDStatusRegistered,
			},
			check: func(t *testing.T, evt Event) {
				require.NotNil(t, evt.ConnectionAck)
				assert.Equal(t, "did:theramine:x", evt.ConnectionAck.DID)
			},
		},
		{
			name: "chat",
			frame: &domain.ChatMessageOut{
				Type: domain.MsgTypeChat, RoomID: "room_a_b", Sender: "a", Message: "hi", SequenceNo: 7,
			},
			check: func(t *testing.T, evt Event) {
				require.NotNil(t, evt.Chat)
				assert.Equal(t, uint64(7), evt.Chat.SequenceNo)
			},
		},
		{
			name: "appointment fixed",
			frame: &domain.AppointmentFixedMessage{
				Type: domain.MsgTypeAppointmentFixed, UserID: "a", TherapistID: "b", RoomID: "room_a_b",
			},
			check: func(t *testing.T, evt Event) {
				require.NotNil(t, evt.AppointmentFixed)
				assert.Equal(t, "room_a_b", evt.AppointmentFixed.RoomID)
			},
		},
		{
			name:  "error",
			frame: domain.NewErrorMessage("nope"),
			check: func(t *testing.T, evt Event) {
				require.NotNil(t, evt.Err)
				assert.Equal(t, "nope", evt.Err.Error)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.frame)
			require.NoError(t, err)

			evt, err := decodeEvent(data)
			require.NoError(t, err)
			tt.check(t, evt)
		})
	}
}

func TestDecodeEvent_Unknown(t *testing.T) {
	_, err := decodeEvent([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestSend_BuffersWhileDisconnected(t *testing.T) {
	c := New(Config{URL: "ws://unused", UserID: "alice", OutboundBuffer: 3})

	require.NoError(t, c.SendMessage("room_a_b", "one"))
	require.NoError(t, c.SendMessage("room_a_b", "two"))
	require.NoError(t, c.SendMessage("room_a_b", "three"))
	// Overflow drops the oldest frame.
	require.NoError(t, c.SendMessage("room_a_b", "four"))

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.pending, 3)

	var first domain.ChatMessageIn
	require.NoError(t, json.Unmarshal(c.pending[0], &first))
	assert.Equal(t, "two", first.Message)

	var last domain.ChatMessageIn
	require.NoError(t, json.Unmarshal(c.pending[2], &last))
	assert.Equal(t, "four", last.Message)
}

// collectingServer records every frame a client writes to it.
func collectingServer(t *testing.T) (wsURL string, received <-chan []byte) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	frames := make(chan []byte, 256)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), frames
}

func TestAttach_SerializesConcurrentSends(t *testing.T) {
	wsURL, received := collectingServer(t)

	c := New(Config{URL: wsURL, UserID: "alice", OutboundBuffer: 64})
	defer c.Close()

	// Queue frames while disconnected.
	for i := 0; i < 5; i++ {
		require.NoError(t, c.SendMessage("room_a_b", fmt.Sprintf("queued-%d", i)))
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	// Race live sends against the reconnect flush.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			assert.NoError(t, c.SendMessage("room_a_b", fmt.Sprintf("live-%d", i)))
		}(i)
	}
	close(start)
	c.attach(conn)
	wg.Wait()

	// 1 handshake + 5 queued + 32 live frames, nothing lost or corrupted.
	frames := make([]map[string]interface{}, 0, 38)
	for len(frames) < 38 {
		select {
		case data := <-received:
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &m))
			frames = append(frames, m)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d frames", len(frames))
		}
	}

	// The handshake goes out first, then the queued frames in FIFO order
	// ahead of anything sent after reconnect.
	assert.Equal(t, domain.MsgTypeConnection, frames[0]["type"])
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("queued-%d", i), frames[i+1]["message"])
	}
}

func TestClose_WithoutConnectClosesEvents(t *testing.T) {
	c := New(Config{URL: "ws://unused", UserID: "alice"})
	require.NoError(t, c.Close())

	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("event stream was not closed")
	}
}

func TestSend_AfterClose(t *testing.T) {
	c := New(Config{URL: "ws://unused", UserID: "alice"})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendMessage("room_a_b", "hello"), ErrClosed)
}
