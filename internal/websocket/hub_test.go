package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, handler Handler) (*Hub, string) {
	t.Helper()

	hub := NewHub(handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, r.URL.Query().Get("client"))
	}))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == want }, time.Second, 5*time.Millisecond)
	return conn
}

func readMessages(t *testing.T, conn *websocket.Conn) []Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msgs []Message
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		var msg Message
		require.NoError(t, json.Unmarshal(line, &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, url := startHub(t, nil)
	a := dial(t, hub, url, 1)
	b := dial(t, hub, url, 2)

	hub.Emit("terminal_output", map[string]interface{}{"session_id": 1, "data": "hi"})

	for _, conn := range []*websocket.Conn{a, b} {
		msgs := readMessages(t, conn)
		require.NotEmpty(t, msgs)
		assert.Equal(t, "terminal_output", msgs[0].Type)
		assert.JSONEq(t, `{"session_id":1,"data":"hi"}`, string(msgs[0].Payload))
	}
}

func TestHandlerErrorRepliesToSender(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	handler := HandlerFunc(func(msgType string, payload json.RawMessage) error {
		mu.Lock()
		got = append(got, msgType)
		mu.Unlock()
		if msgType == "terminal_write" {
			return errors.New("write session 9: session not found")
		}
		return nil
	})

	hub, url := startHub(t, handler)
	sender := dial(t, hub, url, 1)

	require.NoError(t, sender.WriteJSON(Message{Type: "terminal_resize", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, sender.WriteJSON(Message{Type: "terminal_write", Payload: json.RawMessage(`{"session_id":9}`)}))

	msgs := readMessages(t, sender)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageError, msgs[0].Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &p))
	assert.Equal(t, "terminal_write", p.RequestType)
	assert.Contains(t, p.Error, "session not found")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"terminal_resize", "terminal_write"}, got)
}

func TestMalformedMessage(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	msgs := readMessages(t, conn)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageError, msgs[0].Type)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEmitAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2*sendBuffer; i++ {
			hub.Emit("terminal_output", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked after hub stopped")
	}
}
