package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"herald/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(Config{WriteTimeout: time.Second, IdleTimeout: 5 * time.Second}, discardLogger())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("bad envelope %q: %v", raw, err)
	}
	return env
}

func sendInit(t *testing.T, conn *websocket.Conn, botID string) {
	t.Helper()
	data, _ := json.Marshal(map[string]string{"botId": botID})
	frame, _ := json.Marshal(Envelope{Type: TypeInit, Data: data, Timestamp: time.Now()})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write init: %v", err)
	}
}

func TestConnectAck(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)
	if env := readEnvelope(t, conn); env.Type != TypeConnection {
		t.Fatalf("first frame type = %q, want %q", env.Type, TypeConnection)
	}
}

func TestPingPong(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)
	readEnvelope(t, conn) // connection ack

	frame, _ := json.Marshal(Envelope{Type: TypePing, Timestamp: time.Now()})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != TypePong {
		t.Fatalf("reply type = %q, want %q", env.Type, TypePong)
	}
}

func TestBroadcastFiltersByBot(t *testing.T) {
	hub, url := startHub(t)

	watcher := dial(t, url)
	readEnvelope(t, watcher)
	sendInit(t, watcher, "B1")

	other := dial(t, url)
	readEnvelope(t, other)
	sendInit(t, other, "B2")

	silent := dial(t, url) // never sends init
	readEnvelope(t, silent)

	// Wait until both init frames have been processed.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ObserverCount() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// init handling is asynchronous to the dial; poll through the hub until
	// the broadcast reaches the watcher.
	rec := domain.MessageRecord{BotID: "B1", Content: "hello there", Reply: true, SenderID: "U1", SenderUsername: "alice"}

	var got Envelope
	found := false
	for attempt := 0; attempt < 50 && !found; attempt++ {
		hub.Broadcast(rec)
		_ = watcher.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, raw, err := watcher.ReadMessage()
		if err == nil {
			if jsonErr := json.Unmarshal(raw, &got); jsonErr == nil && got.Type == TypeMessage {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("watcher never received the broadcast")
	}
	var payload domain.MessageRecord
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.BotID != "B1" || payload.Content != "hello there" || !payload.Reply {
		t.Fatalf("payload = %+v", payload)
	}

	// Neither the other-bot observer nor the uninitialized one sees it.
	for name, conn := range map[string]*websocket.Conn{"other": other, "silent": silent} {
		_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
		if _, raw, err := conn.ReadMessage(); err == nil {
			t.Fatalf("%s observer unexpectedly received %q", name, raw)
		}
	}
}

func TestDisconnectRemovesObserver(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	readEnvelope(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ObserverCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = conn.Close()
	for hub.ObserverCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := hub.ObserverCount(); n != 0 {
		t.Fatalf("observer count after disconnect = %d", n)
	}
}
