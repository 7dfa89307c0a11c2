package live

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/shopdesk/internal/session"
)

func newTestHub(t *testing.T, origins ...string) (*Hub, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(func() any { return map[string]string{"status": "connected"} }, origins, logger)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) Frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func waitSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Count() != n {
		t.Fatalf("subscribers = %d, want %d", hub.Count(), n)
	}
}

func TestHub_SnapshotThenEvents(t *testing.T) {
	hub, url := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	first := readFrame(t, ctx, conn)
	if first.Type != "snapshot" {
		t.Fatalf("first frame type = %q, want snapshot", first.Type)
	}
	waitSubscribers(t, hub, 1)

	err = hub.Observe(session.Notification{
		Event: session.EventChallengeIssued,
		Data:  map[string]string{"code": "2@pairing"},
		At:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	evt := readFrame(t, ctx, conn)
	if evt.Type != "event" || evt.Event != session.EventChallengeIssued {
		t.Fatalf("unexpected frame %+v", evt)
	}
	data, _ := evt.Data.(map[string]any)
	if data["code"] != "2@pairing" {
		t.Fatalf("payload lost: %+v", evt.Data)
	}
}

func TestHub_UnregistersOnClientClose(t *testing.T) {
	hub, url := newTestHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readFrame(t, ctx, conn)
	waitSubscribers(t, hub, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitSubscribers(t, hub, 0)

	if err := hub.Observe(session.Notification{Event: session.EventConnected}); err != nil {
		t.Fatalf("Observe with no subscribers: %v", err)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	_, url := newTestHub(t, "https://admin.example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.com"}},
	})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://admin.example.com"}},
	})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestHub_ObserveEncodingError(t *testing.T) {
	hub, _ := newTestHub(t)
	err := hub.Observe(session.Notification{Event: "bad", Data: make(chan int)})
	if err == nil {
		t.Fatal("expected encoding error")
	}
}
