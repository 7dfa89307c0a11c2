package whatsapp

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types/events"
)

func TestClient_CloseUnblocksPendingHandler(t *testing.T) {
	devices := openTestDevices(t)
	f := NewFactory(devices, zerolog.Nop(), slog.New(slog.DiscardHandler))

	gc, err := f.New(context.Background(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := gc.(*Client)

	// Nobody reads events, so the last handler call blocks like a slow
	// consumer would block whatsmeow's dispatch.
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for i := 0; i < eventBuffer+1; i++ {
			c.handle(&events.Message{})
		}
	}()

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	for _, ch := range []chan struct{}{closed, handled} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("Close did not release the pending handler")
		}
	}

	n := 0
	for range c.Events() {
		n++
	}
	if n > eventBuffer {
		t.Fatalf("got %d events, want at most %d", n, eventBuffer)
	}

	c.handle(&events.Message{})
	c.Close()
}
