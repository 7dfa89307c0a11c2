package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/shopdesk/internal/domain"
)

// StaticResponder answers every message with the same template. "{name}" is
// replaced by the sender's display name.
type StaticResponder struct {
	Template string
}

// Reply implements Responder.
func (s StaticResponder) Reply(_ context.Context, msg domain.InboundMessage) ([]string, error) {
	if s.Template == "" {
		return nil, nil
	}
	name := msg.DisplayName
	if name == "" {
		name = "there"
	}
	return []string{strings.ReplaceAll(s.Template, "{name}", name)}, nil
}

// FirstOf tries responders in order and returns the first non-empty answer.
// Errors are logged and the next responder is tried.
func FirstOf(logger *slog.Logger, responders ...Responder) Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return chain{responders: responders, logger: logger}
}

type chain struct {
	responders []Responder
	logger     *slog.Logger
}

func (c chain) Reply(ctx context.Context, msg domain.InboundMessage) ([]string, error) {
	var lastErr error
	for i, r := range c.responders {
		if r == nil {
			continue
		}
		replies, err := r.Reply(ctx, msg)
		if err != nil {
			c.logger.Warn("Responder failed, trying next", "index", i, "error", err)
			lastErr = err
			continue
		}
		if len(compact(replies)) > 0 {
			return replies, nil
		}
	}
	return nil, lastErr
}
