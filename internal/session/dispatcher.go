package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/gateway"
)

// PacingConfig controls the human-like rhythm of outbound messages.
type PacingConfig struct {
	TypingDelay       time.Duration `yaml:"typing_delay"`
	InterMessageDelay time.Duration `yaml:"inter_message_delay"`
}

// DefaultPacingConfig returns the default pacing.
func DefaultPacingConfig() PacingConfig {
	return PacingConfig{
		TypingDelay:       1500 * time.Millisecond,
		InterMessageDelay: time.Second,
	}
}

// SendResult is the outcome of one message in a batch.
type SendResult struct {
	Message domain.OutboundMessage `json:"message"`
	Err     error                  `json:"-"`
	Error   string                 `json:"error,omitempty"`
}

type clientSource interface {
	connectedClient() (gateway.Client, bool)
}

// maxPacingEntries bounds the per-correspondent last-send map.
const maxPacingEntries = 1024

// Dispatcher serializes outbound sends and simulates typing.
type Dispatcher struct {
	source   clientSource
	pacing   PacingConfig
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func newDispatcher(source clientSource, pacing PacingConfig, notifier *Notifier, logger *slog.Logger) *Dispatcher {
	if pacing.TypingDelay < 0 {
		pacing.TypingDelay = 0
	}
	if pacing.InterMessageDelay < 0 {
		pacing.InterMessageDelay = 0
	}
	return &Dispatcher{
		source:   source,
		pacing:   pacing,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Send delivers text to a correspondent. It fails fast with ErrNotConnected
// when the session is not connected; nothing is queued.
func (d *Dispatcher) Send(ctx context.Context, to, text string) (domain.OutboundMessage, error) {
	to = strings.TrimSpace(to)
	if to == "" || strings.TrimSpace(text) == "" {
		return domain.OutboundMessage{}, ErrInvalidMessage
	}
	if _, ok := d.source.connectedClient(); !ok {
		return domain.OutboundMessage{}, ErrNotConnected
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sendLocked(ctx, to, text)
}

// SendBatch delivers texts to one correspondent in order, each paced like a
// single Send. The result slice matches texts index for index.
func (d *Dispatcher) SendBatch(ctx context.Context, to string, texts []string) []SendResult {
	results := make([]SendResult, len(texts))
	to = strings.TrimSpace(to)

	d.mu.Lock()
	defer d.mu.Unlock()

	for i, text := range texts {
		var (
			msg domain.OutboundMessage
			err error
		)
		switch {
		case to == "" || strings.TrimSpace(text) == "":
			err = ErrInvalidMessage
		case ctx.Err() != nil:
			err = ctx.Err()
		default:
			msg, err = d.sendLocked(ctx, to, text)
		}
		results[i] = SendResult{Message: msg, Err: err}
		if err != nil {
			results[i].Error = err.Error()
		}
	}
	return results
}

func (d *Dispatcher) sendLocked(ctx context.Context, to, text string) (domain.OutboundMessage, error) {
	if last, ok := d.lastSent[to]; ok {
		if err := sleepCtx(ctx, d.pacing.InterMessageDelay-d.now().Sub(last)); err != nil {
			return domain.OutboundMessage{}, err
		}
	}

	client, ok := d.source.connectedClient()
	if !ok {
		return domain.OutboundMessage{}, ErrNotConnected
	}

	if err := client.SetPresence(ctx, to, gateway.PresenceComposing); err != nil {
		d.logger.Debug("Failed to set composing presence", "to", to, "error", err)
	}
	defer func() {
		if err := client.SetPresence(context.WithoutCancel(ctx), to, gateway.PresencePaused); err != nil {
			d.logger.Debug("Failed to set paused presence", "to", to, "error", err)
		}
	}()

	if err := sleepCtx(ctx, d.pacing.TypingDelay); err != nil {
		return domain.OutboundMessage{}, err
	}
	if _, ok := d.source.connectedClient(); !ok {
		return domain.OutboundMessage{}, ErrNotConnected
	}

	id, err := client.SendText(ctx, to, text)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return domain.OutboundMessage{}, err
		}
		return domain.OutboundMessage{}, fmt.Errorf("%w: %w", ErrTransientTransport, err)
	}

	now := d.now()
	d.remember(to, now)
	msg := domain.OutboundMessage{
		ID:              id,
		CorrespondentID: to,
		Text:            text,
		Timestamp:       now,
	}
	d.notifier.Emit(EventMessageSent, msg)
	return msg, nil
}

func (d *Dispatcher) remember(to string, at time.Time) {
	if len(d.lastSent) >= maxPacingEntries {
		for k, t := range d.lastSent {
			if at.Sub(t) >= d.pacing.InterMessageDelay {
				delete(d.lastSent, k)
			}
		}
	}
	d.lastSent[to] = at
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
