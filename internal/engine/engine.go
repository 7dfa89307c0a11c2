// Package engine is the conversational side of the bot: it logs every
// exchange, asks a responder for a reply and sends it back through the
// session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/session"
)

// Responder produces zero or more reply texts for an inbound message.
type Responder interface {
	Reply(ctx context.Context, msg domain.InboundMessage) ([]string, error)
}

// Sender delivers texts to a correspondent.
type Sender interface {
	SendBatch(ctx context.Context, to string, texts []string) []session.SendResult
}

// Recorder persists conversation log entries.
type Recorder interface {
	RecordMessage(ctx context.Context, msg *domain.StoredMessage) error
}

// Engine handles inbound messages.
type Engine struct {
	recorder  Recorder
	responder Responder
	sender    Sender
	logger    *slog.Logger
}

// New creates an engine. responder may be nil, in which case messages are
// only recorded.
func New(recorder Recorder, responder Responder, sender Sender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		recorder:  recorder,
		responder: responder,
		sender:    sender,
		logger:    logger.With("component", "engine"),
	}
}

// HandleInbound is a session.InboundHandler.
func (e *Engine) HandleInbound(ctx context.Context, msg domain.InboundMessage) error {
	e.record(ctx, &domain.StoredMessage{
		GatewayID:       msg.ID,
		CorrespondentID: msg.CorrespondentID,
		Direction:       domain.DirectionInbound,
		Kind:            msg.Kind,
		Text:            msg.Text,
		DisplayName:     msg.DisplayName,
		CreatedAt:       msg.Timestamp,
	})

	if e.responder == nil {
		return nil
	}

	replies, err := e.responder.Reply(ctx, msg)
	if err != nil {
		return fmt.Errorf("reply to %s: %w", msg.CorrespondentID, err)
	}
	replies = compact(replies)
	if len(replies) == 0 {
		e.logger.Debug("No reply for message", "correspondent", msg.CorrespondentID, "kind", msg.Kind)
		return nil
	}

	var errs []error
	for _, res := range e.sender.SendBatch(ctx, msg.CorrespondentID, replies) {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		e.record(ctx, &domain.StoredMessage{
			GatewayID:       res.Message.ID,
			CorrespondentID: res.Message.CorrespondentID,
			Direction:       domain.DirectionOutbound,
			Text:            res.Message.Text,
			CreatedAt:       res.Message.Timestamp,
		})
	}
	if len(errs) > 0 {
		return fmt.Errorf("send reply to %s: %w", msg.CorrespondentID, errors.Join(errs...))
	}
	return nil
}

func (e *Engine) record(ctx context.Context, msg *domain.StoredMessage) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordMessage(ctx, msg); err != nil {
		e.logger.Warn("Failed to record message",
			"correspondent", msg.CorrespondentID,
			"direction", msg.Direction,
			"error", err)
	}
}

func compact(texts []string) []string {
	out := texts[:0:0]
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}
