package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/middleware"
	"github.com/ashureev/shopdesk/internal/session"
)

const (
	qrSize          = 256
	maxBatchTexts   = 20
	maxRequestBytes = 64 << 10
)

// SessionController is the part of session.Controller the API drives.
type SessionController interface {
	Status() session.Snapshot
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Logout(ctx context.Context) error
	Restart(ctx context.Context) error
	Send(ctx context.Context, to, text string) (domain.OutboundMessage, error)
	SendBatch(ctx context.Context, to string, texts []string) []session.SendResult
}

// Inbox lists recorded conversation messages.
type Inbox interface {
	ListMessages(ctx context.Context, correspondent string, limit int) ([]domain.StoredMessage, error)
}

// SessionHandler serves session control and messaging endpoints.
type SessionHandler struct {
	ctrl       SessionController
	inbox      Inbox
	adminToken string
}

// NewSessionHandler creates a SessionHandler. Mutations and the inbox require
// adminToken when it is non-empty.
func NewSessionHandler(ctrl SessionController, inbox Inbox, adminToken string) *SessionHandler {
	return &SessionHandler{ctrl: ctrl, inbox: inbox, adminToken: adminToken}
}

// RegisterRoutes registers the session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Get("/qr", h.Challenge)
		r.Get("/qr.png", h.ChallengePNG)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminToken(h.adminToken))
			r.Post("/connect", h.action("connect", h.ctrl.Connect))
			r.Post("/disconnect", h.action("disconnect", h.ctrl.Disconnect))
			r.Post("/logout", h.action("logout", h.ctrl.Logout))
			r.Post("/restart", h.action("restart", h.ctrl.Restart))
		})
	})

	r.Route("/api/messages", func(r chi.Router) {
		r.Use(middleware.AdminToken(h.adminToken))
		r.Get("/", h.ListMessages)
		r.Post("/", h.SendMessages)
	})
}

// Status returns the connection snapshot.
func (h *SessionHandler) Status(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.ctrl.Status())
}

// Challenge returns the current pairing code.
func (h *SessionHandler) Challenge(w http.ResponseWriter, _ *http.Request) {
	snap := h.ctrl.Status()
	if snap.Challenge.IsZero() {
		Error(w, http.StatusNotFound, "no challenge available")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"code":      snap.Challenge.Code,
		"issued_at": snap.Challenge.IssuedAt,
		"status":    snap.Status,
	})
}

// ChallengePNG renders the current pairing code as a QR image.
func (h *SessionHandler) ChallengePNG(w http.ResponseWriter, _ *http.Request) {
	snap := h.ctrl.Status()
	if snap.Challenge.IsZero() {
		Error(w, http.StatusNotFound, "no challenge available")
		return
	}
	png, err := qrcode.Encode(snap.Challenge.Code, qrcode.Medium, qrSize)
	if err != nil {
		writeErr(w, "render qr", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *SessionHandler) action(name string, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			writeErr(w, name, err)
			return
		}
		JSON(w, http.StatusAccepted, h.ctrl.Status())
	}
}

type sendRequest struct {
	To    string   `json:"to"`
	Text  string   `json:"text,omitempty"`
	Texts []string `json:"texts,omitempty"`
}

// SendMessages sends one message ({to, text}) or a paced batch ({to, texts}).
func (h *SessionHandler) SendMessages(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case strings.TrimSpace(req.To) == "":
		Error(w, http.StatusBadRequest, "to is required")
	case req.Text != "" && len(req.Texts) > 0:
		Error(w, http.StatusBadRequest, "use either text or texts")
	case len(req.Texts) > maxBatchTexts:
		Error(w, http.StatusBadRequest, "too many texts in one batch")
	case len(req.Texts) > 0:
		h.sendBatch(w, r, req)
	default:
		msg, err := h.ctrl.Send(r.Context(), req.To, req.Text)
		if err != nil {
			writeErr(w, "send", err)
			return
		}
		JSON(w, http.StatusOK, msg)
	}
}

func (h *SessionHandler) sendBatch(w http.ResponseWriter, r *http.Request, req sendRequest) {
	results := h.ctrl.SendBatch(r.Context(), req.To, req.Texts)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}

	status := http.StatusOK
	switch {
	case failed == len(results):
		status = statusFor(results[0].Err)
	case failed > 0:
		status = http.StatusMultiStatus
	}
	JSON(w, status, map[string]any{"results": results, "failed": failed})
}

// ListMessages returns recorded messages, newest first.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	messages, err := h.inbox.ListMessages(r.Context(), r.URL.Query().Get("correspondent"), limit)
	if err != nil {
		writeErr(w, "list messages", err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"messages": messages})
}
