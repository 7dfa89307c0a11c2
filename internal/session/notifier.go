package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notification event names.
const (
	EventChallengeIssued  = "challenge-issued"
	EventConnected        = "connected"
	EventDisconnected     = "disconnected"
	EventReconnecting     = "reconnecting"
	EventLoggedOut        = "logged-out"
	EventConnectionFailed = "connection-failed"
	EventMessageReceived  = "message-received"
	EventMessageSent      = "message-sent"
)

// Notification is a lifecycle or message event delivered to the observer.
type Notification struct {
	Event string    `json:"event"`
	Data  any       `json:"data,omitempty"`
	At    time.Time `json:"at"`
}

// Observer receives notifications. A returned error is logged and dropped.
type Observer func(Notification) error

// Notifier delivers notifications to a single observer. Delivery is fire and
// forget: observer errors and panics never reach the emitter.
type Notifier struct {
	mu       sync.RWMutex
	observer Observer
	logger   *slog.Logger
}

// NewNotifier creates a notifier with no observer.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// Register sets the observer, replacing any previous one. nil unregisters.
func (n *Notifier) Register(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observer = o
}

// Emit delivers an event to the observer, if any.
func (n *Notifier) Emit(event string, data any) {
	n.mu.RLock()
	o := n.observer
	n.mu.RUnlock()
	if o == nil {
		return
	}

	if err := n.deliver(o, Notification{Event: event, Data: data, At: time.Now()}); err != nil {
		n.logger.Warn("Notification observer failed", "event", event, "error", err)
	}
}

func (n *Notifier) deliver(o Observer, note Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o(note)
}
