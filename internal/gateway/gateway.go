// Package gateway defines the boundary between the session controller and a
// messaging gateway client library.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/shopdesk/internal/domain"
)

// Close codes understood by the disconnect classifier. They follow the status
// codes multi-device gateways report when a stream ends.
const (
	CodeLoggedOut           = 401
	CodeMainDeviceGone      = 403
	CodeTimedOut            = 408
	CodeUnknownLogout       = 409
	CodeMultideviceMismatch = 411
	CodeConnectionClosed    = 428
	CodeConnectionReplaced  = 440
	CodeBadSession          = 500
	CodeUnavailable         = 503
	CodeRestartRequired     = 515
)

// Presence is a chat presence state shown to a correspondent.
type Presence string

// Presence states.
const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// CloseReason describes why a connection ended.
type CloseReason struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r CloseReason) String() string {
	if r.Code == 0 {
		return r.Message
	}
	if r.Message == "" {
		return fmt.Sprintf("code %d", r.Code)
	}
	return fmt.Sprintf("code %d: %s", r.Code, r.Message)
}

// Event is emitted by a Client on its event channel.
type Event interface {
	gatewayEvent()
}

// ChallengeIssued carries a new pairing code. A newer one supersedes the last.
type ChallengeIssued struct {
	Code    string
	Timeout time.Duration
}

// Opened reports that the connection is authenticated and usable.
type Opened struct {
	Identity    string
	DisplayName string
}

// Closed reports that the connection ended. A client emits it at most once.
type Closed struct {
	Reason CloseReason
}

// CredentialsUpdated carries credential material that must be persisted.
type CredentialsUpdated struct {
	Credentials *domain.Credentials
}

// MessageReceived carries a raw inbound message.
type MessageReceived struct {
	Message RawMessage
}

func (ChallengeIssued) gatewayEvent()    {}
func (Opened) gatewayEvent()             {}
func (Closed) gatewayEvent()             {}
func (CredentialsUpdated) gatewayEvent() {}
func (MessageReceived) gatewayEvent()    {}

// Content holds the text-bearing fields of a raw message.
type Content struct {
	Conversation    string
	ExtendedText    string
	ImageCaption    string
	VideoCaption    string
	DocumentCaption string
	ButtonReplyID   string
	ListReplyRowID  string
	TemplateReplyID string
}

// RawMessage is a transport-neutral inbound message before normalization.
type RawMessage struct {
	ID          string
	Chat        string
	Sender      string
	FromMe      bool
	IsGroup     bool
	IsBroadcast bool
	PushName    string
	Timestamp   time.Time
	Content     Content
}

// Client is a single connection attempt against the gateway.
//
// Events returns a channel that is closed after Close. Close is safe to call
// more than once.
type Client interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) (string, error)
	SetPresence(ctx context.Context, to string, presence Presence) error
	Logout(ctx context.Context) error
	Close()
}

// Factory builds clients. creds is nil when no credentials are stored.
type Factory interface {
	New(ctx context.Context, creds *domain.Credentials) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, creds *domain.Credentials) (Client, error)

// New implements Factory.
func (f FactoryFunc) New(ctx context.Context, creds *domain.Credentials) (Client, error) {
	return f(ctx, creds)
}
