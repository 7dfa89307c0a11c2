package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/gateway"
)

const eventBuffer = 64

// Factory builds whatsmeow-backed clients over a shared device store.
type Factory struct {
	devices *DeviceStore
	log     zerolog.Logger
	logger  *slog.Logger
}

// NewFactory creates a client factory.
func NewFactory(devices *DeviceStore, log zerolog.Logger, logger *slog.Logger) *Factory {
	return &Factory{devices: devices, log: log, logger: logger}
}

// New creates a client for the stored identity, or a fresh unpaired device
// when creds is nil or its keys are gone.
func (f *Factory) New(ctx context.Context, creds *domain.Credentials) (gateway.Client, error) {
	device, err := f.device(ctx, creds)
	if err != nil {
		return nil, err
	}

	wa := whatsmeow.NewClient(device, waLog.Zerolog(f.log.With().Str("component", "whatsmeow").Logger()))
	wa.EnableAutoReconnect = false
	wa.DisableLoginAutoReconnect = true

	c := &Client{
		wa:     wa,
		logger: f.logger,
		events: make(chan gateway.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	c.handlerID = wa.AddEventHandler(c.handle)
	return c, nil
}

func (f *Factory) device(ctx context.Context, creds *domain.Credentials) (*store.Device, error) {
	if creds == nil || creds.Identity == "" {
		return f.devices.Container.NewDevice(), nil
	}
	jid, err := types.ParseJID(creds.Identity)
	if err != nil {
		return nil, fmt.Errorf("parse stored identity: %w", err)
	}
	device, err := f.devices.Container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", jid, err)
	}
	if device == nil {
		f.logger.Warn("Stored identity has no device keys, pairing again", "identity", creds.Identity)
		return f.devices.Container.NewDevice(), nil
	}
	return device, nil
}

// Client adapts one whatsmeow connection to gateway.Client.
type Client struct {
	wa        *whatsmeow.Client
	logger    *slog.Logger
	handlerID uint32

	events chan gateway.Event
	done   chan struct{}

	emitMu    sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool

	qrMu     sync.Mutex
	qrCancel context.CancelFunc
}

// Connect opens the connection. An unpaired device starts a pairing flow
// whose codes arrive as ChallengeIssued events.
func (c *Client) Connect(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		qrCh, err := c.wa.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("open pairing channel: %w", err)
		}
		c.qrMu.Lock()
		c.qrCancel = cancel
		c.qrMu.Unlock()
		go c.pumpQR(qrCh)
	}

	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(gateway.ChallengeIssued{Code: item.Code, Timeout: item.Timeout})
		case whatsmeow.QRChannelSuccess.Event:
			return
		default:
			c.emitClosed(qrCloseReason(item.Event, item.Error))
			return
		}
	}
}

// Events implements gateway.Client.
func (c *Client) Events() <-chan gateway.Event {
	return c.events
}

// SendText sends a plain text message and returns its gateway ID.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := ParseRecipient(to)
	if err != nil {
		return "", err
	}
	resp, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", jid, err)
	}
	return resp.ID, nil
}

// SetPresence implements gateway.Client.
func (c *Client) SetPresence(ctx context.Context, to string, presence gateway.Presence) error {
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if presence == gateway.PresenceComposing {
		state = types.ChatPresenceComposing
	}
	return c.wa.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

// Logout unlinks the device on the server and drops its local keys.
func (c *Client) Logout(ctx context.Context) error {
	if !c.wa.IsConnected() {
		return whatsmeow.ErrNotConnected
	}
	return c.wa.Logout(ctx)
}

// Close disconnects and closes the event channel. No events are emitted after
// Close returns.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.qrMu.Lock()
		if c.qrCancel != nil {
			c.qrCancel()
		}
		c.qrMu.Unlock()

		// done first: a handler blocked in emit holds whatsmeow's handler
		// lock, which RemoveEventHandler needs.
		close(c.done)
		c.wa.RemoveEventHandler(c.handlerID)
		c.wa.Disconnect()

		c.emitMu.Lock()
		close(c.events)
		c.emitMu.Unlock()
	})
}

func (c *Client) handle(evt any) {
	if reason, ok := closeReason(evt); ok {
		c.emitClosed(reason)
		return
	}

	switch e := evt.(type) {
	case *events.PairSuccess:
		c.logger.Info("Device paired", "identity", e.ID.String(), "platform", e.Platform)
		c.emit(gateway.CredentialsUpdated{Credentials: c.credentials()})
	case *events.Connected:
		creds := c.credentials()
		if creds == nil {
			return
		}
		c.emit(gateway.CredentialsUpdated{Credentials: creds})
		c.emit(gateway.Opened{Identity: creds.Identity, DisplayName: c.wa.Store.PushName})
	case *events.Message:
		c.emit(gateway.MessageReceived{Message: toRaw(e)})
	}
}

type deviceBundle struct {
	PushName     string `json:"push_name,omitempty"`
	BusinessName string `json:"business_name,omitempty"`
	Platform     string `json:"platform,omitempty"`
}

func (c *Client) credentials() *domain.Credentials {
	dev := c.wa.Store
	if dev.ID == nil {
		return nil
	}
	bundle, err := json.Marshal(deviceBundle{
		PushName:     dev.PushName,
		BusinessName: dev.BusinessName,
		Platform:     dev.Platform,
	})
	if err != nil {
		c.logger.Warn("Failed to encode device bundle", "error", err)
	}
	return &domain.Credentials{
		Identity:  dev.ID.String(),
		Bundle:    bundle,
		UpdatedAt: time.Now().UTC(),
	}
}

// emitClosed emits Closed for the first terminal event only.
func (c *Client) emitClosed(reason gateway.CloseReason) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.emit(gateway.Closed{Reason: reason})
}

func (c *Client) emit(evt gateway.Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()

	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- evt:
	case <-c.done:
	}
}
