// Package session supervises the single gateway session of the bot: it owns
// the transport client, applies the recovery policy on disconnects, paces
// outbound messages and normalizes inbound ones.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/gateway"
)

// CredentialStore persists the opaque credential bundle of the session.
// Load returns nil, nil when nothing is stored. Erase of an absent bundle is
// not an error.
type CredentialStore interface {
	Load(ctx context.Context) (*domain.Credentials, error)
	Save(ctx context.Context, creds *domain.Credentials) error
	Erase(ctx context.Context) error
}

// InboundHandler receives normalized messages, one at a time and in order.
type InboundHandler func(ctx context.Context, msg domain.InboundMessage) error

// Options configures a Controller.
type Options struct {
	Policy              PolicyConfig
	Pacing              PacingConfig
	StabilizationWindow time.Duration
	RestartDelay        time.Duration
	HistorySize         int
	Logger              *slog.Logger
}

// DefaultOptions returns the default controller options.
func DefaultOptions() Options {
	return Options{
		Policy:              DefaultPolicyConfig(),
		Pacing:              DefaultPacingConfig(),
		StabilizationWindow: 5 * time.Second,
		RestartDelay:        2 * time.Second,
		HistorySize:         defaultHistorySize,
	}
}

const (
	lifecycleBuffer = 64
	inboundBuffer   = 256
	inboundBacklog  = 1024
)

type envelope struct {
	gen    uint64
	event  gateway.Event
	stable bool
}

// flight is one in-progress initialization shared by concurrent callers.
type flight struct {
	ready chan struct{}
	err   error
}

func (f *flight) resolve(err error) {
	f.err = err
	close(f.ready)
}

func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.ready:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller is the connection lifecycle state machine. At most one transport
// client exists at any time.
type Controller struct {
	factory    gateway.Factory
	creds      CredentialStore
	policy     *Policy
	notifier   *Notifier
	dispatcher *Dispatcher
	opts       Options
	logger     *slog.Logger
	state      *connState
	now        func() time.Time

	// opMu serializes lifecycle operations and event handling.
	opMu sync.Mutex

	mu          sync.Mutex
	client      gateway.Client
	gen         uint64
	flight      *flight
	retry       *time.Timer
	retrySeq    uint64
	stabilizer  *time.Timer
	openedAt    time.Time
	preOpen     Counters
	provisional bool
	inbound     InboundHandler
	started     bool
	closed      bool

	ctx       context.Context
	cancel    context.CancelFunc
	lifecycle chan envelope
	messages  chan gateway.RawMessage
	wg        sync.WaitGroup
}

// NewController creates a controller. Call Start before Initialize.
func NewController(factory gateway.Factory, creds CredentialStore, opts Options) *Controller {
	def := DefaultOptions()
	if opts.StabilizationWindow <= 0 {
		opts.StabilizationWindow = def.StabilizationWindow
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = def.RestartDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "session")

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		factory:   factory,
		creds:     creds,
		policy:    NewPolicy(opts.Policy),
		notifier:  NewNotifier(logger),
		opts:      opts,
		logger:    logger,
		state:     newConnState(opts.HistorySize),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		lifecycle: make(chan envelope, lifecycleBuffer),
		messages:  make(chan gateway.RawMessage, inboundBuffer),
	}
	c.dispatcher = newDispatcher(c, opts.Pacing, c.notifier, logger)
	return c
}

// Start launches the event loops. The controller shuts down when ctx is done.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.wg.Add(2)
	c.mu.Unlock()

	go c.dispatchLoop()
	go c.inboundLoop()
	context.AfterFunc(ctx, c.Close)
}

// Close stops the loops, cancels timers and closes the transport client.
// Stored credentials are left untouched.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelRetryLocked()
	stopTimer(c.stabilizer)
	client := c.client
	c.client = nil
	c.flight = nil
	c.mu.Unlock()

	c.cancel()
	if client != nil {
		client.Close()
	}
	c.wg.Wait()
	c.logger.Info("Session controller stopped")
}

// RegisterObserver sets the notification observer, replacing any previous one.
func (c *Controller) RegisterObserver(o Observer) {
	c.notifier.Register(o)
}

// RegisterInboundHandler sets the receiver of normalized inbound messages.
func (c *Controller) RegisterInboundHandler(h InboundHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = h
}

// Status returns a snapshot of the connection state.
func (c *Controller) Status() Snapshot {
	return c.state.snapshot()
}

// Send delivers one text message. See Dispatcher.Send.
func (c *Controller) Send(ctx context.Context, to, text string) (domain.OutboundMessage, error) {
	return c.dispatcher.Send(ctx, to, text)
}

// SendBatch delivers texts in order. See Dispatcher.SendBatch.
func (c *Controller) SendBatch(ctx context.Context, to string, texts []string) []SendResult {
	return c.dispatcher.SendBatch(ctx, to, texts)
}

// Initialize starts a connection attempt unless one exists. Concurrent callers
// share the outcome of the in-flight attempt. It returns once the transport
// client exists; connection progress is reported through Status and
// notifications.
func (c *Controller) Initialize(ctx context.Context) error {
	return c.initialize(ctx, 0)
}

// Connect is the operator-triggered Initialize. From the failed status it
// first gives the recovery policy a fresh retry budget.
func (c *Controller) Connect(ctx context.Context) error {
	c.opMu.Lock()
	if c.state.getStatus() == domain.StatusFailed {
		counters := c.state.getCounters()
		counters.Retry = 0
		counters.TransientError = 0
		c.state.setCounters(counters)
	}
	c.opMu.Unlock()
	return c.Initialize(ctx)
}

// Disconnect closes the transport and cancels any pending retry. Credentials
// are kept.
func (c *Controller) Disconnect(_ context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if client := c.detach(); client != nil {
		client.Close()
	}
	c.state.transition(domain.StatusDisconnected, "disconnect requested", c.now())
	c.logger.Info("Session disconnected by operator")
	c.notifier.Emit(EventDisconnected, map[string]any{"manual": true})
	return nil
}

// Logout logs the device out remotely, closes the transport, cancels any
// pending retry and erases credentials. Calling it again is a no-op.
func (c *Controller) Logout(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if client := c.detach(); client != nil {
		if err := client.Logout(ctx); err != nil {
			c.logger.Warn("Remote logout failed", "error", err)
		}
		client.Close()
	}

	c.state.setCounters(Counters{})
	c.state.transition(domain.StatusDisconnected, "logout requested", c.now())

	if err := c.creds.Erase(ctx); err != nil {
		err = fmt.Errorf("%w: erase credentials: %w", ErrStoreUnavailable, err)
		c.state.setError(err.Error())
		c.logger.Error("Logout failed to erase credentials", "error", err)
		return err
	}
	c.logger.Info("Session logged out")
	c.notifier.Emit(EventLoggedOut, map[string]any{"manual": true})
	return nil
}

// Restart tears down the live client, supersedes any scheduled reconnection,
// resets the retry and transient counters and initializes again after the
// restart delay.
func (c *Controller) Restart(_ context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if client := c.detach(); client != nil {
		client.Close()
	}

	counters := c.state.getCounters()
	counters.Retry = 0
	counters.TransientError = 0
	c.state.setCounters(counters)

	now := c.now()
	delay := c.opts.RestartDelay
	c.state.transition(domain.StatusReconnecting, "restart requested", now)
	c.state.setNextRetry(now.Add(delay))

	c.mu.Lock()
	c.scheduleLocked(delay)
	c.mu.Unlock()

	c.logger.Info("Session restart scheduled", "delay", delay)
	c.notifier.Emit(EventReconnecting, map[string]any{
		"restart":  true,
		"delay_ms": delay.Milliseconds(),
	})
	return nil
}

// initialize runs or joins an initialization. retrySeq is non-zero when a
// scheduled retry fires; a stale sequence means the retry was cancelled.
func (c *Controller) initialize(ctx context.Context, retrySeq uint64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if retrySeq != 0 {
		if retrySeq != c.retrySeq {
			c.mu.Unlock()
			return ErrSuperseded
		}
		c.retry = nil
	}
	if f := c.flight; f != nil {
		c.mu.Unlock()
		return f.wait(ctx)
	}
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	f := &flight{ready: make(chan struct{})}
	c.flight = f
	c.cancelRetryLocked()
	c.mu.Unlock()

	err := c.start(ctx, f)
	f.resolve(err)
	return err
}

func (c *Controller) start(ctx context.Context, f *flight) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	owned := c.flight == f && !c.closed
	c.mu.Unlock()
	if !owned {
		return ErrSuperseded
	}

	c.state.transition(domain.StatusConnecting, "initialize", c.now())

	creds, err := c.creds.Load(ctx)
	if err != nil {
		return c.fail(f, fmt.Errorf("%w: load credentials: %w", ErrStoreUnavailable, err))
	}

	client, err := c.factory.New(ctx, creds)
	if err != nil {
		return c.fail(f, fmt.Errorf("create transport client: %w", err))
	}

	c.mu.Lock()
	if c.flight != f || c.closed {
		c.mu.Unlock()
		client.Close()
		return ErrSuperseded
	}
	c.gen++
	gen := c.gen
	c.client = client
	c.wg.Add(1)
	c.mu.Unlock()

	go c.pump(gen, client)

	c.logger.Info("Transport client created", "generation", gen, "has_credentials", creds != nil)

	if err := client.Connect(ctx); err != nil {
		c.logger.Warn("Transport connect failed", "generation", gen, "error", err)
		c.handleClose(gateway.CloseReason{Code: gateway.CodeConnectionClosed, Message: err.Error()})
	}
	return nil
}

// fail ends an initialization attempt without scheduling recovery.
func (c *Controller) fail(f *flight, err error) error {
	c.mu.Lock()
	if c.flight == f {
		c.flight = nil
	}
	c.mu.Unlock()

	c.state.transition(domain.StatusFailed, err.Error(), c.now())
	c.state.setError(err.Error())
	c.logger.Error("Session initialization failed", "error", err)
	c.notifier.Emit(EventConnectionFailed, map[string]any{"error": err.Error()})
	return err
}

// pump forwards client events. Inbound messages queue in a local backlog so a
// slow inbound handler never holds back lifecycle events.
func (c *Controller) pump(gen uint64, client gateway.Client) {
	defer c.wg.Done()

	events := client.Events()
	var backlog []gateway.RawMessage
	for events != nil || len(backlog) > 0 {
		var out chan<- gateway.RawMessage
		var next gateway.RawMessage
		if len(backlog) > 0 {
			out, next = c.messages, backlog[0]
		}

		select {
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if m, isMsg := evt.(gateway.MessageReceived); isMsg {
				if len(backlog) >= inboundBacklog {
					c.logger.Warn("Inbound backlog full, dropping message", "generation", gen, "id", m.Message.ID)
					continue
				}
				backlog = append(backlog, m.Message)
				continue
			}
			if !c.post(envelope{gen: gen, event: evt}) {
				return
			}
		case out <- next:
			backlog[0] = gateway.RawMessage{}
			backlog = backlog[1:]
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Controller) post(env envelope) bool {
	select {
	case c.lifecycle <- env:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Controller) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.lifecycle:
			c.handle(env)
		}
	}
}

func (c *Controller) handle(env envelope) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	current := c.client != nil && env.gen == c.gen
	c.mu.Unlock()
	if !current {
		c.logger.Debug("Dropping event from discarded client", "generation", env.gen, "event", fmt.Sprintf("%T", env.event))
		return
	}

	if env.stable {
		c.onStable()
		return
	}

	switch evt := env.event.(type) {
	case gateway.ChallengeIssued:
		c.onChallenge(evt)
	case gateway.Opened:
		c.onOpen(env.gen, evt)
	case gateway.Closed:
		c.handleClose(evt.Reason)
	case gateway.CredentialsUpdated:
		c.onCredentials(evt)
	}
}

func (c *Controller) onChallenge(evt gateway.ChallengeIssued) {
	c.state.issueChallenge(evt.Code, c.now())
	c.logger.Info("Pairing challenge issued")
	c.notifier.Emit(EventChallengeIssued, map[string]any{
		"code":       evt.Code,
		"timeout_ms": evt.Timeout.Milliseconds(),
	})
}

func (c *Controller) onOpen(gen uint64, evt gateway.Opened) {
	now := c.now()
	prev := c.state.open(evt.Identity, evt.DisplayName, now)

	c.mu.Lock()
	c.flight = nil
	c.openedAt = now
	c.preOpen = prev
	c.provisional = true
	stopTimer(c.stabilizer)
	c.stabilizer = time.AfterFunc(c.opts.StabilizationWindow, func() {
		c.post(envelope{gen: gen, stable: true})
	})
	c.mu.Unlock()

	c.logger.Info("Connection opened", "identity", evt.Identity)
	c.notifier.Emit(EventConnected, map[string]any{
		"identity":     evt.Identity,
		"display_name": evt.DisplayName,
	})
}

func (c *Controller) onStable() {
	c.mu.Lock()
	c.provisional = false
	c.stabilizer = nil
	c.mu.Unlock()
	c.state.markStable()
	c.logger.Info("Connection stable")
}

func (c *Controller) onCredentials(evt gateway.CredentialsUpdated) {
	if evt.Credentials == nil {
		return
	}
	if err := c.creds.Save(c.ctx, evt.Credentials); err != nil {
		err = fmt.Errorf("%w: save credentials: %w", ErrStoreUnavailable, err)
		c.state.setError(err.Error())
		c.logger.Error("Failed to persist credentials", "error", err)
		return
	}
	c.logger.Debug("Credentials persisted", "identity", evt.Credentials.Identity)
}

// handleClose applies the recovery policy to a closed connection. Callers hold opMu.
func (c *Controller) handleClose(reason gateway.CloseReason) {
	now := c.now()

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.flight = nil
	counters := c.state.getCounters()
	restored := false
	if c.provisional && now.Sub(c.openedAt) < c.opts.StabilizationWindow {
		counters = c.preOpen
		restored = true
	}
	c.provisional = false
	stopTimer(c.stabilizer)
	c.stabilizer = nil
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}

	prevStatus := c.state.getStatus()
	decision, counters := c.policy.Decide(reason, counters, now)

	c.logger.Info("Connection closed",
		"reason", reason.String(),
		"category", decision.Category,
		"action", decision.Action,
		"delay", decision.Delay,
		"retry_count", counters.Retry,
		"conflict_count", counters.Conflict,
		"transient_error_count", counters.TransientError,
		"restored_counters", restored)
	c.notifier.Emit(EventDisconnected, map[string]any{
		"reason":          reason,
		"category":        decision.Category,
		"previous_status": prevStatus,
	})

	lastErr := reason.String()
	if decision.EraseCredentials {
		lastErr = fmt.Errorf("%w: %s", ErrCredentialInvalid, reason).Error()
		if err := c.creds.Erase(c.ctx); err != nil {
			err = fmt.Errorf("%w: erase credentials: %w", ErrStoreUnavailable, err)
			c.state.recordDecision(decision, counters, err.Error(), time.Time{})
			c.state.transition(domain.StatusFailed, err.Error(), now)
			c.logger.Error("Failed to erase invalid credentials", "error", err)
			c.notifier.Emit(EventConnectionFailed, map[string]any{"error": err.Error()})
			return
		}
		c.notifier.Emit(EventLoggedOut, map[string]any{
			"manual":   false,
			"category": decision.Category,
			"error":    lastErr,
		})
	}

	if decision.Action == ActionGiveUp {
		err := fmt.Errorf("%w: %s", ErrRecoveryExhausted, reason)
		c.state.recordDecision(decision, counters, err.Error(), time.Time{})
		c.state.transition(domain.StatusFailed, string(decision.Category), now)
		c.logger.Error("Session recovery exhausted", "retry_count", counters.Retry, "reason", reason.String())
		c.notifier.Emit(EventConnectionFailed, map[string]any{
			"error":       err.Error(),
			"retry_count": counters.Retry,
		})
		return
	}

	status := domain.StatusReconnecting
	if decision.Cooldown {
		status = domain.StatusCooldownAfterConflict
	}
	c.state.recordDecision(decision, counters, lastErr, now.Add(decision.Delay))
	c.state.transition(status, string(decision.Category), now)

	c.mu.Lock()
	c.scheduleLocked(decision.Delay)
	c.mu.Unlock()

	c.notifier.Emit(EventReconnecting, map[string]any{
		"action":   decision.Action,
		"category": decision.Category,
		"delay_ms": decision.Delay.Milliseconds(),
		"attempt":  counters.Retry,
		"cooldown": decision.Cooldown,
	})
}

// detach cancels pending work and releases the live client, if any.
func (c *Controller) detach() gateway.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRetryLocked()
	stopTimer(c.stabilizer)
	c.stabilizer = nil
	c.provisional = false
	client := c.client
	c.client = nil
	c.flight = nil
	return client
}

// scheduleLocked arms the retry timer. c.mu must be held.
func (c *Controller) scheduleLocked(delay time.Duration) {
	c.cancelRetryLocked()
	seq := c.retrySeq
	c.retry = time.AfterFunc(delay, func() {
		err := c.initialize(c.ctx, seq)
		if err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) {
			c.logger.Warn("Scheduled initialization failed", "error", err)
		}
	})
}

// cancelRetryLocked stops the retry timer and invalidates any retry that
// already fired but has not started. c.mu must be held.
func (c *Controller) cancelRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.retrySeq++
}

func (c *Controller) inboundLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case raw := <-c.messages:
			c.deliver(raw)
		}
	}
}

func (c *Controller) deliver(raw gateway.RawMessage) {
	msg, ok := Normalize(raw, c.state.getIdentity())
	if !ok {
		c.logger.Debug("Inbound message ignored", "id", raw.ID, "chat", raw.Chat)
		return
	}

	c.mu.Lock()
	h := c.inbound
	c.mu.Unlock()

	c.notifier.Emit(EventMessageReceived, msg)
	if h == nil {
		return
	}
	if err := callInbound(c.ctx, h, msg); err != nil {
		c.logger.Warn("Inbound handler failed", "id", msg.ID, "correspondent", msg.CorrespondentID, "error", err)
	}
}

func callInbound(ctx context.Context, h InboundHandler, msg domain.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inbound handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

// connectedClient returns the live client only while connected.
func (c *Controller) connectedClient() (gateway.Client, bool) {
	if c.state.getStatus() != domain.StatusConnected {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, c.client != nil
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
