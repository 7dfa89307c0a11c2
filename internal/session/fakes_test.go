package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/shopdesk/internal/domain"
	"github.com/ashureev/shopdesk/internal/gateway"
)

type fakeClient struct {
	creds  *domain.Credentials
	events chan gateway.Event
	done   chan struct{}

	mu         sync.Mutex
	calls      []string
	connectErr error
	sendErr    error
	closed     bool
	logouts    int
	closeOnce  sync.Once
	emitMu     sync.RWMutex
}

func newFakeClient(creds *domain.Credentials) *fakeClient {
	return &fakeClient{
		creds:  creds,
		events: make(chan gateway.Event, 32),
		done:   make(chan struct{}),
	}
}

func (c *fakeClient) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *fakeClient) Connect(_ context.Context) error {
	c.record("connect")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectErr
}

func (c *fakeClient) Events() <-chan gateway.Event { return c.events }

func (c *fakeClient) SendText(_ context.Context, to, text string) (string, error) {
	c.record("send:" + to + ":" + text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	return "msg-" + text, nil
}

func (c *fakeClient) SetPresence(_ context.Context, to string, p gateway.Presence) error {
	c.record("presence:" + to + ":" + string(p))
	return nil
}

func (c *fakeClient) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

func (c *fakeClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.emitMu.Lock()
		defer c.emitMu.Unlock()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
}

func (c *fakeClient) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit delivers an event unless the client was closed.
func (c *fakeClient) emit(evt gateway.Event) {
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

type fakeFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
	delay   time.Duration
	err     error
	setup   func(*fakeClient)
}

func (f *fakeFactory) New(_ context.Context, creds *domain.Credentials) (gateway.Client, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeClient(creds)
	if f.setup != nil {
		f.setup(c)
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeFactory) Client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.clients) {
		return nil
	}
	return f.clients[i]
}

type memCredStore struct {
	mu      sync.Mutex
	creds   *domain.Credentials
	loadErr error
	loads   int
	saves   int
	erases  int
}

func (s *memCredStore) Load(_ context.Context) (*domain.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.creds == nil {
		return nil, nil
	}
	c := *s.creds
	return &c, nil
}

func (s *memCredStore) Save(_ context.Context, creds *domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	c := *creds
	s.creds = &c
	return nil
}

func (s *memCredStore) Erase(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.erases++
	s.creds = nil
	return nil
}

func (s *memCredStore) Stored() *domain.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *memCredStore) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func (s *memCredStore) Erases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.erases
}

var errStoreDown = errors.New("disk on fire")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testOptions keeps every delay short enough for unit tests.
func testOptions() Options {
	return Options{
		Policy: PolicyConfig{
			BaseDelay:              5 * time.Millisecond,
			MaxDelay:               50 * time.Millisecond,
			Multiplier:             2,
			MaxRetries:             3,
			TimeoutRetryLimit:      3,
			TransientBase:          time.Millisecond,
			TransientStep:          time.Millisecond,
			TransientEscalateAfter: 5,
			InvalidateDelay:        time.Millisecond,
			ConflictWindow:         time.Minute,
			Cooldown:               80 * time.Millisecond,
			CooldownPenalty:        10 * time.Millisecond,
			PenaltyAfter:           3,
			CooldownMax:            time.Second,
		},
		StabilizationWindow: 20 * time.Millisecond,
		RestartDelay:        10 * time.Millisecond,
		HistorySize:         16,
		Logger:              discardLogger(),
	}
}

func newTestController(t *testing.T, f *fakeFactory, store *memCredStore, opts Options) *Controller {
	t.Helper()
	c := NewController(f, store, opts)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, c *Controller, want domain.ConnectionStatus) {
	t.Helper()
	waitFor(t, "status "+string(want), func() bool { return c.Status().Status == want })
}

// connect initializes c and drives its first client to Connected.
func connect(t *testing.T, c *Controller, f *fakeFactory) *fakeClient {
	t.Helper()
	before := f.Count()
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitFor(t, "client created", func() bool { return f.Count() > before })
	client := f.Client(f.Count() - 1)
	client.emit(gateway.Opened{Identity: "5511999990000:7@s.whatsapp.net", DisplayName: "Shop"})
	waitStatus(t, c, domain.StatusConnected)
	return client
}

func checkInvariant(t *testing.T, snap Snapshot) {
	t.Helper()
	if snap.Challenge != nil && snap.Identity != "" {
		t.Fatalf("challenge and identity both set: %+v", snap)
	}
	if snap.Status == domain.StatusConnected && (snap.Identity == "" || snap.Challenge != nil) {
		t.Fatalf("connected state violates invariant: %+v", snap)
	}
	if snap.Status != domain.StatusAwaitingChallenge && snap.Challenge != nil {
		t.Fatalf("challenge set outside awaiting_challenge: %+v", snap)
	}
}
