package session

import (
	"sync"
	"time"

	"github.com/ashureev/shopdesk/internal/domain"
)

// Snapshot is a read-only copy of the connection state.
type Snapshot struct {
	Connected       bool                    `json:"connected"`
	Status          domain.ConnectionStatus `json:"status"`
	Identity        string                  `json:"identity,omitempty"`
	DisplayName     string                  `json:"display_name,omitempty"`
	Challenge       *domain.Challenge       `json:"challenge,omitempty"`
	Stable          bool                    `json:"stable"`
	Counters        Counters                `json:"counters"`
	LastConnectedAt *time.Time              `json:"last_connected_at,omitempty"`
	LastError       string                  `json:"last_error,omitempty"`
	LastRecovery    *Decision               `json:"last_recovery,omitempty"`
	NextRetryAt     *time.Time              `json:"next_retry_at,omitempty"`
	History         []domain.Transition     `json:"history,omitempty"`
}

// connState is owned by the Controller. Writers hold the controller's
// lifecycle lock; mu only protects readers.
//
// Invariants: challenge is set only in StatusAwaitingChallenge, identity only
// in StatusConnected.
type connState struct {
	mu              sync.RWMutex
	status          domain.ConnectionStatus
	challenge       *domain.Challenge
	identity        string
	displayName     string
	stable          bool
	counters        Counters
	lastConnectedAt time.Time
	lastError       string
	lastDecision    *Decision
	nextRetryAt     time.Time
	history         *History
}

func newConnState(historySize int) *connState {
	return &connState{
		status:  domain.StatusDisconnected,
		history: NewHistory(historySize),
	}
}

// setStatus must be called with mu held.
func (s *connState) setStatus(to domain.ConnectionStatus, reason string, now time.Time) {
	if to != domain.StatusAwaitingChallenge {
		s.challenge = nil
	}
	if to != domain.StatusConnected {
		s.identity = ""
		s.displayName = ""
		s.stable = false
	}
	if to != domain.StatusReconnecting && to != domain.StatusCooldownAfterConflict {
		s.nextRetryAt = time.Time{}
	}
	if s.status == to {
		return
	}
	s.history.Add(domain.Transition{From: s.status, To: to, Reason: reason, At: now})
	s.status = to
}

func (s *connState) transition(to domain.ConnectionStatus, reason string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatus(to, reason, now)
}

func (s *connState) issueChallenge(code string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatus(domain.StatusAwaitingChallenge, "challenge issued", now)
	s.challenge = &domain.Challenge{Code: code, IssuedAt: now}
}

// open marks the session connected and returns the counters that were in
// effect before the reset.
func (s *connState) open(identity, displayName string, now time.Time) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.counters
	s.setStatus(domain.StatusConnected, "connection opened", now)
	s.identity = identity
	s.displayName = displayName
	s.counters = Counters{}
	s.lastConnectedAt = now
	s.lastError = ""
	return prev
}

func (s *connState) markStable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == domain.StatusConnected {
		s.stable = true
	}
}

func (s *connState) recordDecision(d Decision, c Counters, reason string, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = c
	s.lastDecision = &d
	s.lastError = reason
	s.nextRetryAt = next
}

func (s *connState) setNextRetry(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRetryAt = at
}

func (s *connState) setCounters(c Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = c
}

func (s *connState) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

func (s *connState) getCounters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}

func (s *connState) getStatus() domain.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *connState) getIdentity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *connState) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Connected:   s.status == domain.StatusConnected,
		Status:      s.status,
		Identity:    s.identity,
		DisplayName: s.displayName,
		Stable:      s.stable,
		Counters:    s.counters,
		LastError:   s.lastError,
		History:     s.history.Entries(),
	}
	if s.challenge != nil {
		c := *s.challenge
		snap.Challenge = &c
	}
	if !s.lastConnectedAt.IsZero() {
		t := s.lastConnectedAt
		snap.LastConnectedAt = &t
	}
	if s.lastDecision != nil {
		d := *s.lastDecision
		snap.LastRecovery = &d
	}
	if !s.nextRetryAt.IsZero() {
		t := s.nextRetryAt
		snap.NextRetryAt = &t
	}
	return snap
}
