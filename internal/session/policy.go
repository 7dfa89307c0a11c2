package session

import (
	"math"
	"strings"
	"time"

	"github.com/ashureev/shopdesk/internal/gateway"
)

// Category is the classification of a close reason.
type Category string

// Disconnect categories.
const (
	CategoryLoggedOut          Category = "logged_out"
	CategoryInvalidSession     Category = "invalid_session"
	CategorySessionSuperseded  Category = "session_superseded"
	CategoryTransientStreamErr Category = "transient_stream_error"
	CategoryTimeout            Category = "timeout"
	CategoryConnectionLost     Category = "connection_lost"
	CategoryUnknown            Category = "unknown"
)

// Action is what the controller does after a disconnect.
type Action string

// Recovery actions.
const (
	ActionRetry                Action = "retry"
	ActionRetryWithBackoff     Action = "retry_with_backoff"
	ActionInvalidateAndRestart Action = "invalidate_credentials_and_restart"
	ActionCooldownThenRestart  Action = "cooldown_then_restart"
	ActionGiveUp               Action = "give_up"
)

// Decision is the outcome of the recovery policy for one disconnect.
type Decision struct {
	Action           Action        `json:"action"`
	Delay            time.Duration `json:"delay"`
	Category         Category      `json:"category"`
	EraseCredentials bool          `json:"erase_credentials"`
	Cooldown         bool          `json:"cooldown"`
}

// Counters is the policy-relevant part of the connection state.
type Counters struct {
	Retry          int       `json:"retry_count"`
	Conflict       int       `json:"conflict_count"`
	TransientError int       `json:"transient_error_count"`
	LastConflictAt time.Time `json:"last_conflict_at,omitzero"`
}

// PolicyConfig holds the recovery tunables.
type PolicyConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Multiplier        float64       `yaml:"multiplier"`
	MaxRetries        int           `yaml:"max_retries"`
	TimeoutRetryLimit int           `yaml:"timeout_retry_limit"`

	TransientBase          time.Duration `yaml:"transient_base"`
	TransientStep          time.Duration `yaml:"transient_step"`
	TransientEscalateAfter int           `yaml:"transient_escalate_after"`

	InvalidateDelay time.Duration `yaml:"invalidate_delay"`

	// ConflictWindow is how long after a credential-invalidating disconnect
	// any further disconnect is forced into a cooldown.
	ConflictWindow  time.Duration `yaml:"conflict_window"`
	Cooldown        time.Duration `yaml:"cooldown"`
	CooldownPenalty time.Duration `yaml:"cooldown_penalty"`
	PenaltyAfter    int           `yaml:"penalty_after"`
	CooldownMax     time.Duration `yaml:"cooldown_max"`
}

// DefaultPolicyConfig returns the default recovery tunables.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		BaseDelay:              2 * time.Second,
		MaxDelay:               60 * time.Second,
		Multiplier:             2,
		MaxRetries:             10,
		TimeoutRetryLimit:      5,
		TransientBase:          2 * time.Second,
		TransientStep:          time.Second,
		TransientEscalateAfter: 5,
		InvalidateDelay:        3 * time.Second,
		ConflictWindow:         5 * time.Minute,
		Cooldown:               30 * time.Second,
		CooldownPenalty:        60 * time.Second,
		PenaltyAfter:           3,
		CooldownMax:            10 * time.Minute,
	}
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	d := DefaultPolicyConfig()
	if c == (PolicyConfig{}) {
		return d
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.TimeoutRetryLimit <= 0 {
		c.TimeoutRetryLimit = d.TimeoutRetryLimit
	}
	if c.TransientBase <= 0 {
		c.TransientBase = d.TransientBase
	}
	if c.TransientStep < 0 {
		c.TransientStep = d.TransientStep
	}
	if c.TransientEscalateAfter <= 0 {
		c.TransientEscalateAfter = d.TransientEscalateAfter
	}
	if c.InvalidateDelay < 0 {
		c.InvalidateDelay = d.InvalidateDelay
	}
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = d.ConflictWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.CooldownPenalty < 0 {
		c.CooldownPenalty = d.CooldownPenalty
	}
	if c.PenaltyAfter < 0 {
		c.PenaltyAfter = d.PenaltyAfter
	}
	if c.CooldownMax < c.Cooldown {
		c.CooldownMax = max(d.CooldownMax, c.Cooldown)
	}
	return c
}

// Policy maps close reasons and counters to recovery decisions. It holds no
// mutable state.
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy creates a policy, filling unset tunables with defaults.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{cfg: cfg.withDefaults()}
}

// Config returns the effective tunables.
func (p *Policy) Config() PolicyConfig {
	return p.cfg
}

// Classify maps a close reason to a category. Codes win over message text.
func Classify(r gateway.CloseReason) Category {
	switch r.Code {
	case gateway.CodeLoggedOut, gateway.CodeMainDeviceGone, gateway.CodeUnknownLogout:
		return CategoryLoggedOut
	case gateway.CodeMultideviceMismatch, gateway.CodeBadSession:
		return CategoryInvalidSession
	case gateway.CodeConnectionReplaced:
		return CategorySessionSuperseded
	case gateway.CodeRestartRequired:
		return CategoryTransientStreamErr
	case gateway.CodeTimedOut:
		return CategoryTimeout
	case gateway.CodeConnectionClosed, gateway.CodeUnavailable:
		return CategoryConnectionLost
	}

	msg := strings.ToLower(r.Message)
	switch {
	case msg == "":
		return CategoryUnknown
	case strings.Contains(msg, "replaced"), strings.Contains(msg, "conflict"):
		return CategorySessionSuperseded
	case strings.Contains(msg, "logged out"), strings.Contains(msg, "logout"):
		return CategoryLoggedOut
	case strings.Contains(msg, "bad session"), strings.Contains(msg, "invalid session"):
		return CategoryInvalidSession
	case strings.Contains(msg, "stream"):
		return CategoryTransientStreamErr
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return CategoryTimeout
	case strings.Contains(msg, "closed"), strings.Contains(msg, "lost"), strings.Contains(msg, "reset"):
		return CategoryConnectionLost
	}
	return CategoryUnknown
}

// Decide classifies reason and returns the decision together with the
// updated counters. now is compared against Counters.LastConflictAt.
func (p *Policy) Decide(reason gateway.CloseReason, c Counters, now time.Time) (Decision, Counters) {
	cat := Classify(reason)
	inCooldown := c.Conflict > 0 && !c.LastConflictAt.IsZero() && now.Sub(c.LastConflictAt) < p.cfg.ConflictWindow

	prevRetry := c.Retry
	d := Decision{Category: cat}
	switch cat {
	case CategoryLoggedOut, CategoryInvalidSession, CategorySessionSuperseded:
		c.Conflict++
		c.LastConflictAt = now
		d.Action = ActionInvalidateAndRestart
		d.EraseCredentials = true
		d.Delay = p.cfg.InvalidateDelay
		if cat == CategorySessionSuperseded {
			d.Delay = p.CooldownFor(c.Conflict)
			d.Cooldown = true
		}

	case CategoryTransientStreamErr:
		c.TransientError++
		if c.TransientError >= p.cfg.TransientEscalateAfter {
			d.Action = ActionInvalidateAndRestart
			d.EraseCredentials = true
			d.Delay = p.cfg.InvalidateDelay
			c.TransientError = 0
			break
		}
		d.Action = ActionRetry
		d.Delay = p.cfg.TransientBase + time.Duration(c.TransientError)*p.cfg.TransientStep

	case CategoryTimeout:
		c.Retry++
		if c.Retry > p.cfg.TimeoutRetryLimit {
			d.Action = ActionInvalidateAndRestart
			d.EraseCredentials = true
			d.Delay = p.cfg.InvalidateDelay
			c.Retry = 0
			break
		}
		d.Action = ActionRetryWithBackoff
		d.Delay = p.Backoff(c.Retry)

	default:
		c.Retry++
		if c.Retry > p.cfg.MaxRetries {
			d.Action = ActionGiveUp
			break
		}
		d.Action = ActionRetryWithBackoff
		d.Delay = p.Backoff(c.Retry)
	}

	if inCooldown {
		// A forced cooldown is not a retry attempt.
		if d.Action == ActionRetryWithBackoff || d.Action == ActionGiveUp {
			c.Retry = prevRetry
		}
		d.Action = ActionCooldownThenRestart
		d.Delay = p.CooldownFor(c.Conflict)
		d.Cooldown = true
	}
	return d, c
}

// Backoff returns min(MaxDelay, BaseDelay * Multiplier^(attempt-1)).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if f >= float64(p.cfg.MaxDelay) || math.IsInf(f, 0) || math.IsNaN(f) {
		return p.cfg.MaxDelay
	}
	return time.Duration(f)
}

// CooldownFor returns the cooldown after the given number of conflicts:
// Cooldown + CooldownPenalty*max(0, conflicts-PenaltyAfter), capped at
// CooldownMax. It never decreases as conflicts grows.
func (p *Policy) CooldownFor(conflicts int) time.Duration {
	extra := conflicts - p.cfg.PenaltyAfter
	if extra < 0 {
		extra = 0
	}
	d := p.cfg.Cooldown + time.Duration(extra)*p.cfg.CooldownPenalty
	if d > p.cfg.CooldownMax || d < p.cfg.Cooldown {
		return p.cfg.CooldownMax
	}
	return d
}
