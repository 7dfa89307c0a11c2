// Package domain contains core domain types for the shopdesk application.
package domain

import (
	"time"
)

// ConnectionStatus is the lifecycle status of the gateway session.
type ConnectionStatus string

// Connection statuses.
const (
	StatusDisconnected          ConnectionStatus = "disconnected"
	StatusConnecting            ConnectionStatus = "connecting"
	StatusAwaitingChallenge     ConnectionStatus = "awaiting_challenge"
	StatusConnected             ConnectionStatus = "connected"
	StatusReconnecting          ConnectionStatus = "reconnecting"
	StatusCooldownAfterConflict ConnectionStatus = "cooldown_after_conflict"
	StatusFailed                ConnectionStatus = "failed"
)

// IsActive reports whether a transport client is expected to exist in this status.
func (s ConnectionStatus) IsActive() bool {
	switch s {
	case StatusConnecting, StatusAwaitingChallenge, StatusConnected:
		return true
	default:
		return false
	}
}

// Transition records a single status change of the session.
type Transition struct {
	From   ConnectionStatus `json:"from"`
	To     ConnectionStatus `json:"to"`
	Reason string           `json:"reason,omitempty"`
	At     time.Time        `json:"at"`
}
