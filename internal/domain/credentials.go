package domain

import "time"

// Credentials is the opaque authentication bundle for one gateway session.
// Bundle is owned by the transport; the rest of the system never inspects it.
type Credentials struct {
	Identity  string    `json:"identity"`
	Bundle    []byte    `json:"bundle,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
