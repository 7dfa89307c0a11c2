package domain

import "time"

// Challenge is a pairing code the operator scans to link the device.
type Challenge struct {
	Code     string    `json:"code"`
	IssuedAt time.Time `json:"issued_at"`
}

// IsZero returns true if no challenge is present.
func (c *Challenge) IsZero() bool {
	return c == nil || c.Code == ""
}
