package session

import "errors"

var (
	// ErrNotConnected is returned by Send when the session is not connected.
	ErrNotConnected = errors.New("session not connected")

	// ErrCredentialInvalid marks credentials the gateway rejected.
	ErrCredentialInvalid = errors.New("credentials invalid")

	// ErrTransientTransport marks a recoverable transport failure.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrRecoveryExhausted is recorded when the recovery policy gives up.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

	// ErrStoreUnavailable is returned when credentials cannot be loaded or saved.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrInvalidMessage is returned by Send for an empty recipient or text.
	ErrInvalidMessage = errors.New("recipient and text are required")

	// ErrClosed is returned after the controller has been shut down.
	ErrClosed = errors.New("controller closed")

	// ErrSuperseded is returned to an initialization that was cancelled by a
	// disconnect, logout or restart before it could build a client.
	ErrSuperseded = errors.New("initialization superseded")
)
