// Package common defines sentinel errors and constants shared by the sync
// engine, its remote sources and the persistence layer. Callers should use
// errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Remote errors. ErrTransientRemote covers rate limiting and network
	// timeouts that survived every retry; ErrAuth is fatal for a pass.
	ErrTransientRemote = errors.New("transient remote error")
	ErrAuth            = errors.New("authentication failed")
	ErrTokenExpired    = errors.New("token expired")

	// Data errors: a malformed remote record that is skipped, never stored.
	ErrInvalidEvent = errors.New("invalid event")

	// Driver errors.
	ErrPassInProgress = errors.New("sync pass already in progress")
)
