// Package logging defines the structured-logging interface used by the sync
// engine and its collaborators, together with the slog-backed implementation
// and the process-level setup (stdout plus a rotating log file).
package logging

import "context"

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key-value pairs, e.g.:
//
//	log.Info(ctx, "pass finished", "inserted", n, "window_from", from)
type Logger interface {
	// Debug logs per-record detail that is too noisy for normal operation.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs a warning message for unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs an error message for failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value pairs.
	With(args ...any) Logger
}
