// Package loggingutil holds small helpers shared by every component that
// logs through pslog.
package loggingutil

import (
	"context"

	"pkt.systems/pslog"
)

// NoopLogger returns a disabled pslog.Logger that discards all entries.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// EnsureLogger returns l when non-nil, otherwise it returns a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// FromContext returns the logger carried by ctx, falling back to fallback and
// finally to a disabled logger.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	return EnsureLogger(fallback)
}

// Component derives a subsystem logger for parts joined with dots, e.g.
// Component(logger, "mq", "claim") logs with sys=mq.claim.
func Component(logger pslog.Logger, parts ...string) pslog.Logger {
	return WithSubsystem(logger, Subsystem(parts...))
}
