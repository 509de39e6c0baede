package loggingutil

import (
	"fmt"
	"strings"

	"pkt.systems/pslog"
)

// Subsystem joins non-empty parts into a dotted subsystem path.
func Subsystem(parts ...string) string {
	kept := parts[:0:0]
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a logger that stamps sys=<subsystem> on every entry.
// Wrapping a logger that already carries a subsystem replaces it and keeps
// the remaining fields.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if subsystem == "" {
		return EnsureLogger(logger)
	}
	if existing, ok := logger.(*subsystemLogger); ok {
		return existing.derive(existing.base, subsystem, nil)
	}
	return &subsystemLogger{base: EnsureLogger(logger), sys: subsystem}
}

type subsystemLogger struct {
	base   pslog.Logger
	sys    string
	fields []any
}

func (l *subsystemLogger) derive(base pslog.Logger, sys string, extra []any) *subsystemLogger {
	fields := make([]any, 0, len(l.fields)+len(extra))
	fields = append(fields, l.fields...)
	fields = append(fields, extra...)
	return &subsystemLogger{base: EnsureLogger(base), sys: sys, fields: fields}
}

func (l *subsystemLogger) kv(extra []any) []any {
	out := make([]any, 0, 2+len(l.fields)+len(extra))
	out = append(out, pslog.TrustedString("sys"), l.sys)
	out = append(out, l.fields...)
	return append(out, extra...)
}

func (l *subsystemLogger) Trace(msg string, keyvals ...any) { l.base.Trace(msg, l.kv(keyvals)...) }
func (l *subsystemLogger) Debug(msg string, keyvals ...any) { l.base.Debug(msg, l.kv(keyvals)...) }
func (l *subsystemLogger) Info(msg string, keyvals ...any)  { l.base.Info(msg, l.kv(keyvals)...) }
func (l *subsystemLogger) Warn(msg string, keyvals ...any)  { l.base.Warn(msg, l.kv(keyvals)...) }
func (l *subsystemLogger) Error(msg string, keyvals ...any) { l.base.Error(msg, l.kv(keyvals)...) }
func (l *subsystemLogger) Fatal(msg string, keyvals ...any) { l.base.Fatal(msg, l.kv(keyvals)...) }
func (l *subsystemLogger) Panic(msg string, keyvals ...any) { l.base.Panic(msg, l.kv(keyvals)...) }

func (l *subsystemLogger) Log(level pslog.Level, msg string, keyvals ...any) {
	l.base.Log(level, msg, l.kv(keyvals)...)
}

// With appends fields; a "sys" key switches the subsystem instead of
// duplicating it.
func (l *subsystemLogger) With(keyvals ...any) pslog.Logger {
	sys := l.sys
	extra := make([]any, 0, len(keyvals))
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) && isSysKey(keyvals[i]) {
			sys = fmt.Sprint(keyvals[i+1])
			continue
		}
		extra = append(extra, keyvals[i])
		if i+1 < len(keyvals) {
			extra = append(extra, keyvals[i+1])
		}
	}
	return l.derive(l.base, sys, extra)
}

func (l *subsystemLogger) WithLogLevel() pslog.Logger {
	return l.derive(l.base.WithLogLevel(), l.sys, nil)
}

func (l *subsystemLogger) LogLevel(level pslog.Level) pslog.Logger {
	return l.derive(l.base.LogLevel(level), l.sys, nil)
}

func (l *subsystemLogger) LogLevelFromEnv(key string) pslog.Logger {
	return l.derive(l.base.LogLevelFromEnv(key), l.sys, nil)
}

func isSysKey(key any) bool {
	switch v := key.(type) {
	case string:
		return v == "sys"
	case pslog.TrustedString:
		return string(v) == "sys"
	}
	return false
}
