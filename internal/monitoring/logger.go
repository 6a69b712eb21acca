// Package monitoring provides the diagnostic logger handed to every
// controller component at construction.
//
// Output is split into three streams:
//   - ops: actionable warnings and errors (failed steps, dropped records)
//   - diag: per-episode diagnostics (construction, resets, termination)
//   - trace: high-frequency per-step telemetry (actions, latencies)
package monitoring

import (
	"go.uber.org/zap"
)

// Logger routes formatted messages to the ops, diag and trace streams.
// A nil *Logger is valid and discards everything.
type Logger struct {
	base  *zap.Logger
	ops   *zap.SugaredLogger
	diag  *zap.SugaredLogger
	trace *zap.SugaredLogger
}

// New wraps a zap logger. The component name is attached to every entry.
// Passing a nil zap logger returns a no-op Logger.
func New(z *zap.Logger, component string) *Logger {
	if z == nil {
		return NewNop()
	}
	if component != "" {
		z = z.Named(component)
	}
	return &Logger{
		base:  z,
		ops:   z.With(zap.String("stream", "ops")).Sugar(),
		diag:  z.With(zap.String("stream", "diag")).Sugar(),
		trace: z.With(zap.String("stream", "trace")).Sugar(),
	}
}

// NewNop returns a Logger that drops all output.
func NewNop() *Logger {
	return New(zap.NewNop(), "")
}

// Named returns a child logger for a sub-component.
func (l *Logger) Named(component string) *Logger {
	if l == nil {
		return nil
	}
	return New(l.base, component)
}

// Opsf logs to the ops stream (actionable warnings, errors, data loss).
func (l *Logger) Opsf(format string, args ...interface{}) {
	if l != nil {
		l.ops.Warnf(format, args...)
	}
}

// Diagf logs to the diag stream (day-to-day diagnostics).
func (l *Logger) Diagf(format string, args ...interface{}) {
	if l != nil {
		l.diag.Infof(format, args...)
	}
}

// Tracef logs to the trace stream (per-step telemetry).
func (l *Logger) Tracef(format string, args ...interface{}) {
	if l != nil {
		l.trace.Debugf(format, args...)
	}
}

// Sync flushes any buffered entries.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	return l.base.Sync()
}
