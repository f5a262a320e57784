package log

// MultiLogger fans protocol events out to several sinks, typically
// the per-car .flog capture plus a console SlogAdapter during
// development.
//
// Nil sinks are dropped at construction so callers can pass optional
// loggers unconditionally.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger over the non-nil sinks.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	kept := make([]Logger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &MultiLogger{loggers: kept}
}

// Log sends the event to every sink in registration order, so a file
// capture registered before a console sink is never behind what an
// operator has seen.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Compile-time interface satisfaction check.
var _ Logger = (*MultiLogger)(nil)
