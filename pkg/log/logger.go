package log

import "time"

// Logger is the interface session owners implement to receive protocol log events.
// Pass nil or NoopLogger to disable logging.
type Logger interface {
	// Log records a protocol event. Implementations must be thread-safe.
	// The event should be processed quickly or queued; blocking affects performance.
	Log(event Event)
}

// NoopLogger discards all events. Use when logging is disabled.
// NoopLogger is safe for concurrent use and usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// SessionLogger decorates a sink with the identity of one car session.
// Every event is stamped with the company and car name, the current
// session id, and a capture timestamp when the caller left it zero, so
// the session engine emits events without repeating its identity.
//
// SetSessionID must be called from the same goroutine that logs; the
// session controller owns both.
type SessionLogger struct {
	sink      Logger
	company   string
	car       string
	sessionID string
}

// NewSessionLogger wraps sink for one car. A nil sink disables
// capture.
func NewSessionLogger(sink Logger, company, car string) *SessionLogger {
	if sink == nil {
		sink = NoopLogger{}
	}
	return &SessionLogger{sink: sink, company: company, car: car}
}

// SetSessionID updates the session id stamped on subsequent events.
// Called when a handshake establishes a session and with an empty id
// when it ends.
func (l *SessionLogger) SetSessionID(id string) {
	l.sessionID = id
}

// Log stamps the event with the session identity and forwards it.
func (l *SessionLogger) Log(event Event) {
	event.Company = l.company
	event.Car = l.car
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	l.sink.Log(event)
}

// Compile-time interface satisfaction checks.
var (
	_ Logger = NoopLogger{}
	_ Logger = (*SessionLogger)(nil)
)
