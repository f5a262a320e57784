package log

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameEvent(company, car, session string, dir Direction, frame string, counter uint32) Event {
	return Event{
		Timestamp: time.Now(),
		Company:   company,
		Car:       car,
		SessionID: session,
		Direction: dir,
		Category:  CategoryFrame,
		Frame:     &FrameEvent{Type: frame, Counter: counter},
	}
}

func TestEventEncodeDecode(t *testing.T) {
	ev := frameEvent("acme", "v1", "session-1", DirectionOut, "Command", 7)
	data, err := EncodeEvent(ev)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Company, got.Company)
	assert.Equal(t, ev.Car, got.Car)
	assert.Equal(t, ev.SessionID, got.SessionID)
	assert.Equal(t, ev.Direction, got.Direction)
	require.NotNil(t, got.Frame)
	assert.Equal(t, "Command", got.Frame.Type)
	assert.Equal(t, uint32(7), got.Frame.Counter)
	assert.WithinDuration(t, ev.Timestamp, got.Timestamp, time.Millisecond)
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme_v1.flog")

	l, err := NewFileLogger(path)
	require.NoError(t, err)

	l.Log(frameEvent("acme", "v1", "s", DirectionIn, "Status", 1))
	l.Log(frameEvent("acme", "v1", "s", DirectionOut, "StatusResponse", 1))
	l.Log(Event{
		Timestamp: time.Now(),
		Company:   "acme",
		Car:       "v1",
		Category:  CategoryState,
		StateChange: &StateChangeEvent{
			OldState: "INITIALIZED",
			NewState: "RUNNING",
		},
	})
	require.NoError(t, l.Close())
	require.NoError(t, l.Close()) // idempotent

	// Logging after close is silently ignored.
	l.Log(frameEvent("acme", "v1", "s", DirectionIn, "Status", 2))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	var frames, states int
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch ev.Category {
		case CategoryFrame:
			frames++
		case CategoryState:
			states++
		}
	}
	assert.Equal(t, 2, frames)
	assert.Equal(t, 1, states)
}

func TestFilteredReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.flog")

	l, err := NewFileLogger(path)
	require.NoError(t, err)
	l.Log(frameEvent("acme", "v1", "s", DirectionIn, "Status", 1))
	l.Log(frameEvent("acme", "v2", "t", DirectionIn, "Status", 1))
	l.Log(frameEvent("acme", "v1", "s", DirectionOut, "Command", 2))
	require.NoError(t, l.Close())

	out := DirectionOut
	r, err := NewFilteredReader(path, Filter{Car: "v1", Direction: &out})
	require.NoError(t, err)
	defer r.Close()

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "Command", ev.Frame.Type)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestMultiLoggerFansOut(t *testing.T) {
	var a, b recorder
	m := NewMultiLogger(&a, &b)
	m.Log(frameEvent("acme", "v1", "s", DirectionIn, "Status", 1))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestMultiLoggerDropsNilSinks(t *testing.T) {
	var a recorder
	m := NewMultiLogger(nil, &a, nil)
	m.Log(frameEvent("acme", "v1", "s", DirectionIn, "Status", 1))
	assert.Len(t, a.events, 1)
}

func TestSessionLoggerStampsIdentity(t *testing.T) {
	var sink recorder
	l := NewSessionLogger(&sink, "acme", "v1")

	l.Log(Event{Category: CategoryFrame, Frame: &FrameEvent{Type: "Status", Counter: 3}})
	l.SetSessionID("session-1")
	l.Log(Event{Category: CategoryFrame, Frame: &FrameEvent{Type: "Command", Counter: 4}})

	require.Len(t, sink.events, 2)
	first, second := sink.events[0], sink.events[1]
	assert.Equal(t, "acme", first.Company)
	assert.Equal(t, "v1", first.Car)
	assert.Empty(t, first.SessionID)
	assert.False(t, first.Timestamp.IsZero(), "zero timestamps are stamped at capture")
	assert.Equal(t, "session-1", second.SessionID)

	// An event carrying its own session id is left alone.
	l.Log(Event{SessionID: "older", Category: CategoryError, Error: &ErrorEventData{Message: "x"}})
	assert.Equal(t, "older", sink.events[2].SessionID)
}

func TestSessionLoggerNilSink(t *testing.T) {
	l := NewSessionLogger(nil, "acme", "v1")
	l.Log(Event{Category: CategoryFrame, Frame: &FrameEvent{Type: "Status"}})
}

func TestFileLoggerFlushesStateAndErrorEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.flog")
	l, err := NewFileLogger(path)
	require.NoError(t, err)
	defer l.Close()

	// Frame events are buffered; they may not be on disk yet.
	l.Log(frameEvent("acme", "v1", "s", DirectionIn, "Status", 1))

	// An error event must be readable without closing the logger, as
	// if the process had died right after.
	l.Log(Event{
		Timestamp: time.Now(),
		Company:   "acme",
		Car:       "v1",
		Category:  CategoryError,
		Error:     &ErrorEventData{Message: "status timeout", Counter: 7},
	})

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	var sawError bool
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if ev.Category == CategoryError {
			sawError = true
			assert.Equal(t, "status timeout", ev.Error.Message)
		}
	}
	assert.True(t, sawError)

	// The error event's flush also wrote the frame event buffered
	// before it; after an explicit flush both events are on disk.
	require.NoError(t, l.Flush())
	r2, err := NewReader(path)
	require.NoError(t, err)
	defer r2.Close()
	n := 0
	for {
		if _, err := r2.Next(); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		n++
	}
	assert.Equal(t, 2, n)
}

func TestNoopLogger(t *testing.T) {
	// Must not panic, usable as zero value.
	var l NoopLogger
	l.Log(Event{})
}

// recorder collects events for assertions.
type recorder struct {
	events []Event
}

func (r *recorder) Log(event Event) { r.events = append(r.events, event) }
