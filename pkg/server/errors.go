package server

import "errors"

// Session errors. Connect-phase errors are retried after the
// configured sleep; the others end the session.
var (
	// ErrBrokerConnection reports a failed or refused broker
	// connection. Retryable.
	ErrBrokerConnection = errors.New("broker connection failed")

	// ErrConnectSequence reports a failed connect sequence: missing or
	// malformed handshake, missing first statuses. Retryable.
	ErrConnectSequence = errors.New("connect sequence failed")

	// ErrProtocolViolation reports behaviour the protocol forbids:
	// out-of-order command acknowledgement, duplicate handshake.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrStatusTimeout reports that no status arrived within the
	// configured timeout while running.
	ErrStatusTimeout = errors.New("status timeout")

	// ErrCommandResponseTimeout reports an unacknowledged command past
	// its deadline.
	ErrCommandResponseTimeout = errors.New("command response timeout")

	// ErrTransportDown reports loss of the bus connection while
	// running.
	ErrTransportDown = errors.New("transport connection lost")

	// ErrQueueOverflow reports a full event queue, which means the
	// controller stopped consuming. Indicates a bug.
	ErrQueueOverflow = errors.New("event queue overflow")
)

// retryable reports whether the session may attempt a fresh connect
// sequence after err.
func retryable(err error) bool {
	return errors.Is(err, ErrBrokerConnection) || errors.Is(err, ErrConnectSequence)
}
