package engine

import "errors"

var (
	// ErrDaemonUnreachable is returned when the persistent worker channel
	// cannot deliver a request (not connected, write failed, connection
	// dropped mid-call). It marks channel-level failure, distinct from a
	// worker-reported error.
	ErrDaemonUnreachable = errors.New("worker daemon unreachable")

	// ErrChannelClosed is returned when dispatching on a closed channel
	ErrChannelClosed = errors.New("worker channel closed")

	// ErrDispatchTimeout is returned when a dispatch exceeds its wall-clock budget
	ErrDispatchTimeout = errors.New("worker dispatch timed out")

	// ErrOutputTooLarge is returned when one-shot stdout exceeds the receive-buffer ceiling
	ErrOutputTooLarge = errors.New("worker output exceeds receive buffer ceiling")

	// ErrBadResponse is returned when worker output is not a single JSON document
	ErrBadResponse = errors.New("worker produced unparseable response")
)
