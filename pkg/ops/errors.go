package ops

import "errors"

var (
	// ErrBacklogExceeded is returned by Submit when the pending queue is at
	// capacity. Callers surface this as a retry-later condition (the wire
	// protocol historically mapped it to HTTP 429); no entry is created.
	ErrBacklogExceeded = errors.New("operation backlog exceeded")

	// ErrPayloadTooLarge is returned when a payload exceeds the configured ceiling
	ErrPayloadTooLarge = errors.New("payload exceeds size ceiling")

	// ErrInvalidPayload is returned when a payload fails schema validation
	ErrInvalidPayload = errors.New("payload failed schema validation")

	// ErrUnknownOperation is returned for status lookups of IDs the ledger
	// has never seen, or that the sweeper has already evicted.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrManagerStopped is returned when submitting to a stopped manager
	ErrManagerStopped = errors.New("operation manager is stopped")
)
