package ledger

import "time"

// Status is the lifecycle state of a tracked operation
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether the status is a terminal state. Terminal entries
// never transition again; they leave the ledger only through eviction.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Entry is one ledger record per submitted unit of work
type Entry struct {
	OperationID   string    `json:"operation_id"`
	DatasetPath   string    `json:"dataset_path"`
	PayloadDigest string    `json:"payload_digest"`
	PayloadRef    string    `json:"payload_ref"`
	Status        Status    `json:"status"`
	PID           *int      `json:"pid,omitempty"`
	QueueIndex    *int      `json:"queue_index,omitempty"`
	StartTime     time.Time `json:"start_time"`
	LastUpdate    time.Time `json:"last_update"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	RetryCount    int       `json:"retry_count"`
}

// Clone returns a deep copy so callers can't mutate stored state
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.PID != nil {
		pid := *e.PID
		clone.PID = &pid
	}
	if e.QueueIndex != nil {
		idx := *e.QueueIndex
		clone.QueueIndex = &idx
	}
	if e.DurationMs != nil {
		ms := *e.DurationMs
		clone.DurationMs = &ms
	}
	return &clone
}
