package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/calder/mnemo/internal/observability"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// RetryKind classifies a dispatch failure for retry decisions
type RetryKind string

const (
	RetryKindContention RetryKind = "resource_contention"
	RetryKindTimeout    RetryKind = "timeout"
	RetryKindNone       RetryKind = "not_matched"
)

// Transient matched signatures are worth retrying
func (k RetryKind) Transient() bool {
	return k == RetryKindContention || k == RetryKindTimeout
}

// contentionSignatures are substrings that mark storage-level contention
// in worker error text. Matching is case-insensitive.
var contentionSignatures = []string{
	"database is locked",
	"resource busy",
	"lock contention",
	"resource temporarily unavailable",
}

var timeoutSignatures = []string{
	"timed out",
	"timeout",
	"deadline exceeded",
}

// Classify decides whether a dispatch error looks transient. Structured
// codes are checked first; worker error text, including JSON error
// payloads embedded in the message, is matched by signature last.
func Classify(err error) RetryKind {
	if err == nil {
		return RetryKindNone
	}

	if errors.Is(err, ErrDispatchTimeout) {
		return RetryKindTimeout
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case CodeResourceBusy:
			return RetryKindContention
		case CodeTimeout:
			return RetryKindTimeout
		}
	}

	msg := err.Error()

	// Some workers wrap a structured error inside the message text, e.g.
	// `stage failed: {"code":-32010,"message":"database is locked"}`.
	if start := strings.IndexByte(msg, '{'); start >= 0 {
		embedded := msg[start:]
		if gjson.Valid(embedded) {
			if code := gjson.Get(embedded, "code"); code.Exists() {
				switch int(code.Int()) {
				case CodeResourceBusy:
					return RetryKindContention
				case CodeTimeout:
					return RetryKindTimeout
				}
			}
			if inner := gjson.Get(embedded, "message"); inner.Exists() {
				msg = msg + " " + inner.String()
			}
		}
	}

	lower := strings.ToLower(msg)
	for _, sig := range contentionSignatures {
		if strings.Contains(lower, sig) {
			return RetryKindContention
		}
	}
	for _, sig := range timeoutSignatures {
		if strings.Contains(lower, sig) {
			return RetryKindTimeout
		}
	}

	return RetryKindNone
}

// Retrier re-runs an operation on transient failures with a fixed delay
// between attempts. Non-transient failures abort immediately.
type Retrier struct {
	MaxAttempts int
	Delay       time.Duration
	Logger      zerolog.Logger
}

// Do runs fn up to MaxAttempts times. The returned error is the last
// attempt's error, untouched, so callers can still classify it.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		kind := Classify(err)
		if !kind.Transient() || attempt == attempts {
			return err
		}

		observability.RecordRetry(string(kind))
		r.Logger.Warn().
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Str("kind", string(kind)).
			Err(err).
			Msg("Transient failure, retrying after delay")

		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
