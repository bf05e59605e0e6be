package engine

import "context"

// Channel abstracts one way of getting a unit of work to the memory
// engine. Two implementations exist: the persistent daemon channel and the
// one-shot subprocess channel; FallbackChannel composes the two.
type Channel interface {
	// Name identifies the channel in logs and metrics
	Name() string

	// Dispatch sends a method call to the worker and waits for its result.
	// The returned error is either a channel-level failure (see
	// ErrDaemonUnreachable and friends) or a worker-reported *RPCError.
	Dispatch(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

type pidSinkKey struct{}

// WithPIDSink attaches a callback invoked with the worker process ID when
// a one-shot dispatch starts. The operation manager uses it to record the
// PID on the ledger entry so teardown can signal the process.
func WithPIDSink(ctx context.Context, sink func(pid int)) context.Context {
	return context.WithValue(ctx, pidSinkKey{}, sink)
}

func pidSinkFromContext(ctx context.Context) func(pid int) {
	if sink, ok := ctx.Value(pidSinkKey{}).(func(pid int)); ok {
		return sink
	}
	return nil
}
