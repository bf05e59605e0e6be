package engine

import (
	"context"
	"errors"

	"github.com/calder/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

// FallbackChannel prefers the daemon channel and falls back to one-shot
// subprocess dispatch when the daemon transport fails. Worker-reported
// errors do not trigger fallback: a worker that answered, even with an
// error, is reachable, and retrying the same work elsewhere would not
// change the outcome.
type FallbackChannel struct {
	primary   Channel
	secondary Channel
	logger    zerolog.Logger
}

// NewFallbackChannel composes a primary and a secondary channel
func NewFallbackChannel(primary, secondary Channel, log zerolog.Logger) *FallbackChannel {
	return &FallbackChannel{
		primary:   primary,
		secondary: secondary,
		logger:    log.With().Str("component", "fallback_channel").Logger(),
	}
}

// Name identifies the channel in logs and metrics
func (f *FallbackChannel) Name() string { return "fallback" }

// Dispatch tries the primary channel, then the secondary on transport failure
func (f *FallbackChannel) Dispatch(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	result, err := f.primary.Dispatch(ctx, method, params)
	if err == nil {
		return result, nil
	}

	if !errors.Is(err, ErrDaemonUnreachable) && !errors.Is(err, ErrChannelClosed) {
		return nil, err
	}

	observability.RecordFallback()
	f.logger.Warn().
		Str("method", method).
		Str("primary", f.primary.Name()).
		Str("secondary", f.secondary.Name()).
		Err(err).
		Msg("Primary channel unreachable, falling back")

	return f.secondary.Dispatch(ctx, method, params)
}
