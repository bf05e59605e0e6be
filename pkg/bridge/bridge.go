package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/logger"
	"github.com/calder/mnemo/internal/observability"
	"github.com/calder/mnemo/internal/tracing"
	"github.com/calder/mnemo/pkg/engine"
	"github.com/calder/mnemo/pkg/ledger"
	"github.com/calder/mnemo/pkg/ops"
	"github.com/rs/zerolog"
)

// Bridge is the surface UI and tool callers talk to. It wires the config,
// the per-workspace ledger, the worker channels, and the operation manager
// into one lifecycle: New, Start, Stop.
//
// Ingest submits background work and returns immediately with an operation
// ID; Retrieve and Visualize are synchronous pass-through dispatches.
type Bridge struct {
	cfg      *config.Config
	logger   zerolog.Logger
	redactor *logger.Redactor

	store   *ledger.Store
	daemon  *engine.DaemonChannel
	channel engine.Channel
	manager *ops.Manager

	metricsSrv *http.Server
}

// New builds the bridge stack for the configured workspace
func New(cfg *config.Config, log zerolog.Logger, redactor *logger.Redactor) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := ledger.Open(cfg.WorkspacePath, log)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:      cfg,
		logger:   log.With().Str("component", "bridge").Logger(),
		redactor: redactor,
		store:    store,
	}
	b.channel = b.buildChannel()

	manager, err := ops.NewManager(cfg.Ops, cfg.WorkspacePath, store, b.channel, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	b.manager = manager

	return b, nil
}

// buildChannel assembles the worker channel stack: one-shot always exists,
// and when the daemon is enabled it becomes the primary with one-shot as
// the fallback.
func (b *Bridge) buildChannel() engine.Channel {
	oneShot := engine.NewOneShotChannel(engine.OneShotConfig{
		Command:    b.cfg.Engine.Command,
		ScriptPath: b.cfg.Engine.ScriptPath,
		Env:        b.cfg.Engine.Env,
		Timeouts: map[string]time.Duration{
			engine.MethodIngest:    time.Duration(b.cfg.Engine.IngestTimeout) * time.Second,
			engine.MethodStage:     time.Duration(b.cfg.Engine.RetrieveTimeout) * time.Second,
			engine.MethodRetrieve:  time.Duration(b.cfg.Engine.RetrieveTimeout) * time.Second,
			engine.MethodVisualize: time.Duration(b.cfg.Engine.VisualizeTimeout) * time.Second,
		},
		MaxOutputBytes: b.cfg.Engine.MaxOutputBytes,
	}, b.redactor, b.logger)

	if !b.cfg.Engine.DaemonEnabled {
		return oneShot
	}

	b.daemon = engine.NewDaemonChannel(b.cfg.Engine.DaemonURL, b.logger)
	return engine.NewFallbackChannel(b.daemon, oneShot, b.logger)
}

// Start connects the daemon channel (when enabled), begins promoting
// queued work, and serves the metrics endpoint if configured. A daemon
// that is down at startup is tolerated; dispatches fall back to one-shot
// until it comes back.
func (b *Bridge) Start(ctx context.Context) error {
	if b.daemon != nil {
		if err := b.daemon.Connect(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("Worker daemon not reachable at startup, one-shot fallback active")
		}
	}

	if err := b.manager.Start(); err != nil {
		return err
	}

	if b.cfg.Metrics.Enabled {
		b.serveMetrics()
	}

	b.logger.Info().
		Str("workspace", b.cfg.WorkspacePath).
		Bool("daemon", b.cfg.Engine.DaemonEnabled).
		Msg("Bridge started")
	return nil
}

func (b *Bridge) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	b.metricsSrv = &http.Server{Addr: b.cfg.Metrics.Addr, Handler: mux}

	go func() {
		if err := b.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error().Err(err).Msg("Metrics endpoint failed")
		}
	}()
	b.logger.Info().Str("addr", b.cfg.Metrics.Addr).Msg("Metrics endpoint listening")
}

// Ingest submits a background ingest operation and returns its ID
func (b *Bridge) Ingest(ctx context.Context, datasetPath string, payload []byte) (string, error) {
	return b.manager.Submit(ctx, ops.SubmitRequest{
		DatasetPath: datasetPath,
		Payload:     payload,
	})
}

// Retrieve runs a synchronous retrieval against the memory engine
func (b *Bridge) Retrieve(ctx context.Context, query string, limit int) (map[string]any, error) {
	ctx, span := tracing.StartSpan(tracing.NewRequestContext(ctx), "bridge", "retrieve")
	defer span.End()

	params := map[string]any{"query": query}
	if limit > 0 {
		params["limit"] = limit
	}
	return b.channel.Dispatch(ctx, engine.MethodRetrieve, params)
}

// Visualize asks the memory engine for a graph rendering of a dataset
func (b *Bridge) Visualize(ctx context.Context, datasetPath string) (map[string]any, error) {
	ctx, span := tracing.StartSpan(tracing.NewRequestContext(ctx), "bridge", "visualize")
	defer span.End()

	return b.channel.Dispatch(ctx, engine.MethodVisualize, map[string]any{
		"dataset_path": datasetPath,
	})
}

// Status returns the ledger entry for an operation
func (b *Bridge) Status(operationID string) (*ledger.Entry, error) {
	return b.manager.Status(operationID)
}

// RunningCount returns the number of running operations
func (b *Bridge) RunningCount() int { return b.manager.RunningCount() }

// QueuedCount returns the number of queued operations
func (b *Bridge) QueuedCount() int { return b.manager.QueuedCount() }

// Clear removes all ledger entries and artifacts for the workspace
func (b *Bridge) Clear() (int, error) {
	return b.manager.Clear()
}

// Stop shuts the stack down in dependency order
func (b *Bridge) Stop(ctx context.Context) error {
	var firstErr error

	if b.metricsSrv != nil {
		if err := b.metricsSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := b.manager.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	if b.daemon != nil {
		if err := b.daemon.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := b.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	b.logger.Info().Msg("Bridge stopped")
	return firstErr
}
