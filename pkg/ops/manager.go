package ops

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/logger"
	"github.com/calder/mnemo/internal/observability"
	"github.com/calder/mnemo/internal/tracing"
	"github.com/calder/mnemo/pkg/engine"
	"github.com/calder/mnemo/pkg/ledger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SubmitRequest describes one unit of background work
type SubmitRequest struct {
	DatasetPath string
	Payload     []byte
}

// Manager admits, queues, and runs background operations against the memory
// engine. At most MaxConcurrent operations run at once; up to MaxQueue more
// wait in FIFO order; anything beyond that is rejected with
// ErrBacklogExceeded. Every transition is persisted to the ledger so a
// restart can pick up where the previous process left off.
type Manager struct {
	cfg       config.OpsConfig
	workspace string
	store     *ledger.Store
	channel   engine.Channel
	validator *Validator
	logger    zerolog.Logger
	sweeper   *Sweeper

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	entries map[string]*ledger.Entry
	cancels map[string]context.CancelFunc
	started bool
	stopped bool

	wg sync.WaitGroup

	now func() time.Time
}

// NewManager builds a manager over an open ledger and a worker channel,
// rehydrating prior state. Entries found `running` belong to a process that
// died mid-flight; they are marked terminated. Pending entries keep their
// queue order and are promoted once Start is called.
func NewManager(cfg config.OpsConfig, workspace string, store *ledger.Store, channel engine.Channel, log zerolog.Logger) (*Manager, error) {
	observability.EnsureRegistered()

	validator, err := NewValidator(cfg.MaxPayloadBytes)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		workspace: workspace,
		store:     store,
		channel:   channel,
		validator: validator,
		logger:    log.With().Str("component", "ops_manager").Logger(),
		entries:   make(map[string]*ledger.Entry),
		cancels:   make(map[string]context.CancelFunc),
		now:       time.Now,
	}

	if err := m.rehydrate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) rehydrate() error {
	entries, err := m.store.List()
	if err != nil {
		return fmt.Errorf("failed to rehydrate ledger: %w", err)
	}

	now := m.now()
	for _, e := range entries {
		if e.Status == ledger.StatusRunning {
			// The process that ran this entry is gone.
			e.Status = ledger.StatusTerminated
			e.LastUpdate = now
			e.PID = nil
			e.Error = "process died before completion"
			if err := m.store.Put(e); err != nil {
				return fmt.Errorf("failed to mark stale entry %s: %w", e.OperationID, err)
			}
			m.logger.Warn().
				Str("operation_id", e.OperationID).
				Msg("Stale running entry marked terminated during rehydration")
		}
		m.entries[e.OperationID] = e
	}

	m.logger.Info().
		Int("entries", len(m.entries)).
		Int("pending", m.countLocked(ledger.StatusPending)).
		Msg("Ledger rehydrated")
	return nil
}

// Start begins promoting pending work and running the cleanup sweeper
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	if m.stopped {
		return ErrManagerStopped
	}

	m.baseCtx, m.cancelAll = context.WithCancel(context.Background())
	m.started = true

	if m.cfg.SweepSchedule != "" {
		sweeper := NewSweeper(m.store, m.cfg, m.logger)
		sweeper.OnEvict(func(operationID string) {
			m.mu.Lock()
			delete(m.entries, operationID)
			m.mu.Unlock()
		})
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start cleanup sweeper: %w", err)
		}
		m.sweeper = sweeper
	}

	m.resumePendingLocked()
	m.updateCountsLocked()
	return nil
}

// Submit validates, stages, and admits one operation. The returned ID can
// be polled with Status. Dispatch failures of the background phase are
// recorded on the ledger entry, never returned here; only validation,
// staging, and backlog rejection surface as errors.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	ctx, span := tracing.StartSpan(tracing.NewRequestContext(ctx), "ops", "submit")
	defer span.End()

	if req.DatasetPath == "" {
		observability.RecordSubmission("invalid")
		return "", fmt.Errorf("%w: dataset path is required", ErrInvalidPayload)
	}
	if err := m.validator.Validate(req.Payload); err != nil {
		observability.RecordSubmission("invalid")
		return "", err
	}

	// Fail fast on a full backlog before spending a staging dispatch. The
	// authoritative check happens again at admission below.
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrManagerStopped
	}
	if _, err := m.admitLocked(); err != nil {
		m.mu.Unlock()
		observability.RecordSubmission("rejected")
		return "", err
	}
	m.mu.Unlock()

	operationID := uuid.NewString()
	ctx = tracing.WithOperationID(ctx, operationID)
	log := tracing.LoggerFromContext(ctx, m.logger)

	ref, digest, err := m.store.WriteArtifact(operationID, req.Payload)
	if err != nil {
		observability.RecordSubmission("error")
		return "", err
	}

	// Staging is the add-only first phase. Contention and timeouts are
	// retried here; the background ingest phase is never retried.
	attempts := 0
	retrier := &engine.Retrier{
		MaxAttempts: m.cfg.StagingMaxRetries,
		Delay:       m.cfg.StagingRetryDelay(),
		Logger:      log,
	}
	err = retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		_, err := m.channel.Dispatch(ctx, engine.MethodStage, map[string]any{
			"operation_id": operationID,
			"dataset_path": req.DatasetPath,
			"payload_ref":  ref,
		})
		return err
	})
	if err != nil {
		if rmErr := m.store.RemoveArtifact(ref); rmErr != nil {
			log.Warn().Err(rmErr).Msg("Failed to remove artifact after staging failure")
		}
		observability.RecordSubmission("stage_failed")
		log.Error().Err(err).Int("attempts", attempts).Msg("Staging dispatch failed")
		return "", fmt.Errorf("staging dispatch failed: %w", err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = m.store.RemoveArtifact(ref)
		return "", ErrManagerStopped
	}
	dispatchNow, err := m.admitLocked()
	if err != nil {
		m.mu.Unlock()
		_ = m.store.RemoveArtifact(ref)
		observability.RecordSubmission("rejected")
		return "", err
	}

	now := m.now()
	e := &ledger.Entry{
		OperationID:   operationID,
		DatasetPath:   req.DatasetPath,
		PayloadDigest: digest,
		PayloadRef:    ref,
		StartTime:     now,
		LastUpdate:    now,
		RetryCount:    attempts - 1,
	}

	if dispatchNow {
		e.Status = ledger.StatusRunning
	} else {
		e.Status = ledger.StatusPending
		idx := m.countLocked(ledger.StatusPending)
		e.QueueIndex = &idx
	}

	m.entries[operationID] = e
	if err := m.store.Put(e); err != nil {
		log.Error().Err(err).Msg("Failed to persist admitted entry")
	}
	m.updateCountsLocked()
	m.mu.Unlock()

	observability.RecordSubmission("accepted")
	log.Info().
		Str("status", string(e.Status)).
		Str("dataset", req.DatasetPath).
		Int("staging_retries", e.RetryCount).
		Msg("Operation admitted")

	if dispatchNow {
		m.dispatch(operationID)
	}
	return operationID, nil
}

// admitLocked decides how a new entry would be admitted: immediately
// running when a slot is free and the manager is promoting, otherwise
// pending. An entry that would land in a full pending queue is rejected,
// regardless of the running count, so the queue cap holds before Start
// and with a rehydrated backlog just as it does in steady state.
func (m *Manager) admitLocked() (dispatchNow bool, err error) {
	running := m.countLocked(ledger.StatusRunning)
	if m.started && running < m.cfg.MaxConcurrent {
		return true, nil
	}
	pending := m.countLocked(ledger.StatusPending)
	if pending >= m.cfg.MaxQueue {
		return false, fmt.Errorf("%w: %d running, %d pending", ErrBacklogExceeded, running, pending)
	}
	return false, nil
}

func (m *Manager) dispatch(operationID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runOperation(operationID)
	}()
}

func (m *Manager) runOperation(operationID string) {
	m.mu.Lock()
	e, ok := m.entries[operationID]
	if !ok || e.Status != ledger.StatusRunning {
		m.mu.Unlock()
		return
	}
	params := map[string]any{
		"operation_id":   operationID,
		"dataset_path":   e.DatasetPath,
		"payload_ref":    e.PayloadRef,
		"payload_digest": e.PayloadDigest,
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.cancels[operationID] = cancel
	m.mu.Unlock()
	defer cancel()

	ctx = tracing.WithOperationID(tracing.NewRequestContext(ctx), operationID)
	ctx = engine.WithPIDSink(ctx, func(pid int) {
		m.recordPID(operationID, pid)
	})

	ctx, span := tracing.StartSpan(ctx, "ops", "ingest")
	defer span.End()

	_, err := m.channel.Dispatch(ctx, engine.MethodIngest, params)
	m.Complete(operationID, err)
}

// recordPID pins the one-shot worker PID on the entry so an operator can
// correlate or signal the process.
func (m *Manager) recordPID(operationID string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[operationID]
	if !ok || e.Status != ledger.StatusRunning {
		return
	}
	e.PID = &pid
	e.LastUpdate = m.now()
	if err := m.store.Put(e); err != nil {
		m.logger.Warn().Err(err).Str("operation_id", operationID).Msg("Failed to persist worker PID")
	}
}

// Complete marks a running operation finished and promotes pending work.
// Completion of an entry that is no longer running (terminated during
// shutdown, evicted) is a no-op.
func (m *Manager) Complete(operationID string, dispatchErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[operationID]
	if !ok || e.Status != ledger.StatusRunning {
		return
	}

	if cancel, ok := m.cancels[operationID]; ok {
		cancel()
		delete(m.cancels, operationID)
	}

	now := m.now()
	ms := now.Sub(e.StartTime).Milliseconds()
	e.DurationMs = &ms
	e.LastUpdate = now
	e.PID = nil

	if dispatchErr != nil {
		e.Status = ledger.StatusFailed
		e.Error = logger.Truncate(dispatchErr.Error(), logger.DiagnosticLimit)
		m.logger.Error().
			Str("operation_id", operationID).
			Int64("duration_ms", ms).
			Str("error", e.Error).
			Msg("Operation failed")
	} else {
		e.Status = ledger.StatusCompleted
		m.logger.Info().
			Str("operation_id", operationID).
			Int64("duration_ms", ms).
			Msg("Operation completed")
	}

	if err := m.store.Put(e); err != nil {
		m.logger.Error().Err(err).Str("operation_id", operationID).Msg("Failed to persist completion")
	}
	observability.RecordCompletion(string(e.Status))

	m.resumePendingLocked()
	m.updateCountsLocked()
}

// resumePendingLocked promotes queued entries into free capacity in FIFO
// order, then re-compacts queue indices to a dense 0..n-1.
func (m *Manager) resumePendingLocked() {
	if !m.started || m.stopped {
		return
	}

	for m.countLocked(ledger.StatusRunning) < m.cfg.MaxConcurrent {
		next := m.nextPendingLocked()
		if next == nil {
			break
		}

		next.Status = ledger.StatusRunning
		next.QueueIndex = nil
		next.LastUpdate = m.now()
		if err := m.store.Put(next); err != nil {
			m.logger.Error().Err(err).Str("operation_id", next.OperationID).Msg("Failed to persist promotion")
		}
		observability.RecordPromotion(m.workspace)
		m.logger.Debug().Str("operation_id", next.OperationID).Msg("Pending operation promoted")

		m.dispatch(next.OperationID)
	}

	m.compactQueueLocked()
}

func (m *Manager) nextPendingLocked() *ledger.Entry {
	var next *ledger.Entry
	for _, e := range m.entries {
		if e.Status != ledger.StatusPending || e.QueueIndex == nil {
			continue
		}
		if next == nil || *e.QueueIndex < *next.QueueIndex {
			next = e
		}
	}
	return next
}

func (m *Manager) compactQueueLocked() {
	var pending []*ledger.Entry
	for _, e := range m.entries {
		if e.Status == ledger.StatusPending && e.QueueIndex != nil {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return *pending[i].QueueIndex < *pending[j].QueueIndex
	})

	for i, e := range pending {
		if *e.QueueIndex == i {
			continue
		}
		idx := i
		e.QueueIndex = &idx
		e.LastUpdate = m.now()
		if err := m.store.Put(e); err != nil {
			m.logger.Error().Err(err).Str("operation_id", e.OperationID).Msg("Failed to persist queue compaction")
		}
	}
}

func (m *Manager) countLocked(status ledger.Status) int {
	count := 0
	for _, e := range m.entries {
		if e.Status == status {
			count++
		}
	}
	return count
}

func (m *Manager) updateCountsLocked() {
	observability.SetOpCounts(m.workspace,
		m.countLocked(ledger.StatusRunning),
		m.countLocked(ledger.StatusPending))
}

// Status returns a copy of the ledger entry for an operation
func (m *Manager) Status(operationID string) (*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[operationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operationID)
	}
	return e.Clone(), nil
}

// RunningCount returns the number of running operations
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(ledger.StatusRunning)
}

// QueuedCount returns the number of pending operations
func (m *Manager) QueuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(ledger.StatusPending)
}

// Clear drops every entry and artifact for the workspace. Running worker
// processes are cancelled first.
func (m *Manager) Clear() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
	m.entries = make(map[string]*ledger.Entry)

	removed, err := m.store.Clear()
	m.updateCountsLocked()
	return removed, err
}

// Shutdown stops the sweeper, cancels in-flight work, and marks running
// entries terminated. Pending entries stay pending; a later process
// rehydrates and resumes them. Blocks until dispatch goroutines exit or
// ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sweeper := m.sweeper
	m.sweeper = nil

	if m.cancelAll != nil {
		m.cancelAll()
	}
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}

	now := m.now()
	for _, e := range m.entries {
		if e.Status != ledger.StatusRunning {
			continue
		}
		ms := now.Sub(e.StartTime).Milliseconds()
		e.Status = ledger.StatusTerminated
		e.LastUpdate = now
		e.DurationMs = &ms
		e.PID = nil
		e.Error = "terminated during shutdown"
		if err := m.store.Put(e); err != nil {
			m.logger.Error().Err(err).Str("operation_id", e.OperationID).Msg("Failed to persist termination")
		}
		observability.RecordCompletion(string(ledger.StatusTerminated))
	}
	m.updateCountsLocked()
	m.mu.Unlock()

	if sweeper != nil {
		sweeper.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("Operation manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for dispatch goroutines: %w", ctx.Err())
	}
}
