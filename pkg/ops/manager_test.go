package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/pkg/engine"
	"github.com/calder/mnemo/pkg/ledger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validPayload = []byte(`{"dataset_path":"/ws/notes","items":[{"text":"alpha"}]}`)

// fakeEngine implements engine.Channel with hand-controlled completion:
// stage dispatches answer according to stageErr, ingest dispatches block
// until released per operation ID.
type fakeEngine struct {
	mu         sync.Mutex
	stageCalls int
	stageErr   func(call int) error
	releases   map[string]chan error
	started    chan string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		releases: make(map[string]chan error),
		started:  make(chan string, 32),
	}
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Dispatch(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	switch method {
	case engine.MethodStage:
		f.mu.Lock()
		f.stageCalls++
		call := f.stageCalls
		errFn := f.stageErr
		f.mu.Unlock()
		if errFn != nil {
			if err := errFn(call); err != nil {
				return nil, err
			}
		}
		return map[string]any{"staged": true}, nil

	case engine.MethodIngest:
		id, _ := params["operation_id"].(string)
		release := make(chan error, 1)
		f.mu.Lock()
		f.releases[id] = release
		f.mu.Unlock()
		f.started <- id

		select {
		case err := <-release:
			if err != nil {
				return nil, err
			}
			return map[string]any{"ingested": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func (f *fakeEngine) release(t *testing.T, operationID string, err error) {
	t.Helper()
	f.mu.Lock()
	release, ok := f.releases[operationID]
	f.mu.Unlock()
	require.True(t, ok, "operation %s never started", operationID)
	release <- err
}

func (f *fakeEngine) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an ingest dispatch")
		return ""
	}
}

func testOpsConfig() config.OpsConfig {
	cfg := config.DefaultConfig().Ops
	cfg.SweepSchedule = "" // sweeper is exercised in its own tests
	cfg.StagingRetryDelayMs = 1
	return cfg
}

func newTestManager(t *testing.T, cfg config.OpsConfig) (*Manager, *fakeEngine, *ledger.Store) {
	t.Helper()

	store, err := ledger.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := newFakeEngine()
	m, err := NewManager(cfg, "test", store, fake, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	return m, fake, store
}

func submitN(t *testing.T, m *Manager, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := m.Submit(context.Background(), SubmitRequest{
			DatasetPath: "/ws/notes",
			Payload:     validPayload,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestSubmitRunsImmediatelyUnderCap(t *testing.T) {
	m, fake, _ := newTestManager(t, testOpsConfig())

	ids := submitN(t, m, 2)
	assert.Equal(t, 2, m.RunningCount())
	assert.Equal(t, 0, m.QueuedCount())

	for range ids {
		fake.waitStarted(t)
	}
	for _, id := range ids {
		e, err := m.Status(id)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusRunning, e.Status)
		assert.Nil(t, e.QueueIndex)
	}
}

func TestBacklogRejectionAtFullCapacity(t *testing.T) {
	m, fake, store := newTestManager(t, testOpsConfig())

	ids := submitN(t, m, 7)
	assert.Equal(t, 2, m.RunningCount())
	assert.Equal(t, 5, m.QueuedCount())

	// Pending entries carry dense FIFO indices in submission order.
	for i, id := range ids[2:] {
		e, err := m.Status(id)
		require.NoError(t, err)
		require.NotNil(t, e.QueueIndex)
		assert.Equal(t, i, *e.QueueIndex)
	}

	stagesBefore := fake.stageCalls
	_, err := m.Submit(context.Background(), SubmitRequest{
		DatasetPath: "/ws/notes",
		Payload:     validPayload,
	})
	require.ErrorIs(t, err, ErrBacklogExceeded)
	assert.Equal(t, stagesBefore, fake.stageCalls, "rejected submission must not reach staging")

	entries, err := store.List()
	require.NoError(t, err)
	assert.Len(t, entries, 7, "rejection must not create a ledger entry")
}

func TestFIFOPromotionCompactsQueue(t *testing.T) {
	m, fake, _ := newTestManager(t, testOpsConfig())

	ids := submitN(t, m, 5)
	first := fake.waitStarted(t)
	fake.waitStarted(t)

	fake.release(t, first, nil)

	// Oldest pending entry is promoted next.
	promoted := fake.waitStarted(t)
	assert.Equal(t, ids[2], promoted)

	require.Eventually(t, func() bool {
		return m.QueuedCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	e, err := m.Status(promoted)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRunning, e.Status)
	assert.Nil(t, e.QueueIndex, "promotion clears the queue index")

	// Remaining indices are re-compacted to 0..n-1.
	for i, id := range ids[3:] {
		e, err := m.Status(id)
		require.NoError(t, err)
		require.NotNil(t, e.QueueIndex)
		assert.Equal(t, i, *e.QueueIndex)
	}
}

func TestCompleteRecordsOutcome(t *testing.T) {
	m, fake, store := newTestManager(t, testOpsConfig())

	ids := submitN(t, m, 2)
	fake.waitStarted(t)
	fake.waitStarted(t)

	fake.release(t, ids[0], nil)
	fake.release(t, ids[1], errors.New("worker exited with code 1: ingest crashed"))

	require.Eventually(t, func() bool {
		return m.RunningCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	done, err := m.Status(ids[0])
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, done.Status)
	require.NotNil(t, done.DurationMs)
	assert.Empty(t, done.Error)

	failed, err := m.Status(ids[1])
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "ingest crashed")

	// Outcomes survive in the ledger, not just in memory.
	persisted, err := store.Get(ids[1])
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, persisted.Status)
}

func TestDispatchErrorNeverReturnedFromSubmit(t *testing.T) {
	m, fake, _ := newTestManager(t, testOpsConfig())

	ids := submitN(t, m, 1)
	started := fake.waitStarted(t)
	fake.release(t, started, errors.New("boom"))

	require.Eventually(t, func() bool {
		e, err := m.Status(ids[0])
		return err == nil && e.Status == ledger.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStagingRetriedOnContention(t *testing.T) {
	m, fake, _ := newTestManager(t, testOpsConfig())

	fake.stageErr = func(call int) error {
		if call <= 2 {
			return errors.New("database is locked")
		}
		return nil
	}

	id, err := m.Submit(context.Background(), SubmitRequest{
		DatasetPath: "/ws/notes",
		Payload:     validPayload,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, fake.stageCalls)

	e, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 2, e.RetryCount)
}

func TestStagingNotRetriedOnPermanentError(t *testing.T) {
	m, fake, store := newTestManager(t, testOpsConfig())

	fake.stageErr = func(call int) error {
		return errors.New("unknown dataset")
	}

	_, err := m.Submit(context.Background(), SubmitRequest{
		DatasetPath: "/ws/notes",
		Payload:     validPayload,
	})
	require.Error(t, err)
	assert.Equal(t, 1, fake.stageCalls, "permanent staging errors get exactly one attempt")

	entries, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, entries, "failed staging must not admit an entry")

	orphans, err := store.OrphanArtifacts()
	require.NoError(t, err)
	assert.Empty(t, orphans, "failed staging must remove its artifact")
}

func TestSubmitValidation(t *testing.T) {
	m, fake, _ := newTestManager(t, testOpsConfig())

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{
			name:    "missing dataset path",
			req:     SubmitRequest{Payload: validPayload},
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "payload without items",
			req:     SubmitRequest{DatasetPath: "/ws/notes", Payload: []byte(`{"dataset_path":"/ws/notes"}`)},
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "payload not json",
			req:     SubmitRequest{DatasetPath: "/ws/notes", Payload: []byte(`not json`)},
			wantErr: ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Submit(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, fake.stageCalls, "invalid payloads never reach staging")
}

func TestPayloadSizeCeiling(t *testing.T) {
	cfg := testOpsConfig()
	cfg.MaxPayloadBytes = 64
	m, _, _ := newTestManager(t, cfg)

	_, err := m.Submit(context.Background(), SubmitRequest{
		DatasetPath: "/ws/notes",
		Payload:     []byte(`{"dataset_path":"/ws/notes","items":[{"text":"` + string(make([]byte, 128)) + `"}]}`),
	})
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestQueueCapHeldBeforeStart(t *testing.T) {
	store, err := ledger.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	fake := newFakeEngine()
	cfg := testOpsConfig()
	m, err := NewManager(cfg, "test", store, fake, zerolog.Nop())
	require.NoError(t, err)

	// Before Start nothing runs, so every accepted submission is pending
	// and the queue cap is the only capacity.
	for i := 0; i < cfg.MaxQueue; i++ {
		_, err := m.Submit(context.Background(), SubmitRequest{
			DatasetPath: "/ws/notes",
			Payload:     validPayload,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, cfg.MaxQueue, m.QueuedCount())
	assert.Equal(t, 0, m.RunningCount())

	_, err = m.Submit(context.Background(), SubmitRequest{
		DatasetPath: "/ws/notes",
		Payload:     validPayload,
	})
	require.ErrorIs(t, err, ErrBacklogExceeded)
	assert.Equal(t, cfg.MaxQueue, m.QueuedCount(), "queue cap must hold without running capacity")

	entries, err := store.List()
	require.NoError(t, err)
	assert.Len(t, entries, cfg.MaxQueue)

	// Start drains the backlog into running slots as usual.
	require.NoError(t, m.Start())
	fake.waitStarted(t)
	fake.waitStarted(t)
	assert.Equal(t, 2, m.RunningCount())
	assert.Equal(t, cfg.MaxQueue-2, m.QueuedCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestQueueCapHeldWithRehydratedBacklog(t *testing.T) {
	root := t.TempDir()
	store, err := ledger.Open(root, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	cfg := testOpsConfig()
	now := time.Now()
	for i := 0; i < cfg.MaxQueue; i++ {
		idx := i
		require.NoError(t, store.Put(&ledger.Entry{
			OperationID: fmt.Sprintf("queued-%d", i),
			DatasetPath: "/ws/notes",
			Status:      ledger.StatusPending,
			QueueIndex:  &idx,
			StartTime:   now.Add(time.Duration(i) * time.Second),
			LastUpdate:  now.Add(time.Duration(i) * time.Second),
		}))
	}

	fake := newFakeEngine()
	m, err := NewManager(cfg, "test", store, fake, zerolog.Nop())
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), SubmitRequest{
		DatasetPath: "/ws/notes",
		Payload:     validPayload,
	})
	require.ErrorIs(t, err, ErrBacklogExceeded)
	assert.Equal(t, cfg.MaxQueue, m.QueuedCount())
}

func TestStatusUnknownOperation(t *testing.T) {
	m, _, _ := newTestManager(t, testOpsConfig())

	_, err := m.Status("no-such-id")
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestRehydrationMarksStaleRunningTerminated(t *testing.T) {
	root := t.TempDir()
	store, err := ledger.Open(root, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	pid := 4242
	idx0, idx1 := 0, 1
	seed := []*ledger.Entry{
		{OperationID: "stale-running", DatasetPath: "/ws/a", Status: ledger.StatusRunning, PID: &pid, StartTime: now.Add(-time.Hour), LastUpdate: now.Add(-time.Hour)},
		{OperationID: "queued-first", DatasetPath: "/ws/b", Status: ledger.StatusPending, QueueIndex: &idx0, StartTime: now.Add(-50 * time.Minute), LastUpdate: now.Add(-50 * time.Minute)},
		{OperationID: "queued-second", DatasetPath: "/ws/c", Status: ledger.StatusPending, QueueIndex: &idx1, StartTime: now.Add(-40 * time.Minute), LastUpdate: now.Add(-40 * time.Minute)},
		{OperationID: "old-completed", DatasetPath: "/ws/d", Status: ledger.StatusCompleted, StartTime: now.Add(-2 * time.Hour), LastUpdate: now.Add(-2 * time.Hour)},
	}
	for _, e := range seed {
		require.NoError(t, store.Put(e))
	}

	cfg := testOpsConfig()
	cfg.MaxConcurrent = 1
	fake := newFakeEngine()
	m, err := NewManager(cfg, "test", store, fake, zerolog.Nop())
	require.NoError(t, err)

	stale, err := m.Status("stale-running")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusTerminated, stale.Status)
	assert.Nil(t, stale.PID)

	persisted, err := store.Get("stale-running")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusTerminated, persisted.Status)

	// Pending entries resume in FIFO order once the manager starts.
	require.NoError(t, m.Start())
	assert.Equal(t, "queued-first", fake.waitStarted(t))
	assert.Equal(t, 1, m.QueuedCount())

	fake.release(t, "queued-first", nil)
	assert.Equal(t, "queued-second", fake.waitStarted(t))
	assert.Equal(t, 0, m.QueuedCount())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}

func TestShutdownTerminatesRunningKeepsPending(t *testing.T) {
	m, fake, store := newTestManager(t, testOpsConfig())

	ids := submitN(t, m, 3)
	fake.waitStarted(t)
	fake.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	for _, id := range ids[:2] {
		e, err := store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusTerminated, e.Status)
		assert.NotNil(t, e.DurationMs)
	}

	pending, err := store.Get(ids[2])
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, pending.Status, "pending work survives shutdown for the next process")

	_, err = m.Submit(context.Background(), SubmitRequest{DatasetPath: "/ws/notes", Payload: validPayload})
	require.ErrorIs(t, err, ErrManagerStopped)
}

func TestClearRemovesEverything(t *testing.T) {
	m, fake, store := newTestManager(t, testOpsConfig())

	submitN(t, m, 4)
	fake.waitStarted(t)
	fake.waitStarted(t)

	removed, err := m.Clear()
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Equal(t, 0, m.RunningCount())
	assert.Equal(t, 0, m.QueuedCount())

	entries, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}
