package ops

import (
	"os"
	"testing"
	"time"

	"github.com/calder/mnemo/pkg/ledger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(t *testing.T) (*Sweeper, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSweeper(store, testOpsConfig(), zerolog.Nop()), store
}

func seedEntry(t *testing.T, store *ledger.Store, id string, status ledger.Status, age time.Duration, now time.Time) {
	t.Helper()
	require.NoError(t, store.Put(&ledger.Entry{
		OperationID: id,
		DatasetPath: "/ws/notes",
		Status:      status,
		StartTime:   now.Add(-age - time.Minute),
		LastUpdate:  now.Add(-age),
	}))
}

func TestSweepRetentionBoundaries(t *testing.T) {
	now := time.Now()
	day := 24 * time.Hour

	tests := []struct {
		name    string
		status  ledger.Status
		age     time.Duration
		evicted bool
	}{
		{name: "completed inside window", status: ledger.StatusCompleted, age: 23 * time.Hour, evicted: false},
		{name: "completed outside window", status: ledger.StatusCompleted, age: 25 * time.Hour, evicted: true},
		{name: "failed inside window", status: ledger.StatusFailed, age: 6 * day, evicted: false},
		{name: "failed outside window", status: ledger.StatusFailed, age: 8 * day, evicted: true},
		{name: "terminated outside window", status: ledger.StatusTerminated, age: 8 * day, evicted: true},
		{name: "terminated inside window", status: ledger.StatusTerminated, age: 6 * day, evicted: false},
		{name: "ancient pending retained", status: ledger.StatusPending, age: 30 * day, evicted: false},
		{name: "ancient running retained", status: ledger.StatusRunning, age: 30 * day, evicted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestSweeper(t)
			s.now = func() time.Time { return now }
			seedEntry(t, store, "op", tt.status, tt.age, now)

			evicted := s.Sweep()

			_, err := store.Get("op")
			if tt.evicted {
				assert.Equal(t, 1, evicted)
				assert.ErrorIs(t, err, ledger.ErrNotFound)
			} else {
				assert.Equal(t, 0, evicted)
				assert.NoError(t, err)
			}
		})
	}
}

func TestSweepRemovesArtifactsAndNotifies(t *testing.T) {
	now := time.Now()
	s, store := newTestSweeper(t)
	s.now = func() time.Time { return now }

	ref, digest, err := store.WriteArtifact("old-op", []byte(`{"items":[]}`))
	require.NoError(t, err)
	require.NoError(t, store.Put(&ledger.Entry{
		OperationID:   "old-op",
		DatasetPath:   "/ws/notes",
		PayloadRef:    ref,
		PayloadDigest: digest,
		Status:        ledger.StatusCompleted,
		StartTime:     now.Add(-26 * time.Hour),
		LastUpdate:    now.Add(-25 * time.Hour),
	}))

	var notified []string
	s.OnEvict(func(id string) { notified = append(notified, id) })

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, []string{"old-op"}, notified)

	_, err = os.Stat(ref)
	assert.True(t, os.IsNotExist(err), "evicted artifact should be deleted")
}

func TestSweepMixedLedger(t *testing.T) {
	now := time.Now()
	s, store := newTestSweeper(t)
	s.now = func() time.Time { return now }

	seedEntry(t, store, "keep-completed", ledger.StatusCompleted, time.Hour, now)
	seedEntry(t, store, "drop-completed", ledger.StatusCompleted, 48*time.Hour, now)
	seedEntry(t, store, "keep-failed", ledger.StatusFailed, 24*time.Hour, now)
	seedEntry(t, store, "drop-terminated", ledger.StatusTerminated, 9*24*time.Hour, now)
	seedEntry(t, store, "keep-pending", ledger.StatusPending, 9*24*time.Hour, now)

	assert.Equal(t, 2, s.Sweep())

	remaining, err := store.List()
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, e := range remaining {
		ids = append(ids, e.OperationID)
	}
	assert.ElementsMatch(t, []string{"keep-completed", "keep-failed", "keep-pending"}, ids)
}

func TestSweepOrphanGrace(t *testing.T) {
	s, store := newTestSweeper(t)

	young, _, err := store.WriteArtifact("young-orphan", []byte(`{}`))
	require.NoError(t, err)
	old, _, err := store.WriteArtifact("old-orphan", []byte(`{}`))
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	s.Sweep()

	_, err = os.Stat(young)
	assert.NoError(t, err, "young orphans stay within the grace window")
	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err), "aged orphans are removed")
}

func TestSweepIdempotent(t *testing.T) {
	now := time.Now()
	s, store := newTestSweeper(t)
	s.now = func() time.Time { return now }

	seedEntry(t, store, "drop", ledger.StatusCompleted, 48*time.Hour, now)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Sweep())
}
