package ops

import (
	"os"
	"sync"
	"time"

	"github.com/calder/mnemo/internal/config"
	"github.com/calder/mnemo/internal/observability"
	"github.com/calder/mnemo/pkg/ledger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper evicts stale terminal entries from the ledger on a cron
// schedule. Completed entries older than the completed-retention window
// and failed or terminated entries older than the failed-retention window
// are removed along with their payload artifacts. A staging-directory
// watcher additionally triggers an orphan pass when artifacts churn.
type Sweeper struct {
	store   *ledger.Store
	cfg     config.OpsConfig
	logger  zerolog.Logger
	cron    *cron.Cron
	watcher *ledger.StagingWatcher
	onEvict func(operationID string)

	mu  sync.Mutex
	now func() time.Time
}

// NewSweeper creates a sweeper over an open ledger
func NewSweeper(store *ledger.Store, cfg config.OpsConfig, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: log.With().Str("component", "sweeper").Logger(),
		now:    time.Now,
	}
}

// OnEvict registers a callback invoked per evicted operation ID. The
// manager uses it to keep its in-memory view in step with the ledger.
func (s *Sweeper) OnEvict(fn func(operationID string)) {
	s.onEvict = fn
}

// Start schedules sweeps and begins watching the staging directory
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.SweepSchedule, func() {
		s.Sweep()
	}); err != nil {
		return err
	}
	s.cron.Start()

	watcher, err := ledger.NewStagingWatcher(s.store, s.logger, func() {
		s.sweepOrphans()
	})
	if err != nil {
		// The scheduled sweep still covers orphans; losing the watcher
		// only delays pickup.
		s.logger.Warn().Err(err).Msg("Staging watcher unavailable, relying on scheduled sweeps")
	} else {
		s.watcher = watcher
	}

	s.logger.Info().Str("schedule", s.cfg.SweepSchedule).Msg("Cleanup sweeper started")
	return nil
}

// Stop halts scheduled sweeps and the staging watcher
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stop staging watcher")
		}
	}
}

// Sweep runs one eviction pass and returns the number of entries removed
func (s *Sweeper) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	evictedByStatus := make(map[string]int)

	entries, err := s.store.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweep failed to list ledger")
		return 0
	}

	evicted := 0
	for _, e := range entries {
		if !s.expired(e, start) {
			continue
		}

		if err := s.store.Delete(e.OperationID); err != nil {
			s.logger.Error().Err(err).Str("operation_id", e.OperationID).Msg("Failed to evict entry")
			continue
		}
		if err := s.store.RemoveArtifact(e.PayloadRef); err != nil {
			// Best effort; the orphan pass catches leftovers.
			s.logger.Warn().Err(err).Str("operation_id", e.OperationID).Msg("Failed to remove evicted artifact")
		}
		if s.onEvict != nil {
			s.onEvict(e.OperationID)
		}

		evictedByStatus[string(e.Status)]++
		evicted++
		s.logger.Debug().
			Str("operation_id", e.OperationID).
			Str("status", string(e.Status)).
			Time("last_update", e.LastUpdate).
			Msg("Stale entry evicted")
	}

	s.sweepOrphansLocked()

	duration := s.now().Sub(start)
	observability.RecordSweep(duration, evictedByStatus)
	if evicted > 0 {
		s.logger.Info().Int("evicted", evicted).Dur("duration", duration).Msg("Sweep finished")
	}
	return evicted
}

// expired reports whether an entry has outlived its retention window.
// Non-terminal entries are always retained.
func (s *Sweeper) expired(e *ledger.Entry, now time.Time) bool {
	age := now.Sub(e.LastUpdate)
	switch e.Status {
	case ledger.StatusCompleted:
		return age > s.cfg.CompletedRetention()
	case ledger.StatusFailed, ledger.StatusTerminated:
		return age > s.cfg.FailedRetention()
	}
	return false
}

// orphanGrace keeps freshly written artifacts safe from the orphan pass.
// A submission writes its artifact before persisting the ledger entry, so
// a young unreferenced artifact may simply be mid-admission.
const orphanGrace = time.Hour

func (s *Sweeper) sweepOrphans() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepOrphansLocked()
}

func (s *Sweeper) sweepOrphansLocked() {
	orphans, err := s.store.OrphanArtifacts()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to scan for orphan artifacts")
		return
	}

	cutoff := s.now().Add(-orphanGrace)
	for _, ref := range orphans {
		info, err := os.Stat(ref)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("artifact", ref).Msg("Failed to remove orphan artifact")
			continue
		}
		s.logger.Debug().Str("artifact", ref).Msg("Orphan artifact removed")
	}
}
