package ledger

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// StagingWatcher watches the staging directory for artifact churn and
// debounces a callback. The ops sweeper registers itself here so orphaned
// artifacts are picked up without waiting for the next scheduled sweep.
type StagingWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func()
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewStagingWatcher creates a watcher over the store's staging directory
func NewStagingWatcher(store *Store, logger zerolog.Logger, onChange func()) (*StagingWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &StagingWatcher{
		watcher:  watcher,
		logger:   logger,
		onChange: onChange,
		debounce: 2 * time.Second,
		stopCh:   make(chan struct{}),
	}

	if err := watcher.Add(store.StagingDir()); err != nil {
		watcher.Close()
		return nil, err
	}

	go sw.run()
	return sw, nil
}

// Stop stops the watcher
func (sw *StagingWatcher) Stop() error {
	close(sw.stopCh)
	return sw.watcher.Close()
}

func (sw *StagingWatcher) run() {
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}

			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				sw.logger.Debug().
					Str("artifact", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Staging artifact change detected")

				sw.scheduleCallback()
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Error().Err(err).Msg("Staging watcher error")

		case <-sw.stopCh:
			return
		}
	}
}

func (sw *StagingWatcher) scheduleCallback() {
	if sw.timer != nil {
		sw.timer.Stop()
	}

	sw.timer = time.AfterFunc(sw.debounce, sw.onChange)
}
