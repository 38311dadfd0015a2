package kernel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/guardkit/agentbridge/coreengine/logging"
	"github.com/guardkit/agentbridge/coreengine/state"
)

// CleanupConfig holds configurable cleanup parameters.
type CleanupConfig struct {
	// Interval is how often the background loop sweeps (default: 1 hour).
	Interval time.Duration
	// Retention is how long an untouched run directory is kept (default: 7 days).
	Retention time.Duration
	// DryRun reports what would be removed without removing it.
	DryRun bool
	// Skip lists keys that must never be removed, such as the active run.
	Skip []string
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:  time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// SweepReport summarizes one cleanup cycle.
type SweepReport struct {
	Scanned int      `json:"scanned"`
	Removed []string `json:"removed"`
	Kept    int      `json:"kept"`
	DryRun  bool     `json:"dry_run"`
}

// Janitor removes run directories, and their snapshots, that nobody has
// touched within the retention window. Abandoned suspended runs otherwise
// accumulate forever under the runtime root. With a store that lists its
// keys, snapshots without a run directory are removed once their last save
// falls outside the window.
type Janitor struct {
	layout state.Layout
	store  state.Store
	logger logging.Logger
	now    func() time.Time
}

// NewJanitor creates a Janitor. store may be nil when snapshots live in the
// run directories themselves.
func NewJanitor(layout state.Layout, store state.Store, logger logging.Logger) *Janitor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Janitor{layout: layout, store: store, logger: logger, now: time.Now}
}

// Sweep performs a single cleanup cycle.
func (j *Janitor) Sweep(ctx context.Context, cfg CleanupConfig) (*SweepReport, error) {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultCleanupConfig().Retention
	}
	skip := make(map[string]struct{}, len(cfg.Skip))
	for _, k := range cfg.Skip {
		skip[k] = struct{}{}
	}

	keys, err := j.layout.Keys()
	if err != nil {
		return nil, err
	}
	stored, err := j.storedKeys(ctx)
	if err != nil {
		return nil, err
	}
	keys = mergeKeys(keys, stored)

	report := &SweepReport{Removed: []string{}, DryRun: cfg.DryRun}
	cutoff := j.now().Add(-cfg.Retention)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if _, ok := skip[key]; ok {
			report.Kept++
			continue
		}

		touched, err := j.touchedAt(key, stored)
		if err != nil {
			j.logger.Warn("cleanup_stat_failed", "key", key, "error", err.Error())
			report.Kept++
			continue
		}
		if touched.After(cutoff) {
			report.Kept++
			continue
		}

		report.Removed = append(report.Removed, key)
		if cfg.DryRun {
			continue
		}
		if err := j.remove(ctx, key); err != nil {
			return report, err
		}
		j.logger.Info("stale_run_removed", "key", key, "last_touched", touched.UTC().Format(time.RFC3339))
	}

	j.logger.Debug("cleanup_cycle_completed",
		"scanned", report.Scanned,
		"removed", len(report.Removed),
		"dry_run", cfg.DryRun,
	)
	return report, nil
}

func (j *Janitor) remove(ctx context.Context, key string) error {
	if j.store != nil {
		if err := j.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("remove stale run %q: %w", key, err)
		}
	}
	if err := os.RemoveAll(j.layout.RunDir(key)); err != nil {
		return fmt.Errorf("remove stale run %q: %w", key, err)
	}
	return nil
}

// storedKeys lists snapshots kept outside the run directories, so runs that
// never wrote a directory are swept too. Nil for stores that cannot list.
func (j *Janitor) storedKeys(ctx context.Context) (map[string]time.Time, error) {
	lister, ok := j.store.(state.Lister)
	if !ok {
		return nil, nil
	}
	stored, err := lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored runs: %w", err)
	}
	return stored, nil
}

// touchedAt is the run directory's last modification, or the snapshot's
// last save when the run has no directory.
func (j *Janitor) touchedAt(key string, stored map[string]time.Time) (time.Time, error) {
	touched, err := lastTouched(j.layout.RunDir(key))
	if errors.Is(err, fs.ErrNotExist) {
		if saved, ok := stored[key]; ok {
			return saved, nil
		}
	}
	return touched, err
}

func mergeKeys(keys []string, stored map[string]time.Time) []string {
	seen := make(map[string]struct{}, len(keys)+len(stored))
	merged := make([]string, 0, len(keys)+len(stored))
	for _, k := range keys {
		seen[k] = struct{}{}
		merged = append(merged, k)
	}
	for k := range stored {
		if _, ok := seen[k]; !ok {
			merged = append(merged, k)
		}
	}
	sort.Strings(merged)
	return merged
}

// lastTouched returns the newest modification time of dir or anything in it.
func lastTouched(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, err
	}
	for _, e := range entries {
		fi, err := os.Stat(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}

// StartCleanupLoop sweeps every cfg.Interval until ctx is done or the
// returned stop function is called. Used by long-lived hosts.
func (j *Janitor) StartCleanupLoop(ctx context.Context, cfg CleanupConfig) func() {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCleanupConfig().Interval
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				j.runCleanupCycle(ctx, cfg)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	var closed bool
	return func() {
		if !closed {
			closed = true
			close(done)
		}
		<-stopped
	}
}

// runCleanupCycle performs a single cleanup cycle with panic recovery.
func (j *Janitor) runCleanupCycle(ctx context.Context, cfg CleanupConfig) {
	err := SafeExecute(j.logger, "cleanup_cycle", func() error {
		_, err := j.Sweep(ctx, cfg)
		return err
	})
	if err != nil {
		j.logger.Warn("cleanup_cycle_failed", "error", err.Error())
	}
}
