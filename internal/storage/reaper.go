package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultSweepInterval is how often StartSweeper looks for orphaned files.
const DefaultSweepInterval = time.Minute

// DeleteNow removes a scratch file. A file that is already gone is not an error;
// other failures are logged and returned for the caller to ignore or report.
func (s *Scratch) DeleteNow(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		s.logger.Error(ctx, "delete scratch file %s: %v", filepath.Base(path), err)
		return fmt.Errorf("delete scratch file: %w", err)
	}
	s.logger.Debug(ctx, "deleted scratch file %s", filepath.Base(path))
	return nil
}

// Sweep deletes regular files in the scratch directory older than the staleness
// threshold and returns how many it removed.
func (s *Scratch) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	cutoff := s.now().Add(-s.staleAfter)
	var (
		removed int
		errs    []error
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", entry.Name(), err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info(ctx, "swept %d orphaned scratch file(s)", removed)
	}
	return removed, errors.Join(errs...)
}

// StartSweeper sweeps once immediately and then every interval until ctx is
// cancelled. The returned channel is closed when the loop exits.
func (s *Scratch) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	done := make(chan struct{})
	go s.sweepLoop(ctx, interval, done)
	return done
}

func (s *Scratch) sweepLoop(ctx context.Context, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	s.sweepOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scratch) sweepOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error(ctx, "sweep scratch dir: %v", err)
	}
}
