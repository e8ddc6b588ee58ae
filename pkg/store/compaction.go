package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/metrics"
)

const manualCompactionPoll = 10 * time.Millisecond

// compactionLoop runs compaction after every flush and on every tick until
// ctx is cancelled. Failed tasks are retried on the next wake-up.
func (s *Store) compactionLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Compaction.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.compactCh:
		}
		s.runCompactions(ctx)
	}
}

func (s *Store) runCompactions(ctx context.Context) {
	for ctx.Err() == nil {
		before := s.compactor.Stats()
		started := time.Now()

		ran, err := s.compactor.RunOnce(ctx)
		switch {
		case errors.Is(err, dberrors.ErrCompactionRunning), errors.Is(err, context.Canceled):
			return
		case err != nil:
			s.metrics.IncCounter(metrics.CompactionErrors, nil, 1)
			s.log.Error("compaction failed, retrying next cycle", "error", err)
			return
		case !ran:
			return
		}
		s.reportCompaction(before.BytesWritten, started)
	}
}

func (s *Store) reportCompaction(writtenBefore uint64, started time.Time) {
	st := s.compactor.Stats()
	s.metrics.IncCounter(metrics.Compactions, nil, 1)
	s.metrics.IncCounter(metrics.BytesWritten, map[string]string{"source": "compaction"},
		float64(st.BytesWritten-writtenBefore))
	s.metrics.ObserveHistogram(metrics.CompactionSeconds, nil, time.Since(started).Seconds())

	v := s.lm.Current()
	defer v.Release()
	for level := 0; level < v.NumLevels(); level++ {
		s.metrics.SetGauge(metrics.LevelBytes, map[string]string{"level": strconv.Itoa(level)},
			float64(v.LevelSize(level)))
	}
}

// manualCompaction runs fn, waiting for a background task to finish first.
func (s *Store) manualCompaction(ctx context.Context, fn func(context.Context) error) error {
	s.manual.RLock()
	defer s.manual.RUnlock()
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	ticker := time.NewTicker(manualCompactionPoll)
	defer ticker.Stop()
	for {
		err := fn(ctx)
		if !errors.Is(err, dberrors.ErrCompactionRunning) {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
