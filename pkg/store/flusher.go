package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/types"
)

const (
	maxFlushAttempts = 4
	flushBackoff     = 50 * time.Millisecond
)

// flushTask carries a frozen memtable to the flusher. logNumber is the first
// WAL segment written after the freeze; once the table is installed every
// older segment is obsolete.
type flushTask struct {
	imm       *memtable.Immutable
	logNumber uint64

	done chan struct{}
	err  error
}

func (t *flushTask) finish(err error) {
	t.err = err
	close(t.done)
}

// makeRoom rotates the memtable if it is still full once the epoch lock is held.
func (s *Store) makeRoom() error {
	s.epoch.Lock()
	defer s.epoch.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	if !s.mem.ShouldFlush() {
		return nil
	}
	_, err := s.rotateLocked()
	return err
}

// rotateLocked freezes the active memtable, starts a new WAL segment and
// queues the frozen table for flush. The caller holds the epoch write lock.
func (s *Store) rotateLocked() (*flushTask, error) {
	if err := s.waitForRoom(); err != nil {
		return nil, err
	}

	seg, err := s.wal.Rotate()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate wal: %w", err)
	}

	task := &flushTask{
		imm:       s.mem.Freeze(),
		logNumber: seg,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.mem = memtable.New(s.cfg.Memtable)
	s.imms = append(s.imms, task)
	pending := len(s.imms)
	s.mu.Unlock()

	s.metrics.SetGauge(metrics.ImmutableTables, nil, float64(pending))
	s.log.Debug("memtable frozen", "keys", task.imm.Len(), "bytes", task.imm.Size(), "log_number", seg)

	s.flushCh <- task
	return task, nil
}

// waitForRoom blocks while the configured number of frozen memtables is
// waiting for flush.
func (s *Store) waitForRoom() error {
	for {
		s.mu.RLock()
		if len(s.imms) < s.cfg.Memtable.MaxImmTables {
			s.mu.RUnlock()
			return nil
		}
		oldest := s.imms[0]
		s.mu.RUnlock()

		s.metrics.IncCounter(metrics.WriteStalls, nil, 1)
		<-oldest.done
		if oldest.err != nil {
			return fmt.Errorf("background flush failed: %w", oldest.err)
		}
	}
}

// Flush freezes the active memtable and waits until every frozen memtable
// is on disk.
func (s *Store) Flush(ctx context.Context) error {
	s.epoch.Lock()
	if err := s.writable(); err != nil {
		s.epoch.Unlock()
		return err
	}
	var task *flushTask
	if s.mem.Len() > 0 {
		var err error
		if task, err = s.rotateLocked(); err != nil {
			s.epoch.Unlock()
			return err
		}
	}
	s.epoch.Unlock()

	if task == nil {
		s.mu.RLock()
		if n := len(s.imms); n > 0 {
			task = s.imms[n-1]
		}
		s.mu.RUnlock()
	}
	if task == nil {
		return nil
	}

	select {
	case <-task.done:
		return task.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFlush writes one frozen memtable to level 0. Flushes are applied in
// freeze order: after a flush has failed for good, later ones are refused so
// the manifest log number never skips an unflushed segment.
func (s *Store) handleFlush(ctx context.Context, task *flushTask) error {
	if err := s.backgroundError(); err != nil {
		task.finish(err)
		return err
	}

	err := s.flush(task)
retry:
	for attempt := 1; err != nil && attempt < maxFlushAttempts; attempt++ {
		s.metrics.IncCounter(metrics.FlushErrors, nil, 1)
		backoff := flushBackoff<<attempt + time.Duration(fastrand.Int63n(int64(flushBackoff)))
		s.log.Warn("retrying memtable flush", "attempt", attempt+1, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = fmt.Errorf("%w: %w", err, ctx.Err())
			break retry
		}
		err = s.flush(task)
	}

	if err != nil {
		s.setBackgroundError(err)
	}
	task.finish(err)
	return err
}

func (s *Store) flush(task *flushTask) error {
	started := time.Now()

	meta, err := s.writeL0(task.imm)
	if err != nil {
		return err
	}
	if err := s.lm.AddFlushed(meta, task.imm.MaxSeq(), task.logNumber); err != nil {
		s.removeTable(meta.FileID)
		return fmt.Errorf("failed to install flushed table: %w", err)
	}

	s.mu.Lock()
	if i := slices.Index(s.imms, task); i >= 0 {
		s.imms = append(s.imms[:i:i], s.imms[i+1:]...)
	}
	pending := len(s.imms)
	s.mu.Unlock()

	if err := s.wal.RemoveBefore(task.logNumber); err != nil {
		s.log.Warn("failed to remove obsolete wal segments", "error", err)
	}

	s.metrics.IncCounter(metrics.Flushes, nil, 1)
	s.metrics.IncCounter(metrics.BytesWritten, map[string]string{"source": "flush"}, float64(meta.Size))
	s.metrics.ObserveHistogram(metrics.FlushSeconds, nil, time.Since(started).Seconds())
	s.metrics.SetGauge(metrics.ImmutableTables, nil, float64(pending))
	s.log.Debug("memtable flushed",
		"table", meta.FileID,
		"keys", meta.Count,
		"bytes", meta.Size,
		"duration", time.Since(started))

	select {
	case s.compactCh <- struct{}{}:
	default:
	}
	return nil
}

// writeL0 writes imm into a new level-0 table.
func (s *Store) writeL0(imm *memtable.Immutable) (persistence.TableMeta, error) {
	w, err := s.lm.NewTableWriter(0, uint(imm.Len()))
	if err != nil {
		return persistence.TableMeta{}, fmt.Errorf("failed to create table: %w", err)
	}

	imm.Iterate(func(r types.Record) bool {
		err = w.Add(r)
		return err == nil
	})
	if err != nil {
		if aerr := w.Abort(); aerr != nil {
			s.log.Warn("failed to abort table", "error", aerr)
		}
		return persistence.TableMeta{}, fmt.Errorf("failed to write table: %w", err)
	}

	meta, err := w.Finish()
	if err != nil {
		return persistence.TableMeta{}, fmt.Errorf("failed to finish table: %w", err)
	}
	return meta, nil
}
