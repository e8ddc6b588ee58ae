package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
)

// CompactionState is the phase of the running compaction task.
type CompactionState int32

const (
	StateIdle CompactionState = iota
	StateSelecting
	StateMerging
	StateInstalling
)

func (s CompactionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateMerging:
		return "merging"
	case StateInstalling:
		return "installing"
	default:
		return "unknown"
	}
}

// CompactionTask merges Inputs of Level with the overlapping tables of the
// next level.
type CompactionTask struct {
	Level    int
	Inputs   []*SSTable
	Overlaps []*SSTable
}

func (t CompactionTask) TargetLevel() int { return t.Level + 1 }

func (t CompactionTask) tables() []*SSTable {
	return append(append([]*SSTable(nil), t.Inputs...), t.Overlaps...)
}

// CompactionStats accumulates compaction activity.
type CompactionStats struct {
	Compactions       uint64
	Failures          uint64
	BytesRead         uint64
	BytesWritten      uint64
	TombstonesDropped uint64
}

// Compactor runs leveled compaction one task at a time.
type Compactor struct {
	lm      *LevelManager
	log     *slog.Logger
	limiter *rate.Limiter

	running sync.Mutex
	state   atomic.Int32
	// pointers remember where the last compaction of each level ended.
	pointers [][]byte

	compactions       atomic.Uint64
	failures          atomic.Uint64
	bytesRead         atomic.Uint64
	bytesWritten      atomic.Uint64
	tombstonesDropped atomic.Uint64
}

// NewCompactor creates a compactor. A positive bytesPerSec throttles output.
func NewCompactor(lm *LevelManager, bytesPerSec int64) *Compactor {
	c := &Compactor{
		lm:       lm,
		log:      lm.opts.Logger.With("component", "compaction"),
		pointers: make([][]byte, lm.opts.MaxLevels),
	}
	if bytesPerSec > 0 {
		burst := int(min(bytesPerSec, 4<<20))
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return c
}

// State returns the phase of the running task, StateIdle when none runs.
func (c *Compactor) State() CompactionState {
	return CompactionState(c.state.Load())
}

func (c *Compactor) setState(s CompactionState) {
	c.state.Store(int32(s))
}

func (c *Compactor) Stats() CompactionStats {
	return CompactionStats{
		Compactions:       c.compactions.Load(),
		Failures:          c.failures.Load(),
		BytesRead:         c.bytesRead.Load(),
		BytesWritten:      c.bytesWritten.Load(),
		TombstonesDropped: c.tombstonesDropped.Load(),
	}
}

// NeedsCompaction reports whether some level exceeds its bound.
func (c *Compactor) NeedsCompaction() bool {
	v := c.lm.Current()
	defer v.Release()

	level, score := c.pickLevel(v)
	return level >= 0 && score >= 1
}

// pickLevel returns the level with the highest compaction score. Every level
// is scored by size against its bound; L0 also by table count. The last level
// never compacts.
func (c *Compactor) pickLevel(v *Version) (int, float64) {
	best, bestScore := -1, 0.0
	for level := 0; level < v.NumLevels()-1; level++ {
		score := float64(v.LevelSize(level)) / float64(c.lm.MaxBytes(level))
		if level == 0 {
			score = max(score, float64(v.NumTables(0))/float64(max(c.lm.opts.L0CompactionTrigger, 1)))
		}
		if v.NumTables(level) > 0 && score > bestScore {
			best, bestScore = level, score
		}
	}
	return best, bestScore
}

// selectTask builds the task for level. L0 compacts all its tables; a deeper
// level compacts the table after its compaction pointer, wrapping around.
func (c *Compactor) selectTask(v *Version, level int) (CompactionTask, bool) {
	task := CompactionTask{Level: level}

	if level == 0 {
		task.Inputs = v.Tables(0)
	} else {
		tables := v.Tables(level)
		if len(tables) == 0 {
			return task, false
		}
		pick := tables[0]
		if ptr := c.pointers[level]; ptr != nil {
			for _, t := range tables {
				if bytes.Compare(t.meta.MinKey, ptr) > 0 {
					pick = t
					break
				}
			}
		}
		task.Inputs = []*SSTable{pick}
	}
	if len(task.Inputs) == 0 {
		return task, false
	}

	start, end := keyRange(task.Inputs)
	task.Overlaps = v.Overlapping(level+1, start, end)
	return task, true
}

func keyRange(tables []*SSTable) ([]byte, []byte) {
	start, end := tables[0].meta.MinKey, tables[0].meta.MaxKey
	for _, t := range tables[1:] {
		if bytes.Compare(t.meta.MinKey, start) < 0 {
			start = t.meta.MinKey
		}
		if bytes.Compare(t.meta.MaxKey, end) > 0 {
			end = t.meta.MaxKey
		}
	}
	return start, end
}

// RunOnce runs a single task if any level needs compaction. It reports
// whether a task was installed.
func (c *Compactor) RunOnce(ctx context.Context) (bool, error) {
	return c.run(ctx, func(v *Version) (CompactionTask, bool) {
		level, score := c.pickLevel(v)
		if level < 0 || score < 1 {
			return CompactionTask{}, false
		}
		return c.selectTask(v, level)
	})
}

// Compact runs tasks until no level exceeds its bound.
func (c *Compactor) Compact(ctx context.Context) error {
	for {
		ran, err := c.RunOnce(ctx)
		if err != nil || !ran {
			return err
		}
	}
}

// CompactAll pushes every table down to the deepest non-empty level, at least L1.
func (c *Compactor) CompactAll(ctx context.Context) error {
	for {
		ran, err := c.run(ctx, func(v *Version) (CompactionTask, bool) {
			deepest := max(v.DeepestNonEmpty(), 1)
			for level := 0; level < deepest; level++ {
				if v.NumTables(level) == 0 {
					continue
				}
				task := CompactionTask{Level: level, Inputs: v.Tables(level)}
				start, end := keyRange(task.Inputs)
				task.Overlaps = v.Overlapping(level+1, start, end)
				return task, true
			}
			return CompactionTask{}, false
		})
		if err != nil || !ran {
			return err
		}
	}
}

func (c *Compactor) run(ctx context.Context, pick func(*Version) (CompactionTask, bool)) (bool, error) {
	if !c.running.TryLock() {
		return false, dberrors.ErrCompactionRunning
	}
	defer c.running.Unlock()
	defer c.setState(StateIdle)

	c.setState(StateSelecting)
	v := c.lm.Current()
	defer v.Release()

	task, ok := pick(v)
	if !ok {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	started := time.Now()
	c.setState(StateMerging)
	outputs, err := c.merge(v, task)
	if err != nil {
		c.failures.Add(1)
		return false, fmt.Errorf("compaction of level %d failed: %w", task.Level, err)
	}
	if err := ctx.Err(); err != nil {
		c.discard(outputs)
		return false, err
	}

	c.setState(StateInstalling)
	edit := VersionEdit{Added: outputs}
	for _, t := range task.tables() {
		edit.Removed = append(edit.Removed, t.ID())
	}
	if err := c.lm.Install(edit); err != nil {
		c.discard(outputs)
		c.failures.Add(1)
		return false, fmt.Errorf("compaction of level %d failed: %w", task.Level, err)
	}

	if task.Level > 0 {
		_, end := keyRange(task.Inputs)
		c.pointers[task.Level] = bytes.Clone(end)
	}
	c.compactions.Add(1)
	c.log.Debug("compaction finished",
		"level", task.Level,
		"inputs", len(task.Inputs),
		"overlaps", len(task.Overlaps),
		"outputs", len(outputs),
		"duration", time.Since(started))
	return true, nil
}

// merge writes the merged inputs into new tables of the target level. A
// tombstone is dropped when no level below the target can hold an older
// version of its key.
func (c *Compactor) merge(v *Version, task CompactionTask) (outputs []TableMeta, err error) {
	var (
		target   = task.TargetLevel()
		iters    []iterator.InternalIterator
		expected uint
	)
	for _, t := range task.tables() {
		iters = append(iters, t.NewIterator())
		expected += uint(t.meta.Count)
		c.bytesRead.Add(uint64(t.meta.Size))
	}

	it := iterator.NewDedup(iterator.NewMerging(iters...), false)
	defer func() {
		if cerr := it.Close(); cerr != nil {
			slog.Warn("failed to close compaction iterator", "error", cerr)
		}
	}()

	var w *Writer
	defer func() {
		if err == nil {
			return
		}
		if w != nil {
			if aerr := w.Abort(); aerr != nil {
				c.log.Warn("failed to abort compaction output", "error", aerr)
			}
		}
		c.discard(outputs)
		outputs = nil
	}()

	finish := func() error {
		meta, err := w.Finish()
		w = nil
		if err != nil {
			return err
		}
		meta.Level = target
		outputs = append(outputs, meta)
		c.bytesWritten.Add(uint64(meta.Size))
		return nil
	}

	for it.First(); it.Valid(); it.Next() {
		r := it.Record()
		if r.IsTombstone() && !v.CoveredBelow(target, r.Key) {
			c.tombstonesDropped.Add(1)
			continue
		}

		if w == nil {
			w, err = c.lm.NewTableWriter(target, expected, func(o *WriterOptions) { o.Limiter = c.limiter })
			if err != nil {
				return outputs, err
			}
		}
		if err = w.Add(r); err != nil {
			return outputs, err
		}
		if w.EstimatedSize() >= c.lm.opts.TargetSize {
			if err = finish(); err != nil {
				return outputs, err
			}
		}
	}
	if err = it.Err(); err != nil {
		return outputs, err
	}
	if w != nil {
		if err = finish(); err != nil {
			return outputs, err
		}
	}
	return outputs, nil
}

// discard removes output files that never made it into a version.
func (c *Compactor) discard(outputs []TableMeta) {
	var errs []error
	for _, meta := range outputs {
		if err := removeFile(c.lm.tablePath(meta.FileID)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("failed to remove compaction outputs", "error", err)
	}
}
