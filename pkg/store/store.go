package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

const walDirName = "wal"

type Option func(*Store)

// WithLogger sets the logger used by the store and its components.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithMetrics sets the collector receiving engine metrics.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Store) {
		s.metrics = c
	}
}

// Store is the storage engine: a write-ahead log, an active memtable, the
// frozen memtables waiting for flush and the leveled tables on disk.
type Store struct {
	cfg     config.Config
	log     *slog.Logger
	metrics metrics.Collector

	wal       *wal.WAL
	manifest  *persistence.Manifest
	cache     *persistence.BlockCacheImpl
	lm        *persistence.LevelManager
	compactor *persistence.Compactor

	// epoch is read-locked by writers and write-locked to swap the memtable.
	epoch sync.RWMutex
	// mu guards the read state: mem, imms and the current version.
	mu   sync.RWMutex
	mem  *memtable.Memtable
	imms []*flushTask // oldest first

	flushCh   chan *flushTask
	flusher   *listener.Listener[*flushTask]
	compactCh chan struct{}
	bg        *errgroup.Group
	cancel    context.CancelFunc
	// manual is read-locked by caller-driven compactions; Close waits for them.
	manual sync.RWMutex

	bgErr  atomic.Pointer[error]
	closed atomic.Bool
}

// Open opens or creates the store in cfg.Persistence.RootPath. Tables listed
// in the manifest are opened, the WAL tail is replayed into level 0 and the
// background flusher and compaction scheduler are started.
func Open(cfg config.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	s := &Store{
		cfg:       cfg,
		log:       slog.Default(),
		metrics:   metrics.Noop{},
		compactCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	base := s.log
	s.log = base.With("component", "store")

	root := cfg.Persistence.RootPath
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, dberrors.IO("create data directory", err)
	}

	manifest, err := persistence.OpenManifest(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	s.manifest = manifest

	lopts, err := persistence.OptionsFromConfig(cfg.DB)
	if err != nil {
		return nil, err
	}
	lopts.Logger = base
	s.cache = persistence.NewBlockCache(cfg.Persistence.Cache.CapacityBytes)
	if s.lm, err = persistence.OpenLevelManager(lopts, manifest, s.cache); err != nil {
		return nil, fmt.Errorf("failed to open levels: %w", err)
	}
	s.compactor = persistence.NewCompactor(s.lm, cfg.Compaction.RateLimitBytesPerSec)

	wopts := wal.OptionsFromConfig(filepath.Join(root, walDirName), cfg.WAL)
	wopts.Logger = base
	if s.wal, err = wal.Open(wopts); err != nil {
		s.lm.Close()
		return nil, fmt.Errorf("failed to open wal: %w", err)
	}
	s.wal.SetLastSeq(manifest.LastSeq())

	if err := s.recover(); err != nil {
		_ = s.closeFiles()
		return nil, fmt.Errorf("failed to recover from wal: %w", err)
	}

	s.mem = memtable.New(cfg.Memtable)
	s.startBackground()

	s.log.Info("store opened",
		"path", root,
		"db_id", manifest.DBID(),
		"last_seq", s.wal.LastSeq())
	return s, nil
}

// recover replays the segments the manifest still needs and writes their
// contents to level 0, so the log can start over from the active segment.
func (s *Store) recover() error {
	mem := memtable.New(s.cfg.Memtable)
	flush := func(logNumber uint64) error {
		if mem.Len() == 0 {
			return nil
		}
		imm := mem.Freeze()
		meta, err := s.writeL0(imm)
		if err != nil {
			return err
		}
		if err := s.lm.AddFlushed(meta, imm.MaxSeq(), logNumber); err != nil {
			s.removeTable(meta.FileID)
			return err
		}
		mem = memtable.New(s.cfg.Memtable)
		return nil
	}

	res, err := s.wal.Replay(s.manifest.LogNumber(), func(e wal.Entry) error {
		if err := mem.Apply(e.Record()); err != nil {
			return err
		}
		if mem.ShouldFlush() {
			return flush(0)
		}
		return nil
	})
	if err != nil {
		return err
	}

	active := s.wal.ActiveSegment()
	if mem.Len() > 0 {
		if err := flush(active); err != nil {
			return err
		}
	} else if err := s.lm.Install(persistence.VersionEdit{LogNumber: active, LastSeq: s.wal.LastSeq()}); err != nil {
		return err
	}

	if res.Entries > 0 || res.Truncated {
		s.log.Info("wal replayed",
			"entries", res.Entries,
			"last_seq", res.LastSeq,
			"truncated", res.Truncated)
	}
	return s.wal.RemoveBefore(active)
}

func (s *Store) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.flushCh = make(chan *flushTask, s.cfg.Memtable.FlushChanBuffSize)
	s.flusher = listener.New(s.flushCh, s.handleFlush,
		listener.WithErrorHandler(func(task *flushTask, err error) {
			s.log.Error("memtable flush failed", "log_number", task.logNumber, "error", err)
		}),
	)
	s.flusher.Start(ctx)

	s.bg, ctx = errgroup.WithContext(ctx)
	s.bg.Go(func() error {
		return s.compactionLoop(ctx)
	})
}

// Put stores value under key.
func (s *Store) Put(key, value []byte) error {
	return s.write(types.KindPut, key, value)
}

// Delete writes a tombstone for key.
func (s *Store) Delete(key []byte) error {
	return s.write(types.KindDelete, key, nil)
}

func (s *Store) write(kind types.Kind, key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}

	for {
		s.epoch.RLock()
		if err := s.writable(); err != nil {
			s.epoch.RUnlock()
			return err
		}
		if !s.mem.ShouldFlush() {
			break
		}
		s.epoch.RUnlock()

		if err := s.makeRoom(); err != nil {
			return err
		}
	}
	defer s.epoch.RUnlock()

	seq, err := s.wal.Append(kind, key, value)
	if err != nil {
		return fmt.Errorf("failed to append to wal: %w", err)
	}
	if err := s.mem.Apply(types.Record{Key: key, Value: value, SeqN: seq, Kind: kind}); err != nil {
		return fmt.Errorf("failed to apply to memtable: %w", err)
	}

	s.metrics.IncCounter(metrics.Writes, map[string]string{"kind": kind.String()}, 1)
	return nil
}

func (s *Store) writable() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.backgroundError(); err != nil {
		return fmt.Errorf("store is read-only after a failed flush: %w", err)
	}
	return nil
}

// Get returns a copy of the latest value of key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	mem, imms, v, err := s.readState()
	if err != nil {
		return nil, err
	}
	defer v.Release()

	s.metrics.IncCounter(metrics.Reads, nil, 1)

	rec, ok := mem.Get(key)
	for i := len(imms) - 1; !ok && i >= 0; i-- {
		rec, ok = imms[i].imm.Get(key)
	}
	if !ok {
		if rec, ok, err = v.Get(key); err != nil {
			return nil, fmt.Errorf("failed to read levels: %w", err)
		}
	}

	if !ok || rec.IsTombstone() {
		s.metrics.IncCounter(metrics.ReadMisses, nil, 1)
		return nil, dberrors.ErrNotFound
	}
	return bytes.Clone(rec.Value), nil
}

// Scan returns an ascending iterator over the live keys in [start, end).
// Nil bounds are open. The iterator pins the tables it reads until Close.
func (s *Store) Scan(start, end []byte) (*Iterator, error) {
	mem, imms, v, err := s.readState()
	if err != nil {
		return nil, err
	}
	return newIterator(mem, imms, v, start, end), nil
}

// Compact runs compaction until no level exceeds its bound.
func (s *Store) Compact(ctx context.Context) error {
	return s.manualCompaction(ctx, s.compactor.Compact)
}

// CompactAll pushes every table down to the deepest non-empty level,
// reclaiming tombstones and shadowed versions.
func (s *Store) CompactAll(ctx context.Context) error {
	return s.manualCompaction(ctx, s.compactor.CompactAll)
}

// LevelStats describes one level.
type LevelStats struct {
	Level    int
	Tables   int
	Bytes    int64
	MaxBytes int64
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	DBID            string
	LastSeq         types.SeqN
	MemtableBytes   int64
	MemtableKeys    int
	ImmutableTables int
	Levels          []LevelStats
	CompactionState string
	Compaction      persistence.CompactionStats
	WAL             wal.Stats
	Cache           persistence.CacheStats
}

func (s *Store) Stats() (Stats, error) {
	mem, imms, v, err := s.readState()
	if err != nil {
		return Stats{}, err
	}
	defer v.Release()

	st := Stats{
		DBID:            s.manifest.DBID(),
		LastSeq:         s.wal.LastSeq(),
		MemtableBytes:   mem.Size(),
		MemtableKeys:    mem.Len(),
		ImmutableTables: len(imms),
		CompactionState: s.compactor.State().String(),
		Compaction:      s.compactor.Stats(),
		WAL:             s.wal.Stats(),
		Cache:           s.cache.Stats(),
	}
	s.metrics.SetGauge(metrics.WALSyncs, nil, float64(st.WAL.Syncs))
	for level := 0; level < v.NumLevels(); level++ {
		st.Levels = append(st.Levels, LevelStats{
			Level:    level,
			Tables:   v.NumTables(level),
			Bytes:    v.LevelSize(level),
			MaxBytes: s.lm.MaxBytes(level),
		})
	}
	return st, nil
}

// Close flushes the active memtable, stops the background workers and
// releases all files. Calls after the first return nil.
func (s *Store) Close() error {
	s.epoch.Lock()
	if s.closed.Swap(true) {
		s.epoch.Unlock()
		return nil
	}
	var flushErr error
	if s.mem.Len() > 0 && s.backgroundError() == nil {
		_, flushErr = s.rotateLocked()
	}
	s.epoch.Unlock()

	// The flusher exits once the queue is drained.
	close(s.flushCh)
	s.flusher.Wait()
	s.flusher.Stop()

	s.cancel()
	if err := s.bg.Wait(); err != nil {
		s.log.Warn("compaction scheduler stopped with error", "error", err)
	}
	s.manual.Lock()
	defer s.manual.Unlock()

	err := errors.Join(flushErr, s.backgroundError(), s.closeFiles())
	s.log.Info("store closed", "error", err)
	return err
}

// readState pins the memtables and the current version for a read.
func (s *Store) readState() (*memtable.Memtable, []*flushTask, *persistence.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed.Load() {
		return nil, nil, nil, dberrors.ErrClosed
	}
	return s.mem, s.imms, s.lm.Current(), nil
}

func (s *Store) closeFiles() error {
	err := s.wal.Close()

	s.mu.Lock()
	s.lm.Close()
	s.mu.Unlock()
	return err
}

func (s *Store) backgroundError() error {
	if p := s.bgErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Store) setBackgroundError(err error) {
	s.bgErr.CompareAndSwap(nil, &err)
}

func (s *Store) removeTable(id uint64) {
	path := filepath.Join(s.cfg.Persistence.RootPath, persistence.TableFileName(id))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove table", "path", path, "error", err)
	}
}
