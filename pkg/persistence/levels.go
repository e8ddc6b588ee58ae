package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipset"
	"golang.org/x/sync/errgroup"

	"lsmkv/pkg/compression"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const openTablesConcurrency = 8

// Options configure the level structure and the tables written into it.
type Options struct {
	Dir                 string
	MaxLevels           int
	LevelBaseSize       int64
	LevelFanout         int
	L0CompactionTrigger int
	TargetSize          int64
	BlockSize           int
	Compression         compression.Type
	BloomFPRate         float64
	Logger              *slog.Logger
}

// OptionsFromConfig derives level options from the engine config.
func OptionsFromConfig(cfg config.DB) (Options, error) {
	codec, err := compression.Parse(cfg.Persistence.SSTable.Compression)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Dir:                 cfg.Persistence.RootPath,
		MaxLevels:           cfg.Compaction.MaxLevels,
		LevelBaseSize:       cfg.Compaction.LevelBaseSize,
		LevelFanout:         cfg.Compaction.LevelFanout,
		L0CompactionTrigger: cfg.Compaction.L0CompactionTrigger,
		TargetSize:          cfg.Persistence.SSTable.TargetSizeBytes,
		BlockSize:           cfg.Persistence.SSTable.BlockSizeBytes,
		Compression:         codec,
		BloomFPRate:         cfg.Persistence.BloomFilter.FPRate,
	}, nil
}

// LevelManager manages the LSM-tree levels. It owns the current version and
// installs every change through the manifest first.
type LevelManager struct {
	opts     Options
	log      *slog.Logger
	manifest *Manifest
	cache    BlockCache
	// live holds the file ids referenced by the manifest.
	live *skipset.OrderedSet[uint64]

	installMu sync.Mutex
	mu        sync.RWMutex
	current   *Version
}

// OpenLevelManager opens every table listed in the manifest and removes table
// files the manifest does not know about. A listed table that is missing or
// damaged fails the open.
func OpenLevelManager(opts Options, manifest *Manifest, cache BlockCache) (*LevelManager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxLevels < 2 {
		return nil, fmt.Errorf("%w: at least two levels are required", dberrors.ErrInvalidArgument)
	}

	lm := &LevelManager{
		opts:     opts,
		log:      opts.Logger.With("component", "levels"),
		manifest: manifest,
		cache:    cache,
		live:     skipset.New[uint64](),
	}

	catalog := manifest.Load()
	if len(catalog.Levels) > opts.MaxLevels {
		return nil, fmt.Errorf("%w: manifest has %d levels, configured %d",
			dberrors.ErrInvalidArgument, len(catalog.Levels), opts.MaxLevels)
	}

	var metas []TableMeta
	for _, level := range catalog.Levels {
		metas = append(metas, level...)
	}

	tables := make([]*SSTable, len(metas))
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(openTablesConcurrency)
	for i, meta := range metas {
		g.Go(func() error {
			t, err := OpenTable(lm.tablePath(meta.FileID), meta.FileID, cache)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return dberrors.Corruption(lm.tablePath(meta.FileID), 0, "table listed in manifest is missing")
				}
				return err
			}
			t.meta.Level = meta.Level
			tables[i] = t
			return nil
		})
	}
	err := g.Wait()

	v := newVersion(opts.MaxLevels)
	for _, t := range tables {
		if t == nil || err != nil {
			continue
		}
		err = v.add(t)
		lm.live.Add(t.ID())
	}
	if err != nil {
		for _, t := range tables {
			if t != nil {
				_ = t.Close()
			}
		}
		return nil, fmt.Errorf("failed to open tables: %w", err)
	}
	lm.current = v.seal()

	if err := lm.removeOrphans(); err != nil {
		lm.current.Release()
		return nil, err
	}

	lm.log.Info("levels opened", "tables", len(tables))
	return lm, nil
}

func (lm *LevelManager) tablePath(id uint64) string {
	return filepath.Join(lm.opts.Dir, TableFileName(id))
}

// removeOrphans deletes table files left behind by an interrupted flush or
// compaction.
func (lm *LevelManager) removeOrphans() error {
	entries, err := os.ReadDir(lm.opts.Dir)
	if err != nil {
		return dberrors.IO("list data directory", err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sst") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
		if err != nil || lm.live.Contains(id) {
			continue
		}
		if err := os.Remove(filepath.Join(lm.opts.Dir, name)); err != nil {
			return dberrors.IO("remove orphan table", err)
		}
		lm.log.Info("removed orphan table", "file", name)
	}
	return nil
}

// Current returns the current version with a reference the caller must release.
func (lm *LevelManager) Current() *Version {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	v := lm.current
	v.Ref()
	return v
}

// Get searches the current version for key.
func (lm *LevelManager) Get(key []byte) (types.Record, bool, error) {
	v := lm.Current()
	defer v.Release()
	return v.Get(key)
}

// LevelSize returns the total size of level in the current version.
func (lm *LevelManager) LevelSize(level int) int64 {
	v := lm.Current()
	defer v.Release()
	return v.LevelSize(level)
}

// MaxBytes is the size bound of level: base_size * fanout^level.
func (lm *LevelManager) MaxBytes(level int) int64 {
	size := float64(lm.opts.LevelBaseSize) * math.Pow(float64(lm.opts.LevelFanout), float64(level))
	if size >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(size)
}

// IsLive reports whether the manifest references file id.
func (lm *LevelManager) IsLive(id uint64) bool { return lm.live.Contains(id) }

// NewTableWriter allocates a file id and creates a writer for level.
func (lm *LevelManager) NewTableWriter(level int, expectedKeys uint, opts ...func(*WriterOptions)) (*Writer, error) {
	id := lm.manifest.NewFileID()
	wopts := WriterOptions{
		BlockSize:    lm.opts.BlockSize,
		Compression:  lm.opts.Compression,
		BloomFPRate:  lm.opts.BloomFPRate,
		ExpectedKeys: expectedKeys,
		Level:        level,
	}
	for _, opt := range opts {
		opt(&wopts)
	}
	return NewWriter(lm.tablePath(id), id, wopts)
}

// AddFlushed installs a table written from a memtable into L0. lastSeq and
// logNumber advance the manifest counters in the same edit.
func (lm *LevelManager) AddFlushed(meta TableMeta, lastSeq types.SeqN, logNumber uint64) error {
	meta.Level = 0
	return lm.Install(VersionEdit{
		Added:     []TableMeta{meta},
		LastSeq:   lastSeq,
		LogNumber: logNumber,
	})
}

// Install opens the added tables, persists edit and swaps in the new version.
// On failure nothing changes and the added files are left for the caller.
func (lm *LevelManager) Install(edit VersionEdit) error {
	lm.installMu.Lock()
	defer lm.installMu.Unlock()

	added := make([]*SSTable, 0, len(edit.Added))
	closeAdded := func() {
		for _, t := range added {
			_ = t.Close()
		}
	}
	for _, meta := range edit.Added {
		t, err := OpenTable(lm.tablePath(meta.FileID), meta.FileID, lm.cache)
		if err != nil {
			closeAdded()
			return fmt.Errorf("failed to open new table: %w", err)
		}
		t.meta.Level = meta.Level
		added = append(added, t)
	}

	lm.mu.RLock()
	base := lm.current
	lm.mu.RUnlock()

	next := base.clone()
	var removed []*SSTable
	for _, id := range edit.Removed {
		t := base.tableByID(id)
		if t == nil {
			closeAdded()
			return fmt.Errorf("%w: table %d is not live", dberrors.ErrInvalidArgument, id)
		}
		if err := next.remove(t); err != nil {
			closeAdded()
			return err
		}
		removed = append(removed, t)
	}
	for _, t := range added {
		if err := next.add(t); err != nil {
			closeAdded()
			return err
		}
	}

	if err := lm.manifest.Apply(edit); err != nil {
		closeAdded()
		return fmt.Errorf("failed to apply manifest edit: %w", err)
	}

	for _, t := range added {
		lm.live.Add(t.ID())
	}
	for _, t := range removed {
		lm.live.Remove(t.ID())
		t.obsolete.Store(true)
	}

	next.seal()
	lm.mu.Lock()
	lm.current = next
	lm.mu.Unlock()
	base.Release()

	return nil
}

// Close releases the current version; tables close once no reader holds them.
func (lm *LevelManager) Close() {
	lm.installMu.Lock()
	defer lm.installMu.Unlock()

	lm.mu.Lock()
	v := lm.current
	lm.mu.Unlock()
	v.Release()
}
