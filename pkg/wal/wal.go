package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

const writeBufferSize = 64 << 10

var errLogEnd = errors.New("wal: end of valid log")

// Options configure a WAL.
type Options struct {
	Dir           string
	Durability    config.Durability
	SyncInterval  time.Duration
	SyncBatchSize int
	Logger        *slog.Logger
}

// OptionsFromConfig builds WAL options for dir from the engine config.
func OptionsFromConfig(dir string, cfg config.WALConfig) Options {
	return Options{
		Dir:           dir,
		Durability:    cfg.Durability,
		SyncInterval:  cfg.SyncEvery(),
		SyncBatchSize: cfg.SyncBatchSize,
	}
}

// Stats is a point-in-time view of WAL activity.
type Stats struct {
	Appends       uint64
	Bytes         uint64
	Syncs         uint64
	LastSyncedSeq types.SeqN
	ActiveSegment uint64
}

// ReplayResult summarizes a replay.
type ReplayResult struct {
	Entries   int
	LastSeq   types.SeqN
	Truncated bool
	// TruncatedSegment and TruncatedOffset locate the first invalid entry.
	TruncatedSegment uint64
	TruncatedOffset  int64
}

// WAL implements a segmented write-ahead log.
// Sequence numbers are assigned under the write lock, so the on-disk order
// always matches sequence order.
type WAL struct {
	opts Options
	log  *slog.Logger
	seq  *clock.AtomicClock

	mu       sync.Mutex
	segID    uint64
	file     *os.File
	writer   *bufio.Writer
	buf      []byte
	pending  int
	unsynced types.SeqN
	syncErr  error
	// failed is sticky: after a failed write or fsync the log refuses appends.
	failed error
	closed bool

	appends       atomic.Uint64
	bytes         atomic.Uint64
	syncs         atomic.Uint64
	lastSyncedSeq atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open opens the log directory and starts a fresh segment after the
// highest existing one. Older segments are left for Replay.
func Open(opts Options) (*WAL, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if !opts.Durability.Valid() {
		return nil, fmt.Errorf("%w: unknown durability %q", dberrors.ErrInvalidArgument, opts.Durability)
	}
	if opts.Durability == config.SyncInterval && opts.SyncInterval <= 0 {
		return nil, fmt.Errorf("%w: sync interval must be positive", dberrors.ErrInvalidArgument)
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, dberrors.IO("create wal directory", err)
	}

	ids, err := listSegments(opts.Dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		opts: opts,
		log:  opts.Logger.With("component", "wal"),
		seq:  clock.NewAtomic(0),
		stop: make(chan struct{}),
	}

	next := uint64(1)
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}
	if err := w.openSegment(next); err != nil {
		return nil, err
	}

	if opts.Durability == config.SyncInterval {
		w.wg.Add(1)
		go w.syncLoop()
	}

	return w, nil
}

// SetLastSeq advances the sequence counter, typically after replay or
// after loading the manifest.
func (w *WAL) SetLastSeq(seq types.SeqN) {
	w.seq.Advance(seq)
}

// LastSeq returns the last assigned sequence number.
func (w *WAL) LastSeq() types.SeqN {
	return w.seq.Val()
}

// Append logs a mutation and returns its sequence number. With
// sync-every-write the entry is on stable storage when Append returns.
func (w *WAL) Append(kind types.Kind, key, value []byte) (types.SeqN, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown kind %d", dberrors.ErrInvalidArgument, kind)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, dberrors.ErrClosed
	}
	if w.failed != nil {
		return 0, w.failed
	}

	seq := w.seq.Val() + 1
	var err error
	w.buf, err = encodeEntry(w.buf[:0], Entry{SeqNum: seq, Kind: kind, Key: key, Value: value})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	if _, err := w.writer.Write(w.buf); err != nil {
		w.failed = dberrors.IO("write wal entry", err)
		return 0, w.failed
	}
	w.seq.Set(seq)
	w.pending++
	w.unsynced = seq
	w.appends.Add(1)
	w.bytes.Add(uint64(len(w.buf)))

	switch w.opts.Durability {
	case config.SyncEveryWrite:
		if err := w.syncLocked(); err != nil {
			return 0, err
		}
	case config.SyncInterval:
		if w.opts.SyncBatchSize > 0 && w.pending >= w.opts.SyncBatchSize {
			if err := w.syncLocked(); err != nil {
				return 0, err
			}
		}
	case config.SyncNever:
		if err := w.writer.Flush(); err != nil {
			w.failed = dberrors.IO("flush wal", err)
			return 0, w.failed
		}
	}

	return seq, nil
}

// Sync flushes buffered entries and fsyncs the active segment. It also
// reports a failure left behind by the background syncer.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return dberrors.ErrClosed
	}
	if err := w.syncLocked(); err != nil {
		return err
	}

	err := w.syncErr
	w.syncErr = nil
	return err
}

func (w *WAL) syncLocked() error {
	if w.failed != nil {
		return w.failed
	}
	if err := w.writer.Flush(); err != nil {
		w.failed = dberrors.IO("flush wal", err)
		return w.failed
	}
	if err := w.file.Sync(); err != nil {
		w.failed = dberrors.IO("fsync wal", err)
		return w.failed
	}

	w.pending = 0
	w.syncs.Add(1)
	w.lastSyncedSeq.Store(w.unsynced)
	return nil
}

func (w *WAL) syncLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && w.failed == nil && w.pending > 0 {
				if err := w.syncLocked(); err != nil {
					w.syncErr = err
					w.log.Error("background wal sync failed", "segment", w.segID, "error", err)
				}
			}
			w.mu.Unlock()
		case <-w.stop:
			return
		}
	}
}

// Rotate seals the active segment and starts the next one. It returns the id
// of the new segment: every entry appended before Rotate lives in a lower one.
func (w *WAL) Rotate() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, dberrors.ErrClosed
	}
	if err := w.syncLocked(); err != nil {
		return 0, err
	}
	if err := w.file.Close(); err != nil {
		return 0, dberrors.IO("close wal segment", err)
	}
	if err := w.openSegment(w.segID + 1); err != nil {
		return 0, err
	}

	w.log.Debug("wal segment rotated", "segment", w.segID)
	return w.segID, nil
}

// ActiveSegment returns the id of the segment receiving appends.
func (w *WAL) ActiveSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segID
}

func (w *WAL) openSegment(id uint64) error {
	path := filepath.Join(w.opts.Dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return dberrors.IO("open wal segment", err)
	}
	if err := syncDir(w.opts.Dir); err != nil {
		_ = f.Close()
		return err
	}

	w.segID = id
	w.file = f
	if w.writer == nil {
		w.writer = bufio.NewWriterSize(f, writeBufferSize)
	} else {
		w.writer.Reset(f)
	}
	return nil
}

// Segments lists the ids of all segments on disk in ascending order.
func (w *WAL) Segments() ([]uint64, error) {
	return listSegments(w.opts.Dir)
}

// RemoveBefore deletes sealed segments with an id lower than id.
func (w *WAL) RemoveBefore(id uint64) error {
	w.mu.Lock()
	active := w.segID
	w.mu.Unlock()

	ids, err := listSegments(w.opts.Dir)
	if err != nil {
		return err
	}

	var errs []error
	for _, seg := range ids {
		if seg >= id || seg >= active {
			break
		}
		if err := os.Remove(filepath.Join(w.opts.Dir, segmentName(seg))); err != nil && !os.IsNotExist(err) {
			errs = append(errs, dberrors.IO("remove wal segment", err))
			continue
		}
		w.log.Debug("wal segment removed", "segment", seg)
	}
	return errors.Join(errs...)
}

// Replay feeds every valid entry of the sealed segments with id >= from to fn,
// in log order. The first entry that fails its checksum or is cut short marks
// the end of the log: its segment is truncated there and all later sealed
// segments are removed.
func (w *WAL) Replay(from uint64, fn func(Entry) error) (ReplayResult, error) {
	var res ReplayResult

	ids, err := listSegments(w.opts.Dir)
	if err != nil {
		return res, err
	}
	active := w.ActiveSegment()

	for i, id := range ids {
		if id < from || id >= active {
			continue
		}

		path := filepath.Join(w.opts.Dir, segmentName(id))
		valid, err := replaySegment(path, func(e Entry) error {
			res.Entries++
			if e.SeqNum > res.LastSeq {
				res.LastSeq = e.SeqNum
			}
			return fn(e)
		})
		if err == nil {
			continue
		}
		if !errors.Is(err, errLogEnd) {
			return res, err
		}

		w.log.Warn("wal truncated at first invalid entry",
			"segment", id, "offset", valid, "reason", err)
		res.Truncated = true
		res.TruncatedSegment = id
		res.TruncatedOffset = valid

		if err := os.Truncate(path, valid); err != nil {
			return res, dberrors.IO("truncate wal segment", err)
		}
		for _, later := range ids[i+1:] {
			if later >= active {
				break
			}
			if err := os.Remove(filepath.Join(w.opts.Dir, segmentName(later))); err != nil && !os.IsNotExist(err) {
				return res, dberrors.IO("remove wal segment", err)
			}
		}
		break
	}

	w.seq.Advance(res.LastSeq)
	return res, nil
}

// replaySegment returns the offset just past the last valid entry. A segment
// ending in a damaged or partial entry yields an error wrapping errLogEnd.
func replaySegment(path string, fn func(Entry) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, dberrors.IO("open wal segment", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close wal segment", "path", path, "error", err)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return 0, dberrors.IO("stat wal segment", err)
	}

	var (
		size   = info.Size()
		offset int64
		r      = bufio.NewReaderSize(f, writeBufferSize)
	)
	for {
		e, n, err := readEntry(r, size-offset)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return offset, nil
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, errCorruptEntry):
			return offset, fmt.Errorf("%w: %w", errLogEnd, err)
		default:
			return offset, dberrors.IO("read wal segment", err)
		}

		if err := fn(e); err != nil {
			return offset, fmt.Errorf("wal replay callback failed: %w", err)
		}
		offset += n
	}
}

// Stats returns counters accumulated since Open.
func (w *WAL) Stats() Stats {
	return Stats{
		Appends:       w.appends.Load(),
		Bytes:         w.bytes.Load(),
		Syncs:         w.syncs.Load(),
		LastSyncedSeq: w.lastSyncedSeq.Load(),
		ActiveSegment: w.ActiveSegment(),
	}
}

// Close syncs and closes the active segment. It is safe to call twice.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	syncErr := w.syncLocked()
	closeErr := w.file.Close()
	if closeErr != nil {
		closeErr = dberrors.IO("close wal segment", closeErr)
	}
	return errors.Join(syncErr, closeErr)
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, dberrors.IO("list wal segments", err)
	}

	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.IO("open directory", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return dberrors.IO("fsync directory", err)
	}
	return nil
}
