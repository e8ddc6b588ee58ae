package persistence

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"lsmkv/pkg/checksum"
	"lsmkv/pkg/compression"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

var (
	ErrOutOfOrder = errors.New("sstable: keys must be added in strictly increasing order")
	ErrEmptyTable = errors.New("sstable: no records added")
)

// WriterOptions control the layout of a new table.
type WriterOptions struct {
	BlockSize    int
	Compression  compression.Type
	BloomFPRate  float64
	ExpectedKeys uint
	Level        int
	// Limiter throttles bytes written; nil disables throttling.
	Limiter *rate.Limiter
}

// Writer builds an SSTable file from records added in key order.
type Writer struct {
	path   string
	fileID uint64
	opts   WriterOptions

	file   *os.File
	buf    *bufio.Writer
	offset uint64

	block      []byte
	blockFirst []byte
	index      []indexEntry
	bloom      *BloomFilter
	props      tableProps
	lastKey    []byte
	done       bool
}

// NewWriter creates the table file. It fails if the file already exists.
func NewWriter(path string, fileID uint64, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4 << 10
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = 0.01
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, dberrors.IO("create sstable", err)
	}

	return &Writer{
		path:   path,
		fileID: fileID,
		opts:   opts,
		file:   f,
		buf:    bufio.NewWriterSize(f, 64<<10),
		block:  make([]byte, 0, opts.BlockSize+opts.BlockSize/4),
		bloom:  NewBloomFilter(opts.ExpectedKeys, opts.BloomFPRate),
		props:  tableProps{Level: opts.Level},
	}, nil
}

// Add appends a record. Keys must be strictly increasing.
func (w *Writer) Add(r types.Record) error {
	if w.done {
		return errors.New("sstable: writer already finished")
	}
	if w.props.Count > 0 && bytes.Compare(r.Key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, r.Key, w.lastKey)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown record kind %d", dberrors.ErrInvalidArgument, r.Kind)
	}

	if len(w.block) == 0 {
		w.blockFirst = bytes.Clone(r.Key)
	}
	w.block = appendRecord(w.block, r)
	w.bloom.Add(r.Key)

	if w.props.Count == 0 {
		w.props.MinKey = bytes.Clone(r.Key)
		w.props.SmallestSeq = r.SeqN
	}
	w.props.SmallestSeq = min(w.props.SmallestSeq, r.SeqN)
	w.props.LargestSeq = max(w.props.LargestSeq, r.SeqN)
	w.props.Count++
	w.lastKey = append(w.lastKey[:0], r.Key...)

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// EstimatedSize is the file size if the table were finished now.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(len(w.block))
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}

	sealed, err := sealBlock(w.block, w.opts.Compression)
	if err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	handle, err := w.write(sealed)
	if err != nil {
		return err
	}

	w.index = append(w.index, indexEntry{FirstKey: w.blockFirst, Handle: handle})
	w.block = w.block[:0]
	w.blockFirst = nil
	return nil
}

func (w *Writer) write(p []byte) (blockHandle, error) {
	w.throttle(len(p))

	h := blockHandle{Offset: w.offset, Length: uint32(len(p))}
	if _, err := w.buf.Write(p); err != nil {
		return h, dberrors.IO("write sstable", err)
	}
	w.offset += uint64(len(p))
	return h, nil
}

func (w *Writer) throttle(n int) {
	if w.opts.Limiter == nil {
		return
	}
	burst := w.opts.Limiter.Burst()
	if burst <= 0 {
		return
	}
	for n > 0 {
		chunk := min(n, burst)
		if err := w.opts.Limiter.WaitN(context.Background(), chunk); err != nil {
			return
		}
		n -= chunk
	}
}

// Finish writes the filter, meta, index and footer, fsyncs the file and
// returns its metadata.
func (w *Writer) Finish() (TableMeta, error) {
	if w.done {
		return TableMeta{}, errors.New("sstable: writer already finished")
	}
	if w.props.Count == 0 {
		_ = w.Abort()
		return TableMeta{}, ErrEmptyTable
	}
	w.props.MaxKey = bytes.Clone(w.lastKey)
	w.props.CreatedAt = time.Now()

	meta, err := w.finish()
	if err != nil {
		if aerr := w.Abort(); aerr != nil {
			slog.Warn("failed to abort sstable", "path", w.path, "error", aerr)
		}
		return TableMeta{}, err
	}
	w.done = true
	return meta, nil
}

func (w *Writer) finish() (TableMeta, error) {
	if err := w.flushBlock(); err != nil {
		return TableMeta{}, err
	}

	filter, err := w.bloom.MarshalBinary()
	if err != nil {
		return TableMeta{}, fmt.Errorf("failed to encode bloom filter: %w", err)
	}
	meta := w.props.encode()
	index := encodeIndex(w.index)

	var f footer
	f.Version = formatVersion
	f.FilterCRC = checksum.Compute(filter)
	f.MetaCRC = checksum.Compute(meta)
	f.IndexCRC = checksum.Compute(index)
	if f.Filter, err = w.write(filter); err != nil {
		return TableMeta{}, err
	}
	if f.Meta, err = w.write(meta); err != nil {
		return TableMeta{}, err
	}
	if f.Index, err = w.write(index); err != nil {
		return TableMeta{}, err
	}
	if _, err = w.write(f.encode()); err != nil {
		return TableMeta{}, err
	}

	if err := w.buf.Flush(); err != nil {
		return TableMeta{}, dberrors.IO("flush sstable", err)
	}
	if err := w.file.Sync(); err != nil {
		return TableMeta{}, dberrors.IO("fsync sstable", err)
	}
	if err := w.file.Close(); err != nil {
		return TableMeta{}, dberrors.IO("close sstable", err)
	}
	w.file = nil
	if err := syncDir(filepath.Dir(w.path)); err != nil {
		return TableMeta{}, err
	}

	return TableMeta{
		FileID:      w.fileID,
		Level:       w.props.Level,
		Size:        int64(w.offset),
		MinKey:      w.props.MinKey,
		MaxKey:      w.props.MaxKey,
		Count:       w.props.Count,
		SmallestSeq: w.props.SmallestSeq,
		LargestSeq:  w.props.LargestSeq,
		CreatedAt:   w.props.CreatedAt,
	}, nil
}

// Abort closes and removes the partial file.
func (w *Writer) Abort() error {
	w.done = true

	var errs []error
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			errs = append(errs, dberrors.IO("close sstable", err))
		}
		w.file = nil
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, dberrors.IO("remove sstable", err))
	}
	return errors.Join(errs...)
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

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return dberrors.IO("remove file", err)
	}
	return nil
}
