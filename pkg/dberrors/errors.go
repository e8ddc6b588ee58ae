package dberrors

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrNotFound          = errors.New("lsmdb: not found")
	ErrClosed            = errors.New("lsmdb: closed")
	ErrInvalidArgument   = errors.New("lsmdb: invalid argument")
	ErrCompactionRunning = errors.New("lsmdb: compaction running")
	ErrCorruption        = errors.New("lsmdb: corruption")
	ErrCapacity          = errors.New("lsmdb: out of capacity")
	ErrIO                = errors.New("lsmdb: io error")
)

// CorruptionError describes a checksum or format violation found in a file.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("lsmdb: corruption in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption
}

// Corruption builds a *CorruptionError.
func Corruption(path string, offset int64, format string, args ...any) error {
	return &CorruptionError{Path: path, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// IO wraps a disk failure. Out-of-space conditions are classified as ErrCapacity,
// everything else as ErrIO. Already classified errors are returned as is.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) || errors.Is(err, ErrCapacity) || errors.Is(err, ErrCorruption) {
		return err
	}
	if IsNoSpace(err) {
		return fmt.Errorf("%w: %s: %w", ErrCapacity, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// IsNoSpace reports whether err is a disk-full or quota error.
func IsNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}
