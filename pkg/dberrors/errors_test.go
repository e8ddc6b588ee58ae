package dberrors

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorruptionErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("read block: %w", Corruption("000001.sst", 128, "crc mismatch"))

	require.ErrorIs(t, err, ErrCorruption)

	var cerr *CorruptionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, int64(128), cerr.Offset)
	assert.Contains(t, err.Error(), "000001.sst")
}

func TestIOClassification(t *testing.T) {
	t.Run("NoSpace", func(t *testing.T) {
		err := IO("write table", &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC})
		assert.ErrorIs(t, err, ErrCapacity)
		assert.NotErrorIs(t, err, ErrIO)
	})

	t.Run("Generic", func(t *testing.T) {
		err := IO("open", fs.ErrPermission)
		assert.ErrorIs(t, err, ErrIO)
		assert.ErrorIs(t, err, fs.ErrPermission)
	})

	t.Run("AlreadyClassified", func(t *testing.T) {
		orig := Corruption("f", 0, "bad")
		assert.Same(t, orig, IO("read", orig))
	})

	t.Run("Nil", func(t *testing.T) {
		assert.NoError(t, IO("noop", nil))
	})
}
