package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"lsmkv/pkg/types"
)

// ErrStopSearch stops a search early without reporting an error.
var ErrStopSearch = errors.New("stop search")

// SearchOptions bound a range search.
type SearchOptions struct {
	// Limit caps the number of results; 0 means no limit.
	Limit int
	// KeysOnly leaves SearchResult.Value nil.
	KeysOnly bool
}

// SearchResult is one key found by a search. Key and Value are only valid
// during the callback.
type SearchResult struct {
	Key   types.Key
	Value types.Value
}

type SearchCallback func(SearchResult) error

// SearchRange calls callback for every live key in [start, end) in ascending
// order. The context is checked between results.
func SearchRange(ctx context.Context, db DB, start, end types.Key, opts SearchOptions, callback SearchCallback) error {
	it, err := db.Scan(ctx, start, end)
	if err != nil {
		return err
	}
	defer it.Close()

	count := 0
	for ; it.Valid() && (opts.Limit == 0 || count < opts.Limit); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		result := SearchResult{Key: it.Key()}
		if !opts.KeysOnly {
			result.Value = it.Value()
		}
		if err := callback(result); err != nil {
			if errors.Is(err, ErrStopSearch) {
				return nil
			}
			return fmt.Errorf("search callback failed: %w", err)
		}
		count++
	}

	if e, ok := it.(interface{ Err() error }); ok {
		return e.Err()
	}
	return nil
}

// SearchPrefix calls callback for every live key starting with prefix.
func SearchPrefix(ctx context.Context, db DB, prefix types.Key, opts SearchOptions, callback SearchCallback) error {
	return SearchRange(ctx, db, prefix, prefixEnd(prefix), opts, callback)
}

// prefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func prefixEnd(prefix types.Key) types.Key {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
