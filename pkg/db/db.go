// Package db is the embedding API of the key-value store.
package db

import (
	"context"

	"lsmkv/pkg/config"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/store"
	"lsmkv/pkg/types"
)

// DB is the public key-value API.
type DB interface {
	// Get returns the latest value of key or dberrors.ErrNotFound.
	Get(ctx context.Context, key types.Key) (types.Value, error)
	Put(ctx context.Context, key types.Key, value types.Value) error
	Delete(ctx context.Context, key types.Key) error

	// Scan iterates live keys in [start, end) in ascending order. Nil bounds
	// are open. The iterator must be closed.
	Scan(ctx context.Context, start, end types.Key) (iterator.Iterator, error)

	// Maintenance
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error
	CompactAll(ctx context.Context) error
	Stats(ctx context.Context) (store.Stats, error)
	Close() error
}

// Open opens the store in directory with the default configuration.
func Open(directory string, opts ...store.Option) (DB, error) {
	cfg := config.Default()
	cfg.Persistence.RootPath = directory
	return OpenWithConfig(cfg, opts...)
}

// OpenWithConfig opens the store described by cfg.
func OpenWithConfig(cfg config.Config, opts ...store.Option) (DB, error) {
	s, err := store.Open(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &engine{s: s}, nil
}

type engine struct {
	s *store.Store
}

func (e *engine) Get(ctx context.Context, key types.Key) (types.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.s.Get(key)
}

func (e *engine) Put(ctx context.Context, key types.Key, value types.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.s.Put(key, value)
}

func (e *engine) Delete(ctx context.Context, key types.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.s.Delete(key)
}

func (e *engine) Scan(ctx context.Context, start, end types.Key) (iterator.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it, err := e.s.Scan(start, end)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (e *engine) Flush(ctx context.Context) error { return e.s.Flush(ctx) }

func (e *engine) Compact(ctx context.Context) error { return e.s.Compact(ctx) }

func (e *engine) CompactAll(ctx context.Context) error { return e.s.CompactAll(ctx) }

func (e *engine) Stats(ctx context.Context) (store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return store.Stats{}, err
	}
	return e.s.Stats()
}

func (e *engine) Close() error { return e.s.Close() }
