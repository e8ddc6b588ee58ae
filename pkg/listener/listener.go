package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on a single goroutine and hands every input to handler.
// A handler error is passed to the error callback and the listener keeps going.
type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	onError     func(input T, err error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option[T any] func(*Listener[T])

// WithErrorHandler sets the callback receiving handler errors.
func WithErrorHandler[T any](fn func(input T, err error)) Option[T] {
	return func(l *Listener[T]) {
		l.onError = fn
	}
}

// WithStopHandler sets a callback run once the worker goroutine has exited.
func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) {
		l.stopHandler = fn
	}
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		onError:     func(T, error) {},
		stopHandler: func() {},
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			if err := l.run(ctx); errors.Is(err, errListenerStopped) {
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(ctx, inp); err != nil {
			l.onError(inp, fmt.Errorf("failed to handle input: %w", err))
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Wait blocks until the worker exits. Closing the input channel makes the
// worker exit once the queued inputs are handled.
func (l *Listener[T]) Wait() {
	l.wg.Wait()
}

// Stop cancels the worker, waits for the in-flight input and runs the stop handler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
