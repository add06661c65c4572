package pubz

import (
	"context"
	"sync"
)

// GetOne subscribes to src and blocks until its terminal signal. The comma-ok
// result distinguishes an empty completion from a value; a terminal Error is
// returned as the error. Cancelling ctx abandons the wait, cancels the
// subscription, and reports the context error.
func GetOne[T any](ctx context.Context, src One[T]) (T, bool, error) {
	var zero T
	if src == nil {
		panic("pubz.GetOne: source cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w := &blockingOne[T]{done: make(chan struct{})}
	src.Subscribe(ctx, w)

	select {
	case <-w.done:
	case <-ctx.Done():
		w.cancel()
		return zero, false, newError(src.Name(), zero, ctx.Err())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return zero, false, w.err
	}
	return w.value, w.has, nil
}

type blockingOne[T any] struct {
	mu    sync.Mutex
	sub   Subscription
	value T
	has   bool
	err   error
	done  chan struct{}
	once  sync.Once
}

func (w *blockingOne[T]) cancel() {
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (w *blockingOne[T]) OnSubscribe(sub Subscription) {
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	sub.Request(Unbounded)
}

func (w *blockingOne[T]) OnNext(v T) {
	w.mu.Lock()
	w.value = v
	w.has = true
	w.mu.Unlock()
}

func (w *blockingOne[T]) OnComplete() {
	w.once.Do(func() { close(w.done) })
}

func (w *blockingOne[T]) OnError(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.once.Do(func() { close(w.done) })
}

// Slice subscribes to src and blocks until completion, returning every
// emitted element in order. A terminal Error discards the partial result.
func Slice[T any](ctx context.Context, src Many[T]) ([]T, error) {
	if src == nil {
		panic("pubz.Slice: source cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w := &blockingSlice[T]{done: make(chan struct{})}
	src.Subscribe(ctx, w)

	select {
	case <-w.done:
	case <-ctx.Done():
		w.cancel()
		var zero T
		return nil, newError(src.Name(), zero, ctx.Err())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	return w.items, nil
}

type blockingSlice[T any] struct {
	mu    sync.Mutex
	sub   Subscription
	items []T
	err   error
	done  chan struct{}
	once  sync.Once
}

func (w *blockingSlice[T]) cancel() {
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (w *blockingSlice[T]) OnSubscribe(sub Subscription) {
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	sub.Request(Unbounded)
}

func (w *blockingSlice[T]) OnNext(v T) {
	w.mu.Lock()
	w.items = append(w.items, v)
	w.mu.Unlock()
}

func (w *blockingSlice[T]) OnComplete() {
	w.once.Do(func() { close(w.done) })
}

func (w *blockingSlice[T]) OnError(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.once.Do(func() { close(w.done) })
}

// ForEach subscribes to src and blocks while feeding each element to fn,
// one at a time: the next element is requested only after fn returns. A fn
// error cancels the subscription and is returned; a fn panic propagates. A
// terminal Error from the flow is returned as-is.
func ForEach[T any](ctx context.Context, src Many[T], fn func(T) error) error {
	if src == nil {
		panic("pubz.ForEach: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.ForEach: fn cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w := &forEachSubscriber[T]{fn: fn, done: make(chan struct{})}
	src.Subscribe(ctx, w)

	select {
	case <-w.done:
	case <-ctx.Done():
		w.cancel()
		var zero T
		return newError(src.Name(), zero, ctx.Err())
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

type forEachSubscriber[T any] struct {
	fn   func(T) error
	mu   sync.Mutex
	sub  Subscription
	err  error
	done chan struct{}
	once sync.Once
}

func (w *forEachSubscriber[T]) cancel() {
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

func (w *forEachSubscriber[T]) OnSubscribe(sub Subscription) {
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	sub.Request(1)
}

func (w *forEachSubscriber[T]) OnNext(v T) {
	if err := w.fn(v); err != nil {
		w.mu.Lock()
		w.err = err
		sub := w.sub
		w.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
		w.once.Do(func() { close(w.done) })
		return
	}
	w.mu.Lock()
	sub := w.sub
	w.mu.Unlock()
	sub.Request(1)
}

func (w *forEachSubscriber[T]) OnComplete() {
	w.once.Do(func() { close(w.done) })
}

func (w *forEachSubscriber[T]) OnError(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.once.Do(func() { close(w.done) })
}
