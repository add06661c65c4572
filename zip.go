package pubz

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pair is the element type produced by Zip.
type Pair[A, B any] struct {
	First  A
	Second B
}

// Triple is the element type produced by Zip3.
type Triple[A, B, C any] struct {
	First  A
	Second B
	Third  C
}

// Zip creates a Many pairing the i-th element of a with the i-th element of
// b. Alignment is strictly positional: one element is requested from every
// source per emitted pair, and the flow completes as soon as either source
// completes without supplying its next positional value, discarding any
// half-built pair. An error from either source terminates the flow and
// cancels the other.
//
// Example:
//
//	labeled := pubz.Zip("labeled", ids, names)
//	// Pair{1, "a"}, Pair{2, "b"}, ...
func Zip[A, B any](name Name, a Many[A], b Many[B]) Many[Pair[A, B]] {
	return ZipWith(name, a, b, func(_ context.Context, x A, y B) (Pair[A, B], error) {
		return Pair[A, B]{First: x, Second: y}, nil
	})
}

// ZipWith creates a Many combining positional element pairs of a and b
// through combine. A combine error or panic terminates the flow with an
// Error signal and cancels both sources.
func ZipWith[A, B, R any](name Name, a Many[A], b Many[B], combine func(context.Context, A, B) (R, error)) Many[R] {
	if a == nil || b == nil {
		panic("pubz.ZipWith: sources cannot be nil")
	}
	if combine == nil {
		panic("pubz.ZipWith: combine cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[R]) {
		attach := []func(context.Context, zipSink){
			func(ctx context.Context, s zipSink) { a.Subscribe(ctx, &zipAttach[A]{sink: s, index: 0}) },
			func(ctx context.Context, s zipSink) { b.Subscribe(ctx, &zipAttach[B]{sink: s, index: 1}) },
		}
		subscribeZip(ctx, name, attach, func(ctx context.Context, slots []any) (R, error) {
			return combine(ctx, slots[0].(A), slots[1].(B))
		}, down)
	})
}

// Zip3 creates a Many zipping three sources positionally.
func Zip3[A, B, C any](name Name, a Many[A], b Many[B], c Many[C]) Many[Triple[A, B, C]] {
	if a == nil || b == nil || c == nil {
		panic("pubz.Zip3: sources cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[Triple[A, B, C]]) {
		attach := []func(context.Context, zipSink){
			func(ctx context.Context, s zipSink) { a.Subscribe(ctx, &zipAttach[A]{sink: s, index: 0}) },
			func(ctx context.Context, s zipSink) { b.Subscribe(ctx, &zipAttach[B]{sink: s, index: 1}) },
			func(ctx context.Context, s zipSink) { c.Subscribe(ctx, &zipAttach[C]{sink: s, index: 2}) },
		}
		subscribeZip(ctx, name, attach, func(_ context.Context, slots []any) (Triple[A, B, C], error) {
			return Triple[A, B, C]{First: slots[0].(A), Second: slots[1].(B), Third: slots[2].(C)}, nil
		}, down)
	})
}

// ZipSlice creates a Many zipping any number of same-typed sources into
// positional rows. Panics when called without sources.
func ZipSlice[T any](name Name, sources ...Many[T]) Many[[]T] {
	if len(sources) == 0 {
		panic("pubz.ZipSlice: at least one source is required")
	}
	for _, src := range sources {
		if src == nil {
			panic("pubz.ZipSlice: sources cannot be nil")
		}
	}
	return newMany(name, func(ctx context.Context, down Subscriber[[]T]) {
		attach := make([]func(context.Context, zipSink), len(sources))
		for i, src := range sources {
			attach[i] = func(ctx context.Context, s zipSink) {
				src.Subscribe(ctx, &zipAttach[T]{sink: s, index: i})
			}
		}
		subscribeZip(ctx, name, attach, func(_ context.Context, slots []any) ([]T, error) {
			row := make([]T, len(slots))
			for i, v := range slots {
				row[i] = v.(T)
			}
			return row, nil
		}, down)
	})
}

// zipSink receives the per-source signals of a zip, identified by row index.
type zipSink interface {
	rowSubscribed(i int, sub Subscription)
	rowNext(i int, v any)
	rowComplete(i int)
	rowError(i int, err error)
}

// zipAttach adapts one typed source to the erased coordinator.
type zipAttach[T any] struct {
	sink  zipSink
	index int
}

func (a *zipAttach[T]) OnSubscribe(sub Subscription) { a.sink.rowSubscribed(a.index, sub) }
func (a *zipAttach[T]) OnNext(v T)                   { a.sink.rowNext(a.index, v) }
func (a *zipAttach[T]) OnComplete()                  { a.sink.rowComplete(a.index) }
func (a *zipAttach[T]) OnError(err error)            { a.sink.rowError(a.index, err) }

type zipRow struct {
	sub       Subscription
	slot      any
	filled    bool
	completed bool
}

// zipCoordinator aligns N sources into positional tuples. One round at a
// time: downstream demand dispatches a single Request(1) to every source,
// the round assembles when all slots fill, and the next round waits for
// remaining demand. Arity lives entirely in the rows slice; the element
// types only reappear in the assemble closure.
type zipCoordinator[R any] struct {
	name     Name
	g        *gate[R]
	assemble func(context.Context, []any) (R, error)
	ctx      context.Context

	mu        sync.Mutex
	rows      []zipRow
	requested int64
	ready     bool
	inflight  bool
	failure   error
	done      bool

	wip atomic.Int32
}

func subscribeZip[R any](ctx context.Context, name Name, attach []func(context.Context, zipSink), assemble func(context.Context, []any) (R, error), down Subscriber[R]) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := &zipCoordinator[R]{
		name:     name,
		g:        newGate(name, down),
		assemble: assemble,
		ctx:      ctx,
		rows:     make([]zipRow, len(attach)),
	}
	down.OnSubscribe(c)

	c.mu.Lock()
	cancelled := c.done
	c.mu.Unlock()
	if cancelled {
		return
	}

	for _, run := range attach {
		run(ctx, c)
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.drain()
}

// Request implements the Subscription interface handed downstream. Demand
// counts tuples, not source elements.
func (c *zipCoordinator[R]) Request(n int64) {
	if n <= 0 {
		var zero R
		c.mu.Lock()
		if c.failure == nil {
			c.failure = newError(c.name, zero, ErrBadRequest)
		}
		c.mu.Unlock()
		c.drain()
		return
	}
	c.mu.Lock()
	c.requested = capDemand(c.requested, n)
	c.mu.Unlock()
	c.drain()
}

// Cancel implements the Subscription interface handed downstream.
func (c *zipCoordinator[R]) Cancel() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	subs := c.subsLocked()
	c.mu.Unlock()
	c.g.cancel()
	cancelAll(subs)
}

func (c *zipCoordinator[R]) rowSubscribed(i int, sub Subscription) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		sub.Cancel()
		return
	}
	c.rows[i].sub = sub
	c.mu.Unlock()
}

func (c *zipCoordinator[R]) rowNext(i int, v any) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.rows[i].slot = v
	c.rows[i].filled = true
	c.mu.Unlock()
	c.drain()
}

func (c *zipCoordinator[R]) rowComplete(i int) {
	c.mu.Lock()
	c.rows[i].completed = true
	c.mu.Unlock()
	c.drain()
}

func (c *zipCoordinator[R]) rowError(i int, err error) {
	var zero R
	c.mu.Lock()
	if c.failure == nil {
		c.failure = wrapError(c.name, zero, err)
	}
	c.mu.Unlock()
	c.drain()
}

// subsLocked snapshots the live source subscriptions. Callers hold mu.
func (c *zipCoordinator[R]) subsLocked() []Subscription {
	subs := make([]Subscription, 0, len(c.rows))
	for i := range c.rows {
		if c.rows[i].sub != nil {
			subs = append(subs, c.rows[i].sub)
		}
	}
	return subs
}

func cancelAll(subs []Subscription) {
	for _, s := range subs {
		s.Cancel()
	}
}

// drain serializes coordinator work the same way source subscriptions do:
// first caller runs the loop, concurrent callers bump wip and leave. A
// delivered terminal leaves wip raised so later calls fall through.
func (c *zipCoordinator[R]) drain() {
	if c.wip.Add(1) != 1 {
		return
	}
	for {
		if c.step() {
			return
		}
		if c.wip.Add(-1) == 0 {
			return
		}
	}
}

// step performs every currently possible action. Returns true once a
// terminal has been delivered.
func (c *zipCoordinator[R]) step() bool {
	for {
		c.mu.Lock()
		if c.done {
			c.mu.Unlock()
			return false
		}

		if c.failure != nil {
			err := c.failure
			c.done = true
			subs := c.subsLocked()
			c.mu.Unlock()
			cancelAll(subs)
			c.g.error(err)
			return true
		}

		// A source finished without its next positional value: alignment
		// is over, whatever other slots hold is discarded.
		for i := range c.rows {
			if c.rows[i].completed && !c.rows[i].filled {
				c.done = true
				subs := c.subsLocked()
				c.mu.Unlock()
				cancelAll(subs)
				c.g.complete()
				return true
			}
		}

		if c.inflight && c.allFilledLocked() {
			slots := make([]any, len(c.rows))
			for i := range c.rows {
				slots[i] = c.rows[i].slot
			}
			c.mu.Unlock()

			out, err := applyFn(c.ctx, c.assemble, slots)
			if err != nil {
				var zero R
				c.mu.Lock()
				if c.failure == nil {
					c.failure = wrapError(c.name, zero, err)
				}
				c.mu.Unlock()
				continue
			}

			c.mu.Lock()
			for i := range c.rows {
				c.rows[i].slot = nil
				c.rows[i].filled = false
			}
			if c.requested != Unbounded {
				c.requested--
			}
			c.inflight = false
			c.mu.Unlock()
			c.g.next(out)
			continue
		}

		if c.ready && !c.inflight && c.requested > 0 {
			c.inflight = true
			subs := c.subsLocked()
			c.mu.Unlock()
			for _, s := range subs {
				s.Request(1)
			}
			continue
		}

		c.mu.Unlock()
		return false
	}
}

func (c *zipCoordinator[R]) allFilledLocked() bool {
	for i := range c.rows {
		if !c.rows[i].filled {
			return false
		}
	}
	return true
}
