package pubz

import (
	"context"
	"sync"
	"sync/atomic"
)

// AsMany adapts a One to the Many interface for call sites that expect a
// multi-value publisher, such as switch alternates or zip sources. The
// subscription is the same one the One would serve.
func AsMany[T any](one One[T]) Many[T] {
	if one == nil {
		panic("pubz.AsMany: source cannot be nil")
	}
	return one
}

// First creates a One emitting the first element of src, cancelling the
// source once it arrives. An empty source completes empty.
func First[T any](name Name, src Many[T]) One[T] {
	if src == nil {
		panic("pubz.First: source cannot be nil")
	}
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &firstSubscriber[T]{down: down, name: name})
	})
}

// firstSubscriber takes one element and shuts the source down. Demand
// translation is total: whatever the downstream asks for, the source is
// asked for exactly one.
type firstSubscriber[T any] struct {
	down      Subscriber[T]
	name      Name
	up        Subscription
	requested atomic.Bool
	taken     atomic.Bool
}

func (s *firstSubscriber[T]) OnSubscribe(up Subscription) {
	s.up = up
	s.down.OnSubscribe(s)
}

// Request implements the Subscription interface handed downstream.
func (s *firstSubscriber[T]) Request(n int64) {
	if n <= 0 {
		s.up.Request(n)
		return
	}
	if s.requested.CompareAndSwap(false, true) {
		s.up.Request(1)
	}
}

// Cancel implements the Subscription interface handed downstream.
func (s *firstSubscriber[T]) Cancel() {
	s.up.Cancel()
}

func (s *firstSubscriber[T]) OnNext(v T) {
	if !s.taken.CompareAndSwap(false, true) {
		return
	}
	s.up.Cancel()
	s.down.OnNext(v)
	s.down.OnComplete()
}

func (s *firstSubscriber[T]) OnComplete() {
	if s.taken.CompareAndSwap(false, true) {
		s.down.OnComplete()
	}
}

func (s *firstSubscriber[T]) OnError(err error) {
	if s.taken.CompareAndSwap(false, true) {
		var zero T
		s.down.OnError(wrapError(s.name, zero, err))
	}
}

// Last creates a One emitting the final element of src, or fallback when
// src completes empty. The whole source is consumed to find it.
func Last[T any](name Name, src Many[T], fallback T) One[T] {
	if src == nil {
		panic("pubz.Last: source cannot be nil")
	}
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &lastSubscriber[T]{down: down, name: name, last: fallback})
	})
}

// lastSubscriber tracks the latest element. The result can only be emitted
// when downstream demand exists AND the source has completed; whichever
// side arrives second performs the delivery. A source that completes
// eagerly at subscribe would otherwise outrun the first request.
type lastSubscriber[T any] struct {
	down Subscriber[T]
	name Name
	up   Subscription

	mu        sync.Mutex
	last      T
	requested bool
	completed bool
	emitted   bool
}

func (s *lastSubscriber[T]) OnSubscribe(up Subscription) {
	s.up = up
	s.down.OnSubscribe(s)
}

// Request implements the Subscription interface handed downstream. The
// first positive request opens the source unbounded; the last element is
// only knowable after everything has flowed past.
func (s *lastSubscriber[T]) Request(n int64) {
	if n <= 0 {
		s.up.Request(n)
		return
	}
	s.mu.Lock()
	first := !s.requested
	s.requested = true
	deliver := s.completed && !s.emitted
	if deliver {
		s.emitted = true
	}
	v := s.last
	s.mu.Unlock()

	if deliver {
		s.down.OnNext(v)
		s.down.OnComplete()
		return
	}
	if first {
		s.up.Request(Unbounded)
	}
}

// Cancel implements the Subscription interface handed downstream.
func (s *lastSubscriber[T]) Cancel() {
	s.up.Cancel()
}

func (s *lastSubscriber[T]) OnNext(v T) {
	s.mu.Lock()
	s.last = v
	s.mu.Unlock()
}

func (s *lastSubscriber[T]) OnComplete() {
	s.mu.Lock()
	s.completed = true
	deliver := s.requested && !s.emitted
	if deliver {
		s.emitted = true
	}
	v := s.last
	s.mu.Unlock()

	if deliver {
		s.down.OnNext(v)
		s.down.OnComplete()
	}
}

func (s *lastSubscriber[T]) OnError(err error) {
	var zero T
	s.down.OnError(wrapError(s.name, zero, err))
}

// Collect creates a One emitting every element of src as a single slice.
// An empty source yields an empty slice, not an empty One.
func Collect[T any](name Name, src Many[T]) One[[]T] {
	if src == nil {
		panic("pubz.Collect: source cannot be nil")
	}
	return newOne(name, func(ctx context.Context, down Subscriber[[]T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &collectSubscriber[T]{down: down, name: name, items: []T{}})
	})
}

// collectSubscriber accumulates everything and emits once, using the same
// demand-meets-completion latch as lastSubscriber.
type collectSubscriber[T any] struct {
	down Subscriber[[]T]
	name Name
	up   Subscription

	mu        sync.Mutex
	items     []T
	requested bool
	completed bool
	emitted   bool
}

func (s *collectSubscriber[T]) OnSubscribe(up Subscription) {
	s.up = up
	s.down.OnSubscribe(s)
}

// Request implements the Subscription interface handed downstream.
func (s *collectSubscriber[T]) Request(n int64) {
	if n <= 0 {
		s.up.Request(n)
		return
	}
	s.mu.Lock()
	first := !s.requested
	s.requested = true
	deliver := s.completed && !s.emitted
	if deliver {
		s.emitted = true
	}
	items := s.items
	s.mu.Unlock()

	if deliver {
		s.down.OnNext(items)
		s.down.OnComplete()
		return
	}
	if first {
		s.up.Request(Unbounded)
	}
}

// Cancel implements the Subscription interface handed downstream.
func (s *collectSubscriber[T]) Cancel() {
	s.up.Cancel()
}

func (s *collectSubscriber[T]) OnNext(v T) {
	s.mu.Lock()
	s.items = append(s.items, v)
	s.mu.Unlock()
}

func (s *collectSubscriber[T]) OnComplete() {
	s.mu.Lock()
	s.completed = true
	deliver := s.requested && !s.emitted
	if deliver {
		s.emitted = true
	}
	items := s.items
	s.mu.Unlock()

	if deliver {
		s.down.OnNext(items)
		s.down.OnComplete()
	}
}

func (s *collectSubscriber[T]) OnError(err error) {
	var zero []T
	s.down.OnError(wrapError(s.name, zero, err))
}

// Repeat creates a Many that plays src and then resubscribes it times more
// times, for 1+times runs in total. Each run is a fresh subscription, so a
// src wrapping side-effecting work performs the work on every run; wrap it
// in a cache to repeat a recorded value instead. Panics when times is
// negative.
func Repeat[T any](name Name, src One[T], times int) Many[T] {
	if src == nil {
		panic("pubz.Repeat: source cannot be nil")
	}
	if times < 0 {
		panic("pubz.Repeat: times cannot be negative")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeRepeat(ctx, name, src, int64(times)+1, down)
	})
}

// RepeatForever creates a Many resubscribing src indefinitely. Demand keeps
// it honest: the next run starts only when downstream demand is
// outstanding, so a bounded consumer sees a bounded number of runs.
func RepeatForever[T any](name Name, src One[T]) Many[T] {
	if src == nil {
		panic("pubz.RepeatForever: source cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeRepeat(ctx, name, src, -1, down)
	})
}

func subscribeRepeat[T any](ctx context.Context, name Name, src One[T], runs int64, down Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := &repeatFlow[T]{down: down, src: src, ctx: ctx, name: name, runs: runs, starting: true}
	down.OnSubscribe(f)
	f.start()
}

// repeatFlow drives consecutive runs of a One. Runs are demand-gated: after
// a run completes, the next subscription is made only once downstream
// demand is outstanding. The wip counter trampolines synchronous
// completions so arbitrarily many runs never deepen the stack.
type repeatFlow[T any] struct {
	down Subscriber[T]
	src  One[T]
	ctx  context.Context
	name Name

	mu       sync.Mutex
	up       Subscription
	demand   int64
	runs     int64 // -1 means unbounded
	starting bool  // a run should begin when demand allows
	active   bool  // a run's subscription is live
	done     bool

	wip atomic.Int32
}

// Request implements the Subscription interface handed downstream.
func (f *repeatFlow[T]) Request(n int64) {
	if n <= 0 {
		f.mu.Lock()
		up := f.up
		f.mu.Unlock()
		if up != nil {
			up.Request(n)
			return
		}
		var zero T
		f.terminate(func() { f.down.OnError(newError(f.name, zero, ErrBadRequest)) })
		return
	}
	f.mu.Lock()
	f.demand = capDemand(f.demand, n)
	up := f.up
	f.mu.Unlock()
	if up != nil {
		up.Request(n)
	}
	f.start()
}

// Cancel implements the Subscription interface handed downstream.
func (f *repeatFlow[T]) Cancel() {
	f.mu.Lock()
	f.done = true
	up := f.up
	f.up = nil
	f.mu.Unlock()
	if up != nil {
		up.Cancel()
	}
}

// terminate delivers a terminal exactly once.
func (f *repeatFlow[T]) terminate(deliver func()) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.mu.Unlock()
	deliver()
}

// start launches pending runs while demand is outstanding.
func (f *repeatFlow[T]) start() {
	if f.wip.Add(1) != 1 {
		return
	}
	for {
		f.mu.Lock()
		launch := f.starting && !f.active && !f.done && f.demand > 0
		if launch {
			f.starting = false
			f.active = true
		}
		f.mu.Unlock()

		if launch {
			f.src.Subscribe(f.ctx, (*repeatRun[T])(f))
		}
		if f.wip.Add(-1) == 0 {
			return
		}
	}
}

// repeatRun receives one run of the source.
type repeatRun[T any] repeatFlow[T]

func (r *repeatRun[T]) flow() *repeatFlow[T] { return (*repeatFlow[T])(r) }

func (r *repeatRun[T]) OnSubscribe(up Subscription) {
	f := r.flow()
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		up.Cancel()
		return
	}
	f.up = up
	flush := f.demand
	f.mu.Unlock()
	if flush > 0 {
		up.Request(flush)
	}
}

func (r *repeatRun[T]) OnNext(v T) {
	f := r.flow()
	f.mu.Lock()
	if f.demand != Unbounded {
		f.demand--
	}
	done := f.done
	f.mu.Unlock()
	if !done {
		f.down.OnNext(v)
	}
}

func (r *repeatRun[T]) OnComplete() {
	f := r.flow()
	f.mu.Lock()
	f.active = false
	f.up = nil
	if f.runs > 0 {
		f.runs--
	}
	finished := f.runs == 0
	if !finished {
		f.starting = true
	}
	done := f.done
	f.mu.Unlock()

	if done {
		return
	}
	if finished {
		f.terminate(f.down.OnComplete)
		return
	}
	f.start()
}

func (r *repeatRun[T]) OnError(err error) {
	f := r.flow()
	var zero T
	f.terminate(func() { f.down.OnError(wrapError(f.name, zero, err)) })
}

func (r *repeatRun[T]) resumeError(err error, item any) bool {
	return resumeWith(r.flow().down, err, item)
}
