package pubz

import (
	"context"
	"sync"
)

// FlatMapEach creates a Many that replaces each element of src with the
// publisher fn builds for it, concatenating the results. Inner sequences are
// activated strictly one at a time, in source order: the next element's
// publisher is not subscribed until the current one terminates. Ordering is
// therefore deterministic, at the cost of no inner parallelism.
//
// A failure from fn, or an Error terminal from an inner sequence, terminates
// the flow unless a downstream OnErrorContinue absorbs it, in which case the
// remaining inner elements of the failed branch are skipped and the flow
// moves to the next source element.
//
// Example:
//
//	users := pubz.FlatMapEach("load", ids, func(_ context.Context, id int) pubz.Many[User] {
//	    return fetchUser(id)
//	})
func FlatMapEach[T, U any](name Name, src Many[T], fn func(context.Context, T) Many[U]) Many[U] {
	if src == nil {
		panic("pubz.FlatMapEach: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.FlatMapEach: fn cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[U]) {
		subscribeFlatMap(ctx, name, src, fn, down)
	})
}

// FlatMapMany creates a Many from a One by expanding its value with fn. An
// empty source completes without invoking fn.
func FlatMapMany[T, U any](name Name, src One[T], fn func(context.Context, T) Many[U]) Many[U] {
	if src == nil {
		panic("pubz.FlatMapMany: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.FlatMapMany: fn cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[U]) {
		subscribeFlatMap(ctx, name, src, fn, down)
	})
}

// FlatMap creates a One from a One by replacing its value with the publisher
// fn builds for it. An empty source completes without invoking fn.
//
// Example:
//
//	profile := pubz.FlatMap("profile", userID, func(_ context.Context, id string) pubz.One[Profile] {
//	    return fetchProfile(id)
//	})
func FlatMap[T, U any](name Name, src One[T], fn func(context.Context, T) One[U]) One[U] {
	if src == nil {
		panic("pubz.FlatMap: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.FlatMap: fn cannot be nil")
	}
	return newOne(name, func(ctx context.Context, down Subscriber[U]) {
		subscribeFlatMap(ctx, name, src, func(ctx context.Context, v T) Many[U] {
			return fn(ctx, v)
		}, down)
	})
}

func subscribeFlatMap[T, U any](ctx context.Context, name Name, src Many[T], fn func(context.Context, T) Many[U], down Subscriber[U]) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := &flatMapFlow[T, U]{down: down, fn: fn, ctx: ctx, name: name}
	src.Subscribe(ctx, (*flatMapOuter[T, U])(f))
}

// flatMapFlow coordinates one flat-map subscription: the outer source, the
// inner sequence currently active, and the demand downstream has declared.
//
// All mutable state is guarded by mu, and no upstream or downstream call is
// made while holding it: each method mutates under the lock, decides what to
// call, unlocks, and calls. Reentrant delivery from synchronous sources is
// absorbed by the sources' own drain loops.
type flatMapFlow[T, U any] struct {
	down Subscriber[U]
	fn   func(context.Context, T) Many[U]
	ctx  context.Context
	name Name

	mu       sync.Mutex
	outer    Subscription
	inner    Subscription
	demand   int64
	current  T    // outer element the active inner was built from
	awaiting bool // an outer element has been requested and not yet arrived
	outerOut bool // outer source has terminated
	done     bool // downstream has received a terminal
}

// Request implements the Subscription interface handed downstream.
func (f *flatMapFlow[T, U]) Request(n int64) {
	if n <= 0 {
		f.mu.Lock()
		up := f.outer
		if f.inner != nil {
			up = f.inner
		}
		f.mu.Unlock()
		if up != nil {
			up.Request(n)
		}
		return
	}

	f.mu.Lock()
	f.demand = capDemand(f.demand, n)
	inner := f.inner
	var outer Subscription
	if inner == nil && !f.awaiting && !f.outerOut && !f.done {
		f.awaiting = true
		outer = f.outer
	}
	f.mu.Unlock()

	if inner != nil {
		inner.Request(n)
	} else if outer != nil {
		outer.Request(1)
	}
}

// Cancel implements the Subscription interface handed downstream.
func (f *flatMapFlow[T, U]) Cancel() {
	f.mu.Lock()
	f.done = true
	outer, inner := f.outer, f.inner
	f.outer, f.inner = nil, nil
	f.mu.Unlock()

	if inner != nil {
		inner.Cancel()
	}
	if outer != nil {
		outer.Cancel()
	}
}

// startInner builds and subscribes the publisher for an outer element.
func (f *flatMapFlow[T, U]) startInner(v T) {
	inner, err := applyFn(f.ctx, func(ctx context.Context, v T) (Many[U], error) {
		p := f.fn(ctx, v)
		return p, nil
	}, v)
	if err == nil && inner == nil {
		err = errDeferNil
	}
	if err != nil {
		f.elementFailed(wrapError(f.name, v, err), v)
		return
	}

	f.mu.Lock()
	f.current = v
	f.mu.Unlock()
	inner.Subscribe(f.ctx, (*flatMapInner[T, U])(f))
}

// elementFailed routes a per-element failure: absorbed by a downstream
// resumer, or terminal for the whole flow.
func (f *flatMapFlow[T, U]) elementFailed(flowErr error, item any) {
	if resumeWith(f.down, flowErr, item) {
		f.advance()
		return
	}
	f.mu.Lock()
	f.done = true
	outer, inner := f.outer, f.inner
	f.outer, f.inner = nil, nil
	f.mu.Unlock()
	if inner != nil {
		inner.Cancel()
	}
	if outer != nil {
		outer.Cancel()
	}
	f.down.OnError(flowErr)
}

// advance moves past a finished inner sequence: complete the flow if the
// outer source is exhausted, request the next element if demand remains, or
// go idle until more demand arrives.
func (f *flatMapFlow[T, U]) advance() {
	f.mu.Lock()
	f.inner = nil
	if f.done {
		f.mu.Unlock()
		return
	}
	if f.outerOut {
		f.done = true
		f.mu.Unlock()
		f.down.OnComplete()
		return
	}
	var outer Subscription
	if f.demand > 0 && !f.awaiting {
		f.awaiting = true
		outer = f.outer
	}
	f.mu.Unlock()

	if outer != nil {
		outer.Request(1)
	}
}

// flatMapOuter receives the source elements.
type flatMapOuter[T, U any] flatMapFlow[T, U]

func (s *flatMapOuter[T, U]) flow() *flatMapFlow[T, U] { return (*flatMapFlow[T, U])(s) }

func (s *flatMapOuter[T, U]) OnSubscribe(up Subscription) {
	f := s.flow()
	f.mu.Lock()
	f.outer = up
	f.mu.Unlock()
	f.down.OnSubscribe(f)
}

func (s *flatMapOuter[T, U]) OnNext(v T) {
	f := s.flow()
	f.mu.Lock()
	f.awaiting = false
	done := f.done
	f.mu.Unlock()
	if done {
		return
	}
	f.startInner(v)
}

func (s *flatMapOuter[T, U]) OnComplete() {
	f := s.flow()
	f.mu.Lock()
	f.outerOut = true
	f.outer = nil
	idle := f.inner == nil && !f.done
	if idle {
		f.done = true
	}
	f.mu.Unlock()
	if idle {
		f.down.OnComplete()
	}
}

func (s *flatMapOuter[T, U]) OnError(err error) {
	f := s.flow()
	f.mu.Lock()
	f.outerOut = true
	f.outer = nil
	alive := !f.done
	if alive {
		f.done = true
	}
	inner := f.inner
	f.inner = nil
	f.mu.Unlock()
	if inner != nil {
		inner.Cancel()
	}
	if alive {
		var zero T
		f.down.OnError(wrapError(f.name, zero, err))
	}
}

func (s *flatMapOuter[T, U]) resumeError(err error, item any) bool {
	return resumeWith(s.flow().down, err, item)
}

// flatMapInner forwards the active inner sequence downstream.
type flatMapInner[T, U any] flatMapFlow[T, U]

func (s *flatMapInner[T, U]) flow() *flatMapFlow[T, U] { return (*flatMapFlow[T, U])(s) }

func (s *flatMapInner[T, U]) OnSubscribe(up Subscription) {
	f := s.flow()
	f.mu.Lock()
	f.inner = up
	flush := f.demand
	f.mu.Unlock()
	if flush > 0 {
		up.Request(flush)
	}
}

func (s *flatMapInner[T, U]) OnNext(u U) {
	f := s.flow()
	f.mu.Lock()
	if f.demand != Unbounded {
		f.demand--
	}
	done := f.done
	f.mu.Unlock()
	if done {
		return
	}
	f.down.OnNext(u)
}

func (s *flatMapInner[T, U]) OnComplete() {
	s.flow().advance()
}

func (s *flatMapInner[T, U]) OnError(err error) {
	f := s.flow()
	f.mu.Lock()
	item := f.current
	f.mu.Unlock()
	f.elementFailed(wrapError(f.name, item, err), item)
}

func (s *flatMapInner[T, U]) resumeError(err error, item any) bool {
	return resumeWith(s.flow().down, err, item)
}

// capDemand accumulates demand under a lock, saturating at Unbounded.
func capDemand(cur, n int64) int64 {
	sum := cur + n
	if sum < 0 || cur == Unbounded {
		return Unbounded
	}
	return sum
}
