package pubz

import (
	"context"
	"iter"
	"sync/atomic"
	"time"
)

// sourceSubscription drives a pull-based producer against subscriber demand.
// It is the single emission engine behind every simple publisher in the
// package: slices, iterators, ranges, empty and failing sources all come
// through here.
//
// Values are pulled from the producer only while demand is outstanding, and
// delivery happens on the goroutine that requested, serialized by a wip
// counter so reentrant Request calls from OnNext are safe. Terminals are not
// demand-gated when they are already known: a preset failure, a bad request,
// a dead context, or a peek probe reporting the producer exhausted. A
// terminal that can only be discovered by running the producer (an iterator
// ending) surfaces under demand, since discovery means production.
type sourceSubscription[T any] struct {
	g     *gate[T]
	ctx   context.Context
	pull  func() (T, bool)
	peek  func() bool // reports known exhaustion without running the producer
	stop  func()
	fail  error
	name  Name
	start time.Time

	requested atomic.Int64
	wip       atomic.Int32
	badReq    atomic.Bool
	released  bool // drain-loop only
}

// Request implements the Subscription interface.
func (s *sourceSubscription[T]) Request(n int64) {
	if n <= 0 {
		s.badReq.Store(true)
		s.drain()
		return
	}
	addDemand(&s.requested, n)
	s.drain()
}

// Cancel implements the Subscription interface.
func (s *sourceSubscription[T]) Cancel() {
	s.g.cancel()
	s.drain()
}

// drain is the serialized emission loop. The first caller becomes the
// drainer; concurrent callers only bump wip and leave, knowing the drainer
// will observe their demand before exiting. After a terminal the wip counter
// stays raised so every later drain call is a cheap no-op.
func (s *sourceSubscription[T]) drain() {
	if s.wip.Add(1) != 1 {
		return
	}
	for {
		if s.finish() {
			return
		}
		for s.requested.Load() > 0 {
			if s.finish() {
				return
			}
			v, ok, err := s.pullSafe()
			if err != nil {
				s.release()
				s.g.error(err)
				return
			}
			if !ok {
				s.release()
				s.g.complete()
				return
			}
			s.g.next(v)
			if s.requested.Load() != Unbounded {
				s.requested.Add(-1)
			}
		}
		if s.finish() {
			return
		}
		if s.wip.Add(-1) == 0 {
			return
		}
	}
}

// finish handles the terminals that do not come from pulling the producer.
// It reports whether the subscription is over.
func (s *sourceSubscription[T]) finish() bool {
	var zero T
	if !s.g.active() {
		s.release()
		return true
	}
	if s.badReq.Load() {
		s.release()
		s.g.error(newError(s.name, zero, ErrBadRequest))
		return true
	}
	if s.fail != nil {
		s.release()
		s.g.error(wrapError(s.name, zero, s.fail))
		return true
	}
	if err := s.ctx.Err(); err != nil {
		s.release()
		flowErr := newError(s.name, zero, err)
		flowErr.Duration = time.Since(s.start)
		s.g.error(flowErr)
		return true
	}
	if s.peek != nil && s.peek() {
		s.release()
		s.g.complete()
		return true
	}
	return false
}

// pullSafe pulls one element, converting a producer panic into a flow error.
func (s *sourceSubscription[T]) pullSafe() (v T, ok bool, err error) {
	var zero T
	defer recoverToError(s.name, zero, &err)
	v, ok = s.pull()
	return v, ok, nil
}

// release frees producer resources exactly once. Only the drain loop calls
// it, so no further synchronization is needed.
func (s *sourceSubscription[T]) release() {
	if s.released {
		return
	}
	s.released = true
	if s.stop != nil {
		s.stop()
	}
}

// subscribeSeq activates a publisher backed by an arbitrary iterator.
// Exhaustion can only be discovered by pulling, so the completion of a
// drained-but-not-finished sequence waits for the next unit of demand.
func subscribeSeq[T any](ctx context.Context, name Name, seq iter.Seq[T], sub Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	next, stop := iter.Pull(seq)
	s := &sourceSubscription[T]{
		g:     newGate(name, sub),
		ctx:   ctx,
		pull:  next,
		stop:  stop,
		name:  name,
		start: time.Now(),
	}
	sub.OnSubscribe(s)
	s.drain()
}

// subscribePull activates a publisher whose producer can report exhaustion
// without being run, letting the completion ride on the demand that took the
// last element.
func subscribePull[T any](ctx context.Context, name Name, pull func() (T, bool), peek func() bool, sub Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &sourceSubscription[T]{
		g:     newGate(name, sub),
		ctx:   ctx,
		pull:  pull,
		peek:  peek,
		name:  name,
		start: time.Now(),
	}
	sub.OnSubscribe(s)
	s.drain()
}

// subscribeFail activates a publisher whose only signal is a failure.
func subscribeFail[T any](ctx context.Context, name Name, err error, sub Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &sourceSubscription[T]{
		g:     newGate(name, sub),
		ctx:   ctx,
		fail:  err,
		name:  name,
		start: time.Now(),
	}
	sub.OnSubscribe(s)
	s.drain()
}

// sliceProducer yields the elements of a slice with exact exhaustion
// reporting.
func sliceProducer[T any](values []T) (pull func() (T, bool), peek func() bool) {
	i := 0
	pull = func() (T, bool) {
		if i >= len(values) {
			var zero T
			return zero, false
		}
		v := values[i]
		i++
		return v, true
	}
	peek = func() bool { return i >= len(values) }
	return pull, peek
}

// valueProducer yields exactly one value.
func valueProducer[T any](value T) (pull func() (T, bool), peek func() bool) {
	emitted := false
	pull = func() (T, bool) {
		if emitted {
			var zero T
			return zero, false
		}
		emitted = true
		return value, true
	}
	peek = func() bool { return emitted }
	return pull, peek
}

// addDemand accumulates request amounts, saturating at Unbounded.
func addDemand(r *atomic.Int64, n int64) {
	for {
		cur := r.Load()
		if cur == Unbounded {
			return
		}
		next := cur + n
		if next < 0 {
			next = Unbounded
		}
		if r.CompareAndSwap(cur, next) {
			return
		}
	}
}
