package pubz

import (
	"context"
	"errors"
	"sync"
)

// SwitchIfEmpty creates a Many that mirrors primary unless it completes
// without emitting, in which case the flow switches to alternate. The
// alternate is not subscribed - not even constructed, when wrapped in Defer -
// unless the switch actually happens, which makes it the place for fallback
// queries that are only worth running on an empty result.
//
// Example:
//
//	recent := pubz.SwitchIfEmpty("recent-or-archived",
//	    queryRecent(user),
//	    pubz.Defer("archived", func() pubz.Many[Order] { return queryArchive(user) }),
//	)
func SwitchIfEmpty[T any](name Name, primary, alternate Many[T]) Many[T] {
	if primary == nil {
		panic("pubz.SwitchIfEmpty: primary cannot be nil")
	}
	if alternate == nil {
		panic("pubz.SwitchIfEmpty: alternate cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeSwitch(ctx, name, primary, alternate, down)
	})
}

// SwitchIfEmptyOne mirrors SwitchIfEmpty for single values.
func SwitchIfEmptyOne[T any](name Name, primary, alternate One[T]) One[T] {
	if primary == nil {
		panic("pubz.SwitchIfEmptyOne: primary cannot be nil")
	}
	if alternate == nil {
		panic("pubz.SwitchIfEmptyOne: alternate cannot be nil")
	}
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeSwitch(ctx, name, primary, alternate, down)
	})
}

// DefaultIfEmpty creates a Many that emits value as the sole element when
// src completes empty. Sugar over SwitchIfEmpty with a single-value
// alternate.
func DefaultIfEmpty[T any](name Name, src Many[T], value T) Many[T] {
	if src == nil {
		panic("pubz.DefaultIfEmpty: source cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeSwitch(ctx, name, src, FromSlice(name, []T{value}), down)
	})
}

// DefaultIfEmptyOne mirrors DefaultIfEmpty for single values.
func DefaultIfEmptyOne[T any](name Name, src One[T], value T) One[T] {
	if src == nil {
		panic("pubz.DefaultIfEmptyOne: source cannot be nil")
	}
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		subscribeSwitch(ctx, name, src, FromSlice(name, []T{value}), down)
	})
}

func subscribeSwitch[T any](ctx context.Context, name Name, primary, alternate Many[T], down Subscriber[T]) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := &switchFlow[T]{down: down, alternate: alternate, ctx: ctx, name: name}
	primary.Subscribe(ctx, (*switchPrimary[T])(f))
}

// switchFlow coordinates a switch-if-empty subscription. Downstream demand
// is tracked so the alternate can be flushed with the full outstanding
// amount; the primary consumed none of it, or there would be no switch.
type switchFlow[T any] struct {
	down      Subscriber[T]
	alternate Many[T]
	ctx       context.Context
	name      Name

	mu       sync.Mutex
	up       Subscription
	demand   int64
	sawValue bool
	done     bool
}

// Request implements the Subscription interface handed downstream.
func (f *switchFlow[T]) Request(n int64) {
	f.mu.Lock()
	if n > 0 {
		f.demand = capDemand(f.demand, n)
	}
	up := f.up
	f.mu.Unlock()
	if up != nil {
		up.Request(n)
	}
}

// Cancel implements the Subscription interface handed downstream.
func (f *switchFlow[T]) Cancel() {
	f.mu.Lock()
	f.done = true
	up := f.up
	f.up = nil
	f.mu.Unlock()
	if up != nil {
		up.Cancel()
	}
}

// switchPrimary watches the primary for the empty completion.
type switchPrimary[T any] switchFlow[T]

func (s *switchPrimary[T]) flow() *switchFlow[T] { return (*switchFlow[T])(s) }

func (s *switchPrimary[T]) OnSubscribe(up Subscription) {
	f := s.flow()
	f.mu.Lock()
	f.up = up
	f.mu.Unlock()
	f.down.OnSubscribe(f)
}

func (s *switchPrimary[T]) OnNext(v T) {
	f := s.flow()
	f.mu.Lock()
	f.sawValue = true
	f.alternate = nil
	done := f.done
	f.mu.Unlock()
	if !done {
		f.down.OnNext(v)
	}
}

func (s *switchPrimary[T]) OnComplete() {
	f := s.flow()
	f.mu.Lock()
	alternate := f.alternate
	f.alternate = nil
	switching := !f.sawValue && alternate != nil && !f.done
	f.mu.Unlock()

	if switching {
		alternate.Subscribe(f.ctx, (*switchAlternate[T])(f))
		return
	}
	if !f.done {
		f.down.OnComplete()
	}
}

func (s *switchPrimary[T]) OnError(err error) {
	f := s.flow()
	var zero T
	f.down.OnError(wrapError(f.name, zero, err))
}

func (s *switchPrimary[T]) resumeError(err error, item any) bool {
	return resumeWith(s.flow().down, err, item)
}

// switchAlternate forwards the alternate after an empty primary.
type switchAlternate[T any] switchFlow[T]

func (s *switchAlternate[T]) flow() *switchFlow[T] { return (*switchFlow[T])(s) }

func (s *switchAlternate[T]) OnSubscribe(up Subscription) {
	f := s.flow()
	f.mu.Lock()
	f.up = up
	flush := f.demand
	f.mu.Unlock()
	if flush > 0 {
		up.Request(flush)
	}
}

func (s *switchAlternate[T]) OnNext(v T) {
	s.flow().down.OnNext(v)
}

func (s *switchAlternate[T]) OnComplete() {
	s.flow().down.OnComplete()
}

func (s *switchAlternate[T]) OnError(err error) {
	f := s.flow()
	var zero T
	f.down.OnError(wrapError(f.name, zero, err))
}

func (s *switchAlternate[T]) resumeError(err error, item any) bool {
	return resumeWith(s.flow().down, err, item)
}

// SwitchOnFirst creates a Many that lets selector choose the downstream flow
// after observing the first signal of src. The selector receives that signal
// - a value, a completion, or an error - together with rest, a single-use
// sequence that replays the observed element and then continues the live
// subscription. Returning rest (possibly wrapped in further operators) keeps
// the original flow; returning anything else substitutes it, in which case
// the source is cancelled when the substituted flow terminates.
//
// Subscribing requests exactly one element from src to obtain the signal to
// inspect; nothing further is consumed until the selected publisher demands
// it. Subscribing to rest a second time fails with ErrRestConsumed.
//
// Example:
//
//	routed := pubz.SwitchOnFirst("route", feed,
//	    func(first pubz.Signal[int], rest pubz.Many[int]) pubz.Many[int] {
//	        if first.Kind() == pubz.KindNext && first.Value() < 0 {
//	            return pubz.Fail[int]("bad-feed", errNegative)
//	        }
//	        return rest
//	    })
func SwitchOnFirst[T, U any](name Name, src Many[T], selector func(Signal[T], Many[T]) Many[U]) Many[U] {
	if src == nil {
		panic("pubz.SwitchOnFirst: source cannot be nil")
	}
	if selector == nil {
		panic("pubz.SwitchOnFirst: selector cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[U]) {
		if ctx == nil {
			ctx = context.Background()
		}
		p := &firstPeeker[T, U]{down: down, selector: selector, ctx: ctx, name: name}
		src.Subscribe(ctx, p)
	})
}

var errSelectorNil = errors.New("switch selector returned a nil publisher")

// firstPeeker holds the source subscription while the first signal is
// awaited, then runs the selector and hands the flow over. Everything up to
// the handoff runs on the subscribing goroutine; afterwards signals are
// routed through restFlow, which has its own locking.
type firstPeeker[T, U any] struct {
	down     Subscriber[U]
	selector func(Signal[T], Many[T]) Many[U]
	ctx      context.Context
	name     Name
	up       Subscription
	rest     *restFlow[T]
	switched bool
}

func (p *firstPeeker[T, U]) OnSubscribe(up Subscription) {
	p.up = up
	up.Request(1)
}

func (p *firstPeeker[T, U]) OnNext(v T) {
	if p.switched {
		p.rest.push(NextSignal(v))
		return
	}
	p.switched = true
	p.rest = newRestFlow(p.name, p.up, v, true)
	p.handoff(NextSignal(v))
}

func (p *firstPeeker[T, U]) OnComplete() {
	if p.switched {
		p.rest.push(CompleteSignal[T]())
		return
	}
	p.switched = true
	var zero T
	p.rest = newRestFlow(p.name, p.up, zero, false)
	p.rest.push(CompleteSignal[T]())
	p.handoff(CompleteSignal[T]())
}

func (p *firstPeeker[T, U]) OnError(err error) {
	var zero T
	flowErr := wrapError(p.name, zero, err)
	if p.switched {
		p.rest.push(ErrorSignal[T](flowErr))
		return
	}
	p.switched = true
	p.rest = newRestFlow(p.name, p.up, zero, false)
	p.rest.push(ErrorSignal[T](flowErr))
	p.handoff(ErrorSignal[T](flowErr))
}

// handoff runs the selector and subscribes the chosen publisher.
func (p *firstPeeker[T, U]) handoff(first Signal[T]) {
	out, err := applyFn(p.ctx, func(context.Context, struct{}) (Many[U], error) {
		return p.selector(first, restMany(p.rest)), nil
	}, struct{}{})
	if err == nil && out == nil {
		err = errSelectorNil
	}
	if err != nil {
		p.up.Cancel()
		subscribeFail(p.ctx, p.name, err, p.down)
		return
	}
	out.Subscribe(p.ctx, &selectedSubscriber[T, U]{down: p.down, peek: p})
}

// selectedSubscriber forwards the selected flow and cancels the source at
// terminal when the selector abandoned rest.
type selectedSubscriber[T, U any] struct {
	down Subscriber[U]
	peek *firstPeeker[T, U]
}

func (s *selectedSubscriber[T, U]) releaseSource() {
	if !s.peek.rest.isConsumed() {
		s.peek.up.Cancel()
	}
}

func (s *selectedSubscriber[T, U]) OnSubscribe(up Subscription) {
	s.down.OnSubscribe(&selectedSubscription[T, U]{up: up, sel: s})
}

func (s *selectedSubscriber[T, U]) OnNext(u U) {
	s.down.OnNext(u)
}

func (s *selectedSubscriber[T, U]) OnComplete() {
	s.releaseSource()
	s.down.OnComplete()
}

func (s *selectedSubscriber[T, U]) OnError(err error) {
	s.releaseSource()
	s.down.OnError(err)
}

func (s *selectedSubscriber[T, U]) resumeError(err error, item any) bool {
	return resumeWith(s.down, err, item)
}

// selectedSubscription propagates downstream cancellation to the abandoned
// source as well as the selected flow.
type selectedSubscription[T, U any] struct {
	up  Subscription
	sel *selectedSubscriber[T, U]
}

func (s *selectedSubscription[T, U]) Request(n int64) {
	s.up.Request(n)
}

func (s *selectedSubscription[T, U]) Cancel() {
	s.up.Cancel()
	s.sel.releaseSource()
}

// restFlow is the single-use continuation sequence handed to a SwitchOnFirst
// selector: it replays the peeked element, then splices the subscriber into
// the live source subscription.
type restFlow[T any] struct {
	name Name
	up   Subscription

	mu        sync.Mutex
	first     T
	hasFirst  bool
	firstSent bool
	pending   *Signal[T]
	g         *gate[T]
	consumed  bool
}

func newRestFlow[T any](name Name, up Subscription, first T, hasFirst bool) *restFlow[T] {
	return &restFlow[T]{name: name, up: up, first: first, hasFirst: hasFirst}
}

// restMany wraps a restFlow as a Many.
func restMany[T any](f *restFlow[T]) Many[T] {
	return newMany(f.name, f.subscribe)
}

func (f *restFlow[T]) isConsumed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumed
}

func (f *restFlow[T]) subscribe(ctx context.Context, sub Subscriber[T]) {
	f.mu.Lock()
	if f.consumed {
		f.mu.Unlock()
		subscribeFail(ctx, f.name, ErrRestConsumed, sub)
		return
	}
	f.consumed = true
	f.g = newGate(f.name, sub)
	f.mu.Unlock()

	sub.OnSubscribe((*restSubscription[T])(f))
	f.flushPending()
}

// push receives live source signals once the peek has been taken. Values
// can only arrive against demand the rest subscriber forwarded; terminals
// may arrive early and are buffered until the replayed element is out.
func (f *restFlow[T]) push(sig Signal[T]) {
	f.mu.Lock()
	g := f.g
	deliverable := g != nil && (f.firstSent || !f.hasFirst)
	if sig.Kind() != KindNext && !deliverable {
		f.pending = &sig
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if g == nil {
		return
	}
	switch sig.Kind() {
	case KindNext:
		g.next(sig.Value())
	case KindComplete:
		g.complete()
	case KindError:
		g.error(sig.Err())
	}
}

// flushPending delivers a buffered terminal once it has become deliverable.
func (f *restFlow[T]) flushPending() {
	f.mu.Lock()
	g := f.g
	var sig *Signal[T]
	if g != nil && (f.firstSent || !f.hasFirst) {
		sig = f.pending
		f.pending = nil
	}
	f.mu.Unlock()

	if sig == nil {
		return
	}
	switch sig.Kind() {
	case KindComplete:
		g.complete()
	case KindError:
		g.error(sig.Err())
	}
}

// restSubscription is the demand surface of a consumed rest sequence. The
// replayed element absorbs one unit of the first request; the remainder
// flows to the live source.
type restSubscription[T any] restFlow[T]

func (r *restSubscription[T]) flow() *restFlow[T] { return (*restFlow[T])(r) }

func (r *restSubscription[T]) Request(n int64) {
	f := r.flow()
	if n <= 0 {
		f.mu.Lock()
		g := f.g
		f.mu.Unlock()
		f.up.Cancel()
		var zero T
		g.error(newError(f.name, zero, ErrBadRequest))
		return
	}

	f.mu.Lock()
	replay := f.hasFirst && !f.firstSent
	if replay {
		f.firstSent = true
	}
	g := f.g
	first := f.first
	f.mu.Unlock()

	if replay {
		g.next(first)
		f.flushPending()
		if n != Unbounded {
			n--
		}
		if n > 0 {
			f.up.Request(n)
		}
		return
	}
	f.up.Request(n)
}

func (r *restSubscription[T]) Cancel() {
	f := r.flow()
	f.mu.Lock()
	g := f.g
	f.mu.Unlock()
	if g != nil {
		g.cancel()
	}
	f.up.Cancel()
}
