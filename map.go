package pubz

import (
	"context"
	"fmt"
)

// Map creates a Many that transforms each element of src with fn. An error
// (or panic) from fn terminates the sequence with an Error signal carrying
// the offending element, unless a downstream OnErrorContinue absorbs the
// failure and the flow moves on to the next element.
//
// Demand is one-to-one: each downstream request pulls exactly one upstream
// element.
//
// Example:
//
//	doubled := pubz.Map("double", nums, func(_ context.Context, n int) (int, error) {
//	    return n * 2, nil
//	})
func Map[T, U any](name Name, src Many[T], fn func(context.Context, T) (U, error)) Many[U] {
	if src == nil {
		panic("pubz.Map: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.Map: fn cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[U]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &mapSubscriber[T, U]{down: down, fn: fn, ctx: ctx, name: name})
	})
}

// MapOne creates a One that transforms the value of src with fn, mirroring
// Map for single values.
func MapOne[T, U any](name Name, src One[T], fn func(context.Context, T) (U, error)) One[U] {
	if src == nil {
		panic("pubz.MapOne: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.MapOne: fn cannot be nil")
	}
	return newOne(name, func(ctx context.Context, down Subscriber[U]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &mapSubscriber[T, U]{down: down, fn: fn, ctx: ctx, name: name})
	})
}

// Tap creates a Many that invokes fn for each element without modifying the
// flow. Use it for logging, metrics, or test probes.
//
// Tap is observation, not processing: fn has no error return, and a panic in
// fn is not converted into an Error signal - it propagates on the goroutine
// driving the subscription, exactly like a panic between two function calls.
func Tap[T any](name Name, src Many[T], fn func(context.Context, T)) Many[T] {
	if src == nil {
		panic("pubz.Tap: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.Tap: fn cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &tapSubscriber[T]{down: down, fn: fn, ctx: ctx})
	})
}

// TapOne creates a One that invokes fn for the value without modifying the
// flow, mirroring Tap for single values.
func TapOne[T any](name Name, src One[T], fn func(context.Context, T)) One[T] {
	if src == nil {
		panic("pubz.TapOne: source cannot be nil")
	}
	if fn == nil {
		panic("pubz.TapOne: fn cannot be nil")
	}
	return newOne(name, func(ctx context.Context, down Subscriber[T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &tapSubscriber[T]{down: down, fn: fn, ctx: ctx})
	})
}

// mapSubscriber applies fn to each element on the way downstream.
type mapSubscriber[T, U any] struct {
	down Subscriber[U]
	fn   func(context.Context, T) (U, error)
	ctx  context.Context
	name Name
	up   Subscription
}

func (s *mapSubscriber[T, U]) OnSubscribe(up Subscription) {
	s.up = up
	s.down.OnSubscribe(up)
}

func (s *mapSubscriber[T, U]) OnNext(v T) {
	u, err := applyFn(s.ctx, s.fn, v)
	if err != nil {
		flowErr := wrapError(s.name, v, err)
		if resumeWith(s.down, flowErr, v) {
			s.up.Request(1)
			return
		}
		s.up.Cancel()
		s.down.OnError(flowErr)
		return
	}
	s.down.OnNext(u)
}

func (s *mapSubscriber[T, U]) OnComplete() {
	s.down.OnComplete()
}

func (s *mapSubscriber[T, U]) OnError(err error) {
	var zero T
	s.down.OnError(wrapError(s.name, zero, err))
}

func (s *mapSubscriber[T, U]) resumeError(err error, item any) bool {
	return resumeWith(s.down, err, item)
}

// tapSubscriber runs the side effect before forwarding each element.
type tapSubscriber[T any] struct {
	down Subscriber[T]
	fn   func(context.Context, T)
	ctx  context.Context
}

func (s *tapSubscriber[T]) OnSubscribe(up Subscription) {
	s.down.OnSubscribe(up)
}

func (s *tapSubscriber[T]) OnNext(v T) {
	s.fn(s.ctx, v)
	s.down.OnNext(v)
}

func (s *tapSubscriber[T]) OnComplete() {
	s.down.OnComplete()
}

func (s *tapSubscriber[T]) OnError(err error) {
	s.down.OnError(err)
}

func (s *tapSubscriber[T]) resumeError(err error, item any) bool {
	return resumeWith(s.down, err, item)
}

// applyFn invokes an element-processing function with panic capture. The
// panic surfaces as a plain error; the calling stage wraps it with its own
// name and the element in flight.
func applyFn[T, U any](ctx context.Context, fn func(context.Context, T) (U, error), in T) (out U, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, in)
}
