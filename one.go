package pubz

import (
	"context"
	"reflect"
)

// Value creates a One that emits the given value and completes. The value
// must be present: Value panics when handed a nil pointer, interface, map,
// slice, channel, or function, because "no value" is what Nullable and
// Optional are for.
//
// Example:
//
//	greeting := pubz.Value("greeting", "hello")
//	v, ok, _ := pubz.GetOne(ctx, greeting) // "hello", true
func Value[T any](name Name, value T) One[T] {
	if isNilValue(value) {
		panic("pubz.Value: value cannot be nil; use Nullable or Optional for absent values")
	}
	return newOne(name, func(ctx context.Context, sub Subscriber[T]) {
		pull, peek := valueProducer(value)
		subscribePull(ctx, name, pull, peek, sub)
	})
}

// Nullable creates a One from a pointer: a nil pointer completes empty,
// anything else emits the pointed-to value. The value is captured at
// construction.
func Nullable[T any](name Name, value *T) One[T] {
	if value == nil {
		return EmptyOne[T](name)
	}
	return Optional(name, *value, true)
}

// Optional creates a One from a comma-ok pair: ok false completes empty.
//
// Example:
//
//	v, ok := lookup(key)
//	result := pubz.Optional("lookup", v, ok)
func Optional[T any](name Name, value T, ok bool) One[T] {
	if !ok {
		return EmptyOne[T](name)
	}
	return newOne(name, func(ctx context.Context, sub Subscriber[T]) {
		pull, peek := valueProducer(value)
		subscribePull(ctx, name, pull, peek, sub)
	})
}

// EmptyOne creates a One that completes without emitting.
func EmptyOne[T any](name Name) One[T] {
	return newOne(name, func(ctx context.Context, sub Subscriber[T]) {
		pull, peek := sliceProducer[T](nil)
		subscribePull(ctx, name, pull, peek, sub)
	})
}

// FailOne creates a One that terminates every subscription with err.
func FailOne[T any](name Name, err error) One[T] {
	if err == nil {
		panic("pubz.FailOne: error cannot be nil")
	}
	return newOne(name, func(ctx context.Context, sub Subscriber[T]) {
		subscribeFail(ctx, name, err, sub)
	})
}

// DeferOne creates a One that builds a fresh publisher for every
// subscription, mirroring Defer for single values.
func DeferOne[T any](name Name, factory func() One[T]) One[T] {
	if factory == nil {
		panic("pubz.DeferOne: factory cannot be nil")
	}
	return newOne(name, func(ctx context.Context, sub Subscriber[T]) {
		p, err := buildSafe(factory)
		if err == nil && p == nil {
			err = errDeferNil
		}
		if err != nil {
			subscribeFail(ctx, name, err, sub)
			return
		}
		p.Subscribe(ctx, sub)
	})
}

// isNilValue reports whether v is nil through any of the nilable kinds.
// Inspection happens once, at construction time.
func isNilValue[T any](v T) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
