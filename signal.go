package pubz

import "fmt"

// SignalKind identifies which protocol event a Signal records.
type SignalKind uint8

// Signal kinds, in protocol order.
const (
	KindNext SignalKind = iota
	KindComplete
	KindError
)

// String returns the lowercase name of the kind.
func (k SignalKind) String() string {
	switch k {
	case KindNext:
		return "next"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("signalkind(%d)", uint8(k))
	}
}

// Signal is an immutable record of one subscription event: a value, a
// completion, or an error. Signals are what caches record and replay, what
// stores persist, and what SwitchOnFirst hands to its selector.
//
// A multi-value sequence materializes as zero or more Next signals followed
// by exactly one Complete or Error. A single-value sequence carries at most
// one Next before its terminal.
type Signal[T any] struct {
	value T
	err   error
	kind  SignalKind
}

// NextSignal records the delivery of a value.
func NextSignal[T any](v T) Signal[T] {
	return Signal[T]{kind: KindNext, value: v}
}

// CompleteSignal records a successful terminal.
func CompleteSignal[T any]() Signal[T] {
	return Signal[T]{kind: KindComplete}
}

// ErrorSignal records a failed terminal. It panics if err is nil; an error
// signal without an error is unrepresentable.
func ErrorSignal[T any](err error) Signal[T] {
	if err == nil {
		panic("pubz.ErrorSignal: nil error")
	}
	return Signal[T]{kind: KindError, err: err}
}

// Kind reports which event the signal records.
func (s Signal[T]) Kind() SignalKind {
	return s.kind
}

// Value returns the delivered value. It is the zero value unless Kind is
// KindNext.
func (s Signal[T]) Value() T {
	return s.value
}

// Err returns the terminal error. It is nil unless Kind is KindError.
func (s Signal[T]) Err() error {
	return s.err
}

// String formats the signal for debugging.
func (s Signal[T]) String() string {
	switch s.kind {
	case KindNext:
		return fmt.Sprintf("next(%v)", s.value)
	case KindError:
		return fmt.Sprintf("error(%v)", s.err)
	default:
		return s.kind.String()
	}
}
