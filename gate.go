package pubz

import (
	"fmt"
	"sync/atomic"
)

// Gate states. A gate starts active and makes exactly one transition:
// to cancelled on Cancel, or to done on the terminal signal.
const (
	gateActive int32 = iota
	gateCancelled
	gateDone
)

// gate enforces the signal protocol for one subscription: any number of
// next deliveries, then exactly one terminal, and silence after cancel.
// Every signal-originating construct in the package (sources, caches, zip,
// replay sequences) delivers through a gate so the protocol holds no matter
// which goroutine produces.
//
// Post-cancel deliveries are dropped. Post-terminal deliveries panic: a
// second terminal means the producer is broken, and that is a programmer
// error no subscriber should be asked to tolerate.
type gate[T any] struct {
	sub   Subscriber[T]
	name  Name
	state atomic.Int32
}

func newGate[T any](name Name, sub Subscriber[T]) *gate[T] {
	return &gate[T]{sub: sub, name: name}
}

// active reports whether the gate still accepts deliveries.
func (g *gate[T]) active() bool {
	return g.state.Load() == gateActive
}

// done reports whether a terminal signal has been delivered.
func (g *gate[T]) done() bool {
	return g.state.Load() == gateDone
}

// cancel moves the gate to cancelled. It reports whether this call performed
// the transition; after a terminal or an earlier cancel it is a no-op.
func (g *gate[T]) cancel() bool {
	return g.state.CompareAndSwap(gateActive, gateCancelled)
}

// next delivers a value while the gate is active.
func (g *gate[T]) next(v T) {
	switch g.state.Load() {
	case gateActive:
		g.sub.OnNext(v)
	case gateCancelled:
		// Dropped; the subscriber asked for silence.
	case gateDone:
		g.violation("OnNext")
	}
}

// complete delivers the successful terminal exactly once.
func (g *gate[T]) complete() {
	switch {
	case g.state.CompareAndSwap(gateActive, gateDone):
		g.sub.OnComplete()
	case g.state.Load() == gateDone:
		g.violation("OnComplete")
	}
}

// error delivers the failed terminal exactly once.
func (g *gate[T]) error(err error) {
	switch {
	case g.state.CompareAndSwap(gateActive, gateDone):
		g.sub.OnError(err)
	case g.state.Load() == gateDone:
		g.violation("OnError")
	}
}

func (g *gate[T]) violation(call string) {
	panic(fmt.Sprintf("pubz: %q delivered %s after a terminal signal", g.name, call))
}
