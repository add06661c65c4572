package pubz

import "context"

// Filter creates a Many that forwards only the elements of src for which
// pred returns true. Dropped elements are transparent to downstream demand:
// the stage requests a replacement upstream, so a subscriber that asked for
// n elements still receives n, provided the source has them.
//
// An error (or panic) from pred terminates the sequence with an Error signal
// carrying the offending element, unless a downstream OnErrorContinue
// absorbs the failure.
//
// Example:
//
//	evens := pubz.Filter("evens", nums, func(_ context.Context, n int) (bool, error) {
//	    return n%2 == 0, nil
//	})
func Filter[T any](name Name, src Many[T], pred func(context.Context, T) (bool, error)) Many[T] {
	if src == nil {
		panic("pubz.Filter: source cannot be nil")
	}
	if pred == nil {
		panic("pubz.Filter: pred cannot be nil")
	}
	return newMany(name, func(ctx context.Context, down Subscriber[T]) {
		if ctx == nil {
			ctx = context.Background()
		}
		src.Subscribe(ctx, &filterSubscriber[T]{down: down, pred: pred, ctx: ctx, name: name})
	})
}

// filterSubscriber evaluates the predicate and refills demand for drops.
type filterSubscriber[T any] struct {
	down Subscriber[T]
	pred func(context.Context, T) (bool, error)
	ctx  context.Context
	name Name
	up   Subscription
}

func (s *filterSubscriber[T]) OnSubscribe(up Subscription) {
	s.up = up
	s.down.OnSubscribe(up)
}

func (s *filterSubscriber[T]) OnNext(v T) {
	keep, err := applyFn(s.ctx, s.pred, v)
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
	if !keep {
		s.up.Request(1)
		return
	}
	s.down.OnNext(v)
}

func (s *filterSubscriber[T]) OnComplete() {
	s.down.OnComplete()
}

func (s *filterSubscriber[T]) OnError(err error) {
	var zero T
	s.down.OnError(wrapError(s.name, zero, err))
}

func (s *filterSubscriber[T]) resumeError(err error, item any) bool {
	return resumeWith(s.down, err, item)
}
