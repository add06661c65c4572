package pubz

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestAsMany(t *testing.T) {
	t.Run("Adapts One", func(t *testing.T) {
		got, err := Slice(context.Background(), AsMany(Value("answer", 42)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := []int{42}; !reflect.DeepEqual(got, want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	})

	t.Run("Nil Panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		AsMany[int](nil)
	})
}

func TestFirst(t *testing.T) {
	t.Run("Takes First And Cancels Source", func(t *testing.T) {
		pulled := 0
		endless := FromSeq("endless", func(yield func(int) bool) {
			for i := 1; ; i++ {
				pulled++
				if !yield(i) {
					return
				}
			}
		})

		v, ok, err := GetOne(context.Background(), First("head", endless))
		if err != nil || !ok {
			t.Fatalf("unexpected result: %v %v", ok, err)
		}
		if v != 1 {
			t.Errorf("expected 1, got %d", v)
		}
		if pulled != 1 {
			t.Errorf("expected the source released after one element, got %d pulls", pulled)
		}
	})

	t.Run("Empty Source Stays Empty", func(t *testing.T) {
		_, ok, err := GetOne(context.Background(), First("head", Empty[int]("none")))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected no value")
		}
	})

	t.Run("Error Propagates", func(t *testing.T) {
		sentinel := errors.New("feed down")
		_, _, err := GetOne(context.Background(), First("head", Fail[int]("feed", sentinel)))
		if !errors.Is(err, sentinel) {
			t.Errorf("expected %v, got %v", sentinel, err)
		}
	})
}

func TestLast(t *testing.T) {
	t.Run("Emits Final Element", func(t *testing.T) {
		v, ok, err := GetOne(context.Background(), Last("tail", Values("nums", 1, 2, 3), 0))
		if err != nil || !ok {
			t.Fatalf("unexpected result: %v %v", ok, err)
		}
		if v != 3 {
			t.Errorf("expected 3, got %d", v)
		}
	})

	t.Run("Fallback On Empty", func(t *testing.T) {
		v, ok, err := GetOne(context.Background(), Last("tail", Empty[int]("none"), 42))
		if err != nil || !ok {
			t.Fatalf("unexpected result: %v %v", ok, err)
		}
		if v != 42 {
			t.Errorf("expected the fallback, got %d", v)
		}
	})

	t.Run("Result Waits For Demand", func(t *testing.T) {
		// An empty source completes at subscribe, before any request; the
		// result must still wait for downstream demand.
		rec := newBoundedRecorder[int](0)
		Last("tail", Empty[int]("none"), 42).Subscribe(context.Background(), rec)
		if rec.terminated() || len(rec.values()) != 0 {
			t.Fatalf("expected nothing before demand, got %v", rec.all())
		}

		rec.request(1)
		if got := rec.values(); len(got) != 1 || got[0] != 42 {
			t.Errorf("expected [42], got %v", got)
		}
		if !rec.completed() {
			t.Error("expected completion")
		}
	})

	t.Run("Error Propagates", func(t *testing.T) {
		sentinel := errors.New("feed down")
		_, _, err := GetOne(context.Background(), Last("tail", Fail[int]("feed", sentinel), 0))
		if !errors.Is(err, sentinel) {
			t.Errorf("expected %v, got %v", sentinel, err)
		}
	})
}

func TestCollect(t *testing.T) {
	t.Run("Gathers Everything", func(t *testing.T) {
		v, ok, err := GetOne(context.Background(), Collect("all", Values("nums", 1, 2, 3)))
		if err != nil || !ok {
			t.Fatalf("unexpected result: %v %v", ok, err)
		}
		if want := []int{1, 2, 3}; !reflect.DeepEqual(v, want) {
			t.Errorf("expected %v, got %v", want, v)
		}
	})

	t.Run("Empty Source Yields Empty Slice", func(t *testing.T) {
		v, ok, err := GetOne(context.Background(), Collect("all", Empty[int]("none")))
		if err != nil || !ok {
			t.Fatalf("unexpected result: %v %v", ok, err)
		}
		if v == nil {
			t.Fatal("expected an empty slice, got nil")
		}
		if len(v) != 0 {
			t.Errorf("expected no elements, got %v", v)
		}
	})

	t.Run("Error Propagates", func(t *testing.T) {
		sentinel := errors.New("feed down")
		_, _, err := GetOne(context.Background(), Collect("all", Fail[int]("feed", sentinel)))
		if !errors.Is(err, sentinel) {
			t.Errorf("expected %v, got %v", sentinel, err)
		}
	})
}

func TestRepeat(t *testing.T) {
	t.Run("Resubscribes Fresh Runs", func(t *testing.T) {
		runs := 0
		src := DeferOne("tick", func() One[int] {
			runs++
			return Value("tick", runs)
		})

		got, err := Slice(context.Background(), Repeat("ticks", src, 2))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := []int{1, 2, 3}; !reflect.DeepEqual(got, want) {
			t.Errorf("expected one initial run plus two repeats %v, got %v", want, got)
		}
	})

	t.Run("Zero Times Runs Once", func(t *testing.T) {
		runs := 0
		src := DeferOne("tick", func() One[int] {
			runs++
			return Value("tick", runs)
		})

		got, err := Slice(context.Background(), Repeat("ticks", src, 0))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := []int{1}; !reflect.DeepEqual(got, want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	})

	t.Run("Empty Runs Contribute Nothing", func(t *testing.T) {
		got, err := Slice(context.Background(), Repeat("ticks", EmptyOne[int]("none"), 2))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected no elements, got %v", got)
		}
	})

	t.Run("Error Stops Runs", func(t *testing.T) {
		sentinel := errors.New("second run failed")
		runs := 0
		src := DeferOne("tick", func() One[int] {
			runs++
			if runs == 2 {
				return FailOne[int]("tick", sentinel)
			}
			return Value("tick", runs)
		})

		rec := newRecorder[int]()
		Repeat("ticks", src, 5).Subscribe(context.Background(), rec)
		if got := rec.values(); !reflect.DeepEqual(got, []int{1}) {
			t.Errorf("expected the first run's element, got %v", got)
		}
		if !errors.Is(rec.err(), sentinel) {
			t.Errorf("expected %v, got %v", sentinel, rec.err())
		}
		if runs != 2 {
			t.Errorf("expected no runs after the failure, got %d", runs)
		}
	})

	t.Run("Negative Times Panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		Repeat("ticks", Value("tick", 1), -1)
	})
}

func TestRepeatForever(t *testing.T) {
	runs := 0
	src := DeferOne("tick", func() One[int] {
		runs++
		return Value("tick", runs)
	})
	forever := RepeatForever("ticks", src)

	rec := newBoundedRecorder[int](3)
	forever.Subscribe(context.Background(), rec)

	if got, want := rec.values(), []int{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if rec.terminated() {
		t.Fatal("expected the flow to idle awaiting demand")
	}
	if runs != 3 {
		t.Errorf("expected runs gated by demand, got %d", runs)
	}

	rec.request(2)
	if got := rec.values(); len(got) != 5 {
		t.Errorf("expected two more runs, got %v", got)
	}

	rec.cancel()
	rec.request(10)
	if runs != 5 {
		t.Errorf("expected no runs after cancel, got %d", runs)
	}
}
