package pubz

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestCache_SingleProduction(t *testing.T) {
	builds := 0
	feed := NewCache("feed", Defer("feed", func() Many[int] {
		builds++
		return Values("nums", 1, 2, 3)
	}))
	defer feed.Close()

	want := []int{1, 2, 3}
	for i := 0; i < 3; i++ {
		got, err := Slice(context.Background(), feed)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
	if builds != 1 {
		t.Errorf("expected a single source subscription, got %d", builds)
	}

	subscribers := feed.Metrics().Counter(CacheSubscribersTotal).Value()
	if subscribers != 3 {
		t.Errorf("expected 3 subscribers, got %d", int(subscribers))
	}
	productions := feed.Metrics().Counter(CacheProductionsTotal).Value()
	if productions != 1 {
		t.Errorf("expected 1 production, got %d", int(productions))
	}
	replays := feed.Metrics().Counter(CacheReplaysTotal).Value()
	if replays != 2 {
		t.Errorf("expected 2 replays, got %d", int(replays))
	}
}

func TestCache_ReplaysRecordedError(t *testing.T) {
	sentinel := errors.New("feed died")
	src := Map("fetch", Values("nums", 1, 2), func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, sentinel
		}
		return n * 10, nil
	})
	feed := NewCache("feed", src)
	defer feed.Close()

	first := newRecorder[int]()
	feed.Subscribe(context.Background(), first)
	if !errors.Is(first.err(), sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, first.err())
	}

	second := newRecorder[int]()
	feed.Subscribe(context.Background(), second)
	if got := second.values(); !reflect.DeepEqual(got, []int{10}) {
		t.Errorf("expected the recorded value replayed, got %v", got)
	}
	if !errors.Is(second.err(), sentinel) {
		t.Errorf("expected the recorded error replayed, got %v", second.err())
	}
}

func TestCache_ReplayHonorsDemand(t *testing.T) {
	feed := NewCache("feed", Values("nums", 1, 2, 3))
	defer feed.Close()

	if _, err := Slice(context.Background(), feed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := newBoundedRecorder[int](0)
	feed.Subscribe(context.Background(), rec)
	if len(rec.values()) != 0 || rec.terminated() {
		t.Fatalf("expected nothing before demand, got %v", rec.all())
	}

	rec.request(2)
	if got, want := rec.values(), []int{1, 2}; !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if rec.terminated() {
		t.Fatal("expected the terminal to wait behind undelivered values")
	}

	rec.request(1)
	if got, want := rec.values(), []int{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !rec.completed() {
		t.Error("expected completion once the record is drained")
	}
}

func TestCache_ConcurrentSubscribers(t *testing.T) {
	builds := 0
	feed := NewCache("feed", Defer("feed", func() Many[int] {
		builds++
		return Range("nums", 1, 100)
	}))
	defer feed.Close()

	const n = 8
	results := make([][]int, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Slice(context.Background(), feed)
		}(i)
	}
	wg.Wait()

	if builds != 1 {
		t.Fatalf("expected a single source subscription, got %d", builds)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("subscriber %d: unexpected error: %v", i, errs[i])
		}
		if len(results[i]) != 100 || results[i][0] != 1 || results[i][99] != 100 {
			t.Errorf("subscriber %d: unexpected sequence boundaries: %v", i, results[i][:1])
		}
		if !reflect.DeepEqual(results[i], results[0]) {
			t.Errorf("subscriber %d: sequences diverge", i)
		}
	}
}

func TestCache_CancelLeavesOtherSubscribers(t *testing.T) {
	feed := NewCache("feed", Values("nums", 1, 2, 3))
	defer feed.Close()

	partial := newBoundedRecorder[int](1)
	feed.Subscribe(context.Background(), partial)
	partial.cancel()

	got, err := Slice(context.Background(), feed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []int{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected the full record %v, got %v", want, got)
	}

	partial.request(5)
	if got := partial.values(); len(got) != 1 {
		t.Errorf("expected silence after cancel, got %v", got)
	}
}

func TestCache_BadRequestDropsOnlyThatWaiter(t *testing.T) {
	feed := NewCache("feed", Values("nums", 1, 2))
	defer feed.Close()

	bad := newBoundedRecorder[int](0)
	feed.Subscribe(context.Background(), bad)
	bad.request(-1)
	if !errors.Is(bad.err(), ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", bad.err())
	}

	got, err := Slice(context.Background(), feed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []int{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCache_ProductionDetachedFromSubscriberContext(t *testing.T) {
	feed := NewCache("feed", Values("nums", 1, 2, 3))
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The waiter's context is dead, but production must not inherit the
	// cancellation: other subscribers depend on the same flight.
	rec := newRecorder[int]()
	feed.Subscribe(ctx, rec)
	if got, want := rec.values(), []int{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !rec.completed() {
		t.Errorf("expected completion, got %v", rec.all())
	}
}

func TestCache_Hooks(t *testing.T) {
	t.Run("Production Lifecycle", func(t *testing.T) {
		feed := NewCache("feed", Values("nums", 1, 2, 3))
		defer feed.Close()

		var mu sync.Mutex
		var started, finished []CacheEvent
		feed.OnProductionStarted(func(_ context.Context, event CacheEvent) error {
			mu.Lock()
			started = append(started, event)
			mu.Unlock()
			return nil
		})
		feed.OnProductionFinished(func(_ context.Context, event CacheEvent) error {
			mu.Lock()
			finished = append(finished, event)
			mu.Unlock()
			return nil
		})

		if _, err := Slice(context.Background(), feed); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := Slice(context.Background(), feed); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Wait for async hooks
		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(started) != 1 {
			t.Fatalf("expected 1 start event, got %d", len(started))
		}
		if started[0].Name != "feed" {
			t.Errorf("expected event name feed, got %q", started[0].Name)
		}
		if len(finished) != 1 {
			t.Fatalf("expected 1 finish event, got %d", len(finished))
		}
		if !finished[0].Success {
			t.Error("expected a successful production")
		}
		if finished[0].Signals != 3 {
			t.Errorf("expected 3 recorded values, got %d", finished[0].Signals)
		}
	})

	t.Run("Failed Production", func(t *testing.T) {
		sentinel := errors.New("feed died")
		feed := NewCache("feed", Fail[int]("nums", sentinel))
		defer feed.Close()

		var mu sync.Mutex
		var finished []CacheEvent
		feed.OnProductionFinished(func(_ context.Context, event CacheEvent) error {
			mu.Lock()
			finished = append(finished, event)
			mu.Unlock()
			return nil
		})

		if _, err := Slice(context.Background(), feed); err == nil {
			t.Fatal("expected error")
		}

		// Wait for async hooks
		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(finished) != 1 {
			t.Fatalf("expected 1 finish event, got %d", len(finished))
		}
		if finished[0].Success {
			t.Error("expected a failed production")
		}
		if !errors.Is(finished[0].Err, sentinel) {
			t.Errorf("expected %v, got %v", sentinel, finished[0].Err)
		}
	})
}

func TestCacheOne(t *testing.T) {
	t.Run("Replays Recorded Value", func(t *testing.T) {
		builds := 0
		lookup := NewCacheOne("lookup", DeferOne("lookup", func() One[int] {
			builds++
			return Value("answer", 42)
		}))
		defer lookup.Close()

		for i := 0; i < 3; i++ {
			v, ok, err := GetOne(context.Background(), lookup)
			if err != nil || !ok {
				t.Fatalf("unexpected result: %v %v", ok, err)
			}
			if v != 42 {
				t.Errorf("expected 42, got %d", v)
			}
		}
		if builds != 1 {
			t.Errorf("expected a single source subscription, got %d", builds)
		}
	})

	t.Run("Replays Empty Completion", func(t *testing.T) {
		lookup := NewCacheOne("lookup", EmptyOne[int]("none"))
		defer lookup.Close()

		for i := 0; i < 2; i++ {
			_, ok, err := GetOne(context.Background(), lookup)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok {
				t.Error("expected no value")
			}
		}
	})

	t.Run("Replays Error", func(t *testing.T) {
		sentinel := errors.New("lookup failed")
		lookup := NewCacheOne("lookup", FailOne[int]("fetch", sentinel))
		defer lookup.Close()

		for i := 0; i < 2; i++ {
			_, _, err := GetOne(context.Background(), lookup)
			if !errors.Is(err, sentinel) {
				t.Errorf("expected %v, got %v", sentinel, err)
			}
		}
	})

	t.Run("Name", func(t *testing.T) {
		lookup := NewCacheOne("lookup", Value("answer", 1))
		defer lookup.Close()
		if lookup.Name() != "lookup" {
			t.Errorf("expected lookup, got %q", lookup.Name())
		}
	})
}
