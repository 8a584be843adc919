package lock

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mirkobrombin/go-sesslock/v1/kv"
	"github.com/mirkobrombin/go-sesslock/v1/metrics"
	"github.com/mirkobrombin/go-sesslock/v1/syncbus"
)

// countingStore exposes only kv.Store, so Release falls back to the
// exists/get/delete sequence.
type countingStore struct {
	inner   kv.Store
	exists  atomic.Int64
	setnx   atomic.Int64
	gets    atomic.Int64
	expires atomic.Int64
	deletes atomic.Int64

	lieAbsent bool
	expireErr error
}

func (s *countingStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	s.setnx.Add(1)
	return s.inner.SetIfAbsent(ctx, key, value)
}

func (s *countingStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.gets.Add(1)
	return s.inner.Get(ctx, key)
}

func (s *countingStore) Exists(ctx context.Context, key string) (bool, error) {
	s.exists.Add(1)
	if s.lieAbsent {
		return false, nil
	}
	return s.inner.Exists(ctx, key)
}

func (s *countingStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.expires.Add(1)
	if s.expireErr != nil {
		return false, s.expireErr
	}
	return s.inner.Expire(ctx, key, ttl)
}

func (s *countingStore) Delete(ctx context.Context, key string) (bool, error) {
	s.deletes.Add(1)
	return s.inner.Delete(ctx, key)
}

type failingStore struct{ err error }

func (s failingStore) SetIfAbsent(context.Context, string, string) (bool, error) { return false, s.err }
func (s failingStore) Get(context.Context, string) (string, bool, error)         { return "", false, s.err }
func (s failingStore) Exists(context.Context, string) (bool, error)              { return false, s.err }
func (s failingStore) Expire(context.Context, string, time.Duration) (bool, error) {
	return false, s.err
}
func (s failingStore) Delete(context.Context, string) (bool, error) { return false, s.err }

func noSleep(calls *atomic.Int64) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		calls.Add(1)
		return ctx.Err()
	}
}

func TestAttemptBudget(t *testing.T) {
	cases := []struct {
		spin, wait time.Duration
		want       int
	}{
		{200 * time.Millisecond, 30 * time.Second, 150},
		{100 * time.Millisecond, 30 * time.Second, 300},
		{300 * time.Millisecond, 30 * time.Second, 100},
		{250 * time.Millisecond, time.Second, 4},
		{2 * time.Second, time.Second, 0},
	}
	for _, c := range cases {
		m := NewManager(kv.NewInMemory(), WithSpinInterval(c.spin), WithMaxWait(c.wait))
		if got := m.Attempts(); got != c.want {
			t.Fatalf("spin %v wait %v: expected %d attempts, got %d", c.spin, c.wait, c.want, got)
		}
	}
}

func TestZeroBudgetNeverAcquires(t *testing.T) {
	store := &countingStore{inner: kv.NewInMemory()}
	m := NewManager(store, WithSpinInterval(2*time.Second), WithMaxWait(time.Second))
	if m.Attempts() != 0 {
		t.Fatalf("expected an empty budget, got %d", m.Attempts())
	}
	ok, err := m.Acquire(context.Background(), "session1.lock", "a")
	if err != nil || ok {
		t.Fatalf("expected no acquisition with an empty budget, ok %v err %v", ok, err)
	}
	if store.exists.Load() != 0 || store.setnx.Load() != 0 {
		t.Fatal("store polled with an empty budget")
	}
}

func TestDefaults(t *testing.T) {
	m := NewManager(kv.NewInMemory(), WithMaxWait(0))
	if m.MaxWait() != DefaultMaxWait {
		t.Fatalf("expected default max wait, got %v", m.MaxWait())
	}
	if m.TTL() != DefaultMaxWait {
		t.Fatalf("expected ttl to follow max wait, got %v", m.TTL())
	}
	if s := m.SpinInterval(); s < DefaultSpinMin || s > DefaultSpinMax {
		t.Fatalf("spin %v outside default band", s)
	}
	if m := NewManager(kv.NewInMemory(), WithTTL(5*time.Second)); m.TTL() != 5*time.Second {
		t.Fatalf("expected explicit ttl, got %v", m.TTL())
	}
}

func TestSeededSpinIsDeterministic(t *testing.T) {
	a := NewManager(kv.NewInMemory(), WithSeed(42))
	b := NewManager(kv.NewInMemory(), WithSeed(42))
	if a.SpinInterval() != b.SpinInterval() {
		t.Fatalf("same seed drew %v and %v", a.SpinInterval(), b.SpinInterval())
	}
	for seed := int64(0); seed < 50; seed++ {
		m := NewManager(kv.NewInMemory(), WithSeed(seed), WithSpinRange(300*time.Millisecond, 100*time.Millisecond))
		if s := m.SpinInterval(); s < 100*time.Millisecond || s > 300*time.Millisecond {
			t.Fatalf("seed %d: spin %v outside band", seed, s)
		}
	}
}

func TestAcquireRelease(t *testing.T) {
	store := kv.NewInMemory()
	m := NewManager(store, WithSpinInterval(time.Millisecond), WithMaxWait(50*time.Millisecond), WithTTL(time.Minute))
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "session1.lock", "a")
	if err != nil || !ok {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if held, _ := m.Check(ctx, "session1.lock"); !held {
		t.Fatal("check should report the lease")
	}
	if ok, err := m.Acquire(ctx, "session1.lock", "b"); err != nil || ok {
		t.Fatalf("second holder acquired: ok %v err %v", ok, err)
	}
	if ok, err := m.Release(ctx, "session1.lock", "a", false); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	if ok, err := m.Release(ctx, "session1.lock", "a", false); err != nil || ok {
		t.Fatalf("second release should be a no-op: ok %v err %v", ok, err)
	}
	if ok, err := m.Acquire(ctx, "session1.lock", "b"); err != nil || !ok {
		t.Fatalf("reacquire: ok %v err %v", ok, err)
	}
}

func TestAcquireBoundedFailure(t *testing.T) {
	inner := kv.NewInMemory()
	store := &countingStore{inner: inner}
	var sleeps atomic.Int64
	m := NewManager(store,
		WithSpinInterval(200*time.Millisecond),
		WithMaxWait(30*time.Second),
		WithSleeper(noSleep(&sleeps)),
	)
	ctx := context.Background()
	_, _ = inner.SetIfAbsent(ctx, "k", "other")
	before := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues("exhausted"))

	ok, err := m.Acquire(ctx, "k", "me")
	if err != nil || ok {
		t.Fatalf("expected liveness failure, ok %v err %v", ok, err)
	}
	if got := store.exists.Load(); got != 150 {
		t.Fatalf("expected 150 polls, got %d", got)
	}
	if got := sleeps.Load(); got != 150 {
		t.Fatalf("expected 150 sleeps, got %d", got)
	}
	if store.setnx.Load() != 0 {
		t.Fatal("set-if-absent attempted while the lease was held")
	}
	if after := testutil.ToFloat64(metrics.AcquireCounter.WithLabelValues("exhausted")); after-before != 1 {
		t.Fatalf("expected exhausted counter to grow by 1, got %v", after-before)
	}
}

func TestAcquireLostRaceKeepsPolling(t *testing.T) {
	inner := kv.NewInMemory()
	store := &countingStore{inner: inner, lieAbsent: true}
	var sleeps atomic.Int64
	m := NewManager(store, WithSpinInterval(time.Second), WithMaxWait(3*time.Second), WithSleeper(noSleep(&sleeps)))
	ctx := context.Background()
	_, _ = inner.SetIfAbsent(ctx, "k", "winner")

	ok, err := m.Acquire(ctx, "k", "loser")
	if err != nil || ok {
		t.Fatalf("loser acquired: ok %v err %v", ok, err)
	}
	if store.setnx.Load() != 3 || store.gets.Load() != 3 {
		t.Fatalf("expected 3 set/get rounds, got %d/%d", store.setnx.Load(), store.gets.Load())
	}
	if store.expires.Load() != 0 {
		t.Fatal("expire called for a lease that was not won")
	}
	if v, _, _ := inner.Get(ctx, "k"); v != "winner" {
		t.Fatalf("lease value overwritten: %q", v)
	}
}

func TestAcquireSetsTTL(t *testing.T) {
	now := time.Unix(0, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	store := kv.NewInMemory(kv.WithClock(clock))
	var sleeps atomic.Int64
	m := NewManager(store, WithSpinInterval(100*time.Millisecond), WithMaxWait(time.Second),
		WithTTL(2*time.Second), WithSleeper(noSleep(&sleeps)))
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "k", "a"); !ok {
		t.Fatal("first acquire failed")
	}
	if ok, _ := m.Acquire(ctx, "k", "b"); ok {
		t.Fatal("b acquired a live lease")
	}
	advance(2 * time.Second)
	if ok, err := m.Acquire(ctx, "k", "b"); err != nil || !ok {
		t.Fatalf("lease should be acquirable after ttl: ok %v err %v", ok, err)
	}
	if ok, _ := m.Release(ctx, "k", "a", false); ok {
		t.Fatal("expired holder released the new lease")
	}
}

func TestReleaseOwnershipGuard(t *testing.T) {
	ctx := context.Background()
	stores := map[string]kv.Store{
		"compare-and-delete": kv.NewInMemory(),
		"fallback":           &countingStore{inner: kv.NewInMemory()},
	}
	for name, store := range stores {
		m := NewManager(store, WithSpinInterval(time.Millisecond), WithMaxWait(10*time.Millisecond), WithTTL(time.Minute))
		if ok, _ := m.Acquire(ctx, "k", "B"); !ok {
			t.Fatalf("%s: acquire failed", name)
		}
		if ok, err := m.Release(ctx, "k", "A", false); err != nil || ok {
			t.Fatalf("%s: foreign release: ok %v err %v", name, ok, err)
		}
		if held, _ := m.Check(ctx, "k"); !held {
			t.Fatalf("%s: foreign release deleted the lease", name)
		}
		if ok, err := m.Release(ctx, "k", "A", true); err != nil || !ok {
			t.Fatalf("%s: forced release: ok %v err %v", name, ok, err)
		}
		if held, _ := m.Check(ctx, "k"); held {
			t.Fatalf("%s: forced release left the lease", name)
		}
		if ok, err := m.Release(ctx, "k", "A", true); err != nil || ok {
			t.Fatalf("%s: forced release of missing lease: ok %v err %v", name, ok, err)
		}
	}
}

func TestMutualExclusion(t *testing.T) {
	store := kv.NewInMemory()
	ctx := context.Background()
	const workers = 8
	const rounds = 5

	var active, maxActive, wins atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			m := NewManager(store, WithSeed(int64(w)), WithSpinRange(200*time.Microsecond, 600*time.Microsecond),
				WithMaxWait(5*time.Second))
			holder := "worker-" + strconv.Itoa(w)
			for r := 0; r < rounds; r++ {
				ok, err := m.Acquire(ctx, "shared.lock", holder)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if !ok {
					continue
				}
				n := active.Add(1)
				for {
					cur := maxActive.Load()
					if n <= cur || maxActive.CompareAndSwap(cur, n) {
						break
					}
				}
				wins.Add(1)
				time.Sleep(time.Millisecond)
				active.Add(-1)
				if ok, err := m.Release(ctx, "shared.lock", holder, false); err != nil || !ok {
					t.Errorf("release: ok %v err %v", ok, err)
				}
			}
		}(w)
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Fatalf("expected at most one holder at a time, saw %d", maxActive.Load())
	}
	if wins.Load() == 0 {
		t.Fatal("no worker ever acquired the lease")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	store := kv.NewInMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _ = store.SetIfAbsent(ctx, "k", "other")
	m := NewManager(store, WithSpinInterval(5*time.Millisecond), WithMaxWait(time.Minute))

	start := time.Now()
	ok, err := m.Acquire(ctx, "k", "me")
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, ok %v err %v", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("acquire did not respect context deadline")
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	down := errors.New("store unavailable")
	m := NewManager(failingStore{err: down}, WithSpinInterval(time.Millisecond), WithMaxWait(time.Second))
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "k", "a"); !errors.Is(err, down) {
		t.Fatalf("acquire: expected store error, got %v", err)
	}
	if _, err := m.Release(ctx, "k", "a", false); !errors.Is(err, down) {
		t.Fatalf("release: expected store error, got %v", err)
	}
	if _, err := m.Release(ctx, "k", "a", true); !errors.Is(err, down) {
		t.Fatalf("forced release: expected store error, got %v", err)
	}
	if _, err := m.Check(ctx, "k"); !errors.Is(err, down) {
		t.Fatalf("check: expected store error, got %v", err)
	}
}

func TestExpireFailureDropsLease(t *testing.T) {
	inner := kv.NewInMemory()
	expireErr := errors.New("expire failed")
	store := &countingStore{inner: inner, expireErr: expireErr}
	m := NewManager(store, WithSpinInterval(time.Millisecond), WithMaxWait(time.Second))
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "k", "a")
	if ok || !errors.Is(err, expireErr) {
		t.Fatalf("expected expire error, ok %v err %v", ok, err)
	}
	if held, _ := inner.Exists(ctx, "k"); held {
		t.Fatal("lease without ttl left behind")
	}
}

func TestLeaseEventsPublished(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := bus.Subscribe(ctx, "k")

	m := NewManager(kv.NewInMemory(), WithBus(bus), WithSpinInterval(time.Millisecond), WithMaxWait(time.Second))
	if ok, _ := m.Acquire(ctx, "k", "a"); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := m.Release(ctx, "k", "b", false); ok {
		t.Fatal("foreign release succeeded")
	}
	if ok, _ := m.Release(ctx, "k", "a", false); !ok {
		t.Fatal("release failed")
	}

	want := []syncbus.EventType{syncbus.EventAcquired, syncbus.EventReleased}
	for _, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ || ev.Holder != "a" {
				t.Fatalf("expected %s by a, got %+v", typ, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
	if got := bus.Metrics().Published; got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
}

func TestTracingSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	m := NewManager(kv.NewInMemory(), WithTracing(), WithSpinInterval(time.Millisecond), WithMaxWait(time.Second))
	ctx := context.Background()
	_, _ = m.Acquire(ctx, "k", "a")
	_, _ = m.Release(ctx, "k", "a", false)

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	if got := strings.Join(names, ","); got != "Lease.Acquire,Lease.Release" {
		t.Fatalf("unexpected spans %q", got)
	}
}
