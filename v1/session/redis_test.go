package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-sesslock/v1/adapter"
	"github.com/mirkobrombin/go-sesslock/v1/kv"
	"github.com/mirkobrombin/go-sesslock/v1/lock"
)

// TestConcurrentRequestsDoNotLoseUpdates runs several request lifecycles
// against one session, each with its own handler as separate front-end
// workers would, and checks that no increment is lost.
func TestConcurrentRequestsDoNotLoseUpdates(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	leases := kv.NewRedis(client)
	data := adapter.NewRedisStore(client)
	ctx := context.Background()

	const requests = 10
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := lock.NewManager(leases, lock.WithSeed(int64(i)),
				lock.WithSpinRange(time.Millisecond, 3*time.Millisecond), lock.WithMaxWait(10*time.Second))
			h := NewHandler(m, data)
			if err := h.Open(ctx, "counter"); err != nil {
				errs <- err
				return
			}
			defer func() { _, _ = h.Close(ctx) }()
			raw, err := h.Read(ctx, "counter")
			if err != nil {
				errs <- err
				return
			}
			n := 0
			if len(raw) > 0 {
				n, _ = strconv.Atoi(string(raw))
			}
			if _, err := h.Write(ctx, "counter", []byte(strconv.Itoa(n+1))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("request failed: %v", err)
	}

	got, err := mr.Get("sessioncounter")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if got != strconv.Itoa(requests) {
		t.Fatalf("expected counter %d, got %s", requests, got)
	}
	if mr.Exists("sessioncounter.lock") {
		t.Fatal("lease left behind")
	}
}
