package lock

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-sesslock/v1/kv"
	"github.com/mirkobrombin/go-sesslock/v1/metrics"
	"github.com/mirkobrombin/go-sesslock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-sesslock/v1/lock")

const (
	// DefaultSpinMin and DefaultSpinMax bound the randomized poll interval.
	DefaultSpinMin = 100 * time.Millisecond
	DefaultSpinMax = 300 * time.Millisecond
	// DefaultMaxWait is used when no maximum wait is configured.
	DefaultMaxWait = 30 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager acquires and releases leases stored in a kv.Store.
//
// The poll interval, maximum wait and TTL are fixed for the lifetime of the
// Manager. A Manager is safe for concurrent use.
type Manager struct {
	store        kv.Store
	bus          syncbus.Bus
	spin         time.Duration
	maxWait      time.Duration
	ttl          time.Duration
	attempts     int
	sleep        Sleeper
	traceEnabled bool
}

type options struct {
	spinMin time.Duration
	spinMax time.Duration
	rnd     *rand.Rand
	maxWait time.Duration
	ttl     time.Duration
	sleep   Sleeper
	bus     syncbus.Bus
	trace   bool
}

// Option configures a Manager.
type Option func(*options)

// WithSpinRange sets the band the poll interval is drawn from.
func WithSpinRange(min, max time.Duration) Option {
	return func(o *options) {
		o.spinMin, o.spinMax = min, max
	}
}

// WithSpinInterval fixes the poll interval.
func WithSpinInterval(d time.Duration) Option {
	return WithSpinRange(d, d)
}

// WithSeed makes the poll interval draw deterministic.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.rnd = rand.New(rand.NewSource(seed))
	}
}

// WithRand sets the random source used to draw the poll interval.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rnd = r
	}
}

// WithMaxWait sets how long an acquisition may keep polling. Non-positive
// values select DefaultMaxWait.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.maxWait = d
	}
}

// WithTTL sets the lease TTL. By default the TTL equals the maximum wait.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		o.ttl = d
	}
}

// WithSleeper replaces the function used to wait between polls.
func WithSleeper(s Sleeper) Option {
	return func(o *options) {
		o.sleep = s
	}
}

// WithBus publishes lease events on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithTracing enables OpenTelemetry spans for Acquire and Release.
func WithTracing() Option {
	return func(o *options) {
		o.trace = true
	}
}

// NewManager returns a Manager for leases kept in store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	o := options{
		spinMin: DefaultSpinMin,
		spinMax: DefaultSpinMax,
		maxWait: DefaultMaxWait,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxWait <= 0 {
		o.maxWait = DefaultMaxWait
	}
	if o.ttl <= 0 {
		o.ttl = o.maxWait
	}
	if o.rnd == nil {
		o.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	spin := drawSpin(o.rnd, o.spinMin, o.spinMax)
	return &Manager{
		store:        store,
		bus:          o.bus,
		spin:         spin,
		maxWait:      o.maxWait,
		ttl:          o.ttl,
		attempts:     attemptBudget(spin, o.maxWait),
		sleep:        o.sleep,
		traceEnabled: o.trace,
	}
}

// drawSpin picks an interval in [min, max] at microsecond granularity.
func drawSpin(r *rand.Rand, min, max time.Duration) time.Duration {
	lo, hi := min.Microseconds(), max.Microseconds()
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(lo+r.Int63n(hi-lo+1)) * time.Microsecond
}

// attemptBudget returns floor(1e6 / spin_us * maxWait_s). A spin longer
// than the maximum wait yields zero polls.
func attemptBudget(spin, maxWait time.Duration) int {
	return int(1e6 / float64(spin.Microseconds()) * maxWait.Seconds())
}

// SpinInterval returns the poll interval drawn at construction.
func (m *Manager) SpinInterval() time.Duration { return m.spin }

// MaxWait returns the configured maximum wait.
func (m *Manager) MaxWait() time.Duration { return m.maxWait }

// TTL returns the TTL set on acquired leases.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Attempts returns the number of polls an acquisition may perform.
func (m *Manager) Attempts() int { return m.attempts }

// Acquire tries to become the holder of key. It returns false with a nil
// error when the attempt budget runs out while someone else holds the lease;
// callers must treat that as "not acquired". Store errors are returned as-is.
func (m *Manager) Acquire(ctx context.Context, key, holder string) (bool, error) {
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lease.Acquire", trace.WithAttributes(attribute.String("sesslock.lease.key", key)))
		defer span.End()
	}
	start := time.Now()
	ok, polls, err := m.acquire(ctx, key, holder)
	metrics.AcquireWait.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.AcquireCounter.WithLabelValues("error").Inc()
	case ok:
		metrics.AcquireCounter.WithLabelValues("acquired").Inc()
		m.publish(ctx, syncbus.Event{Type: syncbus.EventAcquired, Key: key, Holder: holder, At: time.Now()})
	default:
		metrics.AcquireCounter.WithLabelValues("exhausted").Inc()
		slog.Debug("sesslock: lease acquisition budget exhausted", "key", key, "polls", polls, "spin", m.spin)
	}
	if span != nil {
		span.SetAttributes(attribute.Int("sesslock.lease.polls", polls), attribute.Bool("sesslock.lease.acquired", ok))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return ok, err
}

func (m *Manager) acquire(ctx context.Context, key, holder string) (bool, int, error) {
	for i := 1; i <= m.attempts; i++ {
		metrics.AcquireAttempts.Inc()
		held, err := m.store.Exists(ctx, key)
		if err != nil {
			return false, i, err
		}
		if held {
			if err := m.sleep(ctx, m.spin); err != nil {
				return false, i, err
			}
			continue
		}
		if _, err := m.store.SetIfAbsent(ctx, key, holder); err != nil {
			return false, i, err
		}
		// Read back: only the racer whose value survived owns the lease.
		v, found, err := m.store.Get(ctx, key)
		if err != nil {
			return false, i, err
		}
		if !found || v != holder {
			continue
		}
		if _, err := m.store.Expire(ctx, key, m.ttl); err != nil {
			// A lease without TTL would outlive a crashed holder.
			if _, derr := m.releaseOwned(context.WithoutCancel(ctx), key, holder); derr != nil {
				slog.Warn("sesslock: failed to drop lease after expire error", "key", key, "error", derr)
			}
			return false, i, err
		}
		return true, i, nil
	}
	return false, m.attempts, nil
}

// Release deletes key if force is set or if key is still held by holder.
// It reports whether a lease was deleted. Releasing a lease held by someone
// else, or one that already expired, reports false without an error.
func (m *Manager) Release(ctx context.Context, key, holder string, force bool) (bool, error) {
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lease.Release", trace.WithAttributes(
			attribute.String("sesslock.lease.key", key),
			attribute.Bool("sesslock.lease.forced", force),
		))
		defer span.End()
	}

	var released bool
	var err error
	if force {
		released, err = m.store.Delete(ctx, key)
	} else {
		released, err = m.releaseOwned(ctx, key, holder)
	}

	switch {
	case err != nil:
		metrics.ReleaseCounter.WithLabelValues("error").Inc()
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return false, err
	case !released:
		metrics.ReleaseCounter.WithLabelValues("not_owner").Inc()
	case force:
		metrics.ReleaseCounter.WithLabelValues("forced").Inc()
	default:
		metrics.ReleaseCounter.WithLabelValues("released").Inc()
	}
	if span != nil {
		span.SetAttributes(attribute.Bool("sesslock.lease.released", released))
	}
	if released {
		m.publish(ctx, syncbus.Event{Type: syncbus.EventReleased, Key: key, Holder: holder, Forced: force, At: time.Now()})
	}
	return released, nil
}

func (m *Manager) releaseOwned(ctx context.Context, key, holder string) (bool, error) {
	if cad, ok := m.store.(kv.CompareAndDeleter); ok {
		return cad.DeleteIfEquals(ctx, key, holder)
	}
	held, err := m.store.Exists(ctx, key)
	if err != nil || !held {
		return false, err
	}
	v, found, err := m.store.Get(ctx, key)
	if err != nil || !found || v != holder {
		return false, err
	}
	return m.store.Delete(ctx, key)
}

// Check reports whether a lease currently exists for key.
func (m *Manager) Check(ctx context.Context, key string) (bool, error) {
	return m.store.Exists(ctx, key)
}

func (m *Manager) publish(ctx context.Context, ev syncbus.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		slog.Warn("sesslock: lease event publish failed", "key", ev.Key, "type", ev.Type, "error", err)
	}
}
