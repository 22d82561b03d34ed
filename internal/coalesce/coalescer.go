package coalesce

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// DefaultThrottle is the minimum spacing between two identical executions.
const DefaultThrottle = 5 * time.Second

// Transport performs the actual network call for a descriptor.
type Transport interface {
	Do(ctx context.Context, d Descriptor) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, d Descriptor) ([]byte, error)

func (f TransportFunc) Do(ctx context.Context, d Descriptor) ([]byte, error) { return f(ctx, d) }

// Options configures a Coalescer. Zero values select defaults.
type Options struct {
	Throttle   time.Duration
	Now        func() time.Time
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Coalescer wraps a Transport with in-flight deduplication and a throttle
// window. It is safe for concurrent use.
type Coalescer struct {
	transport Transport
	throttle  time.Duration
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Coalescer in front of t.
func New(t Transport, opts Options) *Coalescer {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coalescer{
		transport: t,
		throttle:  opts.Throttle,
		now:       opts.Now,
		log:       opts.Logger,
		metrics:   newMetrics(opts.Registerer),
		entries:   make(map[string]*entry),
	}
}

// Result is the outcome of Fetch.
type Result struct {
	Body []byte
	// Cached is set when Body came from the throttle window instead of a
	// network execution.
	Cached bool
}

// Execute is Fetch without the cache indicator.
func (c *Coalescer) Execute(ctx context.Context, d Descriptor) ([]byte, error) {
	res, err := c.Fetch(ctx, d)
	return res.Body, err
}

// Fetch returns, in order of preference: the result of an identical call
// that completed less than the throttle window ago, the outcome of an
// identical call already in flight, or the outcome of a fresh execution.
// BypassCache skips the first two but still registers the execution so
// later callers can join it.
//
// Cancelling ctx only abandons the wait. The execution itself runs to
// completion on a detached context and still records its result.
func (c *Coalescer) Fetch(ctx context.Context, d Descriptor) (Result, error) {
	key, err := d.Key()
	if err != nil {
		return Result{}, err
	}

	if d.BypassCache {
		// Detach any in-flight call from the key; its callers still get
		// their own result, new callers join ours.
		c.group.Forget(key)
	} else if body, ok := c.cached(key); ok {
		c.metrics.throttleHits.Inc()
		return Result{Body: body, Cached: true}, nil
	}

	led := false
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		led = true
		return c.lead(detached, key, d)
	})

	select {
	case r := <-ch:
		if !led {
			c.metrics.joins.Inc()
		}
		if r.Err != nil {
			return Result{}, r.Err
		}
		res := r.Val.(Result)
		res.Body = bytes.Clone(res.Body)
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// lead runs once per singleflight registration. An identical execution may
// have finished between the caller's cache check and the registration, so
// the cache is consulted again before going to the network.
func (c *Coalescer) lead(ctx context.Context, key string, d Descriptor) (Result, error) {
	if !d.BypassCache {
		if body, ok := c.cached(key); ok {
			c.metrics.throttleHits.Inc()
			return Result{Body: body, Cached: true}, nil
		}
	}
	body, err := c.run(ctx, key, d)
	return Result{Body: body}, err
}

// run performs one real execution and updates the per-key state.
func (c *Coalescer) run(ctx context.Context, key string, d Descriptor) ([]byte, error) {
	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	e.running++
	start := c.now()
	c.mu.Unlock()

	c.metrics.executions.Inc()
	res, err := c.transport.Do(ctx, d)

	c.mu.Lock()
	e.running--
	if err == nil && !start.Before(e.startedAt) {
		e.completedAt = c.now()
		e.startedAt = start
		e.result = res
		e.hasResult = true
	}
	c.mu.Unlock()

	if err != nil {
		c.metrics.failures.Inc()
		c.log.Debug("request failed", "method", d.Method, "url", d.Redact(d.URL), "error", err)
		return nil, err
	}
	return res, nil
}

func (c *Coalescer) cached(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if !e.fresh(c.now(), c.throttle) {
		return nil, false
	}
	return bytes.Clone(e.result), true
}

// State reports where the key for d currently sits in its lifecycle.
func (c *Coalescer) State(d Descriptor) State {
	key, err := d.Key()
	if err != nil {
		return StateIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key].state(c.now(), c.throttle)
}

// Purge drops bookkeeping for keys that are idle again and returns how many
// were removed.
func (c *Coalescer) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for key, e := range c.entries {
		if e.idle(now, c.throttle) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}
