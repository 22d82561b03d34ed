package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// countingTransport returns "r<n>" for the n-th execution. When gate is
// non-nil every execution blocks until it is closed.
type countingTransport struct {
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}
	err     error
}

func newCountingTransport() *countingTransport {
	return &countingTransport{started: make(chan struct{}, 64)}
}

func (t *countingTransport) Do(ctx context.Context, d Descriptor) ([]byte, error) {
	n := t.calls.Add(1)
	t.started <- struct{}{}
	if t.gate != nil {
		<-t.gate
	}
	if t.err != nil {
		return nil, t.err
	}
	return []byte(fmt.Sprintf("r%d", n)), nil
}

func poolDescriptor() Descriptor {
	return Descriptor{
		Method: MethodGet,
		URL:    "/x",
		Params: map[string]any{"d": "2025-01-01"},
	}
}

func TestExecuteCoalescesConcurrentCalls(t *testing.T) {
	tr := newCountingTransport()
	tr.gate = make(chan struct{})
	c := New(tr, Options{})

	const n = 10
	results := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Build a fresh but structurally equal descriptor per caller.
			res, err := c.Execute(context.Background(), Descriptor{
				Method: "get",
				URL:    "/x",
				Params: map[string]any{"d": "2025-01-01"},
			})
			results[i], errs[i] = string(res), err
		}(i)
	}

	<-tr.started
	assert.Equal(t, StateInFlight, c.State(poolDescriptor()))
	time.Sleep(50 * time.Millisecond)
	close(tr.gate)
	wg.Wait()

	assert.Equal(t, int32(1), tr.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "r1", results[i])
	}
	assert.Equal(t, StateCompleted, c.State(poolDescriptor()))
}

func TestExecuteBackToBackSingleCall(t *testing.T) {
	tr := newCountingTransport()
	c := New(tr, Options{})
	ctx := context.Background()

	first, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	second, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)

	assert.Equal(t, int32(1), tr.calls.Load())
	assert.Equal(t, first, second)
}

func TestExecuteSharesErrorWithJoinedCallers(t *testing.T) {
	tr := newCountingTransport()
	tr.gate = make(chan struct{})
	tr.err = errors.New("connection reset")
	c := New(tr, Options{})

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Execute(context.Background(), poolDescriptor())
		}(i)
	}

	<-tr.started
	time.Sleep(50 * time.Millisecond)
	close(tr.gate)
	wg.Wait()

	assert.Equal(t, int32(1), tr.calls.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, tr.err)
	}
	assert.Equal(t, StateIdle, c.State(poolDescriptor()))
}

func TestExecuteFailureIsNotCached(t *testing.T) {
	var calls atomic.Int32
	c := New(TransportFunc(func(ctx context.Context, d Descriptor) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return []byte("ok"), nil
	}), Options{})
	ctx := context.Background()

	_, err := c.Execute(ctx, poolDescriptor())
	require.Error(t, err)

	res, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res))
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteThrottleWindow(t *testing.T) {
	clock := newFakeClock()
	tr := newCountingTransport()
	const window = 5 * time.Second
	c := New(tr, Options{Throttle: window, Now: clock.Now})
	ctx := context.Background()
	start := clock.Now()

	res, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "r1", string(res))

	clock.Set(start.Add(window - time.Millisecond))
	res, err = c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "r1", string(res))
	assert.Equal(t, int32(1), tr.calls.Load())
	assert.Equal(t, StateCompleted, c.State(poolDescriptor()))

	clock.Set(start.Add(window + time.Millisecond))
	assert.Equal(t, StateIdle, c.State(poolDescriptor()))
	res, err = c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "r2", string(res))
	assert.Equal(t, int32(2), tr.calls.Load())
}

func TestExecuteDistinctDescriptorsDoNotShare(t *testing.T) {
	tr := newCountingTransport()
	c := New(tr, Options{})
	ctx := context.Background()

	_, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	_, err = c.Execute(ctx, Descriptor{Method: MethodGet, URL: "/x", Params: map[string]any{"d": "2025-01-02"}})
	require.NoError(t, err)
	_, err = c.Execute(ctx, Descriptor{Method: MethodPost, URL: "/x", Params: map[string]any{"d": "2025-01-01"}})
	require.NoError(t, err)

	assert.Equal(t, int32(3), tr.calls.Load())
}

func TestExecuteBypassRefreshesThrottleCache(t *testing.T) {
	clock := newFakeClock()
	tr := newCountingTransport()
	c := New(tr, Options{Now: clock.Now})
	ctx := context.Background()

	_, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)

	bypass := poolDescriptor()
	bypass.BypassCache = true
	res, err := c.Execute(ctx, bypass)
	require.NoError(t, err)
	assert.Equal(t, "r2", string(res))

	// Non-bypassing callers now see the bypass result.
	res, err = c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "r2", string(res))
	assert.Equal(t, int32(2), tr.calls.Load())
}

func TestExecuteJoinsInFlightBypass(t *testing.T) {
	tr := newCountingTransport()
	tr.gate = make(chan struct{})
	c := New(tr, Options{})

	bypass := poolDescriptor()
	bypass.BypassCache = true

	var wg sync.WaitGroup
	var bypassRes, joinRes []byte
	wg.Add(1)
	go func() {
		defer wg.Done()
		bypassRes, _ = c.Execute(context.Background(), bypass)
	}()
	<-tr.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		joinRes, _ = c.Execute(context.Background(), poolDescriptor())
	}()
	time.Sleep(50 * time.Millisecond)
	close(tr.gate)
	wg.Wait()

	assert.Equal(t, int32(1), tr.calls.Load())
	assert.Equal(t, "r1", string(bypassRes))
	assert.Equal(t, "r1", string(joinRes))
}

func TestExecuteBypassWhileInFlightStartsNewExecution(t *testing.T) {
	tr := newCountingTransport()
	tr.gate = make(chan struct{})
	c := New(tr, Options{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = c.Execute(context.Background(), poolDescriptor())
	}()
	<-tr.started

	bypass := poolDescriptor()
	bypass.BypassCache = true
	go func() {
		defer wg.Done()
		_, _ = c.Execute(context.Background(), bypass)
	}()
	<-tr.started

	close(tr.gate)
	wg.Wait()
	assert.Equal(t, int32(2), tr.calls.Load())
}

func TestExecuteAbandonedCallerStillPopulatesCache(t *testing.T) {
	tr := newCountingTransport()
	tr.gate = make(chan struct{})
	c := New(tr, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(ctx, poolDescriptor())
		done <- err
	}()
	<-tr.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(tr.gate)
	require.Eventually(t, func() bool {
		return c.State(poolDescriptor()) == StateCompleted
	}, time.Second, 5*time.Millisecond)

	res, err := c.Execute(context.Background(), poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "r1", string(res))
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestExecuteResultsAreIndependentCopies(t *testing.T) {
	c := New(TransportFunc(func(ctx context.Context, d Descriptor) ([]byte, error) {
		return []byte("abc"), nil
	}), Options{})
	ctx := context.Background()

	first, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	first[0] = 'x'

	second, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(second))
}

func TestPurge(t *testing.T) {
	clock := newFakeClock()
	c := New(newCountingTransport(), Options{Throttle: time.Second, Now: clock.Now})

	_, err := c.Execute(context.Background(), poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, 0, c.Purge())

	clock.Set(clock.Now().Add(2 * time.Second))
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, StateIdle, c.State(poolDescriptor()))
}

func TestExecuteRejectsUnsupportedMethod(t *testing.T) {
	tr := newCountingTransport()
	c := New(tr, Options{})

	_, err := c.Execute(context.Background(), Descriptor{Method: "DELETE", URL: "/x"})
	require.Error(t, err)
	assert.Equal(t, int32(0), tr.calls.Load())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	clock := newFakeClock()
	tr := newCountingTransport()
	c := New(tr, Options{Now: clock.Now, Registerer: reg})
	ctx := context.Background()

	_, err := c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	_, err = c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)

	tr.err = errors.New("boom")
	_, err = c.Execute(ctx, Descriptor{Method: MethodGet, URL: "/y"})
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.executions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.throttleHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.failures))

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "limitboard_coalesce_executions_total")
}

func TestFetchReportsCacheHits(t *testing.T) {
	clock := newFakeClock()
	tr := newCountingTransport()
	c := New(tr, Options{Now: clock.Now})
	ctx := context.Background()

	res, err := c.Fetch(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "r1", string(res.Body))

	clock.Set(clock.Now().Add(time.Second))
	res, err = c.Fetch(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "r1", string(res.Body))

	bypass := poolDescriptor()
	bypass.BypassCache = true
	res, err = c.Fetch(ctx, bypass)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "r2", string(res.Body))
}

// scriptedTransport hands each execution its own gate and body, in call
// order.
type scriptedTransport struct {
	mu      sync.Mutex
	n       int
	gates   []chan struct{}
	bodies  []string
	started chan int
}

func (t *scriptedTransport) Do(ctx context.Context, d Descriptor) ([]byte, error) {
	t.mu.Lock()
	i := t.n
	t.n++
	t.mu.Unlock()
	t.started <- i
	if t.gates[i] != nil {
		<-t.gates[i]
	}
	return []byte(t.bodies[i]), nil
}

func TestOlderExecutionDoesNotOverwriteNewerResult(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptedTransport{
		gates:   []chan struct{}{make(chan struct{}), nil},
		bodies:  []string{"stale", "fresh"},
		started: make(chan int, 2),
	}
	c := New(tr, Options{Now: clock.Now, Throttle: time.Minute})
	ctx := context.Background()

	done := make(chan []byte)
	go func() {
		body, _ := c.Execute(ctx, poolDescriptor())
		done <- body
	}()
	<-tr.started

	clock.Set(clock.Now().Add(time.Second))
	bypass := poolDescriptor()
	bypass.BypassCache = true
	body, err := c.Execute(ctx, bypass)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(body))

	close(tr.gates[0])
	assert.Equal(t, "stale", string(<-done))

	body, err = c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(body))
}

func TestLeaderRechecksThrottleCache(t *testing.T) {
	clock := newFakeClock()
	tr := newCountingTransport()
	c := New(tr, Options{Now: clock.Now})
	ctx := context.Background()
	key, err := poolDescriptor().Key()
	require.NoError(t, err)

	// A result that lands after the caller's cache check is found by the
	// leader instead of triggering a second execution.
	_, err = c.Execute(ctx, poolDescriptor())
	require.NoError(t, err)
	res, err := c.lead(ctx, key, poolDescriptor())
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "r1", string(res.Body))
	assert.Equal(t, int32(1), tr.calls.Load())

	bypass := poolDescriptor()
	bypass.BypassCache = true
	res, err = c.lead(ctx, key, bypass)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), tr.calls.Load())
}
