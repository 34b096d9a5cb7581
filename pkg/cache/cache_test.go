// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	id       int
	mu       sync.Mutex
	disposed int
}

func (c *testClient) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed++
	return nil
}

func (c *testClient) disposeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// newTestCache returns a cache on a fake clock with a cleanup interval long
// enough that the background sweep never interferes with the test.
func newTestCache(t *testing.T, cfg Config) (*Cache[*testClient], *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.SlidingTTL == 0 {
		cfg.SlidingTTL = time.Minute
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 100
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	cfg.Clock = clock

	c, err := New[*testClient](cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, clock
}

func fixedFactory(c *testClient, calls *atomic.Int64) Factory[*testClient] {
	return func(context.Context) (*testClient, error) {
		calls.Add(1)
		return c, nil
	}
}

func TestGetOrCreateColdHitWarmReuse(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})

	var calls atomic.Int64
	want := &testClient{id: 1}

	got, err := c.GetOrCreate(context.Background(), "k", fixedFactory(want, &calls))
	require.NoError(t, err)
	assert.Same(t, want, got)

	got, err = c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{id: 2}, &calls))
	require.NoError(t, err)
	assert.Same(t, want, got, "second call must return the cached instance")
	assert.Equal(t, int64(1), calls.Load())
}

func TestSlidingTTLResetsOnAccess(t *testing.T) {
	t.Parallel()
	c, clock := newTestCache(t, Config{SlidingTTL: 10 * time.Second})

	var calls atomic.Int64
	first := &testClient{id: 1}
	_, err := c.GetOrCreate(context.Background(), "k", fixedFactory(first, &calls))
	require.NoError(t, err)

	// Each access within the window pushes the deadline out.
	for i := 0; i < 3; i++ {
		clock.Advance(6 * time.Second)
		got, err := c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{id: 2}, &calls))
		require.NoError(t, err)
		assert.Same(t, first, got)
	}
	assert.Equal(t, int64(1), calls.Load())

	// Left untouched past the window, the entry expires and is disposed.
	clock.Advance(11 * time.Second)
	second := &testClient{id: 2}
	got, err := c.GetOrCreate(context.Background(), "k", fixedFactory(second, &calls))
	require.NoError(t, err)
	assert.Same(t, second, got)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 1, first.disposeCount())
}

func TestAbsoluteTTLCapsSlidingRenewal(t *testing.T) {
	t.Parallel()
	c, clock := newTestCache(t, Config{
		SlidingTTL:  4 * time.Second,
		AbsoluteTTL: 10 * time.Second,
	})

	var calls atomic.Int64
	first := &testClient{id: 1}
	_, err := c.GetOrCreate(context.Background(), "k", fixedFactory(first, &calls))
	require.NoError(t, err)

	// Constant access keeps the sliding deadline alive...
	for i := 0; i < 3; i++ {
		clock.Advance(3 * time.Second)
		_, err := c.GetOrCreate(context.Background(), "k", fixedFactory(first, &calls))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), calls.Load())

	// ...but the absolute deadline wins regardless of access.
	clock.Advance(3 * time.Second)
	_, err = c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{id: 2}, &calls))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, 1, first.disposeCount())
}

func TestCustomTTLOverridesDefault(t *testing.T) {
	t.Parallel()
	c, clock := newTestCache(t, Config{SlidingTTL: time.Hour})

	var calls atomic.Int64
	_, err := c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{}, &calls), WithCustomTTL(2*time.Second))
	require.NoError(t, err)

	// Accessing the entry does not extend it past its cap.
	clock.Advance(1 * time.Second)
	_, err = c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{}, &calls))
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	clock.Advance(2 * time.Second)
	_, err = c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{}, &calls))
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestNonPositiveCustomTTLIsUncacheable(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})

	var calls atomic.Int64
	for i := 0; i < 2; i++ {
		got, err := c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{id: i}, &calls), WithCustomTTL(0))
		require.NoError(t, err)
		assert.Equal(t, i, got.id, "caller still observes a successful construction")
	}

	assert.Equal(t, int64(2), calls.Load(), "uncacheable values are rebuilt per call")
	assert.Equal(t, 0, c.Stats().Size, "cache size unchanged")
}

func TestSingleFlightCoalescesConcurrentCalls(t *testing.T) {
	t.Parallel()

	c, err := New[*testClient](Config{
		Name:       "herd",
		SlidingTTL: time.Minute,
		MaxSize:    10,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	var calls atomic.Int64
	want := &testClient{id: 42}
	factory := func(context.Context) (*testClient, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return want, nil
	}

	const waiters = 50
	results := make([]*testClient, waiters)
	errs := make([]error, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCreate(context.Background(), "k", factory)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "factory must run exactly once")
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, want, results[i])
	}
	assert.Equal(t, 0, c.Stats().PendingCount)
}

func TestFactoryErrorPropagatesToAllWaiters(t *testing.T) {
	t.Parallel()

	c, err := New[*testClient](Config{
		Name:       "errs",
		SlidingTTL: time.Minute,
		MaxSize:    10,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	wantErr := errors.New("factory exploded")
	var calls atomic.Int64
	factory := func(context.Context) (*testClient, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil, wantErr
	}

	const waiters = 10
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrCreate(context.Background(), "k", factory)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i := 0; i < waiters; i++ {
		assert.ErrorIs(t, errs[i], wantErr)
	}

	// Nothing was stored and the pending slot was released: the next call
	// retries.
	assert.Equal(t, 0, c.Stats().Size)
	assert.Equal(t, 0, c.Stats().PendingCount)
	var retries atomic.Int64
	got, err := c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{id: 7}, &retries))
	require.NoError(t, err)
	assert.Equal(t, 7, got.id)
}

func TestWaiterCancellationDoesNotCancelFactory(t *testing.T) {
	t.Parallel()

	c, err := New[*testClient](Config{
		Name:       "cancel",
		SlidingTTL: time.Minute,
		MaxSize:    10,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	release := make(chan struct{})
	started := make(chan struct{})
	want := &testClient{id: 1}
	factory := func(ctx context.Context) (*testClient, error) {
		close(started)
		<-release
		// The coalescing layer must not have cancelled us.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return want, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCreate(ctx, "k", factory)
		cancelledErr <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-cancelledErr, context.Canceled)

	// The in-flight factory completes and its result lands in the cache for
	// the next caller.
	close(release)
	assert.Eventually(t, func() bool {
		return c.Stats().Size == 1 && c.Stats().PendingCount == 0
	}, 2*time.Second, 10*time.Millisecond)

	got, err := c.GetOrCreate(context.Background(), "k", func(context.Context) (*testClient, error) {
		t.Error("factory must not run again")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestLRUEvictionDisposesVictim(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{MaxSize: 2})

	clients := []*testClient{{id: 0}, {id: 1}, {id: 2}}
	var calls atomic.Int64
	for i, key := range []string{"a", "b", "c"} {
		_, err := c.GetOrCreate(context.Background(), key, fixedFactory(clients[i], &calls))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, c.Stats().Size)
	assert.Equal(t, 1, clients[0].disposeCount(), "oldest entry is evicted and disposed")
	assert.Equal(t, 0, clients[1].disposeCount())
	assert.Equal(t, 0, clients[2].disposeCount())
}

func TestDeleteDisposesExactlyOnce(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})

	var calls atomic.Int64
	client := &testClient{}
	_, err := c.GetOrCreate(context.Background(), "k", fixedFactory(client, &calls))
	require.NoError(t, err)

	assert.True(t, c.Delete("k"))
	assert.Equal(t, 1, client.disposeCount())

	assert.False(t, c.Delete("k"), "second delete finds nothing")
	assert.Equal(t, 1, client.disposeCount())
}

func TestClearDisposesAllEntries(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})

	var calls atomic.Int64
	clients := []*testClient{{id: 0}, {id: 1}}
	for i, key := range []string{"a", "b"} {
		_, err := c.GetOrCreate(context.Background(), key, fixedFactory(clients[i], &calls))
		require.NoError(t, err)
	}

	c.Clear()
	assert.Equal(t, 0, c.Stats().Size)
	for _, client := range clients {
		assert.Equal(t, 1, client.disposeCount())
	}
}

func TestDisposalErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c, err := New[Disposable](Config{
		Name:            "baddispose",
		SlidingTTL:      time.Minute,
		MaxSize:         10,
		CleanupInterval: 24 * time.Hour,
		Clock:           clock,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	bad := DisposeFunc(func() error { return errors.New("broken teardown") })
	_, err = c.GetOrCreate(context.Background(), "k", func(context.Context) (Disposable, error) {
		return bad, nil
	})
	require.NoError(t, err)

	// Neither delete nor subsequent operations observe the disposal error.
	assert.True(t, c.Delete("k"))
	_, err = c.GetOrCreate(context.Background(), "k", func(context.Context) (Disposable, error) {
		return DisposeFunc(func() error { return nil }), nil
	})
	assert.NoError(t, err)
}

func TestBackgroundSweepRemovesExpiredEntries(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	c, err := New[*testClient](Config{
		Name:            "sweep",
		SlidingTTL:      10 * time.Second,
		MaxSize:         10,
		CleanupInterval: 30 * time.Second,
		Clock:           clock,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	var calls atomic.Int64
	client := &testClient{}
	_, err = c.GetOrCreate(context.Background(), "k", fixedFactory(client, &calls))
	require.NoError(t, err)

	// Wait for the sweep goroutine to be parked on its ticker before
	// advancing past both the entry TTL and the cleanup interval.
	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(31 * time.Second)

	assert.Eventually(t, func() bool {
		return c.Stats().Size == 0 && client.disposeCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "expired entry is removed and disposed without being read")
}

func TestCloseDisposesAndRejectsFurtherUse(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, Config{})

	var calls atomic.Int64
	client := &testClient{}
	_, err := c.GetOrCreate(context.Background(), "k", fixedFactory(client, &calls))
	require.NoError(t, err)

	c.Close()
	assert.Equal(t, 1, client.disposeCount())

	_, err = c.GetOrCreate(context.Background(), "k", fixedFactory(&testClient{}, &calls))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New[*testClient](Config{Name: "nottl", MaxSize: 1})
	assert.Error(t, err)

	_, err = New[*testClient](Config{Name: "nosize", SlidingTTL: time.Minute})
	assert.Error(t, err)
}
