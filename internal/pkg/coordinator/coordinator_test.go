package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"
)

const interval = 30 * time.Second

type reading struct {
	Temp float64
}

type result struct {
	value reading
	err   error
}

// fakeSource hands out queued results, one per fetch.
type fakeSource struct {
	mu      sync.Mutex
	results []result
	calls   atomic.Int32
	block   chan struct{}
}

func (f *fakeSource) push(r ...result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r...)
}

func (f *fakeSource) fetch(ctx context.Context) (reading, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return reading{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return reading{}, errors.New("no more results")
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.value, r.err
}

func newTestCoordinator(t *testing.T, src *fakeSource, opts ...Option) (*Coordinator[reading], *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clk), WithLogger(zaptest.NewLogger(t))}, opts...)
	c := New("test", interval, src.fetch, opts...)
	t.Cleanup(c.Shutdown)
	return c, clk
}

// waitFetches waits until n fetches happened and none is in flight.
func waitFetches(t *testing.T, c *Coordinator[reading], src *fakeSource, n int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return src.calls.Load() == n && !c.inflight.Load()
	}, time.Second, time.Millisecond, "expected %d fetches, got %d", n, src.calls.Load())
}

func TestRefreshNow_ReturnsFetchedValue(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 21.5}})
	c, _ := newTestCoordinator(t, src)

	got, err := c.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reading{Temp: 21.5}, got)

	cached, ok := c.Data()
	assert.True(t, ok)
	assert.Equal(t, reading{Temp: 21.5}, cached)
	assert.True(t, c.LastUpdateSuccess())
	assert.False(t, c.LastSuccess().IsZero())
}

func TestRefreshNow_FailureIsUpdateFailed(t *testing.T) {
	vendorErr := errors.New("connection refused")
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 20}}, result{err: vendorErr})
	c, _ := newTestCoordinator(t, src)

	_, err := c.RefreshNow(context.Background())
	require.NoError(t, err)

	_, err = c.RefreshNow(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpdateFailed)
	assert.ErrorIs(t, err, vendorErr)
	assert.Contains(t, err.Error(), "connection refused")

	cached, ok := c.Data()
	assert.True(t, ok)
	assert.Equal(t, reading{Temp: 20}, cached)
	assert.False(t, c.LastUpdateSuccess())
	assert.ErrorIs(t, c.LastError(), vendorErr)
}

func TestFirstRefresh_FailureIsSetupFailed(t *testing.T) {
	src := &fakeSource{}
	src.push(result{err: errors.New("timeout")})
	c, _ := newTestCoordinator(t, src)

	err := c.FirstRefresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSetupFailed)

	_, ok := c.Data()
	assert.False(t, ok, "cache must stay unset after a failed first refresh")
}

func TestFirstRefresh_AuthFailedIsNotWrapped(t *testing.T) {
	src := &fakeSource{}
	src.push(result{err: errors.Join(ErrAuthFailed, errors.New("401"))})
	called := false
	c, _ := newTestCoordinator(t, src, WithAuthFailedHandler(func(error) { called = true }))

	err := c.FirstRefresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.NotErrorIs(t, err, ErrSetupFailed)
	assert.False(t, called, "setup failures are reported by the caller")
}

func TestAddListener_StartsImmediateFetchAndTicker(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 1}}, result{value: reading{Temp: 2}})
	c, clk := newTestCoordinator(t, src)

	assert.Equal(t, StateIdle, c.Status().State)
	sub := c.AddListener(func() {})
	defer sub.Unsubscribe()

	waitFetches(t, c, src, 1)
	assert.Equal(t, StatePolling, c.Status().State)

	clk.Step(interval)
	waitFetches(t, c, src, 2)

	cached, _ := c.Data()
	assert.Equal(t, reading{Temp: 2}, cached)
}

func TestAddListener_SecondListenerDoesNotFetch(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 1}})
	c, _ := newTestCoordinator(t, src)

	first := c.AddListener(func() {})
	defer first.Unsubscribe()
	waitFetches(t, c, src, 1)

	second := c.AddListener(func() {})
	defer second.Unsubscribe()
	assert.Never(t, func() bool { return src.calls.Load() != 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, c.ListenerCount())
}

func TestRemoveLastListener_StopsPolling(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 1}})
	c, clk := newTestCoordinator(t, src)

	sub := c.AddListener(func() {})
	waitFetches(t, c, src, 1)

	sub.Unsubscribe()
	assert.Equal(t, StateIdle, c.Status().State)
	for range 10 {
		clk.Step(interval)
	}
	assert.Never(t, func() bool { return src.calls.Load() != 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestUnsubscribeTwice_IsIdempotent(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 1}})
	c, _ := newTestCoordinator(t, src)

	a := c.AddListener(func() {})
	b := c.AddListener(func() {})
	waitFetches(t, c, src, 1)

	a.Unsubscribe()
	a.Unsubscribe()
	c.RemoveListener(a)
	assert.Equal(t, 1, c.ListenerCount())

	b.Unsubscribe()
	b.Unsubscribe()
	assert.Equal(t, 0, c.ListenerCount())

	var nilSub *Subscription
	assert.NotPanics(t, nilSub.Unsubscribe)
}

func TestNoListeners_NeverFetches(t *testing.T) {
	src := &fakeSource{}
	_, clk := newTestCoordinator(t, src)

	for range 100 {
		clk.Step(time.Hour)
	}
	assert.Never(t, func() bool { return src.calls.Load() != 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPolling_FailureKeepsCacheAndRecovers(t *testing.T) {
	src := &fakeSource{}
	src.push(
		result{value: reading{Temp: 21.5}},
		result{err: errors.New("ConnectionError")},
		result{value: reading{Temp: 22.0}},
	)
	c, clk := newTestCoordinator(t, src)

	var notified atomic.Int32
	sub := c.AddListener(func() { notified.Add(1) })
	defer sub.Unsubscribe()

	// t=0
	waitFetches(t, c, src, 1)
	cached, _ := c.Data()
	assert.Equal(t, reading{Temp: 21.5}, cached)
	assert.True(t, c.LastUpdateSuccess())

	// t=30
	clk.Step(interval)
	waitFetches(t, c, src, 2)
	cached, _ = c.Data()
	assert.Equal(t, reading{Temp: 21.5}, cached)
	assert.False(t, c.LastUpdateSuccess())
	assert.Equal(t, StateFailed, c.Status().State)
	assert.False(t, c.Status().Available)

	// t=60, the ticker kept running after the failure
	clk.Step(interval)
	waitFetches(t, c, src, 3)
	cached, _ = c.Data()
	assert.Equal(t, reading{Temp: 22.0}, cached)
	assert.True(t, c.LastUpdateSuccess())
	assert.True(t, c.Status().Available)

	assert.Equal(t, int32(3), notified.Load())
}

func TestPolling_RepeatedFailuresLogOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	src := &fakeSource{}
	src.push(
		result{value: reading{Temp: 1}},
		result{err: errors.New("boom")},
		result{err: errors.New("boom")},
		result{value: reading{Temp: 2}},
	)
	c, clk := newTestCoordinator(t, src, WithLogger(zap.New(core)))

	sub := c.AddListener(func() {})
	defer sub.Unsubscribe()
	waitFetches(t, c, src, 1)
	for i := int32(2); i <= 4; i++ {
		clk.Step(interval)
		waitFetches(t, c, src, i)
	}

	assert.Equal(t, 1, logs.FilterMessage("error fetching data").FilterLevelExact(zapcore.ErrorLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("error fetching data").FilterLevelExact(zapcore.DebugLevel).Len())
	assert.Equal(t, 1, logs.FilterMessage("data fetch recovered").Len())
}

func TestPolling_TickSkippedWhileFetchInFlight(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	src.push(result{value: reading{Temp: 1}}, result{value: reading{Temp: 2}})
	c, clk := newTestCoordinator(t, src)

	sub := c.AddListener(func() {})
	defer sub.Unsubscribe()
	require.Eventually(t, c.inflight.Load, time.Second, time.Millisecond)
	assert.Equal(t, StateFetching, c.Status().State)

	clk.Step(interval)
	clk.Step(interval)
	assert.Never(t, func() bool { return src.calls.Load() != 1 }, 50*time.Millisecond, 5*time.Millisecond)

	close(src.block)
	waitFetches(t, c, src, 1)
}

func TestRefreshNow_JoinsInFlightFetch(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	src.push(result{value: reading{Temp: 7}})
	c, _ := newTestCoordinator(t, src)

	var wg sync.WaitGroup
	got := make([]reading, 3)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], _ = c.RefreshNow(context.Background())
		}()
	}
	require.Eventually(t, c.inflight.Load, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.block)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, r := range got {
		assert.Equal(t, reading{Temp: 7}, r)
	}
}

func TestRefreshNow_CallerCancelKeepsAvailability(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 21.5}}, result{value: reading{Temp: 22.0}})
	core, logs := observer.New(zapcore.DebugLevel)
	c, _ := newTestCoordinator(t, src, WithLogger(zap.New(core)))

	_, err := c.RefreshNow(context.Background())
	require.NoError(t, err)

	var notified atomic.Int32
	c.mu.Lock()
	c.listeners = append(c.listeners, listenerEntry{id: 99, fn: func() { notified.Add(1) }})
	c.mu.Unlock()

	src.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.RefreshNow(ctx)
		done <- err
	}()
	require.Eventually(t, c.inflight.Load, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrUpdateFailed)
	case <-time.After(time.Second):
		t.Fatal("RefreshNow did not return after cancel")
	}
	assert.True(t, c.LastUpdateSuccess())
	assert.Zero(t, logs.FilterMessage("error fetching data").Len())

	// the shared fetch still completes and is cached
	close(src.block)
	waitFetches(t, c, src, 2)
	cached, ok := c.Data()
	require.True(t, ok)
	assert.Equal(t, reading{Temp: 22.0}, cached)
	assert.True(t, c.LastUpdateSuccess())
	assert.Equal(t, int32(1), notified.Load())
}

func TestNotify_RegistrationOrder(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 1}}, result{value: reading{Temp: 2}})
	c, _ := newTestCoordinator(t, src)

	var mu sync.Mutex
	var order []string
	add := func(name string) *Subscription {
		return c.AddListener(func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		})
	}
	a := add("a")
	defer a.Unsubscribe()
	waitFetches(t, c, src, 1)
	b := add("b")
	defer b.Unsubscribe()
	d := add("c")
	defer d.Unsubscribe()

	mu.Lock()
	order = nil
	mu.Unlock()

	_, err := c.RefreshNow(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestAlwaysUpdateDisabled_SkipsEqualData(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 1}}, result{value: reading{Temp: 1}}, result{value: reading{Temp: 3}})
	c, _ := newTestCoordinator(t, src, WithAlwaysUpdate(false))

	var notified atomic.Int32
	c.listeners = append(c.listeners, listenerEntry{id: 99, fn: func() { notified.Add(1) }})

	for range 3 {
		_, err := c.RefreshNow(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), notified.Load())
}

func TestAuthFailure_PausesPollingUntilRefreshSucceeds(t *testing.T) {
	src := &fakeSource{}
	src.push(
		result{value: reading{Temp: 1}},
		result{err: errors.Join(ErrAuthFailed, errors.New("token expired"))},
		result{value: reading{Temp: 5}},
		result{value: reading{Temp: 6}},
	)
	var authErr atomic.Value
	c, clk := newTestCoordinator(t, src, WithAuthFailedHandler(func(err error) { authErr.Store(err) }))

	sub := c.AddListener(func() {})
	defer sub.Unsubscribe()
	waitFetches(t, c, src, 1)

	clk.Step(interval)
	waitFetches(t, c, src, 2)
	require.NotNil(t, authErr.Load())
	assert.ErrorIs(t, authErr.Load().(error), ErrAuthFailed)
	assert.Equal(t, StateIdle, c.Status().State)

	for range 5 {
		clk.Step(interval)
	}
	assert.Never(t, func() bool { return src.calls.Load() != 2 }, 50*time.Millisecond, 5*time.Millisecond)

	// new credentials, forced refresh resumes polling
	_, err := c.RefreshNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePolling, c.Status().State)
	clk.Step(interval)
	waitFetches(t, c, src, 4)
}

func TestSetUpdatedData_NotifiesAndCaches(t *testing.T) {
	src := &fakeSource{}
	c, _ := newTestCoordinator(t, src)

	var notified atomic.Int32
	c.listeners = append(c.listeners, listenerEntry{id: 1, fn: func() { notified.Add(1) }})

	c.SetUpdatedData(reading{Temp: 9})
	cached, ok := c.Data()
	assert.True(t, ok)
	assert.Equal(t, reading{Temp: 9}, cached)
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, int32(0), src.calls.Load())
}

func TestRequestRefresh_IsDebounced(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 1}}, result{value: reading{Temp: 2}}, result{value: reading{Temp: 3}})
	c, clk := newTestCoordinator(t, src, WithRequestRefreshCooldown(10*time.Second))

	c.RequestRefresh()
	waitFetches(t, c, src, 1)

	c.RequestRefresh()
	c.RequestRefresh()
	c.RequestRefresh()
	assert.Never(t, func() bool { return src.calls.Load() != 1 }, 30*time.Millisecond, 5*time.Millisecond)

	clk.Step(10 * time.Second)
	waitFetches(t, c, src, 2)
}

func TestShutdown_StopsEverything(t *testing.T) {
	src := &fakeSource{}
	src.push(result{value: reading{Temp: 1}})
	c, clk := newTestCoordinator(t, src)

	sub := c.AddListener(func() {})
	defer sub.Unsubscribe()
	waitFetches(t, c, src, 1)

	c.Shutdown()
	c.Shutdown()
	clk.Step(interval)

	_, err := c.RefreshNow(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, StateIdle, c.Status().State)
}

func TestUnsubscribeDuringFetch_DoesNotRearm(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	src.push(result{value: reading{Temp: 4}})
	c, clk := newTestCoordinator(t, src)

	sub := c.AddListener(func() {})
	require.Eventually(t, c.inflight.Load, time.Second, time.Millisecond)
	sub.Unsubscribe()
	close(src.block)
	waitFetches(t, c, src, 1)

	cached, ok := c.Data()
	assert.True(t, ok)
	assert.Equal(t, reading{Temp: 4}, cached)
	assert.Equal(t, StateIdle, c.Status().State)

	clk.Step(interval)
	assert.Never(t, func() bool { return src.calls.Load() != 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestWithTimeout_BoundsFetch(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	c := New("slow", interval, src.fetch, WithTimeout(10*time.Millisecond), WithLogger(zaptest.NewLogger(t)))
	defer c.Shutdown()

	_, err := c.RefreshNow(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUpdateFailed)
}
