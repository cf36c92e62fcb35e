// Package coordinator polls a single data source on a fixed interval while at
// least one listener is registered, caches the last good result and fans out
// change notifications to its listeners.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultInterval is used when a coordinator is created without an interval.
const DefaultInterval = 30 * time.Second

type State string

func (s State) String() string {
	return string(s)
}

const (
	StateIdle     State = "idle"     // no listeners, ticker stopped
	StatePolling  State = "polling"  // ticker running, nothing in flight
	StateFetching State = "fetching" // one fetch in flight
	StateFailed   State = "failed"   // last fetch errored, still polling
)

// FetchFunc is the vendor specific fetch supplied by an integration.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Listener is called after the cached data or its availability changed.
// Listeners read the coordinator, they are not handed the data.
type Listener func()

// Status is a point in time snapshot of a coordinator.
type Status struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Available   bool      `json:"available"`
	HasData     bool      `json:"has_data"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
	Interval    string    `json:"interval"`
	Listeners   int       `json:"listeners"`
}

// Handle is the type erased view of a coordinator held by the host.
type Handle interface {
	Name() string
	Refresh(ctx context.Context) error
	RequestRefresh()
	LastUpdateSuccess() bool
	Status() Status
	Shutdown()
}

var _ Handle = (*Coordinator[struct{}])(nil)

type listenerEntry struct {
	id uint64
	fn Listener
}

type Coordinator[T any] struct {
	name     string
	interval time.Duration
	fetch    FetchFunc[T]
	cfg      *settings
	logger   *zap.Logger

	group    singleflight.Group
	inflight atomic.Bool
	debounce *debouncer

	// ctx is cancelled on Shutdown and bounds timer driven fetches.
	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	data              T
	hasData           bool
	lastUpdateSuccess bool
	lastSuccess       time.Time
	lastErr           error
	listeners         []listenerEntry
	nextID            uint64
	stop              chan struct{} // nil while idle
	authPaused        bool
	shutdown          bool
}

func New[T any](name string, interval time.Duration, fetch FetchFunc[T], opts ...Option) *Coordinator[T] {
	cfg := defaultSettings()
	for _, o := range opts {
		o(cfg)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator[T]{
		name:              name,
		interval:          interval,
		fetch:             fetch,
		cfg:               cfg,
		logger:            cfg.logger.With(zap.String("coordinator", name)),
		ctx:               ctx,
		cancel:            cancel,
		lastUpdateSuccess: true,
	}
	c.debounce = newDebouncer(cfg.clock, cfg.cooldown, func() {
		_, _ = c.refresh(c.ctx, false)
	})
	return c
}

func (c *Coordinator[T]) Name() string {
	return c.name
}

func (c *Coordinator[T]) Interval() time.Duration {
	return c.interval
}

// AddListener registers l. The first listener starts the ticker and triggers
// one immediate fetch in the background.
func (c *Coordinator[T]) AddListener(l Listener) *Subscription {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	first := len(c.listeners) == 0
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: l})
	count := len(c.listeners)
	start := first && !c.shutdown && !c.authPaused
	if start {
		c.startLocked()
	}
	c.mu.Unlock()

	c.cfg.recorder.SetListeners(c.name, count)
	if start {
		c.logger.Debug("first listener registered, polling started", zap.Duration("interval", c.interval))
		go c.tick()
	}
	return &Subscription{remove: func() { c.removeListener(id) }}
}

// RemoveListener is the same as sub.Unsubscribe().
func (c *Coordinator[T]) RemoveListener(sub *Subscription) {
	sub.Unsubscribe()
}

func (c *Coordinator[T]) removeListener(id uint64) {
	c.mu.Lock()
	_, idx, ok := lo.FindIndexOf(c.listeners, func(e listenerEntry) bool {
		return e.id == id
	})
	if !ok {
		c.mu.Unlock()
		return
	}
	c.listeners = slices.Delete(c.listeners, idx, idx+1)
	count := len(c.listeners)
	if count == 0 {
		c.stopLocked()
	}
	c.mu.Unlock()

	c.cfg.recorder.SetListeners(c.name, count)
	if count == 0 {
		c.logger.Debug("last listener removed, polling stopped")
	}
}

func (c *Coordinator[T]) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *Coordinator[T]) startLocked() {
	if c.stop != nil {
		return
	}
	stop := make(chan struct{})
	c.stop = stop
	ticker := c.cfg.clock.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.ctx.Done():
				return
			case <-ticker.C():
				go c.tick()
			}
		}
	}()
}

func (c *Coordinator[T]) stopLocked() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.stop = nil
}

func (c *Coordinator[T]) tick() {
	if c.inflight.Load() {
		c.logger.Debug("fetch still in flight, skipping tick")
		return
	}
	_, _ = c.refresh(c.ctx, false)
}

// refresh runs at most one fetch at a time, concurrent callers share its result.
// The fetch is bound to the coordinator, not to ctx: a caller giving up only
// stops waiting and leaves availability untouched.
func (c *Coordinator[T]) refresh(ctx context.Context, setup bool) (T, error) {
	var zero T
	ch := c.group.DoChan(c.name, func() (any, error) {
		c.inflight.Store(true)
		defer c.inflight.Store(false)
		return c.fetchAndStore(setup)
	})
	select {
	case res := <-ch:
		data, _ := res.Val.(T)
		return data, res.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Coordinator[T]) fetchAndStore(setup bool) (T, error) {
	var zero T
	if c.isShutdown() {
		return zero, ErrShutdown
	}
	ctx := c.ctx
	if c.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.timeout)
		defer cancel()
	}

	start := c.cfg.clock.Now()
	data, err := c.fetch(ctx)
	c.cfg.recorder.ObserveRefresh(c.name, err, c.cfg.clock.Since(start))
	if err != nil && c.ctx.Err() != nil {
		return zero, ErrShutdown
	}
	if err != nil {
		return zero, c.fail(err, setup)
	}
	c.succeed(data)
	return data, nil
}

func (c *Coordinator[T]) fail(err error, setup bool) error {
	uerr := classify(c.name, err)
	auth := errors.Is(uerr.Kind, ErrAuthFailed)

	c.mu.Lock()
	wasAvailable := c.lastUpdateSuccess
	c.lastUpdateSuccess = false
	c.lastErr = uerr
	if auth && !setup {
		c.authPaused = true
		c.stopLocked()
	}
	c.mu.Unlock()

	c.cfg.recorder.SetAvailable(c.name, false)
	switch {
	case setup:
		c.logger.Debug("first refresh failed", zap.Error(err))
	case wasAvailable:
		c.logger.Error("error fetching data", zap.Error(err))
	default:
		c.logger.Debug("error fetching data", zap.Error(err))
	}

	if auth && !setup && c.cfg.onAuthFailed != nil {
		c.cfg.onAuthFailed(uerr)
	}
	if wasAvailable {
		c.notify()
	}
	return uerr
}

func (c *Coordinator[T]) succeed(data T) {
	c.mu.Lock()
	wasAvailable := c.lastUpdateSuccess
	prev, hadData := c.data, c.hasData
	c.data = data
	c.hasData = true
	c.lastUpdateSuccess = true
	c.lastSuccess = c.cfg.clock.Now()
	c.lastErr = nil
	if c.authPaused {
		c.authPaused = false
		if len(c.listeners) > 0 && !c.shutdown {
			c.startLocked()
		}
	}
	c.mu.Unlock()

	c.cfg.recorder.SetAvailable(c.name, true)
	if !wasAvailable {
		c.logger.Info("data fetch recovered")
	}
	if c.cfg.alwaysUpdate || !wasAvailable || !hadData || !reflect.DeepEqual(prev, data) {
		c.notify()
	}
}

// notify calls listeners in registration order.
func (c *Coordinator[T]) notify() {
	c.mu.Lock()
	listeners := lo.Map(c.listeners, func(e listenerEntry, _ int) Listener {
		return e.fn
	})
	c.mu.Unlock()

	for _, l := range listeners {
		l()
	}
}

// RefreshNow fetches immediately, outside the ticker cadence. It works with or
// without listeners and joins a fetch that is already in flight.
func (c *Coordinator[T]) RefreshNow(ctx context.Context) (T, error) {
	return c.refresh(ctx, false)
}

func (c *Coordinator[T]) Refresh(ctx context.Context) error {
	_, err := c.RefreshNow(ctx)
	return err
}

// FirstRefresh is the setup time refresh. Unlike polling failures its errors
// are not swallowed: anything but an auth failure is wrapped in ErrSetupFailed
// so the host retries the whole setup later.
func (c *Coordinator[T]) FirstRefresh(ctx context.Context) error {
	if _, err := c.refresh(ctx, true); err != nil {
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrShutdown) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}
	return nil
}

// RequestRefresh asks for a debounced refresh and returns immediately.
func (c *Coordinator[T]) RequestRefresh() {
	c.debounce.call()
}

// SetUpdatedData stores data pushed by the integration as if it was fetched
// and restarts the tick phase.
func (c *Coordinator[T]) SetUpdatedData(data T) {
	c.mu.Lock()
	if c.stop != nil {
		c.stopLocked()
		c.startLocked()
	}
	c.mu.Unlock()
	c.succeed(data)
}

// Data returns the last successfully fetched value. It never blocks on I/O.
func (c *Coordinator[T]) Data() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.hasData
}

func (c *Coordinator[T]) LastUpdateSuccess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdateSuccess
}

func (c *Coordinator[T]) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Coordinator[T]) LastSuccess() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccess
}

func (c *Coordinator[T]) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := StatePolling
	switch {
	case c.inflight.Load():
		st = StateFetching
	case c.stop == nil:
		st = StateIdle
	case !c.lastUpdateSuccess:
		st = StateFailed
	}
	status := Status{
		Name:        c.name,
		State:       st,
		Available:   c.lastUpdateSuccess && c.hasData,
		HasData:     c.hasData,
		LastSuccess: c.lastSuccess,
		Interval:    c.interval.String(),
		Listeners:   len(c.listeners),
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

// Shutdown stops polling for good. A fetch started by the ticker is cancelled.
func (c *Coordinator[T]) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.stopLocked()
	c.mu.Unlock()

	c.debounce.shutdown()
	c.cancel()
	c.logger.Debug("coordinator shut down")
}

func (c *Coordinator[T]) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Subscription removes its listener when disposed. Disposing twice is a no-op.
type Subscription struct {
	once   sync.Once
	remove func()
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.remove == nil {
		return
	}
	s.once.Do(s.remove)
}

// NewSubscription wraps a remove func for listener sources other than
// Coordinator.
func NewSubscription(remove func()) *Subscription {
	return &Subscription{remove: remove}
}
