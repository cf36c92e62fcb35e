// Package hub loads config entries through their integrations and keeps
// them running.
package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/anicoll/pollbridge/internal/pkg/configflow"
	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/entity"
	"github.com/anicoll/pollbridge/internal/pkg/integration"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const (
	retryInitialInterval = 5 * time.Second
	retryMaxInterval     = 80 * time.Second
	setupTimeout         = time.Minute
)

var (
	ErrEntryNotFound = errors.New("config entry not found")
	ErrNotLoaded     = errors.New("config entry not loaded")
)

type EntryState string

const (
	StateNotLoaded       EntryState = "not_loaded"
	StateSetupInProgress EntryState = "setup_in_progress"
	StateLoaded          EntryState = "loaded"
	StateSetupRetry      EntryState = "setup_retry"
	StateSetupError      EntryState = "setup_error"
)

const reasonReauthRequired = "reauthentication required"

// Store persists config entries.
type Store interface {
	List(ctx context.Context) ([]model.ConfigEntry, error)
	Add(ctx context.Context, entry model.ConfigEntry) (model.ConfigEntry, error)
	Update(ctx context.Context, entry model.ConfigEntry) (model.ConfigEntry, error)
	Remove(ctx context.Context, id string) error
}

// Publisher receives entity states and remembers the latest ones.
type Publisher interface {
	entity.Writer
	Forget(ctx context.Context, entityIDs ...string)
	States() []model.State
}

// forgetter is implemented by recorders that keep per coordinator series.
type forgetter interface {
	Forget(name string)
}

// EntryStatus is the externally visible state of an entry.
type EntryStatus struct {
	model.ConfigEntry
	State       EntryState          `json:"state"`
	Reason      string              `json:"reason,omitempty"`
	NextRetry   *time.Time          `json:"next_retry,omitempty"`
	Coordinator *coordinator.Status `json:"coordinator,omitempty"`
	Entities    []string            `json:"entities,omitempty"`
	Services    []string            `json:"services,omitempty"`
}

type record struct {
	op sync.Mutex

	entry     model.ConfigEntry
	state     EntryState
	reason    string
	retry     clock.Timer
	nextRetry time.Time
	backoff   *backoff.ExponentialBackOff
	// gen is bumped by every unload so pending retries can tell they are stale.
	gen uint64
}

type Hub struct {
	logger       *zap.Logger
	clock        clock.WithTickerAndDelayedExecution
	store        Store
	publisher    Publisher
	integrations *integration.Integrations
	registry     *integration.Registry
	flows        *configflow.Manager
	host         *integration.Host

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	records map[string]*record
}

type Options struct {
	Logger       *zap.Logger
	Clock        clock.WithTickerAndDelayedExecution
	Store        Store
	Publisher    Publisher
	Integrations *integration.Integrations
	Flows        *configflow.Manager
	Recorder     coordinator.Recorder
	ScanInterval time.Duration
}

func New(opts Options) (*Hub, error) {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Flows == nil {
		opts.Flows = configflow.NewManager(opts.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:       opts.Logger,
		clock:        opts.Clock,
		store:        opts.Store,
		publisher:    opts.Publisher,
		integrations: opts.Integrations,
		registry:     integration.NewRegistry(),
		flows:        opts.Flows,
		ctx:          ctx,
		cancel:       cancel,
		records:      make(map[string]*record),
	}
	h.host = &integration.Host{
		Logger:       opts.Logger,
		Clock:        opts.Clock,
		Recorder:     opts.Recorder,
		Writer:       opts.Publisher,
		ScanInterval: opts.ScanInterval,
		OnAuthFailed: h.authFailed,
	}
	h.flows.SetSink(h)
	for _, in := range opts.Integrations.All() {
		if handler := in.Flow(); handler != nil {
			if err := h.flows.RegisterHandler(in.Domain(), handler); err != nil {
				cancel()
				return nil, err
			}
		}
	}
	return h, nil
}

func (h *Hub) Flows() *configflow.Manager {
	return h.flows
}

// Start loads every stored entry. Entries that fail to set up are retried or
// flagged, they never fail Start.
func (h *Hub) Start(ctx context.Context) error {
	entries, err := h.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load entries: %w", err)
	}

	h.mu.Lock()
	for _, e := range entries {
		h.records[e.ID] = newRecord(e)
	}
	h.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, e := range entries {
		if e.Disabled {
			continue
		}
		eg.Go(func() error {
			h.setup(egCtx, e.ID)
			return nil
		})
	}
	_ = eg.Wait()
	h.logger.Info("config entries loaded", zap.Int("count", len(entries)))
	return nil
}

// Shutdown unloads every entry and stops pending retries.
func (h *Hub) Shutdown(ctx context.Context) {
	h.cancel()
	h.mu.Lock()
	ids := lo.Keys(h.records)
	h.mu.Unlock()
	for _, id := range ids {
		if err := h.Unload(ctx, id); err != nil && !errors.Is(err, ErrEntryNotFound) {
			h.logger.Warn("failed to unload entry", zap.String("entry_id", id), zap.Error(err))
		}
	}
}

func newRecord(e model.ConfigEntry) *record {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return &record{entry: e, state: StateNotLoaded, backoff: b}
}

func (h *Hub) record(id string) (*record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return rec, nil
}

func (h *Hub) setState(rec *record, state EntryState, reason string) {
	h.mu.Lock()
	rec.state = state
	rec.reason = reason
	h.mu.Unlock()
}

// setup runs one setup attempt for an entry.
func (h *Hub) setup(ctx context.Context, id string) {
	rec, err := h.record(id)
	if err != nil {
		return
	}
	rec.op.Lock()
	defer rec.op.Unlock()
	if !h.current(id, rec, nil) {
		return
	}
	h.setupLocked(ctx, rec)
}

// retrySetup runs a scheduled retry unless the entry was unloaded or removed
// since it was scheduled.
func (h *Hub) retrySetup(id string, rec *record, gen uint64) {
	rec.op.Lock()
	defer rec.op.Unlock()
	if !h.current(id, rec, &gen) {
		h.logger.Debug("dropping stale setup retry", zap.String("entry_id", id))
		return
	}
	h.setupLocked(h.ctx, rec)
}

// current reports whether rec is still registered and, when gen is set, not
// unloaded since gen was taken.
func (h *Hub) current(id string, rec *record, gen *uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.records[id] != rec {
		return false
	}
	return gen == nil || rec.gen == *gen
}

func (h *Hub) setupLocked(ctx context.Context, rec *record) {
	h.mu.Lock()
	entry := rec.entry.Clone()
	state := rec.state
	if rec.retry != nil {
		rec.retry.Stop()
		rec.retry = nil
	}
	rec.nextRetry = time.Time{}
	h.mu.Unlock()

	if state == StateLoaded {
		return
	}
	logger := h.logger.With(zap.String("entry_id", entry.ID), zap.String("domain", entry.Domain))
	in, ok := h.integrations.Get(entry.Domain)
	if !ok {
		h.setState(rec, StateSetupError, "integration not found")
		logger.Error("integration not found")
		return
	}

	h.setState(rec, StateSetupInProgress, "")
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	rt, err := in.Setup(ctx, h.host, entry)
	if err == nil {
		if err = rt.Start(ctx); err != nil {
			_ = rt.Unload()
			err = fmt.Errorf("%w: %w", coordinator.ErrSetupFailed, err)
		}
	}
	if err == nil {
		if err = h.registry.Add(entry.ID, rt); err != nil {
			_ = rt.Unload()
		}
	}

	switch {
	case err == nil:
		h.mu.Lock()
		rec.backoff.Reset()
		h.mu.Unlock()
		h.setState(rec, StateLoaded, "")
		logger.Info("config entry loaded", zap.Int("entities", len(rt.Entities)))
	case errors.Is(err, coordinator.ErrAuthFailed):
		h.setState(rec, StateSetupError, reasonReauthRequired)
		logger.Warn("config entry authentication failed", zap.Error(err))
		if _, ferr := h.flows.StartReauth(ctx, entry); ferr != nil {
			logger.Error("failed to start reauth flow", zap.Error(ferr))
		}
	case errors.Is(err, coordinator.ErrSetupFailed):
		h.scheduleRetry(rec, err)
		logger.Warn("config entry not ready, retrying", zap.Error(err))
	default:
		h.setState(rec, StateSetupError, err.Error())
		logger.Error("config entry setup failed", zap.Error(err))
	}
}

func (h *Hub) scheduleRetry(rec *record, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		rec.state = StateSetupError
		rec.reason = cause.Error()
		return
	}
	wait := rec.backoff.NextBackOff()
	gen, id := rec.gen, rec.entry.ID
	rec.state = StateSetupRetry
	rec.reason = cause.Error()
	rec.nextRetry = h.clock.Now().Add(wait)
	rec.retry = h.clock.AfterFunc(wait, func() {
		go h.retrySetup(id, rec, gen)
	})
}

// authFailed runs when a loaded entry's coordinator rejects its credentials.
func (h *Hub) authFailed(entry model.ConfigEntry, err error) {
	rec, rerr := h.record(entry.ID)
	if rerr != nil {
		return
	}
	h.mu.Lock()
	rec.reason = reasonReauthRequired
	h.mu.Unlock()
	h.logger.Warn("credentials rejected while polling", zap.String("entry_id", entry.ID), zap.Error(err))
	if _, ferr := h.flows.StartReauth(h.ctx, entry); ferr != nil {
		h.logger.Error("failed to start reauth flow", zap.String("entry_id", entry.ID), zap.Error(ferr))
	}
}

// Unload tears an entry down and leaves it not_loaded.
func (h *Hub) Unload(ctx context.Context, id string) error {
	rec, err := h.record(id)
	if err != nil {
		return err
	}
	rec.op.Lock()
	defer rec.op.Unlock()
	return h.unloadLocked(ctx, rec)
}

func (h *Hub) unloadLocked(ctx context.Context, rec *record) error {
	h.mu.Lock()
	if rec.retry != nil {
		rec.retry.Stop()
		rec.retry = nil
	}
	rec.nextRetry = time.Time{}
	rec.gen++
	id := rec.entry.ID
	h.mu.Unlock()

	rt, loaded := h.registry.Get(id)
	var err error
	if loaded {
		_, err = h.registry.Remove(id)
		h.publisher.Forget(ctx, rt.EntityIDs()...)
		if f, ok := h.host.Recorder.(forgetter); ok && rt.Coordinator != nil {
			f.Forget(rt.Coordinator.Name())
		}
	}
	h.setState(rec, StateNotLoaded, "")
	if err != nil {
		return fmt.Errorf("unload %s: %w", id, err)
	}
	return nil
}

// Reload unloads then sets an entry up again with its current data.
func (h *Hub) Reload(ctx context.Context, id string) error {
	rec, err := h.record(id)
	if err != nil {
		return err
	}
	rec.op.Lock()
	defer rec.op.Unlock()
	if err := h.unloadLocked(ctx, rec); err != nil {
		h.logger.Warn("unload before reload failed", zap.String("entry_id", id), zap.Error(err))
	}
	h.setupLocked(ctx, rec)
	return nil
}

// Remove unloads an entry and deletes it from the store.
func (h *Hub) Remove(ctx context.Context, id string) error {
	rec, err := h.record(id)
	if err != nil {
		return err
	}
	rec.op.Lock()
	defer rec.op.Unlock()
	return h.removeLocked(ctx, id, rec)
}

func (h *Hub) removeLocked(ctx context.Context, id string, rec *record) error {
	if err := h.unloadLocked(ctx, rec); err != nil {
		h.logger.Warn("unload before remove failed", zap.String("entry_id", id), zap.Error(err))
	}
	if err := h.store.Remove(ctx, id); err != nil {
		return err
	}
	h.flows.AbortEntry(id)
	h.mu.Lock()
	delete(h.records, id)
	h.mu.Unlock()
	h.logger.Info("config entry removed", zap.String("entry_id", id))
	return nil
}

// Refresh forces an immediate fetch of a loaded entry.
func (h *Hub) Refresh(ctx context.Context, id string) error {
	rt, err := h.runtime(id)
	if err != nil {
		return err
	}
	return rt.Coordinator.Refresh(ctx)
}

func (h *Hub) CallService(ctx context.Context, id, name string, params map[string]string) error {
	rt, err := h.runtime(id)
	if err != nil {
		return err
	}
	return rt.Call(ctx, name, params)
}

func (h *Hub) runtime(id string) (*integration.Runtime, error) {
	if _, err := h.record(id); err != nil {
		return nil, err
	}
	rt, ok := h.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}
	return rt, nil
}

// Entries lists every entry ordered by title.
func (h *Hub) Entries() []EntryStatus {
	h.mu.Lock()
	ids := lo.Keys(h.records)
	h.mu.Unlock()

	statuses := lo.FilterMap(ids, func(id string, _ int) (EntryStatus, bool) {
		st, err := h.Status(id)
		return st, err == nil
	})
	slices.SortFunc(statuses, func(a, b EntryStatus) int {
		if c := strings.Compare(a.Title, b.Title); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return statuses
}

// Status reports the state of one entry.
func (h *Hub) Status(id string) (EntryStatus, error) {
	h.mu.Lock()
	rec, ok := h.records[id]
	if !ok {
		h.mu.Unlock()
		return EntryStatus{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	st := EntryStatus{
		ConfigEntry: rec.entry.Clone(),
		State:       rec.state,
		Reason:      rec.reason,
	}
	if !rec.nextRetry.IsZero() {
		next := rec.nextRetry
		st.NextRetry = &next
	}
	h.mu.Unlock()

	if rt, ok := h.registry.Get(id); ok {
		cs := rt.Coordinator.Status()
		st.Coordinator = &cs
		st.Entities = rt.EntityIDs()
		st.Services = lo.Keys(rt.Services)
		slices.Sort(st.Services)
	}
	return st, nil
}

func (h *Hub) States() []model.State {
	return h.publisher.States()
}
