package configflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

// EntrySink owns config entries. The hub implements it.
type EntrySink interface {
	Entry(id string) (model.ConfigEntry, bool)
	EntriesFor(domain string) []model.ConfigEntry
	CreateEntry(ctx context.Context, entry model.ConfigEntry) (model.ConfigEntry, error)
	UpdateEntry(ctx context.Context, entry model.ConfigEntry) error
}

// Manager keeps the flows in progress.
type Manager struct {
	logger *zap.Logger

	mu       sync.Mutex
	sink     EntrySink
	handlers map[string]Handler
	flows    map[string]*flow
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		logger:   logger,
		handlers: make(map[string]Handler),
		flows:    make(map[string]*flow),
	}
}

// SetSink must be called before any flow is started.
func (m *Manager) SetSink(sink EntrySink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *Manager) RegisterHandler(domain string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[domain]; ok {
		return fmt.Errorf("flow handler for %s already registered", domain)
	}
	m.handlers[domain] = h
	return nil
}

// Init starts a flow. entryID is required for reauth and reconfigure.
func (m *Manager) Init(_ context.Context, domain string, source Source, entryID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handlers[domain]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownHandler, domain)
	}
	if source == SourceReauth {
		if existing, ok := lo.Find(lo.Values(m.flows), func(f *flow) bool {
			return f.source == SourceReauth && f.entryID == entryID
		}); ok {
			return form(*existing, h.Fields(existing.step), nil), nil
		}
	}

	f := flow{id: uuid.NewString(), domain: domain, source: source, entryID: entryID}
	var entry *model.ConfigEntry
	if entryID != "" {
		if e, ok := m.sink.Entry(entryID); ok && e.Domain == domain {
			entry = &e
		}
	}
	f, res := start(f, entry, h.Fields)
	if res.Type == ResultForm {
		m.flows[f.id] = &f
	}
	m.logger.Debug("flow started", zap.String("flow_id", f.id), zap.String("domain", domain), zap.String("source", string(source)))
	return res, nil
}

// StartReauth opens a reauth flow for an entry unless one is already open.
func (m *Manager) StartReauth(ctx context.Context, entry model.ConfigEntry) (Result, error) {
	res, err := m.Init(ctx, entry.Domain, SourceReauth, entry.ID)
	if err == nil {
		m.logger.Info("reauthentication required", zap.String("entry_id", entry.ID), zap.String("flow_id", res.FlowID))
	}
	return res, err
}

// Configure submits input to the current step of a flow.
func (m *Manager) Configure(ctx context.Context, flowID string, input map[string]string) (Result, error) {
	m.mu.Lock()
	f, ok := m.flows[flowID]
	if !ok {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}
	if f.busy {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrFlowBusy, flowID)
	}
	f.busy = true
	current := *f
	current.busy = false
	h := m.handlers[current.domain]
	sink := m.sink
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if f, ok := m.flows[flowID]; ok {
			f.busy = false
		}
		m.mu.Unlock()
	}()

	if current.step == StepDone {
		return Result{}, errInvalidStep
	}

	ev := event{input: input, fields: h.Fields(current.step)}
	data := input
	if current.entryID != "" {
		if e, ok := sink.Entry(current.entryID); ok {
			ev.entry = &e
			data = mergeData(e.Data, input)
		}
	}
	ev.err = RequireFields(ev.fields, data)
	if ev.err == nil {
		ev.info, ev.err = h.Validate(ctx, data)
	}
	if ev.err != nil {
		m.logger.Debug("flow validation failed", zap.String("flow_id", flowID), zap.Error(ev.err))
	}
	if current.step == StepUser {
		ev.existing = sink.EntriesFor(current.domain)
	}

	next, res := transition(current, ev)

	if res.entry != nil {
		var err error
		switch res.Type {
		case ResultCreateEntry:
			var created model.ConfigEntry
			created, err = sink.CreateEntry(ctx, *res.entry)
			res.EntryID = created.ID
			if errors.Is(err, ErrAlreadyConfigured) {
				next.step, err = StepDone, nil
				res = abort(current, ReasonAlreadyConfigured)
			}
		case ResultAbort:
			err = sink.UpdateEntry(ctx, *res.entry)
		}
		if err != nil {
			return Result{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if next.step == StepDone {
		delete(m.flows, flowID)
	} else {
		m.flows[flowID] = &next
	}
	return res, nil
}

// Abort drops a flow in progress.
func (m *Manager) Abort(flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[flowID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}
	delete(m.flows, flowID)
	return nil
}

// AbortEntry drops every flow bound to an entry, used when it is removed.
func (m *Manager) AbortEntry(entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.flows {
		if f.entryID == entryID {
			delete(m.flows, id)
		}
	}
}

// Progress lists the flows waiting for input.
func (m *Manager) Progress() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := lo.MapToSlice(m.flows, func(_ string, f *flow) Result {
		return form(*f, m.handlers[f.domain].Fields(f.step), nil)
	})
	slices.SortFunc(results, func(a, b Result) int {
		return strings.Compare(a.FlowID, b.FlowID)
	})
	return results
}

// Domains lists the integrations that can be configured.
func (m *Manager) Domains() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	domains := lo.Keys(m.handlers)
	slices.Sort(domains)
	return domains
}
