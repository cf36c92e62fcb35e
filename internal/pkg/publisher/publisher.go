// Package publisher fans entity registrations and states out to sinks.
package publisher

import (
	"context"
	"errors"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/pollbridge/internal/pkg/entity"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

var errAlreadyRegistered = errors.New("sink already registered")

var _ entity.Writer = (*Publisher)(nil)

// Sink is a destination for entity data such as MQTT or postgres.
type Sink interface {
	RegisterEntity(ctx context.Context, info model.EntityInfo) error
	Write(ctx context.Context, states []model.State) error
}

type Publisher struct {
	logger *zap.Logger

	mu     sync.RWMutex
	sinks  map[string]Sink
	order  []string
	states map[string]model.State

	sent sync.Map
}

func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.L()
	}
	return &Publisher{
		logger: logger,
		sinks:  make(map[string]Sink),
		states: make(map[string]model.State),
	}
}

func (p *Publisher) RegisterSink(name string, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sinks[name]; ok {
		return errAlreadyRegistered
	}
	p.sinks[name] = sink
	p.order = append(p.order, name)
	return nil
}

func (p *Publisher) snapshotSinks() map[string]Sink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return lo.SliceToMap(p.order, func(name string) (string, Sink) {
		return name, p.sinks[name]
	})
}

// Register announces an entity to every sink. A failing sink is logged and
// skipped.
func (p *Publisher) Register(ctx context.Context, info model.EntityInfo) error {
	p.mu.Lock()
	if _, ok := p.states[info.EntityID]; !ok {
		p.states[info.EntityID] = model.State{EntityInfo: info}
	}
	p.mu.Unlock()

	for name, sink := range p.snapshotSinks() {
		if err := sink.RegisterEntity(ctx, info); err != nil {
			p.logger.Error("failed to register entity", zap.Error(err), zap.String("publisher", name), zap.String("entity_id", info.EntityID))
			continue
		}
		p.logger.Debug("registered entity", zap.String("entity_id", info.EntityID), zap.String("publisher", name))
	}
	return nil
}

// Write stores the state and forwards it to the sinks when it changed.
func (p *Publisher) Write(ctx context.Context, state model.State) error {
	state = Normalize(state)

	p.mu.Lock()
	p.states[state.EntityID] = state
	p.mu.Unlock()

	if !p.shouldUpdate(state) {
		return nil
	}
	for name, sink := range p.snapshotSinks() {
		if err := sink.Write(ctx, []model.State{state}); err != nil {
			p.logger.Error("failed to publish data", zap.Error(err), zap.String("publisher", name))
			continue
		}
	}
	return nil
}

// Forget marks the entities unavailable on every sink and drops them.
func (p *Publisher) Forget(ctx context.Context, entityIDs ...string) {
	p.mu.Lock()
	gone := make([]model.State, 0, len(entityIDs))
	for _, id := range entityIDs {
		st, ok := p.states[id]
		if !ok {
			continue
		}
		delete(p.states, id)
		p.sent.Delete(st.UniqueID)
		st.Available = false
		st.Value = nil
		gone = append(gone, st)
	}
	p.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	for name, sink := range p.snapshotSinks() {
		if err := sink.Write(ctx, gone); err != nil {
			p.logger.Error("failed to publish data", zap.Error(err), zap.String("publisher", name))
		}
	}
}

// States returns the latest state of every registered entity ordered by
// entity id.
func (p *Publisher) States() []model.State {
	p.mu.RLock()
	states := lo.Values(p.states)
	p.mu.RUnlock()
	slices.SortFunc(states, func(a, b model.State) int {
		return strings.Compare(a.EntityID, b.EntityID)
	})
	return states
}

func (p *Publisher) State(entityID string) (model.State, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.states[entityID]
	return st, ok
}

func (p *Publisher) shouldUpdate(state model.State) bool {
	newValue := state.String()
	oldValue, exists := p.sent.Load(state.UniqueID)
	if exists && strings.EqualFold(newValue, oldValue.(string)) {
		return false
	}
	if !exists {
		p.logger.Info("configured sensor", zap.String("device", state.Device.Identifier()), zap.String("sensor", state.EntityID), zap.String("value", newValue))
	} else {
		p.logger.Debug("sensor changed", zap.String("sensor", state.EntityID), zap.String("from", oldValue.(string)), zap.String("to", newValue))
	}
	p.sent.Store(state.UniqueID, newValue)
	return true
}

// Normalize converts vendor units into the ones Home Assistant expects.
// Values that are not numbers pass through untouched; "--" means unknown.
func Normalize(state model.State) model.State {
	if state.Value == nil {
		return state
	}
	if *state.Value == "--" {
		state.Value = nil
		return state
	}
	var factor int64 = 1
	switch state.Unit {
	case "kWp":
		state.Unit = model.NumericUnitKiloWatt.String()
	case "℃":
		state.Unit = model.NumericUnitDegreeC.String()
	case "kvar":
		state.Unit = model.NumericUnitVoltAmpereReactive.String()
		factor = 1000
	case "kVA":
		state.Unit = model.NumericUnitVoltAmpere.String()
		factor = 1000
	}
	if factor == 1 {
		return state
	}
	value, ok := new(big.Rat).SetString(*state.Value)
	if !ok {
		return state
	}
	value = value.Mul(value, new(big.Rat).SetInt64(factor))
	val := trimZeros(value.FloatString(4))
	state.Value = &val
	return state
}

func trimZeros(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
