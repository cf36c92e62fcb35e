package entity

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const writeTimeout = 10 * time.Second

// Source is the part of a coordinator an entity depends on.
type Source[T any] interface {
	AddListener(l coordinator.Listener) *coordinator.Subscription
	Data() (T, bool)
	LastUpdateSuccess() bool
}

// Writer receives entity registrations and state changes.
type Writer interface {
	Register(ctx context.Context, info model.EntityInfo) error
	Write(ctx context.Context, state model.State) error
}

// Entity is the type-erased view of a CoordinatorEntity.
type Entity interface {
	Info() model.EntityInfo
	State() model.State
	Add(ctx context.Context) error
	Remove()
}

var _ Entity = (*CoordinatorEntity[struct{}])(nil)

// CoordinatorEntity writes a new state every time its coordinator notifies.
type CoordinatorEntity[T any] struct {
	info   model.EntityInfo
	desc   Description[T]
	source Source[T]
	writer Writer
	clock  clock.PassiveClock
	logger *zap.Logger

	mu  sync.Mutex
	sub *coordinator.Subscription
}

type Option func(*options)

type options struct {
	clock  clock.PassiveClock
	logger *zap.Logger
}

func WithClock(c clock.PassiveClock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New binds one description to a source. prefix is <domain>_<entry unique id>.
func New[T any](prefix string, desc Description[T], source Source[T], device model.Device, writer Writer, opts ...Option) *CoordinatorEntity[T] {
	o := &options{clock: clock.RealClock{}, logger: zap.L()}
	for _, opt := range opts {
		opt(o)
	}
	info := desc.info(prefix, device)
	return &CoordinatorEntity[T]{
		info:   info,
		desc:   desc,
		source: source,
		writer: writer,
		clock:  o.clock,
		logger: o.logger.With(zap.String("entity_id", info.EntityID)),
	}
}

// Build creates one entity per description row.
func Build[T any](prefix string, table []Description[T], source Source[T], device model.Device, writer Writer, opts ...Option) []Entity {
	entities := make([]Entity, 0, len(table))
	for _, desc := range table {
		entities = append(entities, New(prefix, desc, source, device, writer, opts...))
	}
	return entities
}

func (e *CoordinatorEntity[T]) Info() model.EntityInfo {
	return e.info
}

// Add registers the entity, writes its current state and starts listening.
func (e *CoordinatorEntity[T]) Add(ctx context.Context) error {
	if err := e.writer.Register(ctx, e.info); err != nil {
		return fmt.Errorf("register %s: %w", e.info.EntityID, err)
	}
	if err := e.writer.Write(ctx, e.State()); err != nil {
		e.logger.Warn("failed to write initial state", zap.Error(err))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub == nil {
		e.sub = e.source.AddListener(e.handleUpdate)
	}
	return nil
}

// Remove stops listening. It is safe to call more than once.
func (e *CoordinatorEntity[T]) Remove() {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()
	sub.Unsubscribe()
}

// State builds the current state from the coordinator data.
func (e *CoordinatorEntity[T]) State() model.State {
	state := model.State{
		EntityInfo: e.info,
		Timestamp:  e.clock.Now(),
	}
	data, ok := e.source.Data()
	if !ok || !e.source.LastUpdateSuccess() {
		return state
	}
	if e.desc.Available != nil && !e.desc.Available(data) {
		return state
	}
	state.Available = true
	if e.desc.Value != nil {
		state.Value = FormatValue(e.desc.Value(data))
	}
	return state
}

func (e *CoordinatorEntity[T]) handleUpdate() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := e.writer.Write(ctx, e.State()); err != nil {
		e.logger.Error("failed to write state", zap.Error(err))
	}
}

// FormatValue renders an entity value. Booleans become ON and OFF.
func FormatValue(v any) *string {
	var s string
	switch val := v.(type) {
	case nil:
		return nil
	case *string:
		if val == nil {
			return nil
		}
		s = *val
	case *float64:
		if val == nil {
			return nil
		}
		s = strconv.FormatFloat(*val, 'f', -1, 64)
	case *bool:
		if val == nil {
			return nil
		}
		return FormatValue(*val)
	case string:
		s = val
	case bool:
		s = model.StateOff
		if val {
			s = model.StateOn
		}
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		s = strconv.Itoa(val)
	case int64:
		s = strconv.FormatInt(val, 10)
	case uint16:
		s = strconv.FormatUint(uint64(val), 10)
	case uint32:
		s = strconv.FormatUint(uint64(val), 10)
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprint(val)
	}
	return &s
}
