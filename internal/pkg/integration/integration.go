// Package integration defines what a vendor integration provides and the
// context it is set up with.
package integration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/anicoll/pollbridge/internal/pkg/configflow"
	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
	"github.com/anicoll/pollbridge/internal/pkg/entity"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

// Integration is implemented by each vendor package.
type Integration interface {
	Domain() string
	Name() string
	Flow() configflow.Handler
	Setup(ctx context.Context, host *Host, entry model.ConfigEntry) (*Runtime, error)
}

// Host is passed to every integration setup.
type Host struct {
	Logger       *zap.Logger
	Clock        clock.WithTickerAndDelayedExecution
	Recorder     coordinator.Recorder
	Writer       entity.Writer
	ScanInterval time.Duration
	// OnAuthFailed is called when a coordinator of entry rejects its
	// credentials while polling.
	OnAuthFailed func(entry model.ConfigEntry, err error)
}

// CoordinatorOptions wires a coordinator of entry to the host.
func (h *Host) CoordinatorOptions(entry model.ConfigEntry) []coordinator.Option {
	opts := []coordinator.Option{
		coordinator.WithLogger(h.logger().With(zap.String("entry_id", entry.ID), zap.String("domain", entry.Domain))),
		coordinator.WithRecorder(h.Recorder),
	}
	if h.Clock != nil {
		opts = append(opts, coordinator.WithClock(h.Clock))
	}
	if h.OnAuthFailed != nil {
		opts = append(opts, coordinator.WithAuthFailedHandler(func(err error) {
			h.OnAuthFailed(entry, err)
		}))
	}
	return opts
}

// EntityOptions wires entities to the host.
func (h *Host) EntityOptions() []entity.Option {
	opts := []entity.Option{entity.WithLogger(h.logger())}
	if h.Clock != nil {
		opts = append(opts, entity.WithClock(h.Clock))
	}
	return opts
}

// Interval is the entry's scan_interval or the host default.
func (h *Host) Interval(entry model.ConfigEntry) time.Duration {
	def := h.ScanInterval
	if def <= 0 {
		def = coordinator.DefaultInterval
	}
	return Duration(entry, KeyScanInterval, def)
}

func (h *Host) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.L()
	}
	return h.Logger
}

// Service is an integration specific action such as changing a battery mode.
type Service func(ctx context.Context, params map[string]string) error

var ErrUnknownService = errors.New("unknown service")

// Runtime is what a loaded entry holds on to.
type Runtime struct {
	Coordinator coordinator.Handle
	Devices     []model.Device
	Entities    []entity.Entity
	Services    map[string]Service
	Close       func() error
}

// Start adds every entity. On failure the already added ones are removed.
func (r *Runtime) Start(ctx context.Context) error {
	for i, e := range r.Entities {
		if err := e.Add(ctx); err != nil {
			for _, added := range r.Entities[:i] {
				added.Remove()
			}
			return err
		}
	}
	return nil
}

// Unload removes the entities, stops the coordinator and closes the client.
func (r *Runtime) Unload() error {
	for _, e := range r.Entities {
		e.Remove()
	}
	if r.Coordinator != nil {
		r.Coordinator.Shutdown()
	}
	if r.Close != nil {
		return r.Close()
	}
	return nil
}

// Call runs a service and asks the coordinator for a refresh afterwards.
func (r *Runtime) Call(ctx context.Context, name string, params map[string]string) error {
	svc, ok := r.Services[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if err := svc(ctx, params); err != nil {
		return err
	}
	if r.Coordinator != nil {
		r.Coordinator.RequestRefresh()
	}
	return nil
}

// EntityIDs lists the entity ids of the runtime.
func (r *Runtime) EntityIDs() []string {
	ids := make([]string, 0, len(r.Entities))
	for _, e := range r.Entities {
		ids = append(ids, e.Info().EntityID)
	}
	return ids
}
