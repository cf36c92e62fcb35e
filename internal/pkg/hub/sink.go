package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/anicoll/pollbridge/internal/pkg/configflow"
	"github.com/anicoll/pollbridge/internal/pkg/model"
	"github.com/anicoll/pollbridge/internal/pkg/store"
)

var _ configflow.EntrySink = (*Hub)(nil)

func (h *Hub) Entry(id string) (model.ConfigEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	if !ok {
		return model.ConfigEntry{}, false
	}
	return rec.entry.Clone(), true
}

func (h *Hub) EntriesFor(domain string) []model.ConfigEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo.FilterMap(lo.Values(h.records), func(rec *record, _ int) (model.ConfigEntry, bool) {
		return rec.entry.Clone(), rec.entry.Domain == domain
	})
}

// CreateEntry persists a new entry and sets it up.
func (h *Hub) CreateEntry(ctx context.Context, entry model.ConfigEntry) (model.ConfigEntry, error) {
	created, err := h.store.Add(ctx, entry)
	if errors.Is(err, store.ErrDuplicate) {
		return model.ConfigEntry{}, fmt.Errorf("%w: %w", configflow.ErrAlreadyConfigured, err)
	}
	if err != nil {
		return model.ConfigEntry{}, err
	}
	h.mu.Lock()
	h.records[created.ID] = newRecord(created)
	h.mu.Unlock()

	h.setup(ctx, created.ID)
	return created, nil
}

// UpdateEntry persists new entry data and reloads the entry with it.
func (h *Hub) UpdateEntry(ctx context.Context, entry model.ConfigEntry) error {
	rec, err := h.record(entry.ID)
	if err != nil {
		return err
	}
	updated, err := h.store.Update(ctx, entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	rec.entry = updated
	h.mu.Unlock()
	return h.Reload(ctx, entry.ID)
}
