package database

import (
	"context"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

// RegisterEntity upserts the entity and its device.
func (db *Database) RegisterEntity(ctx context.Context, info model.EntityInfo) error {
	device := info.Device
	if _, err := db.conn.Exec(ctx, `
		INSERT INTO device (id, name, model, manufacturer, serial_number, sw_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			manufacturer = EXCLUDED.manufacturer,
			sw_version = EXCLUDED.sw_version,
			updated_at = now();`,
		device.Identifier(), device.Name, device.Model, device.Manufacturer, device.SerialNumber, device.SWVersion); err != nil {
		return err
	}

	_, err := db.conn.Exec(ctx, `
		INSERT INTO entity (unique_id, entity_id, device_id, name, platform, unit_of_measurement)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (unique_id) DO UPDATE SET
			entity_id = EXCLUDED.entity_id,
			name = EXCLUDED.name,
			unit_of_measurement = EXCLUDED.unit_of_measurement;`,
		info.UniqueID, info.EntityID, device.Identifier(), info.Name, info.Platform.String(), info.Unit)
	return err
}

// Write records the states in one transaction. Unavailable states are stored
// with a NULL value.
func (db *Database) Write(ctx context.Context, states []model.State) error {
	tx, err := db.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, st := range states {
		ts := st.Timestamp
		if ts.IsZero() {
			ts = db.clock.Now()
		}
		value := st.Value
		if !st.Available {
			value = nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO property (time_stamp, unit_of_measurement, value, entity_id, device_id)
			VALUES ($1, $2, $3, $4, $5)
		`, ts, st.Unit, value, st.EntityID, st.Device.Identifier()); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
