package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const defaultHistoryWindow = 48 * time.Hour

// GetHistory returns the recorded states of an entity, newest first. Without
// a range it covers the last two days.
func (db *Database) GetHistory(ctx context.Context, entityID string, from, to *time.Time) (model.History, error) {
	if from == nil || to == nil {
		now := db.clock.Now()
		start := now.Add(-defaultHistoryWindow)
		from, to = &start, &now
	}
	const query = `
	SELECT id, time_stamp, unit_of_measurement, value, entity_id, device_id
	FROM property
	WHERE entity_id = $1 AND time_stamp BETWEEN $2 AND $3
	ORDER BY time_stamp DESC;
	`

	rows, err := db.conn.Query(ctx, query, entityID, *from, *to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHistory(rows)
}

// GetLatest returns the newest recorded state of every entity.
func (db *Database) GetLatest(ctx context.Context) (model.History, error) {
	const query = `
	SELECT DISTINCT ON (entity_id) id, time_stamp, unit_of_measurement, value, entity_id, device_id
	FROM property
	ORDER BY entity_id, time_stamp DESC;
	`

	rows, err := db.conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHistory(rows)
}

func scanHistory(rows pgx.Rows) (model.History, error) {
	history := model.History{}
	for rows.Next() {
		var p model.HistoryPoint
		if err := rows.Scan(&p.ID, &p.TimeStamp, &p.Unit, &p.Value, &p.EntityID, &p.DeviceID); err != nil {
			return nil, err
		}
		history = append(history, p)
	}

	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return history, nil
		}
		return nil, err
	}

	return history, nil
}
