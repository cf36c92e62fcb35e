package database

import (
	"context"
	"time"
)

// Cleanup removes history older than retention and returns the number of
// rows deleted.
func (db *Database) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := db.conn.Exec(ctx, "DELETE FROM property WHERE time_stamp < $1", db.clock.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
