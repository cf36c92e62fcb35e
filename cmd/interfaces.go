package cmd

import (
	"context"
	"time"
)

// cleaner deletes recorded history older than retention.
type cleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}
