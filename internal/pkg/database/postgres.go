// Package database stores devices, entities and state history in postgres.
package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"
)

// conn is the subset of pgxpool.Pool the database uses.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Database struct {
	conn  conn
	clock clock.PassiveClock
	close func()
}

// Connect opens a pool for dsn and checks it with a ping.
func Connect(ctx context.Context, dsn string) (*Database, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	db := NewDatabase(pool)
	db.close = pool.Close
	return db, nil
}

func NewDatabase(c conn) *Database {
	return &Database{
		conn:  c,
		clock: clock.RealClock{},
	}
}

func (db *Database) Close() error {
	if db.close != nil {
		db.close()
	}
	return nil
}
