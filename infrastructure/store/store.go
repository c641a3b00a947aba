// Package store provides the relational persistence layer shared by the
// platform services. Only the rows the real-time core reads and writes are
// modeled here; the wider schema belongs to the owning CRUD services.
package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB wraps the sqlx handle and exposes the per-entity repositories.
type DB struct {
	conn *sqlx.DB

	Users     *UserRepo
	Messages  *MessageRepo
	Calls     *CallRepo
	Sagas     *SagaRepo
	Analytics *AnalyticsRepo
}

// Open connects to Postgres at url and configures the pool.
func Open(url string) (*DB, error) {
	conn, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return NewFromConn(conn), nil
}

// NewFromConn wraps an existing connection (used by tests with sqlmock).
func NewFromConn(conn *sqlx.DB) *DB {
	return &DB{
		conn:      conn,
		Users:     &UserRepo{db: conn},
		Messages:  &MessageRepo{db: conn},
		Calls:     &CallRepo{db: conn},
		Sagas:     &SagaRepo{db: conn},
		Analytics: &AnalyticsRepo{db: conn},
	}
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close releases the pool.
func (d *DB) Close() error {
	return d.conn.Close()
}
