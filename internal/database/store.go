package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DriverName is the database/sql driver registered by lib/pq.
const DriverName = "postgres"

// pingTimeout bounds the connectivity check done by Open.
const pingTimeout = 5 * time.Second

// Store is one sqlx connection pool.
type Store struct {
	db   *sqlx.DB
	name string
}

// NewStore wraps an existing pool.
func NewStore(db *sqlx.DB, name string) *Store {
	return &Store{db: db, name: name}
}

// Open creates a pool for s and verifies it with a ping.
func Open(ctx context.Context, s Settings) (*Store, error) {
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(DriverName, s.DSN())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.Redacted(), err)
	}
	db.SetMaxOpenConns(s.MaxOpenConns)
	db.SetMaxIdleConns(s.MaxIdleConns)
	db.SetConnMaxLifetime(s.ConnMaxLifetime)

	store := NewStore(db, s.Name)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Name() string { return s.name }

// DB exposes the pool.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping runs SELECT 1.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("ping database %s: %w", s.name, err)
	}
	return nil
}

func (s *Store) Stats() sql.DBStats { return s.db.Stats() }

func (s *Store) Close() error { return s.db.Close() }
