// Package state is the SQLite-backed execution environment of the registries.
//
// Every mutating call runs through Transact, which wraps it in exactly one
// database transaction. The store pins a single connection, so transactions
// are executed one after another in the order they acquire it and no caller
// ever observes a partially applied call.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"agentforge/pkg/metrics"

	_ "modernc.org/sqlite"
)

const defaultTxTimeout = 5 * time.Second

const baseSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
	address TEXT PRIMARY KEY,
	balance TEXT NOT NULL DEFAULT '0',
	rejects_payments INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS transactions (
	seq INTEGER PRIMARY KEY,
	tx_hash TEXT NOT NULL UNIQUE,
	sender TEXT NOT NULL,
	method TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
	seq INTEGER NOT NULL,
	log_index INTEGER NOT NULL,
	tx_hash TEXT NOT NULL,
	contract TEXT NOT NULL,
	address TEXT NOT NULL,
	event TEXT NOT NULL,
	topics TEXT NOT NULL,
	data BLOB,
	args TEXT NOT NULL,
	PRIMARY KEY (seq, log_index)
);
CREATE INDEX IF NOT EXISTS idx_logs_contract_event ON logs(contract, event);
CREATE TABLE IF NOT EXISTS relay_cursor (
	name TEXT PRIMARY KEY,
	seq INTEGER NOT NULL
);
`

// Store owns the node database.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	metrics   *metrics.Metrics
	txTimeout time.Duration
	now       func() time.Time

	subMu  sync.RWMutex
	subs   map[uint64]func(Receipt)
	nextID uint64
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTxTimeout bounds transactions whose context carries no deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.txTimeout = d
		}
	}
}

// Open opens (or creates) the database at dbPath and applies the base schema.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: transactions serialize on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(baseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		txTimeout: defaultTxTimeout,
		now:       time.Now,
		subs:      make(map[uint64]func(Receipt)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s, nil
}

// EnsureSchema applies additional DDL owned by a registry.
func (s *Store) EnsureSchema(ctx context.Context, ddl string) error {
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *Store) Metrics() *metrics.Metrics { return s.metrics }

func (s *Store) Logger() *slog.Logger { return s.logger }

func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe registers fn to receive every committed receipt. fn runs on the
// committing goroutine and must not block or call back into the store.
func (s *Store) Subscribe(fn func(Receipt)) (unsubscribe func()) {
	s.subMu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify(rc Receipt) {
	s.subMu.RLock()
	fns := make([]func(Receipt), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(rc)
	}
}
