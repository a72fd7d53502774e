// Package postgres provides a Postgres-backed persistent store mirroring the
// in-memory semantics, snapshotting state as JSONB buckets after every
// successful transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"iqracore/internal/infra/persistence/memory"
	"iqracore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenPersistentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/iqracore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory engine for
// transactional semantics.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot table exists, and hydrates the
// in-memory engine from any existing snapshot.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, &domain.StoreUnavailableError{Err: fmt.Errorf("open postgres: %w", err)}
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, &domain.StoreUnavailableError{Err: fmt.Errorf("ping postgres: %w", err)}
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`); err != nil {
		return nil, &domain.StoreUnavailableError{Err: fmt.Errorf("ensure state table: %w", err)}
	}
	snapshot, found, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	if found {
		mem.ImportState(snapshot)
	}
	return &Store{Store: mem, db: db}, nil
}

var buckets = []string{"students", "subscriptions", "activity_logs", "app_settings", "sync_metadata"}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, false, &domain.StoreUnavailableError{Err: fmt.Errorf("select state: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, false, &domain.StoreUnavailableError{Err: fmt.Errorf("scan state: %w", err)}
		}
		if len(payload) == 0 {
			continue
		}
		var target any
		switch bucket {
		case "students":
			target = &snapshot.Students
		case "subscriptions":
			target = &snapshot.Subscriptions
		case "activity_logs":
			target = &snapshot.ActivityLogs
		case "app_settings":
			target = &snapshot.AppSettings
		case "sync_metadata":
			target = &snapshot.SyncMetadata
		default:
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return memory.Snapshot{}, false, fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, false, &domain.StoreUnavailableError{Err: fmt.Errorf("iterate state: %w", err)}
	}
	return snapshot, found, nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StoreUnavailableError{Err: fmt.Errorf("begin tx: %w", err)}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range buckets {
		var data []byte
		switch bucket {
		case "students":
			data, err = json.Marshal(snapshot.Students)
		case "subscriptions":
			data, err = json.Marshal(snapshot.Subscriptions)
		case "activity_logs":
			data, err = json.Marshal(snapshot.ActivityLogs)
		case "app_settings":
			data, err = json.Marshal(snapshot.AppSettings)
		case "sync_metadata":
			data, err = json.Marshal(snapshot.SyncMetadata)
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return &domain.StoreUnavailableError{Err: fmt.Errorf("upsert %s: %w", bucket, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &domain.StoreUnavailableError{Err: fmt.Errorf("commit: %w", err)}
	}
	committed = true
	return nil
}

// RunInTransaction applies fn within a transaction, then snapshots to
// Postgres if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
