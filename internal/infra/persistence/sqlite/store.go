// Package sqlite persists the in-memory state to an embedded SQLite file as
// JSON bucket snapshots, one row per bucket, written after every successful
// transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"iqracore/internal/infra/persistence/memory"
	"iqracore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store embeds the in-memory engine for transactional semantics and
// snapshots committed state to SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store and
// hydrates it from any existing snapshot at path.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "iqracore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, &domain.StoreUnavailableError{Err: fmt.Errorf("create dirs: %w", err)}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &domain.StoreUnavailableError{Err: fmt.Errorf("open sqlite: %w", err)}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, &domain.StoreUnavailableError{Err: fmt.Errorf("create state table: %w", err)}
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var buckets = []string{"students", "subscriptions", "activity_logs", "app_settings", "sync_metadata"}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return &domain.StoreUnavailableError{Err: fmt.Errorf("select state: %w", err)}
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return &domain.StoreUnavailableError{Err: fmt.Errorf("scan state: %w", err)}
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
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return &domain.StoreUnavailableError{Err: fmt.Errorf("iterate state: %w", err)}
	}
	if found {
		s.ImportState(snapshot)
	}
	return nil
}

func (s *Store) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
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
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return &domain.StoreUnavailableError{Err: fmt.Errorf("upsert %s: %w", bucket, err)}
		}
	}
	if err = tx.Commit(); err != nil {
		return &domain.StoreUnavailableError{Err: fmt.Errorf("commit: %w", err)}
	}
	committed = true
	return nil
}

// RunInTransaction applies fn within a transaction, then snapshots state to
// SQLite if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if pErr := s.persist(); pErr != nil {
		return res, pErr
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
