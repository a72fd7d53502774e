package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"iqracore/pkg/domain"
)

func TestNewStoreHydratesFromSnapshot(t *testing.T) {
	conn := newStubConn()
	seed := map[string]domain.Student{
		"st-1": {
			Base:      domain.Base{ID: "st-1"},
			FirstName: "Amina",
			LastName:  "Khan",
			Email:     "amina@example.org",
		},
	}
	payload, err := json.Marshal(seed)
	if err != nil {
		t.Fatalf("marshal seed: %v", err)
	}
	conn.state["students"] = payload

	restore := OverrideSQLOpen(stubOpen(conn))
	defer restore()

	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := store.GetStudent("st-1"); !ok {
		t.Fatalf("expected snapshot student to hydrate")
	}
	var sawDDL bool
	for _, stmt := range conn.execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state table DDL, got execs: %v", conn.execs)
	}
}

func TestRunInTransactionSnapshotsState(t *testing.T) {
	conn := newStubConn()
	restore := OverrideSQLOpen(stubOpen(conn))
	defer restore()

	store, err := NewStore("ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateStudent(domain.Student{
			FirstName:   "Amina",
			LastName:    "Khan",
			Email:       "amina@example.org",
			DateOfBirth: time.Date(2001, time.March, 14, 0, 0, 0, 0, time.UTC),
		})
		return err
	}); err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}

	payload, ok := conn.state["students"]
	if !ok {
		t.Fatalf("students bucket was not written")
	}
	var students map[string]domain.Student
	if err := json.Unmarshal(payload, &students); err != nil {
		t.Fatalf("decode persisted bucket: %v", err)
	}
	if len(students) != 1 {
		t.Fatalf("expected 1 persisted student, got %d", len(students))
	}
}

func TestNewStoreFailsWhenUnreachable(t *testing.T) {
	conn := newStubConn()
	conn.failPing = true
	restore := OverrideSQLOpen(stubOpen(conn))
	defer restore()

	_, err := NewStore("", domain.NewRulesEngine())
	var unavailable *domain.StoreUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected StoreUnavailableError, got %v", err)
	}
}

// stubOpen registers a one-off driver backed by conn. Each test gets its own
// driver name so sql.Register never collides across the package run.
func stubOpen(conn *stubConn) func(driverName, dataSourceName string) (*sql.DB, error) {
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	return func(_, _ string) (*sql.DB, error) {
		return sql.Open(name, "stub")
	}
}

type stubDriver struct {
	conn *stubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

type stubConn struct {
	mu       sync.Mutex
	state    map[string][]byte
	execs    []string
	failPing bool
}

func newStubConn() *stubConn {
	return &stubConn{state: make(map[string][]byte)}
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *stubConn) Ping(context.Context) error {
	if c.failPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

func (c *stubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return stubTx{}, nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT INTO STATE") {
		bucket, _ := args[0].Value.(string)
		payload, _ := args[1].Value.([]byte)
		cp := make([]byte, len(payload))
		copy(cp, payload)
		c.state[bucket] = cp
	}
	return driver.RowsAffected(0), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if !strings.Contains(strings.ToUpper(query), "FROM STATE") {
		return nil, fmt.Errorf("unexpected query %q", query)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := &stubRows{}
	for bucket, payload := range c.state {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		rows.rows = append(rows.rows, [2]any{bucket, cp})
	}
	return rows, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubRows struct {
	rows [][2]any
	pos  int
}

func (r *stubRows) Columns() []string { return []string{"bucket", "payload"} }
func (r *stubRows) Close() error      { return nil }
func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	dest[0] = r.rows[r.pos][0]
	dest[1] = r.rows[r.pos][1]
	r.pos++
	return nil
}
