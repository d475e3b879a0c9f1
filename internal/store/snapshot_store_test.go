package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

// recorder is a minimal database/sql driver that records every Exec so
// write-path filtering can be asserted without a live MySQL.
type recorder struct {
	mu    sync.Mutex
	execs []recordedExec
}

type recordedExec struct {
	query string
	args  []driver.NamedValue
}

func (r *recorder) Open(name string) (driver.Conn, error) { return &recorderConn{rec: r}, nil }

type recorderConn struct{ rec *recorder }

func (c *recorderConn) Prepare(query string) (driver.Stmt, error) {
	return nil, driver.ErrSkip
}
func (c *recorderConn) Close() error              { return nil }
func (c *recorderConn) Begin() (driver.Tx, error) { return recorderTx{}, nil }

func (c *recorderConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	c.rec.execs = append(c.rec.execs, recordedExec{query: query, args: args})
	return driver.RowsAffected(1), nil
}

type recorderTx struct{}

func (recorderTx) Commit() error   { return nil }
func (recorderTx) Rollback() error { return nil }

var (
	registerOnce sync.Once
	sharedRec    = &recorder{}
)

func openRecorderDB(t *testing.T) (*sql.DB, *recorder) {
	t.Helper()
	registerOnce.Do(func() { sql.Register("snapshot-recorder", sharedRec) })
	sharedRec.mu.Lock()
	sharedRec.execs = nil
	sharedRec.mu.Unlock()

	db, err := sql.Open("snapshot-recorder", "")
	if err != nil {
		t.Fatalf("open recorder db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, sharedRec
}

func TestSnapshot_NonPositivePriceRejected(t *testing.T) {
	db, rec := openRecorderDB(t)
	store := NewSnapshotStore(db)

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	now := time.Now()
	snapshots := []model.Snapshot{
		{Slug: "plushpepe", Source: "GetGems", Price: decimal.NewFromInt(80), Currency: model.CurrencyTON, ScannedAt: now},
		{Slug: "plushpepe", Source: "Fragment", Price: decimal.Zero, Currency: model.CurrencyTON, ScannedAt: now},
		{Slug: "plushpepe", Source: "MRKT", Price: decimal.NewFromInt(-5), Currency: model.CurrencyTON, ScannedAt: now},
	}

	if err := store.InsertBatchTx(context.Background(), tx, snapshots); err != nil {
		t.Fatalf("InsertBatchTx: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.execs) != 1 {
		t.Fatalf("execs = %d, want exactly 1 (only the positive-price row)", len(rec.execs))
	}
	args := rec.execs[0].args
	if len(args) < 3 {
		t.Fatalf("insert args = %d, want at least 3", len(args))
	}
	if got := args[1].Value; got != "GetGems" {
		t.Errorf("persisted source = %v, want GetGems", got)
	}
	if got := args[2].Value; got != "80" {
		t.Errorf("persisted price = %v, want %q", got, "80")
	}
}
