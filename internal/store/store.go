// Package store persists snapshots, sessions, rollups and dedup identities
// in SQLite so the engine survives restarts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/theirongolddev/spendwatch/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

const dayLayout = "2006-01-02"

// ErrNotFound is returned by single-row reads that match nothing.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed persistence layer. It is safe for concurrent
// use; SQLite serializes writers through the single open connection.
type Store struct {
	db  *sql.DB
	now func() time.Time

	// cacheMu orders cache fills against invalidation.
	cacheMu sync.Mutex
	latest  *ristretto.Cache[string, model.ProviderSnapshot]
}

// Open opens or creates the database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := migrateColumns(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, model.ProviderSnapshot]{
		NumCounters: 1e4,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}

	return &Store{db: db, now: time.Now, latest: cache}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.latest.Close()
	return s.db.Close()
}

// Counts reports row counts per table, for status output.
func (s *Store) Counts() (map[string]int64, error) {
	tables := []string{"provider_snapshots", "daily_rollups", "sessions", "usage_events", "dedup_identities", "file_offsets"}
	out := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + t).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", t, err)
		}
		out[t] = n
	}
	return out, nil
}

func migrateColumns(db *sql.DB) error {
	for _, m := range columnMigrations {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", m.table, m.column).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspecting %s: %w", m.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.decl)); err != nil {
			return fmt.Errorf("adding %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func dayKey(t time.Time) string {
	return model.DayOf(t).Format(dayLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
