package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"trafficmesh/internal/master/coordinator"
)

// SQLiteIndex is a read-model of the run: registration events and settled
// step rows. Writes go through a buffered channel and a single writer
// goroutine, off the coordination hot path; losing this index never affects
// simulation state.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqRegistration reqKind = iota + 1
	reqStep
)

type req struct {
	kind reqKind

	registration registrationRow
	step         coordinator.StepLogEntry
}

type registrationRow struct {
	Zone     string
	WorkerID string
	Addr     string
	At       time.Time
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS registrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	zone TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	addr TEXT,
	registered_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registrations_zone ON registrations(zone);

CREATE TABLE IF NOT EXISTS steps (
	step INTEGER PRIMARY KEY,
	zones TEXT NOT NULL,
	stale_zones TEXT,
	total_vehicles INTEGER NOT NULL,
	partial INTEGER NOT NULL,
	settle_ms REAL NOT NULL,
	at TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// RecordRegistration implements ws.RegistrationLog.
func (s *SQLiteIndex) RecordRegistration(zone, workerID, addr string, at time.Time) {
	s.enqueue(req{kind: reqRegistration, registration: registrationRow{
		Zone: zone, WorkerID: workerID, Addr: addr, At: at,
	}})
}

// WriteStep implements coordinator.StepLogger.
func (s *SQLiteIndex) WriteStep(e coordinator.StepLogEntry) error {
	s.enqueue(req{kind: reqStep, step: e})
	return nil
}

// Dropped counts writes lost to a full queue (observability only).
func (s *SQLiteIndex) Dropped() uint64 { return s.dropped.Load() }

func (s *SQLiteIndex) enqueue(r req) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) loop() {
	for r := range s.ch {
		switch r.kind {
		case reqRegistration:
			_, _ = s.db.Exec(
				`INSERT INTO registrations(zone, worker_id, addr, registered_at) VALUES(?,?,?,?)`,
				r.registration.Zone, r.registration.WorkerID, r.registration.Addr,
				r.registration.At.UTC().Format(time.RFC3339Nano),
			)
		case reqStep:
			_, _ = s.db.Exec(
				`INSERT OR REPLACE INTO steps(step, zones, stale_zones, total_vehicles, partial, settle_ms, at)
				 VALUES(?,?,?,?,?,?,?)`,
				int64(r.step.Step),
				strings.Join(r.step.Zones, ","),
				strings.Join(r.step.StaleZones, ","),
				r.step.TotalVehicles,
				boolToInt(r.step.Partial),
				r.step.SettleMS,
				r.step.At.UTC().Format(time.RFC3339Nano),
			)
		}
	}
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
