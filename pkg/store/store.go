// Package store keeps the results of indexing runs in a SQLite database and
// exports reflection lists as Parquet.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"xtalrefine/pkg/cell"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	method      TEXT NOT NULL,
	config_yaml TEXT,
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS crystals (
	crystal_id     TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	pattern        TEXT NOT NULL,
	status         TEXT NOT NULL,
	astar_x REAL, astar_y REAL, astar_z REAL,
	bstar_x REAL, bstar_y REAL, bstar_z REAL,
	cstar_x REAL, cstar_y REAL, cstar_z REAL,
	point_group    TEXT,
	profile_radius REAL,
	pairs          INTEGER,
	cycles         INTEGER,
	residual       REAL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crystals_run ON crystals(run_id);
`

// Store wraps the results database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMAs are per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one invocation of the indexing pipeline.
type Run struct {
	RunID      string
	Method     string
	ConfigYAML string
	CreatedAt  int64
}

// CrystalRecord is the outcome for one crystal in one pattern.
type CrystalRecord struct {
	CrystalID     string
	RunID         string
	Pattern       string
	Status        string
	AStar         r3.Vec
	BStar         r3.Vec
	CStar         r3.Vec
	PointGroup    string
	ProfileRadius float64
	Pairs         int
	Cycles        int
	Residual      float64
	CreatedAt     int64
}

// Cell rebuilds the unit cell of the record.
func (c *CrystalRecord) Cell() (*cell.UnitCell, error) {
	u, err := cell.NewFromReciprocal(c.AStar, c.BStar, c.CStar)
	if err != nil {
		return nil, err
	}
	u.SetPointGroup(c.PointGroup)
	return u, nil
}

// InsertRun persists a run. If RunID is empty, a UUID is generated.
func (s *Store) InsertRun(r *Run) error {
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixNano()
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`INSERT INTO runs (run_id, method, config_yaml, created_at) VALUES (?, ?, ?, ?)`,
			r.RunID, r.Method, r.ConfigYAML, r.CreatedAt)
		return err
	})
}

// GetRun returns a single run by ID.
func (s *Store) GetRun(runID string) (*Run, error) {
	var r Run
	var cfg sql.NullString
	err := s.db.QueryRow(`SELECT run_id, method, config_yaml, created_at FROM runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.Method, &cfg, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.ConfigYAML = cfg.String
	return &r, nil
}

// InsertCrystal persists a crystal record. If CrystalID is empty, a UUID
// is generated.
func (s *Store) InsertCrystal(c *CrystalRecord) error {
	if c.CrystalID == "" {
		c.CrystalID = uuid.New().String()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixNano()
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO crystals (
				crystal_id, run_id, pattern, status,
				astar_x, astar_y, astar_z,
				bstar_x, bstar_y, bstar_z,
				cstar_x, cstar_y, cstar_z,
				point_group, profile_radius, pairs, cycles, residual, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CrystalID, c.RunID, c.Pattern, c.Status,
			c.AStar.X, c.AStar.Y, c.AStar.Z,
			c.BStar.X, c.BStar.Y, c.BStar.Z,
			c.CStar.X, c.CStar.Y, c.CStar.Z,
			c.PointGroup, c.ProfileRadius, c.Pairs, c.Cycles, c.Residual, c.CreatedAt,
		)
		return err
	})
}

// ListCrystals returns the crystals of a run in insertion order.
func (s *Store) ListCrystals(runID string) ([]*CrystalRecord, error) {
	rows, err := s.db.Query(`
		SELECT crystal_id, run_id, pattern, status,
		       astar_x, astar_y, astar_z,
		       bstar_x, bstar_y, bstar_z,
		       cstar_x, cstar_y, cstar_z,
		       point_group, profile_radius, pairs, cycles, residual, created_at
		FROM crystals
		WHERE run_id = ?
		ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query crystals: %w", err)
	}
	defer rows.Close()

	var out []*CrystalRecord
	for rows.Next() {
		var c CrystalRecord
		var pg sql.NullString
		if err := rows.Scan(
			&c.CrystalID, &c.RunID, &c.Pattern, &c.Status,
			&c.AStar.X, &c.AStar.Y, &c.AStar.Z,
			&c.BStar.X, &c.BStar.Y, &c.BStar.Z,
			&c.CStar.X, &c.CStar.Y, &c.CStar.Z,
			&pg, &c.ProfileRadius, &c.Pairs, &c.Cycles, &c.Residual, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan crystal: %w", err)
		}
		c.PointGroup = pg.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CountByStatus tallies the crystals of a run by status.
func (s *Store) CountByStatus(runID string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM crystals WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// retryOnBusy retries fn a few times while the database is locked by
// another writer.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	delay := 10 * time.Millisecond

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if !isBusy(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("database busy after %d attempts: %w", attempts, err)
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
