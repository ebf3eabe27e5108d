// Package state manages the SQLite database that holds named sync
// combinations, their correlation snapshots and the per-combination lease.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"gopkg.in/yaml.v3"
)

const schema = `
CREATE TABLE IF NOT EXISTS combinations (
    name           TEXT    PRIMARY KEY,
    side_a         TEXT    NOT NULL DEFAULT '',
    side_b         TEXT    NOT NULL DEFAULT '',
    strategy       TEXT    NOT NULL DEFAULT '',
    generation     INTEGER NOT NULL DEFAULT 0,
    last_synced_at TEXT    NOT NULL DEFAULT '',
    created_at     TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS correlations (
    combination TEXT NOT NULL REFERENCES combinations (name) ON DELETE CASCADE,
    id_a        TEXT NOT NULL,
    id_b        TEXT NOT NULL,
    summary     TEXT NOT NULL DEFAULT '',
    item_a      BLOB,
    item_b      BLOB,
    modified_a  TEXT NOT NULL DEFAULT '',
    modified_b  TEXT NOT NULL DEFAULT '',
    synced_at   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (combination, id_a)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_id_b ON correlations (combination, id_b);

CREATE TABLE IF NOT EXISTS leases (
    combination TEXT PRIMARY KEY,
    holder      TEXT NOT NULL,
    expires_at  TEXT NOT NULL
);
`

var (
	// ErrUnknownCombination is returned when a combination name has no row.
	ErrUnknownCombination = errors.New("unknown combination")

	// ErrStaleSnapshot is returned by [Store.ReplaceSnapshot] when another
	// pass committed since the snapshot was loaded.
	ErrStaleSnapshot = errors.New("snapshot changed since it was loaded")

	// ErrLeaseHeld is returned when a sync pass for the combination is
	// already running. Leases are not reentrant.
	ErrLeaseHeld = errors.New("combination is locked by another sync pass")
)

// Combination is a named pairing of two side configurations.
type Combination struct {
	Name string
	// SideA and SideB hold side-specific settings (database ids, filters).
	SideA    map[string]string
	SideB    map[string]string
	Strategy string

	Generation   int64
	LastSyncedAt time.Time
	CreatedAt    time.Time
}

// Pair is one correlation entry: the ids of an item on both sides plus the
// JSON-encoded state each side last confirmed.
type Pair struct {
	IDA       string
	IDB       string
	Summary   string
	ItemA     []byte
	ItemB     []byte
	ModifiedA time.Time
	ModifiedB time.Time
	SyncedAt  time.Time
}

// Snapshot is the full correlation state of a combination as of its last
// successful pass.
type Snapshot struct {
	Combination  string
	Generation   int64
	LastSyncedAt time.Time
	Pairs        []Pair
}

// Store is the SQLite-backed state repository.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/taskrelay/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "taskrelay", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- combinations ------------------------------------------------------------

// SaveCombination creates the combination or replaces its settings. The
// generation counter and sync timestamps of an existing row are preserved.
func (s *Store) SaveCombination(ctx context.Context, c *Combination) error {
	sideA, err := yaml.Marshal(c.SideA)
	if err != nil {
		return fmt.Errorf("encoding side A settings: %w", err)
	}
	sideB, err := yaml.Marshal(c.SideB)
	if err != nil {
		return fmt.Errorf("encoding side B settings: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}

	const q = `
		INSERT INTO combinations (name, side_a, side_b, strategy, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		    side_a   = excluded.side_a,
		    side_b   = excluded.side_b,
		    strategy = excluded.strategy`
	if _, err := s.db.ExecContext(ctx, q, c.Name, string(sideA), string(sideB), c.Strategy, formatTime(c.CreatedAt)); err != nil {
		return fmt.Errorf("saving combination %q: %w", c.Name, err)
	}
	return nil
}

// GetCombination returns the named combination, or (nil, nil) if it does not
// exist.
func (s *Store) GetCombination(ctx context.Context, name string) (*Combination, error) {
	const q = `
		SELECT name, side_a, side_b, strategy, generation, last_synced_at, created_at
		FROM combinations WHERE name = ?`
	return scanCombination(s.db.QueryRowContext(ctx, q, name))
}

// ListCombinations returns all combinations ordered by name.
func (s *Store) ListCombinations(ctx context.Context) ([]*Combination, error) {
	const q = `
		SELECT name, side_a, side_b, strategy, generation, last_synced_at, created_at
		FROM combinations ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying combinations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Combination
	for rows.Next() {
		c, err := scanCombination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCombination removes the combination together with its correlations
// and lease.
func (s *Store) DeleteCombination(ctx context.Context, name string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM correlations WHERE combination = ?`,
			`DELETE FROM leases WHERE combination = ?`,
			`DELETE FROM combinations WHERE name = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, name); err != nil {
				return fmt.Errorf("deleting combination %q: %w", name, err)
			}
		}
		return nil
	})
}

// --- snapshots ---------------------------------------------------------------

// LoadSnapshot reads the correlation snapshot of the named combination.
func (s *Store) LoadSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	c, err := s.GetCombination(ctx, name)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("loading snapshot %q: %w", name, ErrUnknownCombination)
	}

	const q = `
		SELECT id_a, id_b, summary, item_a, item_b, modified_a, modified_b, synced_at
		FROM correlations WHERE combination = ? ORDER BY id_a`
	rows, err := s.db.QueryContext(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("querying correlations for %q: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	snap := &Snapshot{
		Combination:  name,
		Generation:   c.Generation,
		LastSyncedAt: c.LastSyncedAt,
	}
	for rows.Next() {
		var p Pair
		var modA, modB, synced string
		if err := rows.Scan(&p.IDA, &p.IDB, &p.Summary, &p.ItemA, &p.ItemB, &modA, &modB, &synced); err != nil {
			return nil, fmt.Errorf("scanning correlation row: %w", err)
		}
		p.ModifiedA, _ = parseTime(modA)
		p.ModifiedB, _ = parseTime(modB)
		p.SyncedAt, _ = parseTime(synced)
		snap.Pairs = append(snap.Pairs, p)
	}
	return snap, rows.Err()
}

// ReplaceSnapshot atomically replaces all correlations of snap.Combination
// and bumps its generation. It fails with [ErrStaleSnapshot] if the stored
// generation no longer matches snap.Generation. On success snap.Generation
// and snap.LastSyncedAt reflect the committed state.
func (s *Store) ReplaceSnapshot(ctx context.Context, snap *Snapshot) error {
	syncedAt := s.now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var gen int64
		err := tx.QueryRowContext(ctx, `SELECT generation FROM combinations WHERE name = ?`, snap.Combination).Scan(&gen)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("replacing snapshot %q: %w", snap.Combination, ErrUnknownCombination)
		}
		if err != nil {
			return fmt.Errorf("reading generation of %q: %w", snap.Combination, err)
		}
		if gen != snap.Generation {
			return fmt.Errorf("replacing snapshot %q (have generation %d, stored %d): %w",
				snap.Combination, snap.Generation, gen, ErrStaleSnapshot)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM correlations WHERE combination = ?`, snap.Combination); err != nil {
			return fmt.Errorf("clearing correlations of %q: %w", snap.Combination, err)
		}

		const ins = `
			INSERT INTO correlations
			    (combination, id_a, id_b, summary, item_a, item_b, modified_a, modified_b, synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		stmt, err := tx.PrepareContext(ctx, ins)
		if err != nil {
			return fmt.Errorf("preparing correlation insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, p := range snap.Pairs {
			_, err := stmt.ExecContext(ctx,
				snap.Combination, p.IDA, p.IDB, p.Summary, p.ItemA, p.ItemB,
				formatTime(p.ModifiedA), formatTime(p.ModifiedB), formatTime(p.SyncedAt),
			)
			if err != nil {
				return fmt.Errorf("inserting correlation %s<->%s: %w", p.IDA, p.IDB, err)
			}
		}

		const upd = `UPDATE combinations SET generation = generation + 1, last_synced_at = ? WHERE name = ?`
		if _, err := tx.ExecContext(ctx, upd, formatTime(syncedAt), snap.Combination); err != nil {
			return fmt.Errorf("bumping generation of %q: %w", snap.Combination, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	snap.Generation++
	snap.LastSyncedAt = syncedAt
	return nil
}

// --- leases ------------------------------------------------------------------

// AcquireLease takes the exclusive sync lease on a combination for ttl. An
// unexpired lease held by anyone, including holder itself, yields
// [ErrLeaseHeld].
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) error {
	now := s.now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var current, expires string
		err := tx.QueryRowContext(ctx, `SELECT holder, expires_at FROM leases WHERE combination = ?`, name).Scan(&current, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("reading lease of %q: %w", name, err)
		default:
			exp, _ := parseTime(expires)
			if exp.After(now) {
				return fmt.Errorf("%q held by %s until %s: %w", name, current, exp.Format(time.RFC3339), ErrLeaseHeld)
			}
		}

		const q = `
			INSERT INTO leases (combination, holder, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(combination) DO UPDATE SET
			    holder     = excluded.holder,
			    expires_at = excluded.expires_at`
		if _, err := tx.ExecContext(ctx, q, name, holder, formatTime(now.Add(ttl))); err != nil {
			return fmt.Errorf("writing lease of %q: %w", name, err)
		}
		return nil
	})
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	const q = `DELETE FROM leases WHERE combination = ? AND holder = ?`
	if _, err := s.db.ExecContext(ctx, q, name, holder); err != nil {
		return fmt.Errorf("releasing lease of %q: %w", name, err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// scanner matches both *sql.Row and *sql.Rows so scanCombination can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanCombination(s scanner) (*Combination, error) {
	var c Combination
	var sideA, sideB, synced, created string

	err := s.Scan(&c.Name, &sideA, &sideB, &c.Strategy, &c.Generation, &synced, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning combination row: %w", err)
	}

	if err := yaml.Unmarshal([]byte(sideA), &c.SideA); err != nil {
		return nil, fmt.Errorf("decoding side A settings of %q: %w", c.Name, err)
	}
	if err := yaml.Unmarshal([]byte(sideB), &c.SideB); err != nil {
		return nil, fmt.Errorf("decoding side B settings of %q: %w", c.Name, err)
	}
	c.LastSyncedAt, _ = parseTime(synced)
	c.CreatedAt, _ = parseTime(created)

	return &c, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
