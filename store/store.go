// Package store keeps scan reports in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/verdict/match"
	"github.com/chazu/verdict/scan"
	"github.com/chazu/verdict/vm"
)

var log = commonlog.GetLogger("verdict.store")

// ErrScanNotFound indicates the requested scan doesn't exist.
var ErrScanNotFound = errors.New("scan not found")

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	started     INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	data_size   INTEGER NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS rule_results (
	scan_id    TEXT NOT NULL,
	rule_index INTEGER NOT NULL,
	identifier TEXT NOT NULL,
	namespace  TEXT NOT NULL,
	tags       TEXT NOT NULL,
	matched    INTEGER NOT NULL,
	private    INTEGER NOT NULL,
	evaluated  INTEGER NOT NULL,
	PRIMARY KEY (scan_id, rule_index)
);
CREATE TABLE IF NOT EXISTS pattern_matches (
	scan_id       TEXT NOT NULL,
	pattern_index INTEGER NOT NULL,
	identifier    TEXT NOT NULL,
	rule          TEXT NOT NULL,
	match_offset  INTEGER NOT NULL,
	match_length  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pattern_matches_scan ON pattern_matches(scan_id, pattern_index);
`

// Store persists scan reports. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Summary is one row of List.
type Summary struct {
	ID       string
	Source   string
	Started  time.Time
	Status   scan.Status
	Matching int
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps pragmas and in-memory databases consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	log.Debugf("opened %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database path given to Open.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save persists a report, replacing any earlier report with the same
// session ID.
func (s *Store) Save(ctx context.Context, r *scan.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving scan: %w", err)
	}
	defer tx.Rollback()

	if _, err := deleteScan(ctx, tx, r.SessionID); err != nil {
		return fmt.Errorf("saving scan %s: %w", r.SessionID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO scans (id, source, started, duration_ns, data_size, status, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Source, r.Started.UnixNano(), int64(r.Duration), r.DataSize, string(r.Status), r.Error,
	)
	if err != nil {
		return fmt.Errorf("saving scan %s: %w", r.SessionID, err)
	}

	for _, rr := range r.Rules {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rule_results (scan_id, rule_index, identifier, namespace, tags, matched, private, evaluated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.SessionID, rr.Index, rr.Identifier, rr.Namespace, strings.Join(rr.Tags, " "),
			rr.Matched, rr.Private, rr.Evaluated,
		)
		if err != nil {
			return fmt.Errorf("saving rule %s: %w", rr.Identifier, err)
		}
	}

	for _, pm := range r.Patterns {
		for _, m := range pm.Matches {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO pattern_matches (scan_id, pattern_index, identifier, rule, match_offset, match_length)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				r.SessionID, pm.Index, pm.Identifier, pm.Rule, m.Offset, m.Length,
			)
			if err != nil {
				return fmt.Errorf("saving match of %s: %w", pm.Identifier, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saving scan %s: %w", r.SessionID, err)
	}
	log.Debugf("saved scan %s (%s, %d rules)", r.SessionID, r.Status, len(r.Rules))
	return nil
}

// Load retrieves a report. The evaluation stack is not stored.
func (s *Store) Load(ctx context.Context, id string) (*scan.Report, error) {
	r := &scan.Report{SessionID: id}
	var started, duration int64
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT source, started, duration_ns, data_size, status, error FROM scans WHERE id = ?", id,
	).Scan(&r.Source, &started, &duration, &r.DataSize, &status, &r.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScanNotFound
		}
		return nil, fmt.Errorf("querying scan: %w", err)
	}
	r.Started = time.Unix(0, started)
	r.Duration = time.Duration(duration)
	r.Status = scan.Status(status)

	if r.Rules, err = s.loadRules(ctx, id); err != nil {
		return nil, err
	}
	if r.Patterns, err = s.loadPatterns(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) loadRules(ctx context.Context, id string) ([]vm.RuleResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_index, identifier, namespace, tags, matched, private, evaluated
		 FROM rule_results WHERE scan_id = ? ORDER BY rule_index`, id)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	var out []vm.RuleResult
	for rows.Next() {
		var rr vm.RuleResult
		var tags string
		if err := rows.Scan(&rr.Index, &rr.Identifier, &rr.Namespace, &tags, &rr.Matched, &rr.Private, &rr.Evaluated); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		if tags != "" {
			rr.Tags = strings.Fields(tags)
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (s *Store) loadPatterns(ctx context.Context, id string) ([]scan.PatternMatches, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern_index, identifier, rule, match_offset, match_length
		 FROM pattern_matches WHERE scan_id = ? ORDER BY pattern_index, rowid`, id)
	if err != nil {
		return nil, fmt.Errorf("querying matches: %w", err)
	}
	defer rows.Close()

	var out []scan.PatternMatches
	for rows.Next() {
		var idx int
		var ident, rule string
		var m match.Match
		if err := rows.Scan(&idx, &ident, &rule, &m.Offset, &m.Length); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].Index != idx {
			out = append(out, scan.PatternMatches{Index: idx, Identifier: ident, Rule: rule})
		}
		last := &out[len(out)-1]
		last.Matches = append(last.Matches, m)
	}
	return out, rows.Err()
}

// List returns the most recent scans first. limit <= 0 lists all of them.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	query := `SELECT s.id, s.source, s.started, s.status,
		(SELECT COUNT(*) FROM rule_results r WHERE r.scan_id = s.id AND r.matched AND NOT r.private)
		FROM scans s ORDER BY s.started DESC, s.id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var started int64
		var status string
		if err := rows.Scan(&sum.ID, &sum.Source, &started, &status, &sum.Matching); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		sum.Started = time.Unix(0, started)
		sum.Status = scan.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a scan and everything recorded for it.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting scan: %w", err)
	}
	defer tx.Rollback()

	n, err := deleteScan(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("deleting scan: %w", err)
	}
	if n == 0 {
		return ErrScanNotFound
	}
	return tx.Commit()
}

// deleteScan removes id from every table and returns the number of scans
// rows deleted.
func deleteScan(ctx context.Context, tx *sql.Tx, id string) (int64, error) {
	for _, table := range []string{"pattern_matches", "rule_results"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE scan_id = ?", id); err != nil {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM scans WHERE id = ?", id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
