// Package store persists batch run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/lead"
	"github.com/palantir/palantir-compute-module-lead-qualification/pkg/rooturl"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Run is one batch invocation.
type Run struct {
	ID         string    `json:"id"`
	Input      string    `json:"input"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"` // zero while running
	Status     string    `json:"status"`
	Leads      int       `json:"leads"`
	OKRows     int       `json:"ok_rows"`
	ErrorRows  int       `json:"error_rows"`
	Error      string    `json:"error,omitempty"`
}

// Result is the stored outcome for one lead of a run. Qualification is nil
// for error results.
type Result struct {
	RunID         string              `json:"run_id"`
	LeadID        string              `json:"lead_id"`
	Company       string              `json:"company"`
	Website       string              `json:"website,omitempty"`
	Status        string              `json:"status"`
	Error         string              `json:"error,omitempty"`
	Qualification *lead.Qualification `json:"qualification,omitempty"`
	Attempts      int                 `json:"attempts"`
	Duration      time.Duration       `json:"duration_ns"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Store is a SQLite-backed run history.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "create store directory %q", dir)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "open sqlite")
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return eris.Wrap(err, "create schema_migrations")
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return eris.Wrap(err, "read schema version")
	}

	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return eris.Wrap(err, "list migrations")
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			return eris.Wrapf(err, "parse migration version from %q", name)
		}
		if version <= current {
			continue
		}
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "read migration %q", name)
		}
		if err := s.apply(ctx, version, string(body)); err != nil {
			return eris.Wrapf(err, "apply migration %q", name)
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version int, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, version, s.now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion is the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, eris.Wrap(err, "read schema version")
}

// StartRun records a new running batch and returns it with a fresh ID.
func (s *Store) StartRun(ctx context.Context, input string, leads int) (Run, error) {
	run := Run{
		ID:        uuid.NewString(),
		Input:     input,
		StartedAt: s.now().UTC().Truncate(time.Millisecond),
		Status:    RunRunning,
		Leads:     leads,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, input, started_at, status, leads) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Input, run.StartedAt.UnixMilli(), run.Status, run.Leads)
	if err != nil {
		return Run{}, eris.Wrap(err, "insert run")
	}
	return run, nil
}

// FinishRun closes a run. A non-nil runErr marks it failed.
func (s *Store) FinishRun(ctx context.Context, id string, okRows, errorRows int, runErr error) error {
	status, msg := RunDone, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, ok_rows = ?, error_rows = ?, error = ? WHERE id = ?`,
		s.now().UTC().UnixMilli(), status, okRows, errorRows, msg, id)
	if err != nil {
		return eris.Wrapf(err, "finish run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

// SaveResult stores one lead outcome under its run.
func (s *Store) SaveResult(ctx context.Context, r Result) error {
	var (
		payload    sql.NullString
		confidence sql.NullFloat64
		score      sql.NullInt64
		tier       string
		pos, neg   int
	)
	if r.Qualification != nil {
		b, err := json.Marshal(r.Qualification)
		if err != nil {
			return eris.Wrap(err, "encode qualification")
		}
		payload = sql.NullString{String: string(b), Valid: true}
		confidence = sql.NullFloat64{Float64: r.Qualification.AIConfidence, Valid: true}
		pos, neg = len(r.Qualification.Positive), len(r.Qualification.Negative)
		if a := r.Qualification.Assessment; a != nil {
			score = sql.NullInt64{Int64: int64(a.Score), Valid: true}
			tier = string(a.Tier)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qualifications
			(run_id, lead_id, lead_key, company, website, status, error, ai_confidence,
			 positive, negative, payload, attempts, duration_ms, created_at, lead_score, lead_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.LeadID, LeadKey(r.Company, r.Website), r.Company, r.Website, r.Status, r.Error, confidence,
		pos, neg, payload, r.Attempts, r.Duration.Milliseconds(), s.now().UTC().UnixMilli(), score, tier)
	if err != nil {
		return eris.Wrapf(err, "insert result for lead %q", r.LeadID)
	}
	return nil
}

// GetRun returns the run with the given ID or a unique ID prefix.
func (s *Store) GetRun(ctx context.Context, idOrPrefix string) (Run, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return Run{}, eris.Wrap(ErrNotFound, "empty run id")
	}
	rows, err := s.db.QueryContext(ctx, runSelect+` WHERE id = ? OR id LIKE ? ORDER BY started_at DESC LIMIT 2`,
		idOrPrefix, stripWildcards(idOrPrefix)+`%`)
	if err != nil {
		return Run{}, eris.Wrap(err, "query run")
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return Run{}, err
	}
	for _, r := range runs {
		if r.ID == idOrPrefix {
			return r, nil
		}
	}
	switch len(runs) {
	case 0:
		return Run{}, eris.Wrapf(ErrNotFound, "run %s", idOrPrefix)
	case 1:
		return runs[0], nil
	default:
		return Run{}, eris.Errorf("run id prefix %q is ambiguous", idOrPrefix)
	}
}

// ListRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "query runs")
	}
	return scanRuns(rows)
}

const runSelect = `SELECT id, input, started_at, finished_at, status, leads, ok_rows, error_rows, error FROM runs`

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Input, &started, &finished, &r.Status, &r.Leads, &r.OKRows, &r.ErrorRows, &r.Error); err != nil {
			return nil, eris.Wrap(err, "scan run")
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "iterate runs")
}

// Results returns a run's lead outcomes in the order they were saved.
func (s *Store) Results(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, resultSelect+` WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "query results of run %s", runID)
	}
	return scanResults(rows)
}

// SearchResults returns up to limit outcomes, newest first, whose company or
// lead ID contains q, ignoring case. limit <= 0 means all.
func (s *Store) SearchResults(ctx context.Context, q string, limit int) ([]Result, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, eris.New("empty search")
	}
	if limit <= 0 {
		limit = -1
	}
	pattern := `%` + escapeLike(strings.ToLower(q)) + `%`
	rows, err := s.db.QueryContext(ctx, resultSelect+`
		WHERE lower(company) LIKE ? ESCAPE '\' OR lower(lead_id) LIKE ? ESCAPE '\'
		ORDER BY id DESC LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "search results for %q", q)
	}
	return scanResults(rows)
}

// TierSummary counts a run's assessed leads per tier. Every tier is present.
func (s *Store) TierSummary(ctx context.Context, runID string) (map[lead.Tier]int, error) {
	out := make(map[lead.Tier]int, len(lead.Tiers()))
	for _, t := range lead.Tiers() {
		out[t] = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT lead_status, COUNT(*) FROM qualifications
		WHERE run_id = ? AND status = 'ok' AND lead_status != ''
		GROUP BY lead_status`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "summarize run %s", runID)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tier string
			n    int
		)
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, eris.Wrap(err, "scan tier count")
		}
		out[lead.Tier(tier)] += n
	}
	return out, eris.Wrap(rows.Err(), "iterate tier counts")
}

const resultSelect = `SELECT run_id, lead_id, company, website, status, error, payload, attempts, duration_ms, created_at FROM qualifications`

func scanResults(rows *sql.Rows) ([]Result, error) {
	defer rows.Close()
	var out []Result
	for rows.Next() {
		var (
			r        Result
			payload  sql.NullString
			duration int64
			created  int64
		)
		if err := rows.Scan(&r.RunID, &r.LeadID, &r.Company, &r.Website, &r.Status, &r.Error, &payload, &r.Attempts, &duration, &created); err != nil {
			return nil, eris.Wrap(err, "scan result")
		}
		if payload.Valid {
			q, err := decodePayload(payload.String)
			if err != nil {
				return nil, eris.Wrapf(err, "decode result for lead %q", r.LeadID)
			}
			r.Qualification = &q
		}
		r.Duration = time.Duration(duration) * time.Millisecond
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "iterate results")
}

// LatestQualifications returns, per lead key, the most recent successful
// qualification stored for any of the given keys.
func (s *Store) LatestQualifications(ctx context.Context, keys []string) (map[string]lead.Qualification, error) {
	out := make(map[string]lead.Qualification, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	stmt, err := s.db.PrepareContext(ctx, `
		SELECT payload FROM qualifications
		WHERE lead_key = ? AND status = 'ok' AND payload IS NOT NULL
		ORDER BY id DESC LIMIT 1`)
	if err != nil {
		return nil, eris.Wrap(err, "prepare latest qualification")
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, seen := out[key]; seen {
			continue
		}
		var payload string
		err := stmt.QueryRowContext(ctx, key).Scan(&payload)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "query latest qualification for %q", key)
		}
		q, err := decodePayload(payload)
		if err != nil {
			return nil, eris.Wrapf(err, "decode latest qualification for %q", key)
		}
		out[key] = q
	}
	return out, nil
}

// LeadKey identifies a lead across runs by company name and website root.
func LeadKey(company, website string) string {
	key := strings.ToLower(strings.Join(strings.Fields(company), " "))
	if root, ok := rooturl.Normalize(website); ok {
		key += "|" + root.String()
	}
	return key
}

func decodePayload(s string) (lead.Qualification, error) {
	var q lead.Qualification
	err := json.Unmarshal([]byte(s), &q)
	return q, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func stripWildcards(s string) string {
	return strings.NewReplacer(`%`, ``, `_`, ``).Replace(s)
}
