// Package history keeps a record of prediction runs in a SQLite database so
// results can be listed and exported again later.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kartoza/diet-planner/internal/dataset"
	"github.com/kartoza/diet-planner/internal/guideline"
	"github.com/kartoza/diet-planner/internal/pipeline"
)

// ErrNotFound is returned for unknown run ids or row indexes.
var ErrNotFound = errors.New("not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	source     TEXT NOT NULL,
	rows       INTEGER NOT NULL,
	failed     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	row_index  INTEGER NOT NULL,
	prediction INTEGER NOT NULL,
	label      TEXT NOT NULL,
	fallback   INTEGER NOT NULL,
	error      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (run_id, row_index)
);`

// Run summarises one stored prediction call.
type Run struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Source    string `json:"source"`
	Rows      int    `json:"rows"`
	// Failed counts rows that ended without a plan.
	Failed int `json:"failed"`
}

// Record is one stored result row.
type Record struct {
	RunID      string          `json:"runId"`
	Index      int             `json:"index"`
	Prediction int             `json:"prediction"`
	Label      string          `json:"label"`
	Fallback   bool            `json:"fallback"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Result rebuilds the pipeline result the record was saved from, enough
// for the exporters.
func (r Record) Result() (pipeline.Result, error) {
	var payload struct {
		PatientData    dataset.Record  `json:"patient_data"`
		DietPlan       json.RawMessage `json:"diet_plan"`
		FallbackReason string          `json:"fallback_reason"`
	}
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return pipeline.Result{}, fmt.Errorf("decode stored result: %w", err)
	}

	res := pipeline.Result{
		Index:          r.Index,
		PatientData:    payload.PatientData,
		Prediction:     r.Prediction,
		Label:          r.Label,
		Fallback:       r.Fallback,
		FallbackReason: payload.FallbackReason,
	}
	if r.Error != "" {
		res.Err = errors.New(r.Error)
	}
	if len(payload.DietPlan) > 0 && string(payload.DietPlan) != "null" {
		plan, err := guideline.NewPlan(payload.DietPlan)
		if err != nil {
			return pipeline.Result{}, fmt.Errorf("decode stored plan: %w", err)
		}
		res.Plan = plan
	}
	return res, nil
}

// Store persists runs in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history tables: %w", err)
	}
	return &Store{db: db}, nil
}

// createdLayout is fixed width so created_at sorts as text.
const createdLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timestamp(t time.Time) string {
	return t.UTC().Format(createdLayout)
}

// Save stores a run and all of its results in one transaction.
func (s *Store) Save(source string, results []pipeline.Result) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		CreatedAt: timestamp(time.Now()),
		Source:    source,
		Rows:      len(results),
	}
	for _, r := range results {
		if r.Err != nil {
			run.Failed++
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO runs (id, created_at, source, rows, failed) VALUES (?, ?, ?, ?, ?)",
		run.ID, run.CreatedAt, run.Source, run.Rows, run.Failed,
	); err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.Prepare(
		"INSERT INTO results (run_id, row_index, prediction, label, fallback, error, payload) VALUES (?, ?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		payload, err := json.Marshal(r.Export())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result %d: %w", r.Index, err)
		}
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		if _, err := stmt.Exec(run.ID, r.Index, r.Prediction, r.Label, r.Fallback, errText, string(payload)); err != nil {
			return nil, fmt.Errorf("failed to insert result %d: %w", r.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}
	return run, nil
}

// List returns all runs, newest first.
func (s *Store) List() ([]*Run, error) {
	rows, err := s.db.Query("SELECT id, created_at, source, rows, failed FROM runs ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.CreatedAt, &run.Source, &run.Rows, &run.Failed); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns a run by id.
func (s *Store) Get(id string) (*Run, error) {
	run := &Run{}
	err := s.db.QueryRow(
		"SELECT id, created_at, source, rows, failed FROM runs WHERE id = ?", id,
	).Scan(&run.ID, &run.CreatedAt, &run.Source, &run.Rows, &run.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", id, err)
	}
	return run, nil
}

// Results returns a run's rows in input order.
func (s *Store) Results(id string) ([]Record, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		"SELECT run_id, row_index, prediction, label, fallback, error, payload FROM results WHERE run_id = ? ORDER BY row_index",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read results of %s: %w", id, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Result returns a single stored row.
func (s *Store) Result(id string, index int) (Record, error) {
	row := s.db.QueryRow(
		"SELECT run_id, row_index, prediction, label, fallback, error, payload FROM results WHERE run_id = ? AND row_index = ?",
		id, index,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("run %s row %d: %w", id, index, ErrNotFound)
	}
	return rec, err
}

// Delete removes a run and its results.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var payload string
	if err := row.Scan(&rec.RunID, &rec.Index, &rec.Prediction, &rec.Label, &rec.Fallback, &rec.Error, &payload); err != nil {
		return Record{}, err
	}
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}
