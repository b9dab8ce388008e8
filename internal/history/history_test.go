package history

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/kartoza/diet-planner/internal/dataset"
	"github.com/kartoza/diet-planner/internal/guideline"
	"github.com/kartoza/diet-planner/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleResults() []pipeline.Result {
	return []pipeline.Result{
		{
			Index:       0,
			PatientData: dataset.Record{"age": 55.0},
			Prediction:  1,
			Label:       "high_risk",
			Plan:        guideline.TextPlan("Oats"),
		},
		{
			Index:       1,
			PatientData: dataset.Record{"age": 30.0},
			Prediction:  0,
			Label:       "low_risk",
			Err:         &guideline.NotFoundError{Label: "low_risk"},
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	store := openTestStore(t)

	run, err := store.Save("batch.csv", sampleResults())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if run.ID == "" || run.Rows != 2 || run.Failed != 1 {
		t.Errorf("Unexpected run: %+v", run)
	}

	got, err := store.Get(run.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if *got != *run {
		t.Errorf("Expected %+v, got %+v", run, got)
	}
}

func TestResults(t *testing.T) {
	store := openTestStore(t)
	run, _ := store.Save("api", sampleResults())

	records, err := store.Results(run.ID)
	if err != nil {
		t.Fatalf("Results failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Index != 0 || records[1].Index != 1 {
		t.Errorf("Records not in input order: %+v", records)
	}
	if records[1].Error == "" {
		t.Error("Expected error text on the missed row")
	}

	res, err := records[0].Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if res.Label != "high_risk" || res.Plan.Text() != "Oats" || res.PatientData["age"] != 55.0 {
		t.Errorf("Unexpected rebuilt result: %+v", res)
	}

	missed, err := records[1].Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if missed.Err == nil || !missed.Plan.IsZero() {
		t.Errorf("Missed row should rebuild with error and no plan: %+v", missed)
	}
}

func TestResultSingle(t *testing.T) {
	store := openTestStore(t)
	run, _ := store.Save("api", sampleResults())

	rec, err := store.Result(run.ID, 1)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if rec.Label != "low_risk" {
		t.Errorf("Unexpected record: %+v", rec)
	}

	if _, err := store.Result(run.ID, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	store := openTestStore(t)

	first, _ := store.Save("first", nil)
	second, _ := store.Save("second", sampleResults())

	runs, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Errorf("Expected newest first, got %s then %s", runs[0].Source, runs[1].Source)
	}
}

func TestListOrdersWithinSecond(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	// Inserted newest first so rowid order cannot mask a bad sort.
	stamps := []time.Time{base.Add(120 * time.Millisecond), base.Add(100 * time.Millisecond), base}
	for i, ts := range stamps {
		_, err := store.db.Exec("INSERT INTO runs (id, created_at, source, rows, failed) VALUES (?, ?, ?, 0, 0)",
			fmt.Sprintf("run-%d", i), timestamp(ts), "batch.csv")
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	runs, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if !reflect.DeepEqual(ids, []string{"run-0", "run-1", "run-2"}) {
		t.Errorf("Expected newest first, got %v", ids)
	}
}

func TestUnknownRun(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.Results("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	run, _ := store.Save("api", sampleResults())

	if err := store.Delete(run.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Result(run.ID, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Results should be removed with the run, got %v", err)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	run, _ := store.Save("api", sampleResults())
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer store.Close()
	if _, err := store.Get(run.ID); err != nil {
		t.Errorf("Run lost after reopen: %v", err)
	}
}
