package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrNotTabular is returned when an input batch is not a list of flat rows.
var ErrNotTabular = errors.New("input batch is not tabular")

// Record is one row of inference input. Values are float64 for numeric
// cells, string for anything else, and nil for a missing cell.
type Record map[string]any

// Float returns the numeric value of a field. ok is false when the field
// is absent, nil, or not parseable as a finite number.
func (r Record) Float(field string) (v float64, ok bool) {
	raw, present := r[field]
	if !present || raw == nil {
		return 0, false
	}
	switch val := raw.(type) {
	case float64:
		return finite(val)
	case float32:
		return finite(float64(val))
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, false
		}
		return finite(f)
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	}
	return 0, false
}

// finite rejects NaN and infinities; they cannot be fed to the model or
// written back out as JSON.
func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is a batch of records with the column order they were read in.
type Table struct {
	Columns []string
	Rows    []Record
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// HasColumn reports whether any row header declared the column.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// ReadCSV reads a CSV or TSV file with a header row into a Table.
func ReadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	comma := ','
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		comma = '\t'
	}
	t, err := ParseCSV(f, comma)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// ParseCSV reads delimited rows from r. The first row is the header.
func ParseCSV(r io.Reader, comma rune) (*Table, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("empty file")
	}

	header := make([]string, len(rows[0]))
	for i, cell := range rows[0] {
		header[i] = cleanCell(cell)
	}

	t := &Table{Columns: header, Rows: make([]Record, 0, len(rows)-1)}
	for _, row := range rows[1:] {
		rec := make(Record, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			if i >= len(row) {
				rec[name] = nil
				continue
			}
			rec[name] = parseCell(row[i])
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// DecodeJSON decodes a JSON array of flat objects. Any other shape (a bare
// object, a scalar, nested arrays) is rejected with ErrNotTabular.
func DecodeJSON(data []byte) (*Table, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotTabular
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTabular, err)
	}

	t := &Table{Rows: make([]Record, 0, len(raw))}
	seen := make(map[string]struct{})
	for i, item := range raw {
		keys, rec, err := decodeRow(item)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrNotTabular, i, err)
		}
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				t.Columns = append(t.Columns, k)
			}
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// decodeRow decodes one object, keeping key order for the column list.
func decodeRow(data json.RawMessage) ([]string, Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.New("row is not an object")
	}

	var keys []string
	rec := make(Record)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key := tok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		switch v := value.(type) {
		case map[string]any, []any:
			return nil, nil, fmt.Errorf("field %q is nested", key)
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, nil, fmt.Errorf("field %q: %v", key, err)
			}
			rec[key] = f
		default:
			rec[key] = v
		}
		keys = append(keys, key)
	}
	return keys, rec, nil
}

func parseCell(cell string) any {
	cell = cleanCell(cell)
	if cell == "" || strings.EqualFold(cell, "nan") || strings.EqualFold(cell, "null") {
		return nil
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		if v, ok := finite(f); ok {
			return v
		}
	}
	return cell
}

func cleanCell(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "\ufeff")
	return v
}
