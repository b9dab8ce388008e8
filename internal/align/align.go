package align

import (
	"fmt"
	"sort"

	"github.com/kartoza/diet-planner/internal/dataset"
	"github.com/kartoza/diet-planner/internal/schema"
)

// FillPolicy decides the value of a schema field that a row does not supply.
// The zero value fills every gap with 0.
type FillPolicy struct {
	Default  float64            `yaml:"default" json:"default"`
	PerField map[string]float64 `yaml:"per_field" json:"per_field,omitempty"`
}

// Value returns the fill value for a field.
func (p FillPolicy) Value(field string) float64 {
	if v, ok := p.PerField[field]; ok {
		return v
	}
	return p.Default
}

// Matrix is a row-major feature matrix whose columns follow a FeatureSchema.
type Matrix struct {
	Columns []string
	Rows    [][]float64
}

// NumRows returns the number of rows.
func (m *Matrix) NumRows() int {
	return len(m.Rows)
}

// NumCols returns the number of columns.
func (m *Matrix) NumCols() int {
	return len(m.Columns)
}

// Dense flattens the matrix into a single row-major slice.
func (m *Matrix) Dense() []float64 {
	out := make([]float64, 0, len(m.Rows)*len(m.Columns))
	for _, row := range m.Rows {
		out = append(out, row...)
	}
	return out
}

// Report describes the schema drift absorbed while aligning a batch.
type Report struct {
	Rows int `json:"rows"`
	// Missing counts rows that lacked each schema field (absent or empty).
	Missing map[string]int `json:"missing,omitempty"`
	// Unparseable counts rows whose value for a schema field was not numeric.
	Unparseable map[string]int `json:"unparseable,omitempty"`
	// Extra lists input columns that are not part of the schema.
	Extra []string `json:"extra,omitempty"`
}

// HasDrift reports whether anything was filled or dropped.
func (r Report) HasDrift() bool {
	return len(r.Missing) > 0 || len(r.Unparseable) > 0 || len(r.Extra) > 0
}

// MissingFields returns the names of filled fields, sorted.
func (r Report) MissingFields() []string {
	out := make([]string, 0, len(r.Missing)+len(r.Unparseable))
	for f := range r.Missing {
		out = append(out, f)
	}
	for f := range r.Unparseable {
		if _, dup := r.Missing[f]; !dup {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Align projects a batch onto the schema: the result has exactly the
// schema's columns in the schema's order and one row per input row. Fields
// a row does not supply take the fill policy's value; columns outside the
// schema are dropped. Neither case is an error.
func Align(s schema.FeatureSchema, batch *dataset.Table, fill FillPolicy) (*Matrix, Report, error) {
	if s.IsEmpty() {
		return nil, Report{}, &schema.SchemaError{Op: "align", Msg: "feature schema is empty"}
	}
	if batch == nil {
		return nil, Report{}, &schema.SchemaError{Op: "align", Msg: "no input batch", Err: dataset.ErrNotTabular}
	}

	fields := s.Fields()
	m := &Matrix{
		Columns: fields,
		Rows:    make([][]float64, len(batch.Rows)),
	}
	report := Report{Rows: len(batch.Rows)}

	for i, rec := range batch.Rows {
		row := make([]float64, len(fields))
		for j, field := range fields {
			v, ok := rec.Float(field)
			if !ok {
				if raw, present := rec[field]; present && raw != nil {
					report.Unparseable = increment(report.Unparseable, field)
				} else {
					report.Missing = increment(report.Missing, field)
				}
				v = fill.Value(field)
			}
			row[j] = v
		}
		m.Rows[i] = row
	}

	report.Extra = extraColumns(s, batch)
	return m, report, nil
}

// String summarises the report for log lines.
func (r Report) String() string {
	return fmt.Sprintf("rows=%d filled=%v dropped=%v", r.Rows, r.MissingFields(), r.Extra)
}

func extraColumns(s schema.FeatureSchema, batch *dataset.Table) []string {
	seen := make(map[string]struct{})
	var extra []string
	add := func(c string) {
		if s.Has(c) {
			return
		}
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		extra = append(extra, c)
	}
	for _, c := range batch.Columns {
		add(c)
	}
	for _, rec := range batch.Rows {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k)
		}
	}
	return extra
}

func increment(m map[string]int, key string) map[string]int {
	if m == nil {
		m = make(map[string]int)
	}
	m[key]++
	return m
}
