package schema

import (
	"encoding/csv"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SchemaError reports a feature schema that cannot be used for alignment:
// an empty schema, an empty derivation, or a batch that is not tabular.
type SchemaError struct {
	Op  string
	Msg string
	Err error
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("schema %s: %s", e.Op, e.Msg)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// FeatureSchema is the ordered list of feature columns a model was trained on.
type FeatureSchema struct {
	fields []string
	index  map[string]int
}

// New builds a schema from an ordered field list. Duplicate names keep
// their first position.
func New(fields []string) (FeatureSchema, error) {
	s := FeatureSchema{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := s.index[f]; dup {
			continue
		}
		s.index[f] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	if len(s.fields) == 0 {
		return FeatureSchema{}, &SchemaError{Op: "new", Msg: "feature schema is empty"}
	}
	return s, nil
}

// Derive computes the feature schema of a training table: every column
// except the target and the leakage columns, in table order. Leakage names
// that are not present in the table are ignored.
func Derive(columns []string, target string, leakage []string) (FeatureSchema, error) {
	excluded := make(map[string]struct{}, len(leakage)+1)
	excluded[strings.TrimSpace(target)] = struct{}{}
	for _, l := range leakage {
		excluded[strings.TrimSpace(l)] = struct{}{}
	}

	kept := make([]string, 0, len(columns))
	for _, c := range columns {
		c = strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
		if _, skip := excluded[c]; skip {
			continue
		}
		kept = append(kept, c)
	}

	s, err := New(kept)
	if err != nil {
		return FeatureSchema{}, &SchemaError{
			Op:  "derive",
			Msg: fmt.Sprintf("no feature columns left after removing target %q and %d leakage columns", target, len(leakage)),
		}
	}
	return s, nil
}

// DeriveFromCSV reads the header row of a training CSV and derives the schema from it.
func DeriveFromCSV(path, target string, leakage []string) (FeatureSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return FeatureSchema{}, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return FeatureSchema{}, &SchemaError{Op: "derive", Msg: fmt.Sprintf("%s has no header row", filepath.Base(path))}
	}
	if err != nil {
		return FeatureSchema{}, fmt.Errorf("read header of %s: %w", filepath.Base(path), err)
	}
	return Derive(header, target, leakage)
}

// Fields returns a copy of the ordered field names.
func (s FeatureSchema) Fields() []string {
	out := make([]string, len(s.fields))
	copy(out, s.fields)
	return out
}

// Len returns the number of features.
func (s FeatureSchema) Len() int {
	return len(s.fields)
}

// IsEmpty reports whether the schema has no fields (the zero value).
func (s FeatureSchema) IsEmpty() bool {
	return len(s.fields) == 0
}

// Index returns the position of a field, or -1.
func (s FeatureSchema) Index(field string) int {
	if i, ok := s.index[field]; ok {
		return i
	}
	return -1
}

// Has reports whether field is part of the schema.
func (s FeatureSchema) Has(field string) bool {
	_, ok := s.index[field]
	return ok
}

// Equal reports whether two schemas list the same fields in the same order.
func (s FeatureSchema) Equal(other FeatureSchema) bool {
	return s.Verify(other) == nil
}

// Verify compares the schema against another capture of it and describes
// the first divergence.
func (s FeatureSchema) Verify(other FeatureSchema) error {
	if len(s.fields) != len(other.fields) {
		return &SchemaError{
			Op:  "verify",
			Msg: fmt.Sprintf("feature count differs: %d vs %d", len(s.fields), len(other.fields)),
		}
	}
	for i := range s.fields {
		if s.fields[i] != other.fields[i] {
			return &SchemaError{
				Op:  "verify",
				Msg: fmt.Sprintf("feature %d differs: %q vs %q", i, s.fields[i], other.fields[i]),
			}
		}
	}
	return nil
}

// snapshot is the on-disk form of a captured schema.
type snapshot struct {
	Fields []string
}

// Save writes the schema to disk so the inference side can verify it.
func (s FeatureSchema) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return gob.NewEncoder(f).Encode(snapshot{Fields: s.fields})
}

// Load reads a schema written by Save.
func Load(path string) (FeatureSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return FeatureSchema{}, err
	}
	defer f.Close()

	var data snapshot
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return FeatureSchema{}, fmt.Errorf("decode schema snapshot: %w", err)
	}
	return New(data.Fields)
}
