package guideline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Mode selects how predictions are interpreted.
type Mode string

const (
	// ModeBinary treats predictions as a 0/1 risk flag.
	ModeBinary Mode = "binary"
	// ModeMultiClass treats predictions as indexes into a label table.
	ModeMultiClass Mode = "multiclass"
)

const riskLevelKey = "risk_level"

// NotFoundError reports a condition label with no guideline entry. It
// affects only the row that produced the label.
type NotFoundError struct {
	Label      string
	Prediction int
}

func (e *NotFoundError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("no diet guideline for prediction %d", e.Prediction)
	}
	return fmt.Sprintf("no diet guideline for condition %q", e.Label)
}

// StoreShapeError reports a guideline file whose structure does not match
// the prediction mode. It is raised at load time.
type StoreShapeError struct {
	Source string
	Msg    string
}

func (e *StoreShapeError) Error() string {
	if e.Source == "" {
		return "guideline store: " + e.Msg
	}
	return fmt.Sprintf("guideline store %s: %s", e.Source, e.Msg)
}

// BinaryPair holds the two plans of a binary risk model.
type BinaryPair struct {
	High Plan
	Low  Plan
	// Positional is true when neither plan carried a risk_level tag and the
	// pair was assigned by list order (first high, second low).
	Positional bool
}

// KeyedMap holds plans keyed by condition label, in file order.
type KeyedMap struct {
	labels []string
	plans  map[string]Plan
}

// Labels returns the condition labels in file order.
func (k *KeyedMap) Labels() []string {
	out := make([]string, len(k.labels))
	copy(out, k.labels)
	return out
}

// Get returns the plan for a label. Matching is exact first, then
// case-insensitive on the trimmed label.
func (k *KeyedMap) Get(label string) (Plan, bool) {
	if p, ok := k.plans[label]; ok {
		return p, true
	}
	want := strings.TrimSpace(label)
	for _, l := range k.labels {
		if strings.EqualFold(l, want) {
			return k.plans[l], true
		}
	}
	return Plan{}, false
}

// Store is a loaded guideline file. Exactly one of Pair and Keyed is set;
// the variant is decided once by Load and never changes.
type Store struct {
	Source string
	Pair   *BinaryPair
	Keyed  *KeyedMap
}

// Load reads a guideline file. JSON objects load as a KeyedMap, JSON
// arrays of exactly two trees as a BinaryPair, and .txt files as a flat
// "condition: recommendation" rule list.
func Load(path string, mode Mode) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guideline file: %w", err)
	}

	var store *Store
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		store, err = ParseRules(bytes.NewReader(data), mode)
	} else {
		store, err = Parse(data, mode)
	}
	if err != nil {
		if shapeErr, ok := err.(*StoreShapeError); ok {
			shapeErr.Source = filepath.Base(path)
		}
		return nil, err
	}
	store.Source = filepath.Base(path)
	return store, nil
}

// Parse decodes a JSON guideline document and validates its shape
// against the mode.
func Parse(data []byte, mode Mode) (*Store, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &StoreShapeError{Msg: "file is empty"}
	}

	switch data[0] {
	case '{':
		keyed, err := parseKeyed(data)
		if err != nil {
			return nil, err
		}
		if err := checkKeyCount(keyed, mode); err != nil {
			return nil, err
		}
		return &Store{Keyed: keyed}, nil
	case '[':
		if mode != ModeBinary {
			return nil, &StoreShapeError{Msg: "a list of guidelines is only valid for binary risk models"}
		}
		pair, err := parsePair(data)
		if err != nil {
			return nil, err
		}
		return &Store{Pair: pair}, nil
	default:
		return nil, &StoreShapeError{Msg: fmt.Sprintf("expected an object or a two-element list, got %s", describe(data))}
	}
}

// ParseRules reads a flat rule list: one "condition: recommendation" pair
// per line, conditions lower-cased. Lines without a colon are ignored.
func ParseRules(r io.Reader, mode Mode) (*Store, error) {
	keyed := &KeyedMap{plans: make(map[string]Plan)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, dup := keyed.plans[key]; !dup {
			keyed.labels = append(keyed.labels, key)
		}
		keyed.plans[key] = TextPlan(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan rule file: %w", err)
	}

	if err := checkKeyCount(keyed, mode); err != nil {
		return nil, err
	}
	return &Store{Keyed: keyed}, nil
}

func parseKeyed(data []byte) (*KeyedMap, error) {
	keys, values, err := orderedObject(data)
	if err != nil {
		return nil, &StoreShapeError{Msg: fmt.Sprintf("invalid guideline object: %v", err)}
	}

	keyed := &KeyedMap{labels: keys, plans: make(map[string]Plan, len(keys))}
	for _, key := range keys {
		plan, err := NewPlan(values[key])
		if err != nil {
			return nil, &StoreShapeError{Msg: fmt.Sprintf("guideline %q: %v", key, err)}
		}
		keyed.plans[key] = plan
	}
	return keyed, nil
}

func checkKeyCount(keyed *KeyedMap, mode Mode) error {
	switch {
	case len(keyed.labels) == 0:
		return &StoreShapeError{Msg: "no guidelines defined"}
	case mode == ModeBinary && len(keyed.labels) != 2:
		return &StoreShapeError{Msg: fmt.Sprintf("binary risk models need exactly two guidelines, found %d", len(keyed.labels))}
	}
	return nil
}

// parsePair assigns the two trees of a binary store. A risk_level tag in
// both trees decides the assignment; with no tags the legacy order applies
// (element 0 is high risk, element 1 is low risk).
func parsePair(data []byte) (*BinaryPair, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, &StoreShapeError{Msg: fmt.Sprintf("invalid guideline list: %v", err)}
	}
	if len(items) != 2 {
		return nil, &StoreShapeError{Msg: fmt.Sprintf("binary guideline list must have exactly two entries, found %d", len(items))}
	}

	plans := make([]Plan, 2)
	levels := make([]int, 2)
	tagged := 0
	for i, item := range items {
		if trimmed := bytes.TrimSpace(item); len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, &StoreShapeError{Msg: fmt.Sprintf("guideline %d must be an object, got %s", i, describe(item))}
		}
		plan, err := NewPlan(item)
		if err != nil {
			return nil, &StoreShapeError{Msg: fmt.Sprintf("guideline %d: %v", i, err)}
		}
		plans[i] = plan

		level, ok, err := riskLevel(plan)
		if err != nil {
			return nil, &StoreShapeError{Msg: fmt.Sprintf("guideline %d: %v", i, err)}
		}
		levels[i] = -1
		if ok {
			levels[i] = level
			tagged++
		}
	}

	switch tagged {
	case 0:
		return &BinaryPair{High: plans[0], Low: plans[1], Positional: true}, nil
	case 2:
		if levels[0] == levels[1] {
			return nil, &StoreShapeError{Msg: fmt.Sprintf("both guidelines are tagged %s=%d", riskLevelKey, levels[0])}
		}
		if levels[0] == 1 {
			return &BinaryPair{High: plans[0], Low: plans[1]}, nil
		}
		return &BinaryPair{High: plans[1], Low: plans[0]}, nil
	default:
		return nil, &StoreShapeError{Msg: fmt.Sprintf("only one guideline carries %s; tag both or neither", riskLevelKey)}
	}
}

// riskLevel reads the risk_level tag of a plan: "high"/"high_risk"/1/true
// is 1, "low"/"low_risk"/0/false is 0.
func riskLevel(p Plan) (int, bool, error) {
	for _, n := range p.nodes {
		if !isRiskKey(n.Key) {
			continue
		}
		v := strings.ToLower(strings.TrimSpace(n.Text))
		v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
		switch v {
		case "high", "high_risk", "1", "true":
			return 1, true, nil
		case "low", "low_risk", "0", "false":
			return 0, true, nil
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil && (f == 0 || f == 1) {
			return int(f), true, nil
		}
		return 0, false, fmt.Errorf("unrecognised %s %q", riskLevelKey, n.Text)
	}
	return 0, false, nil
}

// Lookup returns the plan for a prediction. Binary pairs resolve by risk
// value; keyed maps resolve by label. A miss is a *NotFoundError.
func (s *Store) Lookup(label string, prediction int) (Plan, error) {
	switch {
	case s.Pair != nil:
		switch prediction {
		case 1:
			return s.Pair.High, nil
		case 0:
			return s.Pair.Low, nil
		}
	case s.Keyed != nil:
		if p, ok := s.Keyed.Get(label); ok {
			return p, nil
		}
	}
	return Plan{}, &NotFoundError{Label: label, Prediction: prediction}
}

// Get returns a plan by key for browsing. Binary pairs answer to "high"
// and "low".
func (s *Store) Get(key string) (Plan, bool) {
	if s.Pair != nil {
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "high", "high_risk", "1":
			return s.Pair.High, true
		case "low", "low_risk", "0":
			return s.Pair.Low, true
		}
		return Plan{}, false
	}
	if s.Keyed != nil {
		return s.Keyed.Get(key)
	}
	return Plan{}, false
}

// Keys lists the store's keys in file order.
func (s *Store) Keys() []string {
	if s.Pair != nil {
		return []string{"high", "low"}
	}
	if s.Keyed != nil {
		return s.Keyed.Labels()
	}
	return nil
}

// Kind names the store variant.
func (s *Store) Kind() string {
	if s.Pair != nil {
		return "binary_pair"
	}
	return "keyed_map"
}

// PositionalFallback reports whether a binary pair was assigned by list
// order rather than by risk_level tags.
func (s *Store) PositionalFallback() bool {
	return s.Pair != nil && s.Pair.Positional
}
