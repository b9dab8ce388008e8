package guideline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Node is one entry of a diet plan tree: a day with meals, a meal with a
// recommendation, or a heading with a list of items.
type Node struct {
	Key      string   `json:"key"`
	Text     string   `json:"text,omitempty"`
	Items    []string `json:"items,omitempty"`
	Children []Node   `json:"children,omitempty"`
}

// Plan is a diet guideline exactly as it appears in the guideline file,
// plus an ordered view of it for rendering.
type Plan struct {
	raw   json.RawMessage
	text  string
	nodes []Node
}

// NewPlan builds a plan from a JSON value. Objects become ordered node
// trees, strings become plain-text plans.
func NewPlan(raw json.RawMessage) (Plan, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Plan{}, errors.New("empty guideline")
	}

	p := Plan{raw: append(json.RawMessage(nil), raw...)}
	switch raw[0] {
	case '{':
		nodes, err := parseObject(raw)
		if err != nil {
			return Plan{}, err
		}
		p.nodes = nodes
	case '"':
		if err := json.Unmarshal(raw, &p.text); err != nil {
			return Plan{}, err
		}
	default:
		return Plan{}, fmt.Errorf("guideline must be an object or a string, got %s", describe(raw))
	}
	return p, nil
}

// TextPlan builds a plan holding a single recommendation text.
func TextPlan(text string) Plan {
	raw, _ := json.Marshal(text)
	return Plan{raw: raw, text: text}
}

// Raw returns a copy of the plan's JSON.
func (p Plan) Raw() json.RawMessage {
	return append(json.RawMessage(nil), p.raw...)
}

// Text returns the recommendation of a plain-text plan.
func (p Plan) Text() string {
	return p.text
}

// Nodes returns the top-level entries in file order, without the
// risk_level tag.
func (p Plan) Nodes() []Node {
	out := make([]Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		if isRiskKey(n.Key) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// IsZero reports whether the plan is empty.
func (p Plan) IsZero() bool {
	return len(p.raw) == 0
}

// MarshalJSON emits the plan verbatim.
func (p Plan) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw(), nil
}

// orderedObject decodes the keys of a JSON object in file order, keeping
// each value as raw JSON.
func orderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected object, got %s", describe(raw))
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected token %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, nil, fmt.Errorf("key %q: %w", key, err)
		}
		if _, dup := values[key]; !dup {
			keys = append(keys, key)
		}
		values[key] = value
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, values, nil
}

func parseObject(raw json.RawMessage) ([]Node, error) {
	keys, values, err := orderedObject(raw)
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(keys))
	for _, key := range keys {
		node, err := parseNode(key, values[key])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func parseNode(key string, raw json.RawMessage) (Node, error) {
	raw = bytes.TrimSpace(raw)
	node := Node{Key: key}
	if len(raw) == 0 {
		return node, nil
	}

	switch raw[0] {
	case '{':
		children, err := parseObject(raw)
		if err != nil {
			return node, fmt.Errorf("%s: %w", key, err)
		}
		node.Children = children
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return node, fmt.Errorf("%s: %w", key, err)
		}
		for _, item := range items {
			node.Items = append(node.Items, scalarText(item))
		}
	default:
		node.Text = scalarText(raw)
	}
	return node, nil
}

// scalarText renders a JSON value as display text.
func scalarText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(bytes.TrimSpace(raw)) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func describe(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "nothing"
	}
	switch raw[0] {
	case '{':
		return "an object"
	case '[':
		return "an array"
	case '"':
		return "a string"
	case 'n':
		return "null"
	case 't', 'f':
		return "a boolean"
	default:
		return "a number"
	}
}

func isRiskKey(key string) bool {
	return strings.EqualFold(strings.TrimSpace(key), riskLevelKey)
}

// balancedDiet is the documented fallback plan callers may substitute
// explicitly when a lookup misses.
const balancedDiet = `{
  "diet_type": "Balanced diet",
  "avoid": ["junk food"],
  "include": ["fruits", "vegetables"]
}`

// conditionDefaults are built-in plans for common conditions, used when a
// guideline file has no entry for them.
var conditionDefaults = map[string]string{
	"diabetes": `{
  "diet_type": "Diabetic diet",
  "avoid": ["sugar", "white rice", "soft drinks"],
  "include": ["whole grains", "vegetables", "lean protein"]
}`,
	"hypertension": `{
  "diet_type": "Low sodium diet",
  "avoid": ["salt", "pickles", "processed food"],
  "include": ["fruits", "vegetables", "low-fat dairy"]
}`,
}

// ConditionDefault returns the built-in plan for a condition label, if
// there is one.
func ConditionDefault(label string) (Plan, bool) {
	raw, ok := conditionDefaults[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return Plan{}, false
	}
	p, err := NewPlan(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return p, true
}

// BalancedDiet returns the generic fallback plan.
func BalancedDiet() Plan {
	p, err := NewPlan(json.RawMessage(balancedDiet))
	if err != nil {
		panic(err)
	}
	return p
}
