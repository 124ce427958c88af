package trigger

import (
	"encoding/json"
	"reflect"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MatchesAll evaluates a rule's conditions against an event payload.
// Conditions are AND-ed: any failing predicate excludes the rule.
// An empty condition list matches unconditionally.
//
// Evaluation is pure and total: missing fields, type mismatches, and
// malformed payload shapes evaluate to non-match rather than erroring,
// so attacker-controlled payloads cannot crash the dispatcher.
func MatchesAll(conditions []Condition, payload Payload) bool {
	for _, c := range conditions {
		if !Matches(c, payload) {
			return false
		}
	}
	return true
}

// Matches evaluates a single condition against a payload.
func Matches(c Condition, payload Payload) bool {
	if !c.Operator.Valid() {
		return false
	}

	got, ok := lookupPath(payload, c.FieldPath)
	if c.Operator == OpExists {
		return ok
	}
	if !ok {
		// Missing field is a non-match for every operator, including
		// not_equals: absence of a value is not inequality.
		return false
	}

	switch c.Operator {
	case OpEquals:
		return valuesEqual(got, c.Value)
	case OpNotEquals:
		return !valuesEqual(got, c.Value)
	case OpContains:
		return contains(got, c.Value)
	case OpGreaterThan:
		a, b, ok := bothNumeric(got, c.Value)
		return ok && a > b
	case OpLessThan:
		a, b, ok := bothNumeric(got, c.Value)
		return ok && a < b
	}
	return false
}

// lookupPath walks a dot-notation path through nested maps.
// Returns (nil, false) if any segment is missing or a non-map is
// traversed into.
func lookupPath(payload Payload, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := any(map[string]any(payload))
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valuesEqual compares a payload value with a condition value.
// Numbers compare numerically regardless of concrete type (JSON decoding
// yields float64, rule storage may yield int). Strings compare in NFC
// form: payloads arrive from browsers and APIs in mixed Unicode
// normalization forms, and byte equality would silently miss. Everything
// else compares with reflect.DeepEqual.
func valuesEqual(got, want any) bool {
	if a, b, ok := bothNumeric(got, want); ok {
		return a == b
	}
	if g, ok := got.(string); ok {
		w, ok := want.(string)
		return ok && canonical(g) == canonical(w)
	}
	return reflect.DeepEqual(got, want)
}

// contains handles string substring checks and slice membership.
func contains(got, want any) bool {
	switch g := got.(type) {
	case string:
		w, ok := want.(string)
		return ok && strings.Contains(canonical(g), canonical(w))
	case []any:
		for _, item := range g {
			if valuesEqual(item, want) {
				return true
			}
		}
	}
	return false
}

// canonical returns the NFC form of a string operand.
func canonical(s string) string {
	return norm.NFC.String(s)
}

// bothNumeric coerces both values to float64 when both are numeric.
func bothNumeric(a, b any) (float64, float64, bool) {
	x, ok := toFloat(a)
	if !ok {
		return 0, 0, false
	}
	y, ok := toFloat(b)
	if !ok {
		return 0, 0, false
	}
	return x, y, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
