package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Predicate is a compiled condition tree evaluated against a proposal's
// payload fields. Evaluation is deterministic and side-effect free.
// A missing field evaluates to null: every comparison against null is
// false, except neq, which is true.
type Predicate struct {
	op    string
	field string
	value any
	re    *regexp.Regexp
	args  []*Predicate
}

// the closed operator set
const (
	opEq       = "eq"
	opNeq      = "neq"
	opLt       = "lt"
	opLe       = "le"
	opGt       = "gt"
	opGe       = "ge"
	opIn       = "in"
	opContains = "contains"
	opMatches  = "matches"
	opAnd      = "and"
	opOr       = "or"
	opNot      = "not"
)

type rawPredicate struct {
	Op    string            `json:"op"`
	Field string            `json:"field,omitempty"`
	Value json.RawMessage   `json:"value,omitempty"`
	Arg   json.RawMessage   `json:"arg,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

// ParsePredicate compiles a condition tree from its JSON form. Regex
// operands are compiled once here, never during evaluation.
func ParsePredicate(raw json.RawMessage) (*Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var r rawPredicate
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}

	p := &Predicate{op: r.Op, field: r.Field}
	switch r.Op {
	case opAnd, opOr:
		if len(r.Args) == 0 {
			return nil, fmt.Errorf("condition: %s requires args", r.Op)
		}
		for _, a := range r.Args {
			child, err := ParsePredicate(a)
			if err != nil {
				return nil, err
			}
			p.args = append(p.args, child)
		}
	case opNot:
		if len(r.Arg) == 0 {
			return nil, fmt.Errorf("condition: not requires arg")
		}
		child, err := ParsePredicate(r.Arg)
		if err != nil {
			return nil, err
		}
		p.args = []*Predicate{child}
	case opEq, opNeq, opLt, opLe, opGt, opGe, opIn, opContains, opMatches:
		if r.Field == "" {
			return nil, fmt.Errorf("condition: %s requires field", r.Op)
		}
		var v any
		if len(r.Value) > 0 {
			if err := json.Unmarshal(r.Value, &v); err != nil {
				return nil, fmt.Errorf("condition value: %w", err)
			}
		}
		p.value = v
		if r.Op == opMatches {
			pat, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("condition: matches requires a string pattern")
			}
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("condition regex: %w", err)
			}
			p.re = re
		}
		if r.Op == opIn {
			if _, ok := v.([]any); !ok {
				return nil, fmt.Errorf("condition: in requires an array value")
			}
		}
	default:
		return nil, fmt.Errorf("condition: unknown operator %q", r.Op)
	}
	return p, nil
}

// Eval applies the predicate to a decoded payload object.
func (p *Predicate) Eval(payload map[string]any) bool {
	if p == nil {
		return true
	}
	switch p.op {
	case opAnd:
		for _, a := range p.args {
			if !a.Eval(payload) {
				return false
			}
		}
		return true
	case opOr:
		for _, a := range p.args {
			if a.Eval(payload) {
				return true
			}
		}
		return false
	case opNot:
		return !p.args[0].Eval(payload)
	}

	fv, present := lookupField(payload, p.field)
	if !present || fv == nil {
		return p.op == opNeq
	}

	switch p.op {
	case opEq:
		return jsonEqual(fv, p.value)
	case opNeq:
		return !jsonEqual(fv, p.value)
	case opLt, opLe, opGt, opGe:
		return compareOrdered(p.op, fv, p.value)
	case opIn:
		arr, _ := p.value.([]any)
		for _, item := range arr {
			if jsonEqual(fv, item) {
				return true
			}
		}
		return false
	case opContains:
		return evalContains(fv, p.value)
	case opMatches:
		s, ok := fv.(string)
		return ok && p.re.MatchString(s)
	}
	return false
}

// lookupField walks a dotted path through nested objects.
func lookupField(payload map[string]any, path string) (any, bool) {
	if payload == nil {
		return nil, false
	}
	cur := any(payload)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// jsonEqual compares decoded JSON values: numbers numerically, the rest
// structurally.
func jsonEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		nb, ok := toFloat(b)
		return ok && na == nb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !jsonEqual(v, bvv) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// compareOrdered handles lt/le/gt/ge: numbers numerically, strings
// lexicographically, anything else false.
func compareOrdered(op string, a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return false
		}
		return applyOrder(op, compareFloats(fa, fb))
	}
	sa, ok := a.(string)
	if !ok {
		return false
	}
	sb, ok := b.(string)
	if !ok {
		return false
	}
	return applyOrder(op, strings.Compare(sa, sb))
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func applyOrder(op string, cmp int) bool {
	switch op {
	case opLt:
		return cmp < 0
	case opLe:
		return cmp <= 0
	case opGt:
		return cmp > 0
	case opGe:
		return cmp >= 0
	}
	return false
}

// evalContains: substring on strings, element membership on arrays.
func evalContains(field, value any) bool {
	switch fv := field.(type) {
	case string:
		sv, ok := value.(string)
		return ok && strings.Contains(fv, sv)
	case []any:
		for _, item := range fv {
			if jsonEqual(item, value) {
				return true
			}
		}
	}
	return false
}
