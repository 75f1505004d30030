package policy

import (
	"encoding/json"
	"testing"
)

func mustParse(t *testing.T, cond string) *Predicate {
	t.Helper()
	p, err := ParsePredicate(json.RawMessage(cond))
	if err != nil {
		t.Fatalf("ParsePredicate(%s): %v", cond, err)
	}
	return p
}

func TestPredicateLeafOperators(t *testing.T) {
	payload := map[string]any{
		"env":     "production",
		"count":   float64(5),
		"ratio":   0.25,
		"region":  "eu-west-1",
		"tags":    []any{"critical", "billing"},
		"message": "deploy to production cluster",
	}

	cases := []struct {
		name string
		cond string
		want bool
	}{
		{"eq string", `{"op":"eq","field":"env","value":"production"}`, true},
		{"eq string miss", `{"op":"eq","field":"env","value":"staging"}`, false},
		{"eq number", `{"op":"eq","field":"count","value":5}`, true},
		{"neq", `{"op":"neq","field":"env","value":"staging"}`, true},
		{"neq equal", `{"op":"neq","field":"env","value":"production"}`, false},
		{"lt", `{"op":"lt","field":"count","value":10}`, true},
		{"lt equal", `{"op":"lt","field":"count","value":5}`, false},
		{"le equal", `{"op":"le","field":"count","value":5}`, true},
		{"gt", `{"op":"gt","field":"ratio","value":0.1}`, true},
		{"ge", `{"op":"ge","field":"count","value":5}`, true},
		{"lt strings", `{"op":"lt","field":"region","value":"eu-west-2"}`, true},
		{"in hit", `{"op":"in","field":"env","value":["staging","production"]}`, true},
		{"in miss", `{"op":"in","field":"env","value":["staging","dev"]}`, false},
		{"contains substring", `{"op":"contains","field":"message","value":"production"}`, true},
		{"contains substring miss", `{"op":"contains","field":"message","value":"canary"}`, false},
		{"contains array element", `{"op":"contains","field":"tags","value":"billing"}`, true},
		{"contains array miss", `{"op":"contains","field":"tags","value":"support"}`, false},
		{"matches", `{"op":"matches","field":"region","value":"^eu-"}`, true},
		{"matches miss", `{"op":"matches","field":"region","value":"^us-"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mustParse(t, tc.cond).Eval(payload); got != tc.want {
				t.Errorf("Eval(%s) = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

// Missing and explicitly-null fields compare as null: every operator is
// false against null except neq, which is true.
func TestPredicateNullSemantics(t *testing.T) {
	payload := map[string]any{
		"present": "yes",
		"nullish": nil,
	}

	for _, field := range []string{"absent", "nullish"} {
		cases := []struct {
			cond string
			want bool
		}{
			{`{"op":"eq","field":"` + field + `","value":"yes"}`, false},
			{`{"op":"eq","field":"` + field + `","value":null}`, false},
			{`{"op":"lt","field":"` + field + `","value":10}`, false},
			{`{"op":"gt","field":"` + field + `","value":10}`, false},
			{`{"op":"in","field":"` + field + `","value":["yes"]}`, false},
			{`{"op":"contains","field":"` + field + `","value":"y"}`, false},
			{`{"op":"matches","field":"` + field + `","value":".*"}`, false},
			{`{"op":"neq","field":"` + field + `","value":"anything"}`, true},
		}
		for _, tc := range cases {
			if got := mustParse(t, tc.cond).Eval(payload); got != tc.want {
				t.Errorf("field %q: Eval(%s) = %v, want %v", field, tc.cond, got, tc.want)
			}
		}
	}
}

func TestPredicateBooleanOps(t *testing.T) {
	payload := map[string]any{"env": "production", "count": float64(3)}

	and := `{"op":"and","args":[
		{"op":"eq","field":"env","value":"production"},
		{"op":"lt","field":"count","value":10}
	]}`
	if !mustParse(t, and).Eval(payload) {
		t.Error("and of two true clauses should hold")
	}

	or := `{"op":"or","args":[
		{"op":"eq","field":"env","value":"staging"},
		{"op":"eq","field":"env","value":"production"}
	]}`
	if !mustParse(t, or).Eval(payload) {
		t.Error("or with one true clause should hold")
	}

	not := `{"op":"not","arg":{"op":"eq","field":"env","value":"staging"}}`
	if !mustParse(t, not).Eval(payload) {
		t.Error("not of a false clause should hold")
	}

	nested := `{"op":"and","args":[
		{"op":"not","arg":{"op":"eq","field":"env","value":"dev"}},
		{"op":"or","args":[
			{"op":"gt","field":"count","value":100},
			{"op":"le","field":"count","value":3}
		]}
	]}`
	if !mustParse(t, nested).Eval(payload) {
		t.Error("nested tree should hold")
	}
}

func TestPredicateDottedPaths(t *testing.T) {
	payload := map[string]any{
		"request": map[string]any{
			"target": map[string]any{"cluster": "prod-eu"},
		},
	}
	p := mustParse(t, `{"op":"eq","field":"request.target.cluster","value":"prod-eu"}`)
	if !p.Eval(payload) {
		t.Error("dotted path lookup failed")
	}
	// A path that descends through a non-object is null.
	p = mustParse(t, `{"op":"eq","field":"request.target.cluster.extra","value":"x"}`)
	if p.Eval(payload) {
		t.Error("descending through a scalar should compare as null")
	}
}

func TestPredicateMixedTypesNeverOrdered(t *testing.T) {
	payload := map[string]any{"count": "five"}
	for _, cond := range []string{
		`{"op":"lt","field":"count","value":10}`,
		`{"op":"gt","field":"count","value":10}`,
		`{"op":"le","field":"count","value":10}`,
		`{"op":"ge","field":"count","value":10}`,
	} {
		if mustParse(t, cond).Eval(payload) {
			t.Errorf("Eval(%s) ordered a string against a number", cond)
		}
	}
}

func TestPredicateEmptyCondition(t *testing.T) {
	p, err := ParsePredicate(nil)
	if err != nil {
		t.Fatalf("ParsePredicate(nil): %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil predicate for empty condition, got %+v", p)
	}
	if !p.Eval(map[string]any{"anything": 1}) {
		t.Error("nil predicate must match everything")
	}
}

func TestPredicateParseErrors(t *testing.T) {
	cases := []struct {
		name string
		cond string
	}{
		{"unknown op", `{"op":"between","field":"x","value":1}`},
		{"unknown json field", `{"op":"eq","field":"x","value":1,"extra":true}`},
		{"and without args", `{"op":"and"}`},
		{"not without arg", `{"op":"not"}`},
		{"leaf without field", `{"op":"eq","value":1}`},
		{"in without array", `{"op":"in","field":"x","value":"scalar"}`},
		{"matches bad regex", `{"op":"matches","field":"x","value":"["}`},
		{"matches non-string", `{"op":"matches","field":"x","value":7}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePredicate(json.RawMessage(tc.cond)); err == nil {
				t.Errorf("ParsePredicate(%s) accepted invalid condition", tc.cond)
			}
		})
	}
}

func TestMatchPatternAndSpecificity(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"deploy.cluster", "deploy.cluster", true},
		{"deploy.cluster", "deploy.node", false},
		{"deploy.*", "deploy.cluster", true},
		{"deploy.*", "deploy", false},
		{"deploy.*", "rollback.cluster", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.value); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.value, got, tc.want)
		}
	}

	// Exact patterns outrank globs of the same literal length.
	if specificity("deploy.cluster") <= specificity("deploy.cluster*") {
		t.Error("exact pattern must be more specific than a glob with the same prefix")
	}
	if specificity("deploy.*") <= specificity("*") {
		t.Error("longer literal prefix must be more specific")
	}
}
