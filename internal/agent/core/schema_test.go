package core

import (
	"encoding/json"
	"strings"
	"testing"
)

func mustMarshal(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func TestParsePlanExtractsEmbeddedJSON(t *testing.T) {
	raw := "Sure! Here is the mapping you asked for:\n" +
		planJSON(t, "https://emr.example.com/fhir/Bundle") +
		"\nLet me know if you need anything else."

	plan, err := ParsePlan(raw)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if len(plan.PushFHIR) != 1 || len(plan.GetFHIR) != 1 {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestParsePlanRejectsIncompletePlans(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"no push", `{"push_fhir":[],"get_fhir":[{"method":"GET","url":"/x"}]}`, "push_fhir"},
		{"no get", `{"push_fhir":[{"method":"POST","url":"/x","body":{}}],"get_fhir":[]}`, "get_fhir"},
		{"push without body", `{"push_fhir":[{"method":"POST","url":"/x"}],"get_fhir":[{"method":"GET","url":"/x"}]}`, "body"},
		{"bad method", `{"push_fhir":[{"method":"FETCH","url":"/x","body":{}}],"get_fhir":[{"method":"GET","url":"/x"}]}`, "not allowed"},
		{"missing url", `{"push_fhir":[{"method":"POST","url":"","body":{}}],"get_fhir":[{"method":"GET","url":"/x"}]}`, "url"},
		{"not json", "completely free-form prose", "decoding"},
	}
	for _, c := range cases {
		_, err := ParsePlan(c.raw)
		if err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Fatalf("%s: error = %q, want mention of %q", c.name, err, c.want)
		}
	}
}

func TestValidateSpecAcceptsLowercaseMethod(t *testing.T) {
	spec := RequestSpec{Method: "post", URL: "/fhir/Bundle", Body: map[string]any{}}
	if err := ValidateSpec(spec, true); err != nil {
		t.Fatalf("ValidateSpec: %v", err)
	}
}

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{`prefix {"a":{"b":2}} suffix`, `{"a":{"b":2}}`},
		{`{"a":1} and {"b":2}`, `{"a":1}`},
		{`no json here`, `no json here`},
		{`{"feedback":"wrap entries in {","confidence":70}`, `{"feedback":"wrap entries in {","confidence":70}`},
		{`{"note":"escaped \" quote} brace"}`, `{"note":"escaped \" quote} brace"}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"Here is the plan:\n```\n{\"a\":1}\n```\ndone", `{"a":1}`},
	}
	for _, c := range cases {
		if got := extractFirstJSON(c.in); got != c.want {
			t.Fatalf("extractFirstJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
