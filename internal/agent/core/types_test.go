package core

import "testing"

func TestSpecsDiffer(t *testing.T) {
	base := RequestSpec{
		Method:  "POST",
		URL:     "/fhir/Bundle",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    map[string]any{"resourceType": "Bundle", "entry": "{{entries}}"},
	}

	cases := []struct {
		name   string
		mutate func(RequestSpec) RequestSpec
		differ bool
	}{
		{"identical", func(s RequestSpec) RequestSpec { return s }, false},
		{"method case", func(s RequestSpec) RequestSpec { s.Method = "post"; return s }, false},
		{"url whitespace", func(s RequestSpec) RequestSpec { s.URL = " /fhir/Bundle "; return s }, false},
		{"header name case", func(s RequestSpec) RequestSpec {
			s.Headers = map[string]string{"content-type": "application/json"}
			return s
		}, false},
		{"body key order", func(s RequestSpec) RequestSpec {
			s.Body = map[string]any{"entry": "{{entries}}", "resourceType": "Bundle"}
			return s
		}, false},
		{"mapping only", func(s RequestSpec) RequestSpec {
			s.FieldMapping = map[string]string{"entries": "entry[0]"}
			return s
		}, false},
		{"method", func(s RequestSpec) RequestSpec { s.Method = "PUT"; return s }, true},
		{"url", func(s RequestSpec) RequestSpec { s.URL = "/fhir/Bundle/$import"; return s }, true},
		{"header added", func(s RequestSpec) RequestSpec {
			s.Headers = map[string]string{"Content-Type": "application/json", "Prefer": "return=representation"}
			return s
		}, true},
		{"header value", func(s RequestSpec) RequestSpec {
			s.Headers = map[string]string{"Content-Type": "application/fhir+json"}
			return s
		}, true},
		{"body shape", func(s RequestSpec) RequestSpec {
			s.Body = map[string]any{"bundle": "{{payload}}"}
			return s
		}, true},
	}
	for _, c := range cases {
		if got := SpecsDiffer(base, c.mutate(base)); got != c.differ {
			t.Fatalf("%s: SpecsDiffer = %v, want %v", c.name, got, c.differ)
		}
	}
}

func TestAttemptRecordSuccess(t *testing.T) {
	if !(AttemptRecord{StatusCode: 201}).Success() {
		t.Fatalf("201 with no error must succeed")
	}
	if (AttemptRecord{StatusCode: 201, Error: "response body is not valid JSON"}).Success() {
		t.Fatalf("2xx with a classification error must not succeed")
	}
	if (AttemptRecord{StatusCode: 404, Error: "HTTP 404: nope"}).Success() {
		t.Fatalf("404 must not succeed")
	}
	if (AttemptRecord{}).Success() {
		t.Fatalf("zero record must not succeed")
	}
}

func TestRunStateTerminal(t *testing.T) {
	for _, s := range []RunState{StateSucceeded, StateFailed} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	for _, s := range []RunState{StateInit, StateSearching, StateFetching, StatePlanning, StateExecuting, StateCritiquing, StateReplanning} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestValidTransitionsShape(t *testing.T) {
	for state := range validTransitions {
		if state.Terminal() {
			t.Fatalf("terminal state %s has outgoing transitions", state)
		}
	}
	for _, s := range []RunState{StateInit, StateSearching, StateFetching, StatePlanning, StateExecuting, StateCritiquing, StateReplanning} {
		targets, ok := validTransitions[s]
		if !ok || len(targets) == 0 {
			t.Fatalf("state %s has no outgoing transitions", s)
		}
	}
	// the loop edge: replanning feeds back into executing
	found := false
	for _, to := range validTransitions[StateReplanning] {
		if to == StateExecuting {
			found = true
		}
	}
	if !found {
		t.Fatalf("replanning must be able to re-enter executing")
	}
}

func TestPrimaryOnEmptyPlan(t *testing.T) {
	var p *MappingPlan
	if got := p.Primary(); got.Method != "" || got.URL != "" {
		t.Fatalf("nil plan primary = %+v", got)
	}
	empty := &MappingPlan{}
	if got := empty.Primary(); got.URL != "" {
		t.Fatalf("empty plan primary = %+v", got)
	}
}
