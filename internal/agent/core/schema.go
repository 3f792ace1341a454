package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// allowedMethods is the machine-checkable method whitelist for specs
// coming back from inference.
var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// planSchema is the expected-shape description embedded in synthesis and
// replan prompts. Validation below enforces the same rules on the way back.
const planSchema = `{
  "push_fhir": [
    {
      "method": "POST|PUT|PATCH",
      "url": "absolute URL or path relative to the API base, may contain {{placeholders}}",
      "headers": { "Header-Name": "value or {{placeholder}}" },
      "body": { "JSON body template, strings may contain {{placeholders}} resolved against the payload" },
      "field_mapping": { "placeholder": "dotted.path.into.payload" }
    }
  ],
  "get_fhir": [
    {
      "method": "GET",
      "url": "absolute URL or path, may contain {{placeholders}} such as {{id}}",
      "headers": { "Header-Name": "value" },
      "field_mapping": { "placeholder": "dotted.path" }
    }
  ]
}`

// ValidateSpec checks one spec against the schema: a whitelisted method, a
// non-empty URL, and a body template when one is required.
func ValidateSpec(spec RequestSpec, requireBody bool) error {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		return fmt.Errorf("missing method")
	}
	if !allowedMethods[method] {
		return fmt.Errorf("method %q not allowed", spec.Method)
	}
	if strings.TrimSpace(spec.URL) == "" {
		return fmt.Errorf("missing url")
	}
	if requireBody && spec.Body == nil {
		return fmt.Errorf("missing body template")
	}
	return nil
}

// ValidatePlan checks a whole candidate plan: at least one push and one get
// spec, each individually valid. Push specs must carry a body template.
func ValidatePlan(plan *MappingPlan) error {
	if plan == nil {
		return fmt.Errorf("empty plan")
	}
	if len(plan.PushFHIR) == 0 {
		return fmt.Errorf("plan has no push_fhir specs")
	}
	if len(plan.GetFHIR) == 0 {
		return fmt.Errorf("plan has no get_fhir specs")
	}
	for i, spec := range plan.PushFHIR {
		if err := ValidateSpec(spec, true); err != nil {
			return fmt.Errorf("push_fhir[%d]: %w", i, err)
		}
	}
	for i, spec := range plan.GetFHIR {
		if err := ValidateSpec(spec, false); err != nil {
			return fmt.Errorf("get_fhir[%d]: %w", i, err)
		}
	}
	return nil
}

// ParsePlan extracts and validates a mapping plan from raw inference output.
func ParsePlan(raw string) (*MappingPlan, error) {
	var plan MappingPlan
	if err := json.Unmarshal([]byte(extractFirstJSON(raw)), &plan); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// canonicalJSON renders a body template in comparable form. encoding/json
// sorts map keys, so equal shapes marshal identically.
func canonicalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// extractFirstJSON finds the first balanced top-level JSON object in a
// string, tolerating prose and markdown fences around it. Braces inside
// string values do not count toward the balance, so feedback text like
// "wrap entries in {" cannot derail the scan.
func extractFirstJSON(s string) string {
	if inner, ok := stripCodeFence(s); ok {
		s = inner
	}

	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return s
}

// stripCodeFence unwraps content fenced as a markdown code block. Models
// fence their output even when asked not to.
func stripCodeFence(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return "", false
	}
	rest := trimmed[3:]
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return "", false
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}
