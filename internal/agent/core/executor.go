package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openscribe/fhirlink/utils"
)

const (
	errorBodyChars = 500
	responseRead   = 1 << 16
)

// Executor renders one spec into a concrete HTTP request, issues it with a
// bounded timeout and classifies the outcome. It appends exactly one
// AttemptRecord per invocation and never returns an error: failures are
// classified results, and there is no retry layer hiding underneath.
type Executor struct {
	client      *http.Client
	timeout     time.Duration
	keepChars   int
	requireJSON bool
	logger      *log.Logger
}

func NewExecutor(timeout time.Duration, keepChars int, requireJSON bool) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if keepChars <= 0 {
		keepChars = 2000
	}
	return &Executor{
		client:      &http.Client{},
		timeout:     timeout,
		keepChars:   keepChars,
		requireJSON: requireJSON,
		logger:      log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
	}
}

// Execute issues the spec against the target endpoint. Success means a 2xx
// status (and, when configured, a JSON-parseable body).
func (e *Executor) Execute(ctx context.Context, run *AgentRun, spec RequestSpec, payload map[string]any, creds Credentials) AttemptRecord {
	started := time.Now()
	rec := AttemptRecord{Attempt: run.Attempts + 1, Spec: spec}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := e.buildRequest(rctx, spec, payload, creds)
	if err != nil {
		rec.Error = fmt.Sprintf("building request: %v", err)
		return e.finish(run, rec, started)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		rec.Error = err.Error()
		return e.finish(run, rec, started)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseRead))
	rec.StatusCode = resp.StatusCode
	rec.Body = utils.Truncate(string(body), e.keepChars, "")

	switch {
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		rec.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, utils.Truncate(string(body), errorBodyChars, ""))
	case e.requireJSON && len(bytes.TrimSpace(body)) > 0 && !json.Valid(body):
		rec.Error = fmt.Sprintf("HTTP %d: response body is not valid JSON", resp.StatusCode)
	}
	return e.finish(run, rec, started)
}

func (e *Executor) finish(run *AgentRun, rec AttemptRecord, started time.Time) AttemptRecord {
	rec.LatencyMS = time.Since(started).Milliseconds()
	run.Attempts++
	run.History = append(run.History, rec)

	outcome := "ok"
	if rec.Error != "" {
		outcome = rec.Error
	}
	e.logger.Printf("attempt %d/%d: %s %s -> %s (%dms)",
		rec.Attempt, run.MaxAttempts, rec.Spec.Method, rec.Spec.URL, outcome, rec.LatencyMS)
	return rec
}

func (e *Executor) buildRequest(ctx context.Context, spec RequestSpec, payload map[string]any, creds Credentials) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	target := renderText(joinURL(creds.BaseURL, spec.URL), payload, spec.FieldMapping)

	var bodyReader io.Reader
	if spec.Body != nil {
		rendered := renderValue(spec.Body, payload, spec.FieldMapping)
		raw, err := json.Marshal(rendered)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}

	for k, v := range spec.Headers {
		req.Header.Set(k, renderText(v, payload, spec.FieldMapping))
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds.APIToken != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+creds.APIToken)
	}
	if creds.ClientID != "" && req.Header.Get("client-id") == "" {
		req.Header.Set("client-id", creds.ClientID)
	}
	for k, v := range creds.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

// joinURL anchors a relative spec URL on the credential base URL. Absolute
// spec URLs win over the base.
func joinURL(base, path string) string {
	if base == "" || strings.Contains(path, "://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// renderValue walks a body template substituting {{placeholders}} from the
// payload. A string that is exactly one placeholder resolves to the raw
// value so whole objects can be injected; embedded placeholders stringify.
func renderValue(v any, payload map[string]any, mapping map[string]string) any {
	switch t := v.(type) {
	case string:
		return renderString(t, payload, mapping)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = renderValue(val, payload, mapping)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = renderValue(val, payload, mapping)
		}
		return out
	default:
		return v
	}
}

func renderString(s string, payload map[string]any, mapping map[string]string) any {
	if m := placeholderRe.FindStringSubmatch(strings.TrimSpace(s)); m != nil && m[0] == strings.TrimSpace(s) {
		if val, ok := resolvePlaceholder(m[1], payload, mapping); ok {
			return val
		}
		return s
	}
	return renderText(s, payload, mapping)
}

// renderText substitutes placeholders inside a longer string, stringifying
// the resolved values. Unresolvable placeholders are left in place so the
// failed request stays diagnosable.
func renderText(s string, payload map[string]any, mapping map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(strings.Trim(match, "{}"))
		val, ok := resolvePlaceholder(name, payload, mapping)
		if !ok {
			return match
		}
		return utils.Str(val)
	})
}

func resolvePlaceholder(name string, payload map[string]any, mapping map[string]string) (any, bool) {
	path := name
	if mapped, ok := mapping[name]; ok && mapped != "" {
		path = mapped
	}
	if val, ok := lookupPath(payload, path); ok {
		return val, true
	}
	// conventional names for the whole payload
	switch strings.ToLower(name) {
	case "payload", "bundle", "fhir_bundle", "sample_data":
		return payload, true
	}
	return nil, false
}

// lookupPath resolves a dotted path with optional [index] suffixes, e.g.
// entry[0].resource.id. An empty path or "." yields the whole payload.
func lookupPath(payload map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || path == "." {
		return payload, true
	}

	var current any = payload
	for _, seg := range strings.Split(path, ".") {
		name := seg
		var indexes []int
		for {
			open := strings.LastIndex(name, "[")
			if open == -1 || !strings.HasSuffix(name, "]") {
				break
			}
			idx, err := strconv.Atoi(name[open+1 : len(name)-1])
			if err != nil {
				return nil, false
			}
			indexes = append([]int{idx}, indexes...)
			name = name[:open]
		}

		if name != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indexes {
			arr, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
		}
	}
	return current, true
}
