package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openscribe/fhirlink/utils"
)

const (
	payloadSummaryEntries = 15
	payloadSampleChars    = 2000
	promptCorpusChars     = 60000
	promptExcerptLimit    = 3
)

// payloadSummary renders a compact view of the sample payload for prompts:
// one line per bundle entry plus a truncated JSON sample.
func payloadSummary(sample map[string]any) string {
	var b strings.Builder
	if entries, ok := sample["entry"].([]any); ok {
		for i, e := range entries {
			if i >= payloadSummaryEntries {
				fmt.Fprintf(&b, "... and %d more entries\n", len(entries)-payloadSummaryEntries)
				break
			}
			entry, _ := e.(map[string]any)
			resource, _ := entry["resource"].(map[string]any)
			rt := utils.Str(resource["resourceType"])
			if rt == "" {
				rt = "unknown"
			}
			fmt.Fprintf(&b, "[%d] %s id=%s\n", i, rt, utils.Str(resource["id"]))
		}
	}
	raw, err := json.Marshal(sample)
	if err == nil {
		b.WriteString("Sample payload JSON:\n")
		b.WriteString(utils.Truncate(string(raw), payloadSampleChars, "... [truncated]"))
	}
	return b.String()
}

func buildQueryPrompt(docURL string) string {
	return fmt.Sprintf(`You are planning web searches to find REST API documentation for an EMR system.
Documentation URL hint (may be empty): %s
The goal is to learn how to push FHIR bundles into the system and read them back.
Return ONLY strict JSON: { "queries": [string] } with 3 to 5 distinct, non-empty search queries.`, docURL)
}

func buildSynthesisPrompt(corpusText string, sample map[string]any) string {
	if corpusText == "" {
		corpusText = "(no documentation could be retrieved; propose a conventional FHIR REST mapping)"
	}
	return fmt.Sprintf(`You are an integration engineer deriving HTTP request mappings for an unfamiliar EMR REST API.

API DOCUMENTATION CORPUS:
%s

PAYLOAD TO PUSH:
%s

Derive the requests needed to (a) push this payload into the API and (b) retrieve it back.
Use {{placeholders}} for values that come from the payload; list each placeholder in field_mapping
as a dotted path into the payload (array elements as entry[0].resource.id).
Return ONLY strict JSON matching this schema exactly:
%s`, utils.Truncate(corpusText, promptCorpusChars, "\n... [truncated]"), payloadSummary(sample), planSchema)
}

func buildCritiquePrompt(spec RequestSpec, rec AttemptRecord, excerpts []string) string {
	specJSON, _ := json.Marshal(spec)
	outcome := rec.Error
	if outcome == "" {
		outcome = fmt.Sprintf("HTTP %d", rec.StatusCode)
	}
	var ctx strings.Builder
	for _, ex := range excerpts {
		ctx.WriteString("- ")
		ctx.WriteString(ex)
		ctx.WriteString("\n")
	}
	return fmt.Sprintf(`You are diagnosing a failed HTTP request against an EMR REST API.

REQUEST SPEC: %s
OUTCOME: %s
RESPONSE BODY (truncated): %s

RELEVANT DOCUMENTATION EXCERPTS (may be empty):
%s
Categorize the most likely fault. Allowed categories:
authentication, path_mismatch, body_shape, missing_field, rate_limited, unknown.
Return ONLY strict JSON: { "category": string, "feedback": string, "confidence": number 0..100 }`,
		specJSON, outcome, rec.Body, ctx.String())
}

func buildReplanPrompt(plan *MappingPlan, rec AttemptRecord, diag Diagnostic, excerpts []string, retryNote string) string {
	planJSON, _ := json.Marshal(plan)
	outcome := rec.Error
	if outcome == "" {
		outcome = fmt.Sprintf("HTTP %d", rec.StatusCode)
	}
	var ctx strings.Builder
	for _, ex := range excerpts {
		ctx.WriteString("- ")
		ctx.WriteString(ex)
		ctx.WriteString("\n")
	}
	return fmt.Sprintf(`You are revising HTTP request mappings for an EMR REST API after a failed attempt.

CURRENT PLAN: %s
FAILED OUTCOME: %s
RESPONSE BODY (truncated): %s
DIAGNOSIS (%s): %s

RELEVANT DOCUMENTATION EXCERPTS (may be empty):
%s
Produce a revised plan. The first push_fhir spec MUST change at least one of:
method, url, headers, or body shape. Keep working parts intact.%s
Return ONLY strict JSON matching this schema exactly:
%s`, planJSON, outcome, rec.Body, diag.Category, diag.Feedback, ctx.String(), retryNote, planSchema)
}
