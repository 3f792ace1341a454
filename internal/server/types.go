package server

import (
	"encoding/json"
	"time"

	"github.com/openscribe/fhirlink/internal/agent/core"
	"github.com/openscribe/fhirlink/internal/store"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// DiscoverRequest asks the engine to work out how to talk to an EMR. Sample
// data can be inline or reference a stored bundle by id.
type DiscoverRequest struct {
	EMRID       string           `json:"emr_id"`
	APIDocURL   string           `json:"api_doc_url,omitempty"`
	SampleData  map[string]any   `json:"sample_data,omitempty"`
	BundleID    string           `json:"bundle_id,omitempty"`
	Credentials core.Credentials `json:"credentials,omitempty"`
	MaxAttempts int              `json:"max_attempts,omitempty"`
}

// RefreshResponse acknowledges a queued re-discovery job.
type RefreshResponse struct {
	JobID    string `json:"job_id"`
	StreamID string `json:"stream_id"`
}

// RunSummary is the list view of a stored discovery run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	EMRID       string    `json:"emr_id"`
	Success     bool      `json:"success"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RunDetail is the full view of a stored discovery run, history included.
type RunDetail struct {
	RunSummary
	History          json.RawMessage `json:"history"`
	FinalMapping     json.RawMessage `json:"final_mapping,omitempty"`
	PersistenceError string          `json:"persistence_error,omitempty"`
}

func runSummary(rec store.DiscoveryRunRecord) RunSummary {
	return RunSummary{
		RunID:       rec.RunID,
		EMRID:       rec.EMRID,
		Success:     rec.Success,
		FailureKind: rec.FailureKind,
		Attempts:    rec.Attempts,
		LastError:   rec.LastError,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
}

func runDetail(rec store.DiscoveryRunRecord) RunDetail {
	return RunDetail{
		RunSummary:       runSummary(rec),
		History:          rec.History,
		FinalMapping:     rec.FinalMapping,
		PersistenceError: rec.PersistenceError,
	}
}

// BundleCreateRequest stores a FHIR bundle sample for an EMR.
type BundleCreateRequest struct {
	EMRID  string          `json:"emr_id,omitempty"`
	Bundle json.RawMessage `json:"bundle"`
}

// BundleResponse is the stored form of a bundle sample.
type BundleResponse struct {
	ID        string          `json:"id"`
	EMRID     string          `json:"emr_id,omitempty"`
	Bundle    json.RawMessage `json:"bundle,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func bundleResponse(rec store.BundleRecord, withPayload bool) BundleResponse {
	out := BundleResponse{ID: rec.ID, EMRID: rec.EMRID, CreatedAt: rec.CreatedAt}
	if withPayload {
		out.Bundle = rec.Bundle
	}
	return out
}
