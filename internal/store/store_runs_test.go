package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/openscribe/fhirlink/internal/agent/core"
)

func TestRunRecordFromResult(t *testing.T) {
	started := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	res := core.DiscoveryResult{
		Success: true,
		FinalMapping: &core.MappingPlan{
			PushFHIR: []core.RequestSpec{{Method: "POST", URL: "https://emr.example.com/fhir/Bundle"}},
			GetFHIR:  []core.RequestSpec{{Method: "GET", URL: "https://emr.example.com/fhir/Bundle/{{id}}"}},
		},
		Attempts: 2,
		History: []core.AttemptRecord{
			{Attempt: 1, StatusCode: 404},
			{Attempt: 2, StatusCode: 201},
		},
		RunID:      "run-1",
		EMRID:      "athena",
		StartedAt:  started,
		FinishedAt: started.Add(40 * time.Second),
	}

	rec, err := RunRecordFromResult(res)
	if err != nil {
		t.Fatalf("RunRecordFromResult: %v", err)
	}
	if rec.RunID != "run-1" || rec.EMRID != "athena" || !rec.Success {
		t.Fatalf("identity fields lost: %+v", rec)
	}
	var history []core.AttemptRecord
	if err := json.Unmarshal(rec.History, &history); err != nil {
		t.Fatalf("history not JSON: %v", err)
	}
	if len(history) != 2 || history[1].StatusCode != 201 {
		t.Fatalf("history = %+v", history)
	}
	var plan core.MappingPlan
	if err := json.Unmarshal(rec.FinalMapping, &plan); err != nil {
		t.Fatalf("final mapping not JSON: %v", err)
	}
	if len(plan.PushFHIR) != 1 || plan.PushFHIR[0].Method != "POST" {
		t.Fatalf("plan = %+v", plan)
	}
}

func TestRunRecordFromResultWithoutMapping(t *testing.T) {
	res := core.DiscoveryResult{
		RunID:       "run-2",
		EMRID:       "cerner",
		FailureKind: core.FailureBudget,
		LastError:   "status 401: invalid client credentials",
		Attempts:    10,
	}
	rec, err := RunRecordFromResult(res)
	if err != nil {
		t.Fatalf("RunRecordFromResult: %v", err)
	}
	if rec.FinalMapping != nil {
		t.Fatalf("expected nil final mapping, got %s", rec.FinalMapping)
	}
	if rec.FailureKind != string(core.FailureBudget) {
		t.Fatalf("failure kind = %q", rec.FailureKind)
	}
}

func TestInsertDiscoveryRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	started := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	rec := DiscoveryRunRecord{
		RunID:        "run-1",
		EMRID:        "athena",
		Success:      true,
		Attempts:     3,
		History:      json.RawMessage(`[{"attempt":1,"status_code":404}]`),
		FinalMapping: json.RawMessage(`{"push_fhir":[],"get_fhir":[]}`),
		StartedAt:    started,
		FinishedAt:   finished,
	}

	query := regexp.QuoteMeta(`
INSERT INTO discovery_runs (run_id, emr_id, success, failure_kind, attempts, history, final_mapping, last_error, persistence_error, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`)
	mock.ExpectExec(query).
		WithArgs("run-1", "athena", true, nil, 3,
			[]byte(rec.History), []byte(rec.FinalMapping), nil, nil, started, finished).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.InsertDiscoveryRun(context.Background(), rec); err != nil {
		t.Fatalf("InsertDiscoveryRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertDiscoveryRunFailedRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	started := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	rec := DiscoveryRunRecord{
		RunID:       "run-2",
		EMRID:       "cerner",
		FailureKind: "attempt_budget_exhausted",
		Attempts:    10,
		LastError:   "status 401: invalid client credentials",
		StartedAt:   started,
		FinishedAt:  started.Add(2 * time.Minute),
	}

	// empty history defaults to [] and the absent mapping stays NULL
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO discovery_runs`)).
		WithArgs("run-2", "cerner", false, "attempt_budget_exhausted", 10,
			[]byte("[]"), nil, "status 401: invalid client credentials", nil,
			started, rec.FinishedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.InsertDiscoveryRun(context.Background(), rec); err != nil {
		t.Fatalf("InsertDiscoveryRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertDiscoveryRunValidates(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if err := st.InsertDiscoveryRun(context.Background(), DiscoveryRunRecord{EMRID: "x"}); err == nil {
		t.Fatalf("expected error without run_id")
	}
	if err := st.InsertDiscoveryRun(context.Background(), DiscoveryRunRecord{RunID: "r"}); err == nil {
		t.Fatalf("expected error without emr_id")
	}
}

func TestGetDiscoveryRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	started := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"run_id", "emr_id", "success", "failure_kind", "attempts",
		"history", "final_mapping", "last_error", "persistence_error",
		"started_at", "finished_at",
	}).AddRow("run-1", "athena", true, nil, 3,
		[]byte(`[{"attempt":1}]`), []byte(`{"push_fhir":[],"get_fhir":[]}`), nil, nil,
		started, started.Add(time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT run_id, emr_id, success, failure_kind, attempts`)).
		WithArgs("run-1").
		WillReturnRows(rows)

	rec, ok, err := st.GetDiscoveryRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetDiscoveryRun: %v", err)
	}
	if !ok {
		t.Fatalf("expected run to exist")
	}
	if rec.FailureKind != "" || rec.LastError != "" {
		t.Fatalf("NULL columns should scan to empty strings: %+v", rec)
	}
	if len(rec.FinalMapping) == 0 {
		t.Fatalf("final mapping lost")
	}
}

func TestGetDiscoveryRunMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT run_id, emr_id`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "emr_id", "success", "failure_kind", "attempts",
			"history", "final_mapping", "last_error", "persistence_error",
			"started_at", "finished_at",
		}))

	_, ok, err := st.GetDiscoveryRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetDiscoveryRun: %v", err)
	}
	if ok {
		t.Fatalf("missing run reported as present")
	}
}

func TestListDiscoveryRunsFiltersByEMR(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	started := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"run_id", "emr_id", "success", "failure_kind", "attempts",
		"history", "final_mapping", "last_error", "persistence_error",
		"started_at", "finished_at",
	}).AddRow("run-9", "athena", false, "timeout_exceeded", 4,
		[]byte(`[]`), nil, "deadline exceeded", nil, started, started.Add(time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE emr_id=$1`)).
		WithArgs("athena", 5).
		WillReturnRows(rows)

	runs, err := st.ListDiscoveryRuns(context.Background(), "athena", 5)
	if err != nil {
		t.Fatalf("ListDiscoveryRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].FailureKind != "timeout_exceeded" {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].FinalMapping != nil {
		t.Fatalf("NULL mapping should stay nil")
	}
}

func TestListDiscoveryRunsDefaultsLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY finished_at DESC`)).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "emr_id", "success", "failure_kind", "attempts",
			"history", "final_mapping", "last_error", "persistence_error",
			"started_at", "finished_at",
		}))

	runs, err := st.ListDiscoveryRuns(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListDiscoveryRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no rows, got %d", len(runs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
