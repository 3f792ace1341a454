package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/openscribe/fhirlink/internal/agent/core"
)

type Store struct {
	DB *sql.DB
}

// DiscoveryRunRecord captures a finished discovery run for audit. History
// and FinalMapping are stored as the JSON the engine produced.
type DiscoveryRunRecord struct {
	RunID            string
	EMRID            string
	Success          bool
	FailureKind      string
	Attempts         int
	History          json.RawMessage
	FinalMapping     json.RawMessage
	LastError        string
	PersistenceError string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// RunRecordFromResult flattens an engine result into its stored form.
func RunRecordFromResult(res core.DiscoveryResult) (DiscoveryRunRecord, error) {
	history, err := json.Marshal(res.History)
	if err != nil {
		return DiscoveryRunRecord{}, fmt.Errorf("marshal history: %w", err)
	}
	rec := DiscoveryRunRecord{
		RunID:            res.RunID,
		EMRID:            res.EMRID,
		Success:          res.Success,
		FailureKind:      string(res.FailureKind),
		Attempts:         res.Attempts,
		History:          history,
		LastError:        res.LastError,
		PersistenceError: res.PersistenceError,
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
	}
	if res.FinalMapping != nil {
		mapping, err := json.Marshal(res.FinalMapping)
		if err != nil {
			return DiscoveryRunRecord{}, fmt.Errorf("marshal final mapping: %w", err)
		}
		rec.FinalMapping = mapping
	}
	return rec, nil
}

// BundleRecord is a stored FHIR bundle sample used to drive discovery and
// pushes.
type BundleRecord struct {
	ID        string
	EMRID     string
	Bundle    json.RawMessage
	CreatedAt time.Time
}

var (
	metricsOnce    sync.Once
	runCounter     otelmetric.Int64Counter
	attemptCounter otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	runCounter, err = meter.Int64Counter("discovery_runs_recorded_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	attemptCounter, err = meter.Int64Counter("discovery_attempts_recorded_total")
	if err != nil {
		metricsInitErr = err
	}
}

// New constructs the Store from environment configuration (DATABASE_URL,
// or the POSTGRES_* variables).
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// GetMapping returns the stored mapping for an EMR. Bool reports whether
// one exists.
func (s *Store) GetMapping(ctx context.Context, emrID string) (core.MappingRecord, bool, error) {
	if emrID == "" {
		return core.MappingRecord{}, false, fmt.Errorf("emr_id must be provided")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT emr_id, api_doc_url, push_fhir, get_fhir, created_at, updated_at
FROM emr_mappings
WHERE emr_id=$1
`, emrID)
	rec, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return core.MappingRecord{}, false, nil
	}
	if err != nil {
		return core.MappingRecord{}, false, err
	}
	return rec, true, nil
}

// UpsertMapping replaces the mapping for rec.EMRID wholesale. Specs from
// earlier discoveries never survive a new one.
func (s *Store) UpsertMapping(ctx context.Context, rec core.MappingRecord) error {
	if rec.EMRID == "" {
		return fmt.Errorf("emr_id must be provided")
	}
	push, err := json.Marshal(rec.PushFHIR)
	if err != nil {
		return fmt.Errorf("marshal push_fhir: %w", err)
	}
	get, err := json.Marshal(rec.GetFHIR)
	if err != nil {
		return fmt.Errorf("marshal get_fhir: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO emr_mappings (emr_id, api_doc_url, push_fhir, get_fhir, created_at, updated_at)
VALUES ($1,$2,$3,$4,NOW(),NOW())
ON CONFLICT (emr_id) DO UPDATE SET
  api_doc_url = EXCLUDED.api_doc_url,
  push_fhir   = EXCLUDED.push_fhir,
  get_fhir    = EXCLUDED.get_fhir,
  updated_at  = NOW();
`, rec.EMRID, rec.APIDocURL, push, get)
	return err
}

// ListMappings returns every stored mapping ordered by emr_id.
func (s *Store) ListMappings(ctx context.Context) ([]core.MappingRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT emr_id, api_doc_url, push_fhir, get_fhir, created_at, updated_at
FROM emr_mappings
ORDER BY emr_id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.MappingRecord
	for rows.Next() {
		rec, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteMapping removes the mapping for an EMR.
func (s *Store) DeleteMapping(ctx context.Context, emrID string) error {
	if emrID == "" {
		return fmt.Errorf("emr_id must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM emr_mappings WHERE emr_id=$1`, emrID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ListMappingsUpdatedBefore returns the emr_ids of mappings last refreshed
// before the cutoff, oldest first. The scheduler queues these for
// re-discovery.
func (s *Store) ListMappingsUpdatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT emr_id FROM emr_mappings
WHERE updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(row scanner) (core.MappingRecord, error) {
	var rec core.MappingRecord
	var push, get []byte
	if err := row.Scan(&rec.EMRID, &rec.APIDocURL, &push, &get, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return core.MappingRecord{}, err
	}
	if err := json.Unmarshal(push, &rec.PushFHIR); err != nil {
		return core.MappingRecord{}, fmt.Errorf("decode push_fhir for %s: %w", rec.EMRID, err)
	}
	if err := json.Unmarshal(get, &rec.GetFHIR); err != nil {
		return core.MappingRecord{}, fmt.Errorf("decode get_fhir for %s: %w", rec.EMRID, err)
	}
	return rec, nil
}

// InsertDiscoveryRun records a finished run. Runs are append-only.
func (s *Store) InsertDiscoveryRun(ctx context.Context, rec DiscoveryRunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	if rec.EMRID == "" {
		return fmt.Errorf("emr_id must be provided")
	}
	history := rec.History
	if len(history) == 0 {
		history = json.RawMessage("[]")
	}
	var mapping any
	if len(rec.FinalMapping) > 0 {
		mapping = []byte(rec.FinalMapping)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO discovery_runs (run_id, emr_id, success, failure_kind, attempts, history, final_mapping, last_error, persistence_error, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, rec.RunID, rec.EMRID, rec.Success, nullIfEmpty(rec.FailureKind), rec.Attempts, []byte(history), mapping,
		nullIfEmpty(rec.LastError), nullIfEmpty(rec.PersistenceError), rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return err
	}

	metricsOnce.Do(initStoreMetrics)
	if metricsInitErr == nil && runCounter != nil {
		attrs := otelmetric.WithAttributes(
			attribute.String("emr_id", rec.EMRID),
			attribute.Bool("success", rec.Success),
		)
		runCounter.Add(ctx, 1, attrs)
		attemptCounter.Add(ctx, int64(rec.Attempts), attrs)
	}
	return nil
}

// GetDiscoveryRun fetches one run by ID. Bool reports whether it exists.
func (s *Store) GetDiscoveryRun(ctx context.Context, runID string) (DiscoveryRunRecord, bool, error) {
	if runID == "" {
		return DiscoveryRunRecord{}, false, fmt.Errorf("run_id must be provided")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id, emr_id, success, failure_kind, attempts, history, final_mapping, last_error, persistence_error, started_at, finished_at
FROM discovery_runs
WHERE run_id=$1
`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return DiscoveryRunRecord{}, false, nil
	}
	if err != nil {
		return DiscoveryRunRecord{}, false, err
	}
	return rec, true, nil
}

// ListDiscoveryRuns returns recent runs, newest first, optionally filtered
// by EMR.
func (s *Store) ListDiscoveryRuns(ctx context.Context, emrID string, limit int) ([]DiscoveryRunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT run_id, emr_id, success, failure_kind, attempts, history, final_mapping, last_error, persistence_error, started_at, finished_at
FROM discovery_runs
`
	args := []any{}
	if emrID != "" {
		query += "WHERE emr_id=$1\nORDER BY finished_at DESC\nLIMIT $2"
		args = append(args, emrID, limit)
	} else {
		query += "ORDER BY finished_at DESC\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DiscoveryRunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRun(row scanner) (DiscoveryRunRecord, error) {
	var rec DiscoveryRunRecord
	var failureKind, lastError, persistenceError sql.NullString
	var history, mapping []byte
	if err := row.Scan(&rec.RunID, &rec.EMRID, &rec.Success, &failureKind, &rec.Attempts,
		&history, &mapping, &lastError, &persistenceError, &rec.StartedAt, &rec.FinishedAt); err != nil {
		return DiscoveryRunRecord{}, err
	}
	rec.FailureKind = failureKind.String
	rec.LastError = lastError.String
	rec.PersistenceError = persistenceError.String
	rec.History = json.RawMessage(history)
	if len(mapping) > 0 {
		rec.FinalMapping = json.RawMessage(mapping)
	}
	return rec, nil
}

// SaveBundle stores a bundle sample and returns it with ID and timestamp
// assigned.
func (s *Store) SaveBundle(ctx context.Context, rec BundleRecord) (BundleRecord, error) {
	if len(rec.Bundle) == 0 {
		return BundleRecord{}, fmt.Errorf("bundle payload must be provided")
	}
	if !json.Valid(rec.Bundle) {
		return BundleRecord{}, fmt.Errorf("bundle payload is not valid JSON")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO fhir_bundles (id, emr_id, bundle)
VALUES ($1,$2,$3)
RETURNING created_at
`, rec.ID, rec.EMRID, []byte(rec.Bundle))
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return BundleRecord{}, err
	}
	return rec, nil
}

// GetBundle fetches one stored bundle. Bool reports whether it exists.
func (s *Store) GetBundle(ctx context.Context, id string) (BundleRecord, bool, error) {
	if id == "" {
		return BundleRecord{}, false, fmt.Errorf("id must be provided")
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT id, emr_id, bundle, created_at
FROM fhir_bundles
WHERE id=$1
`, id)
	var rec BundleRecord
	var bundle []byte
	if err := row.Scan(&rec.ID, &rec.EMRID, &bundle, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return BundleRecord{}, false, nil
		}
		return BundleRecord{}, false, err
	}
	rec.Bundle = json.RawMessage(bundle)
	return rec, true, nil
}

// ListBundles returns stored bundles newest first, optionally filtered by
// EMR.
func (s *Store) ListBundles(ctx context.Context, emrID string, limit int) ([]BundleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, emr_id, bundle, created_at FROM fhir_bundles `
	args := []any{}
	if emrID != "" {
		query += "WHERE emr_id=$1 ORDER BY created_at DESC LIMIT $2"
		args = append(args, emrID, limit)
	} else {
		query += "ORDER BY created_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BundleRecord
	for rows.Next() {
		var rec BundleRecord
		var bundle []byte
		if err := rows.Scan(&rec.ID, &rec.EMRID, &bundle, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Bundle = json.RawMessage(bundle)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBundle removes a stored bundle.
func (s *Store) DeleteBundle(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM fhir_bundles WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email)
	err = row.Scan(&id, &hash)
	return
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
