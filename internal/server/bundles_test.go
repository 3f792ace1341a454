package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/openscribe/fhirlink/internal/store"
)

func TestCreateBundle(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &BundlesHandler{Store: &store.Store{DB: db}}
	created := time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO fhir_bundles`)).
		WithArgs(sqlmock.AnyArg(), "athena", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))

	body := `{"emr_id":"athena","bundle":{"resourceType":"Bundle","type":"transaction"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/bundles", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := handler.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}

	var resp BundleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" || resp.EMRID != "athena" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Bundle) != 0 {
		t.Fatalf("list/create responses should not echo the payload")
	}
}

func TestCreateBundleRejectsMissingPayload(t *testing.T) {
	e := echo.New()
	handler := &BundlesHandler{}

	req := httptest.NewRequest(http.MethodPost, "/api/bundles", strings.NewReader(`{"emr_id":"athena"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.create(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestGetBundleWithPayload(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &BundlesHandler{Store: &store.Store{DB: db}}
	created := time.Date(2025, 7, 1, 8, 30, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, emr_id, bundle, created_at`)).
		WithArgs("b-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "emr_id", "bundle", "created_at"}).
			AddRow("b-1", "athena", []byte(`{"resourceType":"Bundle"}`), created))

	req := httptest.NewRequest(http.MethodGet, "/api/bundles/b-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("b-1")

	if err := handler.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	var resp BundleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Bundle) == 0 {
		t.Fatalf("payload missing from detail view: %+v", resp)
	}
}

func TestDeleteBundleNotFound(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	handler := &BundlesHandler{Store: &store.Store{DB: db}}
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM fhir_bundles`)).
		WithArgs("nope").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodDelete, "/api/bundles/nope", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("nope")

	err = handler.remove(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want 404", err)
	}
}
