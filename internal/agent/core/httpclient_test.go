package core

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoJSONRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	client := NewHTTPClient(5*time.Second, 3, time.Millisecond)
	var out map[string]string
	err := client.DoJSON(context.Background(), http.MethodPost, srv.URL, nil, map[string]string{"q": "hello"}, &out)
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("out = %v", out)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
	// every retry must resend the full body, not a drained reader
	for i, b := range bodies {
		if !strings.Contains(b, `"q":"hello"`) {
			t.Fatalf("attempt %d body = %q", i+1, b)
		}
	}
}

func TestDoJSONDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(5*time.Second, 3, time.Millisecond)
	err := client.DoJSON(context.Background(), http.MethodPost, srv.URL, nil, map[string]string{"q": "x"}, nil)
	if err == nil {
		t.Fatalf("expected error on 401")
	}
	if !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("error = %v, want response body included", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, 4xx must not retry", hits.Load())
	}
}

func TestDoJSONRetriesRateLimits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(5*time.Second, 2, time.Millisecond)
	if err := client.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil, nil); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want retry after 429", hits.Load())
	}
}

func TestDoJSONSetsContentTypeAndHeaders(t *testing.T) {
	var contentType, custom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		custom = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(5*time.Second, 0, time.Millisecond)
	headers := map[string]string{"Authorization": "Bearer tok"}
	if err := client.DoJSON(context.Background(), http.MethodPost, srv.URL, headers, map[string]int{"n": 1}, nil); err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("content type = %q", contentType)
	}
	if custom != "Bearer tok" {
		t.Fatalf("authorization = %q", custom)
	}
}

func TestDoJSONHonorsContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewHTTPClient(5*time.Second, 5, time.Hour)
	err := client.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil, nil)
	if err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}
