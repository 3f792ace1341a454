package config

import (
	"testing"
	"time"
)

func TestAgentConfigNormalizeDefaults(t *testing.T) {
	var a AgentConfig
	norm := a.Normalize()
	if norm.MaxAttempts != 10 {
		t.Fatalf("expected default max_attempts 10, got %d", norm.MaxAttempts)
	}
	if norm.SynthesisRetries != 2 {
		t.Fatalf("expected default synthesis_retries 2, got %d", norm.SynthesisRetries)
	}
	if norm.CorpusMaxChars != 100000 {
		t.Fatalf("expected default corpus_max_chars 100000, got %d", norm.CorpusMaxChars)
	}
	if norm.DocMaxChars != 15000 {
		t.Fatalf("expected default doc_max_chars 15000, got %d", norm.DocMaxChars)
	}
	if norm.ExecTimeout != 30*time.Second {
		t.Fatalf("expected default exec_timeout 30s, got %v", norm.ExecTimeout)
	}
	if norm.BodyKeepChars != 2000 {
		t.Fatalf("expected default body_keep_chars 2000, got %d", norm.BodyKeepChars)
	}
}

func TestAgentConfigNormalizeKeepsExplicit(t *testing.T) {
	a := AgentConfig{MaxAttempts: 3, SynthesisRetries: 1, ExecTimeout: 5 * time.Second}
	norm := a.Normalize()
	if norm.MaxAttempts != 3 || norm.SynthesisRetries != 1 || norm.ExecTimeout != 5*time.Second {
		t.Fatalf("explicit values overwritten: %+v", norm)
	}
}

func TestSearchConfigValidate(t *testing.T) {
	for _, provider := range []string{"tavily", "brave", "serper"} {
		if err := (SearchConfig{Provider: provider}).Validate(); err != nil {
			t.Fatalf("provider %s should validate: %v", provider, err)
		}
	}
	if err := (SearchConfig{Provider: "bing"}).Validate(); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
	if err := (SearchConfig{}).Validate(); err == nil {
		t.Fatalf("expected error for missing provider")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", User: "u", Password: "p", DBName: "fhirlink"}
	got := p.DSN()
	want := "postgres://u:p@db:5432/fhirlink?sslmode=disable"
	if got != want {
		t.Fatalf("dsn mismatch: got %s want %s", got, want)
	}

	p = PostgresConfig{URL: "postgres://explicit"}
	if p.DSN() != "postgres://explicit" {
		t.Fatalf("explicit url should win, got %s", p.DSN())
	}
}

func TestSchedulerNormalize(t *testing.T) {
	var s SchedulerConfig
	norm := s.Normalize()
	if norm.RefreshCron != "@daily" {
		t.Fatalf("expected @daily default, got %s", norm.RefreshCron)
	}
	if norm.Stream == "" || norm.Group == "" {
		t.Fatalf("expected stream/group defaults, got %+v", norm)
	}
	if norm.LockTTL != 2*time.Minute {
		t.Fatalf("expected 2m lock ttl, got %v", norm.LockTTL)
	}
}
