package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoad_MissingBrokerURL(t *testing.T) {
	t.Setenv("BROKER_URL", "")

	_, err := Load()
	if !errors.Is(err, ErrMissingBrokerURL) {
		t.Fatalf("expected ErrMissingBrokerURL, got: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BROKER_URL", "redis://localhost:6379/0")
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "WORKER_CONCURRENCY", "JOB_ATTEMPTS",
		"JOB_BACKOFF_MS", "JOB_TIMEOUT", "PUSH_TTL", "PUSH_MAX_RETRIES", "PUSH_CHUNK_SIZE", "PUSH_PROVIDER"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("expected concurrency 5, got %d", cfg.WorkerConcurrency)
	}
	if cfg.JobAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.JobAttempts)
	}
	if cfg.JobBackoff != time.Second {
		t.Errorf("expected 1s job backoff, got %v", cfg.JobBackoff)
	}
	if cfg.JobTimeout != 60*time.Second {
		t.Errorf("expected 60s timeout, got %v", cfg.JobTimeout)
	}
	if cfg.PushTTL != time.Hour {
		t.Errorf("expected 1h ttl, got %v", cfg.PushTTL)
	}
	if cfg.PushMaxRetries != 3 {
		t.Errorf("expected 3 push retries, got %d", cfg.PushMaxRetries)
	}
	if cfg.PushChunkSize != 500 {
		t.Errorf("expected chunk size 500, got %d", cfg.PushChunkSize)
	}
	if cfg.PushProvider != "fcm" {
		t.Errorf("expected fcm provider, got %s", cfg.PushProvider)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("BROKER_URL", "redis://broker:6379/1")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("JOB_BACKOFF_MS", "250")
	t.Setenv("PUSH_TTL", "30m")
	t.Setenv("PUSH_PROVIDER", "sns")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("SNS_REGION", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.WorkerConcurrency != 12 {
		t.Errorf("expected concurrency 12, got %d", cfg.WorkerConcurrency)
	}
	if cfg.JobBackoff != 250*time.Millisecond {
		t.Errorf("expected 250ms backoff, got %v", cfg.JobBackoff)
	}
	if cfg.PushTTL != 30*time.Minute {
		t.Errorf("expected 30m ttl, got %v", cfg.PushTTL)
	}
	if cfg.SNSRegion != "eu-west-1" {
		t.Errorf("expected SNS region to follow AWS_REGION, got %s", cfg.SNSRegion)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad_port", "PORT", "eighty"},
		{"bad_duration", "PUSH_TTL", "an hour"},
		{"zero_concurrency", "WORKER_CONCURRENCY", "0"},
		{"unknown_provider", "PUSH_PROVIDER", "apns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BROKER_URL", "redis://localhost:6379")
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
