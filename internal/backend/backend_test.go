package backend

import (
	"strings"
	"testing"

	"github.com/animus-labs/simfarm/internal/platform/env"
)

func TestConfigFromEnvUsesFileFallback(t *testing.T) {
	cfg, err := ConfigFromEnv(env.Source{Fallback: map[string]string{
		"SIMFARM_DATABASE_URL":   "postgres://a:b@db:5432/x",
		"SIMFARM_MINIO_ENDPOINT": "minio:9000",
	}})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Database.URL != "postgres://a:b@db:5432/x" || cfg.MinIO.Endpoint != "minio:9000" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestOverrideAppliesFlags(t *testing.T) {
	cfg, err := ConfigFromEnv(env.Source{})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	got, err := cfg.Override("postgres://c:d@other:5432/y", "other:9000")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if got.Database.URL != "postgres://c:d@other:5432/y" || got.MinIO.Endpoint != "other:9000" {
		t.Fatalf("unexpected config: %+v", got)
	}

	same, err := cfg.Override(" ", "")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if same.Database.URL != cfg.Database.URL || same.MinIO.Endpoint != cfg.MinIO.Endpoint {
		t.Fatalf("empty overrides must keep env values")
	}
}

func TestOverrideRejectsSchemeEndpoint(t *testing.T) {
	cfg, err := ConfigFromEnv(env.Source{})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	_, err = cfg.Override("", "http://minio:9000")
	if err == nil || !strings.Contains(err.Error(), "minio config") {
		t.Fatalf("expected minio config error, got %v", err)
	}
}

func TestCloseNil(t *testing.T) {
	var b *Backend
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
