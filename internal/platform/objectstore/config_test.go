package objectstore

import (
	"testing"

	"github.com/animus-labs/simfarm/internal/platform/env"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "simfarm",
		KeyPrefix: "artifacts/",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.KeyPrefix = "/abs/"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for absolute key prefix")
	}
}

func TestConfigFromEnvFallback(t *testing.T) {
	cfg, err := ConfigFromEnv(env.Source{Fallback: map[string]string{
		"SIMFARM_MINIO_ENDPOINT": "minio:9000",
		"SIMFARM_MINIO_BUCKET":   "opp",
		"SIMFARM_MINIO_USE_SSL":  "true",
	}})
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Endpoint != "minio:9000" || cfg.Bucket != "opp" || !cfg.UseSSL {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.KeyPrefix != "artifacts/" {
		t.Fatalf("KeyPrefix=%q, want artifacts/", cfg.KeyPrefix)
	}
}
