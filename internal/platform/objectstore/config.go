package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/simfarm/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	// KeyPrefix is prepended to every artifact key inside Bucket.
	KeyPrefix string
}

func ConfigFromEnv(src env.Source) (Config, error) {
	useSSL, err := src.Bool("SIMFARM_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  src.String("SIMFARM_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: src.String("SIMFARM_MINIO_ACCESS_KEY", "simfarm"),
		SecretKey: src.String("SIMFARM_MINIO_SECRET_KEY", "simfarmminio"),
		Region:    src.String("SIMFARM_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    src.String("SIMFARM_MINIO_BUCKET", "simfarm"),
		KeyPrefix: src.String("SIMFARM_MINIO_KEY_PREFIX", "artifacts/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.HasPrefix(c.KeyPrefix, "/") {
		return fmt.Errorf("key prefix must be relative: %q", c.KeyPrefix)
	}
	return nil
}
