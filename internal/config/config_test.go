package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
database:
  url: postgres://u:p@db:5432/simfarm
  max_open_conns: 20
  apply_schema: false
minio:
  endpoint: minio:9000
  use_ssl: true
worker:
  concurrency: 4
  poll_interval: 250ms
  strict_build: false
client:
  excludes: [results, out]
  timeout: 10m
  cleanup: true
  require_success: true
`

func TestParseFlattensToEnvKeys(t *testing.T) {
	chk := require.New(t)
	f, err := Parse([]byte(sample))
	chk.NoError(err)

	got := f.Env()
	chk.Equal(map[string]string{
		"SIMFARM_DATABASE_URL":            "postgres://u:p@db:5432/simfarm",
		"SIMFARM_DATABASE_MAX_OPEN_CONNS": "20",
		"SIMFARM_DATABASE_APPLY_SCHEMA":   "false",
		"SIMFARM_MINIO_ENDPOINT":          "minio:9000",
		"SIMFARM_MINIO_USE_SSL":           "true",
		"SIMFARM_WORKER_CONCURRENCY":      "4",
		"SIMFARM_WORKER_POLL_INTERVAL":    "250ms",
		"SIMFARM_WORKER_STRICT_BUILD":     "false",
		"SIMFARM_CLIENT_EXCLUDES":         "results,out",
		"SIMFARM_CLIENT_TIMEOUT":          "10m",
		"SIMFARM_CLIENT_CLEANUP":          "true",
		"SIMFARM_CLIENT_REQUIRE_SUCCESS":  "true",
	}, got)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("worker:\n  concurency: 3\n"))
	require.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("client:\n  timeout: forever\n"))
	require.ErrorContains(t, err, "client.timeout")
}

func TestParseEmptyFile(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	require.Empty(t, f.Env())
}

func TestSourcePrefersEnvironment(t *testing.T) {
	chk := require.New(t)
	path := filepath.Join(t.TempDir(), "simfarm.yaml")
	chk.NoError(os.WriteFile(path, []byte(sample), 0o644))

	t.Setenv("SIMFARM_WORKER_CONCURRENCY", "8")
	src, err := Source(path)
	chk.NoError(err)
	chk.Equal("8", src.String("SIMFARM_WORKER_CONCURRENCY", ""))
	chk.Equal("minio:9000", src.String("SIMFARM_MINIO_ENDPOINT", ""))
}

func TestSourceFromPathEnv(t *testing.T) {
	chk := require.New(t)
	path := filepath.Join(t.TempDir(), "simfarm.yaml")
	chk.NoError(os.WriteFile(path, []byte(sample), 0o644))
	t.Setenv(PathEnv, path)

	src, err := Source("")
	chk.NoError(err)
	chk.Equal("10m", src.String("SIMFARM_CLIENT_TIMEOUT", ""))
}

func TestSourceWithoutFile(t *testing.T) {
	t.Setenv(PathEnv, "")
	src, err := Source("")
	require.NoError(t, err)
	require.Nil(t, src.Fallback)

	_, err = Source(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
