// Package config loads the optional YAML configuration file. The file only
// supplies defaults: its values are flattened to SIMFARM_* keys and consulted
// after the process environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/simfarm/internal/platform/env"
)

// PathEnv names the variable that points at the config file.
const PathEnv = "SIMFARM_CONFIG"

type File struct {
	Database Database `yaml:"database"`
	MinIO    MinIO    `yaml:"minio"`
	Worker   Worker   `yaml:"worker"`
	Client   Client   `yaml:"client"`
}

type Database struct {
	URL             string `yaml:"url"`
	PingTimeout     string `yaml:"ping_timeout"`
	MaxOpenConns    *int   `yaml:"max_open_conns"`
	MaxIdleConns    *int   `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime string `yaml:"conn_max_idle_time"`
	ApplySchema     *bool  `yaml:"apply_schema"`
}

type MinIO struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"key_prefix"`
}

type Worker struct {
	Queue        string `yaml:"queue"`
	Concurrency  *int   `yaml:"concurrency"`
	PollInterval string `yaml:"poll_interval"`
	WorkDir      string `yaml:"workdir"`
	ID           string `yaml:"id"`
	HTTPAddr     string `yaml:"http_addr"`
	Make         string `yaml:"make"`
	StrictBuild  *bool  `yaml:"strict_build"`
}

type Client struct {
	Queue        string   `yaml:"queue"`
	SourceDir    string   `yaml:"source_dir"`
	OutputDir    string   `yaml:"output_dir"`
	SourceKey    string   `yaml:"source_key"`
	Excludes     []string `yaml:"excludes"`
	PollInterval string   `yaml:"poll_interval"`
	Timeout      string   `yaml:"timeout"`
	Cleanup      *bool    `yaml:"cleanup"`
	EnumerateCmd string   `yaml:"enumerate_cmd"`
	// RequireSuccess makes non-success simulation outcomes fail the batch.
	RequireSuccess *bool `yaml:"require_success"`
}

// Load reads and validates the file at path.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) Validate() error {
	durations := map[string]string{
		"database.ping_timeout":       f.Database.PingTimeout,
		"database.conn_max_lifetime":  f.Database.ConnMaxLifetime,
		"database.conn_max_idle_time": f.Database.ConnMaxIdleTime,
		"worker.poll_interval":        f.Worker.PollInterval,
		"client.poll_interval":        f.Client.PollInterval,
		"client.timeout":              f.Client.Timeout,
	}
	for field, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// Env flattens the file into SIMFARM_* keys. Unset fields are omitted.
func (f File) Env() map[string]string {
	out := map[string]string{}
	set := func(key, value string) {
		if strings.TrimSpace(value) != "" {
			out[key] = value
		}
	}
	setInt := func(key string, v *int) {
		if v != nil {
			out[key] = strconv.Itoa(*v)
		}
	}
	setBool := func(key string, v *bool) {
		if v != nil {
			out[key] = strconv.FormatBool(*v)
		}
	}

	set("SIMFARM_DATABASE_URL", f.Database.URL)
	set("SIMFARM_DATABASE_PING_TIMEOUT", f.Database.PingTimeout)
	setInt("SIMFARM_DATABASE_MAX_OPEN_CONNS", f.Database.MaxOpenConns)
	setInt("SIMFARM_DATABASE_MAX_IDLE_CONNS", f.Database.MaxIdleConns)
	set("SIMFARM_DATABASE_CONN_MAX_LIFETIME", f.Database.ConnMaxLifetime)
	set("SIMFARM_DATABASE_CONN_MAX_IDLE_TIME", f.Database.ConnMaxIdleTime)
	setBool("SIMFARM_DATABASE_APPLY_SCHEMA", f.Database.ApplySchema)

	set("SIMFARM_MINIO_ENDPOINT", f.MinIO.Endpoint)
	set("SIMFARM_MINIO_ACCESS_KEY", f.MinIO.AccessKey)
	set("SIMFARM_MINIO_SECRET_KEY", f.MinIO.SecretKey)
	set("SIMFARM_MINIO_REGION", f.MinIO.Region)
	setBool("SIMFARM_MINIO_USE_SSL", f.MinIO.UseSSL)
	set("SIMFARM_MINIO_BUCKET", f.MinIO.Bucket)
	set("SIMFARM_MINIO_KEY_PREFIX", f.MinIO.Prefix)

	set("SIMFARM_WORKER_QUEUE", f.Worker.Queue)
	setInt("SIMFARM_WORKER_CONCURRENCY", f.Worker.Concurrency)
	set("SIMFARM_WORKER_POLL_INTERVAL", f.Worker.PollInterval)
	set("SIMFARM_WORKER_WORKDIR", f.Worker.WorkDir)
	set("SIMFARM_WORKER_ID", f.Worker.ID)
	set("SIMFARM_WORKER_HTTP_ADDR", f.Worker.HTTPAddr)
	set("SIMFARM_WORKER_MAKE", f.Worker.Make)
	setBool("SIMFARM_WORKER_STRICT_BUILD", f.Worker.StrictBuild)

	set("SIMFARM_CLIENT_QUEUE", f.Client.Queue)
	set("SIMFARM_CLIENT_SOURCE_DIR", f.Client.SourceDir)
	set("SIMFARM_CLIENT_OUTPUT_DIR", f.Client.OutputDir)
	set("SIMFARM_CLIENT_SOURCE_KEY", f.Client.SourceKey)
	if f.Client.Excludes != nil {
		out["SIMFARM_CLIENT_EXCLUDES"] = strings.Join(f.Client.Excludes, ",")
	}
	set("SIMFARM_CLIENT_POLL_INTERVAL", f.Client.PollInterval)
	set("SIMFARM_CLIENT_TIMEOUT", f.Client.Timeout)
	setBool("SIMFARM_CLIENT_CLEANUP", f.Client.Cleanup)
	set("SIMFARM_CLIENT_ENUMERATE_CMD", f.Client.EnumerateCmd)
	setBool("SIMFARM_CLIENT_REQUIRE_SUCCESS", f.Client.RequireSuccess)
	return out
}

// Source resolves the config file path (explicit path first, then
// SIMFARM_CONFIG) and returns an env.Source backed by it. Without a file the
// process environment alone is used.
func Source(path string) (env.Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(PathEnv))
	}
	if path == "" {
		return env.OS, nil
	}
	f, err := Load(path)
	if err != nil {
		return env.Source{}, err
	}
	return env.Source{Fallback: f.Env()}, nil
}
