package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source resolves configuration keys. The process environment always wins;
// Fallback holds values loaded from a config file.
type Source struct {
	Fallback map[string]string
}

// OS is a Source backed only by the process environment.
var OS = Source{}

func (s Source) Lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	if v, ok := s.Fallback[key]; ok {
		return v, true
	}
	return "", false
}

func (s Source) String(key string, def string) string {
	if v, ok := s.Lookup(key); ok {
		return v
	}
	return def
}

func (s Source) Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := s.Lookup(key); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func (s Source) Bool(key string, def bool) (bool, error) {
	if v, ok := s.Lookup(key); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func (s Source) Int(key string, def int) (int, error) {
	if v, ok := s.Lookup(key); ok {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}

// List splits a comma separated value, dropping empty items.
func (s Source) List(key string, def []string) []string {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
