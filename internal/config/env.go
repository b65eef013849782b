package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// envReader reads typed values from the environment. Blank variables count
// as unset. The first malformed value is kept in err and later reads return
// their fallback.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key, raw string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
}

func (e *envReader) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (e *envReader) int(key string, fallback int) int {
	return int(e.int64(key, int64(fallback)))
}

func (e *envReader) int64(key string, fallback int64) int64 {
	raw, ok := e.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.fail(key, raw, err)
		return fallback
	}
	return n
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	raw, ok := e.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(key, raw, err)
		return fallback
	}
	return d
}

func (e *envReader) bool(key string, fallback bool) bool {
	raw, ok := e.raw(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(key, raw, err)
		return fallback
	}
	return v
}
