// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/repcam/internal/log"
)

// parseEnv is the shared lookup path for all Parse* helpers. It logs whether the
// value came from the environment or the default, and falls back to the default
// when the variable is empty or does not parse.
func parseEnv[T any](key string, defaultValue T, parse func(string) (T, bool), kind string) T {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok {
		logger.Debug().
			Str("key", key).
			Interface("default", defaultValue).
			Str("source", "default").
			Msg("using default value")
		return defaultValue
	}
	if v == "" {
		logger.Debug().
			Str("key", key).
			Interface("default", defaultValue).
			Str("source", "default").
			Msg("using default value (environment variable is empty)")
		return defaultValue
	}
	parsed, ok := parse(v)
	if !ok {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Interface("default", defaultValue).
			Msgf("invalid %s in environment variable, using default", kind)
		return defaultValue
	}
	ev := logger.Debug().Str("key", key).Str("source", "environment")
	if isSensitive(key) {
		ev = ev.Bool("sensitive", true)
	} else {
		ev = ev.Interface("value", parsed)
	}
	ev.Msg("using environment variable")
	return parsed
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "token") || strings.Contains(lower, "password") || strings.Contains(lower, "secret")
}

// ParseString reads a string from environment variable or returns default value.
// It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	return parseEnv(key, defaultValue, func(s string) (string, bool) { return s, true }, "string")
}

// ParseInt reads an integer from environment variable or returns default value.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, func(s string) (int, bool) {
		i, err := strconv.Atoi(strings.TrimSpace(s))
		return i, err == nil
	}, "integer")
}

// ParseDuration reads a duration in Go duration format (e.g. "5s").
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		return d, err == nil
	}, "duration")
}

// ParseBool accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, func(s string) (bool, bool) {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
		return false, false
	}, "boolean")
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	return parseEnv(key, defaultValue, func(s string) (float64, bool) {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}, "float")
}

// ParseList reads a comma separated list. Blank items are dropped; a list that
// ends up empty counts as invalid and yields the default.
func ParseList(key string, defaultValue []string) []string {
	return parseEnv(key, defaultValue, func(s string) ([]string, bool) {
		out := splitList(s)
		return out, len(out) > 0
	}, "list")
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
