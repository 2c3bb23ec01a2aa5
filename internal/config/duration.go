package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty input is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &ConfigurationError{Field: path, Reason: fmt.Sprintf("invalid duration %q", raw), Err: err}
	}
	if d < 0 {
		return 0, &ConfigurationError{Field: path, Reason: "duration must be >= 0"}
	}
	return d, nil
}

// ParseDurationOrDefault returns def for empty or zero input.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationUnlessEmpty returns def only for empty input, so an explicit
// "0s" stays zero.
func ParseDurationUnlessEmpty(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return ParseDurationField(path, raw)
}
