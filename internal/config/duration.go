package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDuration wraps every malformed or negative duration field.
var ErrInvalidDuration = errors.New("invalid duration")

// ParseDurationField parses a Go duration string found at path (used in
// error messages). Blank means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w %q: %v", path, ErrInvalidDuration, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %w %q: must be >= 0", path, ErrInvalidDuration, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for blank or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
