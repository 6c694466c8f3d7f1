package steps

import (
	"fmt"
	"time"
)

func stringParam(params map[string]any, key, fallback string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, nil
}

func boolParam(params map[string]any, key string) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("param %q must be a bool, got %T", key, v)
	}
	return b, nil
}

func floatParam(params map[string]any, key string, fallback float64) (float64, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("param %q must be a number, got %T", key, v)
	}
}

// durationParam accepts "1.5s" style strings, a time.Duration, or a number
// of seconds.
func durationParam(params map[string]any, key string) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("param %q is required", key)
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("param %q: invalid duration format: %w", key, err)
		}
		return parsed, nil
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("param %q must be a duration string or seconds, got %T", key, v)
	}
}
