package jobs

import (
	"fmt"
	"math"
)

// Job args arrive either as the Go values the service enqueued or decoded
// from JSON; these helpers accept both.

// StringArg returns a required non-empty string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("job argument %s: expected non-empty string", key)
	}
	return v, nil
}

// IntArg returns a required integer argument.
func IntArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("job argument %s: expected integer", key)
}

// BoolArg returns an optional boolean argument, false when absent.
func BoolArg(args map[string]any, key string) (bool, error) {
	switch v := args[key].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	}
	return false, fmt.Errorf("job argument %s: expected bool", key)
}

// StringsArg returns a required list of strings.
func StringsArg(args map[string]any, key string) ([]string, error) {
	switch v := args[key].(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("job argument %s: expected list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("job argument %s: expected list of strings", key)
}

// VersionsArg returns a map of ids to integer versions, such as an index
// manifest.
func VersionsArg(args map[string]any, key string) (map[string]int, error) {
	switch v := args[key].(type) {
	case map[string]int:
		out := make(map[string]int, len(v))
		for k, n := range v {
			out[k] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]int, len(v))
		for k, item := range v {
			n, err := IntArg(map[string]any{k: item}, k)
			if err != nil {
				return nil, fmt.Errorf("job argument %s: %w", key, err)
			}
			out[k] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("job argument %s: expected map of versions", key)
}
