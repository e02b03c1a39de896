package queue

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// KeyBase wraps name in a hash tag so every key of one queue lands in the
// same cluster slot. Names that already carry a tag are kept as is.
func KeyBase(name string) string {
	if containsHashTag(name) {
		return name
	}
	return "{" + name + "}"
}

func containsHashTag(s string) bool {
	hasOpen := false
	for _, r := range s {
		if r == '{' {
			hasOpen = true
		}
		if hasOpen && r == '}' {
			return true
		}
	}
	return false
}

func asStr(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func asAnySlice(v any) ([]any, bool) {
	t, ok := v.([]any)
	return t, ok
}

func toInt64(v any) (int64, error) {
	if v == nil {
		return 0, errors.New("nil")
	}
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	default:
		return strconv.ParseInt(strings.TrimSpace(asStr(t)), 10, 64)
	}
}

// scriptError maps an {"ERR", reason} script reply to a package error.
func scriptError(op string, arr []any) error {
	reason := "UNKNOWN"
	if len(arr) > 1 {
		reason = asStr(arr[1])
	}
	switch reason {
	case "NOT_FOUND":
		return ErrJobNotFound
	case "NOT_ACTIVE":
		return ErrNotActive
	case "TOKEN_MISMATCH":
		return ErrLeaseMismatch
	}
	return fmt.Errorf("%s failed: %s", op, reason)
}
