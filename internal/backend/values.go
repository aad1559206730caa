package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Int extracts an integer from a decoded response value. The Vault client
// decodes numbers as json.Number.
func Int(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// String renders a decoded response value as a string. nil becomes "".
func String(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		return fmt.Sprint(s)
	}
}

// Time parses an RFC 3339 timestamp. Empty strings and nil are not times.
func Time(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Map returns v as a JSON object, or nil.
func Map(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}
