package util

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Int64From converts a JSON-decoded numeric value (json.Number, float64, int,
// int64 or a decimal string) to int64. The second result reports whether v
// held a usable number.
func Int64From(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// IntFrom is Int64From narrowed to int, zero when v is not a number.
func IntFrom(v any) int {
	n, _ := Int64From(v)
	return int(n)
}

// Int64s converts a decoded JSON array to ids, skipping entries that are not
// numbers.
func Int64s(v any) ([]int64, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]int64, 0, len(arr))
	for _, item := range arr {
		if n, ok := Int64From(item); ok {
			out = append(out, n)
		}
	}
	return out, true
}

// JoinIDs renders ids as a comma separated list.
func JoinIDs(ids []int64) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}

// SplitIDs parses a comma separated id list, ignoring blanks.
func SplitIDs(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// StringFrom returns v when it is a string, "" otherwise.
func StringFrom(v any) string {
	s, _ := v.(string)
	return s
}
