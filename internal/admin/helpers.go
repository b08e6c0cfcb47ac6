package admin

import (
	"net/http"

	"tweetstream/internal/util"
)

// writeJSON and int64From are package-internal aliases for the shared util versions.
var writeJSON = util.WriteJSON
var int64From = util.Int64From

func int64FromQuery(r *http.Request, key string, d int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return d
	}
	n, ok := int64From(v)
	if !ok {
		return d
	}
	return n
}

func nilIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func int64sOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// userIDsFrom accepts user_ids as a JSON list of numbers or numeric strings,
// or as one comma separated string.
func userIDsFrom(req map[string]any) ([]int64, bool) {
	switch v := req["user_ids"].(type) {
	case []any:
		out := make([]int64, 0, len(v))
		for _, item := range v {
			n, ok := int64From(item)
			if !ok {
				return nil, false
			}
			out = append(out, n)
		}
		return out, true
	case string:
		ids, err := util.SplitIDs(v)
		return ids, err == nil
	default:
		return nil, false
	}
}
