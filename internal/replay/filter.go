package replay

import (
	"encoding/json"
	"net/http"
	"strings"

	"tweetstream/internal/util"
)

type filter interface {
	keep(rec []byte) bool
}

type passAll struct{}

func (passAll) keep([]byte) bool { return true }

// trackFilter approximates the filter endpoint: tweets pass when their text
// contains a tracked phrase or their author is followed. Non-tweets pass.
type trackFilter struct {
	track  []string
	follow map[int64]struct{}
}

func newFilter(r *http.Request) filter {
	_ = r.ParseForm()
	f := trackFilter{follow: map[int64]struct{}{}}
	for _, kw := range strings.Split(r.Form.Get("track"), ",") {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			f.track = append(f.track, kw)
		}
	}
	if ids, err := util.SplitIDs(r.Form.Get("follow")); err == nil {
		for _, id := range ids {
			f.follow[id] = struct{}{}
		}
	}
	if len(f.track) == 0 && len(f.follow) == 0 {
		return passAll{}
	}
	return f
}

func (f trackFilter) keep(rec []byte) bool {
	var tw struct {
		ID   json.Number `json:"id"`
		Text string      `json:"text"`
		User struct {
			ID json.Number `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec, &tw); err != nil || tw.ID == "" {
		return true
	}
	text := strings.ToLower(tw.Text)
	for _, kw := range f.track {
		if strings.Contains(text, kw) {
			return true
		}
	}
	if uid, ok := util.Int64From(tw.User.ID); ok {
		if _, followed := f.follow[uid]; followed {
			return true
		}
	}
	return false
}
