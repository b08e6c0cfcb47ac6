package client

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"tweetstream/internal/util"
)

var (
	ErrEmptyFilter  = errors.New("client: filter needs track, follow or locations")
	ErrEmptyFollow  = errors.New("client: site stream needs at least one user id")
	ErrBadLocations = errors.New("client: locations must be longitude/latitude pairs of bounding boxes")
)

// FilterParams selects the public statuses a filter stream returns.
type FilterParams struct {
	Track  []string
	Follow []int64
	// Locations holds bounding boxes as sw-lon, sw-lat, ne-lon, ne-lat.
	Locations   []float64
	Language    []string
	FilterLevel string
}

func (p FilterParams) values() (url.Values, error) {
	if len(p.Track) == 0 && len(p.Follow) == 0 && len(p.Locations) == 0 {
		return nil, ErrEmptyFilter
	}
	if len(p.Locations)%4 != 0 {
		return nil, fmt.Errorf("%w: got %d values", ErrBadLocations, len(p.Locations))
	}
	v := url.Values{}
	setList(v, "track", p.Track)
	if len(p.Follow) > 0 {
		v.Set("follow", util.JoinIDs(p.Follow))
	}
	if len(p.Locations) > 0 {
		v.Set("locations", joinFloats(p.Locations))
	}
	setList(v, "language", p.Language)
	if p.FilterLevel != "" {
		v.Set("filter_level", p.FilterLevel)
	}
	return v, nil
}

// UserParams tunes a user stream. With is "user" or "followings"; Replies
// "all" includes replies to users the account does not follow.
type UserParams struct {
	With      string
	Replies   string
	Track     []string
	Locations []float64
}

func (p UserParams) values() (url.Values, error) {
	if len(p.Locations)%4 != 0 {
		return nil, fmt.Errorf("%w: got %d values", ErrBadLocations, len(p.Locations))
	}
	v := url.Values{}
	if p.With != "" {
		v.Set("with", p.With)
	}
	if p.Replies != "" {
		v.Set("replies", p.Replies)
	}
	setList(v, "track", p.Track)
	if len(p.Locations) > 0 {
		v.Set("locations", joinFloats(p.Locations))
	}
	return v, nil
}

type SiteParams struct {
	Follow  []int64
	With    string
	Replies string
}

func (p SiteParams) values() (url.Values, error) {
	if len(p.Follow) == 0 {
		return nil, ErrEmptyFollow
	}
	v := url.Values{}
	v.Set("follow", util.JoinIDs(p.Follow))
	if p.With != "" {
		v.Set("with", p.With)
	}
	if p.Replies != "" {
		v.Set("replies", p.Replies)
	}
	return v, nil
}

func setList(v url.Values, key string, items []string) {
	kept := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			kept = append(kept, it)
		}
	}
	if len(kept) > 0 {
		v.Set(key, strings.Join(kept, ","))
	}
}

func joinFloats(fs []float64) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
