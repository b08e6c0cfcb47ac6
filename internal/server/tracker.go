package server

import (
	"sort"
	"sync"
	"time"

	"tweetstream/internal/stream"
)

// FeedStatus is the last known state of one feed.
type FeedStatus struct {
	Feed       string    `json:"feed"`
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	Attempt    int       `json:"attempt,omitempty"`
	RetryIn    string    `json:"retry_in,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Reconnects int       `json:"reconnects"`
}

// Tracker records connection state changes. Observe fits
// client.WithStateHook.
type Tracker struct {
	mu    sync.Mutex
	feeds map[string]*FeedStatus
}

func NewTracker() *Tracker {
	return &Tracker{feeds: map[string]*FeedStatus{}}
}

func (t *Tracker) Observe(feed string, change stream.StateChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.feeds[feed]
	if !ok {
		st = &FeedStatus{Feed: feed}
		t.feeds[feed] = st
	}
	st.State = change.To.String()
	st.Since = change.At
	st.Attempt = change.Attempt
	st.RetryIn = ""
	if change.To == stream.StateBackoff {
		st.Reconnects++
		st.RetryIn = change.Delay.String()
	}
	if change.Cause != nil {
		st.LastError = change.Cause.Error()
	}
}

// Ready reports whether at least one feed is streaming.
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.feeds {
		if st.State == stream.StateStreaming.String() {
			return true
		}
	}
	return false
}

func (t *Tracker) Snapshot() []FeedStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FeedStatus, 0, len(t.feeds))
	for _, st := range t.feeds {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feed < out[j].Feed })
	return out
}
