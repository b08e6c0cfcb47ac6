package sse

import (
	"context"
	"fmt"
	"net/http"

	"tweetstream/internal/transport"
)

// Tail subscribes to the event stream at url and calls fn for every event
// until ctx ends, the stream ends or limit events arrived. A limit of zero
// follows the stream until it ends.
func Tail(ctx context.Context, doer transport.Doer, url string, limit int, fn func(Event)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse: subscribe %s: status %d", url, resp.StatusCode)
	}

	events, done := StartEventPump(ctx, resp.Body)
	seen := 0
	for ev := range events {
		fn(ev)
		seen++
		if limit > 0 && seen >= limit {
			return nil
		}
	}
	return <-done
}
