package sse

import (
	"context"
	"io"
)

func collect(ctx context.Context, body io.Reader, limit int) ([]Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, done := StartEventPump(ctx, body)
	var out []Event
	for ev := range events {
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
	}
	return out, <-done
}
