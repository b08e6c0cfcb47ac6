package sse

import (
	"bufio"
	"context"
	"io"
)

const (
	eventBufferSize    = 128
	scannerBufferSize  = 64 * 1024
	maxScannerLineSize = 2 * 1024 * 1024
)

// StartEventPump scans an event-stream body and emits complete frames. A
// frame with no data lines is dropped. The scanner error, if any, follows on
// done once events is closed.
func StartEventPump(ctx context.Context, body io.Reader) (<-chan Event, <-chan error) {
	out := make(chan Event, eventBufferSize)
	done := make(chan error, 1)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, scannerBufferSize), maxScannerLineSize)
		var ev Event
		for scanner.Scan() {
			if !parseLine(scanner.Bytes(), &ev) {
				continue
			}
			if ev.Data == nil {
				ev = Event{}
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
			ev = Event{}
		}
		done <- scanner.Err()
	}()
	return out, done
}
