package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"tweetstream/internal/message"
)

// JSONLines writes one Record per line.
type JSONLines struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	now    func() time.Time
}

// NewJSONLines writes to w. If w is an io.Closer, Close closes it.
func NewJSONLines(w io.Writer) *JSONLines {
	j := &JSONLines{w: bufio.NewWriter(w), now: time.Now}
	if c, ok := w.(io.Closer); ok {
		j.closer = c
	}
	return j
}

func (j *JSONLines) Write(_ context.Context, msg message.Message) error {
	line, err := Encode(msg, j.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return err
	}
	// Each line is flushed as it is written.
	return j.w.Flush()
}

func (j *JSONLines) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.w.Flush()
	if j.closer != nil {
		if cerr := j.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
