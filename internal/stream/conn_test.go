package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetstream/internal/auth"
	"tweetstream/internal/transport"
)

func fastBackoff() *Backoff {
	return NewBackoff(
		Schedule{Initial: time.Millisecond, Step: time.Millisecond, Max: 5 * time.Millisecond},
		Schedule{Initial: 2 * time.Millisecond, Step: 2 * time.Millisecond, Max: 10 * time.Millisecond},
		Schedule{Initial: time.Millisecond, Factor: 2, Max: 4 * time.Millisecond},
	)
}

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *recorder) hook(c StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) backoffs() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StateChange
	for _, c := range r.changes {
		if c.To == StateBackoff {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func getRequest(url string) RequestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func newTestConn(url string, opts ConnOptions) *Conn {
	if opts.Backoff == nil {
		opts.Backoff = fastBackoff()
	}
	return NewConn(transport.New(transport.StreamOptions()), getRequest(url), opts)
}

func writeChunks(w http.ResponseWriter, chunks ...string) {
	f := w.(http.Flusher)
	for _, c := range chunks {
		_, _ = io.WriteString(w, c)
		f.Flush()
	}
}

func TestConnDeliversRecordsAcrossChunkBoundaries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "{\"id\":1}\r", "\n{\"id\"", ":2}\r\n\r\n{\"id\":3}\r\n")
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []string
	err := newTestConn(srv.URL, ConnOptions{}).Run(ctx, func(rec Record) {
		got = append(got, rec.String())
		if len(got) == 4 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, "", `{"id":3}`}, got)
}

func TestConnFatalStatusStopsWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"errors":[{"message":"Unauthorized"}]}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := &recorder{}
	conn := newTestConn(srv.URL, ConnOptions{OnStateChange: rec.hook})
	delivered := 0
	err := conn.Run(context.Background(), func(Record) { delivered++ })

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), hits.Load())
	assert.Zero(t, delivered)
	assert.Empty(t, rec.backoffs())
	assert.Equal(t, []State{StateConnecting, StateStopped}, rec.states())
	assert.Equal(t, StateStopped, conn.State())

	assert.ErrorIs(t, conn.Run(context.Background(), func(Record) {}), ErrConnStopped)
}

func TestConnServerErrorBackoffGrowsThenResets(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeChunks(w, "{\"id\":1}\r\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	opts := ConnOptions{OnStateChange: func(c StateChange) {
		rec.hook(c)
		if c.To == StateBackoff && errors.Is(c.Cause, ErrStreamEnded) {
			cancel()
		}
	}}
	var got []string
	err := newTestConn(srv.URL, opts).Run(ctx, func(r Record) { got = append(got, r.String()) })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{`{"id":1}`}, got)

	backoffs := rec.backoffs()
	require.Len(t, backoffs, 5)
	var prev time.Duration
	for i, b := range backoffs[:4] {
		assert.Equal(t, KindServer, KindOf(b.Cause))
		assert.Equal(t, i+1, b.Attempt)
		assert.GreaterOrEqual(t, b.Delay, prev)
		assert.LessOrEqual(t, b.Delay, 4*time.Millisecond)
		prev = b.Delay
	}
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond},
		[]time.Duration{backoffs[0].Delay, backoffs[1].Delay, backoffs[2].Delay, backoffs[3].Delay})

	// The stream connected, so the policy was reset before the next failure.
	last := backoffs[4]
	assert.Equal(t, KindTransport, KindOf(last.Cause))
	assert.Equal(t, 1, last.Attempt)
	assert.Equal(t, time.Millisecond, last.Delay)
}

func TestConnKeepsOrderAcrossReconnect(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			writeChunks(w, "1\r\n2\r\n")
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			writeChunks(w, "3\r\n", "4\r\n")
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []string
	err := newTestConn(srv.URL, ConnOptions{}).Run(ctx, func(r Record) {
		got = append(got, r.String())
		if len(got) == 4 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"1", "2", "3", "4"}, got)
	assert.Equal(t, int32(3), hits.Load())
}

func TestConnCancelUnblocksPendingRead(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	opts := ConnOptions{OnStateChange: func(c StateChange) {
		rec.hook(c)
		if c.To == StateStreaming {
			go func() {
				time.Sleep(20 * time.Millisecond)
				cancel()
			}()
		}
	}}
	done := make(chan error, 1)
	go func() { done <- newTestConn(srv.URL, opts).Run(ctx, func(Record) {}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Empty(t, rec.backoffs())
	assert.Equal(t, []State{StateConnecting, StateStreaming, StateStopped}, rec.states())
}

func TestConnStallTimeoutReconnects(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "")
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var cause error
	opts := ConnOptions{StallTimeout: 30 * time.Millisecond, OnStateChange: func(c StateChange) {
		if c.To == StateBackoff {
			cause = c.Cause
			cancel()
		}
	}}
	err := newTestConn(srv.URL, opts).Run(ctx, func(Record) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, cause, ErrStalled)
	assert.Equal(t, KindTransport, KindOf(cause))
}

func TestConnSlowHandlerDoesNotTripStallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 1; i <= 400; i++ {
			writeChunks(w, fmt.Sprintf("{\"id\":%d}\r\n", i))
		}
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-tick.C:
				writeChunks(w, "\r\n")
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	delivered := 0
	opts := ConnOptions{StallTimeout: 100 * time.Millisecond, OnStateChange: rec.hook}
	err := newTestConn(srv.URL, opts).Run(ctx, func(r Record) {
		if r.Blank() {
			return
		}
		delivered++
		if delivered == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		if delivered == 400 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 400, delivered)
	assert.Empty(t, rec.backoffs())
}

func TestConnBufferLimitReconnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "{\"text\":\"this record never ends")
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var cause error
	opts := ConnOptions{MaxBuffered: 8, OnStateChange: func(c StateChange) {
		if c.To == StateBackoff {
			cause = c.Cause
			cancel()
		}
	}}
	_ = newTestConn(srv.URL, opts).Run(ctx, func(Record) {})
	assert.ErrorIs(t, cause, ErrBufferLimit)
}

func TestConnRateLimitUsesRateLimitSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(420)
	}))
	defer srv.Close()

	rec := &recorder{}
	err := newTestConn(srv.URL, ConnOptions{MaxAttempts: 2, OnStateChange: rec.hook}).Run(context.Background(), func(Record) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.False(t, IsFatal(err))

	backoffs := rec.backoffs()
	require.Len(t, backoffs, 2)
	assert.Equal(t, 2*time.Millisecond, backoffs[0].Delay)
	assert.Equal(t, 4*time.Millisecond, backoffs[1].Delay)
}

func TestConnSignsAndNegotiatesCompression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.VerifyBearer(r, "secret"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Accept-Encoding") != AcceptEncoding {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		for i := 1; i <= 3; i++ {
			_, _ = fmt.Fprintf(zw, "{\"id\":%d}\r\n", i)
			_ = zw.Flush()
			w.(http.Flusher).Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []string
	opts := ConnOptions{Signer: auth.Bearer("secret"), Compression: true}
	err := newTestConn(srv.URL, opts).Run(ctx, func(r Record) {
		got = append(got, r.String())
		if len(got) == 3 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}, got)
}

func TestConnRecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	again, err := NewMetrics(reg)
	require.NoError(t, err)
	require.NotNil(t, again)

	_ = newTestConn(srv.URL, ConnOptions{Feed: "sample", MaxAttempts: 1, Metrics: m}).Run(context.Background(), func(Record) {})

	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	assert.True(t, found["tweetstream_stream_reconnects_total"])
	assert.True(t, found["tweetstream_stream_state"])
}
