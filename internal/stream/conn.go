package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tweetstream/internal/auth"
	"tweetstream/internal/config"
	"tweetstream/internal/transport"
)

const (
	recordBufferSize = 128
	defaultReadSize  = 32 * 1024
)

// State is the connection manager's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StateChange describes one transition. Delay, Attempt and Cause are set
// when entering StateBackoff; Cause is also set on a fatal stop.
type StateChange struct {
	From    State
	To      State
	Delay   time.Duration
	Attempt int
	Cause   error
	At      time.Time
}

// RequestFunc builds a fresh request for every connection attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

type ConnOptions struct {
	// Feed names the stream in logs and metrics.
	Feed      string
	Signer    auth.Signer
	Backoff   *Backoff
	Delimiter string
	// StallTimeout closes a connection that delivers no bytes for this long.
	// Zero waits forever.
	StallTimeout time.Duration
	// MaxBuffered limits the unterminated tail held between reads. Zero
	// means no limit.
	MaxBuffered int
	// MaxAttempts bounds consecutive reconnects after failures. Zero
	// retries forever.
	MaxAttempts   int
	ReadSize      int
	Compression   bool
	Logger        *slog.Logger
	Metrics       *Metrics
	OnStateChange func(StateChange)
}

var ErrConnStopped = errors.New("stream: connection already stopped")

// Conn owns one logical feed connection: it connects, reads, classifies
// failures and reconnects until the context is cancelled or a fatal error
// occurs. A Conn runs once.
type Conn struct {
	doer    transport.Doer
	newReq  RequestFunc
	opts    ConnOptions
	id      string
	log     *slog.Logger
	running atomic.Bool

	mu    sync.Mutex
	state State
}

func NewConn(doer transport.Doer, newReq RequestFunc, opts ConnOptions) *Conn {
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	if opts.Feed == "" {
		opts.Feed = "stream"
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.Logger
	}
	id := uuid.NewString()
	return &Conn{
		doer:   doer,
		newReq: newReq,
		opts:   opts,
		id:     id,
		log:    logger.With("feed", opts.Feed, "stream", id),
		state:  StateDisconnected,
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and calls deliver for every record, in arrival order, on the
// calling goroutine. It returns ctx.Err() after cancellation, the fatal
// error that stopped the stream, or the last error once MaxAttempts is
// exhausted.
func (c *Conn) Run(ctx context.Context, deliver func(Record)) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrConnStopped
	}
	policy := c.opts.Backoff
	for {
		if err := ctx.Err(); err != nil {
			c.transition(StateStopped, StateChange{})
			return err
		}
		c.transition(StateConnecting, StateChange{})
		err := c.connect(ctx, deliver)

		// A read that failed because we closed the body is not a failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.transition(StateStopped, StateChange{})
			c.log.Info("stream stopped")
			return ctxErr
		}
		if !IsRetryable(err) {
			c.transition(StateStopped, StateChange{Cause: err})
			c.log.Error("stream stopped on fatal error", "error", err)
			return err
		}
		if c.opts.MaxAttempts > 0 && policy.Failures() >= c.opts.MaxAttempts {
			c.transition(StateStopped, StateChange{Cause: err})
			c.log.Error("giving up on stream", "attempts", policy.Failures(), "error", err)
			return fmt.Errorf("stream: giving up after %d reconnects: %w", policy.Failures(), err)
		}

		delay := policy.Next(KindOf(err))
		st := policy.State()
		c.transition(StateBackoff, StateChange{Delay: delay, Attempt: st.Attempt, Cause: err})
		c.opts.Metrics.observeBackoff(c.opts.Feed, st.Class, delay)
		c.log.Warn("stream interrupted, reconnecting",
			"class", st.Class.String(), "attempt", st.Attempt, "delay", delay, "error", err)

		if err := sleepCtx(ctx, delay); err != nil {
			c.transition(StateStopped, StateChange{})
			return err
		}
	}
}

func (c *Conn) connect(ctx context.Context, deliver func(Record)) error {
	req, err := c.newReq(ctx)
	if err != nil {
		return &Error{Kind: KindFatal, Op: "request", Err: err}
	}
	if err := auth.Apply(c.opts.Signer, req); err != nil {
		return &Error{Kind: KindFatal, Op: "sign", Err: err}
	}
	if c.opts.Compression {
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return transportError("connect", err)
	}

	reader := NewResponseReader(NewTokenizer(c.opts.Delimiter))
	if err := reader.Head(resp.StatusCode, resp.Header); err != nil {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		c.log.Debug("stream rejected", "status", resp.StatusCode, "body", strings.TrimSpace(string(detail)))
		return err
	}

	c.opts.Backoff.Reset()
	c.transition(StateStreaming, StateChange{})
	c.log.Info("stream connected", "status", resp.StatusCode, "encoding", resp.Header.Get("Content-Encoding"))

	body := resp.Body
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()
	defer body.Close()

	records, done := c.pump(ctx, resp, reader)
	for rec := range records {
		if ctx.Err() != nil {
			continue
		}
		deliver(rec)
	}
	return <-done
}

// pump reads the body on its own goroutine and emits records in order. The
// records channel is closed when reading ends; the terminal error follows
// on done.
func (c *Conn) pump(ctx context.Context, resp *http.Response, reader *ResponseReader) (<-chan Record, <-chan error) {
	out := make(chan Record, recordBufferSize)
	done := make(chan error, 1)
	go func() {
		defer close(out)

		var stalled atomic.Bool
		stall := c.opts.StallTimeout
		var watchdog *time.Timer
		if stall > 0 {
			watchdog = time.AfterFunc(stall, func() {
				stalled.Store(true)
				_ = resp.Body.Close()
			})
			defer watchdog.Stop()
		}

		body, err := DecodeBody(resp.Header, resp.Body)
		if err != nil {
			if errors.Is(err, ErrUnsupportedEncoding) {
				done <- &Error{Kind: KindFatal, Status: resp.StatusCode, Op: "decode", Err: err}
				return
			}
			done <- transportError("decode", err)
			return
		}

		buf := make([]byte, c.opts.ReadSize)
		for {
			// Only time spent waiting on the network counts as idle; a slow
			// handler blocking the send below must not trip the watchdog.
			if watchdog != nil {
				watchdog.Reset(stall)
			}
			n, err := body.Read(buf)
			if watchdog != nil {
				watchdog.Stop()
			}
			if n > 0 {
				c.opts.Metrics.addBytes(c.opts.Feed, n)
				recs, _ := reader.Feed(buf[:n])
				for _, rec := range recs {
					select {
					case out <- rec:
					case <-ctx.Done():
						done <- ctx.Err()
						return
					}
				}
				if c.opts.MaxBuffered > 0 && reader.Buffered() > c.opts.MaxBuffered {
					done <- transportError("read", ErrBufferLimit)
					return
				}
			}
			if err != nil {
				switch {
				case stalled.Load():
					done <- transportError("read", ErrStalled)
				case errors.Is(err, io.EOF):
					done <- transportError("read", ErrStreamEnded)
				default:
					done <- transportError("read", err)
				}
				return
			}
		}
	}()
	return out, done
}

func (c *Conn) transition(to State, change StateChange) {
	c.mu.Lock()
	from := c.state
	if from == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()

	change.From, change.To, change.At = from, to, time.Now()
	c.opts.Metrics.setState(c.opts.Feed, to)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(change)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
