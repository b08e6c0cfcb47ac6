// Package client opens the streaming feeds and hands every message to a
// Handler on the caller's goroutine.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tweetstream/internal/auth"
	"tweetstream/internal/config"
	"tweetstream/internal/message"
	"tweetstream/internal/stream"
	"tweetstream/internal/transport"
)

type Client struct {
	signer      auth.Signer
	doer        transport.Doer
	controlDoer transport.Doer
	endpoints   config.Endpoints
	backoff     config.Backoff

	stallTimeout  time.Duration
	maxBuffered   int
	maxAttempts   int
	compression   bool
	stallWarnings bool

	controlTimeout time.Duration
	controlLimiter *rate.Limiter

	log     *slog.Logger
	metrics *stream.Metrics
	onState func(feed string, change stream.StateChange)
}

type Option func(*Client)

// WithConfig applies endpoints, backoff, limits and control settings from cfg.
// Credentials in cfg are ignored; the signer passed to NewClient is used.
func WithConfig(cfg config.Config) Option {
	return func(c *Client) {
		c.endpoints = cfg.Endpoints
		c.backoff = cfg.Backoff
		c.stallTimeout = cfg.StallTimeout
		c.maxBuffered = cfg.MaxBuffered
		c.maxAttempts = cfg.MaxAttempts
		c.compression = cfg.Compression
		c.stallWarnings = cfg.StallWarnings
		c.controlTimeout = cfg.ControlTimeout
		if cfg.ControlRate > 0 {
			c.controlLimiter = rate.NewLimiter(rate.Limit(cfg.ControlRate), 1)
		} else {
			c.controlLimiter = nil
		}
	}
}

func WithEndpoints(e config.Endpoints) Option {
	return func(c *Client) { c.endpoints = e }
}

func WithBackoff(b config.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithDoer replaces the HTTP client used for feeds and control requests.
func WithDoer(d transport.Doer) Option {
	return func(c *Client) {
		c.doer = d
		c.controlDoer = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *stream.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStateHook is called for every connection state transition of every
// feed the client opens.
func WithStateHook(fn func(feed string, change stream.StateChange)) Option {
	return func(c *Client) { c.onState = fn }
}

// WithControlRate limits control channel requests to r per second.
func WithControlRate(r float64) Option {
	return func(c *Client) {
		if r > 0 {
			c.controlLimiter = rate.NewLimiter(rate.Limit(r), 1)
		}
	}
}

func NewClient(signer auth.Signer, opts ...Option) *Client {
	cfg := config.Default()
	c := &Client{signer: signer}
	WithConfig(cfg)(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.signer == nil {
		c.signer = auth.Anonymous()
	}
	if c.log == nil {
		c.log = config.Logger
	}
	if c.doer == nil {
		c.doer = transport.New(transport.StreamOptions())
	}
	if c.controlDoer == nil {
		c.controlDoer = transport.New(transport.ControlOptions(c.controlTimeout))
	}
	return c
}

// Filter opens the filtered public stream. It blocks until ctx is cancelled
// or the stream stops on a fatal error.
func (c *Client) Filter(ctx context.Context, p FilterParams, h Handler) error {
	params, err := p.values()
	if err != nil {
		return err
	}
	return c.open(ctx, "filter", http.MethodPost, c.endpoints.Stream+FilterPath, params, h)
}

func (c *Client) Track(ctx context.Context, h Handler, keywords ...string) error {
	return c.Filter(ctx, FilterParams{Track: keywords}, h)
}

func (c *Client) Follow(ctx context.Context, h Handler, userIDs ...int64) error {
	return c.Filter(ctx, FilterParams{Follow: userIDs}, h)
}

func (c *Client) Locations(ctx context.Context, h Handler, boxes ...float64) error {
	return c.Filter(ctx, FilterParams{Locations: boxes}, h)
}

func (c *Client) Sample(ctx context.Context, h Handler) error {
	return c.open(ctx, "sample", http.MethodGet, c.endpoints.Stream+SamplePath, url.Values{}, h)
}

// Firehose opens the full public stream. A non-zero count asks the server to
// backfill that many messages first.
func (c *Client) Firehose(ctx context.Context, count int, h Handler) error {
	params := url.Values{}
	if count != 0 {
		params.Set("count", strconv.Itoa(count))
	}
	return c.open(ctx, "firehose", http.MethodGet, c.endpoints.Stream+FirehosePath, params, h)
}

func (c *Client) User(ctx context.Context, p UserParams, h Handler) error {
	params, err := p.values()
	if err != nil {
		return err
	}
	return c.open(ctx, "user", http.MethodGet, c.endpoints.UserStream+UserPath, params, h)
}

// Site opens a site stream for the given users. When the server announces a
// control_uri, h receives a ControlChannel if it implements
// ControlChannelHandler.
func (c *Client) Site(ctx context.Context, p SiteParams, h Handler) error {
	params, err := p.values()
	if err != nil {
		return err
	}
	return c.open(ctx, "site", http.MethodGet, c.endpoints.SiteStream+SitePath, params, h)
}

func (c *Client) open(ctx context.Context, feed, method, endpoint string, params url.Values, h Handler) error {
	if h == nil {
		return errors.New("client: nil handler")
	}
	if c.stallWarnings {
		params.Set("stall_warnings", "true")
	}
	newReq := func(ctx context.Context) (*http.Request, error) {
		var req *http.Request
		var err error
		if method == http.MethodPost {
			req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
			if err == nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		} else {
			target := endpoint
			if len(params) > 0 {
				target += "?" + params.Encode()
			}
			req, err = http.NewRequestWithContext(ctx, method, target, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", feed, err)
		}
		for k, v := range BaseHeaders {
			req.Header.Set(k, v)
		}
		return req, nil
	}

	opts := stream.ConnOptions{
		Feed:         feed,
		Signer:       c.signer,
		Backoff:      stream.BackoffFrom(c.backoff),
		StallTimeout: c.stallTimeout,
		MaxBuffered:  c.maxBuffered,
		MaxAttempts:  c.maxAttempts,
		Compression:  c.compression,
		Logger:       c.log,
		Metrics:      c.metrics,
	}
	if c.onState != nil {
		opts.OnStateChange = func(change stream.StateChange) { c.onState(feed, change) }
	}
	conn := stream.NewConn(c.doer, newReq, opts)
	d := &dispatcher{
		client:  c,
		feed:    feed,
		handler: h,
		log:     c.log.With("feed", feed, "stream", conn.ID()),
	}
	return conn.Run(ctx, d.deliver)
}

// dispatcher turns records into messages for one stream.
type dispatcher struct {
	client  *Client
	feed    string
	handler Handler
	log     *slog.Logger
}

func (d *dispatcher) deliver(rec stream.Record) {
	m := d.client.metrics
	if rec.Blank() {
		m.ObserveRecord(d.feed, "keepalive")
		return
	}
	env, err := message.Decode(rec)
	if err != nil {
		m.ObserveRecord(d.feed, "decode_error")
		d.log.Debug("discarding undecodable record",
			"error", &stream.Error{Kind: stream.KindDecode, Op: "decode", Err: err}, "bytes", len(rec))
		return
	}
	msg := message.Parse(env)
	m.ObserveRecord(d.feed, "delivered")
	m.ObserveMessage(d.feed, string(msg.Kind()))

	if ctl, ok := msg.(*message.Control); ok {
		d.announceControl(ctl)
	}
	d.handler.HandleMessage(msg)
}

func (d *dispatcher) announceControl(ctl *message.Control) {
	uri := ctl.ControlURI()
	if uri == "" {
		return
	}
	ch, ok := d.handler.(ControlChannelHandler)
	if !ok {
		d.log.Debug("control channel announced but not handled", "control_uri", uri)
		return
	}
	cc, err := d.client.ControlChannel(uri)
	if err != nil {
		d.log.Warn("invalid control uri", "control_uri", uri, "error", err)
		return
	}
	d.log.Info("control channel announced", "control_uri", cc.URL())
	ch.HandleControlChannel(cc)
}

// ControlChannel returns the control channel for a site stream. uri is the
// control_uri the stream announced, resolved against the site stream
// endpoint when it is not absolute.
func (c *Client) ControlChannel(uri string) (*ControlChannel, error) {
	base, err := url.Parse(c.endpoints.SiteStream)
	if err != nil {
		return nil, fmt.Errorf("parse site stream endpoint: %w", err)
	}
	ref, err := url.Parse(strings.TrimRight(uri, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse control uri: %w", err)
	}
	if ref.Path == "" {
		return nil, fmt.Errorf("parse control uri: empty path in %q", uri)
	}
	return &ControlChannel{
		url:     base.ResolveReference(ref).String(),
		doer:    c.controlDoer,
		signer:  c.signer,
		limiter: c.controlLimiter,
		timeout: c.controlTimeout,
		metrics: c.metrics,
		log:     c.log,
	}, nil
}
