// tweetstream connects to one streaming feed and forwards every message to
// stdout or a file as JSON lines, to NATS subjects, and to /events
// subscribers. An HTTP listener serves health, metrics, feed status and,
// for site streams, the control admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"tweetstream/internal/admin"
	"tweetstream/internal/auth"
	"tweetstream/internal/client"
	"tweetstream/internal/config"
	"tweetstream/internal/server"
	"tweetstream/internal/sink"
	"tweetstream/internal/sse"
	"tweetstream/internal/stream"
	"tweetstream/internal/transport"
	"tweetstream/internal/util"
)

type options struct {
	configPath   string
	feed         string
	track        []string
	follow       string
	locations    []float64
	count        int
	with         string
	replies      string
	listen       string
	adminToken   string
	output       string
	natsURL      string
	natsPrefix   string
	logLevel     string
	maxAttempts  int
	stallTimeout time.Duration
	tail         string
	tailCount    int
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var o options
	fs := pflag.NewFlagSet("tweetstream", pflag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", os.Getenv("TWEETSTREAM_CONFIG"), "YAML config file")
	fs.StringVar(&o.feed, "feed", "sample", "feed to open: sample, firehose, filter, user or site")
	fs.StringSliceVar(&o.track, "track", nil, "keywords to track (filter and user feeds)")
	fs.StringVar(&o.follow, "follow", "", "comma separated user ids (filter and site feeds)")
	fs.Float64SliceVar(&o.locations, "locations", nil, "bounding boxes as sw-lon,sw-lat,ne-lon,ne-lat")
	fs.IntVar(&o.count, "count", 0, "messages to backfill on the firehose")
	fs.StringVar(&o.with, "with", "", "user/site feeds: user or followings")
	fs.StringVar(&o.replies, "replies", "", "user/site feeds: all to include every reply")
	fs.StringVar(&o.listen, "listen", ":9464", "address for health, metrics, events and admin; empty disables")
	fs.StringVar(&o.adminToken, "admin-token", os.Getenv("TWEETSTREAM_ADMIN_TOKEN"), "bearer token required by /admin")
	fs.StringVarP(&o.output, "output", "o", "-", "JSON lines destination; - for stdout, empty disables")
	fs.StringVar(&o.natsURL, "nats-url", os.Getenv("TWEETSTREAM_NATS_URL"), "publish messages to this NATS server")
	fs.StringVar(&o.natsPrefix, "nats-prefix", sink.DefaultSubjectPrefix, "NATS subject prefix")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.IntVar(&o.maxAttempts, "max-attempts", 0, "give up after this many consecutive reconnects; 0 retries forever")
	fs.DurationVar(&o.stallTimeout, "stall-timeout", 0, "reconnect when no bytes arrive for this long")
	fs.StringVar(&o.tail, "tail", "", "print the /events stream at this URL as JSON lines instead of opening a feed")
	fs.IntVar(&o.tailCount, "tail-count", 0, "with --tail, stop after this many events; 0 follows until interrupted")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadFile(strings.TrimSpace(o.configPath))
	if err != nil {
		return err
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if fs.Changed("max-attempts") {
		cfg.MaxAttempts = o.maxAttempts
	}
	if fs.Changed("stall-timeout") {
		cfg.StallTimeout = o.stallTimeout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := config.NewLogger(cfg.LogLevel)
	config.Logger = logger

	if o.tail != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tailEvents(ctx, o.tail, o.tailCount, os.Stdout)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := stream.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hub := sse.NewHub(logger)
	sinks := []sink.Sink{hub}
	if o.output != "" {
		var w io.Writer = os.Stdout
		if o.output != "-" {
			f, err := os.OpenFile(o.output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open output: %w", err)
			}
			w = f
		}
		sinks = append(sinks, sink.NewJSONLines(w))
	}
	if o.natsURL != "" {
		ns, err := sink.ConnectNATS(o.natsURL, "tweetstream-"+o.feed, o.natsPrefix, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, ns)
	}
	out := sink.Multi(sinks...)
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn("closing sinks failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := server.NewTracker()
	adminHandler := &admin.Handler{Logger: logger}
	var srv *http.Server
	if o.listen != "" {
		adminHandler.Token = admin.ResolveToken(o.adminToken, logger)
		app := server.NewApp(server.Options{Gatherer: reg, Tracker: tracker, Events: hub, Admin: adminHandler})
		srv = &http.Server{Addr: o.listen, Handler: app.Router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("starting http listener", "addr", o.listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http listener stopped unexpectedly", "error", err)
				stop()
			}
		}()
	}

	c := client.NewClient(signerFor(cfg.Credentials),
		client.WithConfig(cfg),
		client.WithLogger(logger),
		client.WithMetrics(metrics),
		client.WithStateHook(tracker.Observe),
	)
	h := &client.Handlers{
		ControlChannel: adminHandler.SetControl,
		Default:        sink.Handler(ctx, out, logger).HandleMessage,
	}

	logger.Info("opening feed", "feed", o.feed)
	err = openFeed(ctx, c, o, h)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown signal received")
		err = nil
	}

	if srv != nil {
		_ = hub.Close()
		// Allow up to 10 seconds for in-flight requests to complete.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Error("graceful shutdown failed", "error", serr)
		}
	}
	return err
}

func openFeed(ctx context.Context, c *client.Client, o options, h client.Handler) error {
	follow, err := util.SplitIDs(o.follow)
	if err != nil {
		return fmt.Errorf("--follow: %w", err)
	}
	switch o.feed {
	case "sample":
		return c.Sample(ctx, h)
	case "firehose":
		return c.Firehose(ctx, o.count, h)
	case "filter":
		return c.Filter(ctx, client.FilterParams{Track: o.track, Follow: follow, Locations: o.locations}, h)
	case "user":
		return c.User(ctx, client.UserParams{With: o.with, Replies: o.replies, Track: o.track, Locations: o.locations}, h)
	case "site":
		return c.Site(ctx, client.SiteParams{Follow: follow, With: o.with, Replies: o.replies}, h)
	default:
		return fmt.Errorf("unknown feed %q", o.feed)
	}
}

func signerFor(creds config.Credentials) auth.Signer {
	switch {
	case creds.Authorization != "":
		return auth.Header(creds.Authorization)
	case creds.BearerToken != "":
		return auth.Bearer(creds.BearerToken)
	default:
		return auth.Anonymous()
	}
}

func tailEvents(ctx context.Context, url string, limit int, w io.Writer) error {
	config.Logger.Info("tailing events", "url", url)
	err := sse.Tail(ctx, transport.New(transport.StreamOptions()), url, limit, func(ev sse.Event) {
		_, _ = fmt.Fprintf(w, "%s\n", ev.Data)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}
