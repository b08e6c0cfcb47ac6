// replayd serves a JSON-lines capture the way the streaming endpoints do,
// for local development and integration tests.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"tweetstream/internal/config"
	"tweetstream/internal/replay"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		file string
		addr string
		opts replay.Options
	)
	fs := pflag.NewFlagSet("replayd", pflag.ContinueOnError)
	fs.StringVarP(&file, "file", "f", "", "capture to replay, one JSON record per line (required)")
	fs.StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	fs.StringVar(&opts.Token, "token", "", "bearer token clients must send")
	fs.DurationVar(&opts.Interval, "interval", 100*time.Millisecond, "pause between records")
	fs.IntVar(&opts.ChunkSize, "chunk-size", 0, "split writes into chunks of at most this many bytes")
	fs.IntSliceVar(&opts.Statuses, "status", nil, "statuses answered to the first feed connections, in order")
	fs.BoolVar(&opts.Loop, "loop", false, "replay the capture forever")
	fs.BoolVar(&opts.Hold, "hold", true, "keep responses open after the last record")
	fs.BoolVar(&opts.Gzip, "gzip", false, "gzip responses for clients that accept it")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if file == "" {
		return errors.New("--file is required")
	}
	records, err := replay.LoadFile(file)
	if err != nil {
		return err
	}
	opts.Logger = config.Logger

	srv := &http.Server{
		Addr:              addr,
		Handler:           replay.NewServer(records, opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine so we can listen for shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		config.Logger.Info("starting replayd", "addr", addr, "records", len(records))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	case sig := <-quit:
		config.Logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Held feed responses never finish on their own, so shutdown is bounded.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		config.Logger.Warn("graceful shutdown timed out, closing connections", "error", err)
		return srv.Close()
	}
	config.Logger.Info("server gracefully stopped")
	return nil
}
