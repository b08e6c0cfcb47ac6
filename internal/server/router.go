// Package server is the process's HTTP surface: health, readiness, metrics,
// feed status, the live event stream and the control admin API.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tweetstream/internal/admin"
	"tweetstream/internal/util"
)

type Options struct {
	Gatherer prometheus.Gatherer
	Tracker  *Tracker
	// Events serves /events when set.
	Events http.Handler
	// Admin serves /admin when set.
	Admin *admin.Handler
}

type App struct {
	Router  chi.Router
	Tracker *Tracker
}

func NewApp(opts Options) *App {
	if opts.Tracker == nil {
		opts.Tracker = NewTracker()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	app := &App{Router: chi.NewRouter(), Tracker: opts.Tracker}
	r := app.Router

	healthz := func(w http.ResponseWriter, _ *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
	readyz := func(w http.ResponseWriter, _ *http.Request) {
		if !app.Tracker.Ready() {
			util.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not streaming"})
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
	r.Get("/healthz", healthz)
	r.Head("/healthz", healthz)
	r.Get("/readyz", readyz)
	r.Head("/readyz", readyz)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{"feeds": app.Tracker.Snapshot()})
	})
	if opts.Events != nil {
		r.Handle("/events", opts.Events)
	}
	if opts.Admin != nil {
		r.Route("/admin", func(ar chi.Router) {
			admin.RegisterRoutes(ar, opts.Admin)
		})
	}
	return app
}
