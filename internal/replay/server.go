// Package replay serves recorded feed captures over HTTP the way the live
// streaming endpoints do: one long chunked response, CRLF-terminated JSON
// records, scripted failure statuses, and site-stream control endpoints.
package replay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"tweetstream/internal/auth"
	"tweetstream/internal/config"
	"tweetstream/internal/util"
)

type Options struct {
	// Token, when set, is the bearer token every request must carry.
	Token     string
	Delimiter string
	// Interval is the pause between records.
	Interval time.Duration
	// ChunkSize splits the output into writes of at most this many bytes.
	ChunkSize int
	// Statuses are answered to successive feed connections before the
	// server starts streaming.
	Statuses []int
	// Loop replays the capture forever. Hold keeps the response open after
	// the last record instead of ending it.
	Loop bool
	Hold bool
	// Gzip compresses responses for clients that accept it.
	Gzip   bool
	Logger *slog.Logger
}

// Request is what the server saw on one feed or control call.
type Request struct {
	Method string
	Path   string
	Params map[string]string
	Status int
}

type Server struct {
	Router chi.Router

	records [][]byte
	opts    Options
	log     *slog.Logger

	mu       sync.Mutex
	feedHits int
	requests []Request
	sessions map[string]*session
}

func NewServer(records [][]byte, opts Options) *Server {
	if opts.Delimiter == "" {
		opts.Delimiter = "\r\n"
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.Logger
	}
	s := &Server{
		records:  records,
		opts:     opts,
		log:      logger.With("component", "replay"),
		sessions: map[string]*session{},
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Group(func(pr chi.Router) {
		pr.Use(s.requireToken)
		RegisterRoutes(pr, s)
	})
	s.Router = r
	return s
}

func RegisterRoutes(r chi.Router, s *Server) {
	r.Get("/1.1/statuses/sample.json", s.feed("sample"))
	r.Get("/1.1/statuses/firehose.json", s.feed("firehose"))
	r.Post("/1.1/statuses/filter.json", s.feed("filter"))
	r.Get("/1.1/statuses/filter.json", s.feed("filter"))
	r.Get("/1.1/user.json", s.feed("user"))
	r.Get("/1.1/site.json", s.siteFeed)
	r.Route("/1.1/site/c/{session}", func(cr chi.Router) {
		cr.Post("/add_user.json", s.addUser)
		cr.Post("/remove_user.json", s.removeUser)
		cr.Get("/info.json", s.info)
		cr.Post("/friends/ids.json", s.friendsIDs)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" {
			if err := auth.VerifyBearer(r, s.opts.Token); err != nil {
				s.record(r, http.StatusUnauthorized)
				util.WriteJSON(w, http.StatusUnauthorized, map[string]any{"errors": []map[string]any{{"message": err.Error(), "code": 32}}})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// FeedConnections counts feed requests, including scripted failures.
func (s *Server) FeedConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedHits
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) record(r *http.Request, status int) {
	_ = r.ParseForm()
	params := make(map[string]string, len(r.Form))
	for k := range r.Form {
		params[k] = r.Form.Get(k)
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Params: params, Status: status})
	s.mu.Unlock()
}

// nextStatus returns the scripted status for this feed connection, or 200.
func (s *Server) nextStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedHits++
	if s.feedHits <= len(s.opts.Statuses) {
		return s.opts.Statuses[s.feedHits-1]
	}
	return http.StatusOK
}

func (s *Server) feed(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.nextStatus()
		s.record(r, status)
		if status != http.StatusOK {
			s.log.Debug("scripted failure", "feed", name, "status", status)
			util.WriteJSON(w, status, map[string]any{"errors": []map[string]any{{"message": http.StatusText(status)}}})
			return
		}
		s.stream(w, r, newFilter(r), nil)
	}
}

func (s *Server) siteFeed(w http.ResponseWriter, r *http.Request) {
	status := s.nextStatus()
	s.record(r, status)
	if status != http.StatusOK {
		util.WriteJSON(w, status, map[string]any{"errors": []map[string]any{{"message": http.StatusText(status)}}})
		return
	}
	sess := s.newSession(r.Form.Get("follow"))
	defer s.dropSession(sess.id)
	preamble := []byte(`{"control":{"control_uri":"/1.1/site/c/` + sess.id + `"}}`)
	s.stream(w, r, passAll{}, preamble)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, f filter, preamble []byte) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json")

	var out io.Writer = w
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	if s.opts.Gzip && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		defer zw.Close()
		out = zw
		flush = func() {
			_ = zw.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
	w.WriteHeader(http.StatusOK)
	flush()

	ctx := r.Context()
	if preamble != nil && !s.write(ctx, out, flush, preamble) {
		return
	}
	for {
		for _, rec := range s.records {
			if !f.keep(rec) {
				continue
			}
			if !s.write(ctx, out, flush, rec) {
				return
			}
		}
		if !s.opts.Loop {
			break
		}
	}
	if s.opts.Hold {
		<-ctx.Done()
	}
}

func (s *Server) write(ctx context.Context, out io.Writer, flush func(), rec []byte) bool {
	payload := append(append([]byte{}, rec...), s.opts.Delimiter...)
	size := s.opts.ChunkSize
	if size <= 0 {
		size = len(payload)
	}
	for len(payload) > 0 {
		n := min(size, len(payload))
		if _, err := out.Write(payload[:n]); err != nil {
			return false
		}
		flush()
		payload = payload[n:]
	}
	if s.opts.Interval > 0 {
		t := time.NewTimer(s.opts.Interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return ctx.Err() == nil
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
