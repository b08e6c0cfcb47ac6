// Package sse republishes stream messages to HTTP clients as server-sent
// events and reads such event streams back.
package sse

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tweetstream/internal/config"
	"tweetstream/internal/message"
	"tweetstream/internal/sink"
)

const (
	subscriberBuffer = 128
	defaultKeepAlive = 15 * time.Second
)

var ErrHubClosed = errors.New("sse: hub closed")

// Hub fans messages out to every connected subscriber. A subscriber that
// falls behind loses messages instead of slowing the stream down.
type Hub struct {
	KeepAlive time.Duration

	log     *slog.Logger
	seq     atomic.Uint64
	dropped atomic.Int64

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch    chan []byte
	kinds map[message.Kind]bool
}

func (s *subscriber) wants(k message.Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = config.Logger
	}
	return &Hub{
		KeepAlive: defaultKeepAlive,
		log:       logger.With("component", "sse"),
		subs:      map[*subscriber]struct{}{},
	}
}

// Write broadcasts msg. It never blocks on a subscriber.
func (h *Hub) Write(_ context.Context, msg message.Message) error {
	data, err := sink.Encode(msg, time.Now())
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	writeFrame(&buf, Event{
		ID:   strconv.FormatUint(h.seq.Add(1), 10),
		Name: string(msg.Kind()),
		Data: data,
	})
	frame := buf.Bytes()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for sub := range h.subs {
		if !sub.wants(msg.Kind()) {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts frames not delivered to slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) subscribe(kinds []string) (*subscriber, bool) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer), kinds: map[message.Kind]bool{}}
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			sub.kinds[message.Kind(k)] = true
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// ServeHTTP streams events until the client goes away or the hub closes.
// ?kinds=tweet,delete limits the subscription to those message kinds.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var kinds []string
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = strings.Split(raw, ",")
	}
	sub, ok := h.subscribe(kinds)
	if !ok {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()
	h.log.Debug("subscriber connected", "remote", r.RemoteAddr, "kinds", kinds)

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-sub.ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
