// Package admin exposes the control channel of a running site stream over
// HTTP so operators can change the followed users without reconnecting.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tweetstream/internal/auth"
	"tweetstream/internal/client"
	"tweetstream/internal/config"
)

// Controller is the subset of *client.ControlChannel the handler drives.
type Controller interface {
	AddUsers(ctx context.Context, ids ...int64) error
	RemoveUsers(ctx context.Context, ids ...int64) error
	Info(ctx context.Context) (*client.ControlInfo, error)
	FriendsIDs(ctx context.Context, userID, cursor int64) (*client.FriendsPage, error)
}

var (
	errNoControl = errors.New("no site stream control channel announced yet")
	errNoToken   = errors.New("admin API disabled: no token configured")
)

type Handler struct {
	// Token guards every route. An empty token disables the API.
	Token  string
	Logger *slog.Logger

	current atomic.Pointer[controllerBox]
}

type controllerBox struct{ c Controller }

// SetControl installs the channel announced by the newest site stream
// connection. It fits client.Handlers.ControlChannel.
func (h *Handler) SetControl(cc *client.ControlChannel) {
	if cc == nil {
		h.setController(nil)
		return
	}
	h.setController(cc)
}

func (h *Handler) setController(c Controller) {
	if c == nil {
		h.current.Store(nil)
		return
	}
	h.current.Store(&controllerBox{c: c})
	h.logger().Info("control channel ready")
}

func (h *Handler) controller() (Controller, bool) {
	box := h.current.Load()
	if box == nil {
		return nil, false
	}
	return box.c, true
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return config.Logger
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Group(func(pr chi.Router) {
		pr.Use(h.requireToken)
		pr.Get("/control", h.info)
		pr.Post("/control/users", h.addUsers)
		pr.Delete("/control/users", h.removeUsers)
		pr.Get("/control/friends/{userID}", h.friends)
	})
}

// requireToken rejects every request while no token is configured.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Token == "" {
			writeJSON(w, http.StatusForbidden, map[string]any{"detail": errNoToken.Error()})
			return
		}
		if err := auth.VerifyBearer(r, h.Token); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

var warnOnce sync.Once

// ResolveToken returns the configured admin token, or a random one when
// none is set. The generated token is logged once so a local operator can
// still reach the API.
func ResolveToken(configured string, logger *slog.Logger) string {
	if v := strings.TrimSpace(configured); v != "" {
		return v
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if logger == nil {
		logger = config.Logger
	}
	warnOnce.Do(func() {
		logger.Warn("[admin] TWEETSTREAM_ADMIN_TOKEN is not set; using a generated token for this process. Set --admin-token for a stable value.", "token", token)
	})
	return token
}
