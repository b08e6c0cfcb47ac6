package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tweetstream/internal/client"
	"tweetstream/internal/stream"
)

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": errNoControl.Error()})
		return
	}
	info, err := c.Info(r.Context())
	if err != nil {
		h.writeControlError(w, "info", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_ids": int64sOrEmpty(info.UserIDs), "raw": info.Raw})
}

func (h *Handler) addUsers(w http.ResponseWriter, r *http.Request) {
	h.changeUsers(w, r, "add", func(c Controller, ids []int64) error { return c.AddUsers(r.Context(), ids...) })
}

func (h *Handler) removeUsers(w http.ResponseWriter, r *http.Request) {
	h.changeUsers(w, r, "remove", func(c Controller, ids []int64) error { return c.RemoveUsers(r.Context(), ids...) })
}

func (h *Handler) changeUsers(w http.ResponseWriter, r *http.Request, op string, fn func(Controller, []int64) error) {
	c, ok := h.controller()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": errNoControl.Error()})
		return
	}
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid json"})
		return
	}
	ids, ok := userIDsFrom(req)
	if !ok || len(ids) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "user_ids must be a non-empty list of ids"})
		return
	}
	if err := fn(c, ids); err != nil {
		h.writeControlError(w, op, err)
		return
	}
	h.logger().Info("site stream users changed", "op", op, "count", len(ids))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(ids)})
}

func (h *Handler) friends(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"detail": errNoControl.Error()})
		return
	}
	userID, ok := int64From(chi.URLParam(r, "userID"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "invalid user id"})
		return
	}
	page, err := c.FriendsIDs(r.Context(), userID, int64FromQuery(r, "cursor", -1))
	if err != nil {
		h.writeControlError(w, "friends", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         page.UserID,
		"ids":             int64sOrEmpty(page.IDs),
		"next_cursor":     page.NextCursor,
		"previous_cursor": page.PreviousCursor,
	})
}

// writeControlError reports upstream rejections as 502 and carries their
// status; anything else is a 500.
func (h *Handler) writeControlError(w http.ResponseWriter, op string, err error) {
	h.logger().Warn("control request failed", "op", op, "error", err)
	var ce *client.ControlError
	status := http.StatusInternalServerError
	body := map[string]any{"detail": err.Error()}
	if errors.As(err, &ce) {
		status = http.StatusBadGateway
		body["upstream_status"] = nilIfZero(int64(ce.Status))
		body["retryable"] = stream.IsRetryable(ce)
	}
	writeJSON(w, status, body)
}
