package replay

import (
	"net/http"
	"slices"
	"sync"

	"github.com/go-chi/chi/v5"

	"tweetstream/internal/util"
)

type session struct {
	id    string
	mu    sync.Mutex
	users map[int64]struct{}
}

func (s *Server) newSession(follow string) *session {
	sess := &session{id: newSessionID(), users: map[int64]struct{}{}}
	if ids, err := util.SplitIDs(follow); err == nil {
		for _, id := range ids {
			sess.users[id] = struct{}{}
		}
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

// dropSession forgets a control session once its site stream has ended.
func (s *Server) dropSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Users returns the ids followed by a control session, sorted.
func (s *Server) Users(sessionID string) []int64 {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.list()
}

func (sess *session) list() []int64 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]int64, 0, len(sess.users))
	for id := range sess.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session, bool) {
	s.mu.Lock()
	sess := s.sessions[chi.URLParam(r, "session")]
	s.mu.Unlock()
	if sess == nil {
		s.record(r, http.StatusNotFound)
		util.WriteJSON(w, http.StatusNotFound, map[string]any{"errors": []map[string]any{{"message": "unknown control stream"}}})
		return nil, false
	}
	return sess, true
}

func (s *Server) userIDs(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	_ = r.ParseForm()
	ids, err := util.SplitIDs(r.Form.Get("user_id"))
	if err != nil || len(ids) == 0 {
		s.record(r, http.StatusBadRequest)
		util.WriteJSON(w, http.StatusBadRequest, map[string]any{"errors": []map[string]any{{"message": "user_id is required"}}})
		return nil, false
	}
	return ids, true
}

func (s *Server) addUser(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ids, ok := s.userIDs(w, r)
	if !ok {
		return
	}
	sess.mu.Lock()
	for _, id := range ids {
		sess.users[id] = struct{}{}
	}
	sess.mu.Unlock()
	s.record(r, http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) removeUser(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ids, ok := s.userIDs(w, r)
	if !ok {
		return
	}
	sess.mu.Lock()
	for _, id := range ids {
		delete(sess.users, id)
	}
	sess.mu.Unlock()
	s.record(r, http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	users := make([]map[string]any, 0)
	for _, id := range sess.list() {
		users = append(users, map[string]any{"id": id})
	}
	s.record(r, http.StatusOK)
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"info": map[string]any{"users": users, "delimited": "none", "with": "user"},
	})
}

func (s *Server) friendsIDs(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.lookup(w, r); !ok {
		return
	}
	_ = r.ParseForm()
	uid, _ := util.Int64From(r.Form.Get("user_id"))
	s.record(r, http.StatusOK)
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"follow": map[string]any{
			"user":            map[string]any{"id": uid},
			"friends":         []int64{},
			"previous_cursor": 0,
			"next_cursor":     0,
		},
	})
}
