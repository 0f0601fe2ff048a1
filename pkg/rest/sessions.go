package rest

import (
	"context"
	"net/http"
	"strconv"

	"github.com/kafdeck/kafdeck/pkg/httputil"
	"github.com/kafdeck/kafdeck/pkg/kafka"
	"github.com/kafdeck/kafdeck/pkg/session"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := httputil.BindOrError(r, w, &req); err != nil {
		return
	}
	if req.ConnectionID == "" || req.Topic == "" {
		httputil.Error(w, http.StatusBadRequest, "connectionId and topic are required")
		return
	}

	sess, err := s.controller.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.Filter{
		ConnectionID: q.Get("connectionId"),
		Topic:        q.Get("topic"),
		Status:       session.Status(q.Get("status")),
	}

	sessions, err := s.controller.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*session.ConsumerSession{}
	}
	httputil.JSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.controller.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// transitionHandler adapts a controller transition (start, stop, pause,
// resume) into an HTTP handler returning the resulting status.
func (s *Server) transitionHandler(transition func(ctx context.Context, id string) (session.Status, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		status, err := transition(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]any{
			"sessionId": id,
			"status":    status,
		})
	}
}

const defaultMessageLimit = 100

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.controller.Messages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []kafka.Record{}
	}
	httputil.JSON(w, http.StatusOK, records)
}
