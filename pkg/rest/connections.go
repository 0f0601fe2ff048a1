package rest

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kafdeck/kafdeck/pkg/connection"
	"github.com/kafdeck/kafdeck/pkg/httputil"
	"github.com/kafdeck/kafdeck/pkg/util/rand"
	"go.uber.org/zap"
)

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var profile connection.Profile
	if err := httputil.BindOrError(r, w, &profile); err != nil {
		return
	}
	if len(profile.Brokers) == 0 {
		httputil.Error(w, http.StatusBadRequest, "at least one broker address is required")
		return
	}

	profile.ID = uuid.NewString()
	if profile.Name == "" {
		profile.Name = rand.NewName()
	}
	now := time.Now()
	profile.CreatedAt = now
	profile.UpdatedAt = now

	if err := s.profiles.Create(r.Context(), &profile); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, profile)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []*connection.Profile{}
	}
	httputil.JSON(w, http.StatusOK, profiles)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	profile, err := s.profiles.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.profiles.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var profile connection.Profile
	if err := httputil.BindOrError(r, w, &profile); err != nil {
		return
	}
	if len(profile.Brokers) == 0 {
		httputil.Error(w, http.StatusBadRequest, "at least one broker address is required")
		return
	}

	profile.ID = id
	profile.CreatedAt = existing.CreatedAt
	profile.UpdatedAt = time.Now()
	if profile.Name == "" {
		profile.Name = existing.Name
	}

	if err := s.profiles.Update(r.Context(), &profile); err != nil {
		s.writeError(w, r, err)
		return
	}

	// Drop the cached client so the next session dials with new settings.
	if err := s.clients.Remove(id); err != nil {
		s.logger.Warn("failed to evict cached kafka client",
			zap.String("connectionID", id), zap.Error(err))
	}

	httputil.JSON(w, http.StatusOK, profile)
}

// handleDeleteConnection removes a profile. Profiles with sessions still in
// CREATED, RUNNING, or PAUSED state are refused; stop or delete the sessions
// first.
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.profiles.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	active, err := s.controller.ActiveSessionCount(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if active > 0 {
		httputil.Error(w, http.StatusConflict, "connection has active sessions")
		return
	}

	if err := s.profiles.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.clients.Remove(id); err != nil {
		s.logger.Warn("failed to evict cached kafka client",
			zap.String("connectionID", id), zap.Error(err))
	}

	w.WriteHeader(http.StatusNoContent)
}
