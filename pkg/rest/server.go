package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/IBM/sarama"
	"github.com/kafdeck/kafdeck/pkg/connection"
	"github.com/kafdeck/kafdeck/pkg/httputil"
	"github.com/kafdeck/kafdeck/pkg/kafka"
	"github.com/kafdeck/kafdeck/pkg/session"
	"github.com/kafdeck/kafdeck/pkg/stream"
	"go.uber.org/zap"
)

// Server wires the API handlers onto an httputil.Router.
type Server struct {
	router     *httputil.Router
	controller *session.Controller
	profiles   connection.Store
	clients    *kafka.Registry
	bridge     *stream.Bridge
	logger     *zap.Logger
}

// ServerOptions carries the collaborators the handlers need. All fields are
// required except Router, which defaults to a fresh one. Middleware is applied
// before routes are registered; the router bakes middleware in at registration
// time, so it cannot be added afterwards.
type ServerOptions struct {
	Router     *httputil.Router
	Controller *session.Controller
	Profiles   connection.Store
	Clients    *kafka.Registry
	Bridge     *stream.Bridge
	Logger     *zap.Logger
	Middleware []httputil.Middleware
}

func NewServer(opts ServerOptions) *Server {
	router := opts.Router
	if router == nil {
		router = httputil.NewRouter()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, m := range opts.Middleware {
		router.Use(m)
	}

	s := &Server{
		router:     router,
		controller: opts.Controller,
		profiles:   opts.Profiles,
		clients:    opts.Clients,
		bridge:     opts.Bridge,
		logger:     logger,
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	api := s.router.Group("/api/v1")

	api.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))

	api.Handle("POST /connections", http.HandlerFunc(s.handleCreateConnection))
	api.Handle("GET /connections", http.HandlerFunc(s.handleListConnections))
	api.Handle("GET /connections/{id}", http.HandlerFunc(s.handleGetConnection))
	api.Handle("PUT /connections/{id}", http.HandlerFunc(s.handleUpdateConnection))
	api.Handle("DELETE /connections/{id}", http.HandlerFunc(s.handleDeleteConnection))

	api.Handle("GET /connections/{id}/topics", http.HandlerFunc(s.handleListTopics))
	api.Handle("POST /connections/{id}/topics", http.HandlerFunc(s.handleCreateTopic))
	api.Handle("DELETE /connections/{id}/topics/{topic}", http.HandlerFunc(s.handleDeleteTopic))
	api.Handle("GET /connections/{id}/topics/{topic}/partitions", http.HandlerFunc(s.handleTopicPartitions))
	api.Handle("POST /connections/{id}/topics/{topic}/messages", http.HandlerFunc(s.handleProduceMessage))

	api.Handle("POST /sessions", http.HandlerFunc(s.handleCreateSession))
	api.Handle("GET /sessions", http.HandlerFunc(s.handleListSessions))
	api.Handle("GET /sessions/{id}", http.HandlerFunc(s.handleGetSession))
	api.Handle("DELETE /sessions/{id}", http.HandlerFunc(s.handleDeleteSession))
	api.Handle("POST /sessions/{id}/start", s.transitionHandler(s.controller.Start))
	api.Handle("POST /sessions/{id}/stop", s.transitionHandler(s.controller.Stop))
	api.Handle("POST /sessions/{id}/pause", s.transitionHandler(s.controller.Pause))
	api.Handle("POST /sessions/{id}/resume", s.transitionHandler(s.controller.Resume))
	api.Handle("GET /sessions/{id}/messages", http.HandlerFunc(s.handleSessionMessages))

	if s.bridge != nil {
		api.Handle("GET /sessions/{id}/stream", s.bridge.Handler())
	}
}

// Start serves the API on addr, blocking until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.router.ListenAndServe(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.router.Shutdown(ctx)
}

// writeError maps domain errors onto HTTP statuses. Anything unrecognized is
// logged and reported as a 500 without leaking internals.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var transition *session.InvalidStateTransitionError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		httputil.Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrSessionActive):
		httputil.Error(w, http.StatusConflict, "session is still active")
	case errors.As(err, &transition):
		httputil.Error(w, http.StatusConflict, transition.Error())
	case errors.Is(err, connection.ErrProfileNotFound), errors.Is(err, kafka.ErrConnectionNotFound):
		httputil.Error(w, http.StatusNotFound, "connection profile not found")
	case errors.Is(err, connection.ErrProfileExists):
		httputil.Error(w, http.StatusConflict, "connection profile already exists")
	case errors.Is(err, sarama.ErrUnknownTopicOrPartition):
		httputil.Error(w, http.StatusNotFound, "topic or partition not found")
	case errors.Is(err, sarama.ErrTopicAlreadyExists):
		httputil.Error(w, http.StatusConflict, "topic already exists")
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		httputil.Error(w, http.StatusInternalServerError, "internal server error")
	}
}
