package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/adapter"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/fetch"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/tracker"
)

// rankTracker is the part of tracker.Tracker the control API needs.
type rankTracker interface {
	Snapshot(ctx context.Context, key string) (models.RankResult, error)
	Status(key string) (tracker.Status, error)
	Statuses() []tracker.Status
	Subscribe(ctx context.Context, consumerID, key string) error
	Unsubscribe(ctx context.Context, consumerID, key string) error
	Subscribers(ctx context.Context, key string) ([]string, error)
}

type server struct {
	log             *slog.Logger
	tracker         rankTracker
	snapshotTimeout time.Duration
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type subscribersResponse struct {
	Source      string   `json:"source"`
	Subscribers []string `json:"subscribers"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/sources", func(r chi.Router) {
		r.Get("/", s.handleSources)
		r.Route("/{key}", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/snapshot", s.handleSnapshot)
			r.Get("/subscribers", s.handleSubscribers)
			r.Put("/subscribers/{consumer}", s.handleSubscribe)
			r.Delete("/subscribers/{consumer}", s.handleUnsubscribe)
		})
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Statuses())
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.Status(chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.snapshotTimeout)
	defer cancel()

	res, err := s.tracker.Snapshot(ctx, chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	subs, err := s.tracker.Subscribers(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if subs == nil {
		subs = []string{}
	}
	writeJSON(w, http.StatusOK, subscribersResponse{Source: key, Subscribers: subs})
}

func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	consumer := strings.TrimSpace(chi.URLParam(r, "consumer"))
	if consumer == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "consumer id is required", Kind: "bad_request"})
		return
	}
	if err := s.tracker.Subscribe(r.Context(), consumer, chi.URLParam(r, "key")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	consumer := strings.TrimSpace(chi.URLParam(r, "consumer"))
	if err := s.tracker.Unsubscribe(r.Context(), consumer, chi.URLParam(r, "key")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps tracker errors onto statuses so a failed refresh is never
// mistaken for an absent applicant.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, tracker.ErrUnknownSource):
		status, kind = http.StatusNotFound, "unknown_source"
	case errors.Is(err, adapter.ErrMalformedDocument):
		status, kind = http.StatusUnprocessableEntity, "malformed_document"
	case errors.Is(err, fetch.ErrFetch):
		status, kind = http.StatusBadGateway, "fetch_failed"
	case errors.Is(err, context.DeadlineExceeded):
		status, kind = http.StatusGatewayTimeout, "timeout"
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("control request failed", slog.String("kind", kind), slog.Any("err", err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
