// Package server exposes config entries, flows, states and history over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anicoll/pollbridge/internal/pkg/configflow"
	"github.com/anicoll/pollbridge/internal/pkg/hub"
	"github.com/anicoll/pollbridge/internal/pkg/integration"
	"github.com/anicoll/pollbridge/internal/pkg/model"
)

const maxBodySize = 1 << 16

type Hub interface {
	Entries() []hub.EntryStatus
	Status(id string) (hub.EntryStatus, error)
	Reload(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) error
	CallService(ctx context.Context, id, name string, params map[string]string) error
	States() []model.State
}

type Flows interface {
	Domains() []string
	Progress() []configflow.Result
	Init(ctx context.Context, domain string, source configflow.Source, entryID string) (configflow.Result, error)
	Configure(ctx context.Context, flowID string, input map[string]string) (configflow.Result, error)
	Abort(flowID string) error
}

type History interface {
	GetHistory(ctx context.Context, entityID string, from, to *time.Time) (model.History, error)
	GetLatest(ctx context.Context) (model.History, error)
}

type Options struct {
	Hub   Hub
	Flows Flows
	// History is optional, without it the history route answers 501.
	History   History
	TokenHash string
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

type server struct {
	hub     Hub
	flows   Flows
	history History
	logger  *zap.Logger
}

var errBadRequest = errors.New("bad request")

// New builds the router. /healthz and /metrics are never authenticated.
func New(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &server{hub: opts.Hub, flows: opts.Flows, history: opts.History, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, LoggingMiddleware(opts.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		if opts.TokenHash != "" {
			r.Use(AuthMiddleware(opts.TokenHash))
		}
		r.Get("/integrations", s.listIntegrations)

		r.Get("/entries", s.listEntries)
		r.Get("/entries/{id}", s.getEntry)
		r.Delete("/entries/{id}", s.removeEntry)
		r.Post("/entries/{id}/reload", s.reloadEntry)
		r.Post("/entries/{id}/refresh", s.refreshEntry)
		r.Post("/entries/{id}/services/{service}", s.callService)

		r.Get("/states", s.listStates)
		r.Get("/history", s.getLatest)
		r.Get("/history/{entity_id}", s.getHistory)

		r.Get("/flows", s.listFlows)
		r.Post("/flows", s.startFlow)
		r.Post("/flows/{id}", s.configureFlow)
		r.Delete("/flows/{id}", s.abortFlow)
	})
	return r
}

func (s *server) listIntegrations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.flows.Domains())
}

func (s *server) listEntries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Entries())
}

func (s *server) getEntry(w http.ResponseWriter, r *http.Request) {
	st, err := s.hub.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) removeEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) reloadEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.hub.Reload(r.Context(), id); err != nil {
		s.handleError(w, err)
		return
	}
	s.getEntry(w, r)
}

func (s *server) refreshEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Refresh(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.handleError(w, err)
		return
	}
	s.getEntry(w, r)
}

func (s *server) callService(w http.ResponseWriter, r *http.Request) {
	params, err := unmarshalPayload[map[string]string](r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	id, service := chi.URLParam(r, "id"), chi.URLParam(r, "service")
	if err := s.hub.CallService(r.Context(), id, service, *params); err != nil {
		s.handleError(w, err)
		return
	}
	s.logger.Info("service called", zap.String("entry_id", id), zap.String("service", service))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) listStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.States())
}

// getLatest returns the newest recorded value of every entity.
func (s *server) getLatest(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history is not enabled")
		return
	}
	latest, err := s.history.GetLatest(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history is not enabled")
		return
	}
	from, err := parseTime(r, "from")
	if err != nil {
		s.handleError(w, err)
		return
	}
	to, err := parseTime(r, "to")
	if err != nil {
		s.handleError(w, err)
		return
	}
	history, err := s.history.GetHistory(r.Context(), chi.URLParam(r, "entity_id"), from, to)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func parseTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.Join(errBadRequest, err)
	}
	return &t, nil
}

func (s *server) listFlows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.flows.Progress())
}

type startFlowRequest struct {
	Handler string            `json:"handler"`
	Source  configflow.Source `json:"source"`
	EntryID string            `json:"entry_id"`
}

func (s *server) startFlow(w http.ResponseWriter, r *http.Request) {
	req, err := unmarshalPayload[startFlowRequest](r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	if req.Source == "" {
		req.Source = configflow.SourceUser
	}
	res, err := s.flows.Init(r.Context(), req.Handler, req.Source, req.EntryID)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) configureFlow(w http.ResponseWriter, r *http.Request) {
	input, err := unmarshalPayload[map[string]string](r)
	if err != nil {
		s.handleError(w, err)
		return
	}
	res, err := s.flows.Configure(r.Context(), chi.URLParam(r, "id"), *input)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) abortFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.Abort(chi.URLParam(r, "id")); err != nil {
		s.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleError(w http.ResponseWriter, err error) {
	var cfgErr *configflow.ConfigError
	switch {
	case errors.Is(err, hub.ErrEntryNotFound),
		errors.Is(err, configflow.ErrUnknownFlow),
		errors.Is(err, configflow.ErrUnknownHandler),
		errors.Is(err, integration.ErrUnknownService):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, hub.ErrNotLoaded), errors.Is(err, configflow.ErrFlowBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errBadRequest), errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// unmarshalPayload decodes the JSON body. An empty body is the zero value.
func unmarshalPayload[T any](r *http.Request) (*T, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, errors.Join(errBadRequest, err)
	}
	var out T
	if len(data) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Join(errBadRequest, err)
	}
	return &out, nil
}
