package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/querydesk/internal/agent"
	"github.com/nidhogg/querydesk/internal/database"
	"github.com/nidhogg/querydesk/internal/metrics"
	"github.com/nidhogg/querydesk/internal/provider"
	"github.com/nidhogg/querydesk/internal/session"
	"go.uber.org/zap"
)

// ModelLister lists the models the configured providers offer.
type ModelLister interface {
	ListModels(ctx context.Context) []provider.ModelInfo
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Manager
	models   ModelLister
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHandler creates a new API handler. models and m may be nil.
func NewHandler(sessions *session.Manager, models ModelLister, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		models:   models,
		metrics:  m,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if h.metrics != nil {
		r.Use(h.instrument)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/samples", h.listSamples)
		r.Get("/models", h.listModels)

		r.Get("/sessions", h.listSessions)
		r.Post("/sessions", h.createSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.deleteSession)
			r.Put("/connection", h.setConnection)
			r.Put("/model", h.setModel)

			r.Post("/turns", h.runTurn)
			r.Post("/turns/stream", h.streamTurn)
			r.Post("/reset", h.resetSession)
			r.Post("/abort", h.abortTurn)

			r.Get("/schema", h.getSchema)
			r.Get("/queries", h.listQueries)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "querydesk"})
}

func (h *Handler) listSamples(w http.ResponseWriter, r *http.Request) {
	if domain := r.URL.Query().Get("domain"); domain != "" {
		qs, ok := sampleQueries[domain]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown domain"})
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{domain: qs})
		return
	}
	writeJSON(w, http.StatusOK, sampleQueries)
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	var models []provider.ModelInfo
	if h.models != nil {
		models = h.models.ListModels(r.Context())
	}
	if len(models) == 0 {
		models = provider.Catalogue()
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.List())
}

// createSessionRequest carries optional overrides. Model fields left out
// keep the configured defaults.
type createSessionRequest struct {
	Connection *database.Descriptor `json:"connection,omitempty"`
	Model      json.RawMessage      `json:"model,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var model *session.ModelSettings
	if len(req.Model) > 0 && string(req.Model) != "null" {
		ms := h.sessions.DefaultModel()
		if err := json.Unmarshal(req.Model, &ms); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		model = &ms
	}
	s := h.sessions.Create(req.Connection, model)
	writeJSON(w, http.StatusCreated, s.View())
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.View())
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) setConnection(w http.ResponseWriter, r *http.Request) {
	var d database.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	d.Kind = database.Kind(strings.ToLower(string(d.Kind)))
	if err := h.sessions.SetConnection(chi.URLParam(r, "id"), d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "connection": d.String()})
}

// setModel updates the fields present in the body and keeps the rest.
func (h *Handler) setModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	ms := s.View().Model
	if err := json.NewDecoder(r.Body).Decode(&ms); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(ms.Model) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model is required"})
		return
	}
	if err := h.sessions.SetModel(id, ms); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.View().Model)
}

type turnRequest struct {
	Message string `json:"message"`
}

type turnResponse struct {
	*agent.Outcome
	Message string `json:"message"`
}

func (h *Handler) runTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out, err := h.sessions.HandleTurn(r.Context(), chi.URLParam(r, "id"), req.Message, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{Outcome: out, Message: out.Text()})
}

// streamTurn runs a turn and streams every loop event as an SSE event named
// after its type, followed by a final "outcome" event.
func (h *Handler) streamTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(id); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, session.ErrEmptyTurn)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	type result struct {
		out *agent.Outcome
		err error
	}
	events := make(chan agent.Event, 16)
	done := make(chan result, 1)
	go func() {
		out, err := h.sessions.HandleTurn(r.Context(), id, req.Message, events)
		close(events)
		done <- result{out, err}
	}()

	// Keep draining after a write error so the turn can finish.
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := writeSSE(w, string(ev.Type), ev); err != nil {
			h.logger.Debug("stream client gone", zap.String("session", id), zap.Error(err))
			broken = true
			continue
		}
		flusher.Flush()
	}

	res := <-done
	if broken {
		return
	}
	if res.err != nil {
		_ = writeSSE(w, "error", map[string]string{"error": res.err.Error()})
	} else {
		_ = writeSSE(w, "outcome", turnResponse{Outcome: res.out, Message: res.out.Text()})
	}
	flusher.Flush()
}

func (h *Handler) resetSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Reset(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) abortTurn(w http.ResponseWriter, r *http.Request) {
	aborted, err := h.sessions.Abort(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.SchemaSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) listQueries(w http.ResponseWriter, r *http.Request) {
	queries, err := h.sessions.Queries(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queries)
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var f *agent.Failure
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrEmptyTurn), errors.Is(err, session.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.As(err, &f):
		switch f.Kind {
		case agent.FailConfigIncomplete:
			status = http.StatusBadRequest
		case agent.FailConnectionFailed:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": f.Message(), "kind": string(f.Kind), "detail": f.Detail})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSSE(w io.Writer, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
