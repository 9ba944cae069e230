// Package httpapi provides the HTTP API handler for siteloom.
// It delegates all business logic to the engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/siteloom/siteloom/engine"
	"github.com/siteloom/siteloom/model"
	"github.com/siteloom/siteloom/store"
)

const maxPromptRunes = 10000

// Handler provides the HTTP API for siteloom.
type Handler struct {
	engine *engine.Engine
	log    *zap.Logger
	router chi.Router
}

// New creates a new HTTP API handler.
func New(eng *engine.Engine, log *zap.Logger) *Handler {
	h := &Handler{engine: eng, log: log}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/projects", h.handleCreateProject)
			r.Get("/projects", h.handleListProjects)
			r.Get("/projects/{id}", h.handleGetProject)
			r.Get("/projects/{id}/messages", h.handleGetMessages)
			r.Post("/projects/{id}/messages", h.handleSendMessage)
			r.Get("/projects/{id}/fragment", h.handleGetFragment)
			r.Post("/projects/{id}/export", h.handleExport)
			r.Get("/runs/{id}", h.handleGetRun)
		})
		r.Get("/runs/{id}/events", h.handleRunEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createProjectRequest struct {
	Prompt string `json:"prompt"`
}

type createProjectResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	RunID string `json:"run_id"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type sendMessageResponse struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
}

type exportResponse struct {
	RepoURL string `json:"repo_url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		h.writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if len([]rune(req.Prompt)) > maxPromptRunes {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("prompt exceeds %d characters", maxPromptRunes))
		return
	}

	project, run, err := h.engine.CreateProject(req.Prompt)
	if err != nil {
		h.log.Error("creating project", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	h.writeJSON(w, http.StatusCreated, createProjectResponse{
		ID: project.ID, Name: project.Name, RunID: run.ID,
	})
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.engine.Store().ListProjects()
	if err != nil {
		h.log.Error("listing projects", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	h.writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	project, err := h.engine.Store().GetProject(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	h.writeJSON(w, http.StatusOK, project)
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetProject(id); err != nil {
		h.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	msgs, err := h.engine.Store().ListMessages(id)
	if err != nil {
		h.log.Error("listing messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if len([]rune(req.Content)) > maxPromptRunes {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("content exceeds %d characters", maxPromptRunes))
		return
	}

	run, err := h.engine.SendMessage(id, req.Content)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, sendMessageResponse{
		RunID: run.ID, ProjectID: id,
	})
}

func (h *Handler) handleGetFragment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	frag, err := h.engine.Store().LatestFragment(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "no fragment yet")
			return
		}
		h.log.Error("loading fragment", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to get fragment")
		return
	}
	h.writeJSON(w, http.StatusOK, frag)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	repoURL, err := h.engine.ExportFragment(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "no fragment to export")
			return
		}
		h.log.Error("exporting fragment", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, exportResponse{RepoURL: repoURL})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.engine.Store().GetRun(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.engine.Store().GetRun(id); err != nil {
		h.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so nothing published during the replay is
	// missed; the lastID guard drops events seen in both.
	ch := h.engine.Bus().Subscribe(id)
	defer h.engine.Bus().Unsubscribe(id, ch)

	events, err := h.engine.Store().GetEvents(id, 0)
	if err != nil {
		h.log.Warn("loading events", zap.String("run_id", id), zap.Error(err))
		events = nil
	}
	var lastID int64
	for _, e := range events {
		h.writeSSE(w, e)
		lastID = e.ID
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.ID <= lastID {
				continue
			}
			h.writeSSE(w, event)
			flusher.Flush()
		}
	}
}

// --- Helpers ---

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("encoding response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

func (h *Handler) writeSSE(w http.ResponseWriter, event *model.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("encoding event", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
		h.log.Warn("writing event", zap.Error(err))
	}
}
