// Package api is the HTTP surface over the pipeline: task creation, search,
// chat, agent and summary operations, plus signed object serving and an MCP
// server exposing the read paths as tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/framesight/framesight/internal/agent"
	"github.com/framesight/framesight/internal/chat"
	"github.com/framesight/framesight/internal/dispatch"
	"github.com/framesight/framesight/internal/docstore"
	"github.com/framesight/framesight/internal/objectstore"
	"github.com/framesight/framesight/internal/pipeline"
	"github.com/framesight/framesight/internal/search"
)

const maxBodySize = 1 << 20 // 1MB

// Chatter answers QA rounds.
type Chatter interface {
	Ask(ctx context.Context, req chat.Request) (chat.Response, error)
}

// AgentRunner executes post-processing runs.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Summarizer produces a task summary on demand.
type Summarizer interface {
	Summarize(ctx context.Context, req pipeline.SummaryRequest) (string, error)
}

// Searcher runs keyword retrieval.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Result, error)
}

type AppDeps struct {
	Dispatcher dispatch.Dispatcher
	Searcher   Searcher
	Chatter    Chatter
	Agent      AgentRunner
	Summarizer Summarizer
	Objects    *objectstore.LocalStore
	Token      string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/objects/*", handleGetObject(deps))

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(deps.Token))
		r.Post("/v1/tasks", handleCreateTask(deps))
		r.Post("/v1/search", handleSearch(deps))
		r.Post("/v1/chat", handleChat(deps))
		r.Post("/v1/agent", handleAgent(deps))
		r.Post("/v1/summary", handleSummary(deps))
	})

	return r
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req search.Request
		if !decodeBody(w, r, &req) {
			return
		}
		if req.OwnerID == "" || req.Keyword == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id and keyword are required")
			return
		}

		results, err := deps.Searcher.Search(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chat.Request
		if !decodeBody(w, r, &req) {
			return
		}
		if req.OwnerID == "" || req.SessionID == "" || req.TaskID == "" || req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"owner_id, session_id, task_id and question are required")
			return
		}

		resp, err := deps.Chatter.Ask(r.Context(), req)
		if err != nil {
			httpError(w, upstreamStatus(err), upstreamType(err), "chat failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleAgent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req agent.Request
		if !decodeBody(w, r, &req) {
			return
		}
		if req.OwnerID == "" || req.TaskID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id and task_id are required")
			return
		}

		res, err := deps.Agent.Run(r.Context(), req)
		if err != nil {
			httpError(w, upstreamStatus(err), upstreamType(err), "agent failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.SummaryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.OwnerID == "" || req.TaskID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id and task_id are required")
			return
		}

		text, err := deps.Summarizer.Summarize(r.Context(), req)
		if err != nil {
			httpError(w, upstreamStatus(err), upstreamType(err), "summary failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"task_id": req.TaskID,
			"summary": text,
		})
	}
}

// handleGetObject serves signed object links produced by the local store.
// The signature covers key and expiry, so no bearer token is required.
func handleGetObject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "*")
		q := r.URL.Query()
		expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
		if err != nil || !deps.Objects.Verify(key, expires, q.Get("sig")) {
			httpError(w, http.StatusForbidden, "authentication_error", "invalid or expired object link")
			return
		}

		data, err := deps.Objects.Get(r.Context(), key)
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found_error", "object not found")
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(data)
	}
}

// upstreamStatus distinguishes a task with no results from a failing
// dependency.
func upstreamStatus(err error) int {
	if errors.Is(err, docstore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

func upstreamType(err error) string {
	if errors.Is(err, docstore.ErrNotFound) {
		return "not_found_error"
	}
	return "api_error"
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
