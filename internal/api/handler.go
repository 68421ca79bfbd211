// Package api exposes the query pipeline over HTTP and MCP: the /retrieve
// question endpoint, the /webhook change-data-capture endpoint, and a
// health check.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/finq/internal/answer"
	"github.com/kalambet/finq/internal/ingest"
	"github.com/kalambet/finq/internal/router"
)

const maxRequestBodySize = 1 << 20 // 1MB

// QueryRouter routes one question through the pipeline.
type QueryRouter interface {
	Route(ctx context.Context, q router.Query, history *answer.History) (*router.Response, error)
}

// EventProcessor applies one change event to the embeddings table.
type EventProcessor interface {
	Process(ctx context.Context, ev ingest.Event) error
}

// Deps holds dependencies for the HTTP handler. Token is optional; when
// empty the endpoints are unauthenticated.
type Deps struct {
	Router    QueryRouter
	Processor EventProcessor
	Token     string
}

// RetrieveRequest is the /retrieve request body. Tenant identifiers are
// mandatory; there are no fallback defaults.
type RetrieveRequest struct {
	Query     string `json:"query"`
	UserID    string `json:"userid"`
	AccountID string `json:"accountid"`
	TopK      int    `json:"top_k"`
	SessionID string `json:"session_id"`
}

// NewHandler returns the HTTP handler with all routes registered.
func NewHandler(deps Deps) http.Handler {
	sessions := newSessionStore()

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/retrieve", handleRetrieve(deps, sessions))
		r.Post("/webhook", handleWebhook(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRetrieve(deps Deps, sessions *sessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RetrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}

		history := sessions.History(req.SessionID)

		resp, err := deps.Router.Route(r.Context(), router.Query{
			Text:      req.Query,
			UserID:    req.UserID,
			AccountID: req.AccountID,
			TopK:      req.TopK,
		}, history)
		if errors.Is(err, router.ErrMissingQuery) || errors.Is(err, router.ErrMissingTenant) {
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var ev ingest.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			httpError(w, http.StatusBadRequest, "invalid event body: %v", err)
			return
		}
		if ev.Type == "" {
			httpError(w, http.StatusBadRequest, "event type is required")
			return
		}

		if err := deps.Processor.Process(r.Context(), ev); err != nil {
			httpError(w, http.StatusInternalServerError, "processing event: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "error",
		"error":  fmt.Sprintf(format, args...),
	})
}
