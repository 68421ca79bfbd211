// Package router owns the end-to-end control flow of one query: intent
// classification, the analytical (SQL) or semantic (vector) retrieval path,
// context assembly, and answer synthesis.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/finq/internal/answer"
	"github.com/kalambet/finq/internal/intent"
	"github.com/kalambet/finq/internal/sqlgen"
	"github.com/kalambet/finq/internal/store"
)

// Input errors are terminal: they are reported verbatim and nothing
// downstream runs. Tenant identifiers are never defaulted.
var (
	ErrMissingQuery  = errors.New("query is required")
	ErrMissingTenant = errors.New("userid and accountid are required")
)

// Query is the immutable input to one routing decision.
type Query struct {
	Text      string
	UserID    string
	AccountID string
	TopK      int
}

// Response is the result of one routed query. SQLQuery and RawResult are
// set on the analytical path, TopKResults on the semantic path.
type Response struct {
	Mode        string         `json:"mode"`
	Query       string         `json:"query"`
	SQLQuery    string         `json:"sql_query,omitempty"`
	RawResult   []store.Row    `json:"raw_result,omitempty"`
	Answer      string         `json:"answer"`
	TopKResults []store.Record `json:"top_k_results,omitempty"`
}

// Planner generates a validated SQL plan for an analytical query.
type Planner interface {
	Plan(ctx context.Context, query string) (sqlgen.Plan, error)
}

// Executor is the store's SQL execution entry point.
type Executor interface {
	ExecuteSQL(ctx context.Context, statement, userID, accountID string) ([]store.Row, error)
}

// Retriever is the semantic retrieval path.
type Retriever interface {
	Retrieve(ctx context.Context, query, userID, accountID string, topK int) ([]store.Record, error)
}

// Synthesizer produces the final answer. It never fails and never returns
// an empty string.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, records []store.Record, history *answer.History) string
}

// Router composes the pipeline. Exactly one retrieval path runs per query,
// chosen by intent; steps within a query are strictly sequential.
type Router struct {
	planner     Planner
	executor    Executor
	retriever   Retriever
	synthesizer Synthesizer
}

// New creates a Router wired to all pipeline components.
func New(planner Planner, executor Executor, retriever Retriever, synthesizer Synthesizer) *Router {
	return &Router{
		planner:     planner,
		executor:    executor,
		retriever:   retriever,
		synthesizer: synthesizer,
	}
}

// Route runs one query through the pipeline and returns the response.
//
// Terminal errors: invalid input, and a plan that fails generation or
// safety validation (the statement never reaches the store). Everything
// downstream degrades instead of failing: a store execution error, an
// embedding failure, or an empty retrieval all flow into synthesis with an
// empty record set so the user gets a clarification rather than a raw
// error.
func (r *Router) Route(ctx context.Context, q Query, history *answer.History) (*Response, error) {
	if q.Text == "" {
		return nil, ErrMissingQuery
	}
	if q.UserID == "" || q.AccountID == "" {
		return nil, ErrMissingTenant
	}

	mode := intent.Classify(q.Text)
	slog.Debug("query classified", "intent", mode.String())

	switch mode {
	case intent.Analytical:
		return r.routeAnalytical(ctx, q, history)
	default:
		return r.routeSemantic(ctx, q, history)
	}
}

func (r *Router) routeAnalytical(ctx context.Context, q Query, history *answer.History) (*Response, error) {
	plan, err := r.planner.Plan(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("planning query: %w", err)
	}
	slog.Debug("plan validated", "statement", plan.Sanitized)

	rows, err := r.executor.ExecuteSQL(ctx, plan.Sanitized, q.UserID, q.AccountID)
	if err != nil {
		// The statement was valid but the store rejected it. Synthesis still
		// runs with no records so the user gets a usable reply.
		slog.Warn("sql execution failed, synthesizing without records", "error", err)
		rows = nil
	}

	records := rowsToRecords(rows)
	text := r.synthesizer.Synthesize(ctx, q.Text, records, history)

	return &Response{
		Mode:      intent.Analytical.String(),
		Query:     q.Text,
		SQLQuery:  plan.Sanitized,
		RawResult: rows,
		Answer:    text,
	}, nil
}

func (r *Router) routeSemantic(ctx context.Context, q Query, history *answer.History) (*Response, error) {
	records, err := r.retriever.Retrieve(ctx, q.Text, q.UserID, q.AccountID, q.TopK)
	if err != nil {
		slog.Warn("semantic retrieval failed, synthesizing without records", "error", err)
		records = nil
	}

	text := r.synthesizer.Synthesize(ctx, q.Text, records, history)

	return &Response{
		Mode:        intent.Semantic.String(),
		Query:       q.Text,
		Answer:      text,
		TopKResults: records,
	}, nil
}

// rowsToRecords wraps SQL result rows as records for context building; the
// row itself is the payload.
func rowsToRecords(rows []store.Row) []store.Record {
	if len(rows) == 0 {
		return nil
	}
	records := make([]store.Record, len(rows))
	for i, row := range rows {
		rec := store.Record{
			SourceTable: "transactions",
			Payload:     row,
		}
		if id, ok := row["id"].(string); ok {
			rec.SourceID = id
		}
		records[i] = rec
	}
	return records
}
