// Package store provides access to the transaction store: parameterized SQL
// execution and vector similarity search, both tenant-scoped. Three backends
// implement it: Supabase (RPC over PostgREST), direct Postgres, and a local
// SQLite store for development and tests.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Row is one result row from SQL execution.
type Row map[string]any

// Record is one retrieved record: a transaction row from SQL execution or a
// scored chunk from similarity search. Read-only once produced.
type Record struct {
	SourceTable string
	SourceID    string
	UserID      string
	AccountID   string
	Payload     map[string]any
	Score       float64
}

// EmbeddingRecord is one stored embedding row, mirroring the embeddings
// table: the chunk text, the source row snapshot under metadata "columns",
// and the vector itself.
type EmbeddingRecord struct {
	ID          string
	SourceTable string
	SourceID    string
	UserID      string
	AccountID   string
	ChunkText   string
	Metadata    map[string]any
	Embedding   []float32
}

// Store executes read-only SQL and vector similarity search against the
// per-tenant transaction data. Implementations inject tenant scoping
// themselves; statements passed to ExecuteSQL never carry tenant predicates.
type Store interface {
	// ExecuteSQL runs a validated SELECT statement scoped to the tenant and
	// returns the result rows.
	ExecuteSQL(ctx context.Context, statement, userID, accountID string) ([]Row, error)

	// MatchEmbeddings returns up to topK records most similar to the query
	// vector within the tenant's data, ordered most similar first.
	MatchEmbeddings(ctx context.Context, vector []float32, userID, accountID string, topK int) ([]Record, error)
}

// EmbeddingStore is the mutation surface used by the embedding-maintenance
// worker. The query pipeline only ever reads.
type EmbeddingStore interface {
	// HasEmbedding reports whether an embedding exists for the source row.
	HasEmbedding(ctx context.Context, sourceID string) (bool, error)

	// InsertEmbedding stores one embedding row.
	InsertEmbedding(ctx context.Context, rec EmbeddingRecord) error

	// DeleteEmbedding removes all embeddings for the source row.
	DeleteEmbedding(ctx context.Context, sourceID string) error

	// ListTransactions returns every transaction row, for backfill.
	ListTransactions(ctx context.Context) ([]Row, error)
}

// NormalizeRows is the normalization boundary for SQL execution results.
// The wire may carry a JSON array of objects, a JSON-encoded string of the
// same, a single object, or null; all collapse to []Row.
func NormalizeRows(data []byte) ([]Row, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var rows []Row
	if err := json.Unmarshal(data, &rows); err == nil {
		return rows, nil
	}

	// A JSON string wrapping the array.
	var encoded string
	if err := json.Unmarshal(data, &encoded); err == nil {
		encoded = strings.TrimSpace(encoded)
		if encoded == "" || encoded == "null" {
			return nil, nil
		}
		var inner []Row
		if err := json.Unmarshal([]byte(encoded), &inner); err != nil {
			return nil, fmt.Errorf("parsing encoded result rows: %w", err)
		}
		return inner, nil
	}

	// A single object.
	var one Row
	if err := json.Unmarshal(data, &one); err == nil {
		return []Row{one}, nil
	}

	return nil, fmt.Errorf("unrecognized result shape: %s", truncate(trimmed, 120))
}

// PayloadFromMetadata derives a record payload from a stored embedding's
// metadata. The original row snapshot lives under "columns"; when absent the
// chunk text stands in so downstream rendering always has something to show.
func PayloadFromMetadata(metadata map[string]any, chunkText string) map[string]any {
	if cols, ok := metadata["columns"].(map[string]any); ok && len(cols) > 0 {
		return cols
	}
	if len(metadata) > 0 {
		return metadata
	}
	return map[string]any{"text": chunkText}
}

// VectorLiteral renders a float32 vector in the pgvector text format:
// "[0.1,0.2,...]".
func VectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, f := range vec {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
