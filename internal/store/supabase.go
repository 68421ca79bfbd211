package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Compile-time checks that Supabase implements both store interfaces.
var (
	_ Store          = (*Supabase)(nil)
	_ EmbeddingStore = (*Supabase)(nil)
)

// Supabase talks to a Supabase project over PostgREST. SQL execution and
// similarity search go through database RPCs; the execute_sql RPC injects
// tenant predicates around the caller's statement server-side.
type Supabase struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewSupabase creates a Supabase store for the given project URL and service
// role key.
func NewSupabase(baseURL, serviceKey string) *Supabase {
	return &Supabase{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// executeSQLParams is the JSON body for the execute_sql_wrapper RPC.
type executeSQLParams struct {
	Query     string `json:"query"`
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`
}

// ExecuteSQL runs the statement through the execute_sql_wrapper RPC. The
// wrapper adds tenant filtering around the statement; the statement itself
// carries no tenant predicates. Result rows may arrive as a JSON array or a
// JSON-encoded string of one.
func (s *Supabase) ExecuteSQL(ctx context.Context, statement, userID, accountID string) ([]Row, error) {
	body, err := json.Marshal(executeSQLParams{
		Query:     statement,
		UserID:    userID,
		AccountID: accountID,
	})
	if err != nil {
		return nil, err
	}

	data, err := s.rpc(ctx, "execute_sql_wrapper", body)
	if err != nil {
		return nil, fmt.Errorf("executing sql: %w", err)
	}

	rows, err := NormalizeRows(data)
	if err != nil {
		return nil, fmt.Errorf("executing sql: %w", err)
	}
	return rows, nil
}

// matchParams is the JSON body for the match_embeddings RPC.
type matchParams struct {
	QueryEmbedding []float32 `json:"query_embedding"`
	UserID         string    `json:"user_id"`
	AccountID      string    `json:"account_id"`
	TopK           int       `json:"top_k"`
}

// matchRow mirrors one row returned by match_embeddings.
type matchRow struct {
	SourceTable string         `json:"source_table"`
	SourceID    string         `json:"source_id"`
	UserID      string         `json:"user_id"`
	AccountID   string         `json:"account_id"`
	ChunkText   string         `json:"chunk_text"`
	Metadata    map[string]any `json:"metadata"`
	Similarity  float64        `json:"similarity"`
}

// MatchEmbeddings performs tenant-filtered nearest-neighbor search via the
// match_embeddings RPC. Results come back ordered most similar first.
func (s *Supabase) MatchEmbeddings(ctx context.Context, vector []float32, userID, accountID string, topK int) ([]Record, error) {
	body, err := json.Marshal(matchParams{
		QueryEmbedding: vector,
		UserID:         userID,
		AccountID:      accountID,
		TopK:           topK,
	})
	if err != nil {
		return nil, err
	}

	data, err := s.rpc(ctx, "match_embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("matching embeddings: %w", err)
	}

	var rows []matchRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding match results: %w", err)
	}

	records := make([]Record, len(rows))
	for i, r := range rows {
		records[i] = Record{
			SourceTable: r.SourceTable,
			SourceID:    r.SourceID,
			UserID:      r.UserID,
			AccountID:   r.AccountID,
			Payload:     PayloadFromMetadata(r.Metadata, r.ChunkText),
			Score:       r.Similarity,
		}
	}
	return records, nil
}

// HasEmbedding checks the embeddings table for any row with the source ID.
func (s *Supabase) HasEmbedding(ctx context.Context, sourceID string) (bool, error) {
	query := url.Values{}
	query.Set("source_id", "eq."+sourceID)
	query.Set("select", "id")
	query.Set("limit", "1")

	data, err := s.get(ctx, "/rest/v1/embeddings?"+query.Encode())
	if err != nil {
		return false, fmt.Errorf("checking embedding for %s: %w", sourceID, err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return false, fmt.Errorf("decoding embedding check: %w", err)
	}
	return len(rows) > 0, nil
}

// embeddingInsert is the JSON body for inserting one embeddings row. The
// vector goes over the wire in the pgvector text format.
type embeddingInsert struct {
	ID          string         `json:"id"`
	SourceTable string         `json:"source_table"`
	SourceID    string         `json:"source_id"`
	UserID      string         `json:"user_id"`
	AccountID   string         `json:"account_id"`
	ChunkText   string         `json:"chunk_text"`
	Metadata    map[string]any `json:"metadata"`
	Embedding   string         `json:"embedding"`
}

// InsertEmbedding stores one embedding row via the table endpoint.
func (s *Supabase) InsertEmbedding(ctx context.Context, rec EmbeddingRecord) error {
	body, err := json.Marshal(embeddingInsert{
		ID:          rec.ID,
		SourceTable: rec.SourceTable,
		SourceID:    rec.SourceID,
		UserID:      rec.UserID,
		AccountID:   rec.AccountID,
		ChunkText:   rec.ChunkText,
		Metadata:    rec.Metadata,
		Embedding:   VectorLiteral(rec.Embedding),
	})
	if err != nil {
		return err
	}

	if _, err := s.do(ctx, http.MethodPost, "/rest/v1/embeddings", body); err != nil {
		return fmt.Errorf("inserting embedding for %s: %w", rec.SourceID, err)
	}
	return nil
}

// DeleteEmbedding removes all embeddings rows for the source ID.
func (s *Supabase) DeleteEmbedding(ctx context.Context, sourceID string) error {
	query := url.Values{}
	query.Set("source_id", "eq."+sourceID)

	if _, err := s.do(ctx, http.MethodDelete, "/rest/v1/embeddings?"+query.Encode(), nil); err != nil {
		return fmt.Errorf("deleting embedding for %s: %w", sourceID, err)
	}
	return nil
}

// ListTransactions returns every row of the transactions table.
func (s *Supabase) ListTransactions(ctx context.Context) ([]Row, error) {
	data, err := s.get(ctx, "/rest/v1/transactions?select=*")
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}

	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding transactions: %w", err)
	}
	return rows, nil
}

func (s *Supabase) rpc(ctx context.Context, fn string, body []byte) ([]byte, error) {
	return s.do(ctx, http.MethodPost, "/rest/v1/rpc/"+fn, body)
}

func (s *Supabase) get(ctx context.Context, path string) ([]byte, error) {
	return s.do(ctx, http.MethodGet, path, nil)
}

func (s *Supabase) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, restErrorMessage(data))
	}
	return data, nil
}

// restErrorMessage pulls the message out of a PostgREST error body; error
// bodies come in a couple of shapes and some include only "error".
func restErrorMessage(data []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return truncate(strings.TrimSpace(string(data)), 200)
}
