package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSupabase_ExecuteSQL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/rpc/execute_sql_wrapper" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var params executeSQLParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			t.Fatal(err)
		}
		if params.UserID != "u1" || params.AccountID != "a1" {
			t.Errorf("tenant scope = %q/%q", params.UserID, params.AccountID)
		}
		if params.Query != "SELECT SUM(amount) FROM transactions" {
			t.Errorf("query = %q", params.Query)
		}
		w.Write([]byte(`[{"sum": 54.5}]`))
	}))
	defer srv.Close()

	s := NewSupabase(srv.URL, "service-key")
	rows, err := s.ExecuteSQL(context.Background(), "SELECT SUM(amount) FROM transactions", "u1", "a1")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(rows) != 1 || rows[0]["sum"] != 54.5 {
		t.Errorf("rows = %v", rows)
	}
}

func TestSupabase_ExecuteSQL_StringEncodedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The RPC sometimes returns the rows as a JSON-encoded string.
		w.Write([]byte(`"[{\"amount\": 12}]"`))
	}))
	defer srv.Close()

	s := NewSupabase(srv.URL, "service-key")
	rows, err := s.ExecuteSQL(context.Background(), "SELECT amount FROM transactions", "u1", "a1")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(rows) != 1 || rows[0]["amount"] != float64(12) {
		t.Errorf("rows = %v", rows)
	}
}

func TestSupabase_ExecuteSQL_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"syntax error at or near DELETE"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSupabase(srv.URL, "service-key")
	if _, err := s.ExecuteSQL(context.Background(), "SELECT broken", "u1", "a1"); err == nil {
		t.Fatal("ExecuteSQL succeeded on RPC error")
	}
}

func TestSupabase_MatchEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/rpc/match_embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var params matchParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			t.Fatal(err)
		}
		if params.TopK != 3 {
			t.Errorf("top_k = %d, want 3", params.TopK)
		}
		w.Write([]byte(`[
			{"source_table":"transactions","source_id":"t1","user_id":"u1","account_id":"a1",
			 "chunk_text":"EXPENSE 42.5 groceries","metadata":{"columns":{"category":"groceries","amount":42.5}},
			 "similarity":0.91},
			{"source_table":"transactions","source_id":"t2","user_id":"u1","account_id":"a1",
			 "chunk_text":"EXPENSE 12 cinema","metadata":null,"similarity":0.40}
		]`))
	}))
	defer srv.Close()

	s := NewSupabase(srv.URL, "service-key")
	recs, err := s.MatchEmbeddings(context.Background(), []float32{0.1, 0.2}, "u1", "a1", 3)
	if err != nil {
		t.Fatalf("MatchEmbeddings: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Payload["category"] != "groceries" {
		t.Errorf("payload = %v, want columns map", recs[0].Payload)
	}
	if recs[1].Payload["text"] != "EXPENSE 12 cinema" {
		t.Errorf("payload = %v, want chunk-text fallback", recs[1].Payload)
	}
	if recs[0].Score != 0.91 {
		t.Errorf("score = %v, want 0.91", recs[0].Score)
	}
}

func TestSupabase_HasEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("source_id"); got != "eq.t1" {
			t.Errorf("source_id filter = %q", got)
		}
		w.Write([]byte(`[{"id":"e1"}]`))
	}))
	defer srv.Close()

	s := NewSupabase(srv.URL, "service-key")
	has, err := s.HasEmbedding(context.Background(), "t1")
	if err != nil {
		t.Fatalf("HasEmbedding: %v", err)
	}
	if !has {
		t.Error("HasEmbedding = false, want true")
	}
}

func TestSupabase_InsertEmbedding_VectorFormat(t *testing.T) {
	var received embeddingInsert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSupabase(srv.URL, "service-key")
	err := s.InsertEmbedding(context.Background(), EmbeddingRecord{
		ID: "e1", SourceTable: "transactions", SourceID: "t1",
		UserID: "u1", AccountID: "a1", ChunkText: "chunk",
		Embedding: []float32{0.5, 1},
	})
	if err != nil {
		t.Fatalf("InsertEmbedding: %v", err)
	}
	if received.Embedding != "[0.5,1]" {
		t.Errorf("embedding literal = %q, want %q", received.Embedding, "[0.5,1]")
	}
}

func TestSupabase_AuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("apikey"); got != "service-key" {
			t.Errorf("apikey = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer service-key" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	s := NewSupabase(srv.URL, "service-key")
	if _, err := s.ListTransactions(context.Background()); err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
}
