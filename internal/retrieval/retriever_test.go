package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/finq/internal/store"
)

// mockSearcher implements Searcher for testing.
type mockSearcher struct {
	matchFn func(ctx context.Context, vector []float32, userID, accountID string, topK int) ([]store.Record, error)
}

func (m *mockSearcher) MatchEmbeddings(ctx context.Context, vector []float32, userID, accountID string, topK int) ([]store.Record, error) {
	return m.matchFn(ctx, vector, userID, accountID, topK)
}

func TestRetrieve(t *testing.T) {
	embedCalls := 0
	client := &mockEmbeddingClient{
		embedFn: func(_ context.Context, _ string, text string, dim int) ([]float32, error) {
			embedCalls++
			if dim != 384 {
				t.Errorf("dim = %d, want 384", dim)
			}
			return []float32{0.1, 0.2}, nil
		},
	}

	searcher := &mockSearcher{
		matchFn: func(_ context.Context, _ []float32, userID, accountID string, topK int) ([]store.Record, error) {
			if userID != "u1" || accountID != "a1" {
				t.Errorf("tenant scope = %q/%q", userID, accountID)
			}
			if topK != 3 {
				t.Errorf("topK = %d, want 3", topK)
			}
			return []store.Record{{SourceID: "t1", Score: 0.9}}, nil
		},
	}

	r := NewRetriever(NewEmbedder(client, "gemini-embedding-001", 384), searcher)
	records, err := r.Retrieve(context.Background(), "coffee shop", "u1", "a1", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if embedCalls != 1 {
		t.Errorf("embed called %d times, want 1", embedCalls)
	}
	if len(records) != 1 || records[0].SourceID != "t1" {
		t.Errorf("records = %v", records)
	}
}

func TestRetrieve_EmbedFailureDegrades(t *testing.T) {
	client := &mockEmbeddingClient{
		embedFn: func(_ context.Context, _ string, _ string, _ int) ([]float32, error) {
			return nil, errors.New("embedding service down")
		},
	}
	searcher := &mockSearcher{
		matchFn: func(_ context.Context, _ []float32, _, _ string, _ int) ([]store.Record, error) {
			t.Fatal("search should not run when embedding fails")
			return nil, nil
		},
	}

	r := NewRetriever(NewEmbedder(client, "gemini-embedding-001", 384), searcher)
	records, err := r.Retrieve(context.Background(), "query", "u1", "a1", 5)
	if err != nil {
		t.Fatalf("Retrieve returned error, want graceful degradation: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestRetrieve_SearchFailurePropagates(t *testing.T) {
	client := &mockEmbeddingClient{
		embedFn: func(_ context.Context, _ string, _ string, _ int) ([]float32, error) {
			return []float32{0.1}, nil
		},
	}
	searcher := &mockSearcher{
		matchFn: func(_ context.Context, _ []float32, _, _ string, _ int) ([]store.Record, error) {
			return nil, errors.New("store unavailable")
		},
	}

	r := NewRetriever(NewEmbedder(client, "gemini-embedding-001", 384), searcher)
	if _, err := r.Retrieve(context.Background(), "query", "u1", "a1", 5); err == nil {
		t.Fatal("Retrieve swallowed a search error")
	}
}

func TestRetrieve_DefaultTopK(t *testing.T) {
	client := &mockEmbeddingClient{
		embedFn: func(_ context.Context, _ string, _ string, _ int) ([]float32, error) {
			return []float32{0.1}, nil
		},
	}
	searcher := &mockSearcher{
		matchFn: func(_ context.Context, _ []float32, _, _ string, topK int) ([]store.Record, error) {
			if topK != defaultTopK {
				t.Errorf("topK = %d, want default %d", topK, defaultTopK)
			}
			return nil, nil
		},
	}

	r := NewRetriever(NewEmbedder(client, "gemini-embedding-001", 384), searcher)
	if _, err := r.Retrieve(context.Background(), "query", "u1", "a1", 0); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
}
