package retrieval

import (
	"context"
	"log/slog"

	"github.com/kalambet/finq/internal/store"
)

// defaultTopK bounds similarity search when the caller doesn't specify.
const defaultTopK = 5

// Searcher is the store's similarity-search entry point.
type Searcher interface {
	MatchEmbeddings(ctx context.Context, vector []float32, userID, accountID string, topK int) ([]store.Record, error)
}

// Retriever combines embedding and tenant-scoped similarity search.
type Retriever struct {
	embedder *Embedder
	searcher Searcher
}

// NewRetriever creates a Retriever backed by the given Embedder and store.
func NewRetriever(embedder *Embedder, searcher Searcher) *Retriever {
	return &Retriever{embedder: embedder, searcher: searcher}
}

// Retrieve embeds the query text and returns the tenant's topK most similar
// records, most similar first.
//
// An embedding failure degrades to an empty result instead of failing the
// request: downstream stages turn "no records" into a clarification answer,
// which beats surfacing an upstream outage to the user. Search failures
// propagate so the caller can decide.
func (r *Retriever) Retrieve(ctx context.Context, query, userID, accountID string, topK int) ([]store.Record, error) {
	if topK <= 0 {
		topK = defaultTopK
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed, degrading to empty result", "error", err)
		return nil, nil
	}

	records, err := r.searcher.MatchEmbeddings(ctx, vec, userID, accountID, topK)
	if err != nil {
		return nil, err
	}
	return records, nil
}
