// Package ingest keeps the embeddings table in sync with the transactions
// table: change-data-capture events from the database webhook and a full
// backfill over existing rows.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/finq/internal/store"
)

// Change event types, matching the database webhook payload.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Event is one change-data-capture notification. Record carries the row
// after the change; OldRecord the row before it (set on UPDATE and DELETE).
type Event struct {
	Type      string         `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

// Embedder generates embeddings for row text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Worker maintains one embedding row per transaction row.
type Worker struct {
	store    store.EmbeddingStore
	embedder Embedder
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
func NewWorker(s store.EmbeddingStore, embedder Embedder) *Worker {
	return &Worker{
		store:    s,
		embedder: embedder,
		logger:   slog.Default(),
	}
}

// Process applies one change event to the embeddings table. Events are
// idempotent: replaying an INSERT whose embedding already exists is a no-op,
// and deleting an absent embedding is not an error.
func (w *Worker) Process(ctx context.Context, ev Event) error {
	switch ev.Type {
	case OpInsert:
		return w.processInsert(ctx, ev.Table, ev.Record)
	case OpUpdate:
		return w.processUpdate(ctx, ev.Table, ev.Record)
	case OpDelete:
		return w.processDelete(ctx, ev.OldRecord)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (w *Worker) processInsert(ctx context.Context, table string, record map[string]any) error {
	id, err := rowID(record)
	if err != nil {
		return err
	}

	exists, err := w.store.HasEmbedding(ctx, id)
	if err != nil {
		return fmt.Errorf("checking embedding for %s: %w", id, err)
	}
	if exists {
		w.logger.Debug("embedding already present, skipping", "source_id", id)
		return nil
	}

	return w.embed(ctx, table, id, record)
}

func (w *Worker) processUpdate(ctx context.Context, table string, record map[string]any) error {
	id, err := rowID(record)
	if err != nil {
		return err
	}

	if err := w.store.DeleteEmbedding(ctx, id); err != nil {
		return fmt.Errorf("removing stale embedding for %s: %w", id, err)
	}
	return w.embed(ctx, table, id, record)
}

func (w *Worker) processDelete(ctx context.Context, oldRecord map[string]any) error {
	id, err := rowID(oldRecord)
	if err != nil {
		return err
	}

	if err := w.store.DeleteEmbedding(ctx, id); err != nil {
		return fmt.Errorf("removing embedding for %s: %w", id, err)
	}
	return nil
}

func (w *Worker) embed(ctx context.Context, table, sourceID string, record map[string]any) error {
	text := RowText(record)
	if text == "" {
		w.logger.Warn("row has no embeddable text, skipping", "source_id", sourceID)
		return nil
	}

	vec, err := w.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding row %s: %w", sourceID, err)
	}

	rec := store.EmbeddingRecord{
		ID:          uuid.New().String(),
		SourceTable: table,
		SourceID:    sourceID,
		UserID:      stringField(record, "userId"),
		AccountID:   stringField(record, "accountId"),
		ChunkText:   text,
		Metadata:    map[string]any{"columns": record},
		Embedding:   vec,
	}
	if err := w.store.InsertEmbedding(ctx, rec); err != nil {
		return fmt.Errorf("inserting embedding for %s: %w", sourceID, err)
	}

	w.logger.Info("embedding stored", "source_id", sourceID)
	return nil
}

// Backfill embeds every transaction row that does not already have an
// embedding. Rows are processed concurrently with bounded parallelism;
// the first failure cancels the rest.
func (w *Worker) Backfill(ctx context.Context) (int, error) {
	rows, err := w.store.ListTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing transactions: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	done := make([]bool, len(rows))
	for i, row := range rows {
		g.Go(func() error {
			id, err := rowID(row)
			if err != nil {
				return err
			}
			exists, err := w.store.HasEmbedding(gCtx, id)
			if err != nil {
				return fmt.Errorf("checking embedding for %s: %w", id, err)
			}
			if exists {
				return nil
			}
			if err := w.embed(gCtx, "transactions", id, row); err != nil {
				return err
			}
			done[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	count := 0
	for _, d := range done {
		if d {
			count++
		}
	}
	return count, nil
}

// RowText flattens a row into the text that gets embedded: the non-null
// column values joined with spaces, in column-name order so the same row
// always produces the same chunk.
func RowText(record map[string]any) string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := record[k]
		if v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprintf("%v", v))
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func rowID(record map[string]any) (string, error) {
	id, ok := record["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("event record has no id field")
	}
	return id, nil
}

func stringField(record map[string]any, key string) string {
	s, _ := record[key].(string)
	return s
}
