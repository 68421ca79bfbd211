package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	_ Store          = (*Postgres)(nil)
	_ EmbeddingStore = (*Postgres)(nil)
)

// Postgres is a direct-connection store for a Supabase (or plain Postgres +
// pgvector) database, bypassing PostgREST. Tenant scoping for SQL execution
// is injected here by running the statement against a temporary view that
// pre-filters the transactions table to the tenant's rows.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects using the given DSN and verifies the connection.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// ExecuteSQL runs the statement inside a transaction where "transactions"
// resolves to a temp view holding only the tenant's rows. The statement
// therefore needs (and must carry) no tenant predicates. The transaction is
// always rolled back, which also discards the view.
func (s *Postgres) ExecuteSQL(ctx context.Context, statement, userID, accountID string) ([]Row, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	view := fmt.Sprintf(
		`CREATE TEMP VIEW transactions AS
		 SELECT id, type, amount, category, description, date
		 FROM public.transactions
		 WHERE "userId" = %s AND "accountId" = %s`,
		pq.QuoteLiteral(userID), pq.QuoteLiteral(accountID),
	)
	if _, err := tx.ExecContext(ctx, view); err != nil {
		return nil, fmt.Errorf("creating scoped view: %w", err)
	}

	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("executing statement: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// MatchEmbeddings runs tenant-filtered cosine similarity search over the
// embeddings table using pgvector ordering.
func (s *Postgres) MatchEmbeddings(ctx context.Context, vector []float32, userID, accountID string, topK int) ([]Record, error) {
	const query = `
		SELECT source_table, source_id, user_id, account_id, chunk_text, metadata,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM embeddings
		WHERE user_id = $2 AND account_id = $3
		ORDER BY embedding <=> $1::vector
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, VectorLiteral(vector), userID, accountID, topK)
	if err != nil {
		return nil, fmt.Errorf("matching embeddings: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var chunkText string
		var metadataJSON []byte
		if err := rows.Scan(&rec.SourceTable, &rec.SourceID, &rec.UserID, &rec.AccountID, &chunkText, &metadataJSON, &rec.Score); err != nil {
			return nil, fmt.Errorf("scanning match row: %w", err)
		}

		var metadata map[string]any
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for %s: %w", rec.SourceID, err)
			}
		}
		rec.Payload = PayloadFromMetadata(metadata, chunkText)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HasEmbedding reports whether any embedding exists for the source row.
func (s *Postgres) HasEmbedding(ctx context.Context, sourceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM embeddings WHERE source_id = $1)`, sourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking embedding for %s: %w", sourceID, err)
	}
	return exists, nil
}

// InsertEmbedding stores one embedding row.
func (s *Postgres) InsertEmbedding(ctx context.Context, rec EmbeddingRecord) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, source_table, source_id, user_id, account_id, chunk_text, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)`,
		rec.ID, rec.SourceTable, rec.SourceID, rec.UserID, rec.AccountID,
		rec.ChunkText, metadataJSON, VectorLiteral(rec.Embedding))
	if err != nil {
		return fmt.Errorf("inserting embedding for %s: %w", rec.SourceID, err)
	}
	return nil
}

// DeleteEmbedding removes all embeddings for the source row.
func (s *Postgres) DeleteEmbedding(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("deleting embedding for %s: %w", sourceID, err)
	}
	return nil
}

// ListTransactions returns every row of the transactions table.
func (s *Postgres) ListTransactions(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM public.transactions`)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// scanRows converts a generic result set into []Row, stringifying byte
// slices so JSON rendering stays readable.
func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			case time.Time:
				row[col] = v.Format(time.RFC3339)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
