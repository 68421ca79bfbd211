package store

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var (
	_ Store          = (*SQLite)(nil)
	_ EmbeddingStore = (*SQLite)(nil)
)

// SQLite is a local store backend for development and tests: transactions
// and embeddings live in a single SQLite file, and similarity search is
// brute-force cosine over the tenant's vectors.
//
// SQL execution supports the SQLite dialect only; statements written for
// Postgres (date_trunc, EXTRACT, ILIKE) will not run here. Use the postgres
// or supabase backend for the full analytical path.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	amount      REAL NOT NULL,
	category    TEXT,
	description TEXT,
	date        TEXT,
	userId      TEXT NOT NULL,
	accountId   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS embeddings (
	id           TEXT PRIMARY KEY,
	source_table TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	chunk_text   TEXT,
	metadata     TEXT,
	embedding    BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_embeddings_source ON embeddings(source_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_tenant ON embeddings(user_id, account_id);
`

// OpenSQLite opens (or creates) the database in dataDir and ensures the
// schema exists. Pass ":memory:" for an in-memory database (used by tests).
func OpenSQLite(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "finq.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" and keeps temp views
	// session-consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ExecuteSQL runs the statement with "transactions" shadowed by a temp view
// holding only the tenant's rows, so the statement itself stays free of
// tenant predicates. The view is dropped before returning.
func (s *SQLite) ExecuteSQL(ctx context.Context, statement, userID, accountID string) ([]Row, error) {
	view := fmt.Sprintf(
		`CREATE TEMP VIEW transactions AS
		 SELECT id, type, amount, category, description, date
		 FROM main.transactions
		 WHERE userId = %s AND accountId = %s`,
		sqliteQuote(userID), sqliteQuote(accountID),
	)
	if _, err := s.db.ExecContext(ctx, view); err != nil {
		return nil, fmt.Errorf("creating scoped view: %w", err)
	}
	defer s.db.Exec(`DROP VIEW IF EXISTS temp.transactions`)

	rows, err := s.db.QueryContext(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("executing statement: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// scoredRow pairs a decoded embeddings row with its similarity score while
// the top-K heap is being built.
type scoredRow struct {
	rec   Record
	score float64
}

// scoredHeap is a min-heap by score, keeping the K best rows seen so far.
type scoredHeap []scoredRow

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(scoredRow)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MatchEmbeddings scans the tenant's vectors and returns the topK most
// similar by cosine similarity, most similar first.
func (s *SQLite) MatchEmbeddings(ctx context.Context, vector []float32, userID, accountID string, topK int) ([]Record, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_table, source_id, user_id, account_id, chunk_text, metadata, embedding
		FROM embeddings
		WHERE user_id = ? AND account_id = ?`, userID, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	h := &scoredHeap{}
	heap.Init(h)

	var buf []float32
	for rows.Next() {
		var rec Record
		var chunkText string
		var metadataJSON sql.NullString
		var blob []byte
		if err := rows.Scan(&rec.SourceTable, &rec.SourceID, &rec.UserID, &rec.AccountID, &chunkText, &metadataJSON, &blob); err != nil {
			return nil, fmt.Errorf("scanning embedding row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", rec.SourceID, err)
		}
		score := cosine(vector, buf, queryNorm)

		var metadata map[string]any
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for %s: %w", rec.SourceID, err)
			}
		}
		rec.Payload = PayloadFromMetadata(metadata, chunkText)
		rec.Score = score

		if h.Len() < topK {
			heap.Push(h, scoredRow{rec: rec, score: score})
		} else if score > (*h)[0].score {
			(*h)[0] = scoredRow{rec: rec, score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating embeddings: %w", err)
	}

	// Pop yields ascending scores; fill back-to-front for most-similar-first.
	results := make([]Record, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(scoredRow).rec
	}
	return results, nil
}

// HasEmbedding reports whether any embedding exists for the source row.
func (s *SQLite) HasEmbedding(ctx context.Context, sourceID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE source_id = ?`, sourceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking embedding for %s: %w", sourceID, err)
	}
	return count > 0, nil
}

// InsertEmbedding stores one embedding row.
func (s *SQLite) InsertEmbedding(ctx context.Context, rec EmbeddingRecord) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, source_table, source_id, user_id, account_id, chunk_text, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceTable, rec.SourceID, rec.UserID, rec.AccountID,
		rec.ChunkText, string(metadataJSON), encodeFloat32s(rec.Embedding))
	if err != nil {
		return fmt.Errorf("inserting embedding for %s: %w", rec.SourceID, err)
	}
	return nil
}

// DeleteEmbedding removes all embeddings for the source row.
func (s *SQLite) DeleteEmbedding(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("deleting embedding for %s: %w", sourceID, err)
	}
	return nil
}

// ListTransactions returns every transaction row across tenants.
func (s *SQLite) ListTransactions(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM main.transactions`)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// InsertTransaction seeds one transaction row. Development/test helper; the
// production data path writes transactions elsewhere and this store only
// mirrors them.
func (s *SQLite) InsertTransaction(ctx context.Context, row Row) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, type, amount, category, description, date, userId, accountId)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row["id"], row["type"], row["amount"], row["category"],
		row["description"], row["date"], row["userId"], row["accountId"])
	if err != nil {
		return fmt.Errorf("inserting transaction %v: %w", row["id"], err)
	}
	return nil
}

// sqliteQuote quotes a string literal for inline use in DDL, where
// parameters are not available.
func sqliteQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is precomputed for the
// query vector.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}
