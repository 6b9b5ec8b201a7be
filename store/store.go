package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/lightrag/internal/errs"
)

func init() {
	sqlite_vec.Auto()
}

// Document status values.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Document represents a row in the documents table.
type Document struct {
	ID          string `json:"id"`
	ContentHash string `json:"content_hash"`
	Summary     string `json:"content_summary"`
	Length      int    `json:"content_length"`
	ChunkCount  int    `json:"chunk_count"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
	StartToken int    `json:"start_token"`
}

// Entity is a knowledge graph node with the chunks it was extracted from.
type Entity struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	SourceChunks []string `json:"source_chunk_ids"`
}

// Relation is a knowledge graph edge with the chunks it was extracted from.
type Relation struct {
	ID           int64    `json:"id"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	Keywords     string   `json:"keywords"`
	Description  string   `json:"description"`
	Weight       float64  `json:"weight"`
	SourceChunks []string `json:"source_chunk_ids"`
}

// QueryLog is an entry in the query audit log.
type QueryLog struct {
	QueryID   string
	Query     string
	Mode      string
	Answer    string
	Entities  int
	Relations int
	Chunks    int
	NoContext bool
	Latency   time.Duration
}

// DBStats holds row counts for the main tables.
type DBStats struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Entities   int `json:"entities"`
	Relations  int `json:"relations"`
	Embeddings int `json:"embeddings"`
}

// Store wraps the SQLite database holding the graph, the vector indexes,
// and the document registry of one working directory.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual tables. Reopening
// a database with a different embedding dimension fails.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, errs.Invalid("embedding dimension must be positive, got %d", embeddingDim)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, embeddingDim: embeddingDim}
	if err := s.checkDim(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if _, err := db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES ('embedding_dim', ?)", strconv.Itoa(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("recording embedding dim: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// checkDim compares the requested dimension with the one recorded when the
// database was created.
func (s *Store) checkDim(ctx context.Context) error {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'meta'").Scan(&exists)
	if err != nil || exists == 0 {
		return err
	}
	var v string
	err = s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'embedding_dim'").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading embedding dim: %w", err)
	}
	if v != strconv.Itoa(s.embeddingDim) {
		return errs.Invalid("store was created with embedding dimension %s, configured %d", v, s.embeddingDim)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocument inserts a document or updates its status fields.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content_hash, content_summary, content_length, chunk_count, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_summary = excluded.content_summary,
			content_length = excluded.content_length,
			chunk_count = excluded.chunk_count,
			status = excluded.status,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`, doc.ID, doc.ContentHash, doc.Summary, doc.Length, doc.ChunkCount, doc.Status, doc.Error)
	return err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	d := &Document{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content_hash, content_summary, content_length, chunk_count, status, error, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&d.ID, &d.ContentHash, &d.Summary, &d.Length, &d.ChunkCount, &d.Status, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDocuments returns all documents, oldest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_hash, content_summary, content_length, chunk_count, status, error, created_at, updated_at
		FROM documents ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.ContentHash, &d.Summary, &d.Length, &d.ChunkCount, &d.Status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus records the processing outcome of a document.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string, chunkCount int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, chunk_count = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, chunkCount, errMsg, id)
	return err
}

// --- Chunk operations ---

// InsertChunks stores chunks in a single transaction. Chunks that already
// exist are left untouched.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO chunks (id, document_id, chunk_index, content, token_count, start_token)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Index, c.Content, c.TokenCount, c.StartToken); err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// GetChunks returns the chunks with the given IDs in the order requested.
// Unknown IDs are skipped.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[string]Chunk, len(ids))
	for _, batch := range batches(ids, 500) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, document_id, chunk_index, content, token_count, start_token
			FROM chunks WHERE id IN (?`+repeatPlaceholders(len(batch)-1)+`)
		`, toArgs(batch)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var c Chunk
			if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.TokenCount, &c.StartToken); err != nil {
				rows.Close()
				return nil, err
			}
			byID[c.ID] = c
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	out := make([]Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// ChunksByDocument returns the chunks of a document in order.
func (s *Store) ChunksByDocument(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, content, token_count, start_token
		FROM chunks WHERE document_id = ? ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.TokenCount, &c.StartToken); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Query log ---

// LogQuery writes an entry to the query audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (query_id, query, mode, answer, entities, relations, chunks, no_context, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.QueryID, q.Query, q.Mode, q.Answer, q.Entities, q.Relations, q.Chunks, q.NoContext, q.Latency.Milliseconds())
	return err
}

// DBStats returns row counts of the main tables.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM relations", &stats.Relations},
		{"SELECT COUNT(*) FROM vector_entries", &stats.Embeddings},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	return strings.Repeat(", ?", n)
}

func toArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func batches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
