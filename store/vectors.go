package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/vector"
)

// VectorIndex is a vector.Index over one sqlite-vec table.
type VectorIndex struct {
	s     *Store
	ns    string
	table string
}

// VectorIndex returns the persistent index of a namespace.
func (s *Store) VectorIndex(namespace string) (*VectorIndex, error) {
	table, ok := vecTables[namespace]
	if !ok {
		return nil, errs.Invalid("unknown vector namespace %q", namespace)
	}
	return &VectorIndex{s: s, ns: namespace, table: table}, nil
}

func (v *VectorIndex) Dim() int { return v.s.embeddingDim }

// Namespace returns the namespace this index serves.
func (v *VectorIndex) Namespace() string { return v.ns }

func (v *VectorIndex) Len(ctx context.Context) (int, error) {
	var n int
	err := v.s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vector_entries WHERE namespace = ?", v.ns).Scan(&n)
	return n, err
}

// Add upserts entries. A re-added key keeps its entry id and therefore its
// position in tie breaks.
func (v *VectorIndex) Add(ctx context.Context, entries ...vector.Entry) error {
	if err := vector.CheckEntries(v.s.embeddingDim, entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return v.s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("encoding payload of %q: %w", e.Key, err)
			}
			if e.Payload == nil {
				payload = []byte("{}")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vector_entries (namespace, key, payload) VALUES (?, ?, ?)
				ON CONFLICT(namespace, key) DO UPDATE SET payload = excluded.payload
			`, v.ns, e.Key, string(payload)); err != nil {
				return fmt.Errorf("upserting vector entry %q: %w", e.Key, err)
			}

			var id int64
			if err := tx.QueryRowContext(ctx,
				"SELECT id FROM vector_entries WHERE namespace = ? AND key = ?", v.ns, e.Key,
			).Scan(&id); err != nil {
				return fmt.Errorf("reading vector entry id %q: %w", e.Key, err)
			}

			if _, err := tx.ExecContext(ctx, "DELETE FROM "+v.table+" WHERE entry_id = ?", id); err != nil {
				return fmt.Errorf("replacing embedding %q: %w", e.Key, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO "+v.table+" (entry_id, embedding) VALUES (?, ?)",
				id, serializeFloat32(e.Vector)); err != nil {
				return fmt.Errorf("inserting embedding %q: %w", e.Key, err)
			}
		}
		return nil
	})
}

// Search returns the topK entries closest to query, scored by cosine
// similarity. Equal distances are ordered by entry id, i.e. by first
// insertion. vec0's own KNN picks arbitrarily among equal distances, so the
// ranking is done in SQL with vec_distance_cosine over the same rows.
func (v *VectorIndex) Search(ctx context.Context, query []float32, topK int) ([]vector.Match, error) {
	if err := vector.CheckQuery(v.s.embeddingDim, query, topK); err != nil {
		return nil, err
	}

	rows, err := v.s.db.QueryContext(ctx, `
		SELECT ve.id, ve.key, ve.payload, vec_distance_cosine(t.embedding, ?) AS distance
		FROM `+v.table+` t JOIN vector_entries ve ON ve.id = t.entry_id
		WHERE ve.namespace = ?
		ORDER BY distance, ve.id
		LIMIT ?
	`, serializeFloat32(query), v.ns, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search %s: %w", v.ns, err)
	}
	defer rows.Close()

	var matches []vector.Match
	for rows.Next() {
		var (
			m        vector.Match
			payload  string
			distance float64
		)
		if err := rows.Scan(&m.Seq, &m.Key, &payload, &distance); err != nil {
			return nil, err
		}
		m.Score = 1 - distance
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
				return nil, fmt.Errorf("decoding payload of %q: %w", m.Key, err)
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return vector.Rank(matches, topK), nil
}

var _ vector.Index = (*VectorIndex)(nil)
