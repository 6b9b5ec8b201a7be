package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/brunobiangulo/lightrag/internal/errs"
)

// PlaceholderType is the type of entities created only because a relation
// referenced them.
const PlaceholderType = "unknown"

// --- Entity operations ---

// GetEntity returns the entity called name, or an error wrapping
// errs.ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, name string) (*Entity, error) {
	e := &Entity{}
	err := s.db.QueryRowContext(ctx,
		"SELECT name, entity_type, description FROM entities WHERE name = ?", name,
	).Scan(&e.Name, &e.Type, &e.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %q: %w", name, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	chunks, err := s.entityChunks(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	e.SourceChunks = chunks[name]
	return e, nil
}

// GetEntities returns the named entities that exist, in the order requested.
func (s *Store) GetEntities(ctx context.Context, names []string) ([]Entity, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := make(map[string]Entity, len(names))
	for _, batch := range batches(names, 500) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT name, entity_type, description FROM entities WHERE name IN (?"+repeatPlaceholders(len(batch)-1)+")",
			toArgs(batch)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var e Entity
			if err := rows.Scan(&e.Name, &e.Type, &e.Description); err != nil {
				rows.Close()
				return nil, err
			}
			byName[e.Name] = e
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	chunks, err := s.entityChunks(ctx, names)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(byName))
	for _, n := range names {
		if e, ok := byName[n]; ok {
			e.SourceChunks = chunks[n]
			out = append(out, e)
			delete(byName, n)
		}
	}
	return out, nil
}

// InsertEntity creates an entity and links its source chunks.
func (s *Store) InsertEntity(ctx context.Context, e Entity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO entities (name, entity_type, description) VALUES (?, ?, ?)",
			e.Name, e.Type, e.Description); err != nil {
			return fmt.Errorf("inserting entity %q: %w", e.Name, err)
		}
		return linkEntityChunks(ctx, tx, e.Name, e.SourceChunks)
	})
}

// UpdateEntity overwrites type and description and adds any new source
// chunks. Existing links are kept.
func (s *Store) UpdateEntity(ctx context.Context, e Entity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE entities SET entity_type = ?, description = ?, updated_at = CURRENT_TIMESTAMP
			WHERE name = ?
		`, e.Type, e.Description, e.Name)
		if err != nil {
			return fmt.Errorf("updating entity %q: %w", e.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("entity %q: %w", e.Name, errs.ErrNotFound)
		}
		return linkEntityChunks(ctx, tx, e.Name, e.SourceChunks)
	})
}

// EnsureEntity creates a placeholder entity carrying chunkID if name does
// not exist yet. It reports whether the entity was created; an existing
// entity is left untouched.
func (s *Store) EnsureEntity(ctx context.Context, name, chunkID string) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO entities (name, entity_type) VALUES (?, ?)",
			name, PlaceholderType)
		if err != nil {
			return fmt.Errorf("ensuring entity %q: %w", name, err)
		}
		n, _ := res.RowsAffected()
		if created = n > 0; !created || chunkID == "" {
			return nil
		}
		return linkEntityChunks(ctx, tx, name, []string{chunkID})
	})
	return created, err
}

// AllEntities returns every entity ordered by name.
func (s *Store) AllEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, entity_type, description FROM entities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Name, &e.Type, &e.Description); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func linkEntityChunks(ctx context.Context, q querier, name string, chunkIDs []string) error {
	for _, id := range chunkIDs {
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO entity_chunks (entity_name, chunk_id) VALUES (?, ?)",
			name, id); err != nil {
			return fmt.Errorf("linking entity %q to chunk %s: %w", name, id, err)
		}
	}
	return nil
}

// entityChunks returns source chunk ids per entity in link order.
func (s *Store) entityChunks(ctx context.Context, names []string) (map[string][]string, error) {
	out := make(map[string][]string, len(names))
	for _, batch := range batches(names, 500) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT entity_name, chunk_id FROM entity_chunks WHERE entity_name IN (?"+repeatPlaceholders(len(batch)-1)+") ORDER BY rowid",
			toArgs(batch)...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var name, id string
			if err := rows.Scan(&name, &id); err != nil {
				rows.Close()
				return nil, err
			}
			out[name] = append(out[name], id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// --- Relation operations ---

const relationColumns = "id, source, target, keywords, description, weight"

func scanRelation(sc interface{ Scan(...any) error }) (Relation, error) {
	var r Relation
	err := sc.Scan(&r.ID, &r.Source, &r.Target, &r.Keywords, &r.Description, &r.Weight)
	return r, err
}

// GetRelation returns the relation stored under (source, target).
func (s *Store) GetRelation(ctx context.Context, source, target string) (*Relation, error) {
	r, err := scanRelation(s.db.QueryRowContext(ctx,
		"SELECT "+relationColumns+" FROM relations WHERE source = ? AND target = ?", source, target))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("relation %q -> %q: %w", source, target, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachRelationChunks(ctx, []*Relation{&r}); err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertRelation creates a relation and links its source chunks. Both
// endpoints must already exist.
func (s *Store) InsertRelation(ctx context.Context, r Relation) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO relations (source, target, keywords, description, weight)
			VALUES (?, ?, ?, ?, ?)
		`, r.Source, r.Target, r.Keywords, r.Description, r.Weight)
		if err != nil {
			return fmt.Errorf("inserting relation %q -> %q: %w", r.Source, r.Target, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return linkRelationChunks(ctx, tx, id, r.SourceChunks)
	})
	return id, err
}

// UpdateRelation overwrites keywords, description and weight and adds any
// new source chunks.
func (s *Store) UpdateRelation(ctx context.Context, r Relation) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE relations SET keywords = ?, description = ?, weight = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, r.Keywords, r.Description, r.Weight, r.ID); err != nil {
			return fmt.Errorf("updating relation %d: %w", r.ID, err)
		}
		return linkRelationChunks(ctx, tx, r.ID, r.SourceChunks)
	})
}

// RelationsOf returns every relation touching one of names, ordered by id.
func (s *Store) RelationsOf(ctx context.Context, names []string) ([]Relation, error) {
	if len(names) == 0 {
		return nil, nil
	}
	seen := make(map[int64]bool)
	var rels []Relation
	for _, batch := range batches(names, 250) {
		ph := "?" + repeatPlaceholders(len(batch)-1)
		args := append(toArgs(batch), toArgs(batch)...)
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+relationColumns+" FROM relations WHERE source IN ("+ph+") OR target IN ("+ph+") ORDER BY id",
			args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			r, err := scanRelation(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			if !seen[r.ID] {
				seen[r.ID] = true
				rels = append(rels, r)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	if err := s.attachRelationChunks(ctx, ptrs(rels)); err != nil {
		return nil, err
	}
	return rels, nil
}

// GetRelationsByID returns relations by id in the order requested.
func (s *Store) GetRelationsByID(ctx context.Context, ids []int64) ([]Relation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[int64]Relation, len(ids))
	for start := 0; start < len(ids); start += 500 {
		batch := ids[start:min(start+500, len(ids))]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+relationColumns+" FROM relations WHERE id IN (?"+repeatPlaceholders(len(batch)-1)+")", args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			r, err := scanRelation(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			byID[r.ID] = r
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	out := make([]Relation, 0, len(byID))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	if err := s.attachRelationChunks(ctx, ptrs(out)); err != nil {
		return nil, err
	}
	return out, nil
}

// AllRelations returns every relation ordered by id.
func (s *Store) AllRelations(ctx context.Context) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+relationColumns+" FROM relations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// Degrees returns the number of relations touching each name. Names without
// relations map to zero.
func (s *Store) Degrees(ctx context.Context, names []string) (map[string]int, error) {
	out := make(map[string]int, len(names))
	for _, n := range names {
		out[n] = 0
	}
	for _, batch := range batches(names, 250) {
		ph := "?" + repeatPlaceholders(len(batch)-1)
		args := append(toArgs(batch), toArgs(batch)...)
		rows, err := s.db.QueryContext(ctx, `
			SELECT name, COUNT(*) FROM (
				SELECT source AS name FROM relations WHERE source IN (`+ph+`)
				UNION ALL
				SELECT target AS name FROM relations WHERE target IN (`+ph+`) AND target != source
			) GROUP BY name
		`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var name string
			var n int
			if err := rows.Scan(&name, &n); err != nil {
				rows.Close()
				return nil, err
			}
			out[name] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DanglingRelations counts relations whose endpoints are missing.
func (s *Store) DanglingRelations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relations r
		LEFT JOIN entities src ON src.name = r.source
		LEFT JOIN entities tgt ON tgt.name = r.target
		WHERE src.name IS NULL OR tgt.name IS NULL
	`).Scan(&n)
	return n, err
}

func linkRelationChunks(ctx context.Context, q querier, id int64, chunkIDs []string) error {
	for _, c := range chunkIDs {
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO relation_chunks (relation_id, chunk_id) VALUES (?, ?)",
			id, c); err != nil {
			return fmt.Errorf("linking relation %d to chunk %s: %w", id, c, err)
		}
	}
	return nil
}

func (s *Store) attachRelationChunks(ctx context.Context, rels []*Relation) error {
	if len(rels) == 0 {
		return nil
	}
	byID := make(map[int64]*Relation, len(rels))
	args := make([]any, 0, len(rels))
	for _, r := range rels {
		byID[r.ID] = r
		args = append(args, r.ID)
	}
	for start := 0; start < len(args); start += 500 {
		batch := args[start:min(start+500, len(args))]
		rows, err := s.db.QueryContext(ctx,
			"SELECT relation_id, chunk_id FROM relation_chunks WHERE relation_id IN (?"+repeatPlaceholders(len(batch)-1)+") ORDER BY rowid",
			batch...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			var c string
			if err := rows.Scan(&id, &c); err != nil {
				rows.Close()
				return err
			}
			byID[id].SourceChunks = append(byID[id].SourceChunks, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

func ptrs(rels []Relation) []*Relation {
	out := make([]*Relation, len(rels))
	for i := range rels {
		out[i] = &rels[i]
	}
	return out
}
