// Package graph builds and queries the knowledge graph: entity and relation
// extraction, merge-on-duplicate upserts, traversal, and export.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/store"
)

// Options configures a Graph.
type Options struct {
	// Directed keeps (a, b) and (b, a) as distinct relations.
	Directed bool
	// Merger combines descriptions. Defaults to Concat without a cap.
	Merger Merger
}

// Graph is the knowledge graph persisted in a store. Upserts to the same
// entity name are serialized; upserts to different entities run in
// parallel.
type Graph struct {
	store    *store.Store
	merge    Merger
	directed bool
	locks    *keyedMutex
}

// New creates a Graph over s.
func New(s *store.Store, opts Options) *Graph {
	if opts.Merger == nil {
		opts.Merger = Concat{}
	}
	return &Graph{store: s, merge: opts.Merger, directed: opts.Directed, locks: newKeyedMutex()}
}

// Directed reports whether relations are directed.
func (g *Graph) Directed() bool { return g.directed }

// UpsertEntity creates the entity called name or merges into it: the
// description is merged, the chunk is added to the source set, and a
// placeholder type is replaced by a concrete one. Re-applying a chunk that
// is already in the source set changes nothing. It reports whether the
// entity changed.
func (g *Graph) UpsertEntity(ctx context.Context, name, typ, description, chunkID string) (bool, error) {
	name = NormalizeName(name)
	if name == "" {
		return false, errs.Invalid("entity name is empty")
	}
	unlock := g.locks.Lock(name)
	defer unlock()

	existing, err := g.store.GetEntity(ctx, name)
	if errors.Is(err, errs.ErrNotFound) {
		e := store.Entity{Name: name, Type: normalizeType(typ), Description: strings.TrimSpace(description)}
		if chunkID != "" {
			e.SourceChunks = []string{chunkID}
		}
		if err := g.store.InsertEntity(ctx, e); err != nil {
			return false, fmt.Errorf("graph: creating entity: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("graph: loading entity %q: %w", name, err)
	}
	if chunkID != "" && slices.Contains(existing.SourceChunks, chunkID) {
		return false, nil
	}

	updated := *existing
	if t := normalizeType(typ); existing.Type == store.PlaceholderType && t != store.PlaceholderType {
		updated.Type = t
	}
	fragments := splitFragments(existing.Description)
	if merged := appendFragment(fragments, description); len(merged) != len(fragments) {
		if updated.Description, err = g.merge.Merge(ctx, name, merged); err != nil {
			return false, err
		}
	}
	updated.SourceChunks = nil
	if chunkID != "" {
		updated.SourceChunks = []string{chunkID}
	}
	if err := g.store.UpdateEntity(ctx, updated); err != nil {
		return false, fmt.Errorf("graph: updating entity: %w", err)
	}
	return true, nil
}

// UpsertRelation creates or merges the relation between a and b. Weights
// accumulate, keywords are unioned, and descriptions are merged. Missing
// endpoints are created as placeholder entities carrying the chunk.
// Re-applying a chunk that is already in the source set changes nothing.
// It reports whether the relation changed.
func (g *Graph) UpsertRelation(ctx context.Context, a, b, keywords, description string, weight float64, chunkID string) (bool, error) {
	src, tgt, err := g.pair(a, b)
	if err != nil {
		return false, err
	}
	if weight <= 0 {
		weight = 1
	}
	unlock := g.locks.Lock(src, tgt)
	defer unlock()

	for _, n := range []string{src, tgt} {
		if _, err := g.store.EnsureEntity(ctx, n, chunkID); err != nil {
			return false, fmt.Errorf("graph: ensuring endpoint: %w", err)
		}
	}

	existing, err := g.store.GetRelation(ctx, src, tgt)
	if errors.Is(err, errs.ErrNotFound) {
		r := store.Relation{
			Source:      src,
			Target:      tgt,
			Keywords:    mergeKeywords("", keywords),
			Description: strings.TrimSpace(description),
			Weight:      weight,
		}
		if chunkID != "" {
			r.SourceChunks = []string{chunkID}
		}
		if _, err := g.store.InsertRelation(ctx, r); err != nil {
			return false, fmt.Errorf("graph: creating relation: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("graph: loading relation: %w", err)
	}
	if chunkID != "" && slices.Contains(existing.SourceChunks, chunkID) {
		return false, nil
	}

	updated := *existing
	updated.Weight += weight
	updated.Keywords = mergeKeywords(existing.Keywords, keywords)
	fragments := splitFragments(existing.Description)
	if merged := appendFragment(fragments, description); len(merged) != len(fragments) {
		if updated.Description, err = g.merge.Merge(ctx, RelationKey(src, tgt), merged); err != nil {
			return false, err
		}
	}
	updated.SourceChunks = nil
	if chunkID != "" {
		updated.SourceChunks = []string{chunkID}
	}
	if err := g.store.UpdateRelation(ctx, updated); err != nil {
		return false, fmt.Errorf("graph: updating relation: %w", err)
	}
	return true, nil
}

// pair normalizes endpoints and orders them for undirected graphs.
func (g *Graph) pair(a, b string) (string, string, error) {
	a, b = NormalizeName(a), NormalizeName(b)
	if a == "" || b == "" {
		return "", "", errs.Invalid("relation endpoint is empty")
	}
	if a == b {
		return "", "", errs.Invalid("relation %q is a self-loop", a)
	}
	if !g.directed && b < a {
		a, b = b, a
	}
	return a, b, nil
}

// Entity returns the entity called name.
func (g *Graph) Entity(ctx context.Context, name string) (*store.Entity, error) {
	return g.store.GetEntity(ctx, NormalizeName(name))
}

// Relation returns the relation between a and b.
func (g *Graph) Relation(ctx context.Context, a, b string) (*store.Relation, error) {
	src, tgt, err := g.pair(a, b)
	if err != nil {
		return nil, err
	}
	return g.store.GetRelation(ctx, src, tgt)
}

// Degree returns the number of relations touching name.
func (g *Graph) Degree(ctx context.Context, name string) (int, error) {
	name = NormalizeName(name)
	d, err := g.store.Degrees(ctx, []string{name})
	if err != nil {
		return 0, err
	}
	return d[name], nil
}

// Degrees returns the degree of every name.
func (g *Graph) Degrees(ctx context.Context, names []string) (map[string]int, error) {
	return g.store.Degrees(ctx, names)
}

// Verify checks that every relation endpoint exists. A violation is
// reported as errs.ErrConsistency.
func (g *Graph) Verify(ctx context.Context) error {
	n, err := g.store.DanglingRelations(ctx)
	if err != nil {
		return fmt.Errorf("graph: verifying: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %d relations reference missing entities", errs.ErrConsistency, n)
	}
	return nil
}

// Stats returns entity and relation counts.
func (g *Graph) Stats(ctx context.Context) (entities, relations int, err error) {
	s, err := g.store.DBStats(ctx)
	if err != nil {
		return 0, 0, err
	}
	return s.Entities, s.Relations, nil
}
