package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/store"
	"github.com/brunobiangulo/lightrag/vector"
)

// defaultConcurrency is the default number of chunks extracted in parallel.
const defaultConcurrency = 4

// Builder constructs the knowledge graph from document chunks and keeps
// the entity and relation vector indexes in step with it.
type Builder struct {
	graph       *Graph
	extractor   *Extractor
	embed       llm.Embedder
	entities    vector.Index
	relations   vector.Index
	concurrency int
}

// NewBuilder creates a new graph builder. concurrency bounds how many
// chunks are extracted at once.
func NewBuilder(g *Graph, x *Extractor, embed llm.Embedder, entities, relations vector.Index, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Builder{
		graph:       g,
		extractor:   x,
		embed:       embed,
		entities:    entities,
		relations:   relations,
		concurrency: concurrency,
	}
}

// BuildStats summarises one Build call.
type BuildStats struct {
	Chunks    int // chunks processed
	Skipped   int // chunks whose extraction output could not be parsed
	Entities  int // entities extracted and indexed
	Relations int // relations extracted and indexed
}

// touched collects the graph elements extracted during a build.
type touched struct {
	mu        sync.Mutex
	entities  map[string]bool
	relations map[[2]string]bool
}

func (t *touched) entity(name string) {
	t.mu.Lock()
	t.entities[name] = true
	t.mu.Unlock()
}

func (t *touched) relation(src, tgt string) {
	t.mu.Lock()
	t.relations[[2]string{src, tgt}] = true
	t.entities[src] = true
	t.entities[tgt] = true
	t.mu.Unlock()
}

// Build extracts entities and relationships from chunks, merges them into
// the graph, and embeds everything that changed. Chunks with unparsable
// extraction output are logged and skipped; any other failure aborts the
// build.
func (b *Builder) Build(ctx context.Context, chunks []store.Chunk) (*BuildStats, error) {
	stats := &BuildStats{Chunks: len(chunks)}
	if len(chunks) == 0 {
		return stats, nil
	}

	slog.Info("graph: processing chunks", "total", len(chunks), "concurrency", b.concurrency)

	var (
		changed    = &touched{entities: make(map[string]bool), relations: make(map[[2]string]bool)}
		skipped    atomic.Int64
		completed  atomic.Int64
		buildStart = time.Now()
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, chunk := range chunks {
		g.Go(func() error {
			chunkStart := time.Now()
			err := b.processChunk(gctx, chunk, changed)
			if errors.Is(err, errs.ErrExtractionParse) {
				slog.Warn("graph: skipping chunk with unparsable extraction",
					"chunk", chunk.ID, "error", err)
				skipped.Add(1)
				return nil
			}
			if err != nil {
				return fmt.Errorf("chunk %s: %w", chunk.ID, err)
			}
			n := completed.Add(1)
			slog.Debug("graph: chunk processed",
				"progress", fmt.Sprintf("%d/%d", n, len(chunks)),
				"chunk", chunk.ID,
				"elapsed", time.Since(chunkStart).Round(time.Millisecond))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("graph.Build: %w", err)
	}
	stats.Skipped = int(skipped.Load())

	if err := b.indexEntities(ctx, changed.entities); err != nil {
		return nil, err
	}
	if err := b.indexRelations(ctx, changed.relations); err != nil {
		return nil, err
	}
	stats.Entities = len(changed.entities)
	stats.Relations = len(changed.relations)

	slog.Info("graph: build complete",
		"chunks", stats.Chunks, "skipped", stats.Skipped,
		"entities", stats.Entities, "relations", stats.Relations,
		"elapsed", time.Since(buildStart).Round(time.Millisecond))
	return stats, nil
}

// processChunk extracts one chunk and persists the results. Entities go
// first so relation endpoints carry their real type and description.
func (b *Builder) processChunk(ctx context.Context, chunk store.Chunk, changed *touched) error {
	result, err := b.extractor.Extract(ctx, chunk.Content)
	if err != nil {
		return err
	}

	// Unchanged elements are still re-indexed so that a document whose
	// previous run failed before embedding ends up searchable.
	for _, e := range result.Entities {
		if _, err := b.graph.UpsertEntity(ctx, e.Name, e.Type, e.Description, chunk.ID); err != nil {
			return err
		}
		changed.entity(e.Name)
	}

	for _, r := range result.Relationships {
		if _, err := b.graph.UpsertRelation(ctx, r.Source, r.Target, r.Keywords, r.Description, r.Strength, chunk.ID); err != nil {
			return err
		}
		src, tgt, _ := b.graph.pair(r.Source, r.Target)
		changed.relation(src, tgt)
	}
	return nil
}

// EntityText is the text embedded for an entity.
func EntityText(e store.Entity) string {
	return e.Name + "\n" + e.Description
}

// RelationText is the text embedded for a relation.
func RelationText(r store.Relation) string {
	return r.Keywords + "\n" + r.Source + "\n" + r.Target + "\n" + r.Description
}

func (b *Builder) indexEntities(ctx context.Context, set map[string]bool) error {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	slices.Sort(names)

	entities, err := b.graph.store.GetEntities(ctx, names)
	if err != nil {
		return fmt.Errorf("graph: loading entities to embed: %w", err)
	}
	texts := make([]string, len(entities))
	for i, e := range entities {
		texts[i] = EntityText(e)
	}
	vecs, err := b.embed.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("graph: embedding entities: %w", err)
	}
	entries := make([]vector.Entry, len(entities))
	for i, e := range entities {
		entries[i] = vector.Entry{Key: e.Name, Vector: vecs[i], Payload: map[string]string{"type": e.Type}}
	}
	if err := b.entities.Add(ctx, entries...); err != nil {
		return fmt.Errorf("graph: indexing entities: %w", err)
	}
	return nil
}

func (b *Builder) indexRelations(ctx context.Context, set map[[2]string]bool) error {
	if len(set) == 0 {
		return nil
	}
	pairs := make([][2]string, 0, len(set))
	for p := range set {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(a, b [2]string) int {
		if c := cmp.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return cmp.Compare(a[1], b[1])
	})

	rels := make([]store.Relation, 0, len(pairs))
	for _, p := range pairs {
		r, err := b.graph.store.GetRelation(ctx, p[0], p[1])
		if err != nil {
			return fmt.Errorf("graph: loading relation to embed: %w", err)
		}
		rels = append(rels, *r)
	}
	texts := make([]string, len(rels))
	for i, r := range rels {
		texts[i] = RelationText(r)
	}
	vecs, err := b.embed.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("graph: embedding relations: %w", err)
	}
	entries := make([]vector.Entry, len(rels))
	for i, r := range rels {
		entries[i] = vector.Entry{
			Key:     RelationKey(r.Source, r.Target),
			Vector:  vecs[i],
			Payload: map[string]string{"source": r.Source, "target": r.Target},
		}
	}
	if err := b.relations.Add(ctx, entries...); err != nil {
		return fmt.Errorf("graph: indexing relations: %w", err)
	}
	return nil
}
