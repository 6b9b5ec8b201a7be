// Package retrieval builds query context from the chunk, entity and
// relation indexes and the knowledge graph. Each mode is deterministic:
// equal scores are ordered by key.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/lightrag/graph"
	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/store"
	"github.com/brunobiangulo/lightrag/tokenizer"
	"github.com/brunobiangulo/lightrag/vector"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	Naive  Mode = "naive"
	Local  Mode = "local"
	Global Mode = "global"
	Hybrid Mode = "hybrid"
)

// neighborDiscount scales the similarity of entities reached by expansion
// rather than by search.
const neighborDiscount = 0.5

// ParseMode validates a mode name. The empty string means hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case Naive, Local, Global, Hybrid:
		return m, nil
	case "":
		return Hybrid, nil
	}
	return "", errs.Invalid("unknown query mode %q", s)
}

// Params tunes one retrieval.
type Params struct {
	Mode                     Mode
	TopK                     int
	MaxTokenForTextUnit      int
	MaxTokenForLocalContext  int
	MaxTokenForGlobalContext int
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.TopK <= 0 {
		return errs.Invalid("top_k must be positive, got %d", p.TopK)
	}
	for name, v := range map[string]int{
		"max_token_for_text_unit":      p.MaxTokenForTextUnit,
		"max_token_for_local_context":  p.MaxTokenForLocalContext,
		"max_token_for_global_context": p.MaxTokenForGlobalContext,
	} {
		if v <= 0 {
			return errs.Invalid("%s must be positive, got %d", name, v)
		}
	}
	return nil
}

// Config holds retriever configuration.
type Config struct {
	// SimilarityWeight and DegreeWeight combine vector similarity with
	// normalized graph degree. Defaults 0.7 and 0.3.
	SimilarityWeight float64
	DegreeWeight     float64
	// KeywordExtraction asks the completion model for high- and low-level
	// keywords before the local and global searches.
	KeywordExtraction bool
	Model             string
}

// Indexes groups the three vector namespaces.
type Indexes struct {
	Chunks    vector.Index
	Entities  vector.Index
	Relations vector.Index
}

// Retriever runs retrieval modes against a store.
type Retriever struct {
	store *store.Store
	graph *graph.Graph
	idx   Indexes
	embed llm.Embedder
	chat  llm.Chatter
	tok   tokenizer.Tokenizer
	cfg   Config
}

// New creates a retriever. chat is only used for keyword extraction and
// may be nil when it is disabled.
func New(s *store.Store, g *graph.Graph, idx Indexes, embed llm.Embedder, chat llm.Chatter, tok tokenizer.Tokenizer, cfg Config) *Retriever {
	if cfg.SimilarityWeight == 0 && cfg.DegreeWeight == 0 {
		cfg.SimilarityWeight, cfg.DegreeWeight = 0.7, 0.3
	}
	if tok == nil {
		tok = tokenizer.Words{}
	}
	return &Retriever{store: s, graph: g, idx: idx, embed: embed, chat: chat, tok: tok, cfg: cfg}
}

// Retrieve builds the context for query.
func (r *Retriever) Retrieve(ctx context.Context, query string, p Params) (*Context, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Invalid("query is empty")
	}
	mode, err := ParseMode(string(p.Mode))
	if err != nil {
		return nil, err
	}
	p.Mode = mode
	if err := p.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	var out *Context
	switch mode {
	case Naive:
		out, err = r.naive(ctx, query, p)
	case Local, Global:
		kw := r.keywords(ctx, query)
		if mode == Local {
			out, err = r.local(ctx, kw.LowLevelQuery(query), p)
		} else {
			out, err = r.global(ctx, kw.HighLevelQuery(query), p)
		}
		if out != nil {
			out.Keywords = kw
		}
	case Hybrid:
		out, err = r.hybrid(ctx, query, p)
	}
	if err != nil {
		return nil, err
	}
	out.Mode = mode
	r.truncate(out, p)

	slog.Debug("retrieval: context built",
		"mode", mode,
		"entities", len(out.Entities),
		"relations", len(out.Relations),
		"chunks", len(out.Chunks),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := r.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 query vector, got %d", errs.ErrEmbedding, len(vecs))
	}
	return vecs[0], nil
}

// naive searches the chunk index directly.
func (r *Retriever) naive(ctx context.Context, query string, p Params) (*Context, error) {
	qv, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := r.idx.Chunks.Search(ctx, qv, p.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: chunk search: %w", err)
	}
	scores := make(map[string]float64, len(matches))
	for _, m := range matches {
		scores[m.Key] = m.Score
	}
	chunks, err := r.loadChunks(ctx, scores)
	if err != nil {
		return nil, err
	}
	return &Context{Chunks: chunks}, nil
}

// local seeds on the entities most similar to query, then expands them one
// hop through the graph.
func (r *Retriever) local(ctx context.Context, query string, p Params) (*Context, error) {
	qv, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := r.idx.Entities.Search(ctx, qv, p.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: entity search: %w", err)
	}
	if len(matches) == 0 {
		return &Context{}, nil
	}

	sim := make(map[string]float64, len(matches))
	seeds := make([]string, 0, len(matches))
	for _, m := range matches {
		sim[m.Key] = m.Score
		seeds = append(seeds, m.Key)
	}

	sub, err := r.graph.Expand(ctx, seeds, 1)
	if err != nil {
		return nil, fmt.Errorf("retrieval: expanding entities: %w", err)
	}
	names := make([]string, 0, len(sub.Entities))
	for _, e := range sub.Entities {
		names = append(names, e.Name)
	}
	degrees, err := r.graph.Degrees(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("retrieval: loading degrees: %w", err)
	}

	// Neighbours take a discounted similarity of the best seed they touch.
	near := make(map[string]float64)
	for _, rel := range sub.Relations {
		near[rel.Source] = max(near[rel.Source], sim[rel.Target]*neighborDiscount)
		near[rel.Target] = max(near[rel.Target], sim[rel.Source]*neighborDiscount)
	}
	out := &Context{}
	for _, e := range sub.Entities {
		s, ok := sim[e.Name]
		if !ok {
			s = near[e.Name]
		}
		out.Entities = append(out.Entities, ScoredEntity{Entity: e, Similarity: s, Degree: degrees[e.Name]})
	}
	for _, rel := range sub.Relations {
		// Relations inherit the similarity of the seed they hang off.
		s := max(sim[rel.Source], sim[rel.Target])
		out.Relations = append(out.Relations, ScoredRelation{
			Relation:   rel,
			Similarity: s,
			Degree:     degrees[rel.Source] + degrees[rel.Target],
		})
	}
	r.scoreAndSort(out)

	chunkScores := make(map[string]float64)
	for _, e := range out.Entities {
		cite(chunkScores, e.SourceChunks, e.Score)
	}
	for _, rel := range out.Relations {
		cite(chunkScores, rel.SourceChunks, rel.Score)
	}
	if out.Chunks, err = r.loadChunks(ctx, chunkScores); err != nil {
		return nil, err
	}
	return out, nil
}

// global seeds on the relations most similar to query and pulls in their
// endpoints.
func (r *Retriever) global(ctx context.Context, query string, p Params) (*Context, error) {
	qv, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := r.idx.Relations.Search(ctx, qv, p.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: relation search: %w", err)
	}
	if len(matches) == 0 {
		return &Context{}, nil
	}

	out := &Context{}
	var names []string
	for _, m := range matches {
		src, tgt := m.Payload["source"], m.Payload["target"]
		rel, err := r.store.GetRelation(ctx, src, tgt)
		if errors.Is(err, errs.ErrNotFound) {
			slog.Warn("retrieval: indexed relation missing from graph", "key", m.Key)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("retrieval: loading relation: %w", err)
		}
		out.Relations = append(out.Relations, ScoredRelation{Relation: *rel, Similarity: m.Score})
		names = append(names, src, tgt)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	degrees, err := r.graph.Degrees(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("retrieval: loading degrees: %w", err)
	}
	entities, err := r.store.GetEntities(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("retrieval: loading entities: %w", err)
	}

	// Endpoints inherit the best similarity of the relations citing them.
	sim := make(map[string]float64, len(names))
	for i := range out.Relations {
		rel := &out.Relations[i]
		rel.Degree = degrees[rel.Source] + degrees[rel.Target]
		sim[rel.Source] = max(sim[rel.Source], rel.Similarity)
		sim[rel.Target] = max(sim[rel.Target], rel.Similarity)
	}
	for _, e := range entities {
		out.Entities = append(out.Entities, ScoredEntity{Entity: e, Similarity: sim[e.Name], Degree: degrees[e.Name]})
	}
	r.scoreAndSort(out)

	chunkScores := make(map[string]float64)
	for _, rel := range out.Relations {
		cite(chunkScores, rel.SourceChunks, rel.Score)
	}
	if out.Chunks, err = r.loadChunks(ctx, chunkScores); err != nil {
		return nil, err
	}
	return out, nil
}

// hybrid runs local and global concurrently and merges their results.
func (r *Retriever) hybrid(ctx context.Context, query string, p Params) (*Context, error) {
	kw := r.keywords(ctx, query)

	var local, global *Context
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		local, err = r.local(gctx, kw.LowLevelQuery(query), p)
		return err
	})
	g.Go(func() error {
		var err error
		global, err = r.global(gctx, kw.HighLevelQuery(query), p)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := r.merge(local, global)
	out.Keywords = kw
	return out, nil
}

// loadChunks fetches the chunks named in scores and orders them by score,
// then id.
func (r *Retriever) loadChunks(ctx context.Context, scores map[string]float64) ([]ScoredChunk, error) {
	if len(scores) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	chunks, err := r.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieval: loading chunks: %w", err)
	}
	out := make([]ScoredChunk, len(chunks))
	for i, c := range chunks {
		out[i] = ScoredChunk{Chunk: c, Score: scores[c.ID]}
	}
	sortChunks(out)
	return out, nil
}

// cite raises the score of every chunk in ids to at least score.
func cite(scores map[string]float64, ids []string, score float64) {
	for _, id := range ids {
		if s, ok := scores[id]; !ok || score > s {
			scores[id] = score
		}
	}
}

// truncate applies the token budgets of p.
func (r *Retriever) truncate(c *Context, p Params) {
	c.Entities = tokenizer.TruncateList(r.tok, c.Entities, p.MaxTokenForLocalContext, entityRow)
	c.Relations = tokenizer.TruncateList(r.tok, c.Relations, p.MaxTokenForGlobalContext, relationRow)
	c.Chunks = tokenizer.TruncateList(r.tok, c.Chunks, p.MaxTokenForTextUnit, func(ch ScoredChunk) string { return ch.Content })
}
