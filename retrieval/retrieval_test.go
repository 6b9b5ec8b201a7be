//go:build cgo

package retrieval

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lightrag/graph"
	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/llm/llmtest"
	"github.com/brunobiangulo/lightrag/store"
	"github.com/brunobiangulo/lightrag/vector"
)

const dim = 16

func aliceBobAcme(llm.ChatRequest) (string, error) {
	return llmtest.Extraction(
		[]llmtest.Entity{
			{Name: "Alice", Type: "person", Description: "Alice is an engineer who works with Bob."},
			{Name: "Bob", Type: "person", Description: "Bob is a designer who works with Alice."},
			{Name: "Acme", Type: "organization", Description: "Acme is a company that employs Alice."},
		},
		[]llmtest.Relation{
			{Source: "Alice", Target: "Bob", Description: "Alice works with Bob.", Keywords: "collaboration", Strength: 8},
			{Source: "Alice", Target: "Acme", Description: "Alice is employed by Acme.", Keywords: "employment", Strength: 7},
		},
	), nil
}

type fixture struct {
	store *store.Store
	graph *graph.Graph
	idx   Indexes
	embed *llmtest.Embedder
}

// newFixture builds a graph from texts. With no texts the corpus is empty.
func newFixture(t *testing.T, texts ...string) *fixture {
	t.Helper()
	return newFixtureWith(t, aliceBobAcme, texts...)
}

// newFixtureWith is newFixture with extraction answered by respond.
func newFixtureWith(t *testing.T, respond func(llm.ChatRequest) (string, error), texts ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), dim)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		graph: graph.New(s, graph.Options{}),
		idx: Indexes{
			Chunks:    vector.NewMemory(dim, vector.Cosine),
			Entities:  vector.NewMemory(dim, vector.Cosine),
			Relations: vector.NewMemory(dim, vector.Cosine),
		},
		embed: &llmtest.Embedder{Dim: dim},
	}
	if len(texts) == 0 {
		return f
	}

	require.NoError(t, s.UpsertDocument(ctx, store.Document{ID: "doc-1", ContentHash: "h1", Status: store.StatusProcessing}))
	chunks := make([]store.Chunk, len(texts))
	entries := make([]vector.Entry, len(texts))
	for i, text := range texts {
		chunks[i] = store.Chunk{ID: "chunk-" + string(rune('a'+i)), DocumentID: "doc-1", Index: i, Content: text}
		entries[i] = vector.Entry{Key: chunks[i].ID, Vector: llmtest.Vector(text, dim)}
	}
	require.NoError(t, s.InsertChunks(ctx, chunks))
	require.NoError(t, f.idx.Chunks.Add(ctx, entries...))

	x := graph.NewExtractor(&llmtest.Chat{Respond: respond}, graph.ExtractorConfig{})
	b := graph.NewBuilder(f.graph, x, f.embed, f.idx.Entities, f.idx.Relations, 2)
	_, err = b.Build(ctx, chunks)
	require.NoError(t, err)
	return f
}

func (f *fixture) retriever(chat llm.Chatter, cfg Config) *Retriever {
	return New(f.store, f.graph, f.idx, f.embed, chat, nil, cfg)
}

func params(mode Mode) Params {
	return Params{Mode: mode, TopK: 10, MaxTokenForTextUnit: 4000, MaxTokenForLocalContext: 4000, MaxTokenForGlobalContext: 4000}
}

func entityNames(c *Context) []string {
	var out []string
	for _, e := range c.Entities {
		out = append(out, e.Name)
	}
	return out
}

// ---------------------------------------------------------------------------
// Modes
// ---------------------------------------------------------------------------

func TestLocalFindsNeighbors(t *testing.T) {
	f := newFixture(t, "Alice works with Bob at Acme.")
	r := f.retriever(nil, Config{})

	c, err := r.Retrieve(context.Background(), "Who works with Alice?", params(Local))
	require.NoError(t, err)
	assert.Equal(t, Local, c.Mode)
	assert.Contains(t, entityNames(c), "bob")

	var keys []string
	for _, rel := range c.Relations {
		keys = append(keys, rel.Key())
	}
	assert.Contains(t, keys, graph.RelationKey("alice", "bob"))
	require.NotEmpty(t, c.Chunks)
	assert.Equal(t, "chunk-a", c.Chunks[0].ID)
	assert.Contains(t, c.Render(), "bob")
}

func TestLocalCitesNeighborChunks(t *testing.T) {
	// bob is alice's only neighbour; chunk-b mentions bob but not alice.
	respond := func(req llm.ChatRequest) (string, error) {
		if strings.Contains(req.Messages[0].Content, "Paris") {
			return llmtest.Extraction(
				[]llmtest.Entity{
					{Name: "Bob", Type: "person", Description: "Bob is a designer."},
					{Name: "Paris", Type: "location", Description: "Paris is a city."},
				},
				[]llmtest.Relation{{Source: "Bob", Target: "Paris", Description: "Bob moved to Paris.", Keywords: "relocation", Strength: 6}},
			), nil
		}
		return llmtest.Extraction(
			[]llmtest.Entity{
				{Name: "Alice", Type: "person", Description: "Alice is an engineer."},
				{Name: "Bob", Type: "person", Description: "Bob is a designer."},
			},
			[]llmtest.Relation{{Source: "Alice", Target: "Bob", Description: "Alice works with Bob.", Keywords: "collaboration", Strength: 8}},
		), nil
	}
	f := newFixtureWith(t, respond, "Alice works with Bob.", "Bob moved to Paris.")
	r := f.retriever(nil, Config{})

	p := params(Local)
	p.TopK = 1
	c, err := r.Retrieve(context.Background(), "Alice engineer", p)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, entityNames(c))

	scores := map[string]float64{}
	for _, ch := range c.Chunks {
		scores[ch.ID] = ch.Score
	}
	require.Contains(t, scores, "chunk-a")
	require.Contains(t, scores, "chunk-b")
	assert.Less(t, scores["chunk-b"], scores["chunk-a"])
	assert.Equal(t, "chunk-a", c.Chunks[0].ID)
}

func TestGlobalLoadsEndpoints(t *testing.T) {
	f := newFixture(t, "Alice works with Bob at Acme.")
	r := f.retriever(nil, Config{})

	c, err := r.Retrieve(context.Background(), "employment at companies", params(Global))
	require.NoError(t, err)
	require.Len(t, c.Relations, 2)
	assert.ElementsMatch(t, []string{"acme", "alice", "bob"}, entityNames(c))
	for _, rel := range c.Relations {
		assert.Positive(t, rel.Degree)
	}
	assert.Len(t, c.Chunks, 1)
}

func TestNaiveSearchesChunks(t *testing.T) {
	f := newFixture(t, "Alice works with Bob at Acme.", "The weather was mild in spring.")
	r := f.retriever(nil, Config{})

	c, err := r.Retrieve(context.Background(), "weather in spring", params(Naive))
	require.NoError(t, err)
	require.Len(t, c.Chunks, 2)
	assert.Equal(t, "chunk-b", c.Chunks[0].ID)
	assert.Empty(t, c.Entities)
	assert.Empty(t, c.Relations)
}

func TestHybridDeduplicates(t *testing.T) {
	f := newFixture(t, "Alice works with Bob at Acme.")
	r := f.retriever(nil, Config{})

	c, err := r.Retrieve(context.Background(), "Who works with Alice?", params(Hybrid))
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, n := range entityNames(c) {
		assert.False(t, seen[n], "duplicate entity %s", n)
		seen[n] = true
	}
	assert.Len(t, c.Relations, 2)
	assert.Len(t, c.Chunks, 1)
	for i := 1; i < len(c.Entities); i++ {
		assert.GreaterOrEqual(t, c.Entities[i-1].Score, c.Entities[i].Score)
	}
}

func TestRetrieveIsDeterministic(t *testing.T) {
	f := newFixture(t, "Alice works with Bob at Acme.", "Bob moved to Paris.")
	r := f.retriever(nil, Config{})
	ctx := context.Background()

	for _, mode := range []Mode{Naive, Local, Global, Hybrid} {
		first, err := r.Retrieve(ctx, "Where does Bob work?", params(mode))
		require.NoError(t, err)
		for range 3 {
			again, err := r.Retrieve(ctx, "Where does Bob work?", params(mode))
			require.NoError(t, err)
			assert.Equal(t, first, again, "mode %s", mode)
		}
	}
}

func TestEmptyCorpus(t *testing.T) {
	f := newFixture(t)
	r := f.retriever(nil, Config{})

	for _, mode := range []Mode{Naive, Local, Global, Hybrid} {
		c, err := r.Retrieve(context.Background(), "anything", params(mode))
		require.NoError(t, err, mode)
		assert.True(t, c.Empty(), mode)
		assert.Empty(t, c.Render())
	}
}

func TestTokenBudgetTruncates(t *testing.T) {
	f := newFixture(t, "Alice works with Bob at Acme.")
	r := f.retriever(nil, Config{})

	p := params(Local)
	p.MaxTokenForTextUnit = 1
	c, err := r.Retrieve(context.Background(), "Who works with Alice?", p)
	require.NoError(t, err)
	assert.Empty(t, c.Chunks)
	assert.NotEmpty(t, c.Entities)
}

func TestRetrieveRejectsBadInput(t *testing.T) {
	r := newFixture(t).retriever(nil, Config{})
	ctx := context.Background()

	_, err := r.Retrieve(ctx, "  ", params(Local))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = r.Retrieve(ctx, "q", params("sideways"))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	p := params(Local)
	p.TopK = 0
	_, err = r.Retrieve(ctx, "q", p)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestEmbeddingFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.embed.Err = errs.ErrEmbedding
	_, err := f.retriever(nil, Config{}).Retrieve(context.Background(), "q", params(Naive))
	assert.ErrorIs(t, err, errs.ErrEmbedding)
}

// ---------------------------------------------------------------------------
// Keywords
// ---------------------------------------------------------------------------

func TestKeywordExtraction(t *testing.T) {
	f := newFixture(t, "Alice works with Bob at Acme.")
	chat := &llmtest.Chat{Respond: func(llm.ChatRequest) (string, error) {
		return `{"high_level_keywords": ["employment"], "low_level_keywords": ["Alice", "Bob"]}`, nil
	}}
	r := f.retriever(chat, Config{KeywordExtraction: true})

	c, err := r.Retrieve(context.Background(), "Tell me about the team", params(Hybrid))
	require.NoError(t, err)
	assert.Equal(t, []string{"employment"}, c.Keywords.HighLevel)
	assert.Equal(t, []string{"Alice", "Bob"}, c.Keywords.LowLevel)
	require.Len(t, chat.Requests(), 1)
	assert.Equal(t, "json_object", chat.Requests()[0].ResponseFormat)
}

func TestKeywordFallbackToQuery(t *testing.T) {
	f := newFixture(t, "Alice works with Bob at Acme.")
	chat := &llmtest.Chat{Respond: func(llm.ChatRequest) (string, error) { return "no idea", nil }}
	r := f.retriever(chat, Config{KeywordExtraction: true})

	c, err := r.Retrieve(context.Background(), "Who works with Alice?", params(Local))
	require.NoError(t, err)
	assert.Empty(t, c.Keywords.LowLevel)
	assert.Contains(t, entityNames(c), "bob")
}
