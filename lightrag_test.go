//go:build cgo

package lightrag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lightrag/answer"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/llm/llmtest"
	"github.com/brunobiangulo/lightrag/metrics"
	"github.com/brunobiangulo/lightrag/store"
)

const (
	testDim    = 16
	corpus     = "Alice works with Bob at Acme. Acme is a company in Springfield."
	answerText = "Bob works with Alice at Acme."
)

// scripted answers extraction, gleaning, keyword and answer prompts the way
// a cooperative model would.
func scripted(req llm.ChatRequest) (string, error) {
	if len(req.Messages) > 0 && req.Messages[0].Role == "system" {
		return answerText, nil
	}
	last := llmtest.LastUser(req)
	switch {
	case strings.HasPrefix(last, "MANY"):
		return llmtest.Extraction(nil, nil), nil
	case strings.HasPrefix(last, "It appears"):
		return "NO", nil
	case strings.Contains(last, "high_level_keywords"):
		return `{"high_level_keywords": ["collaboration"], "low_level_keywords": ["Alice"]}`, nil
	}
	return llmtest.Extraction(
		[]llmtest.Entity{
			{Name: "Alice", Type: "person", Description: "Alice works with Bob at Acme."},
			{Name: "Bob", Type: "person", Description: "Bob works with Alice."},
			{Name: "Acme", Type: "organization", Description: "Acme is a company in Springfield."},
		},
		[]llmtest.Relation{
			{Source: "Alice", Target: "Bob", Description: "Alice works with Bob.", Keywords: "collaboration", Strength: 8},
			{Source: "Alice", Target: "Acme", Description: "Alice works at Acme.", Keywords: "employment", Strength: 7},
			{Source: "Bob", Target: "Acme", Description: "Bob works at Acme.", Keywords: "employment", Strength: 7},
		},
	), nil
}

type harness struct {
	cfg   Config
	chat  *llmtest.Chat
	embed *llmtest.Embedder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		chat:  &llmtest.Chat{Respond: scripted},
		embed: &llmtest.Embedder{Dim: testDim},
	}
	cfg := DefaultConfig()
	cfg.WorkingDir = filepath.Join(t.TempDir(), "rag")
	cfg.ChatModel = h.chat
	cfg.EmbeddingModel = h.embed
	cfg.EmbeddingDim = testDim
	cfg.TokenizerEncoding = ""
	cfg.MaxRetries = 0
	cfg.EnableLLMCache = false
	cfg.DescriptionMerge = "concat"
	h.cfg = cfg
	return h
}

func (h *harness) open(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(h.cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// answerRequests counts answer prompts sent to the model.
func (h *harness) answerRequests() int {
	n := 0
	for _, r := range h.chat.Requests() {
		if r.Messages[0].Role == "system" {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Insert
// ---------------------------------------------------------------------------

func TestInsertBuildsGraph(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()

	id, err := e.Insert(ctx, corpus)
	require.NoError(t, err)
	assert.Equal(t, DocumentID(corpus), id)

	doc, err := e.Document(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessed, doc.Status)
	assert.Equal(t, 1, doc.ChunkCount)
	assert.Equal(t, len(corpus), doc.Length)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entities)
	assert.Equal(t, 3, stats.Relations)
	require.NoError(t, e.Graph().Verify(ctx))

	d, err := e.Graph().Degree(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, 2, d)
}

func TestInsertIsIdempotent(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()

	first, err := e.Insert(ctx, corpus)
	require.NoError(t, err)
	calls := len(h.chat.Requests())
	before, _ := e.Graph().Relation(ctx, "alice", "bob")

	second, err := e.Insert(ctx, "  "+corpus+"\n")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, len(h.chat.Requests()), "processed document is skipped")

	after, _ := e.Graph().Relation(ctx, "alice", "bob")
	assert.Equal(t, before.Weight, after.Weight)
	docs, err := e.Documents(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestConcurrentInsertsOfSameText(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = e.Insert(ctx, corpus)
		}()
	}
	wg.Wait()
	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, DocumentID(corpus), ids[i])
	}

	r, err := e.Graph().Relation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, 8.0, r.Weight, "the chunk was merged exactly once")
}

func TestInsertBatch(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)

	ids, err := e.InsertBatch(context.Background(), []string{corpus, "", "Bob moved to Paris."})
	assert.ErrorIs(t, err, ErrInvalidInput)
	require.Len(t, ids, 3)
	assert.NotEmpty(t, ids[0])
	assert.Empty(t, ids[1])
	assert.NotEmpty(t, ids[2])
}

func TestFailedInsertIsRetried(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()

	h.embed.Err = errors.New("embedding server down")
	_, err := e.Insert(ctx, corpus)
	require.ErrorIs(t, err, ErrEmbedding)

	doc, err := e.Document(ctx, DocumentID(corpus))
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, doc.Status)
	assert.Contains(t, doc.Error, "embedding server down")

	h.embed.Err = nil
	_, err = e.Insert(ctx, corpus)
	require.NoError(t, err)
	doc, _ = e.Document(ctx, DocumentID(corpus))
	assert.Equal(t, store.StatusProcessed, doc.Status)
}

func TestInsertRejectsEmptyText(t *testing.T) {
	e := newHarness(t).open(t)
	_, err := e.Insert(context.Background(), " \n\t")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// ---------------------------------------------------------------------------
// Query
// ---------------------------------------------------------------------------

func TestQueryAllModes(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()
	_, err := e.Insert(ctx, corpus)
	require.NoError(t, err)

	for _, mode := range []Mode{ModeNaive, ModeLocal, ModeGlobal, ModeHybrid} {
		ans, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: mode})
		require.NoError(t, err, mode)
		assert.Equal(t, answerText, ans.Text, mode)
		assert.False(t, ans.NoContext, mode)
		assert.NotEmpty(t, ans.QueryID)
	}

	ans, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal})
	require.NoError(t, err)
	var names []string
	for _, ent := range ans.Context.Entities {
		names = append(names, ent.Name)
	}
	assert.Contains(t, names, "bob")
}

func TestQueryEmptyCorpus(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)

	ans, err := e.Query(context.Background(), "What is this about?", QueryParam{Mode: ModeNaive})
	require.NoError(t, err)
	assert.Equal(t, answer.NoContextResponse, ans.Text)
	assert.True(t, ans.NoContext)
	assert.Zero(t, h.answerRequests())
}

func TestQueryStream(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()

	s, err := e.QueryStream(ctx, "anything", QueryParam{Mode: ModeGlobal})
	require.NoError(t, err)
	text, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, answer.NoContextResponse, text)

	_, err = e.Insert(ctx, corpus)
	require.NoError(t, err)
	s, err = e.QueryStream(ctx, "Who works with Alice?", QueryParam{Mode: ModeHybrid})
	require.NoError(t, err)
	var frags []string
	for frag, err := range s.All() {
		require.NoError(t, err)
		frags = append(frags, frag)
	}
	assert.Greater(t, len(frags), 1)
	assert.Equal(t, answerText, strings.Join(frags, ""))

	ans, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal, Stream: true})
	require.NoError(t, err)
	assert.Equal(t, answerText, ans.Text)
}

func TestStreamedAnswerMatchesSyncAnswer(t *testing.T) {
	h := newHarness(t)
	h.chat.Respond = func(req llm.ChatRequest) (string, error) {
		if req.Messages[0].Role == "system" {
			return "\n " + answerText + "\n", nil
		}
		return scripted(req)
	}
	e := h.open(t)
	ctx := context.Background()
	_, err := e.Insert(ctx, corpus)
	require.NoError(t, err)

	plain, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal})
	require.NoError(t, err)
	assert.Equal(t, answerText, plain.Text)

	collected, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal, Stream: true})
	require.NoError(t, err)
	assert.Equal(t, plain.Text, collected.Text)

	s, err := e.QueryStream(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal})
	require.NoError(t, err)
	streamed, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, plain.Text, streamed)
}

func TestQueryOnlyNeedContextAndPrompt(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()
	_, err := e.Insert(ctx, corpus)
	require.NoError(t, err)

	ans, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal, OnlyNeedContext: true})
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "-----Entities-----")

	ans, err = e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal, OnlyNeedPrompt: true, ResponseType: "Bullet Points"})
	require.NoError(t, err)
	assert.Contains(t, ans.Text, "Bullet Points")
	assert.Contains(t, ans.Text, "Who works with Alice?")
	assert.Zero(t, h.answerRequests())
}

func TestQueryBackendFailure(t *testing.T) {
	h := newHarness(t)
	e := h.open(t)
	ctx := context.Background()
	_, err := e.Insert(ctx, corpus)
	require.NoError(t, err)

	down := errors.New("connection refused")
	h.chat.Respond = func(req llm.ChatRequest) (string, error) {
		if req.Messages[0].Role == "system" {
			return "", down
		}
		return scripted(req)
	}
	ans, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeNaive})
	assert.ErrorIs(t, err, down)
	assert.Nil(t, ans)
}

func TestQueryRejectsBadParams(t *testing.T) {
	e := newHarness(t).open(t)
	ctx := context.Background()

	_, err := e.Query(ctx, "q", QueryParam{Mode: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Query(ctx, "q", QueryParam{TopK: -3})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Query(ctx, "", QueryParam{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// ---------------------------------------------------------------------------
// Working directory, cache, metrics
// ---------------------------------------------------------------------------

func TestWorkingDirSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, err := New(h.cfg)
	require.NoError(t, err)
	_, err = e.Insert(ctx, corpus)
	require.NoError(t, err)
	require.NoError(t, e.Close())
	_, err = e.Insert(ctx, corpus)
	assert.ErrorIs(t, err, ErrClosed)

	e = h.open(t)
	calls := len(h.chat.Requests())
	_, err = e.Insert(ctx, corpus)
	require.NoError(t, err)
	assert.Equal(t, calls, len(h.chat.Requests()))

	ans, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal})
	require.NoError(t, err)
	assert.False(t, ans.NoContext)

	h.cfg.EmbeddingDim = 32
	h.embed.Dim = 32
	_, err = New(h.cfg)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExportGraphMLFile(t *testing.T) {
	h := newHarness(t)
	h.cfg.ExportGraphML = true
	e := h.open(t)
	_, err := e.Insert(context.Background(), corpus)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(h.cfg.WorkingDir, GraphMLFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `<node id="alice">`)
}

func TestLLMCache(t *testing.T) {
	cases := map[string]func(t *testing.T, cfg *Config){
		"sqlite": func(*testing.T, *Config) {},
		"redis": func(t *testing.T, cfg *Config) {
			mr := miniredis.RunT(t)
			cfg.RedisURL = "redis://" + mr.Addr()
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.cfg.EnableLLMCache = true
			setup(t, &h.cfg)
			e := h.open(t)
			ctx := context.Background()
			_, err := e.Insert(ctx, corpus)
			require.NoError(t, err)

			for range 2 {
				ans, err := e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeLocal})
				require.NoError(t, err)
				assert.Equal(t, answerText, ans.Text)
			}
			assert.Equal(t, 1, h.answerRequests())
		})
	}
}

func TestMetricsAreRecorded(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewRegistry()
	e := h.open(t, WithMetrics(metrics.New(reg)))
	ctx := context.Background()

	_, err := e.Insert(ctx, corpus)
	require.NoError(t, err)
	_, err = e.Insert(ctx, corpus)
	require.NoError(t, err)
	_, err = e.Query(ctx, "Who works with Alice?", QueryParam{Mode: ModeNaive})
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "lightrag_documents_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "processed and skipped series")
	n, err = testutil.GatherAndCount(reg, "lightrag_llm_requests_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}
