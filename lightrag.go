// Package lightrag is a graph-based retrieval-augmented generation engine.
// Inserted documents are chunked, embedded, and mined for entities and
// relations that are merged into a persistent knowledge graph. Queries
// retrieve context from the graph and the vector indexes in one of four
// modes and answer it with a completion model.
package lightrag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/brunobiangulo/lightrag/answer"
	"github.com/brunobiangulo/lightrag/cache"
	"github.com/brunobiangulo/lightrag/chunker"
	"github.com/brunobiangulo/lightrag/embedding"
	"github.com/brunobiangulo/lightrag/graph"
	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/metrics"
	"github.com/brunobiangulo/lightrag/retrieval"
	"github.com/brunobiangulo/lightrag/store"
	"github.com/brunobiangulo/lightrag/tokenizer"
	"github.com/brunobiangulo/lightrag/vector"
)

// Answer is the result of a query.
type Answer struct {
	QueryID   string             `json:"query_id"`
	Text      string             `json:"text"`
	Mode      retrieval.Mode     `json:"mode"`
	NoContext bool               `json:"no_context"`
	Context   *retrieval.Context `json:"context,omitempty"`
	Elapsed   time.Duration      `json:"elapsed_ns"`
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	metrics *metrics.Metrics
}

// WithMetrics records ingestion, query and model-call metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Engine is the entry point for inserting documents and querying them. It
// is safe for concurrent use.
type Engine struct {
	cfg       Config
	store     *store.Store
	tok       tokenizer.Tokenizer
	chunker   *chunker.Chunker
	embedder  *embedding.Adapter
	chunks    vector.Index
	graph     *graph.Graph
	builder   *graph.Builder
	retriever *retrieval.Retriever
	answers   *answer.Generator
	metrics   *metrics.Metrics
	redis     *cache.Redis

	inflight singleflight.Group
	closed   atomic.Bool
}

// New opens the working directory and wires the engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working dir: %w", err)
	}

	s, err := store.New(filepath.Join(cfg.WorkingDir, dbFile), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	e := &Engine{cfg: cfg, store: s, metrics: o.metrics}
	if err := e.wire(); err != nil {
		e.Close()
		return nil, err
	}
	slog.Info("lightrag: engine ready",
		"working_dir", cfg.WorkingDir,
		"chat_model", cfg.Chat.Model,
		"embedding_model", cfg.Embedding.Model,
		"embedding_dim", cfg.EmbeddingDim)
	return e, nil
}

func (e *Engine) wire() error {
	cfg := e.cfg

	e.tok = tokenizer.Words{}
	if cfg.TokenizerEncoding != "" {
		e.tok = tokenizer.New(cfg.TokenizerEncoding)
	}

	chatBackend, embedBackend := cfg.ChatModel, cfg.EmbeddingModel
	var err error
	if chatBackend == nil {
		if chatBackend, err = llm.NewProvider(cfg.Chat.provider()); err != nil {
			return fmt.Errorf("%w: creating chat provider: %v", errs.ErrInvalidInput, err)
		}
	}
	if embedBackend == nil {
		if embedBackend, err = llm.NewProvider(cfg.Embedding.provider()); err != nil {
			return fmt.Errorf("%w: creating embedding provider: %v", errs.ErrInvalidInput, err)
		}
	}

	retry := llm.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  time.Duration(cfg.RetryBaseDelay),
		MaxDelay:   time.Duration(cfg.RetryMaxDelay),
		Timeout:    time.Duration(cfg.LLMTimeout),
	}
	chatOpts := []llm.ClientOption{
		llm.WithRetry(retry),
		llm.WithMaxAsync(cfg.LLMMaxAsync),
		llm.WithRateLimit(cfg.LLMRateLimit, cfg.LLMMaxAsync),
	}
	if e.metrics != nil {
		chatOpts = append(chatOpts, llm.WithObserver(e.metrics))
	}
	if cfg.EnableLLMCache {
		c, err := e.responseCache()
		if err != nil {
			return err
		}
		chatOpts = append(chatOpts, llm.WithCache(c))
	}
	chat := llm.NewClient(chatBackend, nil, chatOpts...)

	embedOpts := []llm.ClientOption{llm.WithRetry(retry)}
	if e.metrics != nil {
		embedOpts = append(embedOpts, llm.WithObserver(e.metrics))
	}
	if e.embedder, err = embedding.New(llm.NewClient(nil, embedBackend, embedOpts...), embedding.Config{
		Dim:          cfg.EmbeddingDim,
		MaxTokenSize: cfg.EmbeddingMaxTokenSize,
		BatchSize:    cfg.EmbeddingBatchSize,
		MaxAsync:     cfg.EmbeddingMaxAsync,
	}, e.tok); err != nil {
		return err
	}

	if e.chunker, err = chunker.New(chunker.Config{
		MaxTokens:            cfg.ChunkTokenSize,
		Overlap:              cfg.ChunkOverlapTokenSize,
		SplitByCharacter:     cfg.SplitByCharacter,
		SplitByCharacterOnly: cfg.SplitByCharacterOnly,
	}, e.tok); err != nil {
		return err
	}

	var merger graph.Merger = graph.Concat{Tokenizer: e.tok, MaxTokens: cfg.MaxDescriptionTokens}
	if cfg.DescriptionMerge == graph.MergeSummarize {
		merger = graph.Summarize{
			Chat:             chat,
			Model:            cfg.Chat.Model,
			Language:         cfg.Language,
			Tokenizer:        e.tok,
			MaxTokens:        cfg.MaxDescriptionTokens,
			MaxSummaryTokens: cfg.SummaryMaxTokens,
		}
	}
	e.graph = graph.New(e.store, graph.Options{Directed: cfg.Directed, Merger: merger})

	idx := retrieval.Indexes{}
	for ns, dst := range map[string]*vector.Index{
		store.NamespaceChunks:    &idx.Chunks,
		store.NamespaceEntities:  &idx.Entities,
		store.NamespaceRelations: &idx.Relations,
	} {
		vi, err := e.store.VectorIndex(ns)
		if err != nil {
			return err
		}
		*dst = vi
	}
	e.chunks = idx.Chunks

	extractor := graph.NewExtractor(chat, graph.ExtractorConfig{
		Model:       cfg.Chat.Model,
		EntityTypes: cfg.EntityTypes,
		Language:    cfg.Language,
		MaxGleaning: cfg.MaxGleaning,
		Directed:    cfg.Directed,
	})
	e.builder = graph.NewBuilder(e.graph, extractor, e.embedder, idx.Entities, idx.Relations, cfg.LLMMaxAsync)
	e.retriever = retrieval.New(e.store, e.graph, idx, e.embedder, chat, e.tok, retrieval.Config{
		SimilarityWeight:  cfg.SimilarityWeight,
		DegreeWeight:      cfg.DegreeWeight,
		KeywordExtraction: cfg.KeywordExtraction,
		Model:             cfg.Chat.Model,
	})
	e.answers = answer.New(chat, cfg.Chat.Model)
	return nil
}

// responseCache picks Redis when a URL is configured, otherwise the
// working-dir database.
func (e *Engine) responseCache() (llm.Cache, error) {
	if e.cfg.RedisURL == "" {
		return e.store.LLMCache(), nil
	}
	r, err := cache.NewRedisURL(e.cfg.RedisURL, "", 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}
	e.redis = r
	return r, nil
}

// DocumentID returns the id Insert assigns to text.
func DocumentID(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return "doc-" + hex.EncodeToString(sum[:])[:32]
}

// Insert chunks, embeds and extracts text, and returns its document id.
// A document that was already processed is skipped; a failed or
// interrupted one is processed again. Concurrent inserts of the same text
// share one run.
func (e *Engine) Insert(ctx context.Context, text string) (string, error) {
	if e.closed.Load() {
		return "", errs.ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errs.Invalid("document is empty")
	}
	id := DocumentID(text)
	_, err, shared := e.inflight.Do(id, func() (any, error) {
		return nil, e.insert(ctx, id, text)
	})
	if shared {
		slog.Debug("lightrag: insert coalesced", "doc_id", id)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// InsertBatch inserts texts one after another. Every text is attempted;
// the ids of failed texts are empty and their errors are joined.
func (e *Engine) InsertBatch(ctx context.Context, texts []string) ([]string, error) {
	ids := make([]string, len(texts))
	var failed []error
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			failed = append(failed, err)
			break
		}
		id, err := e.Insert(ctx, t)
		if err != nil {
			failed = append(failed, fmt.Errorf("document %d: %w", i, err))
			continue
		}
		ids[i] = id
	}
	return ids, errors.Join(failed...)
}

func (e *Engine) insert(ctx context.Context, id, text string) error {
	start := time.Now()
	existing, err := e.store.GetDocument(ctx, id)
	switch {
	case err == nil && existing.Status == store.StatusProcessed:
		slog.Info("lightrag: document already processed", "doc_id", id)
		e.metrics.ObserveInsert(metrics.InsertSkipped, 0, 0)
		return nil
	case err == nil:
		slog.Info("lightrag: reprocessing document", "doc_id", id, "previous_status", existing.Status)
	case !errors.Is(err, errs.ErrNotFound):
		return fmt.Errorf("loading document: %w", err)
	}

	sum := sha256.Sum256([]byte(text))
	if err := e.store.UpsertDocument(ctx, store.Document{
		ID:          id,
		ContentHash: hex.EncodeToString(sum[:]),
		Summary:     summary(text),
		Length:      len(text),
		Status:      store.StatusProcessing,
	}); err != nil {
		return fmt.Errorf("recording document: %w", err)
	}

	n, err := e.process(ctx, id, text)
	if err != nil {
		// The status must be recorded even when ctx was cancelled.
		if serr := e.store.UpdateDocumentStatus(context.WithoutCancel(ctx), id, store.StatusFailed, n, err.Error()); serr != nil {
			slog.Error("lightrag: recording failure", "doc_id", id, "error", serr)
		}
		e.metrics.ObserveInsert(metrics.InsertFailed, 0, 0)
		slog.Error("lightrag: insert failed", "doc_id", id, "error", err)
		return err
	}
	if err := e.store.UpdateDocumentStatus(ctx, id, store.StatusProcessed, n, ""); err != nil {
		return fmt.Errorf("recording document status: %w", err)
	}
	e.metrics.ObserveInsert(metrics.InsertProcessed, n, time.Since(start))
	slog.Info("lightrag: document processed",
		"doc_id", id, "chunks", n,
		"elapsed", time.Since(start).Round(time.Millisecond))

	if e.cfg.ExportGraphML {
		if err := e.writeGraphML(ctx); err != nil {
			slog.Warn("lightrag: graphml export failed", "error", err)
		}
	}
	return nil
}

// process stores, embeds and extracts the chunks of one document and
// returns the chunk count.
func (e *Engine) process(ctx context.Context, id, text string) (int, error) {
	pieces := e.chunker.Split(id, text)
	chunks := make([]store.Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		chunks[i] = store.Chunk{
			ID:         p.ID,
			DocumentID: id,
			Index:      p.Index,
			Content:    p.Text,
			TokenCount: p.TokenCount,
			StartToken: p.StartToken,
		}
		texts[i] = p.Text
	}
	slog.Info("lightrag: chunking complete", "doc_id", id, "chunks", len(chunks))

	if err := e.store.InsertChunks(ctx, chunks); err != nil {
		return len(chunks), fmt.Errorf("storing chunks: %w", err)
	}

	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return len(chunks), fmt.Errorf("embedding chunks: %w", err)
	}
	entries := make([]vector.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vector.Entry{Key: c.ID, Vector: vecs[i], Payload: map[string]string{"document_id": id}}
	}
	if err := e.chunks.Add(ctx, entries...); err != nil {
		return len(chunks), fmt.Errorf("indexing chunks: %w", err)
	}

	if _, err := e.builder.Build(ctx, chunks); err != nil {
		return len(chunks), err
	}
	if err := e.graph.Verify(ctx); err != nil {
		return len(chunks), err
	}
	return len(chunks), nil
}

func summary(text string) string {
	const n = 100
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

// Query answers question. With p.Stream set the streamed answer is
// collected before returning. Zero fields of p take their defaults.
func (e *Engine) Query(ctx context.Context, question string, p QueryParam) (*Answer, error) {
	start := time.Now()
	p = p.withDefaults()
	rc, early, err := e.prepare(ctx, question, p)
	if err != nil {
		e.metrics.ObserveQuery(string(p.Mode), metrics.QueryError, time.Since(start))
		return nil, err
	}

	ans := &Answer{QueryID: uuid.NewString(), Mode: p.Mode, NoContext: rc.Empty(), Context: rc}
	opts := answer.Options{ResponseType: p.ResponseType}
	switch {
	case early != nil:
		ans.Text = *early
	case p.Stream:
		s, err := e.answers.Stream(ctx, question, rc, opts)
		if err == nil {
			ans.Text, err = s.Collect()
		}
		if err != nil {
			e.metrics.ObserveQuery(string(p.Mode), metrics.QueryError, time.Since(start))
			return nil, err
		}
	default:
		if ans.Text, err = e.answers.Answer(ctx, question, rc, opts); err != nil {
			e.metrics.ObserveQuery(string(p.Mode), metrics.QueryError, time.Since(start))
			return nil, err
		}
	}
	ans.Elapsed = time.Since(start)
	e.finishQuery(ctx, ans.QueryID, question, ans.Text, rc, ans.Elapsed)
	return ans, nil
}

// QueryStream answers question as a stream of fragments. An empty context
// yields a single no-context fragment.
func (e *Engine) QueryStream(ctx context.Context, question string, p QueryParam) (*llm.Stream, error) {
	start := time.Now()
	p = p.withDefaults()
	rc, early, err := e.prepare(ctx, question, p)
	if err != nil {
		e.metrics.ObserveQuery(string(p.Mode), metrics.QueryError, time.Since(start))
		return nil, err
	}
	if early != nil {
		e.finishQuery(ctx, uuid.NewString(), question, *early, rc, time.Since(start))
		return llm.StaticStream(*early), nil
	}
	s, err := e.answers.Stream(ctx, question, rc, answer.Options{ResponseType: p.ResponseType})
	if err != nil {
		e.metrics.ObserveQuery(string(p.Mode), metrics.QueryError, time.Since(start))
		return nil, err
	}
	// The answer text is not known until the caller drains the stream.
	e.finishQuery(ctx, uuid.NewString(), question, "", rc, time.Since(start))
	return s, nil
}

// prepare validates the query and retrieves its context. early is set
// when the query flags ask for the context or prompt instead of an answer.
func (e *Engine) prepare(ctx context.Context, question string, p QueryParam) (*retrieval.Context, *string, error) {
	if e.closed.Load() {
		return nil, nil, errs.ErrClosed
	}
	if strings.TrimSpace(question) == "" {
		return nil, nil, errs.Invalid("question is empty")
	}
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	rc, err := e.retriever.Retrieve(ctx, question, p.retrieval())
	if err != nil {
		return nil, nil, err
	}

	var early *string
	switch {
	case p.OnlyNeedContext:
		text := rc.Render()
		if rc.Empty() {
			text = answer.NoContextResponse
		}
		early = &text
	case p.OnlyNeedPrompt:
		var b strings.Builder
		for _, m := range e.answers.Messages(question, rc, answer.Options{ResponseType: p.ResponseType}) {
			fmt.Fprintf(&b, "%s:\n%s\n\n", m.Role, m.Content)
		}
		text := strings.TrimSpace(b.String())
		early = &text
	}
	return rc, early, nil
}

func (e *Engine) finishQuery(ctx context.Context, id, question, text string, rc *retrieval.Context, elapsed time.Duration) {
	outcome := metrics.QueryAnswered
	if rc.Empty() {
		outcome = metrics.QueryNoContext
	}
	e.metrics.ObserveQuery(string(rc.Mode), outcome, elapsed)

	err := e.store.LogQuery(ctx, store.QueryLog{
		QueryID:   id,
		Query:     question,
		Mode:      string(rc.Mode),
		Answer:    text,
		Entities:  len(rc.Entities),
		Relations: len(rc.Relations),
		Chunks:    len(rc.Chunks),
		NoContext: rc.Empty(),
		Latency:   elapsed,
	})
	if err != nil {
		slog.Warn("lightrag: logging query", "query_id", id, "error", err)
	}
	slog.Info("lightrag: query complete",
		"query_id", id,
		"mode", rc.Mode,
		"no_context", rc.Empty(),
		"elapsed", elapsed.Round(time.Millisecond))
}

// Documents lists every document with its processing status.
func (e *Engine) Documents(ctx context.Context) ([]store.Document, error) {
	return e.store.ListDocuments(ctx)
}

// Document returns one document.
func (e *Engine) Document(ctx context.Context, id string) (*store.Document, error) {
	return e.store.GetDocument(ctx, id)
}

// Stats returns row counts of the working-dir database.
func (e *Engine) Stats(ctx context.Context) (*store.DBStats, error) {
	return e.store.DBStats(ctx)
}

// Graph returns the knowledge graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// ExportGraphML writes the knowledge graph to w.
func (e *Engine) ExportGraphML(ctx context.Context, w io.Writer) error {
	return e.graph.ExportGraphML(ctx, w)
}

// writeGraphML replaces GraphMLFile in the working directory.
func (e *Engine) writeGraphML(ctx context.Context) error {
	path := filepath.Join(e.cfg.WorkingDir, GraphMLFile)
	tmp, err := os.CreateTemp(e.cfg.WorkingDir, GraphMLFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := e.graph.ExportGraphML(ctx, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Close releases the database and cache connections.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	var errsOut []error
	if e.redis != nil {
		errsOut = append(errsOut, e.redis.Close())
	}
	errsOut = append(errsOut, e.store.Close())
	return errors.Join(errsOut...)
}
