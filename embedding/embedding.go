// Package embedding adapts an external embedding function to the fixed
// dimension, ordered, all-or-nothing contract the indexes rely on.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/tokenizer"
)

// Config controls batching and validation.
type Config struct {
	Dim          int // Required vector dimension.
	MaxTokenSize int // Inputs are truncated to this many tokens. 0 disables truncation.
	BatchSize    int // Texts per backend call. Defaults to 32.
	MaxAsync     int // Concurrent backend calls. Defaults to 4.
}

// Adapter wraps an llm.Embedder.
type Adapter struct {
	backend llm.Embedder
	cfg     Config
	tok     tokenizer.Tokenizer
}

// New validates cfg and returns an Adapter. A nil tokenizer falls back to
// word counting.
func New(backend llm.Embedder, cfg Config, tok tokenizer.Tokenizer) (*Adapter, error) {
	if backend == nil {
		return nil, errs.Invalid("embedding backend is nil")
	}
	if cfg.Dim <= 0 {
		return nil, errs.Invalid("embedding dimension must be positive, got %d", cfg.Dim)
	}
	if cfg.MaxTokenSize < 0 {
		return nil, errs.Invalid("embedding max token size must not be negative, got %d", cfg.MaxTokenSize)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxAsync <= 0 {
		cfg.MaxAsync = 4
	}
	if tok == nil {
		tok = tokenizer.Words{}
	}
	return &Adapter{backend: backend, cfg: cfg, tok: tok}, nil
}

// Dim returns the configured vector dimension.
func (a *Adapter) Dim() int { return a.cfg.Dim }

// Embed returns one vector per text, in input order. Either every vector
// is returned or none is.
func (a *Adapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := texts
	if a.cfg.MaxTokenSize > 0 {
		inputs = make([]string, len(texts))
		for i, t := range texts {
			inputs[i] = tokenizer.Truncate(a.tok, t, a.cfg.MaxTokenSize)
		}
	}

	out := make([][]float32, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxAsync)
	for start := 0; start < len(inputs); start += a.cfg.BatchSize {
		end := min(start+a.cfg.BatchSize, len(inputs))
		g.Go(func() error {
			vecs, err := a.backend.Embed(gctx, inputs[start:end])
			if err != nil {
				return wrap(err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("%w: backend returned %d vectors for %d texts", errs.ErrEmbedding, len(vecs), end-start)
			}
			for i, v := range vecs {
				if len(v) != a.cfg.Dim {
					return fmt.Errorf("%w: vector %d has dimension %d, want %d", errs.ErrEmbedding, start+i, len(v), a.cfg.Dim)
				}
				out[start+i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedOne embeds a single text.
func (a *Adapter) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := a.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// wrap tags backend failures with ErrEmbedding. Timeouts and cancellation
// keep their own identity.
func wrap(err error) error {
	switch {
	case errors.Is(err, errs.ErrEmbedding),
		errors.Is(err, errs.ErrBackendTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, errs.ErrInvalidInput):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errs.Timeout(err)
	}
	return fmt.Errorf("%w: %w", errs.ErrEmbedding, err)
}

// Func adapts a plain function to llm.Embedder.
type Func func(ctx context.Context, texts []string) ([][]float32, error)

func (f Func) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}
