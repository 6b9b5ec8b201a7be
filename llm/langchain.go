package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

// langChainProvider serves chat and embeddings through langchaingo.
type langChainProvider struct {
	model    llms.Model
	embedder embeddings.Embedder
}

// NewLangChain builds a provider on langchaingo's OpenAI-compatible client.
// cfg.Model names both the chat and the embedding model.
func NewLangChain(cfg Config) (Provider, error) {
	opts := []lcopenai.Option{lcopenai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, lcopenai.WithModel(cfg.Model), lcopenai.WithEmbeddingModel(cfg.Model))
	}
	client, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain openai client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("langchain embedder: %w", err)
	}
	return FromLangChain(client, emb), nil
}

// FromLangChain wraps a langchaingo model and embedder as a Provider.
func FromLangChain(model llms.Model, embedder embeddings.Embedder) Provider {
	return &langChainProvider{model: model, embedder: embedder}
}

func (c *langChainProvider) convert(req ChatRequest) ([]llms.MessageContent, []llms.CallOption) {
	msgs := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, m.Content))
	}
	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.ResponseFormat == "json_object" {
		opts = append(opts, llms.WithJSONMode())
	}
	return msgs, opts
}

func (c *langChainProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs, opts := c.convert(req)
	resp, err := c.model.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &ChatResponse{
		Content:      resp.Choices[0].Content,
		Model:        req.Model,
		FinishReason: resp.Choices[0].StopReason,
	}, nil
}

func (c *langChainProvider) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	msgs, opts := c.convert(req)
	return NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		opts := append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return emit(string(chunk))
		}))
		if _, err := c.model.GenerateContent(ctx, msgs, opts...); err != nil {
			return fmt.Errorf("langchain stream: %w", err)
		}
		return nil
	}), nil
}

func (c *langChainProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("langchain provider has no embedder")
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("langchain embed: %w", err)
	}
	return vecs, nil
}
