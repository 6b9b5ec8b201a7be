package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// openAIProvider implements Provider for OpenAI and every backend that
// speaks its API (Groq, LM Studio, OpenRouter, xAI, Gemini, custom).
//
// Supported embedding models:
//
//	text-embedding-3-small  (1536 dim)  default
//	text-embedding-3-large  (3072 dim)
//	text-embedding-ada-002  (1536 dim)
type openAIProvider struct {
	cfg    Config
	client *openai.Client
}

// NewOpenAI creates a provider for OpenAI.
func NewOpenAI(cfg Config) Provider {
	return newOpenAIFamily(cfg, "https://api.openai.com/v1", "gpt-4o-mini")
}

func newOpenAIFamily(cfg Config, defaultURL, defaultModel string) *openAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	return &openAIProvider{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

func (p *openAIProvider) request(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.ResponseFormat == "json_object" {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return out
}

func (p *openAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		FinishReason:     string(resp.Choices[0].FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (p *openAIProvider) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	creq := p.request(req, true)
	return NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		stream, err := p.client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			return fmt.Errorf("opening chat stream: %w", err)
		}
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading chat stream: %w", err)
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if err := emit(resp.Choices[0].Delta.Content); err != nil {
				return err
			}
		}
	}), nil
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.cfg.Model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embeddings: %w", err)
	}
	// Sort by index to ensure correct ordering.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return out, nil
}
