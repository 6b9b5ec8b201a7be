package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

const defaultOllamaURL = "http://localhost:11434"

// ollamaProvider implements Provider on Ollama's native API.
type ollamaProvider struct {
	cfg    Config
	client *api.Client
}

// NewOllama creates a provider for Ollama.
func NewOllama(cfg Config) (Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaURL
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama base url: %w", err)
	}
	httpClient := http.DefaultClient
	if cfg.APIKey != "" {
		httpClient = &http.Client{Transport: &bearerTransport{key: cfg.APIKey, rt: http.DefaultTransport}}
	}
	return &ollamaProvider{cfg: cfg, client: api.NewClient(u, httpClient)}, nil
}

func (p *ollamaProvider) request(req ChatRequest, stream bool) *api.ChatRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	msgs := make([]api.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = api.Message{Role: m.Role, Content: m.Content}
	}
	opts := map[string]any{"temperature": req.Temperature}
	if p.cfg.NumCtx > 0 {
		opts["num_ctx"] = p.cfg.NumCtx
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	out := &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
		Options:  opts,
	}
	if req.ResponseFormat == "json_object" {
		out.Format = []byte(`"json"`)
	}
	return out
}

func (p *ollamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp *ChatResponse
	err := p.client.Chat(ctx, p.request(req, false), func(cr api.ChatResponse) error {
		resp = &ChatResponse{
			Content:          cr.Message.Content,
			Model:            cr.Model,
			FinishReason:     cr.DoneReason,
			PromptTokens:     cr.Metrics.PromptEvalCount,
			CompletionTokens: cr.Metrics.EvalCount,
			TotalTokens:      cr.Metrics.PromptEvalCount + cr.Metrics.EvalCount,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("ollama chat: empty response")
	}
	return resp, nil
}

func (p *ollamaProvider) ChatStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	creq := p.request(req, true)
	return NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		err := p.client.Chat(ctx, creq, func(cr api.ChatResponse) error {
			return emit(cr.Message.Content)
		})
		if err != nil {
			return fmt.Errorf("ollama chat stream: %w", err)
		}
		return nil
	}), nil
}

func (p *ollamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.cfg.Model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return res.Embeddings, nil
}

type bearerTransport struct {
	key string
	rt  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+t.key)
	return t.rt.RoundTrip(r)
}
