package llm

import (
	"context"
	"fmt"
)

// Chatter sends chat completion requests.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// StreamChatter is a Chatter that can also deliver its completion as a
// sequence of fragments.
type StreamChatter interface {
	Chatter
	ChatStream(ctx context.Context, req ChatRequest) (*Stream, error)
}

// Embedder generates embeddings for a batch of texts. The result holds one
// vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Provider is the interface for LLM backends that serve both chat and
// embeddings.
type Provider interface {
	StreamChatter
	Embedder
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Cached           bool   `json:"cached,omitempty"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, groq, lmstudio, openrouter, xai, gemini, langchain, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	// NumCtx is the context window requested from Ollama (num_ctx).
	NumCtx int `json:"num_ctx,omitempty" yaml:"num_ctx,omitempty"`
}

// NewProvider creates an LLM provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg)
	case "openai":
		return NewOpenAI(cfg), nil
	case "groq":
		return newOpenAIFamily(cfg, "https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"), nil
	case "lmstudio":
		return newOpenAIFamily(cfg, "http://localhost:1234/v1", ""), nil
	case "openrouter":
		return newOpenAIFamily(cfg, "https://openrouter.ai/api/v1", ""), nil
	case "xai":
		return newOpenAIFamily(cfg, "https://api.x.ai/v1", "grok-3-mini"), nil
	case "gemini":
		return newOpenAIFamily(cfg, "https://generativelanguage.googleapis.com/v1beta/openai", "gemini-2.0-flash"), nil
	case "langchain":
		return NewLangChain(cfg)
	case "custom":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("custom llm provider requires base_url")
		}
		return newOpenAIFamily(cfg, "", ""), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// UserPrompt builds a request holding an optional system prompt and a
// single user message.
func UserPrompt(system, user string) ChatRequest {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: user})
	return ChatRequest{Messages: msgs}
}
