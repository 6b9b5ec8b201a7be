// Package llmtest provides deterministic stand-ins for completion and
// embedding backends.
package llmtest

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/brunobiangulo/lightrag/llm"
)

// Vector embeds text as a normalized bag of hashed lower-case words, so
// texts sharing words have positive cosine similarity.
func Vector(text string, dim int) []float32 {
	v := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// Embedder returns Vector for every input.
type Embedder struct {
	Dim int
	// Err, when set, is returned by every call.
	Err error

	mu    sync.Mutex
	calls int
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = Vector(t, e.Dim)
	}
	return out, nil
}

// Calls returns how many times Embed was invoked.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Chat answers every request with Respond. Streams split the response
// into word fragments.
type Chat struct {
	Respond func(req llm.ChatRequest) (string, error)

	mu       sync.Mutex
	requests []llm.ChatRequest
}

func (c *Chat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.record(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := c.Respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: text, Model: req.Model, FinishReason: "stop"}, nil
}

func (c *Chat) ChatStream(ctx context.Context, req llm.ChatRequest) (*llm.Stream, error) {
	c.record(req)
	return llm.NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		text, err := c.Respond(req)
		if err != nil {
			return err
		}
		for _, frag := range Fragments(text) {
			if err := emit(frag); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (c *Chat) record(req llm.ChatRequest) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
}

// Requests returns a copy of every request received so far.
func (c *Chat) Requests() []llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.ChatRequest(nil), c.requests...)
}

// Fragments splits text into pieces that each end after a space.
func Fragments(text string) []string {
	var out []string
	for len(text) > 0 {
		i := strings.IndexByte(text, ' ')
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}

// LastUser returns the content of the last user message of req.
func LastUser(req llm.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// Entity and Relation describe extraction output.
type Entity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type Relation struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Description string  `json:"description"`
	Keywords    string  `json:"keywords"`
	Strength    float64 `json:"strength"`
}

// Extraction renders an extraction response in the JSON shape the graph
// extractor expects.
func Extraction(entities []Entity, relations []Relation) string {
	if entities == nil {
		entities = []Entity{}
	}
	if relations == nil {
		relations = []Relation{}
	}
	data, _ := json.Marshal(map[string]any{
		"entities":      entities,
		"relationships": relations,
	})
	return string(data)
}
