// Package answer turns retrieved context into a model answer.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/retrieval"
)

// NoContextResponse is returned, without calling the model, when nothing
// was retrieved.
const NoContextResponse = "Sorry, I'm not able to provide an answer to that question.[no-context]"

// DefaultResponseType describes the expected answer format.
const DefaultResponseType = "Multiple Paragraphs"

// Options configures one answer.
type Options struct {
	// ResponseType describes the target format, such as "Single Paragraph"
	// or "Bullet Points". Defaults to DefaultResponseType.
	ResponseType string
	Model        string
}

// Generator answers questions from retrieval context.
type Generator struct {
	chat  llm.Chatter
	model string
}

// New creates a generator. model is used when Options.Model is empty.
func New(chat llm.Chatter, model string) *Generator {
	return &Generator{chat: chat, model: model}
}

const systemPrompt = `---Role---

You are a helpful assistant responding to questions about the data in the tables provided.

---Goal---

Generate a response of the target length and format that answers the user's question. Summarize all
information in the input data tables appropriate for the response length and format, and incorporate
any relevant general knowledge.
If you don't know the answer, just say so. Do not make anything up.
Do not include information where the supporting evidence for it is not provided.

---Target response length and format---

%s

---Data tables---

%s

Add sections and commentary to the response as appropriate for the length and format. Style the
response in markdown.`

// Messages assembles the prompt sent to the model: a system message
// carrying the rendered context and a user message with the question.
func (g *Generator) Messages(question string, c *retrieval.Context, opts Options) []llm.Message {
	rt := strings.TrimSpace(opts.ResponseType)
	if rt == "" {
		rt = DefaultResponseType
	}
	return []llm.Message{
		{Role: "system", Content: fmt.Sprintf(systemPrompt, rt, c.Render())},
		{Role: "user", Content: question},
	}
}

func (g *Generator) request(question string, c *retrieval.Context, opts Options) llm.ChatRequest {
	model := opts.Model
	if model == "" {
		model = g.model
	}
	return llm.ChatRequest{Model: model, Messages: g.Messages(question, c, opts)}
}

// Answer generates a complete answer. An empty context yields
// NoContextResponse.
func (g *Generator) Answer(ctx context.Context, question string, c *retrieval.Context, opts Options) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", errs.Invalid("question is empty")
	}
	if c.Empty() {
		slog.Info("answer: no context retrieved", "mode", modeOf(c))
		return NoContextResponse, nil
	}

	start := time.Now()
	resp, err := g.chat.Chat(ctx, g.request(question, c, opts))
	if err != nil {
		return "", fmt.Errorf("answer: generating: %w", err)
	}
	slog.Info("answer: generated",
		"mode", modeOf(c),
		"tokens", resp.TotalTokens,
		"cached", resp.Cached,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return clean(resp.Content, question), nil
}

// Stream generates the answer as a sequence of fragments. An empty context
// yields a single NoContextResponse fragment. The fragments are cleaned the
// way Answer cleans its text, so they join to the same answer.
func (g *Generator) Stream(ctx context.Context, question string, c *retrieval.Context, opts Options) (*llm.Stream, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errs.Invalid("question is empty")
	}
	if c.Empty() {
		slog.Info("answer: no context retrieved", "mode", modeOf(c))
		return llm.StaticStream(NoContextResponse), nil
	}
	req := g.request(question, c, opts)
	return llm.NewStream(ctx, func(ctx context.Context, emit func(string) error) error {
		in, err := llm.StreamFrom(ctx, g.chat, req)
		if err != nil {
			return fmt.Errorf("answer: opening stream: %w", err)
		}
		defer in.Close()
		return cleanStream(in, question, emit)
	}), nil
}

// clean strips surrounding whitespace and a prompt echo some local models
// prepend to their answer.
func clean(answer, question string) string {
	answer = strings.TrimSpace(answer)
	if rest, ok := strings.CutPrefix(answer, question); ok && strings.TrimSpace(rest) != "" {
		answer = strings.TrimSpace(rest)
	}
	return answer
}

// cleanStream relays in through emit with the rules of clean. Text is held
// back while it may still be an echo of question, and trailing whitespace
// is held until more text follows it.
func cleanStream(in *llm.Stream, question string, emit func(string) error) error {
	var head strings.Builder
	decided := false
	held := ""
	send := func(text string) error {
		text = held + text
		body := strings.TrimRightFunc(text, unicode.IsSpace)
		held = text[len(body):]
		if body == "" {
			return nil
		}
		return emit(body)
	}

	for in.Next() {
		if decided {
			if err := send(in.Text()); err != nil {
				return err
			}
			continue
		}
		head.WriteString(in.Text())
		h := strings.TrimLeftFunc(head.String(), unicode.IsSpace)
		if strings.HasPrefix(question, h) {
			continue
		}
		rest, echoed := strings.CutPrefix(h, question)
		if echoed && strings.TrimSpace(rest) == "" {
			continue
		}
		decided = true
		if echoed {
			h = strings.TrimLeftFunc(rest, unicode.IsSpace)
		}
		if err := send(h); err != nil {
			return err
		}
	}
	if err := in.Err(); err != nil {
		return fmt.Errorf("answer: streaming: %w", err)
	}
	if !decided {
		if text := clean(head.String(), question); text != "" {
			return emit(text)
		}
	}
	return nil
}

func modeOf(c *retrieval.Context) retrieval.Mode {
	if c == nil {
		return ""
	}
	return c.Mode
}
