package graph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/tokenizer"
)

// fragmentSep separates the description fragments merged into one entity
// or relation.
const fragmentSep = "<SEP>"

// Merge policy names.
const (
	MergeConcat    = "concat"
	MergeSummarize = "summarize"
)

// Merger combines the description fragments of one entity or relation.
// subject names what is described and is only used in prompts and logs.
type Merger interface {
	Merge(ctx context.Context, subject string, fragments []string) (string, error)
}

// Concat joins fragments and truncates the result to MaxTokens.
type Concat struct {
	Tokenizer tokenizer.Tokenizer
	MaxTokens int
}

func (c Concat) Merge(_ context.Context, _ string, fragments []string) (string, error) {
	joined := strings.Join(fragments, fragmentSep)
	if c.MaxTokens <= 0 {
		return joined, nil
	}
	tok := c.Tokenizer
	if tok == nil {
		tok = tokenizer.Words{}
	}
	return tokenizer.Truncate(tok, joined, c.MaxTokens), nil
}

const summarizePrompt = `You are a helpful assistant responsible for generating a comprehensive summary of the data provided below.
Given one entity or relationship and a list of descriptions, all related to the same entity or relationship, concatenate all of these into a single, comprehensive description. Make sure to include information collected from all the descriptions.
If the provided descriptions are contradictory, resolve the contradictions and provide a single, coherent summary.
Make sure it is written in third person, and include the entity names so we have the full context.
Use %s as output language.

#######
-Data-
Entities: %s
Description List: %s
#######
Output:
`

// Summarize joins fragments and, when the result exceeds MaxTokens, asks
// the completion model for a summary of them.
type Summarize struct {
	Chat      llm.Chatter
	Model     string
	Language  string
	Tokenizer tokenizer.Tokenizer
	MaxTokens int
	// MaxSummaryTokens bounds the model output. Zero leaves it unset.
	MaxSummaryTokens int
}

func (s Summarize) Merge(ctx context.Context, subject string, fragments []string) (string, error) {
	joined := strings.Join(fragments, fragmentSep)
	tok := s.Tokenizer
	if tok == nil {
		tok = tokenizer.Words{}
	}
	if s.MaxTokens <= 0 || tok.Count(joined) <= s.MaxTokens || len(fragments) < 2 {
		return joined, nil
	}

	lang := s.Language
	if lang == "" {
		lang = "English"
	}
	req := llm.UserPrompt("", fmt.Sprintf(summarizePrompt, lang, subject, strings.Join(fragments, "\n")))
	req.Model = s.Model
	req.MaxTokens = s.MaxSummaryTokens

	resp, err := s.Chat.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarizing %q: %w", subject, err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		slog.Warn("graph: empty summary, keeping concatenation", "subject", subject)
		return tokenizer.Truncate(tok, joined, s.MaxTokens), nil
	}
	return summary, nil
}

// splitFragments returns the non-empty fragments of a merged description.
func splitFragments(desc string) []string {
	var out []string
	for _, f := range strings.Split(desc, fragmentSep) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// appendFragment adds frag to fragments unless it is empty or present.
func appendFragment(fragments []string, frag string) []string {
	frag = strings.TrimSpace(frag)
	if frag == "" || slices.Contains(fragments, frag) {
		return fragments
	}
	return append(fragments, frag)
}

// mergeKeywords unions comma-separated keyword lists, sorted.
func mergeKeywords(a, b string) string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range []string{a, b} {
		for _, k := range strings.Split(list, ",") {
			k = strings.TrimSpace(k)
			if k == "" || seen[strings.ToLower(k)] {
				continue
			}
			seen[strings.ToLower(k)] = true
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return strings.Join(out, ", ")
}
