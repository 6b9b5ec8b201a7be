package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brunobiangulo/lightrag/internal/jsonutil"
	"github.com/brunobiangulo/lightrag/llm"
)

const keywordsPrompt = `Identify the keywords of the user query.

High-level keywords name overarching concepts or themes. Low-level keywords
name specific entities, details, or concrete terms.

Return JSON only, in this shape:
{"high_level_keywords": ["..."], "low_level_keywords": ["..."]}

Example
Query: "How does international trade influence global economic stability?"
Output: {"high_level_keywords": ["International trade", "Global economic stability", "Economic impact"], "low_level_keywords": ["Trade agreements", "Tariffs", "Currency exchange", "Imports", "Exports"]}

Query: %q
Output:`

// Keywords are the query keywords used to steer local and global search.
type Keywords struct {
	HighLevel []string `json:"high_level_keywords"`
	LowLevel  []string `json:"low_level_keywords"`
}

// HighLevelQuery is the text embedded for global search, falling back to
// query when there are no high-level keywords.
func (k Keywords) HighLevelQuery(query string) string {
	return joinOr(k.HighLevel, query)
}

// LowLevelQuery is the text embedded for local search, falling back to
// query when there are no low-level keywords.
func (k Keywords) LowLevelQuery(query string) string {
	return joinOr(k.LowLevel, query)
}

func joinOr(words []string, fallback string) string {
	var kept []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return fallback
	}
	return strings.Join(kept, ", ")
}

// keywords asks the completion model for query keywords. Any failure
// yields empty keywords so that the raw query is searched instead.
func (r *Retriever) keywords(ctx context.Context, query string) Keywords {
	if !r.cfg.KeywordExtraction || r.chat == nil {
		return Keywords{}
	}
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Model:          r.cfg.Model,
		Messages:       []llm.Message{{Role: "user", Content: fmt.Sprintf(keywordsPrompt, query)}},
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("retrieval: keyword extraction failed, using raw query", "error", err)
		return Keywords{}
	}
	var kw Keywords
	if err := jsonutil.Unmarshal(resp.Content, &kw); err != nil {
		slog.Warn("retrieval: unparsable keywords, using raw query", "error", err)
		return Keywords{}
	}
	return kw
}
