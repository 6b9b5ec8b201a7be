// Package tokenizer splits text into model tokens for chunking and for
// enforcing context budgets.
package tokenizer

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE used when none is configured.
const DefaultEncoding = "o200k_base"

// Tokenizer turns text into an ordered list of token pieces. Joining the
// pieces of Split(text) always yields text again.
type Tokenizer interface {
	Split(text string) []string
	Count(text string) int
}

// Tiktoken tokenizes with an OpenAI BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. The first call for an encoding may
// download its ranks file.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Split decodes every token id on its own. Tokens that end inside a
// multi-byte rune are merged with their successors so every piece is valid
// UTF-8.
func (t *Tiktoken) Split(text string) []string {
	ids := t.enc.Encode(text, nil, nil)
	pieces := make([]string, 0, len(ids))
	var pending strings.Builder
	for _, id := range ids {
		pending.WriteString(t.enc.Decode([]int{id}))
		if !utf8.ValidString(pending.String()) {
			continue
		}
		pieces = append(pieces, pending.String())
		pending.Reset()
	}
	if pending.Len() > 0 {
		pieces = append(pieces, pending.String())
	}
	return pieces
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

var wordPattern = regexp.MustCompile(`^\s+|\S+\s*`)

// Words is an offline tokenizer: one token per word including its trailing
// whitespace. Leading whitespace forms its own token.
type Words struct{}

func (Words) Split(text string) []string {
	return wordPattern.FindAllString(text, -1)
}

func (w Words) Count(text string) int {
	return len(w.Split(text))
}

// New returns a tiktoken tokenizer for encoding. If the encoding cannot be
// loaded (for example without network access) it logs a warning and falls
// back to Words.
func New(encoding string) Tokenizer {
	t, err := NewTiktoken(encoding)
	if err != nil {
		slog.Warn("tiktoken unavailable, counting words instead", "encoding", encoding, "error", err)
		return Words{}
	}
	return t
}

// Truncate cuts text to at most max tokens.
func Truncate(tok Tokenizer, text string, max int) string {
	if max <= 0 {
		return ""
	}
	pieces := tok.Split(text)
	if len(pieces) <= max {
		return text
	}
	return strings.Join(pieces[:max], "")
}

// TruncateList keeps the longest prefix of items whose rendered texts fit
// in max tokens together.
func TruncateList[T any](tok Tokenizer, items []T, max int, render func(T) string) []T {
	total := 0
	for i, it := range items {
		total += tok.Count(render(it))
		if total > max {
			return items[:i]
		}
	}
	return items
}
