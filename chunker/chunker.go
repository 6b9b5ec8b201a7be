// Package chunker splits document text into overlapping token windows.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"iter"
	"slices"
	"strings"

	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/tokenizer"
)

// Config controls the chunking behaviour.
type Config struct {
	MaxTokens int // Maximum tokens per chunk.
	Overlap   int // Tokens shared by consecutive chunks.

	// SplitByCharacter, when set, cuts the text on this separator before
	// windowing. Pieces longer than MaxTokens are still windowed unless
	// SplitByCharacterOnly is true.
	SplitByCharacter     string
	SplitByCharacterOnly bool
}

// Chunk is one token window of a document.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	StartToken int    `json:"start_token"` // offset of the first token within its piece
}

// Chunker converts raw text into chunks.
type Chunker struct {
	cfg Config
	tok tokenizer.Tokenizer
}

// New validates cfg and returns a Chunker.
func New(cfg Config, tok tokenizer.Tokenizer) (*Chunker, error) {
	if cfg.MaxTokens <= 0 {
		return nil, errs.Invalid("chunk max tokens must be positive, got %d", cfg.MaxTokens)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MaxTokens {
		return nil, errs.Invalid("chunk overlap must be in [0, %d), got %d", cfg.MaxTokens, cfg.Overlap)
	}
	if tok == nil {
		tok = tokenizer.Words{}
	}
	return &Chunker{cfg: cfg, tok: tok}, nil
}

// Config returns the validated configuration.
func (c *Chunker) Config() Config { return c.cfg }

// Chunks returns a lazy sequence over the chunks of text. Each range over
// the sequence tokenizes the text again, so it may be iterated any number
// of times.
func (c *Chunker) Chunks(docID, text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		index := 0
		emit := func(pieces []string, start int) bool {
			body := strings.Join(pieces, "")
			ch := Chunk{
				ID:         ChunkID(body),
				DocumentID: docID,
				Index:      index,
				Text:       body,
				TokenCount: len(pieces),
				StartToken: start,
			}
			index++
			return yield(ch)
		}

		for _, part := range c.parts(text) {
			pieces := c.tok.Split(part)
			if len(pieces) == 0 {
				continue
			}
			if c.cfg.SplitByCharacter != "" && c.cfg.SplitByCharacterOnly {
				if !emit(pieces, 0) {
					return
				}
				continue
			}
			if !c.window(pieces, emit) {
				return
			}
		}
	}
}

// Split collects every chunk of text.
func (c *Chunker) Split(docID, text string) []Chunk {
	return slices.Collect(c.Chunks(docID, text))
}

// window emits windows of MaxTokens pieces, advancing MaxTokens-Overlap
// pieces each step. The final window always ends at the last piece.
func (c *Chunker) window(pieces []string, emit func([]string, int) bool) bool {
	step := c.cfg.MaxTokens - c.cfg.Overlap
	for start := 0; ; start += step {
		end := min(start+c.cfg.MaxTokens, len(pieces))
		if !emit(pieces[start:end], start) {
			return false
		}
		if end == len(pieces) {
			return true
		}
	}
}

func (c *Chunker) parts(text string) []string {
	if c.cfg.SplitByCharacter == "" {
		return []string{text}
	}
	return strings.Split(text, c.cfg.SplitByCharacter)
}

// ChunkID derives the content-addressed identifier of a chunk.
func ChunkID(text string) string {
	h := sha256.Sum256([]byte(text))
	return "chunk-" + hex.EncodeToString(h[:])[:32]
}
