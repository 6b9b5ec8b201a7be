package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/llm"
	"github.com/brunobiangulo/lightrag/llm/llmtest"
)

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Alice":            "alice",
		`  "Acme  Corp" `:  "acme corp",
		"'Bob'":            "bob",
		"New\tYork\n City": "new york city",
		"   ":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeName(in), "NormalizeName(%q)", in)
	}
}

func TestExtractDeduplicatesWithinChunk(t *testing.T) {
	chat := &llmtest.Chat{Respond: func(llm.ChatRequest) (string, error) {
		return llmtest.Extraction(
			[]llmtest.Entity{
				{Name: "Alice", Type: "person", Description: "Alice is an engineer."},
				{Name: "ALICE", Type: "organization", Description: "Alice works at Acme."},
				{Name: "  ", Type: "person", Description: "nameless"},
				{Name: "Acme", Type: "organization", Description: "A company."},
			},
			[]llmtest.Relation{
				{Source: "Alice", Target: "Acme", Description: "employed by", Keywords: "employment", Strength: 7},
				{Source: "acme", Target: "alice", Description: "employs", Keywords: "work", Strength: 3},
				{Source: "Acme", Target: "Acme", Description: "self"},
			},
		), nil
	}}
	x := NewExtractor(chat, ExtractorConfig{})

	res, err := x.Extract(context.Background(), "Alice works at Acme.")
	require.NoError(t, err)

	require.Len(t, res.Entities, 2)
	assert.Equal(t, "alice", res.Entities[0].Name)
	assert.Equal(t, "person", res.Entities[0].Type, "first type wins")
	assert.Equal(t, "Alice is an engineer."+fragmentSep+"Alice works at Acme.", res.Entities[0].Description)

	require.Len(t, res.Relationships, 1)
	r := res.Relationships[0]
	assert.Equal(t, "alice", r.Source)
	assert.Equal(t, "acme", r.Target)
	assert.Equal(t, 10.0, r.Strength)
	assert.Equal(t, "employment, work", r.Keywords)

	require.Len(t, chat.Requests(), 1)
	assert.Equal(t, "json_object", chat.Requests()[0].ResponseFormat)
}

func TestExtractDirectedKeepsOrientation(t *testing.T) {
	chat := &llmtest.Chat{Respond: func(llm.ChatRequest) (string, error) {
		return llmtest.Extraction(nil, []llmtest.Relation{
			{Source: "a", Target: "b", Description: "ab"},
			{Source: "b", Target: "a", Description: "ba"},
		}), nil
	}}
	x := NewExtractor(chat, ExtractorConfig{Directed: true})
	res, err := x.Extract(context.Background(), "text")
	require.NoError(t, err)
	assert.Len(t, res.Relationships, 2)
}

func TestExtractParseFailure(t *testing.T) {
	chat := &llmtest.Chat{Respond: func(llm.ChatRequest) (string, error) {
		return "I am sorry, I cannot help with that.", nil
	}}
	x := NewExtractor(chat, ExtractorConfig{MaxGleaning: 1})
	_, err := x.Extract(context.Background(), "text")
	assert.ErrorIs(t, err, errs.ErrExtractionParse)
	assert.Len(t, chat.Requests(), 1, "no gleaning after a failed first round")
}

func TestExtractRepairsMalformedJSON(t *testing.T) {
	chat := &llmtest.Chat{Respond: func(llm.ChatRequest) (string, error) {
		return "```json\n{\"entities\": [{\"name\": \"Bob\", \"type\": \"person\", \"description\": \"Bob\",},],}\n```", nil
	}}
	x := NewExtractor(chat, ExtractorConfig{})
	res, err := x.Extract(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "bob", res.Entities[0].Name)
}

func TestExtractBackendError(t *testing.T) {
	boom := errors.New("connection refused")
	chat := &llmtest.Chat{Respond: func(llm.ChatRequest) (string, error) { return "", boom }}
	x := NewExtractor(chat, ExtractorConfig{})
	_, err := x.Extract(context.Background(), "text")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, errs.ErrExtractionParse)
}

func TestExtractGleaning(t *testing.T) {
	chat := &llmtest.Chat{Respond: func(req llm.ChatRequest) (string, error) {
		last := llmtest.LastUser(req)
		switch {
		case strings.HasPrefix(last, "It appears"):
			return "YES", nil
		case strings.HasPrefix(last, "MANY"):
			// Each gleaning round finds one more entity.
			rounds := 0
			for _, m := range req.Messages {
				if strings.HasPrefix(m.Content, "MANY") {
					rounds++
				}
			}
			name := []string{"", "Bob", "Carol"}[rounds]
			return llmtest.Extraction([]llmtest.Entity{{Name: name, Type: "person"}}, nil), nil
		default:
			return llmtest.Extraction([]llmtest.Entity{{Name: "Alice", Type: "person"}}, nil), nil
		}
	}}
	x := NewExtractor(chat, ExtractorConfig{MaxGleaning: 2})
	res, err := x.Extract(context.Background(), "Alice, Bob and Carol.")
	require.NoError(t, err)

	var names []string
	for _, e := range res.Entities {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
	// extraction, glean, loop check, glean
	assert.Len(t, chat.Requests(), 4)
}

func TestExtractGleaningStopsOnNo(t *testing.T) {
	chat := &llmtest.Chat{Respond: func(req llm.ChatRequest) (string, error) {
		if strings.HasPrefix(llmtest.LastUser(req), "It appears") {
			return "no", nil
		}
		return llmtest.Extraction(nil, nil), nil
	}}
	x := NewExtractor(chat, ExtractorConfig{MaxGleaning: 5})
	_, err := x.Extract(context.Background(), "text")
	require.NoError(t, err)
	// extraction, glean, loop check
	assert.Len(t, chat.Requests(), 3)
}
