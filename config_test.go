package lightrag

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/lightrag/graph"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "./dickens", cfg.WorkingDir)
	assert.Equal(t, "llama3.2", cfg.Chat.Model)
	assert.Equal(t, 32768, cfg.Chat.NumCtx)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 768, cfg.EmbeddingDim)
	assert.Equal(t, 8192, cfg.EmbeddingMaxTokenSize)
	assert.Equal(t, 4, cfg.LLMMaxAsync)
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"no working dir":         func(c *Config) { c.WorkingDir = " " },
		"no chat provider":       func(c *Config) { c.Chat.Provider = "" },
		"no embedding provider":  func(c *Config) { c.Embedding.Provider = "" },
		"zero dim":               func(c *Config) { c.EmbeddingDim = 0 },
		"zero max async":         func(c *Config) { c.LLMMaxAsync = 0 },
		"negative rate":          func(c *Config) { c.LLMRateLimit = -1 },
		"negative timeout":       func(c *Config) { c.LLMTimeout = -1 },
		"zero chunk size":        func(c *Config) { c.ChunkTokenSize = 0 },
		"overlap too large":      func(c *Config) { c.ChunkOverlapTokenSize = c.ChunkTokenSize },
		"split only without sep": func(c *Config) { c.SplitByCharacterOnly = true },
		"negative gleaning":      func(c *Config) { c.MaxGleaning = -1 },
		"unknown merge":          func(c *Config) { c.DescriptionMerge = "vote" },
		"no weights":             func(c *Config) { c.SimilarityWeight, c.DegreeWeight = 0, 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)
		})
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lightrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
working_dir: /tmp/rag
chat:
  provider: openai
  model: gpt-4o-mini
llm_timeout: 45s
description_merge: concat
entity_types: [person, organization]
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rag", cfg.WorkingDir)
	assert.Equal(t, "openai", cfg.Chat.Provider)
	assert.Equal(t, Duration(45*time.Second), cfg.LLMTimeout)
	assert.Equal(t, graph.MergeConcat, cfg.DescriptionMerge)
	assert.Equal(t, []string{"person", "organization"}, cfg.EntityTypes)
	// Unset fields keep their defaults.
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
}

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lightrag.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"embedding_dim": 1024, "retry_max_delay": "1m"}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.EmbeddingDim)
	assert.Equal(t, Duration(time.Minute), cfg.RetryMaxDelay)

	require.NoError(t, os.WriteFile(path, []byte(`{"llm_timeout": 5}`), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LIGHTRAG_WORKING_DIR", "/data/rag")
	t.Setenv("LIGHTRAG_LLM_PROVIDER", "groq")
	t.Setenv("LIGHTRAG_EMBEDDING_DIM", "1536")
	t.Setenv("LIGHTRAG_ENABLE_LLM_CACHE", "false")
	t.Setenv("GROQ_API_KEY", "gsk-test")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "/data/rag", cfg.WorkingDir)
	assert.Equal(t, "groq", cfg.Chat.Provider)
	assert.Equal(t, "gsk-test", cfg.Chat.APIKey)
	assert.Empty(t, cfg.Embedding.APIKey)
	assert.Equal(t, 1536, cfg.EmbeddingDim)
	assert.False(t, cfg.EnableLLMCache)

	t.Setenv("LIGHTRAG_LLM_MAX_ASYNC", "many")
	assert.ErrorIs(t, cfg.ApplyEnv(), ErrInvalidInput)
}

func TestQueryParamDefaults(t *testing.T) {
	p := QueryParam{Mode: ModeLocal}.withDefaults()
	assert.Equal(t, ModeLocal, p.Mode)
	assert.Equal(t, 60, p.TopK)
	assert.Equal(t, 4000, p.MaxTokenForTextUnit)
	assert.Equal(t, ModeHybrid, QueryParam{}.withDefaults().Mode)

	assert.NoError(t, QueryParam{}.Validate())
	assert.ErrorIs(t, QueryParam{Mode: "mix"}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, QueryParam{TopK: -1}.Validate(), ErrInvalidInput)
}

func TestDocumentID(t *testing.T) {
	id := DocumentID("  A Christmas Carol  ")
	assert.Equal(t, id, DocumentID("A Christmas Carol"))
	assert.Len(t, id, len("doc-")+32)
	assert.NotEqual(t, id, DocumentID("A Christmas Carol."))
}
