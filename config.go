package lightrag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/lightrag/graph"
	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/llm"
)

// dbFile is the database file inside the working directory.
const dbFile = "lightrag.db"

// GraphMLFile is written to the working directory after each insert when
// Config.ExportGraphML is set.
const GraphMLFile = "graph_chunk_entity_relation.graphml"

// Config holds all configuration for the engine.
type Config struct {
	// WorkingDir holds the database and exports. Created if missing.
	WorkingDir string `json:"working_dir" yaml:"working_dir"`

	// Model backends. ChatModel and EmbeddingModel, when set, are used
	// instead of building providers from Chat and Embedding.
	Chat           LLMConfig    `json:"chat" yaml:"chat"`
	Embedding      LLMConfig    `json:"embedding" yaml:"embedding"`
	ChatModel      llm.Chatter  `json:"-" yaml:"-"`
	EmbeddingModel llm.Embedder `json:"-" yaml:"-"`

	// Embedding
	EmbeddingDim          int `json:"embedding_dim" yaml:"embedding_dim"`
	EmbeddingMaxTokenSize int `json:"embedding_max_token_size" yaml:"embedding_max_token_size"`
	EmbeddingBatchSize    int `json:"embedding_batch_size" yaml:"embedding_batch_size"`
	EmbeddingMaxAsync     int `json:"embedding_max_async" yaml:"embedding_max_async"`

	// Model calls
	LLMMaxAsync    int      `json:"llm_max_async" yaml:"llm_max_async"`
	LLMRateLimit   float64  `json:"llm_rate_limit" yaml:"llm_rate_limit"` // calls per second, 0 = unlimited
	LLMTimeout     Duration `json:"llm_timeout" yaml:"llm_timeout"`
	MaxRetries     int      `json:"max_retries" yaml:"max_retries"`
	RetryBaseDelay Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  Duration `json:"retry_max_delay" yaml:"retry_max_delay"`

	// Chunking
	TokenizerEncoding     string `json:"tokenizer_encoding" yaml:"tokenizer_encoding"` // tiktoken encoding, "" = word counting
	ChunkTokenSize        int    `json:"chunk_token_size" yaml:"chunk_token_size"`
	ChunkOverlapTokenSize int    `json:"chunk_overlap_token_size" yaml:"chunk_overlap_token_size"`
	SplitByCharacter      string `json:"split_by_character,omitempty" yaml:"split_by_character,omitempty"`
	SplitByCharacterOnly  bool   `json:"split_by_character_only,omitempty" yaml:"split_by_character_only,omitempty"`

	// Extraction and graph
	EntityTypes          []string `json:"entity_types" yaml:"entity_types"`
	Language             string   `json:"language" yaml:"language"`
	MaxGleaning          int      `json:"max_gleaning" yaml:"max_gleaning"`
	Directed             bool     `json:"directed" yaml:"directed"`
	DescriptionMerge     string   `json:"description_merge" yaml:"description_merge"` // concat or summarize
	MaxDescriptionTokens int      `json:"max_description_tokens" yaml:"max_description_tokens"`
	SummaryMaxTokens     int      `json:"summary_max_tokens" yaml:"summary_max_tokens"`

	// Retrieval
	SimilarityWeight  float64 `json:"similarity_weight" yaml:"similarity_weight"`
	DegreeWeight      float64 `json:"degree_weight" yaml:"degree_weight"`
	KeywordExtraction bool    `json:"keyword_extraction" yaml:"keyword_extraction"`

	// Response cache. RedisURL selects Redis over the working-dir database.
	EnableLLMCache bool   `json:"enable_llm_cache" yaml:"enable_llm_cache"`
	RedisURL       string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`

	// ExportGraphML rewrites GraphMLFile after every insert.
	ExportGraphML bool `json:"export_graphml" yaml:"export_graphml"`
}

// LLMConfig configures a single model provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, groq, lmstudio, openrouter, xai, gemini, langchain, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	NumCtx   int    `json:"num_ctx,omitempty" yaml:"num_ctx,omitempty"` // Ollama context window
}

func (c LLMConfig) provider() llm.Config {
	return llm.Config{Provider: c.Provider, Model: c.Model, BaseURL: c.BaseURL, APIKey: c.APIKey, NumCtx: c.NumCtx}
}

// DefaultConfig returns the configuration of a local Ollama setup.
func DefaultConfig() Config {
	return Config{
		WorkingDir: "./dickens",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2",
			BaseURL:  "http://localhost:11434",
			NumCtx:   32768,
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim:          768,
		EmbeddingMaxTokenSize: 8192,
		EmbeddingBatchSize:    32,
		EmbeddingMaxAsync:     16,
		LLMMaxAsync:           4,
		LLMTimeout:            Duration(3 * time.Minute),
		MaxRetries:            3,
		RetryBaseDelay:        Duration(time.Second),
		RetryMaxDelay:         Duration(30 * time.Second),
		ChunkTokenSize:        1200,
		ChunkOverlapTokenSize: 100,
		TokenizerEncoding:     "cl100k_base",
		EntityTypes:           append([]string(nil), graph.DefaultEntityTypes...),
		Language:              "English",
		MaxGleaning:           1,
		DescriptionMerge:      graph.MergeSummarize,
		MaxDescriptionTokens:  500,
		SummaryMaxTokens:      500,
		SimilarityWeight:      0.7,
		DegreeWeight:          0.3,
		KeywordExtraction:     true,
		EnableLLMCache:        true,
	}
}

// Validate checks every field and reports the first problem as
// ErrInvalidInput.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.WorkingDir) == "":
		return errs.Invalid("working_dir is required")
	case c.ChatModel == nil && c.Chat.Provider == "":
		return errs.Invalid("chat provider is required")
	case c.EmbeddingModel == nil && c.Embedding.Provider == "":
		return errs.Invalid("embedding provider is required")
	case c.EmbeddingDim <= 0:
		return errs.Invalid("embedding_dim must be positive, got %d", c.EmbeddingDim)
	case c.EmbeddingMaxTokenSize < 0:
		return errs.Invalid("embedding_max_token_size must not be negative")
	case c.EmbeddingBatchSize < 0 || c.EmbeddingMaxAsync < 0:
		return errs.Invalid("embedding batch size and max async must not be negative")
	case c.LLMMaxAsync <= 0:
		return errs.Invalid("llm_max_async must be positive, got %d", c.LLMMaxAsync)
	case c.LLMRateLimit < 0:
		return errs.Invalid("llm_rate_limit must not be negative")
	case c.LLMTimeout < 0 || c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0:
		return errs.Invalid("timeouts and delays must not be negative")
	case c.MaxRetries < 0:
		return errs.Invalid("max_retries must not be negative")
	case c.ChunkTokenSize <= 0:
		return errs.Invalid("chunk_token_size must be positive, got %d", c.ChunkTokenSize)
	case c.ChunkOverlapTokenSize < 0 || c.ChunkOverlapTokenSize >= c.ChunkTokenSize:
		return errs.Invalid("chunk_overlap_token_size must be in [0, %d), got %d", c.ChunkTokenSize, c.ChunkOverlapTokenSize)
	case c.SplitByCharacterOnly && c.SplitByCharacter == "":
		return errs.Invalid("split_by_character_only requires split_by_character")
	case c.MaxGleaning < 0:
		return errs.Invalid("max_gleaning must not be negative")
	case c.DescriptionMerge != "" && c.DescriptionMerge != graph.MergeConcat && c.DescriptionMerge != graph.MergeSummarize:
		return errs.Invalid("description_merge must be %q or %q, got %q", graph.MergeConcat, graph.MergeSummarize, c.DescriptionMerge)
	case c.MaxDescriptionTokens < 0 || c.SummaryMaxTokens < 0:
		return errs.Invalid("description token limits must not be negative")
	case c.SimilarityWeight < 0 || c.DegreeWeight < 0:
		return errs.Invalid("retrieval weights must not be negative")
	case c.SimilarityWeight == 0 && c.DegreeWeight == 0:
		return errs.Invalid("at least one retrieval weight must be positive")
	}
	return nil
}

// LoadConfig reads a JSON or YAML file (by extension) over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("%w: parsing config %s: %v", errs.ErrInvalidInput, filepath.Base(path), err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LIGHTRAG_* environment variables and fills
// empty API keys from the provider's well-known variable.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"LIGHTRAG_WORKING_DIR":        &c.WorkingDir,
		"LIGHTRAG_LLM_PROVIDER":       &c.Chat.Provider,
		"LIGHTRAG_LLM_MODEL":          &c.Chat.Model,
		"LIGHTRAG_LLM_BASE_URL":       &c.Chat.BaseURL,
		"LIGHTRAG_LLM_API_KEY":        &c.Chat.APIKey,
		"LIGHTRAG_EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"LIGHTRAG_EMBEDDING_MODEL":    &c.Embedding.Model,
		"LIGHTRAG_EMBEDDING_BASE_URL": &c.Embedding.BaseURL,
		"LIGHTRAG_EMBEDDING_API_KEY":  &c.Embedding.APIKey,
		"LIGHTRAG_REDIS_URL":          &c.RedisURL,
	}
	for k, p := range str {
		if v := os.Getenv(k); v != "" {
			*p = v
		}
	}

	ints := map[string]*int{
		"LIGHTRAG_EMBEDDING_DIM":   &c.EmbeddingDim,
		"LIGHTRAG_LLM_MAX_ASYNC":   &c.LLMMaxAsync,
		"LIGHTRAG_LLM_NUM_CTX":     &c.Chat.NumCtx,
		"LIGHTRAG_CHUNK_SIZE":      &c.ChunkTokenSize,
		"LIGHTRAG_CHUNK_OVERLAP":   &c.ChunkOverlapTokenSize,
		"LIGHTRAG_MAX_GLEANING":    &c.MaxGleaning,
		"LIGHTRAG_EMBEDDING_ASYNC": &c.EmbeddingMaxAsync,
	}
	for k, p := range ints {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errs.Invalid("%s: %v", k, err)
		}
		*p = n
	}

	if v := os.Getenv("LIGHTRAG_ENABLE_LLM_CACHE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errs.Invalid("LIGHTRAG_ENABLE_LLM_CACHE: %v", err)
		}
		c.EnableLLMCache = b
	}

	for _, lc := range []*LLMConfig{&c.Chat, &c.Embedding} {
		if lc.APIKey != "" {
			continue
		}
		switch lc.Provider {
		case "openai":
			lc.APIKey = os.Getenv("OPENAI_API_KEY")
		case "groq":
			lc.APIKey = os.Getenv("GROQ_API_KEY")
		}
	}
	return nil
}

// Duration is a time.Duration that reads and writes as a string such as
// "30s" in JSON and YAML.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error { return d.parse(n.Value) }

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
