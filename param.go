package lightrag

import (
	"github.com/brunobiangulo/lightrag/answer"
	"github.com/brunobiangulo/lightrag/retrieval"
)

// Mode selects the retrieval strategy of a query.
type Mode = retrieval.Mode

// Retrieval modes.
const (
	ModeNaive  = retrieval.Naive
	ModeLocal  = retrieval.Local
	ModeGlobal = retrieval.Global
	ModeHybrid = retrieval.Hybrid
)

// QueryParam tunes one query. It is passed by value and never modified.
type QueryParam struct {
	Mode   Mode `json:"mode" yaml:"mode"`
	Stream bool `json:"stream" yaml:"stream"`
	TopK   int  `json:"top_k" yaml:"top_k"`

	MaxTokenForTextUnit      int `json:"max_token_for_text_unit" yaml:"max_token_for_text_unit"`
	MaxTokenForLocalContext  int `json:"max_token_for_local_context" yaml:"max_token_for_local_context"`
	MaxTokenForGlobalContext int `json:"max_token_for_global_context" yaml:"max_token_for_global_context"`

	// ResponseType describes the answer format, e.g. "Single Paragraph".
	ResponseType string `json:"response_type,omitempty" yaml:"response_type,omitempty"`
	// OnlyNeedContext returns the rendered context instead of an answer.
	OnlyNeedContext bool `json:"only_need_context,omitempty" yaml:"only_need_context,omitempty"`
	// OnlyNeedPrompt returns the assembled prompt instead of an answer.
	OnlyNeedPrompt bool `json:"only_need_prompt,omitempty" yaml:"only_need_prompt,omitempty"`
}

// DefaultQueryParam returns hybrid retrieval with the default budgets.
func DefaultQueryParam() QueryParam {
	return QueryParam{
		Mode:                     ModeHybrid,
		TopK:                     60,
		MaxTokenForTextUnit:      4000,
		MaxTokenForLocalContext:  4000,
		MaxTokenForGlobalContext: 4000,
		ResponseType:             answer.DefaultResponseType,
	}
}

// withDefaults fills zero fields from DefaultQueryParam so callers may set
// only the mode.
func (p QueryParam) withDefaults() QueryParam {
	d := DefaultQueryParam()
	if p.Mode == "" {
		p.Mode = d.Mode
	}
	if p.TopK == 0 {
		p.TopK = d.TopK
	}
	if p.MaxTokenForTextUnit == 0 {
		p.MaxTokenForTextUnit = d.MaxTokenForTextUnit
	}
	if p.MaxTokenForLocalContext == 0 {
		p.MaxTokenForLocalContext = d.MaxTokenForLocalContext
	}
	if p.MaxTokenForGlobalContext == 0 {
		p.MaxTokenForGlobalContext = d.MaxTokenForGlobalContext
	}
	if p.ResponseType == "" {
		p.ResponseType = d.ResponseType
	}
	return p
}

func (p QueryParam) retrieval() retrieval.Params {
	return retrieval.Params{
		Mode:                     p.Mode,
		TopK:                     p.TopK,
		MaxTokenForTextUnit:      p.MaxTokenForTextUnit,
		MaxTokenForLocalContext:  p.MaxTokenForLocalContext,
		MaxTokenForGlobalContext: p.MaxTokenForGlobalContext,
	}
}

// Validate checks the parameters after defaults are applied. Negative
// values and unknown modes are ErrInvalidInput.
func (p QueryParam) Validate() error {
	return p.withDefaults().retrieval().Validate()
}
