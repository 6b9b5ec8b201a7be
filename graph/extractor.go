package graph

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/brunobiangulo/lightrag/internal/errs"
	"github.com/brunobiangulo/lightrag/internal/jsonutil"
	"github.com/brunobiangulo/lightrag/llm"
)

// extractionPrompt asks for entities and relationships of one chunk in a
// single JSON object.
const extractionPrompt = `-Goal-
Given a text document and a list of entity types, identify all entities of those types from the text and all relationships among the identified entities.
Use %[1]s as output language.

-Steps-
1. Identify all entities. For each entity, extract:
- name: name of the entity, capitalized as in the text
- type: one of the following types: [%[2]s]
- description: comprehensive description of the entity's attributes and activities

2. From the entities identified in step 1, identify all pairs of (source, target) that are clearly related to each other. For each pair, extract:
- source: name of the source entity, as identified in step 1
- target: name of the target entity, as identified in step 1
- description: explanation as to why the source entity and the target entity are related to each other
- keywords: one or more high-level keywords that summarize the overarching nature of the relationship
- strength: a number between 1 and 10 indicating the strength of the relationship

Return a JSON object with exactly two keys:
  "entities"      : array of {"name": string, "type": string, "description": string}
  "relationships" : array of {"source": string, "target": string, "description": string, "keywords": string, "strength": number}

Do NOT include any text outside the JSON object.

-Example-
Text: "Alice works with Bob at Acme."
Output:
{"entities": [{"name": "Alice", "type": "person", "description": "Alice works at Acme alongside Bob."}, {"name": "Bob", "type": "person", "description": "Bob works at Acme alongside Alice."}, {"name": "Acme", "type": "organization", "description": "Acme is the company employing Alice and Bob."}], "relationships": [{"source": "Alice", "target": "Bob", "description": "Alice and Bob are colleagues.", "keywords": "collaboration, colleagues", "strength": 8}, {"source": "Alice", "target": "Acme", "description": "Alice is employed by Acme.", "keywords": "employment", "strength": 7}, {"source": "Bob", "target": "Acme", "description": "Bob is employed by Acme.", "keywords": "employment", "strength": 7}]}

-Real Data-
Text: %[3]s
Output:
`

const gleaningPrompt = `MANY entities and relationships were missed in the last extraction. Add them below using the same JSON format. Return only the new ones.`

const gleaningLoopPrompt = `It appears some entities or relationships may have still been missed. Answer YES or NO if there are still entities or relationships that need to be added.`

// ExtractorConfig controls the extraction prompts.
type ExtractorConfig struct {
	Model       string
	EntityTypes []string
	Language    string
	// MaxGleaning is the number of follow-up rounds asking for missed
	// entities. Zero disables gleaning.
	MaxGleaning int
	// Directed keeps A->B and B->A apart when deduplicating.
	Directed bool
}

// Extractor turns chunks into graph fragments with a completion model.
type Extractor struct {
	chat llm.Chatter
	cfg  ExtractorConfig
}

// NewExtractor creates an extractor. Empty entity types and language fall
// back to the defaults.
func NewExtractor(chat llm.Chatter, cfg ExtractorConfig) *Extractor {
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = DefaultEntityTypes
	}
	if cfg.Language == "" {
		cfg.Language = "English"
	}
	return &Extractor{chat: chat, cfg: cfg}
}

// Extract runs the extraction prompt, plus gleaning rounds, over text. The
// result is deduplicated by normalized name and pair key. Unparsable output
// of the first round returns an error wrapping errs.ErrExtractionParse;
// unparsable gleaning rounds are dropped.
func (x *Extractor) Extract(ctx context.Context, text string) (*ExtractionResult, error) {
	prompt := fmt.Sprintf(extractionPrompt, x.cfg.Language, strings.Join(x.cfg.EntityTypes, ", "), text)
	history := []llm.Message{{Role: "user", Content: prompt}}

	raw, err := x.ask(ctx, history, true)
	if err != nil {
		return nil, fmt.Errorf("extraction llm chat: %w", err)
	}
	var result ExtractionResult
	if err := jsonutil.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrExtractionParse, err)
	}
	history = append(history, llm.Message{Role: "assistant", Content: raw})

	for round := 0; round < x.cfg.MaxGleaning; round++ {
		history = append(history, llm.Message{Role: "user", Content: gleaningPrompt})
		raw, err := x.ask(ctx, history, true)
		if err != nil {
			return nil, fmt.Errorf("gleaning llm chat: %w", err)
		}
		history = append(history, llm.Message{Role: "assistant", Content: raw})

		var more ExtractionResult
		if err := jsonutil.Unmarshal(raw, &more); err != nil {
			slog.Debug("graph: dropping unparsable gleaning round", "round", round+1, "error", err)
		} else {
			result.Entities = append(result.Entities, more.Entities...)
			result.Relationships = append(result.Relationships, more.Relationships...)
		}

		if round == x.cfg.MaxGleaning-1 {
			break
		}
		answer, err := x.ask(ctx, append(slices.Clip(history), llm.Message{Role: "user", Content: gleaningLoopPrompt}), false)
		if err != nil {
			return nil, fmt.Errorf("gleaning check llm chat: %w", err)
		}
		if !strings.HasPrefix(strings.ToLower(strings.Trim(strings.TrimSpace(answer), `"'`)), "yes") {
			break
		}
	}

	return dedupe(&result, x.cfg.Directed), nil
}

func (x *Extractor) ask(ctx context.Context, messages []llm.Message, json bool) (string, error) {
	req := llm.ChatRequest{
		Model:       x.cfg.Model,
		Messages:    messages,
		Temperature: 0.0,
	}
	if json {
		req.ResponseFormat = "json_object"
	}
	resp, err := x.chat.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// dedupe merges entities with the same normalized name and relationships
// with the same pair key. The first type wins; descriptions are joined;
// strengths are summed. Empty names and self-loops are dropped.
func dedupe(r *ExtractionResult, directed bool) *ExtractionResult {
	out := &ExtractionResult{}
	entityIdx := make(map[string]int)
	for _, e := range r.Entities {
		name := NormalizeName(e.Name)
		if name == "" {
			continue
		}
		desc := strings.TrimSpace(e.Description)
		if i, ok := entityIdx[name]; ok {
			out.Entities[i].Description = joinDistinct(out.Entities[i].Description, desc, fragmentSep)
			if out.Entities[i].Type == "" {
				out.Entities[i].Type = strings.TrimSpace(e.Type)
			}
			continue
		}
		entityIdx[name] = len(out.Entities)
		out.Entities = append(out.Entities, ExtractedEntity{Name: name, Type: strings.TrimSpace(e.Type), Description: desc})
	}

	relIdx := make(map[[2]string]int)
	for _, rel := range r.Relationships {
		src, tgt := NormalizeName(rel.Source), NormalizeName(rel.Target)
		if src == "" || tgt == "" || src == tgt {
			continue
		}
		key := [2]string{src, tgt}
		if !directed && tgt < src {
			key = [2]string{tgt, src}
		}
		strength := rel.Strength
		if strength <= 0 {
			strength = 1
		}
		desc := strings.TrimSpace(rel.Description)
		if i, ok := relIdx[key]; ok {
			prev := &out.Relationships[i]
			prev.Description = joinDistinct(prev.Description, desc, fragmentSep)
			prev.Keywords = mergeKeywords(prev.Keywords, rel.Keywords)
			prev.Strength += strength
			continue
		}
		relIdx[key] = len(out.Relationships)
		out.Relationships = append(out.Relationships, ExtractedRelationship{
			Source:      src,
			Target:      tgt,
			Description: desc,
			Keywords:    strings.TrimSpace(rel.Keywords),
			Strength:    strength,
		})
	}
	return out
}

// joinDistinct appends b to a unless it is empty or already present.
func joinDistinct(a, b, sep string) string {
	switch {
	case b == "" || a == b:
		return a
	case a == "":
		return b
	}
	return a + sep + b
}
