package graph

import (
	"strings"

	"github.com/brunobiangulo/lightrag/store"
)

// Entity type constants offered to the extraction prompt by default.
const (
	EntityOrg      = "organization"
	EntityPerson   = "person"
	EntityGeo      = "geo"
	EntityEvent    = "event"
	EntityCategory = "category"
)

// DefaultEntityTypes is the type list used when none is configured.
var DefaultEntityTypes = []string{EntityOrg, EntityPerson, EntityGeo, EntityEvent, EntityCategory}

// ExtractedEntity is what the LLM returns for one entity.
type ExtractedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ExtractedRelationship is what the LLM returns for one relationship.
type ExtractedRelationship struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Description string  `json:"description"`
	Keywords    string  `json:"keywords"`
	Strength    float64 `json:"strength"`
}

// ExtractionResult holds the LLM's structured output for a chunk.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Subgraph is the induced subgraph returned by Neighbors.
type Subgraph struct {
	Entities  []store.Entity   `json:"entities"`
	Relations []store.Relation `json:"relations"`
}

// NormalizeName turns an extracted name into the key entities are merged
// under: surrounding whitespace and quotes removed, inner whitespace
// collapsed, lower-cased.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Trim(name, `"'`+"`")
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// normalizeType lower-cases an extracted type, falling back to the
// placeholder type.
func normalizeType(t string) string {
	t = NormalizeName(t)
	if t == "" {
		return store.PlaceholderType
	}
	return t
}

// RelationKey renders the stored pair of a relation as one string.
func RelationKey(source, target string) string {
	return source + " -> " + target
}
