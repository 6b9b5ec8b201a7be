package retrieval

import (
	"encoding/csv"
	"strconv"
	"strings"
)

// Context is the material retrieved for one query, ordered by relevance.
type Context struct {
	Mode      Mode             `json:"mode"`
	Entities  []ScoredEntity   `json:"entities"`
	Relations []ScoredRelation `json:"relations"`
	Chunks    []ScoredChunk    `json:"chunks"`
	Keywords  Keywords         `json:"keywords"`
}

// Empty reports whether nothing was retrieved.
func (c *Context) Empty() bool {
	return c == nil || len(c.Entities) == 0 && len(c.Relations) == 0 && len(c.Chunks) == 0
}

// Render formats the context as CSV sections for the answer prompt.
// Sections with no rows are left out.
func (c *Context) Render() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder

	if len(c.Entities) > 0 {
		rows := [][]string{{"id", "entity", "type", "description", "rank"}}
		for i, e := range c.Entities {
			rows = append(rows, []string{strconv.Itoa(i), e.Name, e.Type, e.Description, strconv.Itoa(e.Degree)})
		}
		section(&b, "Entities", rows)
	}
	if len(c.Relations) > 0 {
		rows := [][]string{{"id", "source", "target", "description", "keywords", "weight", "rank"}}
		for i, r := range c.Relations {
			rows = append(rows, []string{
				strconv.Itoa(i), r.Source, r.Target, r.Description, r.Keywords,
				strconv.FormatFloat(r.Weight, 'f', -1, 64), strconv.Itoa(r.Degree),
			})
		}
		section(&b, "Relationships", rows)
	}
	if len(c.Chunks) > 0 {
		rows := [][]string{{"id", "content"}}
		for i, ch := range c.Chunks {
			rows = append(rows, []string{strconv.Itoa(i), ch.Content})
		}
		section(&b, "Sources", rows)
	}
	return strings.TrimRight(b.String(), "\n")
}

func section(b *strings.Builder, title string, rows [][]string) {
	b.WriteString("-----" + title + "-----\n```csv\n")
	w := csv.NewWriter(b)
	// strings.Builder writes never fail.
	_ = w.WriteAll(rows)
	b.WriteString("```\n")
}

func entityRow(e ScoredEntity) string {
	return e.Name + "," + e.Type + "," + e.Description
}

func relationRow(r ScoredRelation) string {
	return r.Source + "," + r.Target + "," + r.Description + "," + r.Keywords
}
