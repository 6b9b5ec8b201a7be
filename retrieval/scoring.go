package retrieval

import (
	"cmp"
	"slices"

	"github.com/brunobiangulo/lightrag/graph"
	"github.com/brunobiangulo/lightrag/store"
)

// ScoredEntity is an entity with its retrieval scores.
type ScoredEntity struct {
	store.Entity
	Similarity float64 `json:"similarity"`
	Degree     int     `json:"degree"`
	Score      float64 `json:"score"`
}

// ScoredRelation is a relation with its retrieval scores. Degree is the
// sum of the endpoint degrees.
type ScoredRelation struct {
	store.Relation
	Similarity float64 `json:"similarity"`
	Degree     int     `json:"degree"`
	Score      float64 `json:"score"`
}

// Key identifies the relation.
func (r ScoredRelation) Key() string { return graph.RelationKey(r.Source, r.Target) }

// ScoredChunk is a chunk with the best score of the elements citing it.
type ScoredChunk struct {
	store.Chunk
	Score float64 `json:"score"`
}

// scoreAndSort combines similarity with degree normalized over the
// context, then orders entities and relations by score, then key.
func (r *Retriever) scoreAndSort(c *Context) {
	maxEnt, maxRel := 0, 0
	for _, e := range c.Entities {
		maxEnt = max(maxEnt, e.Degree)
	}
	for _, rel := range c.Relations {
		maxRel = max(maxRel, rel.Degree)
	}
	for i := range c.Entities {
		c.Entities[i].Score = r.combine(c.Entities[i].Similarity, c.Entities[i].Degree, maxEnt)
	}
	for i := range c.Relations {
		c.Relations[i].Score = r.combine(c.Relations[i].Similarity, c.Relations[i].Degree, maxRel)
	}
	sortEntities(c.Entities)
	sortRelations(c.Relations)
}

func (r *Retriever) combine(sim float64, degree, maxDegree int) float64 {
	norm := 0.0
	if maxDegree > 0 {
		norm = float64(degree) / float64(maxDegree)
	}
	return r.cfg.SimilarityWeight*sim + r.cfg.DegreeWeight*norm
}

func sortEntities(es []ScoredEntity) {
	slices.SortStableFunc(es, func(a, b ScoredEntity) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}

func sortRelations(rs []ScoredRelation) {
	slices.SortStableFunc(rs, func(a, b ScoredRelation) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Key(), b.Key())
	})
}

func sortChunks(cs []ScoredChunk) {
	slices.SortStableFunc(cs, func(a, b ScoredChunk) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// merge fuses local and global contexts. Elements present in both keep
// their higher similarity. Scores are then recomputed against the degrees
// of the merged context, and each chunk takes the best score of the merged
// elements citing it.
func (r *Retriever) merge(local, global *Context) *Context {
	out := &Context{}

	entities := make(map[string]int)
	for _, src := range []*Context{local, global} {
		for _, e := range src.Entities {
			if i, ok := entities[e.Name]; ok {
				if e.Similarity > out.Entities[i].Similarity {
					out.Entities[i] = e
				}
				continue
			}
			entities[e.Name] = len(out.Entities)
			out.Entities = append(out.Entities, e)
		}
	}

	relations := make(map[string]int)
	for _, src := range []*Context{local, global} {
		for _, rel := range src.Relations {
			k := rel.Key()
			if i, ok := relations[k]; ok {
				if rel.Similarity > out.Relations[i].Similarity {
					out.Relations[i] = rel
				}
				continue
			}
			relations[k] = len(out.Relations)
			out.Relations = append(out.Relations, rel)
		}
	}
	r.scoreAndSort(out)

	cited := make(map[string]float64)
	for _, e := range out.Entities {
		cite(cited, e.SourceChunks, e.Score)
	}
	for _, rel := range out.Relations {
		cite(cited, rel.SourceChunks, rel.Score)
	}
	chunks := make(map[string]int)
	for _, src := range []*Context{local, global} {
		for _, ch := range src.Chunks {
			if i, ok := chunks[ch.ID]; ok {
				out.Chunks[i].Score = max(out.Chunks[i].Score, ch.Score)
				continue
			}
			chunks[ch.ID] = len(out.Chunks)
			out.Chunks = append(out.Chunks, ch)
		}
	}
	for i := range out.Chunks {
		if s, ok := cited[out.Chunks[i].ID]; ok {
			out.Chunks[i].Score = s
		}
	}
	sortChunks(out.Chunks)
	return out
}
