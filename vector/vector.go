// Package vector defines the nearest-neighbour index contract shared by the
// persistent and in-memory indexes.
package vector

import (
	"context"
	"math"
	"sort"

	"github.com/brunobiangulo/lightrag/internal/errs"
)

// Entry is one vector stored under a unique key.
type Entry struct {
	Key     string
	Vector  []float32
	Payload map[string]string
}

// Match is a search hit. Seq is the insertion position of the entry and
// breaks score ties.
type Match struct {
	Key     string            `json:"key"`
	Score   float64           `json:"score"`
	Payload map[string]string `json:"payload,omitempty"`
	Seq     int64             `json:"-"`
}

// Index stores vectors of a fixed dimension for similarity search.
//
// Search returns at most topK matches ordered by score, highest first, with
// ties broken by insertion order. An empty index yields an empty result.
// Adding an existing key replaces its vector and payload but keeps its
// insertion position.
type Index interface {
	Add(ctx context.Context, entries ...Entry) error
	Search(ctx context.Context, query []float32, topK int) ([]Match, error)
	Len(ctx context.Context) (int, error)
	Dim() int
}

// Metric selects the similarity function.
type Metric string

const (
	Cosine Metric = "cosine"
	Dot    Metric = "dot"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0 if
// either is a zero vector or their lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// DotProduct returns the inner product of a and b.
func DotProduct(a, b []float32) float64 {
	var dot float64
	for i := range min(len(a), len(b)) {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Rank sorts matches by score descending, then by insertion order, and
// truncates to topK.
func Rank(matches []Match, topK int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Seq < matches[j].Seq
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// CheckQuery validates search arguments against an index dimension.
func CheckQuery(dim int, query []float32, topK int) error {
	if topK <= 0 {
		return errs.Invalid("top_k must be positive, got %d", topK)
	}
	if len(query) != dim {
		return errs.Invalid("query vector has dimension %d, index expects %d", len(query), dim)
	}
	return nil
}

// CheckEntries validates entries against an index dimension.
func CheckEntries(dim int, entries []Entry) error {
	for _, e := range entries {
		if e.Key == "" {
			return errs.Invalid("vector entry key is empty")
		}
		if len(e.Vector) != dim {
			return errs.Invalid("vector for %q has dimension %d, index expects %d", e.Key, len(e.Vector), dim)
		}
	}
	return nil
}
