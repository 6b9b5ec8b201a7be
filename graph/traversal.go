package graph

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/brunobiangulo/lightrag/store"
)

// Neighbors returns the subgraph induced by the entities reachable from
// name within depth hops. Depth 0 yields the entity alone. Entities are
// ordered by name and relations by creation.
func (g *Graph) Neighbors(ctx context.Context, name string, depth int) (*Subgraph, error) {
	name = NormalizeName(name)
	if _, err := g.store.GetEntity(ctx, name); err != nil {
		return nil, fmt.Errorf("graph.Neighbors: %w", err)
	}
	return g.Expand(ctx, []string{name}, depth)
}

// Expand is Neighbors over several seed entities. Unknown seeds are
// ignored.
func (g *Graph) Expand(ctx context.Context, seeds []string, depth int) (*Subgraph, error) {
	if depth < 0 {
		depth = 0
	}

	// BFS, one relation query per hop.
	visited := make(map[string]bool, len(seeds))
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s = NormalizeName(s); s != "" && !visited[s] {
			visited[s] = true
			frontier = append(frontier, s)
		}
	}
	var edges []store.Relation
	seenEdge := make(map[int64]bool)
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		rels, err := g.store.RelationsOf(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("graph.Expand: loading relations: %w", err)
		}
		var next []string
		for _, r := range rels {
			if !seenEdge[r.ID] {
				seenEdge[r.ID] = true
				edges = append(edges, r)
			}
			for _, n := range []string{r.Source, r.Target} {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}

	names := make([]string, 0, len(visited))
	for n := range visited {
		names = append(names, n)
	}
	slices.Sort(names)
	entities, err := g.store.GetEntities(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("graph.Expand: loading entities: %w", err)
	}

	// Only edges whose endpoints were both reached belong to the induced
	// subgraph. Edges of the last frontier were never loaded.
	if len(frontier) > 0 {
		rels, err := g.store.RelationsOf(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("graph.Expand: loading relations: %w", err)
		}
		for _, r := range rels {
			if !seenEdge[r.ID] {
				seenEdge[r.ID] = true
				edges = append(edges, r)
			}
		}
	}
	induced := edges[:0]
	for _, r := range edges {
		if visited[r.Source] && visited[r.Target] {
			induced = append(induced, r)
		}
	}
	slices.SortFunc(induced, func(a, b store.Relation) int { return cmp.Compare(a.ID, b.ID) })

	return &Subgraph{Entities: entities, Relations: induced}, nil
}
