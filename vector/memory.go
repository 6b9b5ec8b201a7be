package vector

import (
	"context"
	"maps"
	"sync"
)

// Memory is a brute-force in-memory Index. It is safe for concurrent use;
// searches observe either all or none of a concurrent Add.
type Memory struct {
	dim    int
	metric Metric

	mu      sync.RWMutex
	entries []memEntry
	byKey   map[string]int
}

type memEntry struct {
	Entry
	seq int64
}

// NewMemory creates an empty index. An empty metric means cosine.
func NewMemory(dim int, metric Metric) *Memory {
	if metric == "" {
		metric = Cosine
	}
	return &Memory{dim: dim, metric: metric, byKey: make(map[string]int)}
}

func (m *Memory) Dim() int { return m.dim }

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *Memory) Add(_ context.Context, entries ...Entry) error {
	if err := CheckEntries(m.dim, entries); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e.Vector = append([]float32(nil), e.Vector...)
		e.Payload = maps.Clone(e.Payload)
		if i, ok := m.byKey[e.Key]; ok {
			m.entries[i].Entry = e
			continue
		}
		m.byKey[e.Key] = len(m.entries)
		m.entries = append(m.entries, memEntry{Entry: e, seq: int64(len(m.entries))})
	}
	return nil
}

func (m *Memory) Search(_ context.Context, query []float32, topK int) ([]Match, error) {
	if err := CheckQuery(m.dim, query, topK); err != nil {
		return nil, err
	}
	m.mu.RLock()
	matches := make([]Match, 0, len(m.entries))
	for _, e := range m.entries {
		score := CosineSimilarity(query, e.Vector)
		if m.metric == Dot {
			score = DotProduct(query, e.Vector)
		}
		matches = append(matches, Match{Key: e.Key, Score: score, Payload: maps.Clone(e.Payload), Seq: e.seq})
	}
	m.mu.RUnlock()
	return Rank(matches, topK), nil
}
