package store

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/xhad/docrag/internal/types"
)

type memoryEntry struct {
	record types.VectorRecord
	seq    int64
}

// MemoryIndex is a brute-force cosine index with the same ordering rules as
// PGVectorIndex.
type MemoryIndex struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*memoryEntry
	seq        int64
	dim        int
}

var _ types.VectorIndex = (*MemoryIndex)(nil)

// NewMemoryIndex enforces dim on every vector when dim > 0.
func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{
		namespaces: make(map[string]map[string]*memoryEntry),
		dim:        dim,
	}
}

func (m *MemoryIndex) Upsert(_ context.Context, namespace string, records []types.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if m.dim > 0 && len(r.Vector) != m.dim {
			return fmt.Errorf("%w: chunk %s has %d dimensions, index expects %d",
				types.ErrVectorIndex, r.ChunkID, len(r.Vector), m.dim)
		}
	}

	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]*memoryEntry)
		m.namespaces[namespace] = ns
	}
	for _, r := range records {
		r.Vector = slices.Clone(r.Vector)
		if e, ok := ns[r.ChunkID]; ok {
			e.record = r
			continue
		}
		m.seq++
		ns[r.ChunkID] = &memoryEntry{record: r, seq: m.seq}
	}
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, namespace string, vector []float32, topK int, filter *types.VectorFilter) ([]types.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	if m.dim > 0 && len(vector) != m.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			types.ErrVectorIndex, len(vector), m.dim)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		match types.VectorMatch
		seq   int64
	}
	var results []scored
	for _, e := range m.namespaces[namespace] {
		if filter != nil && len(filter.DocumentIDs) > 0 && !slices.Contains(filter.DocumentIDs, e.record.Metadata.DocumentID) {
			continue
		}
		results = append(results, scored{
			match: types.VectorMatch{
				ChunkID:   e.record.ChunkID,
				Namespace: namespace,
				Score:     Cosine(vector, e.record.Vector),
				Metadata:  e.record.Metadata,
			},
			seq: e.seq,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].match.Score != results[j].match.Score {
			return results[i].match.Score > results[j].match.Score
		}
		return results[i].seq < results[j].seq
	})
	if len(results) > topK {
		results = results[:topK]
	}

	out := make([]types.VectorMatch, len(results))
	for i, r := range results {
		out[i] = r.match
	}
	return out, nil
}

func (m *MemoryIndex) Delete(_ context.Context, namespace string, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := m.namespaces[namespace]
	for _, id := range chunkIDs {
		delete(ns, id)
	}
	return nil
}

func (m *MemoryIndex) Count(_ context.Context, namespace, documentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.namespaces[namespace] {
		if documentID == "" || e.record.Metadata.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) Close() {}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
