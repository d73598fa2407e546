// In-memory VectorIndex with deterministic cosine scoring. Intended for
// single-process deployments, development, and tests; a hosted vector store
// can replace it behind the same interface without touching the matcher.
//
// Engineering notes, in the spirit of the rest of this package:
//
//   - No logging in the library (callers decide how/what to log)
//   - Functional options (Option pattern) for construction-time knobs
//   - Deterministic scoring and sorting (stable order for ties)
//   - Safe for concurrent use; reads take an RLock, upserts a write lock
package match

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Entry is one stored vector with its candidate payload.
type Entry struct {
	ID       string
	OwnerID  string
	Category string
	Answer   string
	Active   bool
	Vector   []float32
}

// IndexOption configures a MemoryIndex.
type IndexOption func(*memConfig)

type memConfig struct {
	maxEntries int
}

// WithMaxEntries caps how many entries the index will hold; zero means
// unbounded. Upserts beyond the cap are rejected silently (the corpus editor
// enforces its own limits upstream).
func WithMaxEntries(n int) IndexOption {
	return func(c *memConfig) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// MemoryIndex implements VectorIndex over an in-process map.
type MemoryIndex struct {
	dim int
	cfg memConfig

	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryIndex builds an empty index for vectors of the given length.
func NewMemoryIndex(dim int, opts ...IndexOption) *MemoryIndex {
	cfg := memConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return &MemoryIndex{
		dim:     dim,
		cfg:     cfg,
		entries: make(map[string]Entry),
	}
}

// Dimension implements VectorIndex.
func (ix *MemoryIndex) Dimension() int { return ix.dim }

// Upsert stores or replaces an entry. Vectors of the wrong length are
// rejected with ErrEmbeddingDimension.
func (ix *MemoryIndex) Upsert(e Entry) error {
	if len(e.Vector) != ix.dim {
		return ErrEmbeddingDimension
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.cfg.maxEntries > 0 && len(ix.entries) >= ix.cfg.maxEntries {
		if _, exists := ix.entries[e.ID]; !exists {
			return nil
		}
	}
	ix.entries[e.ID] = e
	return nil
}

// Remove drops an entry if present.
func (ix *MemoryIndex) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, id)
}

// Len reports how many entries the index holds.
func (ix *MemoryIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search implements VectorIndex with cosine similarity mapped to [0,1].
// Ties break on shorter answer text, then lexical ID, so results are stable
// across runs.
func (ix *MemoryIndex) Search(ctx context.Context, vector []float32, f Filter, topK int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != ix.dim {
		return nil, ErrEmbeddingDimension
	}
	if topK <= 0 {
		topK = 3
	}

	ix.mu.RLock()
	buf := make([]Candidate, 0, topK*4)
	for _, e := range ix.entries {
		if f.OwnerID != "" && e.OwnerID != f.OwnerID {
			continue
		}
		if f.ActiveOnly && !e.Active {
			continue
		}
		score := cosine01(vector, e.Vector)
		if score <= 0 {
			continue
		}
		buf = append(buf, Candidate{
			ID:       e.ID,
			Score:    score,
			Answer:   e.Answer,
			Active:   e.Active,
			OwnerID:  e.OwnerID,
			Category: e.Category,
		})
	}
	ix.mu.RUnlock()

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].Score != buf[b].Score {
			return buf[a].Score > buf[b].Score
		}
		if len(buf[a].Answer) != len(buf[b].Answer) {
			return len(buf[a].Answer) < len(buf[b].Answer)
		}
		return buf[a].ID < buf[b].ID
	})

	if topK < len(buf) {
		buf = buf[:topK]
	}
	return buf, nil
}

// cosine01 maps cosine similarity from [-1,1] into [0,1].
func cosine01(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (cos + 1) / 2
}
