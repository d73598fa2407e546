// Package match provides the typed similarity query used by the Decision
// Engine. It wraps two black-box collaborators, an embedding model and a
// vector index, behind a single Query call that enforces a hard timeout,
// scopes results to one owner, and filters inactive corpus entries.
//
// Failure posture: a timeout or transport failure surfaces as
// ErrMatchingUnavailable, never as partial or stale results. Callers must
// treat that error as "no match" and act conservatively.
package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
)

// Sentinel errors exposed by this package.
var (
	// ErrMatchingUnavailable covers timeouts and transport failures of the
	// embedding or index collaborator.
	ErrMatchingUnavailable = errors.New("matching unavailable")

	// ErrEmbeddingDimension is returned when the embedder produces a vector
	// whose dimensionality differs from the index's. Hard error for the
	// invocation; never truncated or padded.
	ErrEmbeddingDimension = errors.New("embedding dimension mismatch")
)

// Candidate is one ranked match with its stored payload.
type Candidate struct {
	ID       string
	Score    float64
	Answer   string
	Active   bool
	OwnerID  string
	Category string
}

// Filter scopes a vector search.
type Filter struct {
	OwnerID    string
	ActiveOnly bool
}

// Embedder converts text into a fixed-dimensionality vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension is the vector length every Embed result must have.
	Dimension() int
}

// VectorIndex is the black-box similarity search collaborator.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, f Filter, topK int) ([]Candidate, error)
	// Dimension is the vector length the index was built with.
	Dimension() int
}

// DefaultTimeout bounds one Query end to end (embed + search).
const DefaultTimeout = time.Second

// Matcher binds an Embedder and a VectorIndex into the typed query contract.
type Matcher struct {
	Embedder Embedder
	Index    VectorIndex

	// Timeout caps one Query; zero means DefaultTimeout.
	Timeout time.Duration
}

// Query embeds text and returns up to topK candidates for the owner, highest
// score first, filtered to active entries with score >= minScore.
//
// Constraints: text non-empty, topK >= 1, minScore in [0,1]; violations are
// caller bugs and reported as plain errors, not ErrMatchingUnavailable.
func (m *Matcher) Query(ctx context.Context, text, ownerID string, topK int, minScore float64) ([]Candidate, error) {
	tr := otel.Tracer("match/Matcher")
	ctx, span := tr.Start(ctx, "Query",
		trace.WithAttributes(
			attribute.String("owner.id", ownerID),
			attribute.Int("top_k", topK),
		),
	)
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("match: empty query text")
	}
	if topK < 1 {
		return nil, fmt.Errorf("match: topK must be >= 1, got %d", topK)
	}
	if minScore < 0 || minScore > 1 {
		return nil, fmt.Errorf("match: minScore must be in [0,1], got %g", minScore)
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() { queryLatency.Observe(time.Since(start).Seconds()) }()

	vec, err := m.Embedder.Embed(ctx, norm.NFC.String(text))
	if err != nil {
		if isDimensionErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: embed: %v", ErrMatchingUnavailable, err)
	}
	if want := m.Index.Dimension(); len(vec) != want {
		return nil, fmt.Errorf("%w: got %d, index expects %d", ErrEmbeddingDimension, len(vec), want)
	}

	hits, err := m.Index.Search(ctx, vec, Filter{OwnerID: ownerID, ActiveOnly: true}, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrMatchingUnavailable, err)
	}

	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		if h.OwnerID != ownerID || !h.Active {
			continue
		}
		if h.Score < minScore {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func isDimensionErr(err error) bool {
	return errors.Is(err, ErrEmbeddingDimension)
}
