package match

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubEmbedder returns a canned vector or error.
type stubEmbedder struct {
	vec []float32
	err error
	// last records the text the matcher actually embedded.
	last string
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.last = text
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEmbedder) Dimension() int { return len(s.vec) }

// stubIndex returns canned candidates or an error.
type stubIndex struct {
	dim  int
	hits []Candidate
	err  error
}

func (s *stubIndex) Search(context.Context, []float32, Filter, int) ([]Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func (s *stubIndex) Dimension() int { return s.dim }

func newStubMatcher(hits []Candidate) (*Matcher, *stubEmbedder, *stubIndex) {
	emb := &stubEmbedder{vec: []float32{1, 0, 0}}
	ix := &stubIndex{dim: 3, hits: hits}
	return &Matcher{Embedder: emb, Index: ix}, emb, ix
}

func TestQuery_ValidationErrors(t *testing.T) {
	m, _, _ := newStubMatcher(nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		text     string
		topK     int
		minScore float64
	}{
		{"empty text", "   ", 3, 0.5},
		{"zero topK", "hello", 0, 0.5},
		{"negative minScore", "hello", 3, -0.1},
		{"minScore above one", "hello", 3, 1.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Query(ctx, tc.text, "owner-1", tc.topK, tc.minScore)
			if err == nil {
				t.Fatal("invalid input accepted")
			}
			if errors.Is(err, ErrMatchingUnavailable) {
				t.Fatalf("caller bug reported as unavailability: %v", err)
			}
		})
	}
}

func TestQuery_EmbedFailureIsUnavailable(t *testing.T) {
	m, emb, _ := newStubMatcher(nil)
	emb.err = errors.New("model endpoint down")

	_, err := m.Query(context.Background(), "hello", "owner-1", 3, 0.5)
	if !errors.Is(err, ErrMatchingUnavailable) {
		t.Fatalf("err = %v, want ErrMatchingUnavailable", err)
	}
}

func TestQuery_SearchFailureIsUnavailable(t *testing.T) {
	m, _, ix := newStubMatcher(nil)
	ix.err = errors.New("index shard offline")

	_, err := m.Query(context.Background(), "hello", "owner-1", 3, 0.5)
	if !errors.Is(err, ErrMatchingUnavailable) {
		t.Fatalf("err = %v, want ErrMatchingUnavailable", err)
	}
}

func TestQuery_DimensionMismatch(t *testing.T) {
	m, _, ix := newStubMatcher(nil)
	ix.dim = 8 // embedder produces 3

	_, err := m.Query(context.Background(), "hello", "owner-1", 3, 0.5)
	if !errors.Is(err, ErrEmbeddingDimension) {
		t.Fatalf("err = %v, want ErrEmbeddingDimension", err)
	}
	if errors.Is(err, ErrMatchingUnavailable) {
		t.Fatalf("dimension mismatch reported as unavailability: %v", err)
	}
}

func TestQuery_FiltersAndRanks(t *testing.T) {
	hits := []Candidate{
		{ID: "low", OwnerID: "owner-1", Active: true, Score: 0.40},
		{ID: "other-owner", OwnerID: "owner-2", Active: true, Score: 0.99},
		{ID: "inactive", OwnerID: "owner-1", Active: false, Score: 0.95},
		{ID: "best", OwnerID: "owner-1", Active: true, Score: 0.91},
		{ID: "good", OwnerID: "owner-1", Active: true, Score: 0.72},
	}
	m, _, _ := newStubMatcher(hits)

	out, err := m.Query(context.Background(), "hello", "owner-1", 3, 0.5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("candidates = %d, want 2", len(out))
	}
	if out[0].ID != "best" || out[1].ID != "good" {
		t.Fatalf("ranking = [%s %s], want [best good]", out[0].ID, out[1].ID)
	}
}

func TestQuery_TopKTruncation(t *testing.T) {
	hits := []Candidate{
		{ID: "a", OwnerID: "o", Active: true, Score: 0.9},
		{ID: "b", OwnerID: "o", Active: true, Score: 0.8},
		{ID: "c", OwnerID: "o", Active: true, Score: 0.7},
	}
	m, _, _ := newStubMatcher(hits)

	out, err := m.Query(context.Background(), "hello", "o", 2, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 || out[1].ID != "b" {
		t.Fatalf("out = %+v, want top two by score", out)
	}
}

func TestQuery_NormalizesBeforeEmbedding(t *testing.T) {
	m, emb, _ := newStubMatcher(nil)

	// "café" spelled with a combining acute accent must reach the embedder
	// in composed form.
	decomposed := "café"
	if _, err := m.Query(context.Background(), decomposed, "o", 1, 0); err != nil {
		t.Fatalf("query: %v", err)
	}
	if emb.last != "café" {
		t.Fatalf("embedded %q, want composed form", emb.last)
	}
}

// slowEmbedder blocks until its context is cancelled.
type slowEmbedder struct{ dim int }

func (s slowEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s slowEmbedder) Dimension() int { return s.dim }

func TestQuery_TimeoutIsUnavailable(t *testing.T) {
	m := &Matcher{
		Embedder: slowEmbedder{dim: 3},
		Index:    &stubIndex{dim: 3},
		Timeout:  10 * time.Millisecond,
	}

	start := time.Now()
	_, err := m.Query(context.Background(), "hello", "o", 1, 0)
	if !errors.Is(err, ErrMatchingUnavailable) {
		t.Fatalf("err = %v, want ErrMatchingUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("query did not respect the timeout: %v", elapsed)
	}
}

func TestMemoryIndex_EndToEnd(t *testing.T) {
	emb := NewHashingEmbedder(64)
	ix := NewMemoryIndex(64)
	m := &Matcher{Embedder: emb, Index: ix}
	ctx := context.Background()

	seed := []struct {
		id, owner, answer string
		active            bool
	}{
		{"r1", "owner-1", "Our store opens at 9am on weekdays.", true},
		{"r2", "owner-1", "Shipping takes three to five business days.", true},
		{"r3", "owner-1", "Retired answer about an old promotion.", false},
		{"r4", "owner-2", "A different shop's opening hours.", true},
	}
	for _, s := range seed {
		vec, err := emb.Embed(ctx, s.answer)
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		if err := ix.Upsert(Entry{ID: s.id, OwnerID: s.owner, Answer: s.answer, Active: s.active, Vector: vec}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	out, err := m.Query(ctx, "what time does the store open on weekdays", "owner-1", 3, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("no candidates")
	}
	if out[0].ID != "r1" {
		t.Fatalf("best match = %s, want r1", out[0].ID)
	}
	for _, c := range out {
		if c.OwnerID != "owner-1" {
			t.Fatalf("leaked candidate from %s", c.OwnerID)
		}
		if c.ID == "r3" {
			t.Fatal("inactive entry surfaced")
		}
	}

	ix.Remove("r1")
	out, err = m.Query(ctx, "what time does the store open on weekdays", "owner-1", 3, 0)
	if err != nil {
		t.Fatalf("query after remove: %v", err)
	}
	for _, c := range out {
		if c.ID == "r1" {
			t.Fatal("removed entry still returned")
		}
	}
}
