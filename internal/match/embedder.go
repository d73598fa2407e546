// Local embedding fallback. Production deployments inject a real embedding
// model behind the Embedder interface; this deterministic bag-of-words
// hashing embedder keeps single-process setups and tests self-contained.
package match

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashingEmbedder maps text to a fixed-length vector by hashing lowercase
// word tokens into buckets (feature hashing). Identical text always yields
// an identical, L2-normalized vector.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder builds an embedder producing vectors of length dim.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim < 1 {
		dim = 1
	}
	return &HashingEmbedder{dim: dim}
}

// Dimension implements Embedder.
func (e *HashingEmbedder) Dimension() int { return e.dim }

var embedWordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

// Embed implements Embedder.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dim)
	for _, w := range embedWordRE.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[int(h.Sum32())%e.dim]++
	}
	var n float64
	for _, v := range vec {
		n += float64(v) * float64(v)
	}
	if n > 0 {
		inv := float32(1 / math.Sqrt(n))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
