package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// topK is the number of chunks returned per query.
const topK = 5

// Embedder converts text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkSource lists stored chunks for an owner, in insertion order.
type ChunkSource interface {
	ListByOwner(ctx context.Context, ownerID string) ([]Chunk, error)
}

// ScoredChunk is a retrieved chunk with its cosine similarity to the query.
type ScoredChunk struct {
	Chunk
	Score float64
}

// Retriever embeds a query and ranks an owner's chunks by cosine similarity.
type Retriever struct {
	embedder Embedder
	source   ChunkSource
}

// NewRetriever creates a Retriever over the given embedder and chunk source.
func NewRetriever(embedder Embedder, source ChunkSource) *Retriever {
	return &Retriever{embedder: embedder, source: source}
}

// Query returns up to five chunks most similar to the query text, highest
// score first. Chunks whose similarity is undefined (NaN) sort after every
// real score; ties keep insertion order.
func (r *Retriever) Query(ctx context.Context, query, ownerID string) ([]ScoredChunk, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	chunks, err := r.source.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	scored := make([]ScoredChunk, len(chunks))
	for i, c := range chunks {
		scored[i] = ScoredChunk{Chunk: c, Score: cosine(vec, c.Embedding)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		si, sj := scored[i].Score, scored[j].Score
		if math.IsNaN(si) {
			return false
		}
		if math.IsNaN(sj) {
			return true
		}
		return si > sj
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// cosine computes cosine similarity in float64. A zero-length or zero-norm
// vector yields NaN, which the ranking treats as lowest.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.NaN()
	}
	var dot, aNormSq, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aNormSq += float64(a[i]) * float64(a[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(aNormSq) * math.Sqrt(bNormSq)
	return dot / denom
}
