package adapter

import (
	"context"
	"hash/fnv"
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
)

// Embedder maps text to a fixed size vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// GeminiEmbedder embeds text with a Gemini embedding model
type GeminiEmbedder struct {
	gemini     Gemini
	dimensions int
}

func NewGeminiEmbedder(gemini Gemini, dimensions int) *GeminiEmbedder {
	return &GeminiEmbedder{gemini: gemini, dimensions: dimensions}
}

func (e *GeminiEmbedder) Dimensions() int { return e.dimensions }

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.gemini.Embedding(ctx, text, e.dimensions)
	if err != nil {
		return nil, goerr.Wrap(model.ErrEmbeddingUnavailable, "gemini embedding failed", goerr.V("error", err.Error()))
	}
	if len(vec) != e.dimensions {
		return nil, goerr.Wrap(model.ErrEmbeddingUnavailable, "unexpected embedding size",
			goerr.V("expected", e.dimensions), goerr.V("actual", len(vec)))
	}
	return vec, nil
}

// HashEmbedder is a deterministic, offline embedder. Every lower-cased word
// and every character trigram of it contributes a pseudo random vector seeded
// by its FNV hash, so texts sharing words or word stems are close in cosine
// distance.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Dimensions() int { return e.dimensions }

const trigramWeight = 0.5

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		words = []string{text}
	}

	sum := make([]float64, e.dimensions)
	for _, w := range words {
		e.addFeature(sum, "w:"+w, 1)

		padded := []rune("<" + w + ">")
		for i := 0; i+3 <= len(padded); i++ {
			e.addFeature(sum, "t:"+string(padded[i:i+3]), trigramWeight)
		}
	}

	return normalize(sum), nil
}

func (e *HashEmbedder) addFeature(sum []float64, feature string, weight float64) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	seed := h.Sum64()
	for i := range sum {
		// LCG over the hash seed
		seed = seed*6364136223846793005 + 1442695040888963407
		sum[i] += weight * float64(int64(seed)) / math.MaxInt64
	}
}

func normalize(vec []float64) []float32 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(vec))
	for i, v := range vec {
		if norm == 0 {
			out[i] = float32(v)
		} else {
			out[i] = float32(v / norm)
		}
	}
	return out
}

// CachedEmbedder keeps recent embeddings in a bounded ristretto cache keyed by text
type CachedEmbedder struct {
	base  Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder caches up to maxEntries embeddings of base
func NewCachedEmbedder(base Embedder, maxEntries int64) (*CachedEmbedder, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return &CachedEmbedder{base: base, cache: cache}, nil
}

func (e *CachedEmbedder) Dimensions() int { return e.base.Dimensions() }

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return slices.Clone(v.([]float32)), nil
	}

	vec, err := e.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, slices.Clone(vec), 1)
	return vec, nil
}

// Wait blocks until buffered cache writes are applied
func (e *CachedEmbedder) Wait() { e.cache.Wait() }

func (e *CachedEmbedder) Close() { e.cache.Close() }
