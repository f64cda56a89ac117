package repository

import (
	"context"
	"math"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
)

// checkVector rejects embeddings no similarity can be computed for
func checkVector(vec []float32) error {
	if len(vec) == 0 {
		return goerr.Wrap(model.ErrDimensionMismatch, "embedding is empty")
	}

	var norm float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return goerr.Wrap(model.ErrDimensionMismatch, "embedding has a non-finite component")
		}
		norm += f * f
	}
	if norm == 0 {
		return goerr.Wrap(model.ErrDimensionMismatch, "embedding has zero norm")
	}
	return nil
}

func checkDimensions(dims int, vec []float32) error {
	if dims > 0 && len(vec) != dims {
		return goerr.Wrap(model.ErrDimensionMismatch, "unexpected embedding size",
			goerr.V("expected", dims), goerr.V("actual", len(vec)))
	}
	return nil
}

// dimensionPin holds the dimensionality of a memory index. A configured size
// never changes. Without one, the size of the records already in the store
// (load) or of the first record added decides it, and save persists that
// choice where other processes can see it.
type dimensionPin struct {
	mu     sync.Mutex
	dims   int
	loaded bool
	load   func(ctx context.Context) (int, error)
	save   func(ctx context.Context, dims int) (int, error)
}

func newDimensionPin(dims int) *dimensionPin {
	return &dimensionPin{dims: dims, loaded: dims > 0}
}

func (p *dimensionPin) current(ctx context.Context) (int, error) {
	if p.loaded {
		return p.dims, nil
	}
	if p.load != nil {
		n, err := p.load(ctx)
		if err != nil {
			return 0, goerr.Wrap(err, "failed to load embedding dimensions")
		}
		p.dims = n
	}
	p.loaded = true
	return p.dims, nil
}

// check validates a query. Any size is accepted while the index is empty.
func (p *dimensionPin) check(ctx context.Context, vec []float32) error {
	if err := checkVector(vec); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dims, err := p.current(ctx)
	if err != nil {
		return err
	}
	return checkDimensions(dims, vec)
}

// pin validates a record to be stored and fixes the size on first use
func (p *dimensionPin) pin(ctx context.Context, vec []float32) error {
	if err := checkVector(vec); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	dims, err := p.current(ctx)
	if err != nil {
		return err
	}
	if dims == 0 {
		dims = len(vec)
		if p.save != nil {
			if dims, err = p.save(ctx, dims); err != nil {
				return goerr.Wrap(err, "failed to save embedding dimensions")
			}
		}
		p.dims = dims
	}
	return checkDimensions(dims, vec)
}

// cosineSimilarity returns 0 for vectors of different length or zero norm
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func topK(hits []*model.ScoredMemory, k int) []*model.ScoredMemory {
	model.SortScoredMemories(hits)
	if k >= 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
