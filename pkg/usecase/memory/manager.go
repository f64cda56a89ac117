package memory

import (
	"time"

	"github.com/m-mizutani/rendezvous/pkg/adapter"
	"github.com/m-mizutani/rendezvous/pkg/repository"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
)

// Manager decides what to keep in the memory index and retrieves it. It
// holds no state of its own.
type Manager struct {
	index         repository.MemoryIndex
	embedder      adapter.Embedder
	policy        Policy
	maxPerOwner   int
	minSimilarity float64
	backoff       backoff.Policy
	now           func() time.Time
}

type Option func(*Manager)

// WithPolicy replaces the default Heuristic policy
func WithPolicy(p Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithMaxPerOwner caps the number of records per owner. Zero disables pruning.
func WithMaxPerOwner(n int) Option {
	return func(m *Manager) {
		m.maxPerOwner = n
	}
}

// WithMinSimilarity drops recalled records scoring below s
func WithMinSimilarity(s float64) Option {
	return func(m *Manager) {
		m.minSimilarity = s
	}
}

func WithBackoff(p backoff.Policy) Option {
	return func(m *Manager) {
		m.backoff = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func New(index repository.MemoryIndex, embedder adapter.Embedder, opts ...Option) *Manager {
	m := &Manager{
		index:    index,
		embedder: embedder,
		policy:   NewHeuristic(),
		backoff:  backoff.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}
