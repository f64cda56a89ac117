package model

import (
	"cmp"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
)

type OwnerID string

type MemoryID string

// NewMemoryID generates a new time-sortable MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(ulid.Make().String())
}

// Memory is a persisted unit of semantic memory owned by a single user
type Memory struct {
	ID         MemoryID           `json:"id" firestore:"id"`
	Owner      OwnerID            `json:"owner" firestore:"owner"`
	Text       string             `json:"text" firestore:"text"`
	Embedding  firestore.Vector32 `json:"-" firestore:"embedding"`
	Importance float64            `json:"importance" firestore:"importance"`
	CreatedAt  time.Time          `json:"created_at" firestore:"created_at"`
}

// ScoredMemory is a search hit with its cosine similarity to the query
type ScoredMemory struct {
	*Memory
	Similarity float64 `json:"similarity"`
}

// SortScoredMemories orders hits by similarity descending; ties go to the
// most recent record, then to the larger ID, so the order is total.
func SortScoredMemories(hits []*ScoredMemory) {
	slices.SortStableFunc(hits, func(a, b *ScoredMemory) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}
