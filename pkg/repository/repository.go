package repository

import (
	"context"
	"iter"

	"github.com/m-mizutani/rendezvous/pkg/model"
)

// SlotStore persists meeting slots keyed by identifier.
type SlotStore interface {
	// GetSlot returns model.ErrNotFound for an unknown identifier
	GetSlot(ctx context.Context, id model.SlotID) (*model.Slot, error)

	// PutSlot inserts or replaces a slot. It refuses to replace a booked slot
	// with an unbooked one so that a concurrent write can never silently
	// un-book a meeting; that case fails with model.ErrConflict.
	PutSlot(ctx context.Context, slot *model.Slot) (*model.Slot, error)

	// QuerySlots returns slots matching the filter ordered by start time ascending
	QuerySlots(ctx context.Context, filter model.SlotFilter) ([]*model.Slot, error)

	// BookSlot atomically sets booked=true with the booking details applied,
	// only if the slot is currently free. If the slot is already booked with
	// identical details the stored slot is returned unchanged; otherwise the
	// call fails with model.ErrConflict.
	BookSlot(ctx context.Context, id model.SlotID, booking model.Booking) (*model.Slot, error)
}

// AppendOption customizes CheckpointLog.AppendCheckpoint
type AppendOption func(*AppendOptions)

type AppendOptions struct {
	ExpectedSeq *uint64
}

// WithExpectedSeq makes the append fail with model.ErrOutOfOrder unless seq
// is exactly the next sequence number of the thread.
func WithExpectedSeq(seq uint64) AppendOption {
	return func(o *AppendOptions) {
		o.ExpectedSeq = &seq
	}
}

func NewAppendOptions(opts ...AppendOption) AppendOptions {
	var o AppendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CheckpointLog is an append-only, per-thread sequence of checkpoints.
type CheckpointLog interface {
	// AppendCheckpoint assigns the next sequence number of the thread (0 for the first)
	AppendCheckpoint(ctx context.Context, thread model.ThreadID, state model.StateBlob, opts ...AppendOption) (*model.Checkpoint, error)

	// LatestCheckpoint returns nil without error when the thread has no checkpoint
	LatestCheckpoint(ctx context.Context, thread model.ThreadID) (*model.Checkpoint, error)

	// ListCheckpoints lazily yields checkpoints with Seq >= from in ascending
	// order. Iteration stops after the first error.
	ListCheckpoints(ctx context.Context, thread model.ThreadID, from uint64) iter.Seq2[*model.Checkpoint, error]
}

// MemoryIndex stores memory records per owner with similarity search.
type MemoryIndex interface {
	// AddMemory stores a record. It fails with model.ErrDimensionMismatch when
	// the embedding does not have the dimensionality of the index or has zero
	// norm. Adding a record whose ID the owner already has is a no-op replay.
	AddMemory(ctx context.Context, memory *model.Memory) (*model.Memory, error)

	// SearchMemories returns at most k records of the owner ordered by
	// model.SortScoredMemories. Records of other owners are never returned.
	SearchMemories(ctx context.Context, owner model.OwnerID, query []float32, k int) ([]*model.ScoredMemory, error)

	// ListMemories returns all records of the owner, oldest first
	ListMemories(ctx context.Context, owner model.OwnerID) ([]*model.Memory, error)

	DeleteMemories(ctx context.Context, owner model.OwnerID, ids ...model.MemoryID) error
}

// Repository bundles the stores of a single backend
type Repository interface {
	SlotStore
	CheckpointLog
	MemoryIndex

	Close() error
}
