package repository

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/philippgille/chromem-go"
)

// InMemory is a process-local Repository. Vectors are indexed with chromem,
// using one collection per owner so that searches cannot cross owners.
type InMemory struct {
	opts options

	slotMu sync.Mutex
	slots  map[model.SlotID]*model.Slot

	checkpointMu sync.RWMutex
	checkpoints  map[model.ThreadID][]*model.Checkpoint

	memoryMu sync.RWMutex
	memories map[model.OwnerID]map[model.MemoryID]*model.Memory
	vectors  *chromem.DB
	dims     *dimensionPin
}

var _ Repository = (*InMemory)(nil)

func NewInMemory(opts ...Option) *InMemory {
	o := newOptions(opts...)
	return &InMemory{
		opts:        o,
		slots:       make(map[model.SlotID]*model.Slot),
		checkpoints: make(map[model.ThreadID][]*model.Checkpoint),
		memories:    make(map[model.OwnerID]map[model.MemoryID]*model.Memory),
		vectors:     chromem.NewDB(),
		dims:        newDimensionPin(o.dimensions),
	}
}

func (r *InMemory) Close() error {
	return nil
}

func copySlot(s *model.Slot) *model.Slot {
	c := *s
	return &c
}

func (r *InMemory) GetSlot(ctx context.Context, id model.SlotID) (*model.Slot, error) {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()

	slot, ok := r.slots[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "slot not found", goerr.V("slot_id", id))
	}
	return copySlot(slot), nil
}

func (r *InMemory) PutSlot(ctx context.Context, slot *model.Slot) (*model.Slot, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}

	r.slotMu.Lock()
	defer r.slotMu.Unlock()

	now := r.opts.now()
	stored := copySlot(slot)
	if old, ok := r.slots[slot.ID]; ok {
		if old.Booked && !slot.Booked {
			return nil, goerr.Wrap(model.ErrConflict, "slot is already booked", goerr.V("slot_id", slot.ID))
		}
		stored.CreatedAt = old.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	r.slots[slot.ID] = stored
	return copySlot(stored), nil
}

func (r *InMemory) QuerySlots(ctx context.Context, filter model.SlotFilter) ([]*model.Slot, error) {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()

	var result []*model.Slot
	for _, slot := range r.slots {
		if filter.Match(slot) {
			result = append(result, copySlot(slot))
		}
	}
	sortSlots(result)
	return result, nil
}

func (r *InMemory) BookSlot(ctx context.Context, id model.SlotID, booking model.Booking) (*model.Slot, error) {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()

	slot, ok := r.slots[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "slot not found", goerr.V("slot_id", id))
	}

	booked := booking.Apply(slot)
	if slot.Booked {
		if model.SameBooking(slot, booked) {
			return copySlot(slot), nil
		}
		return nil, goerr.Wrap(model.ErrConflict, "slot is already booked", goerr.V("slot_id", id))
	}

	booked.UpdatedAt = r.opts.now()
	r.slots[id] = booked
	return copySlot(booked), nil
}

func sortSlots(slots []*model.Slot) {
	slices.SortFunc(slots, func(a, b *model.Slot) int {
		if c := a.StartAt.Compare(b.StartAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (r *InMemory) AppendCheckpoint(ctx context.Context, thread model.ThreadID, state model.StateBlob, opts ...AppendOption) (*model.Checkpoint, error) {
	o := NewAppendOptions(opts...)

	r.checkpointMu.Lock()
	defer r.checkpointMu.Unlock()

	next := uint64(len(r.checkpoints[thread]))
	if o.ExpectedSeq != nil && *o.ExpectedSeq != next {
		return nil, goerr.Wrap(model.ErrOutOfOrder, "unexpected sequence number",
			goerr.V("thread_id", thread), goerr.V("expected", next), goerr.V("given", *o.ExpectedSeq))
	}

	cp := &model.Checkpoint{
		ThreadID: thread,
		Seq:      next,
		State: model.StateBlob{
			Schema: state.Schema,
			Data:   slices.Clone(state.Data),
		},
		CreatedAt: r.opts.now(),
	}
	r.checkpoints[thread] = append(r.checkpoints[thread], cp)

	c := *cp
	return &c, nil
}

func (r *InMemory) LatestCheckpoint(ctx context.Context, thread model.ThreadID) (*model.Checkpoint, error) {
	r.checkpointMu.RLock()
	defer r.checkpointMu.RUnlock()

	list := r.checkpoints[thread]
	if len(list) == 0 {
		return nil, nil
	}
	c := *list[len(list)-1]
	return &c, nil
}

func (r *InMemory) ListCheckpoints(ctx context.Context, thread model.ThreadID, from uint64) iter.Seq2[*model.Checkpoint, error] {
	return func(yield func(*model.Checkpoint, error) bool) {
		for seq := from; ; seq++ {
			if err := ctx.Err(); err != nil {
				yield(nil, goerr.Wrap(err, "listing checkpoints interrupted", goerr.V("thread_id", thread)))
				return
			}

			r.checkpointMu.RLock()
			list := r.checkpoints[thread]
			var cp *model.Checkpoint
			if seq < uint64(len(list)) {
				c := *list[seq]
				cp = &c
			}
			r.checkpointMu.RUnlock()

			if cp == nil || !yield(cp, nil) {
				return
			}
		}
	}
}

func collectionName(base string, owner model.OwnerID) string {
	return base + "/" + string(owner)
}

func (r *InMemory) AddMemory(ctx context.Context, memory *model.Memory) (*model.Memory, error) {
	if memory.Owner == "" {
		return nil, goerr.New("memory owner is empty")
	}
	if err := r.dims.pin(ctx, memory.Embedding); err != nil {
		return nil, err
	}

	stored := *memory
	if stored.ID == "" {
		stored.ID = model.NewMemoryID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.opts.now()
	}
	stored.Embedding = slices.Clone(memory.Embedding)

	r.memoryMu.Lock()
	defer r.memoryMu.Unlock()

	col, err := r.vectors.GetOrCreateCollection(collectionName(r.opts.names.Memories, stored.Owner), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open vector collection", goerr.V("owner", stored.Owner))
	}
	// chromem normalizes the vector in place
	if err := col.AddDocument(ctx, chromem.Document{
		ID:        string(stored.ID),
		Content:   stored.Text,
		Embedding: slices.Clone(stored.Embedding),
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to index memory", goerr.V("owner", stored.Owner))
	}

	if r.memories[stored.Owner] == nil {
		r.memories[stored.Owner] = make(map[model.MemoryID]*model.Memory)
	}
	r.memories[stored.Owner][stored.ID] = &stored

	result := stored
	return &result, nil
}

func (r *InMemory) SearchMemories(ctx context.Context, owner model.OwnerID, query []float32, k int) ([]*model.ScoredMemory, error) {
	if err := r.dims.check(ctx, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	r.memoryMu.RLock()
	defer r.memoryMu.RUnlock()

	records := r.memories[owner]
	if len(records) == 0 {
		return nil, nil
	}

	col := r.vectors.GetCollection(collectionName(r.opts.names.Memories, owner), nil)
	if col == nil {
		return nil, nil
	}

	// every record is scored so that ties at the cut-off are broken by
	// recency rather than by chromem's internal order
	results, err := col.QueryEmbedding(ctx, slices.Clone(query), col.Count(), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query vector collection", goerr.V("owner", owner))
	}

	hits := make([]*model.ScoredMemory, 0, len(results))
	for _, res := range results {
		mem, ok := records[model.MemoryID(res.ID)]
		if !ok {
			continue
		}
		c := *mem
		hits = append(hits, &model.ScoredMemory{Memory: &c, Similarity: float64(res.Similarity)})
	}

	return topK(hits, k), nil
}

func (r *InMemory) ListMemories(ctx context.Context, owner model.OwnerID) ([]*model.Memory, error) {
	r.memoryMu.RLock()
	defer r.memoryMu.RUnlock()

	result := make([]*model.Memory, 0, len(r.memories[owner]))
	for _, mem := range r.memories[owner] {
		c := *mem
		result = append(result, &c)
	}
	sortMemoriesByAge(result)
	return result, nil
}

func (r *InMemory) DeleteMemories(ctx context.Context, owner model.OwnerID, ids ...model.MemoryID) error {
	if len(ids) == 0 {
		return nil
	}

	r.memoryMu.Lock()
	defer r.memoryMu.Unlock()

	col := r.vectors.GetCollection(collectionName(r.opts.names.Memories, owner), nil)
	if col == nil {
		return nil
	}

	docIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.memories[owner][id]; !ok {
			continue
		}
		delete(r.memories[owner], id)
		docIDs = append(docIDs, string(id))
	}
	if len(docIDs) == 0 {
		return nil
	}

	if err := col.Delete(ctx, nil, nil, docIDs...); err != nil {
		return goerr.Wrap(err, "failed to delete from vector collection", goerr.V("owner", owner))
	}
	return nil
}

func sortMemoriesByAge(memories []*model.Memory) {
	slices.SortFunc(memories, func(a, b *model.Memory) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
