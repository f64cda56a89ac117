package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	checkpointEntries  = "entries"
	memoryRecords      = "records"
	indexMetaSuffix    = "_meta"
	indexMetaDoc       = "index"
	distanceField      = "vector_distance"
	firestorePageSize  = 100
	maxNearestNeighbor = 1000
	// extra neighbors fetched so that ties at the k-th position can be
	// ordered by recency
	nearestTieSlack = 8
)

// Firestore is the Repository backed by Cloud Firestore.
//
// Layout:
//
//	<slots>/{slot_id}
//	<checkpoints>/{thread_id}                   head: next sequence number
//	<checkpoints>/{thread_id}/entries/{seq}     zero padded sequence number
//	<memories>/{owner}/records/{memory_id}      vector index on "embedding"
//	<memories>_meta/index                       embedding dimensions when not configured
type Firestore struct {
	client *firestore.Client
	opts   options
	dims   *dimensionPin
}

var _ Repository = (*Firestore)(nil)

// NewFirestore creates a repository on the given project and database
func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...Option) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID), goerr.V("database_id", databaseID))
	}

	r := &Firestore{
		client: client,
		opts:   newOptions(opts...),
	}
	r.dims = newDimensionPin(r.opts.dimensions)
	r.dims.load = r.loadDimensions
	r.dims.save = r.saveDimensions
	return r, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

// firestoreErr classifies gRPC status codes into the model taxonomy
func firestoreErr(err error, msg string, values ...goerr.Option) error {
	switch status.Code(err) {
	case codes.NotFound:
		return goerr.Wrap(model.ErrNotFound, msg, append(values, goerr.V("error", err.Error()))...)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return goerr.Wrap(model.ErrStoreUnavailable, msg, append(values, goerr.V("error", err.Error()))...)
	default:
		return goerr.Wrap(err, msg, values...)
	}
}

func (r *Firestore) slotRef(id model.SlotID) *firestore.DocumentRef {
	return r.client.Collection(r.opts.names.Slots).Doc(string(id))
}

func (r *Firestore) GetSlot(ctx context.Context, id model.SlotID) (*model.Slot, error) {
	doc, err := r.slotRef(id).Get(ctx)
	if err != nil {
		return nil, firestoreErr(err, "failed to get slot", goerr.V("slot_id", id))
	}

	var slot model.Slot
	if err := doc.DataTo(&slot); err != nil {
		return nil, goerr.Wrap(err, "failed to decode slot", goerr.V("slot_id", id))
	}
	return &slot, nil
}

func (r *Firestore) PutSlot(ctx context.Context, slot *model.Slot) (*model.Slot, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}

	stored := *slot
	ref := r.slotRef(slot.ID)
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := r.opts.now()
		doc, err := tx.Get(ref)
		switch {
		case err == nil:
			var old model.Slot
			if err := doc.DataTo(&old); err != nil {
				return goerr.Wrap(err, "failed to decode slot", goerr.V("slot_id", slot.ID))
			}
			if old.Booked && !slot.Booked {
				return goerr.Wrap(model.ErrConflict, "slot is already booked", goerr.V("slot_id", slot.ID))
			}
			stored.CreatedAt = old.CreatedAt
		case status.Code(err) == codes.NotFound:
			if stored.CreatedAt.IsZero() {
				stored.CreatedAt = now
			}
		default:
			return err
		}
		stored.UpdatedAt = now
		return tx.Set(ref, &stored)
	})
	if err != nil {
		return nil, firestoreErr(err, "failed to put slot", goerr.V("slot_id", slot.ID))
	}
	return &stored, nil
}

func (r *Firestore) QuerySlots(ctx context.Context, filter model.SlotFilter) ([]*model.Slot, error) {
	q := r.client.Collection(r.opts.names.Slots).Query
	if filter.Booked != nil {
		q = q.Where("booked", "==", *filter.Booked)
	}
	if filter.Overlapping != nil {
		// the second half of the overlap test (end_at > from) is applied
		// below to avoid a multi-field inequality query
		q = q.Where("start_at", "<", filter.Overlapping.To)
	}
	q = q.OrderBy("start_at", firestore.Asc)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var slots []*model.Slot
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, firestoreErr(err, "failed to query slots")
		}

		var slot model.Slot
		if err := doc.DataTo(&slot); err != nil {
			return nil, goerr.Wrap(err, "failed to decode slot", goerr.V("doc_id", doc.Ref.ID))
		}
		if filter.Match(&slot) {
			slots = append(slots, &slot)
		}
	}

	sortSlots(slots)
	return slots, nil
}

func (r *Firestore) BookSlot(ctx context.Context, id model.SlotID, booking model.Booking) (*model.Slot, error) {
	var result *model.Slot
	ref := r.slotRef(id)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}

		var slot model.Slot
		if err := doc.DataTo(&slot); err != nil {
			return goerr.Wrap(err, "failed to decode slot", goerr.V("slot_id", id))
		}

		booked := booking.Apply(&slot)
		if slot.Booked {
			if model.SameBooking(&slot, booked) {
				result = &slot
				return nil
			}
			return goerr.Wrap(model.ErrConflict, "slot is already booked", goerr.V("slot_id", id))
		}

		booked.UpdatedAt = r.opts.now()
		result = booked
		return tx.Set(ref, booked)
	})
	if err != nil {
		return nil, firestoreErr(err, "failed to book slot", goerr.V("slot_id", id))
	}
	return result, nil
}

type checkpointHead struct {
	NextSeq   int64     `firestore:"next_seq"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

type checkpointDoc struct {
	ThreadID  string    `firestore:"thread_id"`
	Seq       int64     `firestore:"seq"`
	Schema    string    `firestore:"schema"`
	Data      []byte    `firestore:"data,omitempty"`
	BlobKey   string    `firestore:"blob_key,omitempty"`
	CreatedAt time.Time `firestore:"created_at"`
}

func seqDocID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func (r *Firestore) headRef(thread model.ThreadID) *firestore.DocumentRef {
	return r.client.Collection(r.opts.names.Checkpoints).Doc(string(thread))
}

func (r *Firestore) AppendCheckpoint(ctx context.Context, thread model.ThreadID, state model.StateBlob, opts ...AppendOption) (*model.Checkpoint, error) {
	o := NewAppendOptions(opts...)

	doc := checkpointDoc{
		ThreadID: string(thread),
		Schema:   state.Schema,
		Data:     state.Data,
	}

	// Firestore documents are limited to 1 MiB; large payloads go to object
	// storage first and the entry keeps the key
	if r.opts.storage != nil && len(state.Data) > r.opts.inlineLimit {
		key := fmt.Sprintf("%s/%s/%s.bin", r.opts.names.Checkpoints, thread, model.NewMemoryID())
		if err := r.putBlob(ctx, key, state.Data); err != nil {
			return nil, err
		}
		doc.Data = nil
		doc.BlobKey = key
	}

	head := r.headRef(thread)
	var cp *model.Checkpoint
	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var h checkpointHead
		snap, err := tx.Get(head)
		switch {
		case err == nil:
			if err := snap.DataTo(&h); err != nil {
				return goerr.Wrap(err, "failed to decode checkpoint head", goerr.V("thread_id", thread))
			}
		case status.Code(err) == codes.NotFound:
		default:
			return err
		}

		next := uint64(h.NextSeq)
		if o.ExpectedSeq != nil && *o.ExpectedSeq != next {
			return goerr.Wrap(model.ErrOutOfOrder, "unexpected sequence number",
				goerr.V("thread_id", thread), goerr.V("expected", next), goerr.V("given", *o.ExpectedSeq))
		}

		now := r.opts.now()
		entry := doc
		entry.Seq = int64(next)
		entry.CreatedAt = now

		if err := tx.Create(head.Collection(checkpointEntries).Doc(seqDocID(next)), &entry); err != nil {
			return err
		}
		if err := tx.Set(head, &checkpointHead{NextSeq: int64(next + 1), UpdatedAt: now}); err != nil {
			return err
		}

		cp = &model.Checkpoint{
			ThreadID:  thread,
			Seq:       next,
			State:     state,
			CreatedAt: now,
		}
		return nil
	})
	if err != nil {
		if doc.BlobKey != "" {
			r.dropOrphanBlob(ctx, head, doc.BlobKey)
		}
		return nil, firestoreErr(err, "failed to append checkpoint", goerr.V("thread_id", thread))
	}
	return cp, nil
}

// dropOrphanBlob deletes a payload written for an append that failed. A
// failed commit may still have landed, so the blob is kept while any entry
// refers to it.
func (r *Firestore) dropOrphanBlob(ctx context.Context, head *firestore.DocumentRef, key string) {
	ctx = context.WithoutCancel(ctx)
	logger := logging.From(ctx).With("key", key)

	refs, err := head.Collection(checkpointEntries).Where("blob_key", "==", key).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		logger.Warn("failed to check checkpoint blob references, keeping blob", "error", err)
		return
	}
	if len(refs) > 0 {
		return
	}
	if err := r.opts.storage.Delete(ctx, key); err != nil {
		logger.Warn("failed to delete orphaned checkpoint blob", "error", err)
	}
}

func (r *Firestore) putBlob(ctx context.Context, key string, data []byte) error {
	w, err := r.opts.storage.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(err, "failed to open checkpoint blob", goerr.V("key", key))
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write checkpoint blob", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to close checkpoint blob", goerr.V("key", key))
	}
	return nil
}

func (r *Firestore) decodeCheckpoint(ctx context.Context, snap *firestore.DocumentSnapshot) (*model.Checkpoint, error) {
	var doc checkpointDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, goerr.Wrap(err, "failed to decode checkpoint", goerr.V("doc_id", snap.Ref.ID))
	}

	data := doc.Data
	if doc.BlobKey != "" {
		if r.opts.storage == nil {
			return nil, goerr.New("checkpoint payload is in object storage but none is configured",
				goerr.V("key", doc.BlobKey))
		}
		reader, err := r.opts.storage.Get(ctx, doc.BlobKey)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open checkpoint blob", goerr.V("key", doc.BlobKey))
		}
		defer reader.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, reader); err != nil {
			return nil, goerr.Wrap(err, "failed to read checkpoint blob", goerr.V("key", doc.BlobKey))
		}
		data = buf.Bytes()
	}

	return &model.Checkpoint{
		ThreadID:  model.ThreadID(doc.ThreadID),
		Seq:       uint64(doc.Seq),
		State:     model.StateBlob{Schema: doc.Schema, Data: data},
		CreatedAt: doc.CreatedAt,
	}, nil
}

func (r *Firestore) LatestCheckpoint(ctx context.Context, thread model.ThreadID) (*model.Checkpoint, error) {
	iter := r.headRef(thread).Collection(checkpointEntries).
		OrderBy("seq", firestore.Desc).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, firestoreErr(err, "failed to get latest checkpoint", goerr.V("thread_id", thread))
	}
	return r.decodeCheckpoint(ctx, snap)
}

func (r *Firestore) ListCheckpoints(ctx context.Context, thread model.ThreadID, from uint64) iter.Seq2[*model.Checkpoint, error] {
	return func(yield func(*model.Checkpoint, error) bool) {
		entries := r.headRef(thread).Collection(checkpointEntries)
		for {
			docs, err := entries.Where("seq", ">=", int64(from)).
				OrderBy("seq", firestore.Asc).Limit(firestorePageSize).Documents(ctx).GetAll()
			if err != nil {
				yield(nil, firestoreErr(err, "failed to list checkpoints", goerr.V("thread_id", thread)))
				return
			}

			for _, snap := range docs {
				cp, err := r.decodeCheckpoint(ctx, snap)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(cp, nil) {
					return
				}
				from = cp.Seq + 1
			}
			if len(docs) < firestorePageSize {
				return
			}
		}
	}
}

func (r *Firestore) records(owner model.OwnerID) *firestore.CollectionRef {
	return r.client.Collection(r.opts.names.Memories).Doc(string(owner)).Collection(memoryRecords)
}

func (r *Firestore) indexMetaRef() *firestore.DocumentRef {
	return r.client.Collection(r.opts.names.Memories + indexMetaSuffix).Doc(indexMetaDoc)
}

func (r *Firestore) loadDimensions(ctx context.Context) (int, error) {
	snap, err := r.indexMetaRef().Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, firestoreErr(err, "failed to get memory index metadata")
	}
	n, _ := snap.Data()["dimensions"].(int64)
	return int(n), nil
}

// saveDimensions records dims unless another process got there first, and
// returns the recorded value
func (r *Firestore) saveDimensions(ctx context.Context, dims int) (int, error) {
	_, err := r.indexMetaRef().Create(ctx, map[string]any{"dimensions": int64(dims)})
	if err == nil {
		return dims, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return 0, firestoreErr(err, "failed to create memory index metadata")
	}
	return r.loadDimensions(ctx)
}

func (r *Firestore) AddMemory(ctx context.Context, memory *model.Memory) (*model.Memory, error) {
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

	// records live under the owner, so an existing ID is a replay of our own write
	if _, err := r.records(stored.Owner).Doc(string(stored.ID)).Create(ctx, &stored); err != nil &&
		status.Code(err) != codes.AlreadyExists {
		return nil, firestoreErr(err, "failed to add memory", goerr.V("owner", stored.Owner))
	}
	return &stored, nil
}

func (r *Firestore) SearchMemories(ctx context.Context, owner model.OwnerID, query []float32, k int) ([]*model.ScoredMemory, error) {
	if err := r.dims.check(ctx, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	limit := min(k+nearestTieSlack, maxNearestNeighbor)
	iter := r.records(owner).
		FindNearest("embedding", firestore.Vector32(query), limit, firestore.DistanceMeasureCosine,
			&firestore.FindNearestOptions{DistanceResultField: distanceField}).
		Documents(ctx)
	defer iter.Stop()

	var hits []*model.ScoredMemory
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, firestoreErr(err, "failed to search memories", goerr.V("owner", owner))
		}

		var mem model.Memory
		if err := doc.DataTo(&mem); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc_id", doc.Ref.ID))
		}
		if mem.Owner != owner {
			continue
		}

		distance, _ := doc.Data()[distanceField].(float64)
		hits = append(hits, &model.ScoredMemory{Memory: &mem, Similarity: 1 - distance})
	}

	return topK(hits, k), nil
}

func (r *Firestore) ListMemories(ctx context.Context, owner model.OwnerID) ([]*model.Memory, error) {
	docs, err := r.records(owner).OrderBy("created_at", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, firestoreErr(err, "failed to list memories", goerr.V("owner", owner))
	}

	memories := make([]*model.Memory, 0, len(docs))
	for _, doc := range docs {
		var mem model.Memory
		if err := doc.DataTo(&mem); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc_id", doc.Ref.ID))
		}
		memories = append(memories, &mem)
	}
	sortMemoriesByAge(memories)
	return memories, nil
}

func (r *Firestore) DeleteMemories(ctx context.Context, owner model.OwnerID, ids ...model.MemoryID) error {
	for _, id := range ids {
		if _, err := r.records(owner).Doc(string(id)).Delete(ctx); err != nil {
			return firestoreErr(err, "failed to delete memory", goerr.V("owner", owner), goerr.V("memory_id", id))
		}
	}
	return nil
}
