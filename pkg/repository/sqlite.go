package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/codec"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// checkpoints are read from SQLite in pages of this size while iterating
const sqlitePageSize = 64

// SQLite is a single-node Repository on an embedded database file.
type SQLite struct {
	db   *sql.DB
	opts options
	dims *dimensionPin
}

var _ Repository = (*SQLite)(nil)

// NewSQLite opens or creates the database at path and migrates the schema
func NewSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", path))
	}
	// one connection serializes writers inside the process; busy_timeout
	// covers other processes sharing the file
	db.SetMaxOpenConns(1)

	r := &SQLite{db: db, opts: newOptions(opts...)}
	r.dims = newDimensionPin(r.opts.dimensions)
	r.dims.load = r.storedDimensions
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLite) Close() error {
	return r.db.Close()
}

func (r *SQLite) migrate(ctx context.Context) error {
	n := r.opts.names
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		description   TEXT NOT NULL DEFAULT '',
		contact_name  TEXT NOT NULL DEFAULT '',
		contact_phone TEXT NOT NULL DEFAULT '',
		start_at      INTEGER NOT NULL,
		end_at        INTEGER NOT NULL,
		booked        INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_start ON %[1]s(booked, start_at);

	CREATE TABLE IF NOT EXISTS %[2]s (
		thread_id  TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		schema     TEXT NOT NULL,
		state      BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, seq)
	);

	CREATE TABLE IF NOT EXISTS %[3]s (
		id         TEXT PRIMARY KEY,
		owner      TEXT NOT NULL,
		text       TEXT NOT NULL,
		embedding  BLOB NOT NULL,
		importance REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[3]s_owner ON %[3]s(owner, created_at);
	`, n.Slots, n.Checkpoints, n.Memories)

	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return goerr.Wrap(err, "failed to migrate schema")
	}
	return nil
}

// sqliteErr classifies driver errors into the model taxonomy
func sqliteErr(err error, msg string, values ...goerr.Option) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			values = append(values, goerr.V("error", err.Error()))
			return goerr.Wrap(model.ErrStoreUnavailable, msg, values...)
		}
	}
	return goerr.Wrap(err, msg, values...)
}

func isConstraintErr(err error) bool {
	var sqlErr *sqlite.Error
	return errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

const slotColumns = "id, title, description, contact_name, contact_phone, start_at, end_at, booked, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*model.Slot, error) {
	var (
		slot                                 model.Slot
		id                                   string
		startAt, endAt, createdAt, updatedAt int64
	)
	if err := row.Scan(&id, &slot.Title, &slot.Description, &slot.ContactName, &slot.ContactPhone,
		&startAt, &endAt, &slot.Booked, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	slot.ID = model.SlotID(id)
	slot.StartAt = fromUnix(startAt)
	slot.EndAt = fromUnix(endAt)
	slot.CreatedAt = fromUnix(createdAt)
	slot.UpdatedAt = fromUnix(updatedAt)
	return &slot, nil
}

func (r *SQLite) GetSlot(ctx context.Context, id model.SlotID) (*model.Slot, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+slotColumns+" FROM "+r.opts.names.Slots+" WHERE id = ?", string(id))
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(model.ErrNotFound, "slot not found", goerr.V("slot_id", id))
	}
	if err != nil {
		return nil, sqliteErr(err, "failed to get slot", goerr.V("slot_id", id))
	}
	return slot, nil
}

func (r *SQLite) PutSlot(ctx context.Context, slot *model.Slot) (*model.Slot, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}

	now := toUnix(r.opts.now())
	createdAt := now
	if !slot.CreatedAt.IsZero() {
		createdAt = toUnix(slot.CreatedAt)
	}

	// the WHERE clause of the upsert refuses to turn a booked slot back into a free one
	res, err := r.db.ExecContext(ctx, `INSERT INTO `+r.opts.names.Slots+` (`+slotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			contact_name = excluded.contact_name,
			contact_phone = excluded.contact_phone,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			booked = excluded.booked,
			updated_at = excluded.updated_at
		WHERE `+r.opts.names.Slots+`.booked = 0 OR excluded.booked = 1`,
		string(slot.ID), slot.Title, slot.Description, slot.ContactName, slot.ContactPhone,
		toUnix(slot.StartAt), toUnix(slot.EndAt), slot.Booked, createdAt, now)
	if err != nil {
		return nil, sqliteErr(err, "failed to put slot", goerr.V("slot_id", slot.ID))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, sqliteErr(err, "failed to put slot", goerr.V("slot_id", slot.ID))
	}
	if affected == 0 {
		return nil, goerr.Wrap(model.ErrConflict, "slot is already booked", goerr.V("slot_id", slot.ID))
	}

	return r.GetSlot(ctx, slot.ID)
}

func (r *SQLite) QuerySlots(ctx context.Context, filter model.SlotFilter) ([]*model.Slot, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Booked != nil {
		conds = append(conds, "booked = ?")
		args = append(args, *filter.Booked)
	}
	if filter.Overlapping != nil {
		conds = append(conds, "start_at < ?", "end_at > ?")
		args = append(args, toUnix(filter.Overlapping.To), toUnix(filter.Overlapping.From))
	}

	query := "SELECT " + slotColumns + " FROM " + r.opts.names.Slots
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY start_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(err, "failed to query slots")
	}
	defer rows.Close()

	var slots []*model.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, sqliteErr(err, "failed to scan slot")
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr(err, "failed to iterate slots")
	}
	return slots, nil
}

func (r *SQLite) BookSlot(ctx context.Context, id model.SlotID, booking model.Booking) (*model.Slot, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE `+r.opts.names.Slots+` SET
			booked = 1,
			title = COALESCE(NULLIF(?, ''), title),
			description = COALESCE(NULLIF(?, ''), description),
			contact_name = COALESCE(NULLIF(?, ''), contact_name),
			contact_phone = COALESCE(NULLIF(?, ''), contact_phone),
			updated_at = ?
		WHERE id = ? AND booked = 0`,
		booking.Title, booking.Description, booking.ContactName, booking.ContactPhone,
		toUnix(r.opts.now()), string(id))
	if err != nil {
		return nil, sqliteErr(err, "failed to book slot", goerr.V("slot_id", id))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, sqliteErr(err, "failed to book slot", goerr.V("slot_id", id))
	}

	current, err := r.GetSlot(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 1 {
		return current, nil
	}

	// booked is never cleared, so a slot that did not match booked = 0 stays booked
	if model.SameBooking(current, booking.Apply(current)) {
		return current, nil
	}
	return nil, goerr.Wrap(model.ErrConflict, "slot is already booked", goerr.V("slot_id", id))
}

func (r *SQLite) AppendCheckpoint(ctx context.Context, thread model.ThreadID, state model.StateBlob, opts ...AppendOption) (*model.Checkpoint, error) {
	o := NewAppendOptions(opts...)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteErr(err, "failed to begin transaction", goerr.V("thread_id", thread))
	}
	defer func() { _ = tx.Rollback() }()

	var next uint64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq) + 1, 0) FROM "+r.opts.names.Checkpoints+" WHERE thread_id = ?",
		string(thread)).Scan(&next); err != nil {
		return nil, sqliteErr(err, "failed to read checkpoint head", goerr.V("thread_id", thread))
	}
	if o.ExpectedSeq != nil && *o.ExpectedSeq != next {
		return nil, goerr.Wrap(model.ErrOutOfOrder, "unexpected sequence number",
			goerr.V("thread_id", thread), goerr.V("expected", next), goerr.V("given", *o.ExpectedSeq))
	}

	cp := &model.Checkpoint{
		ThreadID:  thread,
		Seq:       next,
		State:     state,
		CreatedAt: r.opts.now(),
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+r.opts.names.Checkpoints+" (thread_id, seq, schema, state, created_at) VALUES (?, ?, ?, ?, ?)",
		string(thread), cp.Seq, state.Schema, state.Data, toUnix(cp.CreatedAt)); err != nil {
		if isConstraintErr(err) {
			// another writer took this sequence number first
			return nil, goerr.Wrap(model.ErrStoreUnavailable, "checkpoint sequence taken concurrently",
				goerr.V("thread_id", thread), goerr.V("seq", cp.Seq))
		}
		return nil, sqliteErr(err, "failed to insert checkpoint", goerr.V("thread_id", thread))
	}

	if err := tx.Commit(); err != nil {
		return nil, sqliteErr(err, "failed to commit checkpoint", goerr.V("thread_id", thread))
	}
	return cp, nil
}

func scanCheckpoint(row rowScanner) (*model.Checkpoint, error) {
	var (
		cp        model.Checkpoint
		thread    string
		createdAt int64
	)
	if err := row.Scan(&thread, &cp.Seq, &cp.State.Schema, &cp.State.Data, &createdAt); err != nil {
		return nil, err
	}
	cp.ThreadID = model.ThreadID(thread)
	cp.CreatedAt = fromUnix(createdAt)
	return &cp, nil
}

func (r *SQLite) LatestCheckpoint(ctx context.Context, thread model.ThreadID) (*model.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT thread_id, seq, schema, state, created_at FROM "+r.opts.names.Checkpoints+
			" WHERE thread_id = ? ORDER BY seq DESC LIMIT 1", string(thread))
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(err, "failed to get latest checkpoint", goerr.V("thread_id", thread))
	}
	return cp, nil
}

func (r *SQLite) listCheckpointPage(ctx context.Context, thread model.ThreadID, from uint64) ([]*model.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT thread_id, seq, schema, state, created_at FROM "+r.opts.names.Checkpoints+
			" WHERE thread_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?",
		string(thread), from, sqlitePageSize)
	if err != nil {
		return nil, sqliteErr(err, "failed to list checkpoints", goerr.V("thread_id", thread))
	}
	defer rows.Close()

	var page []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, sqliteErr(err, "failed to scan checkpoint", goerr.V("thread_id", thread))
		}
		page = append(page, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr(err, "failed to iterate checkpoints", goerr.V("thread_id", thread))
	}
	return page, nil
}

func (r *SQLite) ListCheckpoints(ctx context.Context, thread model.ThreadID, from uint64) iter.Seq2[*model.Checkpoint, error] {
	return func(yield func(*model.Checkpoint, error) bool) {
		for {
			// each page is fully read before yielding so that the single
			// connection is free while the caller handles checkpoints
			page, err := r.listCheckpointPage(ctx, thread, from)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, cp := range page {
				if !yield(cp, nil) {
					return
				}
			}
			if len(page) < sqlitePageSize {
				return
			}
			from = page[len(page)-1].Seq + 1
		}
	}
}

func (r *SQLite) AddMemory(ctx context.Context, memory *model.Memory) (*model.Memory, error) {
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

	vec, err := codec.Marshal([]float32(stored.Embedding))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to encode embedding")
	}

	res, err := r.db.ExecContext(ctx,
		"INSERT INTO "+r.opts.names.Memories+" (id, owner, text, embedding, importance, created_at) VALUES (?, ?, ?, ?, ?, ?)"+
			" ON CONFLICT(id) DO NOTHING",
		string(stored.ID), string(stored.Owner), stored.Text, vec, stored.Importance, toUnix(stored.CreatedAt))
	if err != nil {
		return nil, sqliteErr(err, "failed to insert memory", goerr.V("owner", stored.Owner))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var owner string
		if err := r.db.QueryRowContext(ctx,
			"SELECT owner FROM "+r.opts.names.Memories+" WHERE id = ?", string(stored.ID)).Scan(&owner); err != nil {
			return nil, sqliteErr(err, "failed to read existing memory", goerr.V("memory_id", stored.ID))
		}
		if model.OwnerID(owner) != stored.Owner {
			return nil, goerr.Wrap(model.ErrConflict, "memory id belongs to another owner", goerr.V("memory_id", stored.ID))
		}
	}
	return &stored, nil
}

// storedDimensions returns the size of any stored embedding, 0 when there is none
func (r *SQLite) storedDimensions(ctx context.Context) (int, error) {
	var vec []byte
	err := r.db.QueryRowContext(ctx, "SELECT embedding FROM "+r.opts.names.Memories+" LIMIT 1").Scan(&vec)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, sqliteErr(err, "failed to read stored embedding")
	}

	var embedding []float32
	if err := codec.Unmarshal(vec, &embedding); err != nil {
		return 0, goerr.Wrap(err, "failed to decode embedding")
	}
	return len(embedding), nil
}

func (r *SQLite) loadMemories(ctx context.Context, owner model.OwnerID) ([]*model.Memory, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, owner, text, embedding, importance, created_at FROM "+r.opts.names.Memories+
			" WHERE owner = ? ORDER BY created_at ASC, id ASC", string(owner))
	if err != nil {
		return nil, sqliteErr(err, "failed to query memories", goerr.V("owner", owner))
	}
	defer rows.Close()

	var memories []*model.Memory
	for rows.Next() {
		var (
			mem       model.Memory
			id, own   string
			vec       []byte
			createdAt int64
		)
		if err := rows.Scan(&id, &own, &mem.Text, &vec, &mem.Importance, &createdAt); err != nil {
			return nil, sqliteErr(err, "failed to scan memory", goerr.V("owner", owner))
		}
		var embedding []float32
		if err := codec.Unmarshal(vec, &embedding); err != nil {
			return nil, goerr.Wrap(err, "failed to decode embedding", goerr.V("memory_id", id))
		}
		mem.ID = model.MemoryID(id)
		mem.Owner = model.OwnerID(own)
		mem.Embedding = embedding
		mem.CreatedAt = fromUnix(createdAt)
		memories = append(memories, &mem)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteErr(err, "failed to iterate memories", goerr.V("owner", owner))
	}
	return memories, nil
}

func (r *SQLite) SearchMemories(ctx context.Context, owner model.OwnerID, query []float32, k int) ([]*model.ScoredMemory, error) {
	if err := r.dims.check(ctx, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	memories, err := r.loadMemories(ctx, owner)
	if err != nil {
		return nil, err
	}

	hits := make([]*model.ScoredMemory, 0, len(memories))
	for _, mem := range memories {
		hits = append(hits, &model.ScoredMemory{
			Memory:     mem,
			Similarity: cosineSimilarity(query, mem.Embedding),
		})
	}
	return topK(hits, k), nil
}

func (r *SQLite) ListMemories(ctx context.Context, owner model.OwnerID) ([]*model.Memory, error) {
	return r.loadMemories(ctx, owner)
}

func (r *SQLite) DeleteMemories(ctx context.Context, owner model.OwnerID, ids ...model.MemoryID) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(owner))
	for _, id := range ids {
		args = append(args, string(id))
	}

	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM "+r.opts.names.Memories+" WHERE owner = ? AND id IN ("+placeholders+")", args...); err != nil {
		return sqliteErr(err, "failed to delete memories", goerr.V("owner", owner))
	}
	return nil
}
