package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/repository"
)

const testDims = 4

// runConformance runs the behavior every backend must share
func runConformance(t *testing.T, newRepo func(t *testing.T) repository.Repository) {
	t.Run("slots", func(t *testing.T) { testSlots(t, newRepo(t)) })
	t.Run("booking race", func(t *testing.T) { testBookingRace(t, newRepo(t)) })
	t.Run("checkpoints", func(t *testing.T) { testCheckpoints(t, newRepo(t)) })
	t.Run("memories", func(t *testing.T) { testMemories(t, newRepo(t)) })
}

// testUnconfiguredDimensions expects a repository built without
// WithDimensions: the first stored record fixes the size for every owner.
func testUnconfiguredDimensions(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	alice := model.OwnerID("alice")
	bob := model.OwnerID("bob")

	hits, err := repo.SearchMemories(ctx, alice, vec(1, 0, 0), 5)
	gt.NoError(t, err)
	gt.A(t, hits).Length(0)

	_, err = repo.AddMemory(ctx, &model.Memory{Owner: alice, Text: "likes coffee", Embedding: vec(1, 0)})
	gt.NoError(t, err)

	_, err = repo.AddMemory(ctx, &model.Memory{Owner: alice, Text: "likes tea", Embedding: vec(1, 0, 0)})
	gt.True(t, errors.Is(err, model.ErrDimensionMismatch))
	_, err = repo.AddMemory(ctx, &model.Memory{Owner: bob, Text: "likes tea", Embedding: vec(1, 0, 0)})
	gt.True(t, errors.Is(err, model.ErrDimensionMismatch))

	_, err = repo.SearchMemories(ctx, alice, vec(1, 0, 0), 5)
	gt.True(t, errors.Is(err, model.ErrDimensionMismatch))

	hits, err = repo.SearchMemories(ctx, alice, vec(0, 1), 5)
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0].Text, "likes coffee")
}

var baseTime = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func newSlot(startHour, hours int) *model.Slot {
	start := baseTime.Add(time.Duration(startHour) * time.Hour)
	return &model.Slot{
		ID:      model.NewSlotID(),
		Title:   "Available",
		StartAt: start,
		EndAt:   start.Add(time.Duration(hours) * time.Hour),
	}
}

func testSlots(t *testing.T, repo repository.Repository) {
	ctx := context.Background()

	t.Run("get unknown slot", func(t *testing.T) {
		_, err := repo.GetSlot(ctx, model.NewSlotID())
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	late := newSlot(5, 1)
	early := newSlot(1, 1)
	booked := newSlot(3, 1)
	booked.Booked = true
	booked.Title = "Standup"

	for _, s := range []*model.Slot{late, early, booked} {
		_, err := repo.PutSlot(ctx, s)
		gt.NoError(t, err)
	}

	t.Run("put rejects invalid range", func(t *testing.T) {
		bad := newSlot(1, 1)
		bad.EndAt = bad.StartAt
		_, err := repo.PutSlot(ctx, bad)
		gt.True(t, errors.Is(err, model.ErrInvalidRange))
	})

	t.Run("get returns stored fields", func(t *testing.T) {
		got, err := repo.GetSlot(ctx, booked.ID)
		gt.NoError(t, err)
		gt.Equal(t, got.Title, "Standup")
		gt.True(t, got.Booked)
		gt.True(t, got.StartAt.Equal(booked.StartAt))
		gt.True(t, got.EndAt.Equal(booked.EndAt))
	})

	t.Run("query free slots in start order", func(t *testing.T) {
		free := false
		window := model.TimeRange{From: baseTime, To: baseTime.Add(24 * time.Hour)}
		slots, err := repo.QuerySlots(ctx, model.SlotFilter{Overlapping: &window, Booked: &free})
		gt.NoError(t, err)
		gt.A(t, slots).Length(2)
		gt.Equal(t, slots[0].ID, early.ID)
		gt.Equal(t, slots[1].ID, late.ID)
	})

	t.Run("query overlap is half-open", func(t *testing.T) {
		// ends exactly where early starts
		window := model.TimeRange{From: baseTime, To: early.StartAt}
		slots, err := repo.QuerySlots(ctx, model.SlotFilter{Overlapping: &window})
		gt.NoError(t, err)
		gt.A(t, slots).Length(0)
	})

	t.Run("book free slot", func(t *testing.T) {
		got, err := repo.BookSlot(ctx, early.ID, model.Booking{Title: "Review", ContactName: "Kim"})
		gt.NoError(t, err)
		gt.True(t, got.Booked)
		gt.Equal(t, got.Title, "Review")
		gt.Equal(t, got.ContactName, "Kim")

		stored, err := repo.GetSlot(ctx, early.ID)
		gt.NoError(t, err)
		gt.True(t, stored.Booked)
	})

	t.Run("rebooking with identical details is idempotent", func(t *testing.T) {
		got, err := repo.BookSlot(ctx, early.ID, model.Booking{Title: "Review", ContactName: "Kim"})
		gt.NoError(t, err)
		gt.Equal(t, got.Title, "Review")
	})

	t.Run("booking a booked slot with other details conflicts", func(t *testing.T) {
		_, err := repo.BookSlot(ctx, early.ID, model.Booking{Title: "Other"})
		gt.True(t, errors.Is(err, model.ErrConflict))
	})

	t.Run("booking unknown slot", func(t *testing.T) {
		_, err := repo.BookSlot(ctx, model.NewSlotID(), model.Booking{Title: "x"})
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})

	t.Run("put never clears booked", func(t *testing.T) {
		unbooked := *booked
		unbooked.Booked = false
		_, err := repo.PutSlot(ctx, &unbooked)
		gt.True(t, errors.Is(err, model.ErrConflict))

		stored, err := repo.GetSlot(ctx, booked.ID)
		gt.NoError(t, err)
		gt.True(t, stored.Booked)
	})
}

func testBookingRace(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	slot := newSlot(2, 1)
	_, err := repo.PutSlot(ctx, slot)
	gt.NoError(t, err)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.BookSlot(ctx, slot.ID, model.Booking{Title: fmt.Sprintf("meeting %d", i)})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, model.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	gt.Equal(t, wins, 1)
	gt.Equal(t, conflicts, n-1)
}

func testCheckpoints(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	thread := model.ThreadID(fmt.Sprintf("thread_%d", time.Now().UnixNano()))

	t.Run("latest on empty thread", func(t *testing.T) {
		cp, err := repo.LatestCheckpoint(ctx, thread)
		gt.NoError(t, err)
		gt.Equal(t, cp, nil)
	})

	for i := range 3 {
		cp, err := repo.AppendCheckpoint(ctx, thread, model.StateBlob{
			Schema: "test/v1",
			Data:   []byte(fmt.Sprintf("state-%d", i)),
		})
		gt.NoError(t, err)
		gt.Equal(t, cp.Seq, uint64(i))
		gt.Equal(t, cp.ThreadID, thread)
	}

	t.Run("latest is the last append", func(t *testing.T) {
		cp, err := repo.LatestCheckpoint(ctx, thread)
		gt.NoError(t, err)
		gt.Equal(t, cp.Seq, uint64(2))
		gt.Equal(t, string(cp.State.Data), "state-2")
		gt.Equal(t, cp.State.Schema, "test/v1")
	})

	t.Run("list is ascending from seq", func(t *testing.T) {
		var seqs []uint64
		for cp, err := range repo.ListCheckpoints(ctx, thread, 1) {
			gt.NoError(t, err)
			seqs = append(seqs, cp.Seq)
		}
		gt.Equal(t, seqs, []uint64{1, 2})
	})

	t.Run("list stops when consumer breaks", func(t *testing.T) {
		count := 0
		for _, err := range repo.ListCheckpoints(ctx, thread, 0) {
			gt.NoError(t, err)
			count++
			break
		}
		gt.Equal(t, count, 1)
	})

	t.Run("expected seq must be next", func(t *testing.T) {
		_, err := repo.AppendCheckpoint(ctx, thread, model.StateBlob{Schema: "test/v1"}, repository.WithExpectedSeq(1))
		gt.True(t, errors.Is(err, model.ErrOutOfOrder))

		cp, err := repo.AppendCheckpoint(ctx, thread, model.StateBlob{Schema: "test/v1"}, repository.WithExpectedSeq(3))
		gt.NoError(t, err)
		gt.Equal(t, cp.Seq, uint64(3))
	})

	t.Run("threads are independent", func(t *testing.T) {
		other := thread + "_other"
		cp, err := repo.AppendCheckpoint(ctx, other, model.StateBlob{Schema: "test/v1"})
		gt.NoError(t, err)
		gt.Equal(t, cp.Seq, uint64(0))
	})

	t.Run("concurrent appends get distinct sequence numbers", func(t *testing.T) {
		race := thread + "_race"
		const n = 6
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = map[uint64]bool{}
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cp, err := repo.AppendCheckpoint(ctx, race, model.StateBlob{Schema: "test/v1"})
				if err != nil {
					// transient contention is reported, never silently merged
					gt.True(t, errors.Is(err, model.ErrStoreUnavailable))
					return
				}
				mu.Lock()
				defer mu.Unlock()
				gt.False(t, seen[cp.Seq])
				seen[cp.Seq] = true
			}()
		}
		wg.Wait()

		var seqs []uint64
		for cp, err := range repo.ListCheckpoints(ctx, race, 0) {
			gt.NoError(t, err)
			seqs = append(seqs, cp.Seq)
		}
		gt.Equal(t, len(seqs), len(seen))
		for i, seq := range seqs {
			gt.Equal(t, seq, uint64(i))
		}
	})
}

func vec(v ...float32) []float32 { return v }

func testMemories(t *testing.T, repo repository.Repository) {
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	alice := model.OwnerID("alice_" + suffix)
	bob := model.OwnerID("bob_" + suffix)

	t.Run("search on empty owner", func(t *testing.T) {
		hits, err := repo.SearchMemories(ctx, alice, vec(1, 0, 0, 0), 5)
		gt.NoError(t, err)
		gt.A(t, hits).Length(0)
	})

	add := func(owner model.OwnerID, text string, at time.Time, e []float32) *model.Memory {
		m, err := repo.AddMemory(ctx, &model.Memory{
			Owner:     owner,
			Text:      text,
			Embedding: e,
			CreatedAt: at,
		})
		gt.NoError(t, err)
		gt.NotEqual(t, m.ID, model.MemoryID(""))
		return m
	}

	coffee := add(alice, "likes coffee", baseTime, vec(1, 0, 0, 0))
	tea := add(alice, "likes tea", baseTime.Add(time.Minute), vec(0, 1, 0, 0))
	mixed := add(alice, "likes both", baseTime.Add(2*time.Minute), vec(1, 1, 0, 0))
	add(bob, "likes coffee too", baseTime, vec(1, 0, 0, 0))

	t.Run("ordered by similarity", func(t *testing.T) {
		hits, err := repo.SearchMemories(ctx, alice, vec(1, 0, 0, 0), 5)
		gt.NoError(t, err)
		gt.A(t, hits).Length(3)
		gt.Equal(t, hits[0].ID, coffee.ID)
		gt.Equal(t, hits[1].ID, mixed.ID)
		gt.Equal(t, hits[2].ID, tea.ID)
		gt.True(t, hits[0].Similarity > 0.99)
	})

	t.Run("owners are isolated", func(t *testing.T) {
		hits, err := repo.SearchMemories(ctx, alice, vec(1, 0, 0, 0), 10)
		gt.NoError(t, err)
		for _, h := range hits {
			gt.Equal(t, h.Owner, alice)
		}

		hits, err = repo.SearchMemories(ctx, bob, vec(1, 0, 0, 0), 10)
		gt.NoError(t, err)
		gt.A(t, hits).Length(1)
		gt.Equal(t, hits[0].Owner, bob)
	})

	t.Run("k limits results", func(t *testing.T) {
		hits, err := repo.SearchMemories(ctx, alice, vec(1, 0, 0, 0), 1)
		gt.NoError(t, err)
		gt.A(t, hits).Length(1)
		gt.Equal(t, hits[0].ID, coffee.ID)
	})

	t.Run("ties go to the most recent", func(t *testing.T) {
		carol := model.OwnerID("carol_" + suffix)
		older := add(carol, "older", baseTime, vec(0, 0, 1, 0))
		newer := add(carol, "newer", baseTime.Add(time.Hour), vec(0, 0, 1, 0))

		hits, err := repo.SearchMemories(ctx, carol, vec(0, 0, 1, 0), 2)
		gt.NoError(t, err)
		gt.A(t, hits).Length(2)
		gt.Equal(t, hits[0].ID, newer.ID)
		gt.Equal(t, hits[1].ID, older.ID)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := repo.AddMemory(ctx, &model.Memory{Owner: alice, Text: "x", Embedding: vec(1, 0)})
		gt.True(t, errors.Is(err, model.ErrDimensionMismatch))

		_, err = repo.SearchMemories(ctx, alice, vec(1, 0), 5)
		gt.True(t, errors.Is(err, model.ErrDimensionMismatch))
	})

	t.Run("replaying an add keeps one record", func(t *testing.T) {
		dave := model.OwnerID("dave_" + suffix)
		record := &model.Memory{
			ID:        model.NewMemoryID(),
			Owner:     dave,
			Text:      "prefers mornings",
			Embedding: vec(0, 0, 0, 1),
			CreatedAt: baseTime,
		}
		for range 2 {
			m, err := repo.AddMemory(ctx, record)
			gt.NoError(t, err)
			gt.Equal(t, m.ID, record.ID)
		}

		list, err := repo.ListMemories(ctx, dave)
		gt.NoError(t, err)
		gt.A(t, list).Length(1)
	})

	t.Run("zero norm embeddings are rejected", func(t *testing.T) {
		_, err := repo.AddMemory(ctx, &model.Memory{Owner: alice, Text: "x", Embedding: vec(0, 0, 0, 0)})
		gt.True(t, errors.Is(err, model.ErrDimensionMismatch))

		_, err = repo.SearchMemories(ctx, alice, vec(0, 0, 0, 0), 5)
		gt.True(t, errors.Is(err, model.ErrDimensionMismatch))
	})

	t.Run("list and delete", func(t *testing.T) {
		list, err := repo.ListMemories(ctx, alice)
		gt.NoError(t, err)
		gt.A(t, list).Length(3)
		gt.Equal(t, list[0].ID, coffee.ID)
		gt.Equal(t, list[2].ID, mixed.ID)

		gt.NoError(t, repo.DeleteMemories(ctx, alice, coffee.ID))

		hits, err := repo.SearchMemories(ctx, alice, vec(1, 0, 0, 0), 5)
		gt.NoError(t, err)
		gt.A(t, hits).Length(2)
		gt.Equal(t, hits[0].ID, mixed.ID)

		// bob's record with the same content is untouched
		hits, err = repo.SearchMemories(ctx, bob, vec(1, 0, 0, 0), 5)
		gt.NoError(t, err)
		gt.A(t, hits).Length(1)
	})
}
