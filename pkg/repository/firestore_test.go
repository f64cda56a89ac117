package repository_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/adapter"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/repository"
)

// The memory test needs a vector index on <memories>/*/records.embedding
// with dimension 4 and cosine distance.
func setupFirestore(t *testing.T, opts ...repository.Option) *repository.Firestore {
	projectID := os.Getenv("TEST_FIRESTORE_PROJECT_ID")
	databaseID := os.Getenv("TEST_FIRESTORE_DATABASE_ID")

	if projectID == "" || databaseID == "" {
		t.Skip("TEST_FIRESTORE_PROJECT_ID and TEST_FIRESTORE_DATABASE_ID must be set to run Firestore tests")
	}

	prefix := fmt.Sprintf("test_%d_", time.Now().UnixNano())
	opts = append([]repository.Option{
		repository.WithDimensions(testDims),
		repository.WithCollectionNames(repository.CollectionNames{
			Slots:       prefix + "slots",
			Checkpoints: prefix + "checkpoints",
			Memories:    "test_memories",
		}),
	}, opts...)
	repo, err := repository.NewFirestore(context.Background(), projectID, databaseID, opts...)
	gt.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	return repo
}

func TestFirestore(t *testing.T) {
	runConformance(t, func(t *testing.T) repository.Repository {
		return setupFirestore(t)
	})
}

func TestFirestoreBlobCheckpoints(t *testing.T) {
	ctx := context.Background()
	blobs := adapter.NewMemoryStorage()
	repo := setupFirestore(t, repository.WithBlobStorage(blobs, 16))
	thread := model.ThreadID(fmt.Sprintf("thread_blob_%d", time.Now().UnixNano()))
	payload := bytes.Repeat([]byte("x"), 64)

	cp, err := repo.AppendCheckpoint(ctx, thread, model.StateBlob{Schema: "test/v1", Data: payload})
	gt.NoError(t, err)
	gt.Equal(t, cp.Seq, uint64(0))
	gt.A(t, blobs.Keys()).Length(1)

	latest, err := repo.LatestCheckpoint(ctx, thread)
	gt.NoError(t, err)
	gt.Equal(t, latest.State.Data, payload)

	// a rejected append leaves no payload behind
	_, err = repo.AppendCheckpoint(ctx, thread, model.StateBlob{Schema: "test/v1", Data: payload},
		repository.WithExpectedSeq(5))
	gt.True(t, errors.Is(err, model.ErrOutOfOrder))
	gt.A(t, blobs.Keys()).Length(1)
}
