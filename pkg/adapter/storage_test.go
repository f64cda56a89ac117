package adapter_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/adapter"
	"github.com/m-mizutani/rendezvous/pkg/model"
)

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := adapter.NewMemoryStorage()

	_, err := s.Get(ctx, "missing")
	gt.True(t, errors.Is(err, model.ErrNotFound))

	w, err := s.Put(ctx, "a/b.bin")
	gt.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	gt.NoError(t, err)

	// not visible before close
	_, err = s.Get(ctx, "a/b.bin")
	gt.Error(t, err)
	gt.NoError(t, w.Close())

	r, err := s.Get(ctx, "a/b.bin")
	gt.NoError(t, err)
	data, err := io.ReadAll(r)
	gt.NoError(t, err)
	gt.Equal(t, string(data), "payload")
	gt.Equal(t, s.Keys(), []string{"a/b.bin"})

	gt.NoError(t, s.Delete(ctx, "a/b.bin"))
	gt.NoError(t, s.Delete(ctx, "a/b.bin"))
	_, err = s.Get(ctx, "a/b.bin")
	gt.True(t, errors.Is(err, model.ErrNotFound))
	gt.A(t, s.Keys()).Length(0)
}
