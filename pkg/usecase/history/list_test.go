package history_test

import (
	"context"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/repository"
	"github.com/m-mizutani/rendezvous/pkg/usecase/chat"
	"github.com/m-mizutani/rendezvous/pkg/usecase/history"
	"github.com/m-mizutani/rendezvous/pkg/utils/codec"
	"google.golang.org/genai"
)

func appendState(t *testing.T, repo repository.CheckpointLog, thread model.ThreadID, contents ...*genai.Content) {
	blob, err := chat.EncodeState(&chat.State{Contents: contents, Steps: len(contents)}, codec.CompressionNone)
	gt.NoError(t, err)
	_, err = repo.AppendCheckpoint(context.Background(), thread, blob)
	gt.NoError(t, err)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemory()
	thread := model.NewThreadID("robin", "history")

	user := genai.NewContentFromText("Find me a slot tomorrow", genai.RoleUser)
	call := &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
		{FunctionCall: &genai.FunctionCall{Name: "get_free_slots"}},
	}}
	answer := genai.NewContentFromText(strings.Repeat("10:00 is free. ", 10), genai.RoleModel)

	appendState(t, repo, thread, user, call)
	appendState(t, repo, thread, user, call, answer)
	_, err := repo.AppendCheckpoint(ctx, thread, model.StateBlob{Schema: "other/v1", Data: []byte("opaque")})
	gt.NoError(t, err)

	entries, err := history.List(ctx, repo, thread, 0, 0)
	gt.NoError(t, err)
	gt.A(t, entries).Length(3)

	gt.Equal(t, entries[0].Seq, uint64(0))
	gt.Equal(t, entries[0].Summary, "call get_free_slots")
	gt.Equal(t, entries[0].Messages, 2)

	gt.Equal(t, entries[1].Role, genai.RoleModel)
	gt.Equal(t, len([]rune(entries[1].Summary)), 80)
	gt.True(t, strings.HasSuffix(entries[1].Summary, "..."))

	gt.Equal(t, entries[2].Schema, "other/v1")
	gt.Equal(t, entries[2].Size, 6)
	gt.Equal(t, entries[2].Summary, "")

	entries, err = history.List(ctx, repo, thread, 1, 1)
	gt.NoError(t, err)
	gt.A(t, entries).Length(1)
	gt.Equal(t, entries[0].Seq, uint64(1))
}

func TestListEmptyThread(t *testing.T) {
	entries, err := history.List(context.Background(), repository.NewInMemory(), "thread_none", 0, 0)
	gt.NoError(t, err)
	gt.A(t, entries).Length(0)
}

func TestReplayCorruptedCheckpoint(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewInMemory()
	_, err := repo.AppendCheckpoint(ctx, "thread_bad", model.StateBlob{Schema: chat.StateSchema, Data: []byte("garbage")})
	gt.NoError(t, err)

	_, err = history.List(ctx, repo, "thread_bad", 0, 0)
	gt.Error(t, err)
}
