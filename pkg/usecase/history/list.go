// Package history replays the checkpoints of a conversation thread for
// audit and debugging.
package history

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/repository"
	"github.com/m-mizutani/rendezvous/pkg/usecase/chat"
	"google.golang.org/genai"
)

const summaryWidth = 80

// Entry describes one checkpoint of a thread
type Entry struct {
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Schema    string    `json:"schema"`
	Size      int       `json:"size"`

	// Set only for checkpoints written by a chat session
	Steps    int    `json:"steps,omitempty"`
	Messages int    `json:"messages,omitempty"`
	Role     string `json:"role,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// Replay lazily yields entries of the thread from sequence number from.
// Checkpoints of an unknown schema are reported without their content.
func Replay(ctx context.Context, log repository.CheckpointLog, thread model.ThreadID, from uint64) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		for cp, err := range log.ListCheckpoints(ctx, thread, from) {
			if err != nil {
				yield(nil, goerr.Wrap(err, "failed to list checkpoints", goerr.V("thread", thread)))
				return
			}

			entry, err := describe(cp)
			if !yield(entry, err) || err != nil {
				return
			}
		}
	}
}

// List collects at most limit entries. A limit of zero or less means all.
func List(ctx context.Context, log repository.CheckpointLog, thread model.ThreadID, from uint64, limit int) ([]*Entry, error) {
	var entries []*Entry
	for entry, err := range Replay(ctx, log, thread, from) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func describe(cp *model.Checkpoint) (*Entry, error) {
	entry := &Entry{
		Seq:       cp.Seq,
		CreatedAt: cp.CreatedAt,
		Schema:    cp.State.Schema,
		Size:      len(cp.State.Data),
	}
	if cp.State.Schema != chat.StateSchema {
		return entry, nil
	}

	state, err := chat.DecodeState(cp.State)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to decode checkpoint", goerr.V("thread", cp.ThreadID), goerr.V("seq", cp.Seq))
	}

	entry.Steps = state.Steps
	entry.Messages = len(state.Contents)
	if n := len(state.Contents); n > 0 {
		last := state.Contents[n-1]
		entry.Role = last.Role
		entry.Summary = summarize(last)
	}
	return entry, nil
}

func summarize(c *genai.Content) string {
	var parts []string
	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			parts = append(parts, fmt.Sprintf("call %s", p.FunctionCall.Name))
		case p.FunctionResponse != nil:
			parts = append(parts, fmt.Sprintf("result %s", p.FunctionResponse.Name))
		case p.Text != "" && !p.Thought:
			parts = append(parts, strings.Join(strings.Fields(p.Text), " "))
		}
	}
	return truncate(strings.Join(parts, "; "), summaryWidth)
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}
