package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
)

// Remember stores fragment for owner when the policy judges it worth keeping.
// It returns nil without error when nothing was stored, including when the
// policy, the embedder or the index fails; those failures are only logged.
func (m *Manager) Remember(ctx context.Context, owner model.OwnerID, fragment string) (*model.Memory, error) {
	if owner == "" {
		return nil, goerr.New("owner is required")
	}
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return nil, nil
	}

	logger := logging.From(ctx).With("owner", owner, "op", "remember")

	decision, err := m.policy.Evaluate(ctx, owner, fragment)
	if err != nil {
		logger.Warn("memory policy failed, fragment is not stored", "error", err)
		return nil, nil
	}
	if !decision.Keep {
		logger.Debug("fragment not worth keeping", "reason", decision.Reason)
		return nil, nil
	}

	text := fragment
	if decision.Text != "" {
		text = decision.Text
	}

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		logger.Warn("embedding failed, fragment is not stored", "error", err)
		return nil, nil
	}

	// one ID for every attempt, so a retry after a write that did land
	// replays it instead of adding a copy
	record := &model.Memory{
		ID:         model.NewMemoryID(),
		Owner:      owner,
		Text:       text,
		Embedding:  vec,
		Importance: decision.Importance,
		CreatedAt:  m.now(),
	}
	stored, err := backoff.Do(ctx, m.backoff, func(ctx context.Context) (*model.Memory, error) {
		return m.index.AddMemory(ctx, record)
	})
	if err != nil {
		logger.Warn("failed to store memory", "error", err)
		return nil, nil
	}

	if m.maxPerOwner > 0 {
		m.prune(ctx, owner)
	}

	logger.Debug("memory stored", "memory_id", stored.ID, "importance", stored.Importance)
	return stored, nil
}

// prune removes the least important, then oldest, records beyond the cap
func (m *Manager) prune(ctx context.Context, owner model.OwnerID) {
	logger := logging.From(ctx).With("owner", owner, "op", "prune")

	records, err := backoff.Do(ctx, m.backoff, func(ctx context.Context) ([]*model.Memory, error) {
		return m.index.ListMemories(ctx, owner)
	})
	if err != nil {
		logger.Warn("failed to list memories for pruning", "error", err)
		return
	}
	if len(records) <= m.maxPerOwner {
		return
	}

	slices.SortStableFunc(records, func(a, b *model.Memory) int {
		if c := cmp.Compare(a.Importance, b.Importance); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	excess := records[:len(records)-m.maxPerOwner]
	ids := make([]model.MemoryID, 0, len(excess))
	for _, r := range excess {
		ids = append(ids, r.ID)
	}

	if err := backoff.Retry(ctx, m.backoff, func(ctx context.Context) error {
		return m.index.DeleteMemories(ctx, owner, ids...)
	}); err != nil {
		logger.Warn("failed to prune memories", "error", err)
		return
	}
	logger.Debug("pruned memories", "count", len(ids))
}
