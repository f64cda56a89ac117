package memory

import (
	"context"
	"strings"

	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
)

// DefaultRecallK is the number of records recalled when k is not positive
const DefaultRecallK = 5

// Recall returns up to k records of owner most similar to query. Failures of
// the embedder or the index are logged and yield no records.
func (m *Manager) Recall(ctx context.Context, owner model.OwnerID, query string, k int) []*model.ScoredMemory {
	if owner == "" || strings.TrimSpace(query) == "" {
		return nil
	}
	if k <= 0 {
		k = DefaultRecallK
	}

	logger := logging.From(ctx).With("owner", owner, "op", "recall")

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		logger.Warn("embedding failed, recall skipped", "error", err)
		return nil
	}

	hits, err := backoff.Do(ctx, m.backoff, func(ctx context.Context) ([]*model.ScoredMemory, error) {
		return m.index.SearchMemories(ctx, owner, vec, k)
	})
	if err != nil {
		logger.Warn("memory search failed, recall skipped", "error", err)
		return nil
	}

	if m.minSimilarity > 0 {
		filtered := hits[:0]
		for _, h := range hits {
			if h.Similarity >= m.minSimilarity {
				filtered = append(filtered, h)
			}
		}
		hits = filtered
	}

	logger.Debug("recalled memories", "count", len(hits))
	return hits
}

// Texts extracts the memory texts in recall order
func Texts(hits []*model.ScoredMemory) []string {
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, h.Text)
	}
	return texts
}

// Format renders recalled memories as a block for a system prompt. It
// returns an empty string when there is nothing to inject.
func Format(hits []*model.ScoredMemory) string {
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Relevant Memories\n<memories>\n")
	for _, h := range hits {
		b.WriteString("- ")
		b.WriteString(strings.ReplaceAll(h.Text, "\n", " "))
		b.WriteString("\n")
	}
	b.WriteString("</memories>\n")
	return b.String()
}
