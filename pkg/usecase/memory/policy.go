package memory

import (
	"context"
	"strings"
	"unicode"

	"github.com/m-mizutani/rendezvous/pkg/model"
)

// Decision is the outcome of a Policy evaluation
type Decision struct {
	Keep bool `json:"keep"`
	// Importance in [0, 1]; used for pruning
	Importance float64 `json:"importance"`
	// Text optionally replaces the fragment with a condensed statement
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Policy decides whether a conversation fragment is worth persisting
type Policy interface {
	Evaluate(ctx context.Context, owner model.OwnerID, fragment string) (*Decision, error)
}

// PolicyFunc adapts a function to Policy
type PolicyFunc func(ctx context.Context, owner model.OwnerID, fragment string) (*Decision, error)

func (f PolicyFunc) Evaluate(ctx context.Context, owner model.OwnerID, fragment string) (*Decision, error) {
	return f(ctx, owner, fragment)
}

// Heuristic keeps fragments that state a preference, a fact about the user
// or an explicit request to remember something.
type Heuristic struct {
	threshold float64
}

func NewHeuristic() *Heuristic {
	return &Heuristic{threshold: 0.5}
}

var (
	explicitMarkers = []string{
		"remember", "note that", "don't forget", "keep in mind",
	}
	preferenceMarkers = []string{
		"prefer", "like", "love", "hate", "dislike", "always", "never", "usually",
		"favorite", "favourite", "allergic", "my name", "call me", "i am", "i'm",
		"i work", "i live", "available", "unavailable", "busy", "timezone", "time zone",
	}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func (h *Heuristic) Evaluate(ctx context.Context, owner model.OwnerID, fragment string) (*Decision, error) {
	lower := strings.ToLower(fragment)
	words := strings.Fields(lower)

	score := 0.2
	var reasons []string
	if containsAny(lower, explicitMarkers) {
		score += 0.4
		reasons = append(reasons, "explicit")
	}
	if containsAny(lower, preferenceMarkers) {
		score += 0.4
		reasons = append(reasons, "preference")
	}
	if strings.IndexFunc(lower, unicode.IsDigit) >= 0 {
		score += 0.1
		reasons = append(reasons, "contains number")
	}
	if len(words) >= 6 {
		score += 0.1
	}
	if len(words) < 3 {
		score -= 0.3
		reasons = append(reasons, "too short")
	}
	score = min(max(score, 0), 1)

	return &Decision{
		Keep:       score >= h.threshold,
		Importance: score,
		Reason:     strings.Join(reasons, ", "),
	}, nil
}
