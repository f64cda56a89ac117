package scheduling

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
)

const (
	defaultSuggestions = 5
	maxSuggestAttempts = 20
)

// SuggestSlots proposes up to n hourly intervals of the given duration that
// do not overlap a booked meeting. Candidates start at the first full hour
// at or after the given time; at most 20 candidates are examined.
func (u *UseCase) SuggestSlots(ctx context.Context, after time.Time, duration time.Duration, n int) ([]model.TimeRange, error) {
	if duration <= 0 {
		return nil, goerr.Wrap(model.ErrInvalidRange, "duration must be positive", goerr.V("duration", duration))
	}
	if n <= 0 {
		n = defaultSuggestions
	}
	if after.IsZero() {
		after = u.now()
	}

	first := after.Truncate(time.Hour)
	if first.Before(after) {
		first = first.Add(time.Hour)
	}

	horizon := model.TimeRange{
		From: first,
		To:   first.Add(time.Duration(maxSuggestAttempts-1)*time.Hour + duration),
	}
	booked := true
	busy, err := backoff.Do(ctx, u.backoff, func(ctx context.Context) ([]*model.Slot, error) {
		return u.slots.QuerySlots(ctx, model.SlotFilter{Overlapping: &horizon, Booked: &booked})
	})
	if err != nil {
		return nil, err
	}

	var suggestions []model.TimeRange
	for i := 0; i < maxSuggestAttempts && len(suggestions) < n; i++ {
		start := first.Add(time.Duration(i) * time.Hour)
		candidate := model.TimeRange{From: start, To: start.Add(duration)}

		free := true
		for _, s := range busy {
			if s.Range().Overlaps(candidate) {
				free = false
				break
			}
		}
		if free {
			suggestions = append(suggestions, candidate)
		}
	}

	return suggestions, nil
}
