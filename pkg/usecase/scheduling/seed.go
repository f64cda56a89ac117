package scheduling

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
)

// DemoSlots returns the slots inserted by Seed
func DemoSlots() []*model.Slot {
	at := func(h, m int) time.Time {
		return time.Date(2025, 7, 1, h, m, 0, 0, time.UTC)
	}
	return []*model.Slot{
		{
			Title:       "Team Sync",
			Description: "Weekly team synchronization meeting.",
			StartAt:     at(9, 0),
			EndAt:       at(9, 30),
		},
		{
			Title:        "Client Call",
			Description:  "Discuss project updates with Client X.",
			ContactName:  "Client X",
			ContactPhone: "123-456-7890",
			StartAt:      at(10, 0),
			EndAt:        at(10, 30),
			Booked:       true,
		},
		{
			Title:       "Project Planning",
			Description: "Plan next quarter's roadmap.",
			StartAt:     at(11, 0),
			EndAt:       at(11, 30),
		},
	}
}

// Seed inserts the demo slots when the store has no slot at all. It returns
// the inserted slots, or nil if the store was not empty.
func (u *UseCase) Seed(ctx context.Context) ([]*model.Slot, error) {
	existing, err := backoff.Do(ctx, u.backoff, func(ctx context.Context) ([]*model.Slot, error) {
		return u.slots.QuerySlots(ctx, model.SlotFilter{})
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		logging.From(ctx).Debug("slot store is not empty, skip seeding", "count", len(existing))
		return nil, nil
	}

	var inserted []*model.Slot
	for _, slot := range DemoSlots() {
		slot.ID = model.NewSlotID()
		created, err := backoff.Do(ctx, u.backoff, func(ctx context.Context) (*model.Slot, error) {
			return u.slots.PutSlot(ctx, slot)
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to seed slot", goerr.V("title", slot.Title))
		}
		inserted = append(inserted, created)
	}

	logging.From(ctx).Info("seeded demo slots", "count", len(inserted))
	return inserted, nil
}
