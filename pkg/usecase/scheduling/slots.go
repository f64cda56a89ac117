package scheduling

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
)

// SlotInput holds the fields of a slot supplied by a caller
type SlotInput struct {
	Title        string
	Description  string
	ContactName  string
	ContactPhone string
	Range        model.TimeRange
}

// GetFreeSlots returns unbooked slots overlapping r, earliest first
func (u *UseCase) GetFreeSlots(ctx context.Context, r model.TimeRange) ([]*model.Slot, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	free := false
	return backoff.Do(ctx, u.backoff, func(ctx context.Context) ([]*model.Slot, error) {
		return u.slots.QuerySlots(ctx, model.SlotFilter{Overlapping: &r, Booked: &free})
	})
}

// GetSlot returns a slot by identifier
func (u *UseCase) GetSlot(ctx context.Context, id model.SlotID) (*model.Slot, error) {
	return backoff.Do(ctx, u.backoff, func(ctx context.Context) (*model.Slot, error) {
		return u.slots.GetSlot(ctx, id)
	})
}

// ListSlots returns every slot overlapping r regardless of booking state
func (u *UseCase) ListSlots(ctx context.Context, r model.TimeRange) ([]*model.Slot, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return backoff.Do(ctx, u.backoff, func(ctx context.Context) ([]*model.Slot, error) {
		return u.slots.QuerySlots(ctx, model.SlotFilter{Overlapping: &r})
	})
}

// AddPotentialSlot registers a new free slot
func (u *UseCase) AddPotentialSlot(ctx context.Context, input SlotInput) (*model.Slot, error) {
	if err := input.Range.Validate(); err != nil {
		return nil, err
	}

	slot := &model.Slot{
		ID:           model.NewSlotID(),
		Title:        input.Title,
		Description:  input.Description,
		ContactName:  input.ContactName,
		ContactPhone: input.ContactPhone,
		StartAt:      input.Range.From,
		EndAt:        input.Range.To,
	}

	created, err := backoff.Do(ctx, u.backoff, func(ctx context.Context) (*model.Slot, error) {
		return u.slots.PutSlot(ctx, slot)
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to add potential slot")
	}
	return created, nil
}
