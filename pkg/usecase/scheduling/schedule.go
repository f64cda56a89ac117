package scheduling

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/rendezvous/pkg/model"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
	"github.com/m-mizutani/rendezvous/pkg/utils/logging"
)

// ScheduleRequest targets an existing slot when SlotID is set. Otherwise
// Range describes the requested interval and the meeting is booked out of
// band.
type ScheduleRequest struct {
	SlotID  model.SlotID
	Range   model.TimeRange
	Booking model.Booking
}

// ScheduleMeeting books a meeting and returns the final slot state
func (u *UseCase) ScheduleMeeting(ctx context.Context, req ScheduleRequest) (*model.Slot, error) {
	if req.SlotID != "" {
		return u.bookByID(ctx, req.SlotID, req.Booking)
	}
	return u.bookOutOfBand(ctx, req.Range, req.Booking)
}

func (u *UseCase) book(ctx context.Context, id model.SlotID, booking model.Booking) (*model.Slot, error) {
	return backoff.Do(ctx, u.backoff, func(ctx context.Context) (*model.Slot, error) {
		return u.slots.BookSlot(ctx, id, booking)
	})
}

func (u *UseCase) bookByID(ctx context.Context, id model.SlotID, booking model.Booking) (*model.Slot, error) {
	target := id
	for attempt := 0; ; attempt++ {
		// a booking attempt is atomic, so stopping here never leaves a slot half booked
		if err := ctx.Err(); err != nil {
			return nil, goerr.Wrap(err, "scheduling cancelled", goerr.V("slot_id", target), goerr.V("attempt", attempt))
		}

		slot, err := u.book(ctx, target, booking)
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, model.ErrConflict) {
			return nil, err
		}

		if attempt >= u.retries {
			return nil, goerr.Wrap(model.ErrSlotUnavailable, "slot is already booked",
				goerr.V("slot_id", id), goerr.V("last_tried", target))
		}

		logging.From(ctx).Info("booking conflict, looking for an alternative slot",
			"slot_id", target, "attempt", attempt+1)

		alt, err := u.findAlternative(ctx, target)
		if err != nil {
			return nil, err
		}
		if alt == nil {
			return nil, goerr.Wrap(model.ErrSlotUnavailable, "no alternative free slot",
				goerr.V("slot_id", id))
		}
		target = alt.ID
	}
}

// findAlternative returns the earliest free slot that can replace lost, or nil
func (u *UseCase) findAlternative(ctx context.Context, lostID model.SlotID) (*model.Slot, error) {
	lost, err := u.GetSlot(ctx, lostID)
	if err != nil {
		return nil, err
	}

	duration := lost.Range().Duration()
	search := lost.Range()
	if u.window > 0 {
		search.To = lost.StartAt.Add(u.window + duration)
	}

	candidates, err := u.GetFreeSlots(ctx, search)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if c.ID == lost.ID {
			continue
		}
		if u.window == 0 {
			if c.StartAt.Equal(lost.StartAt) && c.EndAt.Equal(lost.EndAt) {
				return c, nil
			}
			continue
		}
		if !c.StartAt.Before(lost.StartAt) &&
			!c.StartAt.After(lost.StartAt.Add(u.window)) &&
			c.Range().Duration() >= duration {
			return c, nil
		}
	}
	return nil, nil
}

// bookOutOfBand books an interval that was not offered as a slot. A free slot
// with exactly the same bounds is booked instead, and an interval overlapping
// another booking is refused.
func (u *UseCase) bookOutOfBand(ctx context.Context, r model.TimeRange, booking model.Booking) (*model.Slot, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	overlapping, err := u.ListSlots(ctx, r)
	if err != nil {
		return nil, err
	}

	for _, s := range overlapping {
		if !s.Booked && s.StartAt.Equal(r.From) && s.EndAt.Equal(r.To) {
			return u.bookByID(ctx, s.ID, booking)
		}
	}
	for _, s := range overlapping {
		if !s.Booked {
			continue
		}
		if s.StartAt.Equal(r.From) && s.EndAt.Equal(r.To) && model.SameBooking(booking.Apply(s), s) {
			return s, nil
		}
		return nil, goerr.Wrap(model.ErrSlotUnavailable, "requested time overlaps a booked meeting",
			goerr.V("conflicting_slot_id", s.ID),
			goerr.V("conflicting_start", s.StartAt),
			goerr.V("conflicting_end", s.EndAt))
	}

	// the record is created free and then booked through the conditional
	// update, so two callers racing for the same interval get one winner
	slot := &model.Slot{
		ID:      model.NewSlotIDFor(r),
		Title:   booking.Title,
		StartAt: r.From,
		EndAt:   r.To,
	}
	if _, err := backoff.Do(ctx, u.backoff, func(ctx context.Context) (*model.Slot, error) {
		return u.slots.PutSlot(ctx, slot)
	}); err != nil && !errors.Is(err, model.ErrConflict) {
		return nil, goerr.Wrap(err, "failed to create out-of-band slot")
	}

	booked, err := u.book(ctx, slot.ID, booking)
	if errors.Is(err, model.ErrConflict) {
		return nil, goerr.Wrap(model.ErrSlotUnavailable, "requested time was booked concurrently",
			goerr.V("slot_id", slot.ID))
	}
	if err != nil {
		return nil, err
	}
	return booked, nil
}
