package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type SlotID string

// NewSlotID generates a new unique SlotID
func NewSlotID() SlotID {
	return SlotID(uuid.New().String())
}

// Slot is a time interval offered or committed for a meeting.
type Slot struct {
	ID           SlotID    `json:"id" firestore:"id"`
	Title        string    `json:"title" firestore:"title"`
	Description  string    `json:"description" firestore:"description"`
	ContactName  string    `json:"contact_name" firestore:"contact_name"`
	ContactPhone string    `json:"contact_phone" firestore:"contact_phone"`
	StartAt      time.Time `json:"start_at" firestore:"start_at"`
	EndAt        time.Time `json:"end_at" firestore:"end_at"`
	Booked       bool      `json:"booked" firestore:"booked"`

	CreatedAt time.Time `json:"created_at" firestore:"created_at"`
	UpdatedAt time.Time `json:"updated_at" firestore:"updated_at"`
}

// Range returns the interval covered by the slot
func (s *Slot) Range() TimeRange {
	return TimeRange{From: s.StartAt, To: s.EndAt}
}

// Validate checks the slot bounds
func (s *Slot) Validate() error {
	if s.ID == "" {
		return goerr.New("slot id is empty")
	}
	if err := s.Range().Validate(); err != nil {
		return goerr.Wrap(err, "invalid slot", goerr.V("slot_id", s.ID))
	}
	return nil
}

// Booking holds the meeting details written when a slot is booked. Empty
// fields keep the value already stored on the slot.
type Booking struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	ContactName  string `json:"contact_name,omitempty"`
	ContactPhone string `json:"contact_phone,omitempty"`
}

// Apply returns a copy of the slot with the booking details merged in and
// booked set to true. The receiver is not modified.
func (b Booking) Apply(s *Slot) *Slot {
	booked := *s
	if b.Title != "" {
		booked.Title = b.Title
	}
	if b.Description != "" {
		booked.Description = b.Description
	}
	if b.ContactName != "" {
		booked.ContactName = b.ContactName
	}
	if b.ContactPhone != "" {
		booked.ContactPhone = b.ContactPhone
	}
	booked.Booked = true
	return &booked
}

// SameBooking reports whether two slots carry identical meeting details and state.
func SameBooking(a, b *Slot) bool {
	return a.Booked == b.Booked &&
		a.Title == b.Title &&
		a.Description == b.Description &&
		a.ContactName == b.ContactName &&
		a.ContactPhone == b.ContactPhone &&
		a.StartAt.Equal(b.StartAt) &&
		a.EndAt.Equal(b.EndAt)
}

// TimeRange is a half-open interval [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return goerr.Wrap(ErrInvalidRange, "range bound is not set", goerr.V("from", r.From), goerr.V("to", r.To))
	}
	if !r.From.Before(r.To) {
		return goerr.Wrap(ErrInvalidRange, "start must be before end", goerr.V("from", r.From), goerr.V("to", r.To))
	}
	return nil
}

// Overlaps reports whether the two half-open ranges share any instant
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.From.Before(other.To) && other.From.Before(r.To)
}

func (r TimeRange) Duration() time.Duration {
	return r.To.Sub(r.From)
}

// SlotFilter selects slots in SlotStore.QuerySlots. Nil fields are not applied.
type SlotFilter struct {
	// Overlapping keeps slots whose interval overlaps the range
	Overlapping *TimeRange
	Booked      *bool
}

// Match evaluates the filter against a slot
func (f SlotFilter) Match(s *Slot) bool {
	if f.Booked != nil && s.Booked != *f.Booked {
		return false
	}
	if f.Overlapping != nil && !s.Range().Overlaps(*f.Overlapping) {
		return false
	}
	return true
}

var outOfBandNamespace = uuid.MustParse("6f1c1f3e-2b7a-4d0e-9a53-0d7c2f6e8b41")

// NewSlotIDFor derives a stable SlotID from an interval so that concurrent
// out-of-band bookings of the same interval contend on the same record.
func NewSlotIDFor(r TimeRange) SlotID {
	key := r.From.UTC().Format(time.RFC3339Nano) + "/" + r.To.UTC().Format(time.RFC3339Nano)
	return SlotID(uuid.NewSHA1(outOfBandNamespace, []byte(key)).String())
}
