package scheduling

import (
	"time"

	"github.com/m-mizutani/rendezvous/pkg/repository"
	"github.com/m-mizutani/rendezvous/pkg/utils/backoff"
)

// UseCase is the scheduling service over a SlotStore
type UseCase struct {
	slots   repository.SlotStore
	retries int
	window  time.Duration
	backoff backoff.Policy
	now     func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithBookingRetries sets how many alternative slots are tried after a
// booking conflict. Negative values are treated as zero.
func WithBookingRetries(n int) Option {
	return func(uc *UseCase) {
		uc.retries = max(n, 0)
	}
}

// WithAlternativeWindow widens the alternative search after a conflict from
// "same start and end" to "starts within d of the lost slot and is at least
// as long".
func WithAlternativeWindow(d time.Duration) Option {
	return func(uc *UseCase) {
		uc.window = d
	}
}

// WithBackoff sets the retry policy for transient store failures
func WithBackoff(p backoff.Policy) Option {
	return func(uc *UseCase) {
		uc.backoff = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(uc *UseCase) {
		uc.now = now
	}
}

// New creates a new scheduling UseCase instance
func New(slots repository.SlotStore, opts ...Option) *UseCase {
	uc := &UseCase{
		slots:   slots,
		retries: 1,
		backoff: backoff.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}
