package repository

import (
	"time"

	"github.com/m-mizutani/rendezvous/pkg/adapter"
)

// CollectionNames names the three logical collections (tables in SQLite)
type CollectionNames struct {
	Slots       string
	Checkpoints string
	Memories    string
}

func DefaultCollectionNames() CollectionNames {
	return CollectionNames{
		Slots:       "slots",
		Checkpoints: "checkpoints",
		Memories:    "memories",
	}
}

type options struct {
	names      CollectionNames
	dimensions int
	now        func() time.Time

	// Firestore only
	storage     adapter.Storage
	inlineLimit int
}

// Option configures a repository backend
type Option func(*options)

// WithCollectionNames overrides collection names. Empty fields keep defaults.
func WithCollectionNames(names CollectionNames) Option {
	return func(o *options) {
		if names.Slots != "" {
			o.names.Slots = names.Slots
		}
		if names.Checkpoints != "" {
			o.names.Checkpoints = names.Checkpoints
		}
		if names.Memories != "" {
			o.names.Memories = names.Memories
		}
	}
}

// WithDimensions fixes the embedding dimensionality accepted by the memory
// index. With zero, the first record stored fixes it.
func WithDimensions(n int) Option {
	return func(o *options) {
		o.dimensions = n
	}
}

// WithClock replaces time.Now for timestamps written by the backend
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithBlobStorage lets the Firestore backend move checkpoint payloads larger
// than limit bytes to object storage. It has no effect on other backends.
func WithBlobStorage(storage adapter.Storage, limit int) Option {
	return func(o *options) {
		o.storage = storage
		o.inlineLimit = limit
	}
}

func newOptions(opts ...Option) options {
	o := options{
		names:       DefaultCollectionNames(),
		now:         time.Now,
		inlineLimit: 512 * 1024,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
