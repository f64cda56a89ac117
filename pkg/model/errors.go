package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrInvalidRange is returned when a slot or query range does not satisfy start < end.
	ErrInvalidRange = goerr.New("invalid time range")

	// ErrConflict is returned by a conditional booking update that lost a race.
	ErrConflict = goerr.New("booking conflict")

	// ErrSlotUnavailable means no free slot can satisfy the request after retries.
	ErrSlotUnavailable = goerr.New("no slot available")

	ErrNotFound = goerr.New("not found")

	// ErrStoreUnavailable wraps transient failures of a backing store.
	ErrStoreUnavailable = goerr.New("store unavailable")

	// ErrEmbeddingUnavailable is returned when the embedding capability fails.
	ErrEmbeddingUnavailable = goerr.New("embedding unavailable")

	// ErrOutOfOrder is returned when an explicit checkpoint sequence does not match the next value.
	ErrOutOfOrder = goerr.New("checkpoint sequence out of order")

	// ErrDimensionMismatch is returned for an embedding of the wrong size, or
	// one with zero norm.
	ErrDimensionMismatch = goerr.New("embedding dimension mismatch")
)
