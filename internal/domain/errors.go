package domain

import "errors"

var (
	// ErrNotFound is returned when a vote targets an item the store does not hold yet.
	ErrNotFound = errors.New("item not found")

	// ErrMalformedSignal is returned when an inbound signal lacks the ids needed to merge it.
	ErrMalformedSignal = errors.New("malformed signal")

	// ErrRevocationTimeout fails a local submission that was never confirmed in time.
	ErrRevocationTimeout = errors.New("submission not confirmed before timeout")

	// ErrStoreCorruption reports a broken store invariant. It must never happen.
	ErrStoreCorruption = errors.New("store invariant violated")

	// ErrUnauthenticated rejects local mutations when no user is signed in.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrNotConfirmed rejects a local vote for an item the upstream has not confirmed yet.
	ErrNotConfirmed = errors.New("item not confirmed yet")

	// ErrAlreadyVoted rejects a local vote for an item the viewer already voted for.
	ErrAlreadyVoted = errors.New("already voted")
)
