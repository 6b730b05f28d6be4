package room

import "errors"

// Validation failures are surfaced to the caller immediately; transient
// failures (conflict, unavailable) are retried inside the core before
// being surfaced as a connection problem.
var (
	ErrNameRequired      = errors.New("a display name is required")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomExists        = errors.New("room already exists")
	ErrRoomNotJoinable   = errors.New("the race has already started")
	ErrNotHost           = errors.New("only the host can do that")
	ErrConflictExhausted = errors.New("room is too contended, try again")
	ErrStoreUnavailable  = errors.New("room store unavailable")
)
