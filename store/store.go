// Package store provides the authoritative, versioned room document
// store: atomic conditional read-modify-write plus change notification.
// It is the only cross-client synchronization point in the system.
package store

import (
	"context"
	"errors"

	"tapdash/room"
)

// ErrAborted is returned by a transaction function to commit nothing.
// Transact stops retrying and reports it to the caller; the document is
// left untouched.
var ErrAborted = errors.New("transaction aborted")

// TxFunc receives a private copy of the current document and returns the
// document to commit. Returning an error aborts the transaction without
// writing. It may be called multiple times if the conditional write
// loses to a concurrent committer, so it must be side-effect free.
type TxFunc func(current *room.Room) (*room.Room, error)

// OnChange receives every committed snapshot of a room in commit order.
// Intermediate snapshots may be coalesced under a slow consumer; the
// latest one always arrives. A nil room means the room was deleted.
type OnChange func(snapshot *room.Room)

// Interface is the room store contract shared by the in-memory and
// Postgres implementations.
type Interface interface {
	// Get returns a copy of the current document, or room.ErrRoomNotFound.
	Get(ctx context.Context, code string) (*room.Room, error)

	// Create writes the initial document, or room.ErrRoomExists if the
	// code is already live.
	Create(ctx context.Context, r *room.Room) error

	// Transact runs fn against the current snapshot and conditionally
	// commits its result, retrying a bounded number of times on write
	// conflicts before giving up with room.ErrConflictExhausted. The
	// committed document is returned on success.
	Transact(ctx context.Context, code string, fn TxFunc) (*room.Room, error)

	// Subscribe registers fn for change notifications on one room and
	// returns an unsubscribe func. Subscribing to a room that does not
	// exist (yet) is allowed.
	Subscribe(code string, fn OnChange) (func(), error)

	// Delete removes the document and notifies subscribers. Deleting an
	// absent room is a no-op.
	Delete(ctx context.Context, code string) error
}
