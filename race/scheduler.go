package race

import (
	"context"
	"math/rand/v2"
	"time"

	"tapdash/room"
	"tapdash/store"
)

// Red periods are deliberately shorter and tenser than green ones.
const (
	redDwellMin    = 800 * time.Millisecond
	redDwellSpan   = 1000 * time.Millisecond
	greenDwellMin  = 1500 * time.Millisecond
	greenDwellSpan = 1200 * time.Millisecond
)

// Scheduler drives the shared traffic light for one room. Exactly one
// instance is materially active per room: the loop re-reads the room
// inside each write transaction and terminates the moment its owner is
// no longer the host of a racing room, so a superseded loop aborts
// before writing rather than fighting the new host.
type Scheduler struct {
	Store  store.Interface
	Code   string
	HostID string

	// Dwell overrides the randomized dwell duration. Tests use it to
	// avoid multi-second sleeps; leave nil for game timing.
	Dwell func(next room.Signal) time.Duration
}

// Run flips the signal until the context is cancelled, the room leaves
// racing, the owner loses host status, or the room disappears.
func (s *Scheduler) Run(ctx context.Context) {
	dwell := s.Dwell
	if dwell == nil {
		dwell = randomDwell
	}

	for {
		next := room.SignalGreen
		if rand.IntN(2) == 0 {
			next = room.SignalRed
		}

		_, err := s.Store.Transact(ctx, s.Code, func(r *room.Room) (*room.Room, error) {
			if r.Status != room.StatusRacing || r.HostID != s.HostID {
				return nil, store.ErrAborted
			}

			r.Signal = next

			return r, nil
		})
		if err != nil {
			// Aborted, room gone, cancelled, or the store gave up:
			// either way this loop is no longer the one driving the race.
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(dwell(next)):
		}
	}
}

func randomDwell(next room.Signal) time.Duration {
	if next == room.SignalRed {
		return redDwellMin + rand.N(redDwellSpan)
	}

	return greenDwellMin + rand.N(greenDwellSpan)
}
