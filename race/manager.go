// Package race implements the room coordination engine: the lifecycle
// operations, the per-tap transition, and the host-only signal loop. All
// shared state lives in the store; every mutation here is a conditional
// transaction against the current snapshot.
package race

import (
	"context"
	"errors"
	"strings"

	"tapdash/room"
	"tapdash/store"
)

// createAttempts bounds fresh-code generation on code collisions.
const createAttempts = 8

// Manager executes the client-facing room operations. Every operation is
// safe to call repeatedly: genuine precondition failures come back as
// the typed errors in package room, expected races resolve silently.
type Manager struct {
	store       store.Interface
	targetScore int
}

// NewManager returns a Manager creating rooms with the given target
// score (<= 0 selects room.DefaultTargetScore).
func NewManager(s store.Interface, targetScore int) *Manager {
	if targetScore <= 0 {
		targetScore = room.DefaultTargetScore
	}

	return &Manager{
		store:       s,
		targetScore: targetScore,
	}
}

// Store exposes the underlying room store, for wiring sessions.
func (m *Manager) Store() store.Interface {
	return m.store
}

// CreateRoom generates a fresh code and writes the initial document with
// the caller as sole player and host.
func (m *Manager) CreateRoom(ctx context.Context, playerID, name string, avatarIndex int) (*room.Room, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		r := room.New(room.NewCode(), playerID, name, avatarIndex, m.targetScore)

		err := m.store.Create(ctx, r)
		if errors.Is(err, room.ErrRoomExists) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return r, nil
	}

	return nil, room.ErrConflictExhausted
}

// JoinRoom admits the caller into a waiting room. Joining a room the
// caller is already in succeeds as a no-op, recovering from a
// lost-acknowledgement retry.
func (m *Manager) JoinRoom(ctx context.Context, playerID, code, name string, avatarIndex int) (*room.Room, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}

	code = room.NormalizeCode(code)
	if !room.ValidCode(code) {
		return nil, room.ErrRoomNotFound
	}

	return m.store.Transact(ctx, code, func(r *room.Room) (*room.Room, error) {
		if r.Status == room.StatusClosed {
			return nil, room.ErrRoomNotFound
		}

		if p, ok := r.Players[playerID]; ok {
			// Already a member; refresh the profile while the lobby is
			// still open, otherwise leave the document untouched.
			if r.Status == room.StatusWaiting {
				p.Name = name
				p.Avatar, p.Color = room.Cosmetics(avatarIndex)
			}
			return r, nil
		}

		if r.Status != room.StatusWaiting {
			return nil, room.ErrRoomNotJoinable
		}

		avatar, color := room.Cosmetics(avatarIndex)
		r.Players[playerID] = &room.Player{
			Name:   name,
			Avatar: avatar,
			Color:  color,
		}

		return r, nil
	})
}

// LeaveRoom removes the caller. The sole remaining player closes the
// room; a departing host hands the role to the lowest remaining
// identity, in the same transaction as the removal.
func (m *Manager) LeaveRoom(ctx context.Context, playerID, code string) error {
	code = room.NormalizeCode(code)

	committed, err := m.store.Transact(ctx, code, func(r *room.Room) (*room.Room, error) {
		if _, ok := r.Players[playerID]; !ok {
			return nil, store.ErrAborted
		}

		delete(r.Players, playerID)

		if len(r.Players) == 0 {
			r.Status = room.StatusClosed
			return r, nil
		}

		if r.HostID == playerID {
			r.SetHost(r.ElectHost(playerID))
		}

		return r, nil
	})

	switch {
	case errors.Is(err, store.ErrAborted), errors.Is(err, room.ErrRoomNotFound):
		// Already gone, or we were never a member. Leaving is done.
		return nil
	case err != nil:
		return err
	}

	if committed.Status == room.StatusClosed {
		return m.store.Delete(ctx, code)
	}

	return nil
}

// StartGame transitions waiting → racing. Host only. The caller's
// session observes the committed snapshot and starts its signal loop.
func (m *Manager) StartGame(ctx context.Context, playerID, code string) error {
	code = room.NormalizeCode(code)

	_, err := m.store.Transact(ctx, code, func(r *room.Room) (*room.Room, error) {
		if r.HostID != playerID {
			return nil, room.ErrNotHost
		}
		if r.Status != room.StatusWaiting {
			return nil, store.ErrAborted
		}

		r.Status = room.StatusRacing
		r.Signal = room.SignalGreen

		return r, nil
	})

	if errors.Is(err, store.ErrAborted) {
		return nil
	}

	return err
}

// ResetGame returns the room to the lobby for a new race with the same
// membership. Host only. Resetting an already-pristine lobby commits
// nothing.
func (m *Manager) ResetGame(ctx context.Context, playerID, code string) error {
	code = room.NormalizeCode(code)

	_, err := m.store.Transact(ctx, code, func(r *room.Room) (*room.Room, error) {
		if r.HostID != playerID {
			return nil, room.ErrNotHost
		}

		changed := r.Status != room.StatusWaiting ||
			r.Signal != room.SignalGreen ||
			r.WinnerName != ""
		for _, p := range r.Players {
			if p.Score != 0 || p.Stunned {
				changed = true
			}
		}
		if !changed {
			return nil, store.ErrAborted
		}

		r.Status = room.StatusWaiting
		r.Signal = room.SignalGreen
		r.WinnerName = ""
		for _, p := range r.Players {
			p.Score = 0
			p.Stunned = false
		}

		return r, nil
	})

	if errors.Is(err, store.ErrAborted) {
		return nil
	}

	return err
}

// SubmitTap applies one tap by the caller. Stale taps (race over, caller
// not a member, room gone) resolve silently; only transient store
// failures surface, as a connection problem.
func (m *Manager) SubmitTap(ctx context.Context, playerID, code string) error {
	code = room.NormalizeCode(code)

	// observedRacing distinguishes a photo-finish loser from a stale
	// tap: if an earlier attempt of this same tap saw the race still
	// running, losing the commit to the winning tap must not erase the
	// movement — it re-commits as a plain increment, without the win.
	observedRacing := false

	_, err := m.store.Transact(ctx, code, func(r *room.Room) (*room.Room, error) {
		if r.Status == room.StatusRacing {
			observedRacing = true
		}

		if room.ApplyTap(r, playerID) {
			return r, nil
		}

		if observedRacing && r.Status == room.StatusFinished {
			if p, ok := r.Players[playerID]; ok && !p.Stunned &&
				r.Signal == room.SignalGreen && p.Score < r.TargetScore {
				p.Score++
				return r, nil
			}
		}

		return nil, store.ErrAborted
	})

	if errors.Is(err, store.ErrAborted) || errors.Is(err, room.ErrRoomNotFound) {
		return nil
	}

	return err
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", room.ErrNameRequired
	}

	runes := []rune(name)
	if len(runes) > room.MaxNameLength {
		name = string(runes[:room.MaxNameLength])
	}

	return name, nil
}
