package race

import (
	"context"
	"sync"

	"tapdash/room"
	"tapdash/store"
)

// Session ties one client identity to one room: it owns the change
// subscription and the host-only signal loop. The loop is an explicit
// cancellable task keyed to this session, started on any snapshot where
// the session's identity is host of a racing room and stopped on any
// snapshot where it is not — so host failover hands the loop over
// without a separate coordination step.
type Session struct {
	playerID string
	code     string
	store    store.Interface
	onChange store.OnChange

	mu       sync.Mutex
	unsub    func()
	stopLoop context.CancelFunc
	loopGen  int
	closed   bool
}

// NewSession subscribes to the room's change stream and immediately
// replays the current snapshot, so a late subscriber is not stuck
// waiting for the next write. onChange receives every delivered
// snapshot, nil when the room is deleted.
func NewSession(st store.Interface, playerID, code string, onChange store.OnChange) (*Session, error) {
	s := &Session{
		playerID: playerID,
		code:     code,
		store:    st,
		onChange: onChange,
	}

	unsub, err := st.Subscribe(code, s.observe)
	if err != nil {
		return nil, err
	}
	s.unsub = unsub

	if snap, err := st.Get(context.Background(), code); err == nil {
		s.observe(snap)
	}

	return s, nil
}

// Code returns the room this session is bound to.
func (s *Session) Code() string {
	return s.code
}

// observe reconciles the signal loop against the snapshot, then hands
// the snapshot to the owner.
func (s *Session) observe(snap *room.Room) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}

	shouldRun := snap != nil &&
		snap.HostID == s.playerID &&
		snap.Status == room.StatusRacing

	switch {
	case shouldRun && s.stopLoop == nil:
		s.startLoopLocked()
	case !shouldRun && s.stopLoop != nil:
		s.stopLoop()
		s.stopLoop = nil
	}

	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

func (s *Session) startLoopLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopLoop = cancel
	s.loopGen++
	gen := s.loopGen

	sched := &Scheduler{
		Store:  s.store,
		Code:   s.code,
		HostID: s.playerID,
	}

	go func() {
		sched.Run(ctx)
		cancel()

		// If the loop died on its own (contention, room gone) while this
		// session still looks like the racing host, clear the slot so a
		// later snapshot can start a fresh loop.
		s.mu.Lock()
		if s.loopGen == gen && s.stopLoop != nil {
			s.stopLoop = nil
		}
		s.mu.Unlock()
	}()
}

// Close stops the signal loop and the subscription. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
	}
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
