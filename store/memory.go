package store

import (
	"context"
	"sync"
	"time"

	"tapdash/room"
)

// DefaultRetries bounds optimistic-concurrency retries per transaction.
const DefaultRetries = 16

// Memory is the in-process store: a map of versioned documents guarded
// by a mutex, with per-subscriber fan-out goroutines. Conditional writes
// are compare-and-swap on a per-room version counter.
type Memory struct {
	retries int
	idle    time.Duration

	mu    sync.RWMutex
	rooms map[string]*memEntry
	subs  map[string]map[*subscriber]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

type memEntry struct {
	doc     *room.Room
	version uint64
	touched time.Time
}

// NewMemory returns a memory store. retries <= 0 selects DefaultRetries.
// If idle > 0, rooms with no writes for that long are reaped.
func NewMemory(retries int, idle time.Duration) *Memory {
	if retries <= 0 {
		retries = DefaultRetries
	}

	m := &Memory{
		retries: retries,
		idle:    idle,
		rooms:   make(map[string]*memEntry),
		subs:    make(map[string]map[*subscriber]struct{}),
		done:    make(chan struct{}),
	}

	if idle > 0 {
		go m.reaperLoop()
	}

	return m
}

// Close stops the reaper and all subscriber goroutines.
func (m *Memory) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		defer m.mu.Unlock()
		for _, subs := range m.subs {
			for s := range subs {
				close(s.stop)
			}
		}
		m.subs = make(map[string]map[*subscriber]struct{})
	})
}

func (m *Memory) Get(_ context.Context, code string) (*room.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.rooms[code]
	if !ok {
		return nil, room.ErrRoomNotFound
	}

	return e.doc.Clone(), nil
}

func (m *Memory) Create(_ context.Context, r *room.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[r.Code]; ok {
		return room.ErrRoomExists
	}

	doc := r.Clone()
	m.rooms[r.Code] = &memEntry{
		doc:     doc,
		version: 1,
		touched: time.Now(),
	}
	m.publishLocked(r.Code, doc.Clone())

	return nil
}

func (m *Memory) Transact(ctx context.Context, code string, fn TxFunc) (*room.Room, error) {
	for attempt := 0; attempt < m.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.RLock()
		e, ok := m.rooms[code]
		var snap *room.Room
		var version uint64
		if ok {
			snap = e.doc.Clone()
			version = e.version
		}
		m.mu.RUnlock()

		if !ok {
			return nil, room.ErrRoomNotFound
		}

		next, err := fn(snap)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		e, ok = m.rooms[code]
		if !ok {
			m.mu.Unlock()
			return nil, room.ErrRoomNotFound
		}
		if e.version != version {
			// Lost to a concurrent committer; re-read and re-run fn.
			m.mu.Unlock()
			continue
		}

		e.doc = next.Clone()
		e.version++
		e.touched = time.Now()
		m.publishLocked(code, e.doc.Clone())
		m.mu.Unlock()

		return next, nil
	}

	return nil, room.ErrConflictExhausted
}

func (m *Memory) Subscribe(code string, fn OnChange) (func(), error) {
	s := newSubscriber(fn)

	m.mu.Lock()
	if m.subs[code] == nil {
		m.subs[code] = make(map[*subscriber]struct{})
	}
	m.subs[code][s] = struct{}{}
	m.mu.Unlock()

	go s.run()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if subs, ok := m.subs[code]; ok {
			if _, ok := subs[s]; ok {
				delete(subs, s)
				close(s.stop)
			}
			if len(subs) == 0 {
				delete(m.subs, code)
			}
		}
	}

	return unsubscribe, nil
}

func (m *Memory) Delete(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[code]; !ok {
		return nil
	}

	delete(m.rooms, code)
	m.publishLocked(code, nil)

	return nil
}

// publishLocked queues snap for every subscriber of code. Callers hold
// m.mu, which serializes publishes and preserves commit order.
func (m *Memory) publishLocked(code string, snap *room.Room) {
	for s := range m.subs[code] {
		s.offer(snap)
	}
}

// reaperLoop periodically deletes rooms with no recent writes, notifying
// their subscribers as if the last player had left.
func (m *Memory) reaperLoop() {
	ticker := time.NewTicker(m.idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.idle)

			m.mu.Lock()
			for code, e := range m.rooms {
				if e.touched.Before(cutoff) {
					delete(m.rooms, code)
					m.publishLocked(code, nil)
				}
			}
			m.mu.Unlock()
		}
	}
}
