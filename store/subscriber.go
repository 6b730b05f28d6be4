package store

import "tapdash/room"

// subscriber delivers snapshots to one OnChange callback on its own
// goroutine. The channel has capacity one and publishers replace a
// pending snapshot instead of blocking, so a slow consumer sees
// coalesced states but always ends on the latest one, in commit order.
type subscriber struct {
	fn   OnChange
	ch   chan *room.Room
	stop chan struct{}
}

func newSubscriber(fn OnChange) *subscriber {
	return &subscriber{
		fn:   fn,
		ch:   make(chan *room.Room, 1),
		stop: make(chan struct{}),
	}
}

func (s *subscriber) run() {
	for {
		select {
		case snap := <-s.ch:
			s.fn(snap)
		case <-s.stop:
			return
		}
	}
}

// offer queues snap, displacing any undelivered predecessor. Callers
// must serialize offers to one subscriber (both stores publish under a
// mutex); the drain-then-send never blocks because the channel has one
// slot and a single sender.
func (s *subscriber) offer(snap *room.Room) {
	select {
	case s.ch <- snap:
	default:
		select {
		case <-s.ch:
		default:
		}
		s.ch <- snap
	}
}
