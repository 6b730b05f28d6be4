package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tapdash/room"
)

func newTestRoom(code string) *room.Room {
	return room.New(code, "host", "Host", 0, 5)
}

func TestMemoryCreateGetDelete(t *testing.T) {
	t.Parallel()

	m := NewMemory(0, 0)
	defer m.Close()
	ctx := context.Background()

	if _, err := m.Get(ctx, "AB3Z"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("Get before create: err = %v, want ErrRoomNotFound", err)
	}

	r := newTestRoom("AB3Z")
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Create(ctx, newTestRoom("AB3Z")); !errors.Is(err, room.ErrRoomExists) {
		t.Fatalf("duplicate Create: err = %v, want ErrRoomExists", err)
	}

	got, err := m.Get(ctx, "AB3Z")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.HostID != "host" || got.Status != room.StatusWaiting {
		t.Errorf("Get returned %+v", got)
	}

	// Get hands out copies, not the stored document.
	got.Players["host"].Score = 99
	again, _ := m.Get(ctx, "AB3Z")
	if again.Players["host"].Score != 0 {
		t.Error("mutating a Get result changed the stored document")
	}

	if err := m.Delete(ctx, "AB3Z"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "AB3Z"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("Get after delete: err = %v, want ErrRoomNotFound", err)
	}
	if err := m.Delete(ctx, "AB3Z"); err != nil {
		t.Fatalf("repeat Delete: %v", err)
	}
}

func TestMemoryTransact(t *testing.T) {
	t.Parallel()

	m := NewMemory(0, 0)
	defer m.Close()
	ctx := context.Background()

	if _, err := m.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
		return r, nil
	}); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("Transact on absent room: err = %v, want ErrRoomNotFound", err)
	}

	if err := m.Create(ctx, newTestRoom("AB3Z")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	committed, err := m.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
		r.Players["host"].Score = 3
		return r, nil
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if committed.Players["host"].Score != 3 {
		t.Errorf("committed score = %d, want 3", committed.Players["host"].Score)
	}

	got, _ := m.Get(ctx, "AB3Z")
	if got.Players["host"].Score != 3 {
		t.Errorf("stored score = %d, want 3", got.Players["host"].Score)
	}

	// An aborting fn leaves the document untouched.
	if _, err := m.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
		r.Players["host"].Score = 99
		return nil, ErrAborted
	}); !errors.Is(err, ErrAborted) {
		t.Fatalf("aborting Transact: err = %v, want ErrAborted", err)
	}

	got, _ = m.Get(ctx, "AB3Z")
	if got.Players["host"].Score != 3 {
		t.Errorf("score after abort = %d, want 3", got.Players["host"].Score)
	}
}

func TestMemoryTransactConcurrent(t *testing.T) {
	t.Parallel()

	m := NewMemory(64, 0)
	defer m.Close()
	ctx := context.Background()

	if err := m.Create(ctx, newTestRoom("AB3Z")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 50

	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := m.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
				r.Players["host"].Score++
				return r, nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Transact: %v", err)
	}

	got, _ := m.Get(ctx, "AB3Z")
	if got.Players["host"].Score != writers {
		t.Errorf("score = %d, want %d (lost increments)", got.Players["host"].Score, writers)
	}
}

func TestMemorySubscribe(t *testing.T) {
	t.Parallel()

	m := NewMemory(0, 0)
	defer m.Close()
	ctx := context.Background()

	type event struct {
		snap *room.Room
	}
	events := make(chan event, 64)

	// Subscribing before the room exists is allowed.
	unsubscribe, err := m.Subscribe("AB3Z", func(snap *room.Room) {
		events <- event{snap}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	waitEvent := func() *room.Room {
		t.Helper()
		select {
		case ev := <-events:
			return ev.snap
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}

	if err := m.Create(ctx, newTestRoom("AB3Z")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if snap := waitEvent(); snap == nil || snap.Status != room.StatusWaiting {
		t.Fatalf("create snapshot = %+v", snap)
	}

	if _, err := m.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
		r.Players["host"].Score = 7
		return r, nil
	}); err != nil {
		t.Fatalf("Transact: %v", err)
	}

	// Intermediate snapshots may coalesce; the committed one must arrive.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := waitEvent()
		if snap != nil && snap.Players["host"].Score == 7 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("never observed the committed snapshot")
		}
	}

	if err := m.Delete(ctx, "AB3Z"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if snap := waitEvent(); snap != nil {
		t.Fatalf("delete snapshot = %+v, want nil", snap)
	}

	unsubscribe()
	unsubscribe() // idempotent

	if err := m.Create(ctx, newTestRoom("AB3Z")); err != nil {
		t.Fatalf("Create after unsubscribe: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("received %+v after unsubscribe", ev.snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryReaper(t *testing.T) {
	t.Parallel()

	m := NewMemory(0, 50*time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	gone := make(chan struct{})
	unsubscribe, err := m.Subscribe("AB3Z", func(snap *room.Room) {
		if snap == nil {
			close(gone)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	if err := m.Create(ctx, newTestRoom("AB3Z")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("idle room was never reaped")
	}

	if _, err := m.Get(ctx, "AB3Z"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("Get after reap: err = %v, want ErrRoomNotFound", err)
	}
}
