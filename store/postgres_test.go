package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tapdash/room"
)

// startPostgres spins up a throwaway database for one test. Tests that
// need it skip when no container runtime is available.
func startPostgres(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tapdash"),
		tcpostgres.WithUsername("tapdash"),
		tcpostgres.WithPassword("tapdash"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)))
	if err != nil {
		t.Skipf("starting postgres container: %v", err)
	}

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	return url
}

func TestPostgresRoundTrip(t *testing.T) {
	url := startPostgres(t)
	ctx := context.Background()

	p, err := NewPostgres(ctx, url, 0)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()

	if _, err := p.Get(ctx, "AB3Z"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("Get before create: err = %v, want ErrRoomNotFound", err)
	}

	if err := p.Create(ctx, newTestRoom("AB3Z")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Create(ctx, newTestRoom("AB3Z")); !errors.Is(err, room.ErrRoomExists) {
		t.Fatalf("duplicate Create: err = %v, want ErrRoomExists", err)
	}

	got, err := p.Get(ctx, "AB3Z")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.HostID != "host" || got.TargetScore != 5 {
		t.Errorf("Get returned %+v", got)
	}

	committed, err := p.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
		r.Status = room.StatusRacing
		return r, nil
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if committed.Status != room.StatusRacing {
		t.Errorf("committed status = %s", committed.Status)
	}

	if _, err := p.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
		return nil, ErrAborted
	}); !errors.Is(err, ErrAborted) {
		t.Fatalf("aborting Transact: err = %v, want ErrAborted", err)
	}

	if err := p.Delete(ctx, "AB3Z"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.Get(ctx, "AB3Z"); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("Get after delete: err = %v, want ErrRoomNotFound", err)
	}
	if err := p.Delete(ctx, "AB3Z"); err != nil {
		t.Fatalf("repeat Delete: %v", err)
	}
}

func TestPostgresConditionalWrite(t *testing.T) {
	url := startPostgres(t)
	ctx := context.Background()

	// Two handles to the same database, like two server replicas.
	a, err := NewPostgres(ctx, url, 8)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer a.Close()

	b, err := NewPostgres(ctx, url, 8)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer b.Close()

	if err := a.Create(ctx, newTestRoom("AB3Z")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// b commits between a's read and a's write; a must retry and land on
	// top of b's committed state.
	interfered := false
	_, err = a.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
		if !interfered {
			interfered = true
			if _, err := b.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
				r.Players["host"].Score = 10
				return r, nil
			}); err != nil {
				return nil, err
			}
		}

		r.Players["host"].Score++
		return r, nil
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}

	got, err := a.Get(ctx, "AB3Z")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Players["host"].Score != 11 {
		t.Errorf("score = %d, want 11 (increment applied after retry)", got.Players["host"].Score)
	}
}

func TestPostgresSubscribe(t *testing.T) {
	url := startPostgres(t)
	ctx := context.Background()

	writer, err := NewPostgres(ctx, url, 0)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer writer.Close()

	reader, err := NewPostgres(ctx, url, 0)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer reader.Close()

	snaps := make(chan *room.Room, 64)
	unsubscribe, err := reader.Subscribe("AB3Z", func(snap *room.Room) {
		snaps <- snap
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	waitFor := func(accept func(*room.Room) bool) {
		t.Helper()
		deadline := time.After(10 * time.Second)
		for {
			select {
			case snap := <-snaps:
				if accept(snap) {
					return
				}
			case <-deadline:
				t.Fatal("timed out waiting for snapshot")
			}
		}
	}

	if err := writer.Create(ctx, newTestRoom("AB3Z")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(func(snap *room.Room) bool {
		return snap != nil && snap.Status == room.StatusWaiting
	})

	if _, err := writer.Transact(ctx, "AB3Z", func(r *room.Room) (*room.Room, error) {
		r.Players["host"].Score = 3
		return r, nil
	}); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	waitFor(func(snap *room.Room) bool {
		return snap != nil && snap.Players["host"].Score == 3
	})

	if err := writer.Delete(ctx, "AB3Z"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitFor(func(snap *room.Room) bool {
		return snap == nil
	})
}
