package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tapdash/room"
)

// notifyChannel carries the room code of every committed write or delete.
const notifyChannel = "tapdash_room_change"

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	code text PRIMARY KEY,
	doc jsonb NOT NULL,
	version bigint NOT NULL DEFAULT 1
)`

// Postgres stores each room as a jsonb document with an optimistic
// version column. Conditional writes are UPDATE ... WHERE version = $n;
// change notification rides LISTEN/NOTIFY, with each notification
// triggering a re-read of the latest snapshot, so subscribers coalesce
// naturally and resynchronize after a dropped connection.
type Postgres struct {
	pool    *pgxpool.Pool
	retries int

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}

	cancel    context.CancelFunc
	listening sync.WaitGroup
	closeOnce sync.Once
}

// NewPostgres connects, ensures the schema, and starts the listener.
// retries <= 0 selects DefaultRetries.
func NewPostgres(ctx context.Context, databaseURL string, retries int) (*Postgres, error) {
	if retries <= 0 {
		retries = DefaultRetries
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating rooms table: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())

	p := &Postgres{
		pool:    pool,
		retries: retries,
		subs:    make(map[string]map[*subscriber]struct{}),
		cancel:  cancel,
	}

	p.listening.Add(1)
	go p.listenLoop(listenCtx)

	return p, nil
}

// Close stops the listener, all subscriber goroutines, and the pool.
func (p *Postgres) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.listening.Wait()

		p.mu.Lock()
		for _, subs := range p.subs {
			for s := range subs {
				close(s.stop)
			}
		}
		p.subs = make(map[string]map[*subscriber]struct{})
		p.mu.Unlock()

		p.pool.Close()
	})
}

func (p *Postgres) Get(ctx context.Context, code string) (*room.Room, error) {
	var raw []byte

	err := p.pool.QueryRow(ctx, `SELECT doc FROM rooms WHERE code = $1`, code).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, room.ErrRoomNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}

	return decodeRoom(raw)
}

func (p *Postgres) Create(ctx context.Context, r *room.Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO rooms (code, doc) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`,
		r.Code, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return room.ErrRoomExists
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, r.Code); err != nil {
		return fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}

	return nil
}

func (p *Postgres) Transact(ctx context.Context, code string, fn TxFunc) (*room.Room, error) {
	for attempt := 0; attempt < p.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var raw []byte
		var version int64

		err := p.pool.QueryRow(ctx,
			`SELECT doc, version FROM rooms WHERE code = $1`, code).Scan(&raw, &version)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, room.ErrRoomNotFound
		case err != nil:
			return nil, fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
		}

		snap, err := decodeRoom(raw)
		if err != nil {
			return nil, err
		}

		next, err := fn(snap)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, err
		}

		committed, err := p.commit(ctx, code, encoded, version)
		if err != nil {
			return nil, err
		}
		if !committed {
			// Lost to a concurrent committer (or the room vanished);
			// re-read and re-run fn.
			continue
		}

		return next, nil
	}

	return nil, room.ErrConflictExhausted
}

// commit performs the conditional write plus notification in one
// database transaction. Returns false when the version check failed.
func (p *Postgres) commit(ctx context.Context, code string, doc []byte, version int64) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE rooms SET doc = $1, version = version + 1 WHERE code = $2 AND version = $3`,
		doc, code, version)
	if err != nil {
		return false, fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, code); err != nil {
		return false, fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}

	return true, nil
}

func (p *Postgres) Subscribe(code string, fn OnChange) (func(), error) {
	s := newSubscriber(fn)

	p.mu.Lock()
	if p.subs[code] == nil {
		p.subs[code] = make(map[*subscriber]struct{})
	}
	p.subs[code][s] = struct{}{}
	p.mu.Unlock()

	go s.run()

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if subs, ok := p.subs[code]; ok {
			if _, ok := subs[s]; ok {
				delete(subs, s)
				close(s.stop)
			}
			if len(subs) == 0 {
				delete(p.subs, code)
			}
		}
	}

	return unsubscribe, nil
}

func (p *Postgres) Delete(ctx context.Context, code string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM rooms WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, code); err != nil {
		return fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", room.ErrStoreUnavailable, err)
	}

	return nil
}

// listenLoop holds a dedicated LISTEN connection and fans incoming
// notifications out as fresh snapshots. On connection loss it backs
// off, reconnects, and replays the current state of every subscribed
// room so subscribers resynchronize without rejoining.
func (p *Postgres) listenLoop(ctx context.Context) {
	defer p.listening.Done()

	for ctx.Err() == nil {
		conn, err := p.pool.Acquire(ctx)
		if err != nil {
			p.backoff(ctx)
			continue
		}

		if _, err := conn.Exec(ctx, `LISTEN `+notifyChannel); err != nil {
			conn.Release()
			p.backoff(ctx)
			continue
		}

		p.resync(ctx)

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				break
			}
			p.dispatch(ctx, notification.Payload)
		}

		// The connection is in an unknown state after a failed wait.
		conn.Conn().Close(context.Background())
		conn.Release()
	}
}

func (p *Postgres) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}

// resync republishes the latest snapshot of every subscribed room.
func (p *Postgres) resync(ctx context.Context) {
	p.mu.Lock()
	codes := make([]string, 0, len(p.subs))
	for code := range p.subs {
		codes = append(codes, code)
	}
	p.mu.Unlock()

	for _, code := range codes {
		p.dispatch(ctx, code)
	}
}

// dispatch re-reads the named room and publishes the result, nil when
// the room is gone. Reading the latest state instead of carrying it in
// the notification payload keeps delivery coalesced and in commit order.
func (p *Postgres) dispatch(ctx context.Context, code string) {
	snap, err := p.Get(ctx, code)
	if err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for s := range p.subs[code] {
		s.offer(snap)
	}
}

func decodeRoom(raw []byte) (*room.Room, error) {
	var r room.Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding room document: %w", err)
	}

	return &r, nil
}
