// Package journal persists channel lifecycle events to SQLite so that
// activity can be inspected after the fact with `leidad events`.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/e7canasta/orion-leida/internal/channel"
)

// Store is the SQLite-backed event journal.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path and applies
// migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts ev. Re-recording the same event id is a no-op.
func (s *Store) Record(ctx context.Context, ev channel.Event) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO channel_events(event_id, channel_id, kind, detail, at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING`,
		ev.ID, string(ev.Channel), string(ev.Kind), ev.Detail, ts(ev.At))
	if err != nil {
		return fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty id selects every
// channel.
func (s *Store) Recent(ctx context.Context, id channel.ID, limit int) ([]channel.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_id, channel_id, kind, detail, at FROM channel_events`
	args := []any{}
	if id != "" {
		q += ` WHERE channel_id = ?`
		args = append(args, string(id))
	}
	q += ` ORDER BY at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []channel.Event
	for rows.Next() {
		var (
			ev         channel.Event
			chID, kind string
			at         string
		)
		if err := rows.Scan(&ev.ID, &chID, &kind, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Channel = channel.ID(chID)
		ev.Kind = channel.EventKind(kind)
		if ev.At, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", at, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Recorder feeds events to a Store from a background goroutine so observers
// never wait on disk I/O. Events arriving while the buffer is full are
// dropped and counted.
type Recorder struct {
	store   *Store
	events  chan channel.Event
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder creates a recorder with the given buffer size.
func NewRecorder(store *Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &Recorder{
		store:  store,
		events: make(chan channel.Event, buffer),
		done:   make(chan struct{}),
	}
}

// ObserveEvent implements channel.Observer.
func (r *Recorder) ObserveEvent(ev channel.Event) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.events <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("journal: buffer full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns the number of events discarded so far.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes buffered events until ctx is cancelled, then drains what is
// already queued.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.closeOnce.Do(func() { close(r.done) })
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case ev := <-r.events:
			r.write(writeCtx, ev)
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.events:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev channel.Event) {
	if err := r.store.Record(ctx, ev); err != nil {
		slog.Error("journal: write failed", "event", ev.ID, "channel", ev.Channel, "error", err)
	}
}

// tsLayout is fixed width so that stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
