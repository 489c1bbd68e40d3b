// Package activity keeps the human-readable connection history: devices
// found, connects, disconnects, data summaries and errors. Entries older
// than the retention window are pruned as new ones arrive.
package activity

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

//go:embed sql/schema.sql
var schemaSQL string

//go:embed sql/insert-entry.sql
var insertEntrySQL string

//go:embed sql/delete-expired.sql
var deleteExpiredSQL string

//go:embed sql/mark-read.sql
var markReadSQL string

//go:embed sql/mark-all-read.sql
var markAllReadSQL string

// tsLayout is fixed width so timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000Z"

const DefaultRetention = 72 * time.Hour

// Entry is one activity record.
type Entry struct {
	ID       int64          `json:"id"`
	Device   string         `json:"device"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Duration *time.Duration `json:"-"`
	Read     bool           `json:"read"`
	Time     time.Time      `json:"time"`
}

// MarshalJSON reports the duration in milliseconds.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	out := struct {
		plain
		DurationMs *int64 `json:"durationMs,omitempty"`
	}{plain: plain(e)}
	if e.Duration != nil {
		ms := e.Duration.Milliseconds()
		out.DurationMs = &ms
	}
	return json.Marshal(out)
}

// Options configures a Store.
type Options struct {
	Retention time.Duration // default 72h
	// Skip lists categories that are not persisted (per-command chatter by
	// default would flood the table at poll rate).
	Skip   []string
	Buffer int
	Logger *slog.Logger
}

// Store persists activity entries in SQLite. Record is asynchronous and
// never blocks the caller; a background writer drains the queue.
type Store struct {
	db        *sql.DB
	retention time.Duration
	skip      map[string]bool
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool
	queue  chan Entry
	done   chan struct{}
}

// NewStore creates the schema if needed and starts the writer.
func NewStore(db *sql.DB, opts Options) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("activity schema: %w", err)
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		db:        db,
		retention: opts.Retention,
		skip:      make(map[string]bool),
		logger:    opts.Logger.With("component", "activity"),
		now:       time.Now,
		queue:     make(chan Entry, opts.Buffer),
		done:      make(chan struct{}),
	}
	for _, c := range opts.Skip {
		s.skip[strings.ToUpper(c)] = true
	}
	go s.writer()
	return s, nil
}

// Record queues an entry. It drops the entry when the queue is full or the
// store is closed.
func (s *Store) Record(device, category, message string, duration *time.Duration) {
	if s.skip[category] {
		return
	}
	e := Entry{Device: device, Category: category, Message: message, Duration: duration, Time: s.now()}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("activity queue full, dropping entry", "category", category, "device", device)
	}
}

// Close flushes queued entries and stops the writer.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *Store) writer() {
	defer close(s.done)
	for e := range s.queue {
		if err := s.Insert(context.Background(), e); err != nil {
			s.logger.Error("insert activity", "err", err)
		}
	}
}

// Insert writes e synchronously and prunes expired entries.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	var dur any
	if e.Duration != nil {
		dur = e.Duration.Milliseconds()
	}
	if _, err := s.db.ExecContext(ctx, insertEntrySQL, e.Device, e.Category, e.Message, dur, e.Time.UTC().Format(tsLayout)); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return s.prune(ctx)
}

func (s *Store) prune(ctx context.Context) error {
	cutoff := s.now().Add(-s.retention).UTC().Format(tsLayout)
	if _, err := s.db.ExecContext(ctx, deleteExpiredSQL, cutoff); err != nil {
		return fmt.Errorf("delete expired: %w", err)
	}
	return nil
}

// Filter selects entries for Query. Zero fields match everything.
type Filter struct {
	Device     string
	Category   string
	Search     string // substring of device or message
	UnreadOnly bool
	Since      time.Time
	Limit      int
}

// Query returns matching entries, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Device != "" {
		where = append(where, "device = ?")
		args = append(args, f.Device)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, strings.ToUpper(f.Category))
	}
	if f.Search != "" {
		where = append(where, "(device LIKE ? OR message LIKE ?)")
		like := "%" + f.Search + "%"
		args = append(args, like, like)
	}
	if f.UnreadOnly {
		where = append(where, "is_read = 0")
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(tsLayout))
	}

	q := "SELECT id, device, category, message, duration_ms, is_read, ts FROM activity_log"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("close activity rows", "err", err)
		}
	}()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			dur  sql.NullInt64
			read int
			ts   string
		)
		if err := rows.Scan(&e.ID, &e.Device, &e.Category, &e.Message, &dur, &read, &ts); err != nil {
			return nil, err
		}
		if dur.Valid {
			d := time.Duration(dur.Int64) * time.Millisecond
			e.Duration = &d
		}
		e.Read = read != 0
		t, err := time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		e.Time = t
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recent returns entries inside the retention window.
func (s *Store) Recent(ctx context.Context) ([]Entry, error) {
	return s.Query(ctx, Filter{Since: s.now().Add(-s.retention)})
}

func (s *Store) ByDevice(ctx context.Context, device string) ([]Entry, error) {
	return s.Query(ctx, Filter{Device: device})
}

func (s *Store) ByCategory(ctx context.Context, category string) ([]Entry, error) {
	return s.Query(ctx, Filter{Category: category})
}

func (s *Store) Unread(ctx context.Context) ([]Entry, error) {
	return s.Query(ctx, Filter{UnreadOnly: true})
}

func (s *Store) Search(ctx context.Context, q string) ([]Entry, error) {
	return s.Query(ctx, Filter{Search: q})
}

func (s *Store) MarkRead(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, markReadSQL, id)
	return err
}

func (s *Store) MarkAllRead(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, markAllReadSQL)
	return err
}

func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM activity_log")
	return err
}
