// Package bus implements the durable event journal that connects the kernel
// and all extensions. Events are persisted to SQLite before dispatch, so a
// crash between publish and delivery loses nothing: recovery resets claimed
// rows and the dispatcher picks them up again (at-least-once; handlers must
// be idempotent).
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yodoca/yodoca"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	// claimBatch bounds how many pending rows one dispatch cycle claims.
	claimBatch = 10
	// wakeInterval bounds how long a pending row can sit unnoticed if the
	// publish signal was missed (recovery safety net).
	wakeInterval = 5 * time.Second
)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets a structured logger for the bus.
// When set, the bus emits debug logs for every publish and dispatch cycle
// including timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithDispatchHook registers a callback invoked after each event reaches a
// terminal status. Used to feed metrics without coupling the bus to an
// observability backend.
func WithDispatchHook(fn func(topic string, status yodoca.EventStatus, d time.Duration)) Option {
	return func(b *Bus) { b.hook = fn }
}

// subscriber is one in-memory handler registration.
type subscriber struct {
	id string
	fn yodoca.EventHandler
}

// Bus is the journal plus its dispatcher. All goroutines serialize through a
// single SQLite connection, eliminating SQLITE_BUSY errors from concurrent
// writers.
type Bus struct {
	db     *sql.DB
	logger *slog.Logger
	hook   func(topic string, status yodoca.EventStatus, d time.Duration)

	mu     sync.RWMutex
	subs   map[string][]subscriber
	closed bool

	signal chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Bus backed by a SQLite file at dbPath.
func New(dbPath string, opts ...Option) *Bus {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("bus: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	b := &Bus{
		db:     db,
		logger: nopLogger,
		subs:   make(map[string][]subscriber),
		signal: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(b)
	}
	b.logger.Debug("bus: opened", "path", dbPath)
	return b
}

// Init creates the journal table and indexes.
func (b *Bus) Init(ctx context.Context) error {
	start := time.Now()
	if _, err := b.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("set wal mode: %w", err)
	}
	_, err := b.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		source TEXT NOT NULL,
		payload TEXT,
		correlation_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		processed_at INTEGER,
		error TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, id)`)
	_, _ = b.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic)`)

	b.logger.Info("bus: init completed", "duration", time.Since(start))
	return nil
}

// Publish persists one pending row and signals the dispatcher. Fire-and-
// forget: delivery outcome is recorded on the journal row, not returned to
// the caller. payload is marshaled to JSON (json.RawMessage passes through).
func (b *Bus) Publish(ctx context.Context, topic, source string, payload any, correlationID string) (int64, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, yodoca.ErrBusClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO events (topic, source, payload, correlation_id, status, created_at)
		 VALUES (?, ?, ?, ?, 'pending', ?)`,
		topic, source, string(data), correlationID, yodoca.NowUnix(),
	)
	if err != nil {
		b.logger.Error("bus: publish failed", "topic", topic, "source", source, "error", err)
		return 0, fmt.Errorf("publish %s: %w", topic, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", topic, err)
	}

	// Wake the dispatcher without blocking; a full signal channel means a
	// wakeup is already queued.
	select {
	case b.signal <- struct{}{}:
	default:
	}

	b.logger.Debug("bus: published", "id", id, "topic", topic, "source", source)
	return id, nil
}

// Subscribe registers a handler for an exact topic. Registration is
// in-memory only and repeated on every startup. Re-registering the same
// subscriber id replaces the previous handler.
func (b *Bus) Subscribe(topic, subscriberID string, h yodoca.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == subscriberID {
			list[i].fn = h
			return
		}
	}
	b.subs[topic] = append(list, subscriber{id: subscriberID, fn: h})
}

// Unsubscribe removes a handler registration. Unknown ids are ignored.
func (b *Bus) Unsubscribe(topic, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, s := range list {
		if s.id == subscriberID {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Recover resets rows stranded in processing by a previous crash back to
// pending. Call once at startup, before Start.
func (b *Bus) Recover(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE events SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	if n > 0 {
		b.logger.Info("bus: recovered stranded events", "count", n)
	}
	return n, nil
}

// Start launches the dispatcher. The dispatcher runs until Stop.
func (b *Bus) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.dispatchLoop(runCtx)
	b.logger.Debug("bus: dispatcher started")
}

// Stop rejects further publishes, stops the dispatcher, and waits for the
// in-flight batch to finish or ctx to expire.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		select {
		case <-b.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.logger.Debug("bus: dispatcher stopped")
	return nil
}

// Close releases the database handle. Call after Stop.
func (b *Bus) Close() error {
	return b.db.Close()
}

// dispatchLoop is the single cooperative dispatcher task. It wakes on the
// publish signal or the safety-net tick, then drains all claimable work.
func (b *Bus) dispatchLoop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signal:
		case <-ticker.C:
		}

		for {
			n, err := b.dispatchBatch(ctx)
			if err != nil {
				b.logger.Error("bus: dispatch cycle failed", "error", err)
				break
			}
			if n == 0 || ctx.Err() != nil {
				break
			}
		}
	}
}

// dispatchBatch claims up to claimBatch pending rows in one transaction and
// delivers them. Handlers for one event run sequentially; distinct events in
// the batch run concurrently. Returns the number of claimed rows.
func (b *Bus) dispatchBatch(ctx context.Context) (int, error) {
	events, err := b.claim(ctx)
	if err != nil || len(events) == 0 {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev yodoca.Event) {
			defer wg.Done()
			b.deliver(ctx, ev)
		}(ev)
	}
	wg.Wait()
	return len(events), nil
}

// claim flips up to claimBatch pending rows to processing atomically and
// returns them oldest first.
func (b *Bus) claim(ctx context.Context) ([]yodoca.Event, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id, topic, source, payload, correlation_id, created_at
		 FROM events WHERE status = 'pending' ORDER BY id LIMIT ?`, claimBatch)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}

	var events []yodoca.Event
	for rows.Next() {
		var ev yodoca.Event
		var payload, corrID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Source, &payload, &corrID, &ev.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.CorrelationID = corrID.String
		ev.Status = yodoca.EventProcessing
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	rows.Close()

	if len(events) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(events))
	args := make([]any, len(events))
	for i, ev := range events {
		placeholders[i] = "?"
		args[i] = ev.ID
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE events SET status = 'processing' WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	b.logger.Debug("bus: claimed batch", "count", len(events))
	return events, nil
}

// deliver runs every handler registered for the event's topic, in
// registration order. A handler failure is recorded but does not stop the
// remaining handlers.
func (b *Bus) deliver(ctx context.Context, ev yodoca.Event) {
	start := time.Now()

	b.mu.RLock()
	handlers := make([]subscriber, len(b.subs[ev.Topic]))
	copy(handlers, b.subs[ev.Topic])
	b.mu.RUnlock()

	var failures []string
	for _, h := range handlers {
		if err := b.runHandler(ctx, h, ev); err != nil {
			hf := &yodoca.ErrHandlerFailed{Topic: ev.Topic, Subscriber: h.id, Err: err}
			b.logger.Error("bus: handler failed",
				"event_id", ev.ID, "topic", ev.Topic, "subscriber", h.id, "error", err)
			failures = append(failures, hf.Error())
		}
	}

	status := yodoca.EventDone
	var errText string
	if len(failures) > 0 {
		status = yodoca.EventFailed
		errText = strings.Join(failures, "; ")
	}
	if err := b.finish(ctx, ev.ID, status, errText); err != nil {
		b.logger.Error("bus: finish failed", "event_id", ev.ID, "error", err)
	}

	if b.hook != nil {
		b.hook(ev.Topic, status, time.Since(start))
	}
	b.logger.Debug("bus: delivered", "event_id", ev.ID, "topic", ev.Topic,
		"handlers", len(handlers), "status", status, "duration", time.Since(start))
}

// runHandler invokes one handler with panic containment. A panicking
// subscriber must not take the dispatcher down.
func (b *Bus) runHandler(ctx context.Context, h subscriber, ev yodoca.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.fn(ctx, ev)
}

// finish marks the terminal status for one journal row.
func (b *Bus) finish(ctx context.Context, id int64, status yodoca.EventStatus, errText string) error {
	var errCol any
	if errText != "" {
		errCol = errText
	}
	_, err := b.db.ExecContext(ctx,
		`UPDATE events SET status = ?, processed_at = ?, error = ? WHERE id = ?`,
		string(status), yodoca.NowUnix(), errCol, id)
	return err
}

// EventByID returns one journal row. Used by diagnostics and tests.
func (b *Bus) EventByID(ctx context.Context, id int64) (yodoca.Event, error) {
	var ev yodoca.Event
	var payload, corrID, errText sql.NullString
	var processedAt sql.NullInt64
	var status string
	err := b.db.QueryRowContext(ctx,
		`SELECT id, topic, source, payload, correlation_id, status, created_at, processed_at, error
		 FROM events WHERE id = ?`, id).
		Scan(&ev.ID, &ev.Topic, &ev.Source, &payload, &corrID, &status, &ev.CreatedAt, &processedAt, &errText)
	if err != nil {
		return yodoca.Event{}, fmt.Errorf("event %d: %w", id, err)
	}
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	ev.CorrelationID = corrID.String
	ev.Status = yodoca.EventStatus(status)
	ev.ProcessedAt = processedAt.Int64
	ev.Error = errText.String
	return ev, nil
}

// CountByStatus returns the number of journal rows in the given status.
func (b *Bus) CountByStatus(ctx context.Context, status yodoca.EventStatus) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", status, err)
	}
	return n, nil
}

// Requeue resets a failed event to pending so the dispatcher retries it.
// This is the administrative re-queue path; the bus never retries on its own.
func (b *Bus) Requeue(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE events SET status = 'pending', error = NULL, processed_at = NULL
		 WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return fmt.Errorf("requeue %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("requeue %d: event not found or not failed", id)
	}
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// markProcessing is a test hook simulating a crash mid-dispatch: it claims a
// row without delivering it.
func (b *Bus) markProcessing(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE events SET status = 'processing' WHERE id = ?`, id)
	return err
}
