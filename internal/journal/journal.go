// Package journal persists the realtime event stream to a local SQLite
// database so sessions can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexlink/internal/events"

	_ "modernc.org/sqlite"
)

// appendTimeout bounds journal writes triggered from event handlers so a
// stalled disk cannot block the channel's read loop indefinitely.
const appendTimeout = 2 * time.Second

// Options configures the journal.
type Options struct {
	Path      string
	Retention time.Duration // delete entries older than this; 0 disables
	MaxEvents int           // keep at most this many entries; 0 disables
}

// Entry is one journaled event.
type Entry struct {
	ID        int64
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

// Journal is a SQLite-backed log of published events, in publish order.
type Journal struct {
	db        *sql.DB
	logger    zerolog.Logger
	retention time.Duration
	maxEvents int
	clock     func() time.Time

	mu    sync.Mutex
	unsub func()
}

// Open creates or opens the journal database at opts.Path.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*Journal, error) {
	dir := filepath.Dir(opts.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{
		db:        db,
		logger:    logger.With().Str("component", "journal").Logger(),
		retention: opts.Retention,
		maxEvents: opts.MaxEvents,
		clock:     time.Now,
	}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := j.Prune(ctx); err != nil {
		j.logger.Warn().Err(err).Msg("Journal prune on open failed")
	}

	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind_created ON events(kind, created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Append writes one event. The payload is stored as JSON.
func (j *Journal) Append(ctx context.Context, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal journal payload: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events(kind, payload, created_at) VALUES(?, ?, ?)`,
		kind, string(data), j.clock().UTC())
	return err
}

// Recent returns up to limit entries in chronological order. An empty kind
// matches all kinds.
func (j *Journal) Recent(ctx context.Context, kind string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, kind, payload, created_at FROM events
	          WHERE (? = '' OR kind = ?) ORDER BY id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload, created string
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query walks newest-first; callers read history forwards.
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

// Count returns the number of journaled entries.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// Prune applies the retention window and the entry cap.
func (j *Journal) Prune(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if j.retention > 0 {
		cutoff := j.clock().Add(-j.retention).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if j.maxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE id IN (
			SELECT id FROM events ORDER BY id DESC LIMIT -1 OFFSET ?
		)`, j.maxEvents)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Attach subscribes the journal to every event kind on the registry.
// Handlers run synchronously, so entries land in publish order.
func (j *Journal) Attach(registry *events.Registry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.unsub != nil {
		return
	}

	kinds := []events.Kind{
		events.KindConnectionChanged,
		events.KindCommandResponse,
		events.KindVoiceTranscription,
		events.KindSystemStatus,
		events.KindAgentStatus,
		events.KindError,
	}
	j.unsub = registry.SubscribeMultiple(kinds, j.record)
	j.logger.Debug().Msg("Journal attached to event registry")
}

// Detach removes the registry subscription.
func (j *Journal) Detach() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.unsub != nil {
		j.unsub()
		j.unsub = nil
	}
}

func (j *Journal) record(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := j.Append(ctx, string(event.Kind()), event); err != nil {
		j.logger.Warn().Err(err).Str("kind", string(event.Kind())).Msg("Journal append failed")
	}
}

// DecodeEvent rebuilds the typed event from a journal entry. Entries with
// an unknown kind or an unparseable payload report false.
func DecodeEvent(e Entry) (events.Event, bool) {
	switch events.Kind(e.Kind) {
	case events.KindConnectionChanged:
		var evt events.ConnectionChanged
		if json.Unmarshal(e.Payload, &evt) == nil {
			return evt, true
		}
	case events.KindCommandResponse:
		var evt events.CommandResponse
		if json.Unmarshal(e.Payload, &evt) == nil {
			return evt, true
		}
	case events.KindVoiceTranscription:
		var evt events.VoiceTranscription
		if json.Unmarshal(e.Payload, &evt) == nil {
			return evt, true
		}
	case events.KindSystemStatus:
		var evt events.SystemStatus
		if json.Unmarshal(e.Payload, &evt) == nil {
			return evt, true
		}
	case events.KindAgentStatus:
		var evt events.AgentStatus
		if json.Unmarshal(e.Payload, &evt) == nil {
			return evt, true
		}
	case events.KindError:
		var evt events.Error
		if json.Unmarshal(e.Payload, &evt) == nil {
			return evt, true
		}
	}
	return nil, false
}

// Close detaches from the registry and closes the database.
func (j *Journal) Close() error {
	j.Detach()
	return j.db.Close()
}
