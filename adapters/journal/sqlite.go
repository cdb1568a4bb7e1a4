package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
)

// Modes accepted by Open
const (
	ModeEphemeral = "ephemeral"
	ModeSQLite    = "sqlite"
)

const defaultListLimit = 100

// Journal records accepted control events in SQLite. In ephemeral mode it
// holds no database and every call is a no-op.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
	clock  func() time.Time
}

var _ repositories.EventJournal = (*Journal)(nil)

// Open initializes the journal according to mode
func Open(ctx context.Context, mode, path string, logger *zap.Logger) (*Journal, error) {
	j := &Journal{logger: logger, clock: time.Now}
	if mode == "" || mode == ModeEphemeral {
		return j, nil
	}
	if mode != ModeSQLite {
		return nil, fmt.Errorf("unknown journal mode %q", mode)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	j.db = db

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Control event journal opened", zap.String("path", path))
	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS control_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id TEXT NOT NULL,
    role TEXT NOT NULL,
    event_type TEXT NOT NULL,
    event_id TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_control_events_room ON control_events(room_id, id);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

// Append implements repositories.EventJournal
func (j *Journal) Append(ctx context.Context, entry repositories.JournalEntry) error {
	if j.db == nil {
		return nil
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = j.clock()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO control_events(room_id, role, event_type, event_id, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		entry.RoomID, string(entry.Role), entry.Type, entry.EventID, entry.Payload, createdAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("append control event: %w", err)
	}
	return nil
}

// List returns the most recent entries of a room, oldest first
func (j *Journal) List(ctx context.Context, roomID string, limit int) ([]repositories.JournalEntry, error) {
	if j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT room_id, role, event_type, event_id, payload, created_at FROM (
		     SELECT id, room_id, role, event_type, event_id, payload, created_at
		     FROM control_events WHERE room_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list control events: %w", err)
	}
	defer rows.Close()

	var entries []repositories.JournalEntry
	for rows.Next() {
		var (
			entry     repositories.JournalEntry
			role      string
			eventID   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&entry.RoomID, &role, &entry.Type, &eventID, &entry.Payload, &createdAt); err != nil {
			return nil, err
		}
		entry.Role = entities.Role(role)
		entry.EventID = eventID.String
		entry.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Close implements repositories.EventJournal
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}
