package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_events (
		event_id      TEXT PRIMARY KEY,
		event_type    TEXT NOT NULL,
		version       INTEGER NOT NULL,
		ts_us         INTEGER NOT NULL,
		actor_system  TEXT NOT NULL,
		actor_user_id TEXT NOT NULL DEFAULT '',
		subject_id    TEXT NOT NULL,
		data          TEXT NOT NULL,
		chain_status  TEXT NOT NULL DEFAULT 'pending'
			CHECK (chain_status IN ('pending', 'confirmed', 'failed'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_type_ts
		ON ledger_events (event_type, ts_us DESC, event_id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_subject_ts
		ON ledger_events (subject_id, ts_us, event_id)`,
	`CREATE TRIGGER IF NOT EXISTS ledger_events_immutable
		BEFORE UPDATE OF event_id, event_type, version, ts_us, actor_system,
			actor_user_id, subject_id, data ON ledger_events
		BEGIN SELECT RAISE(ABORT, 'ledger events are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS ledger_events_no_delete
		BEFORE DELETE ON ledger_events
		BEGIN SELECT RAISE(ABORT, 'ledger events cannot be deleted'); END`,
}

const sqliteEventColumns = `event_id, event_type, version, ts_us, actor_system, actor_user_id, subject_id, data, chain_status`

// SQLiteStore persists ledger events to an embedded SQLite database. It uses
// a single connection; SQLite serialises writers anyway.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks that the database file is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return Unavailable("ping sqlite", err)
	}
	return nil
}

// DB exposes the underlying handle so chain anchors can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append implements Store. The duplicate check, the subject's newest
// timestamp and the insert share one transaction; with a single connection
// that serialises every writer.
func (s *SQLiteStore) Append(ctx context.Context, ev *LedgerEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("%w: marshal data: %v", ErrInvalidEvent, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteError("begin append", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanSQLiteEvent(tx.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM ledger_events WHERE event_id = ?`, ev.EventID))
	switch {
	case err == nil:
		if existing.SameContent(ev) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.EventID)
	case !errors.Is(err, sql.ErrNoRows):
		return sqliteError("check ledger event", err)
	}

	var lastUS sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(ts_us) FROM ledger_events WHERE subject_id = ?`, ev.SubjectID,
	).Scan(&lastUS); err != nil {
		return sqliteError("read subject tail", err)
	}
	if lastUS.Valid {
		ev.orderAfter(time.UnixMicro(lastUS.Int64).UTC())
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_events (`+sqliteEventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, ev.Version, ev.Timestamp.UnixMicro(),
		ev.Actor.System, ev.Actor.UserID, ev.SubjectID,
		string(data), string(ev.Meta.ChainStatus),
	); err != nil {
		return sqliteError("insert ledger event", err)
	}
	if err := tx.Commit(); err != nil {
		return sqliteError("commit append", err)
	}
	s.logger.Debug("ledger event appended",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.EventType),
	)
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, eventID string) (*LedgerEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM ledger_events WHERE event_id = ?`, eventID)
	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, sqliteError("get ledger event", err)
	}
	return ev, nil
}

// QueryByType implements Store.
func (s *SQLiteStore) QueryByType(ctx context.Context, eventType string, opts QueryOptions) ([]*LedgerEvent, error) {
	var since int64
	if !opts.Since.IsZero() {
		since = opts.Since.UnixMicro()
	}
	limit := -1 // SQLite: negative LIMIT means unbounded
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM ledger_events
		 WHERE event_type = ? AND (? = 0 OR ts_us >= ?)
		 ORDER BY ts_us DESC, event_id DESC
		 LIMIT ?`,
		eventType, since, since, limit,
	)
	if err != nil {
		return nil, sqliteError("query ledger events by type", err)
	}
	return collectSQLiteEvents(rows)
}

// QueryBySubject implements Store.
func (s *SQLiteStore) QueryBySubject(ctx context.Context, subjectID, eventType string) ([]*LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM ledger_events
		 WHERE subject_id = ? AND (? = '' OR event_type = ?)
		 ORDER BY ts_us ASC, event_id ASC`,
		subjectID, eventType, eventType,
	)
	if err != nil {
		return nil, sqliteError("query ledger events by subject", err)
	}
	return collectSQLiteEvents(rows)
}

// MarkChainStatus implements Store.
func (s *SQLiteStore) MarkChainStatus(ctx context.Context, eventID string, status ChainStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown chain status %q", ErrInvalidEvent, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_events SET chain_status = ? WHERE event_id = ?`,
		string(status), eventID,
	)
	if err != nil {
		return sqliteError("update chain status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return nil
}

func collectSQLiteEvents(rows *sql.Rows) ([]*LedgerEvent, error) {
	defer rows.Close()
	var out []*LedgerEvent
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, sqliteError("scan ledger event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("read ledger events", err)
	}
	return out, nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row sqlRow) (*LedgerEvent, error) {
	var (
		ev     LedgerEvent
		tsUS   int64
		data   string
		status string
	)
	if err := row.Scan(
		&ev.EventID, &ev.EventType, &ev.Version, &tsUS,
		&ev.Actor.System, &ev.Actor.UserID, &ev.SubjectID,
		&data, &status,
	); err != nil {
		return nil, err
	}
	payload, err := DecodePayload(ev.EventType, []byte(data))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	ev.Timestamp = time.UnixMicro(tsUS).UTC()
	ev.Data = payload
	ev.Meta.ChainStatus = ChainStatus(status)
	return &ev, nil
}

func sqliteError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidEvent, se)
	}
	return Unavailable(op, err)
}
