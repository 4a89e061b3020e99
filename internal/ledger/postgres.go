package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const eventColumns = `event_id, event_type, version, ts, actor_system, actor_user_id, subject_id, data, chain_status`

// PostgresStore persists ledger events to PostgreSQL. Immutability of
// everything but chain_status is additionally enforced by a trigger (see
// migrations/001_ledger_events.up.sql).
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return Unavailable("ping postgres", err)
	}
	return nil
}

// Append implements Store. Appends to one subject are serialised with a
// transaction-scoped advisory lock keyed by the subject, so the subject's
// newest timestamp cannot change between reading it and inserting ev.
// Appends to different subjects do not contend.
func (s *PostgresStore) Append(ctx context.Context, ev *LedgerEvent) error {
	if err := ev.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("%w: marshal data: %v", ErrInvalidEvent, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgError("begin append", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", ev.SubjectID); err != nil {
		return pgError("acquire subject lock", err)
	}

	var last *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT max(ts) FROM ledger_events WHERE subject_id = $1`, ev.SubjectID,
	).Scan(&last); err != nil {
		return pgError("read subject tail", err)
	}
	candidate := *ev
	if last != nil {
		candidate.orderAfter(last.UTC())
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (event_id) DO NOTHING`,
		candidate.EventID, candidate.EventType, candidate.Version, candidate.Timestamp,
		candidate.Actor.System, candidate.Actor.UserID, candidate.SubjectID,
		string(data), string(candidate.Meta.ChainStatus),
	)
	if err != nil {
		return pgError("insert ledger event", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pgError("commit append", err)
	}
	if tag.RowsAffected() == 1 {
		ev.Timestamp = candidate.Timestamp
		s.logger.Debug("ledger event appended",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", ev.EventType),
			zap.String("subject_id", ev.SubjectID),
		)
		return nil
	}

	// The id exists, possibly under another subject's lock; compare with
	// whichever row won.
	existing, err := s.Get(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if existing.SameContent(ev) {
		s.logger.Debug("duplicate append ignored", zap.String("event_id", ev.EventID))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.EventID)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, eventID string) (*LedgerEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, pgError("get ledger event", err)
	}
	return ev, nil
}

// QueryByType implements Store.
func (s *PostgresStore) QueryByType(ctx context.Context, eventType string, opts QueryOptions) ([]*LedgerEvent, error) {
	var since *time.Time
	if !opts.Since.IsZero() {
		since = &opts.Since
	}
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE event_type = $1
		   AND ($2::timestamptz IS NULL OR ts >= $2)
		 ORDER BY ts DESC, event_id DESC
		 LIMIT $3`,
		eventType, since, limit,
	)
	if err != nil {
		return nil, pgError("query ledger events by type", err)
	}
	return collectEvents(rows)
}

// QueryBySubject implements Store.
func (s *PostgresStore) QueryBySubject(ctx context.Context, subjectID, eventType string) ([]*LedgerEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE subject_id = $1
		   AND ($2 = '' OR event_type = $2)
		 ORDER BY ts ASC, event_id ASC`,
		subjectID, eventType,
	)
	if err != nil {
		return nil, pgError("query ledger events by subject", err)
	}
	return collectEvents(rows)
}

// MarkChainStatus implements Store.
func (s *PostgresStore) MarkChainStatus(ctx context.Context, eventID string, status ChainStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown chain status %q", ErrInvalidEvent, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_events SET chain_status = $2 WHERE event_id = $1`,
		eventID, string(status),
	)
	if err != nil {
		return pgError("update chain status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return nil
}

func collectEvents(rows pgx.Rows) ([]*LedgerEvent, error) {
	defer rows.Close()
	var out []*LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, pgError("scan ledger event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError("read ledger events", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (*LedgerEvent, error) {
	var (
		ev     LedgerEvent
		data   []byte
		status string
	)
	if err := row.Scan(
		&ev.EventID, &ev.EventType, &ev.Version, &ev.Timestamp,
		&ev.Actor.System, &ev.Actor.UserID, &ev.SubjectID,
		&data, &status,
	); err != nil {
		return nil, err
	}
	payload, err := DecodePayload(ev.EventType, data)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Data = payload
	ev.Meta.ChainStatus = ChainStatus(status)
	return &ev, nil
}

// pgError classifies a pgx failure. Integrity violations are caller errors;
// everything else is treated as the store being unavailable.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%s: %w: %s", op, ErrInvalidEvent, pgErr.Message)
	}
	return Unavailable(op, err)
}
