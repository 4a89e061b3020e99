package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const sqliteAnchorSchema = `CREATE TABLE IF NOT EXISTS chain_anchors (
	subject_id   TEXT NOT NULL,
	idx          INTEGER NOT NULL,
	event_id     TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	hash         TEXT NOT NULL,
	PRIMARY KEY (subject_id, idx)
)`

// SQLiteAnchors persists chain anchors next to the events of a SQLite-backed
// ledger. The handle should be limited to one connection, which serialises
// Save calls.
type SQLiteAnchors struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteAnchors creates the chain_anchors table if needed.
func NewSQLiteAnchors(ctx context.Context, db *sql.DB, logger *zap.Logger) (*SQLiteAnchors, error) {
	if _, err := db.ExecContext(ctx, sqliteAnchorSchema); err != nil {
		return nil, fmt.Errorf("apply anchor schema: %w", err)
	}
	return &SQLiteAnchors{db: db, logger: logger}, nil
}

// Load implements AnchorStore.
func (a *SQLiteAnchors) Load(ctx context.Context, subjectID string) ([]Block, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT idx, event_id, payload_hash, prev_hash, hash
		 FROM chain_anchors WHERE subject_id = ? ORDER BY idx ASC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query chain anchors: %w", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Index, &b.EventID, &b.PayloadHash, &b.PrevHash, &b.Hash); err != nil {
			return nil, fmt.Errorf("scan chain anchor: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Save implements AnchorStore.
func (a *SQLiteAnchors) Save(ctx context.Context, subjectID string, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var anchored int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chain_anchors WHERE subject_id = ?", subjectID,
	).Scan(&anchored); err != nil {
		return fmt.Errorf("count chain anchors: %w", err)
	}

	for _, b := range blocks {
		if b.Index > anchored {
			return fmt.Errorf("anchor gap for subject %s: index %d after %d anchored blocks",
				subjectID, b.Index, anchored)
		}
		if b.Index < anchored {
			var existing Block
			err := tx.QueryRowContext(ctx,
				`SELECT idx, event_id, payload_hash, prev_hash, hash
				 FROM chain_anchors WHERE subject_id = ? AND idx = ?`,
				subjectID, b.Index,
			).Scan(&existing.Index, &existing.EventID, &existing.PayloadHash, &existing.PrevHash, &existing.Hash)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && existing != b) {
				return fmt.Errorf("%w: subject %s index %d", ErrAnchorConflict, subjectID, b.Index)
			}
			if err != nil {
				return fmt.Errorf("read chain anchor %d: %w", b.Index, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chain_anchors (subject_id, idx, event_id, payload_hash, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			subjectID, b.Index, b.EventID, b.PayloadHash, b.PrevHash, b.Hash,
		); err != nil {
			return fmt.Errorf("insert chain anchor %d: %w", b.Index, err)
		}
		anchored++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit anchors tx: %w", err)
	}
	a.logger.Debug("chain anchors saved",
		zap.String("subject_id", subjectID),
		zap.Int("anchored", anchored),
	)
	return nil
}
