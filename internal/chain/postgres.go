package chain

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresAnchors persists chain anchors to the chain_anchors table.
type PostgresAnchors struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresAnchors creates a PostgresAnchors backed by the given pool.
func NewPostgresAnchors(pool *pgxpool.Pool, logger *zap.Logger) *PostgresAnchors {
	return &PostgresAnchors{pool: pool, logger: logger}
}

// Load implements AnchorStore.
func (a *PostgresAnchors) Load(ctx context.Context, subjectID string) ([]Block, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT idx, event_id, payload_hash, prev_hash, hash
		 FROM chain_anchors WHERE subject_id = $1 ORDER BY idx ASC`, subjectID)
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

// Save implements AnchorStore. All blocks are written in one transaction
// under a subject-scoped advisory lock, so concurrent seals of the same
// subject serialise instead of interleaving.
func (a *PostgresAnchors) Save(ctx context.Context, subjectID string, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", subjectID); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var anchored int
	if err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM chain_anchors WHERE subject_id = $1", subjectID,
	).Scan(&anchored); err != nil {
		return fmt.Errorf("count chain anchors: %w", err)
	}

	for _, b := range blocks {
		if b.Index > anchored {
			return fmt.Errorf("anchor gap for subject %s: index %d after %d anchored blocks",
				subjectID, b.Index, anchored)
		}
		if b.Index < anchored {
			var hash, eventID string
			if err := tx.QueryRow(ctx,
				"SELECT hash, event_id FROM chain_anchors WHERE subject_id = $1 AND idx = $2",
				subjectID, b.Index,
			).Scan(&hash, &eventID); err != nil {
				return fmt.Errorf("read chain anchor %d: %w", b.Index, err)
			}
			if hash != b.Hash || eventID != b.EventID {
				return fmt.Errorf("%w: subject %s index %d", ErrAnchorConflict, subjectID, b.Index)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chain_anchors (subject_id, idx, event_id, payload_hash, prev_hash, hash)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			subjectID, b.Index, b.EventID, b.PayloadHash, b.PrevHash, b.Hash,
		); err != nil {
			return fmt.Errorf("insert chain anchor %d: %w", b.Index, err)
		}
		anchored++
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit anchors tx: %w", err)
	}
	a.logger.Debug("chain anchors saved",
		zap.String("subject_id", subjectID),
		zap.Int("anchored", anchored),
	)
	return nil
}
