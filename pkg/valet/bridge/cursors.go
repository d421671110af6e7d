package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// CursorStore persists the last acknowledged outbound message id per
// (bridge, user). A bridge that reconnects resumes from its cursor, so it
// never re-receives acknowledged messages and never misses unacknowledged
// ones.
type CursorStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewCursorStore creates cursor storage over the shared database.
func NewCursorStore(db *sql.DB, logger *slog.Logger) *CursorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CursorStore{db: db, logger: logger.With("component", "bridge-cursors")}
}

// Get returns the stored cursor, 0 when the bridge has never acknowledged.
func (c *CursorStore) Get(ctx context.Context, bridge, userID string) (int64, error) {
	var cursor int64
	err := c.db.QueryRowContext(ctx,
		"SELECT cursor FROM bridge_cursors WHERE bridge = ? AND user_id = ?",
		bridge, userID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}

// Advance moves the cursor forward. A stale acknowledgement (cursor lower
// than the stored one) is ignored rather than rewinding delivery.
func (c *CursorStore) Advance(ctx context.Context, bridge, userID string, cursor int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO bridge_cursors (bridge, user_id, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (bridge, user_id)
		DO UPDATE SET cursor = MAX(cursor, excluded.cursor), updated_at = excluded.updated_at`,
		bridge, userID, cursor, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
