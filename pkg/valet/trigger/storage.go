package trigger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a trigger lookup matches nothing.
var ErrNotFound = errors.New("trigger: not found")

// Storage persists triggers in the central SQLite database.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStorage creates trigger storage over the shared database.
func NewStorage(db *sql.DB, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{db: db, logger: logger.With("component", "trigger-storage")}
}

// Create validates and persists a new trigger. One-shots need FireAt; the
// recurring kinds need a parseable Schedule, from which the first
// next_check_at is derived.
func (s *Storage) Create(ctx context.Context, t *Trigger) error {
	if t.UserID == "" {
		return fmt.Errorf("trigger: user id required")
	}
	if t.Payload == "" {
		return fmt.Errorf("trigger: payload required")
	}

	switch t.Kind {
	case KindOneShot:
		if t.FireAt == nil {
			return fmt.Errorf("trigger: one-shot needs a fire time")
		}
	case KindRecurring, KindConditionPoll:
		next, err := NextOccurrence(t.Schedule, time.Now())
		if err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
		if t.NextCheckAt == nil {
			t.NextCheckAt = &next
		}
	default:
		return fmt.Errorf("trigger: unknown kind %q", t.Kind)
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, user_id, kind, fire_at, schedule, next_check_at,
			payload, status, agent_id, failures, created_at, fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, string(t.Kind),
		nullTime(t.FireAt), nullString(t.Schedule), nullTime(t.NextCheckAt),
		t.Payload, string(t.Status), nullString(t.AgentID), t.Failures,
		t.CreatedAt.Format(time.RFC3339), nullTime(t.FiredAt),
	)
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}

	s.logger.Info("trigger created",
		"id", t.ID, "user", t.UserID, "kind", t.Kind)
	return nil
}

// Get returns one trigger by id.
func (s *Storage) Get(ctx context.Context, id string) (*Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx,
		selectColumns+" FROM triggers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListByUser returns the user's triggers, newest first.
func (s *Storage) ListByUser(ctx context.Context, userID string) ([]*Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+" FROM triggers WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

// Due returns all active triggers whose fire spec is due at now.
func (s *Storage) Due(ctx context.Context, now time.Time) ([]*Trigger, error) {
	cutoff := now.UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM triggers
		WHERE status = 'active'
		  AND ((kind = 'one_shot' AND fire_at <= ?)
		    OR (kind != 'one_shot' AND next_check_at <= ?))
		ORDER BY user_id, COALESCE(fire_at, next_check_at)`,
		cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load due triggers: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

// Advance persists a new next_check_at. Used to re-arm recurring triggers
// before delivery is attempted.
func (s *Storage) Advance(ctx context.Context, id string, next time.Time) error {
	return s.exec(ctx, "advance",
		"UPDATE triggers SET next_check_at = ? WHERE id = ? AND status = 'active'",
		next.UTC().Format(time.RFC3339Nano), id)
}

// MarkFired finalizes a one-shot trigger.
func (s *Storage) MarkFired(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, "mark fired",
		"UPDATE triggers SET status = 'fired', fired_at = ? WHERE id = ? AND status = 'active'",
		at.UTC().Format(time.RFC3339), id)
}

// Cancel deactivates a trigger before it fires.
func (s *Storage) Cancel(ctx context.Context, id string) error {
	return s.exec(ctx, "cancel",
		"UPDATE triggers SET status = 'cancelled' WHERE id = ? AND status = 'active'", id)
}

// CancelByAgent cancels all active triggers owned by an agent. Called when
// the owning agent reaches a terminal state.
func (s *Storage) CancelByAgent(ctx context.Context, agentID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE triggers SET status = 'cancelled' WHERE agent_id = ? AND status = 'active'",
		agentID)
	if err != nil {
		return 0, fmt.Errorf("cancel by agent: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecordFailure increments the failure count and returns the new count.
func (s *Storage) RecordFailure(ctx context.Context, id string) (int, error) {
	if err := s.exec(ctx, "record failure",
		"UPDATE triggers SET failures = failures + 1 WHERE id = ?", id); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT failures FROM triggers WHERE id = ?", id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("read failures: %w", err)
	}
	return n, nil
}

// ResetFailures clears the failure count after a successful delivery.
func (s *Storage) ResetFailures(ctx context.Context, id string) error {
	return s.exec(ctx, "reset failures",
		"UPDATE triggers SET failures = 0 WHERE id = ? AND failures > 0", id)
}

// MarkFailed finalizes a trigger that exceeded the failure bound.
func (s *Storage) MarkFailed(ctx context.Context, id string) error {
	return s.exec(ctx, "mark failed",
		"UPDATE triggers SET status = 'failed' WHERE id = ?", id)
}

func (s *Storage) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s trigger: %w", op, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, user_id, kind, fire_at, schedule, next_check_at,
	       payload, status, agent_id, failures, created_at, fired_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var (
		t        Trigger
		kind     string
		status   string
		fireAt   sql.NullString
		schedule sql.NullString
		nextAt   sql.NullString
		agentID  sql.NullString
		created  string
		firedAt  sql.NullString
	)
	if err := row.Scan(&t.ID, &t.UserID, &kind, &fireAt, &schedule, &nextAt,
		&t.Payload, &status, &agentID, &t.Failures, &created, &firedAt); err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.Schedule = schedule.String
	t.AgentID = agentID.String
	t.FireAt = parseTime(fireAt)
	t.NextCheckAt = parseTime(nextAt)
	t.FiredAt = parseTime(firedAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &t, nil
}

func scanTriggers(rows *sql.Rows) ([]*Trigger, error) {
	var out []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
