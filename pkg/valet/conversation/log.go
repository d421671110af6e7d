package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned when a message lookup matches nothing.
var ErrNotFound = errors.New("conversation: message not found")

// Log is the SQLite-backed conversation log. All writes to a single user's
// log are serialized through a per-user mutex so concurrent writers (router,
// agent completions, trigger firings) can never interleave an append or
// observe a gap in the id sequence. Different users share nothing.
type Log struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewLog creates a conversation log over the shared database.
func NewLog(db *sql.DB, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		db:     db,
		logger: logger.With("component", "conversation"),
		users:  make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex for a user, creating it on first use.
func (l *Log) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.users[userID]
	if !ok {
		m = &sync.Mutex{}
		l.users[userID] = m
	}
	return m
}

// Append writes a message to the user's log and returns it with its
// assigned id. The id is MAX(id)+1 computed under the user's write lock,
// which makes ids strictly increasing and never reused.
func (l *Log) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.UserID == "" {
		return Message{}, fmt.Errorf("conversation: user id required")
	}
	if msg.Role == "" {
		return Message{}, fmt.Errorf("conversation: role required")
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	lock := l.userLock(msg.UserID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) + 1 FROM messages WHERE user_id = ?",
		msg.UserID).Scan(&next); err != nil {
		return Message{}, fmt.Errorf("allocate message id: %w", err)
	}

	var agentID, clientID sql.NullString
	if msg.AgentID != "" {
		agentID = sql.NullString{String: msg.AgentID, Valid: true}
	}
	if msg.ClientMsgID != "" {
		clientID = sql.NullString{String: msg.ClientMsgID, Valid: true}
	}
	var refID sql.NullInt64
	if msg.RefID != 0 {
		refID = sql.NullInt64{Int64: msg.RefID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (user_id, id, role, agent_id, body, status, client_msg_id, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.UserID, next, string(msg.Role), agentID, msg.Body,
		string(msg.Status), clientID, refID,
		msg.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}

	msg.ID = next
	l.logger.Debug("message appended",
		"user", msg.UserID, "id", msg.ID, "role", msg.Role)
	return msg, nil
}

// History returns the most recent messages in ascending id order.
// limit <= 0 returns the full log.
func (l *Log) History(ctx context.Context, userID string, limit int) ([]Message, error) {
	query := `
		SELECT user_id, id, role, agent_id, body, status, client_msg_id, ref_id, created_at
		FROM messages WHERE user_id = ? ORDER BY id ASC`
	args := []any{userID}
	if limit > 0 {
		// Take the tail of the log, still returned in ascending order.
		query = `
			SELECT user_id, id, role, agent_id, body, status, client_msg_id, ref_id, created_at
			FROM (
				SELECT * FROM messages WHERE user_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PendingSince returns messages with id > cursor that should be delivered to
// a front end: everything except raw user input (a bridge does not need its
// own messages echoed back). Ascending id order.
func (l *Log) PendingSince(ctx context.Context, userID string, cursor int64) ([]Message, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT user_id, id, role, agent_id, body, status, client_msg_id, ref_id, created_at
		FROM messages
		WHERE user_id = ? AND id > ? AND role != 'user'
		ORDER BY id ASC`,
		userID, cursor)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FindByClientID looks up a message by its client-generated id.
// Returns ErrNotFound when no such message exists.
func (l *Log) FindByClientID(ctx context.Context, userID, clientMsgID string) (Message, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT user_id, id, role, agent_id, body, status, client_msg_id, ref_id, created_at
		FROM messages WHERE user_id = ? AND client_msg_id = ?`,
		userID, clientMsgID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

// FindReplyTo returns the first message referencing the given id (the reply
// produced for it). Returns ErrNotFound when no reply exists yet.
func (l *Log) FindReplyTo(ctx context.Context, userID string, refID int64) (Message, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT user_id, id, role, agent_id, body, status, client_msg_id, ref_id, created_at
		FROM messages WHERE user_id = ? AND ref_id = ?
		ORDER BY id ASC LIMIT 1`,
		userID, refID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

// MarkDelivered transitions messages up to and including maxID to delivered.
func (l *Log) MarkDelivered(ctx context.Context, userID string, maxID int64) error {
	_, err := l.db.ExecContext(ctx,
		"UPDATE messages SET status = 'delivered' WHERE user_id = ? AND id <= ? AND status = 'pending'",
		userID, maxID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkFailed transitions a single message to failed.
func (l *Log) MarkFailed(ctx context.Context, userID string, id int64) error {
	res, err := l.db.ExecContext(ctx,
		"UPDATE messages SET status = 'failed' WHERE user_id = ? AND id = ?",
		userID, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastID returns the highest assigned message id for a user (0 when empty).
func (l *Log) LastID(ctx context.Context, userID string) (int64, error) {
	var id int64
	err := l.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM messages WHERE user_id = ?", userID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last id: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		role      string
		status    string
		agentID   sql.NullString
		clientID  sql.NullString
		refID     sql.NullInt64
		createdAt string
	)
	if err := row.Scan(&msg.UserID, &msg.ID, &role, &agentID, &msg.Body,
		&status, &clientID, &refID, &createdAt); err != nil {
		return Message{}, err
	}
	msg.Role = Role(role)
	msg.Status = Status(status)
	msg.AgentID = agentID.String
	msg.ClientMsgID = clientID.String
	msg.RefID = refID.Int64
	msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return msg, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
