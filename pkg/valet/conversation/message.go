// Package conversation implements the append-only, per-user conversation log.
// Every other subsystem (router, agent pool, trigger scheduler, bridges)
// converges on this log; it is the single serialization point for a user's
// timeline.
package conversation

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleAgent     Role = "agent"
	RoleSystem    Role = "system"
)

// Status tracks outbound delivery of a message to attached front ends.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is one entry in a user's conversation log.
// IDs are strictly increasing within a user's log and never reused.
// Body is immutable once written; corrections are new messages that
// reference the original via RefID.
type Message struct {
	// ID is the per-user monotonic identifier, assigned by Append.
	ID int64 `json:"id"`

	// UserID owns the log this message belongs to.
	UserID string `json:"user_id"`

	// Role is the author role (user, assistant, agent, system).
	Role Role `json:"role"`

	// AgentID is the originating execution agent, when Role is agent.
	AgentID string `json:"agent_id,omitempty"`

	// Body is the message text. Immutable after Append.
	Body string `json:"body"`

	// Status is the outbound delivery status.
	Status Status `json:"status"`

	// ClientMsgID is the client-generated id supplied by bridges for
	// idempotent inbound posts. Empty for server-originated messages.
	ClientMsgID string `json:"client_msg_id,omitempty"`

	// RefID references an earlier message when this one corrects it.
	RefID int64 `json:"ref_id,omitempty"`

	// CreatedAt is when the message was appended.
	CreatedAt time.Time `json:"created_at"`
}
