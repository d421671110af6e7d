// Package capability defines the narrow interfaces through which Valet
// consumes external services: the LLM inference backend and the mail
// automation toolkit. No orchestration logic lives here; adapters translate
// requests and classify failures, nothing more.
package capability

import (
	"context"
	"encoding/json"
)

// ChatMessage is one turn of context handed to the inference backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes a callable tool in chat-completions format.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function portion of a tool definition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewTool builds a function tool definition.
func NewTool(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// ToolCall is a structured action requested by the model.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Generation is the inference backend's answer: free text, structured tool
// calls, or both.
type Generation struct {
	Text  string
	Calls []ToolCall
	Model string
}

// Inference generates the next turn given conversation context. When tools
// are supplied the model may answer with structured calls instead of text.
type Inference interface {
	Generate(ctx context.Context, msgs []ChatMessage, instructions string, tools []ToolDefinition) (*Generation, error)
}

// MailAction is one of the operations the mail toolkit supports.
type MailAction string

const (
	MailDraft   MailAction = "draft"
	MailSend    MailAction = "send"
	MailReply   MailAction = "reply"
	MailForward MailAction = "forward"
	MailSearch  MailAction = "search"
)

// ValidMailAction reports whether the action is one the toolkit supports.
func ValidMailAction(a MailAction) bool {
	switch a {
	case MailDraft, MailSend, MailReply, MailForward, MailSearch:
		return true
	}
	return false
}

// MailResult is the outcome of a successful mail action.
type MailResult struct {
	Action MailAction     `json:"action"`
	Output string         `json:"output"`
	Data   map[string]any `json:"data,omitempty"`
}

// Mail performs actions against the user's mailbox through the external
// mail-automation service.
type Mail interface {
	Perform(ctx context.Context, action MailAction, params map[string]any) (*MailResult, error)
}
