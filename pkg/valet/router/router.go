// Package router implements the interaction router, the decision point
// between "answer now" and "do this in the background". Every inbound user
// message lands here; the router classifies it through the inference
// capability, either replying inline or delegating to a named execution
// agent, and it alone turns agent outcomes and trigger firings into
// conversation messages. It never touches the mail capability directly.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/valet/pkg/valet/agent"
	"github.com/jholhewres/valet/pkg/valet/capability"
	"github.com/jholhewres/valet/pkg/valet/conversation"
)

// DegradedReply is returned when the inference capability cannot produce a
// usable decision. The inbound message stays in the log either way.
const DegradedReply = "I'm having trouble reaching my reasoning backend right now. Your message is saved and I'll pick it up as soon as I'm back."

// historyWindow bounds the context handed to the classifier.
const historyWindow = 30

const classifierInstructions = `You are a personal assistant deciding how to handle one incoming message.
Reply directly when the message is conversational and you can answer from the
conversation so far. Call dispatch_agent when the message asks for work
against the user's mailbox or anything else that takes time: give the agent a
short roster name (reuse a name from the conversation when the message refers
to ongoing work) and a self-contained task description. Never promise
background work without dispatching it.`

// Inbound is one normalized message entering the router.
type Inbound struct {
	// Origin names the front end ("web", "imessage", "discord").
	Origin string

	// Body is the raw user text.
	Body string

	// ClientMsgID is the front end's idempotency key, empty for fronts
	// that do not resend.
	ClientMsgID string
}

// Router classifies inbound messages and owns all agent-outcome writes.
type Router struct {
	log       *conversation.Log
	pool      *agent.Pool
	inference capability.Inference
	logger    *slog.Logger

	// cancelTriggers tears down agent-scoped triggers when their owner
	// reaches a terminal state. Optional; guarded by mu.
	cancelTriggers func(ctx context.Context, agentID string) (int, error)

	// users serializes complete router turns per user, so a live message
	// and an agent completion can never interleave their appends.
	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// New builds the router and registers it as the pool's completion consumer.
func New(log *conversation.Log, pool *agent.Pool, inference capability.Inference, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		log:       log,
		pool:      pool,
		inference: inference,
		logger:    logger.With("component", "router"),
		users:     make(map[string]*sync.Mutex),
	}
	pool.SetCompletion(r.agentDone)
	return r
}

// SetTriggerCanceller registers the trigger-registry hook that cancels an
// agent's triggers once the agent is terminal.
func (r *Router) SetTriggerCanceller(fn func(ctx context.Context, agentID string) (int, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelTriggers = fn
}

func (r *Router) userLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.users[userID]
	if !ok {
		m = &sync.Mutex{}
		r.users[userID] = m
	}
	return m
}

// Handle processes one inbound user message and returns the reply message,
// or nil when the turn produced no user-visible reply. Duplicate
// client message ids return the original outcome without appending anything.
func (r *Router) Handle(ctx context.Context, userID string, in Inbound) (*conversation.Message, error) {
	if userID == "" {
		return nil, fmt.Errorf("router: user id required")
	}
	if strings.TrimSpace(in.Body) == "" {
		return nil, fmt.Errorf("router: empty message")
	}

	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	// The duplicate check runs under the user lock so a resend racing its
	// original serializes behind it and finds the recorded outcome.
	if in.ClientMsgID != "" {
		orig, err := r.log.FindByClientID(ctx, userID, in.ClientMsgID)
		if err == nil {
			reply, rerr := r.log.FindReplyTo(ctx, userID, orig.ID)
			if rerr == nil {
				return &reply, nil
			}
			return nil, nil
		}
		if !errors.Is(err, conversation.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	userMsg, err := r.log.Append(ctx, conversation.Message{
		UserID:      userID,
		Role:        conversation.RoleUser,
		Body:        in.Body,
		Status:      conversation.StatusDelivered,
		ClientMsgID: in.ClientMsgID,
	})
	if err != nil {
		return nil, fmt.Errorf("append inbound: %w", err)
	}

	decision := r.classify(ctx, userID, in.Body)

	var replyBody string
	var agentID string
	switch {
	case decision.delegate != nil:
		inst, err := r.pool.Dispatch(ctx, userID, decision.delegate.Name, decision.delegate.Task)
		if err != nil {
			r.logger.Error("delegation failed",
				"user", userID, "agent", decision.delegate.Name, "error", err)
			replyBody = "I couldn't start that task: " + err.Error()
		} else {
			agentID = inst.ID
			replyBody = fmt.Sprintf("On it. I've put %s on that and will report back here.", inst.Name)
			r.logger.Info("delegated",
				"user", userID, "agent", inst.Name, "run_id", inst.ID)
		}
	case decision.reply != "":
		replyBody = decision.reply
	default:
		replyBody = DegradedReply
	}

	reply, err := r.log.Append(ctx, conversation.Message{
		UserID:  userID,
		Role:    conversation.RoleAssistant,
		AgentID: agentID,
		Body:    replyBody,
		RefID:   userMsg.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("append reply: %w", err)
	}
	return &reply, nil
}

// HandleSynthetic injects trigger-originated input: the payload is recorded
// as a system message, then rendered to the user as an assistant message.
// No classification happens and no delegation is possible on this path. An
// inference outage degrades to delivering the payload verbatim.
func (r *Router) HandleSynthetic(ctx context.Context, userID, payload string) error {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sys, err := r.log.Append(ctx, conversation.Message{
		UserID: userID,
		Role:   conversation.RoleSystem,
		Body:   payload,
		Status: conversation.StatusDelivered,
	})
	if err != nil {
		return fmt.Errorf("append synthetic: %w", err)
	}

	body := payload
	gen, err := r.inference.Generate(ctx,
		[]capability.ChatMessage{{Role: "user", Content: "Deliver this notice to the user in one short friendly message: " + payload}},
		"", nil)
	if err == nil && gen.Text != "" {
		body = gen.Text
	} else if err != nil {
		r.logger.Warn("synthetic rendering degraded", "user", userID, "error", err)
	}

	if _, err := r.log.Append(ctx, conversation.Message{
		UserID: userID,
		Role:   conversation.RoleAssistant,
		Body:   body,
		RefID:  sys.ID,
	}); err != nil {
		return fmt.Errorf("append notice: %w", err)
	}
	return nil
}

// decision is the classifier outcome. Exactly one field is set; the zero
// value means degraded.
type decision struct {
	reply    string
	delegate *delegateArgs
}

type delegateArgs struct {
	Name string `json:"name"`
	Task string `json:"task"`
}

func classifierTools() []capability.ToolDefinition {
	return []capability.ToolDefinition{
		capability.NewTool("dispatch_agent",
			"Hand a task to a background agent and acknowledge the user.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Short roster name, e.g. mail-watcher. Reuse to continue ongoing work.",
					},
					"task": map[string]any{
						"type":        "string",
						"description": "Self-contained task description.",
					},
				},
				"required": []string{"task"},
			}),
	}
}

// classify asks the inference capability for a decision over the recent
// conversation. Any failure, including a malformed decision after the
// adapter's single retry, yields the zero (degraded) decision.
func (r *Router) classify(ctx context.Context, userID, body string) decision {
	history, err := r.log.History(ctx, userID, historyWindow)
	if err != nil {
		r.logger.Error("history load failed", "user", userID, "error", err)
		history = nil
	}

	msgs := make([]capability.ChatMessage, 0, len(history))
	for _, m := range history {
		role := "assistant"
		switch m.Role {
		case conversation.RoleUser:
			role = "user"
		case conversation.RoleSystem:
			role = "system"
		}
		msgs = append(msgs, capability.ChatMessage{Role: role, Content: m.Body})
	}

	gen, err := r.inference.Generate(ctx, msgs, classifierInstructions, classifierTools())
	if err != nil {
		r.logger.Error("classification failed", "user", userID,
			"kind", capability.KindOf(err).String(), "error", err)
		return decision{}
	}

	for _, call := range gen.Calls {
		if call.Name != "dispatch_agent" {
			continue
		}
		var args delegateArgs
		if err := json.Unmarshal(call.Arguments, &args); err != nil || args.Task == "" {
			r.logger.Warn("malformed dispatch arguments", "user", userID, "error", err)
			continue
		}
		return decision{delegate: &args}
	}
	if gen.Text != "" {
		return decision{reply: gen.Text}
	}
	return decision{}
}
