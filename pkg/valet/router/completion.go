package router

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/valet/pkg/valet/agent"
	"github.com/jholhewres/valet/pkg/valet/conversation"
)

// completionTimeout bounds the log write for one agent outcome.
const completionTimeout = 10 * time.Second

// agentDone is the pool's completion callback. It is the only place agent
// outcomes become conversation messages, taken under the user's router lock
// so two agents finishing together cannot interleave their turns.
func (r *Router) agentDone(inst *agent.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	r.mu.Lock()
	cancelTriggers := r.cancelTriggers
	r.mu.Unlock()

	if cancelTriggers != nil && inst.State.Terminal() {
		if n, err := cancelTriggers(ctx, inst.ID); err != nil {
			r.logger.Warn("agent trigger cleanup failed", "run_id", inst.ID, "error", err)
		} else if n > 0 {
			r.logger.Info("cancelled agent-scoped triggers", "run_id", inst.ID, "count", n)
		}
	}

	lock := r.userLock(inst.UserID)
	lock.Lock()
	defer lock.Unlock()

	var msg conversation.Message
	switch inst.State {
	case agent.StateCompleted:
		msg = conversation.Message{
			UserID:  inst.UserID,
			Role:    conversation.RoleAgent,
			AgentID: inst.ID,
			Body:    inst.Result,
		}
	case agent.StateFailed:
		msg = conversation.Message{
			UserID:  inst.UserID,
			Role:    conversation.RoleAssistant,
			AgentID: inst.ID,
			Body:    fmt.Sprintf("I couldn't finish %q: %s.", inst.Task, inst.Reason),
		}
	case agent.StateAwaitingCapability:
		msg = conversation.Message{
			UserID:  inst.UserID,
			Role:    conversation.RoleAssistant,
			AgentID: inst.ID,
			Body:    fmt.Sprintf("I need your help to continue %q: %s. Reauthorize mailbox access, then ask me to retry.", inst.Task, inst.Reason),
		}
	case agent.StateCancelled:
		// Cancelled runs leave an audit entry only, no user-visible message.
		r.logger.Info("agent cancelled, suppressing completion message",
			"user", inst.UserID, "agent", inst.Name, "run_id", inst.ID)
		return
	default:
		r.logger.Warn("unexpected completion state",
			"state", inst.State, "run_id", inst.ID)
		return
	}

	if _, err := r.log.Append(ctx, msg); err != nil {
		r.logger.Error("failed to record agent outcome",
			"user", inst.UserID, "run_id", inst.ID, "error", err)
	}
}
