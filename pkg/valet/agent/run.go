package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jholhewres/valet/pkg/valet/capability"
)

const runInstructions = `You are a background execution agent for a personal assistant.
You were given one task. Work it to completion using the tools available,
then call report with a concise summary of what you did and what you found.
Use schedule when the task asks for a reminder or a future check; the
payload is delivered to the user when it fires.
Do not address the user directly; your report is relayed by the assistant.
If a follow-up instruction arrives mid-task, fold it into the same run.`

func runTools() []capability.ToolDefinition {
	return []capability.ToolDefinition{
		capability.NewTool("mail", "Perform one mailbox action.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []string{"draft", "send", "reply", "forward", "search"},
				},
				"params": map[string]any{
					"type":        "object",
					"description": "Action parameters (to, subject, body, query, message_id).",
				},
			},
			"required": []string{"action"},
		}),
		capability.NewTool("schedule", "Create a trigger that delivers the payload to the user later.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"when": map[string]any{
					"type":        "string",
					"description": `Fire spec: "in 10 minutes", "daily at 9am", "every 2 hours", or a cron expression.`,
				},
				"payload": map[string]any{
					"type":        "string",
					"description": "Notice text delivered when the trigger fires.",
				},
			},
			"required": []string{"when", "payload"},
		}),
		capability.NewTool("report", "Finish the task with a final summary.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{"type": "string"},
			},
			"required": []string{"summary"},
		}),
	}
}

// run executes the bounded tool loop for one instance. Every path out of
// this function goes through finish or pause exactly once.
func (p *Pool) run(ctx context.Context, inst *Instance) {
	p.setState(inst, StateRunning)

	transcript := []capability.ChatMessage{
		{Role: "user", Content: "Task: " + inst.Task},
	}
	tools := runTools()
	var lastText string

	for round := 1; round <= p.cfg.MaxRounds; round++ {
		// Fold queued follow-up instructions into the transcript.
		for {
			select {
			case extra := <-inst.inbox:
				transcript = append(transcript, capability.ChatMessage{
					Role: "user", Content: "Follow-up instruction: " + extra,
				})
				continue
			default:
			}
			break
		}

		p.mu.Lock()
		inst.Rounds = round
		inst.LastActiveAt = time.Now().UTC()
		p.mu.Unlock()

		if inst.stopRequested() {
			p.finish(inst, lastText, StateCancelled, "cancelled on request")
			return
		}

		gen, err := p.generateWithRetry(ctx, inst, transcript, tools)
		if inst.stopRequested() {
			// The in-flight call was allowed to finish; its outcome is
			// discarded rather than acted on.
			p.finish(inst, lastText, StateCancelled, "cancelled on request")
			return
		}
		if err != nil {
			p.finish(inst, lastText, StateFailed,
				fmt.Sprintf("inference failed on round %d: %v", round, err))
			return
		}
		if gen.Text != "" {
			lastText = gen.Text
		}

		// No structured action means the model is done talking.
		if len(gen.Calls) == 0 {
			p.finish(inst, gen.Text, StateCompleted, "")
			return
		}

		for _, call := range gen.Calls {
			if inst.stopRequested() {
				p.finish(inst, lastText, StateCancelled, "cancelled on request")
				return
			}
			switch call.Name {
			case "report":
				var args struct {
					Summary string `json:"summary"`
				}
				if err := json.Unmarshal(call.Arguments, &args); err != nil || args.Summary == "" {
					args.Summary = lastText
				}
				p.finish(inst, args.Summary, StateCompleted, "")
				return

			case "mail":
				observation, err := p.performMail(ctx, inst, call.Arguments)
				if inst.stopRequested() {
					p.finish(inst, lastText, StateCancelled, "cancelled on request")
					return
				}
				if err != nil {
					if capability.IsAuthRequired(err) {
						p.pause(inst, "mailbox authorization required")
						return
					}
					p.finish(inst, lastText, StateFailed,
						fmt.Sprintf("mail action failed: %v", err))
					return
				}
				transcript = append(transcript, capability.ChatMessage{
					Role: "assistant", Content: fmt.Sprintf("[mail call %s]", preview(string(call.Arguments), 120)),
				}, capability.ChatMessage{
					Role: "user", Content: "Observation: " + observation,
				})

			case "schedule":
				observation := p.createTrigger(ctx, inst, call.Arguments)
				transcript = append(transcript, capability.ChatMessage{
					Role: "assistant", Content: fmt.Sprintf("[schedule call %s]", preview(string(call.Arguments), 120)),
				}, capability.ChatMessage{
					Role: "user", Content: "Observation: " + observation,
				})

			default:
				transcript = append(transcript, capability.ChatMessage{
					Role: "user",
					Content: fmt.Sprintf("Observation: unknown tool %q, use mail, schedule, or report.", call.Name),
				})
			}
		}
	}

	p.finish(inst, lastText, StateFailed,
		fmt.Sprintf("round cap reached (%d) without a final report", p.cfg.MaxRounds))
}

// generateWithRetry asks for the next action, retrying transient inference
// failures with exponential backoff up to the attempt budget. A retry is a
// new capability call, so a stop request ends the loop between attempts.
func (p *Pool) generateWithRetry(ctx context.Context, inst *Instance, transcript []capability.ChatMessage, tools []capability.ToolDefinition) (*capability.Generation, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		gen, err := p.inference.Generate(ctx, transcript, runInstructions, tools)
		if err == nil {
			return gen, nil
		}
		lastErr = err
		if !capability.IsRetryable(err) {
			return nil, err
		}
		if attempt < p.cfg.MaxAttempts {
			if err := p.backoff(ctx, attempt, inst.stop); err != nil {
				return nil, lastErr
			}
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// performMail executes one mailbox call with bounded retry. Auth-required
// and permanent failures surface immediately; transient kinds are retried
// with exponential backoff.
func (p *Pool) performMail(ctx context.Context, inst *Instance, rawArgs json.RawMessage) (string, error) {
	var args struct {
		Action capability.MailAction `json:"action"`
		Params map[string]any        `json:"params"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", fmt.Errorf("parse mail arguments: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		res, err := p.mail.Perform(ctx, args.Action, args.Params)
		if err == nil {
			p.logger.Debug("mail call succeeded",
				"run_id", inst.ID, "action", args.Action, "attempt", attempt)
			return res.Output, nil
		}
		lastErr = err
		if !capability.IsRetryable(err) {
			return "", err
		}
		p.logger.Warn("mail call failed, retrying",
			"run_id", inst.ID, "action", args.Action,
			"attempt", attempt, "error", err)
		if attempt < p.cfg.MaxAttempts {
			if err := p.backoff(ctx, attempt, inst.stop); err != nil {
				return "", lastErr
			}
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

// createTrigger hands a schedule call to the registered trigger service.
// Failures come back as observations so the model can rephrase the spec or
// report the problem; they never abort the run.
func (p *Pool) createTrigger(ctx context.Context, inst *Instance, rawArgs json.RawMessage) string {
	p.mu.RLock()
	create := p.triggers
	p.mu.RUnlock()
	if create == nil {
		return "scheduling is not available in this session."
	}

	var args struct {
		When    string `json:"when"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(rawArgs, &args); err != nil || args.When == "" || args.Payload == "" {
		return `schedule needs both "when" and "payload".`
	}

	id, err := create(ctx, inst.UserID, inst.ID, args.When, args.Payload)
	if err != nil {
		p.logger.Warn("trigger creation failed",
			"run_id", inst.ID, "when", args.When, "error", err)
		return fmt.Sprintf("could not create the trigger: %v.", err)
	}
	p.logger.Info("trigger created by agent",
		"run_id", inst.ID, "trigger_id", id, "when", args.When)
	return fmt.Sprintf("trigger %s created, firing %s.", id, args.When)
}

// backoff sleeps for the attempt's delay (base doubling per attempt) or
// returns early when ctx is done or a stop was requested.
func (p *Pool) backoff(ctx context.Context, attempt int, stop <-chan struct{}) error {
	delay := time.Duration(p.cfg.RetryBaseMS) * time.Millisecond << (attempt - 1)
	select {
	case <-time.After(delay):
		return nil
	case <-stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
