package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/valet/pkg/valet/capability"
)

// Pool orchestrates execution agent lifecycle: dispatch, tracking, result
// delivery, and crash recovery. One pool serves all users.
type Pool struct {
	cfg       Config
	logger    *slog.Logger
	inference capability.Inference
	mail      capability.Mail

	// runs tracks instances by run id (active plus recently completed).
	runs map[string]*Instance

	// roster maps user_id/name to the most recent run id, so a dispatch to
	// an existing name reaches the live instance instead of spawning.
	roster map[string]string

	// db persists instances across restarts. When nil, state is in-memory
	// only.
	db *sql.DB

	// semaphore limits concurrently running agents.
	semaphore chan struct{}

	completion CompletionFunc

	// triggers creates a trigger on behalf of an agent's schedule call.
	// When nil, the schedule tool reports scheduling as unavailable.
	triggers TriggerFunc

	mu sync.RWMutex
}

// TriggerFunc creates a trigger from a natural-language fire spec and
// returns its id. agentID scopes the trigger to its creating run.
type TriggerFunc func(ctx context.Context, userID, agentID, when, payload string) (string, error)

// NewPool builds the agent pool.
func NewPool(cfg Config, inference capability.Inference, mail capability.Mail, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:       cfg,
		logger:    logger.With("component", "agent-pool"),
		inference: inference,
		mail:      mail,
		runs:      make(map[string]*Instance),
		roster:    make(map[string]string),
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// SetDB wires the SQLite database. Instances then survive restarts as
// records; interrupted runs are failed by RecoverInterrupted on startup.
func (p *Pool) SetDB(db *sql.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.db = db
}

// SetCompletion registers the callback invoked when an instance reaches a
// terminal state or pauses for capability authorization. There is exactly
// one consumer: the interaction router.
func (p *Pool) SetCompletion(fn CompletionFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completion = fn
}

// SetTriggerService registers the trigger-creation hook backing the
// schedule tool.
func (p *Pool) SetTriggerService(fn TriggerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggers = fn
}

func rosterKey(userID, name string) string {
	return userID + "/" + name
}

// Dispatch routes an instruction to the named agent. If the name maps to a
// live instance the instruction lands in its inbox and is picked up on the
// next round; otherwise a fresh instance is spawned under that name. An
// empty name always spawns, under a generated name.
func (p *Pool) Dispatch(ctx context.Context, userID, name, instruction string) (*Instance, error) {
	if name != "" {
		p.mu.RLock()
		id, ok := p.roster[rosterKey(userID, name)]
		var inst *Instance
		if ok {
			inst = p.runs[id]
		}
		p.mu.RUnlock()

		if inst != nil && !inst.State.Terminal() {
			select {
			case inst.inbox <- instruction:
				p.logger.Info("instruction routed to live agent",
					"user_id", userID, "agent", name, "run_id", inst.ID)
				return inst, nil
			default:
				return nil, fmt.Errorf("agent %q inbox is full", name)
			}
		}
	}
	return p.Spawn(ctx, userID, name, instruction)
}

// Spawn creates and starts a new instance. Returns immediately; the run
// loop executes in a background goroutine.
func (p *Pool) Spawn(ctx context.Context, userID, name, task string) (*Instance, error) {
	if userID == "" {
		return nil, fmt.Errorf("spawn: user id is required")
	}
	if task == "" {
		return nil, fmt.Errorf("spawn: task is required")
	}
	if name == "" {
		name = newName()
	}

	timeout := time.Duration(p.cfg.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	now := time.Now().UTC()
	inst := &Instance{
		ID:           uuid.New().String(),
		UserID:       userID,
		Name:         name,
		Task:         task,
		State:        StateSpawned,
		CreatedAt:    now,
		LastActiveAt: now,
		inbox:        make(chan string, 16),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
		cancel:       cancel,
	}

	p.mu.Lock()
	active := 0
	for _, r := range p.runs {
		if !r.State.Terminal() {
			active++
		}
	}
	if active >= p.cfg.MaxConcurrent {
		p.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("agent pool is full (%d/%d)", active, p.cfg.MaxConcurrent)
	}
	p.runs[inst.ID] = inst
	p.roster[rosterKey(userID, name)] = inst.ID
	p.mu.Unlock()

	p.persist(inst)

	p.logger.Info("spawning agent",
		"run_id", inst.ID,
		"user_id", userID,
		"agent", name,
		"task_preview", preview(task, 80),
		"timeout", timeout,
	)

	go func() {
		defer close(inst.done)
		defer cancel()

		select {
		case p.semaphore <- struct{}{}:
			defer func() { <-p.semaphore }()
		case <-inst.stop:
			p.finish(inst, "", StateCancelled, "cancelled on request")
			return
		case <-runCtx.Done():
			p.finish(inst, "", StateFailed, "timed out waiting for a pool slot")
			return
		}

		p.run(runCtx, inst)
	}()

	return inst, nil
}

// Get returns an instance by run id, falling back to the database for runs
// evicted from memory.
func (p *Pool) Get(id string) (*Instance, bool) {
	p.mu.RLock()
	inst, ok := p.runs[id]
	p.mu.RUnlock()
	if ok {
		return inst, true
	}
	if dbInst := p.load(id); dbInst != nil {
		return dbInst, true
	}
	return nil, false
}

// List returns the user's instances, live ones first, merged with recent
// persisted runs.
func (p *Pool) List(userID string) []*Instance {
	p.mu.RLock()
	seen := make(map[string]bool)
	var out []*Instance
	for _, inst := range p.runs {
		if inst.UserID == userID {
			out = append(out, inst)
			seen[inst.ID] = true
		}
	}
	p.mu.RUnlock()

	for _, inst := range p.loadRecent(userID, 7) {
		if !seen[inst.ID] {
			out = append(out, inst)
		}
	}
	return out
}

// Cancel requests that a live instance stop. Cancellation is cooperative:
// an in-flight capability call is left to finish, and the run loop
// transitions to cancelled before starting the next one. A parked instance
// has no loop to observe the request and is closed out here directly.
func (p *Pool) Cancel(id string) error {
	p.mu.RLock()
	inst, ok := p.runs[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent run %q not found", id)
	}

	// The stop flag goes up before the state read, so a concurrent pause
	// either sees the flag or publishes a state this read observes.
	inst.requestStop()

	p.mu.RLock()
	state := inst.State
	result := inst.Result
	p.mu.RUnlock()
	if state.Terminal() {
		return fmt.Errorf("agent run %q already %s", id, state)
	}
	if state == StateAwaitingCapability {
		p.finish(inst, result, StateCancelled, "cancelled on request")
	}
	return nil
}

// Wait blocks until the instance reaches a terminal state or ctx expires.
func (p *Pool) Wait(ctx context.Context, id string) (*Instance, error) {
	p.mu.RLock()
	inst, ok := p.runs[id]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent run %q not found", id)
	}
	select {
	case <-inst.done:
		return inst, nil
	case <-ctx.Done():
		return inst, ctx.Err()
	}
}

// ActiveCount returns the number of non-terminal instances.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, inst := range p.runs {
		if !inst.State.Terminal() {
			n++
		}
	}
	return n
}

// setState transitions an instance and persists the change.
func (p *Pool) setState(inst *Instance, s State) {
	p.mu.Lock()
	inst.State = s
	inst.LastActiveAt = time.Now().UTC()
	p.mu.Unlock()
	p.persist(inst)
}

// finish moves an instance to a terminal state (or the awaiting pause) and
// notifies the completion consumer.
func (p *Pool) finish(inst *Instance, result string, s State, reason string) {
	p.mu.Lock()
	if inst.State.Terminal() {
		p.mu.Unlock()
		return
	}
	inst.State = s
	inst.Reason = reason
	if result != "" {
		inst.Result = result
	}
	inst.LastActiveAt = time.Now().UTC()
	cb := p.completion
	p.mu.Unlock()

	p.persist(inst)

	switch s {
	case StateCompleted:
		p.logger.Info("agent completed",
			"run_id", inst.ID, "agent", inst.Name, "rounds", inst.Rounds,
			"result_len", len(inst.Result))
	case StateCancelled:
		p.logger.Info("agent cancelled", "run_id", inst.ID, "agent", inst.Name)
	default:
		p.logger.Error("agent failed",
			"run_id", inst.ID, "agent", inst.Name, "rounds", inst.Rounds,
			"reason", reason)
	}

	if cb != nil {
		go cb(inst)
	}
}

// pause parks an instance awaiting capability authorization and notifies
// the router so the user sees a single actionable prompt. A stop request
// that raced the park wins: the instance is closed out as cancelled.
func (p *Pool) pause(inst *Instance, reason string) {
	p.mu.Lock()
	if inst.stopRequested() {
		result := inst.Result
		p.mu.Unlock()
		p.finish(inst, result, StateCancelled, "cancelled on request")
		return
	}
	inst.State = StateAwaitingCapability
	inst.Reason = reason
	inst.LastActiveAt = time.Now().UTC()
	cb := p.completion
	p.mu.Unlock()

	p.persist(inst)
	p.logger.Warn("agent paused awaiting capability",
		"run_id", inst.ID, "agent", inst.Name, "reason", reason)

	if cb != nil {
		go cb(inst)
	}
}

// ── Persistence ──

func (p *Pool) persist(inst *Instance) {
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return
	}

	_, err := db.Exec(`
		INSERT OR REPLACE INTO agents
			(id, user_id, name, task, state, result, reason, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.UserID, inst.Name, inst.Task, string(inst.State),
		inst.Result, inst.Reason,
		inst.CreatedAt.Format(time.RFC3339), inst.LastActiveAt.Format(time.RFC3339),
	)
	if err != nil {
		p.logger.Warn("failed to persist agent run", "run_id", inst.ID, "error", err)
	}
}

func (p *Pool) load(id string) *Instance {
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return nil
	}

	inst, err := scanInstance(db.QueryRow(`
		SELECT id, user_id, name, task, state, result, reason, created_at, last_active_at
		FROM agents WHERE id = ?`, id))
	if err != nil {
		return nil
	}
	return inst
}

func (p *Pool) loadRecent(userID string, days int) []*Instance {
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	rows, err := db.Query(`
		SELECT id, user_id, name, task, state, result, reason, created_at, last_active_at
		FROM agents
		WHERE user_id = ? AND created_at > ?
		ORDER BY created_at DESC
		LIMIT 50`, userID, cutoff)
	if err != nil {
		p.logger.Warn("failed to load recent agent runs", "error", err)
		return nil
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			continue
		}
		out = append(out, inst)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var state, createdAt, lastActiveAt string
	var result, reason sql.NullString

	err := row.Scan(&inst.ID, &inst.UserID, &inst.Name, &inst.Task, &state,
		&result, &reason, &createdAt, &lastActiveAt)
	if err != nil {
		return nil, err
	}
	inst.State = State(state)
	inst.Result = result.String
	inst.Reason = reason.String
	inst.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	inst.LastActiveAt, _ = time.Parse(time.RFC3339, lastActiveAt)
	return &inst, nil
}

// RecoverInterrupted fails any persisted run that was still live when the
// previous process died. In-flight work cannot be resumed, so the record is
// closed honestly and the user can re-dispatch.
func (p *Pool) RecoverInterrupted() int {
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return 0
	}

	res, err := db.Exec(`
		UPDATE agents
		SET state = ?, reason = 'interrupted by restart', last_active_at = ?
		WHERE state IN (?, ?, ?)`,
		string(StateFailed), time.Now().UTC().Format(time.RFC3339),
		string(StateSpawned), string(StateRunning), string(StateAwaitingCapability),
	)
	if err != nil {
		p.logger.Warn("failed to recover interrupted agent runs", "error", err)
		return 0
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		p.logger.Info("failed interrupted agent runs from previous process", "count", affected)
	}
	return int(affected)
}

// PruneOld deletes terminal runs older than the given number of days.
func (p *Pool) PruneOld(days int) int {
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return 0
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	res, err := db.Exec(`
		DELETE FROM agents
		WHERE created_at < ? AND state IN (?, ?, ?)`,
		cutoff, string(StateCompleted), string(StateFailed), string(StateCancelled))
	if err != nil {
		p.logger.Warn("failed to prune old agent runs", "error", err)
		return 0
	}
	affected, _ := res.RowsAffected()
	return int(affected)
}

// preview shortens a string for log output.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
