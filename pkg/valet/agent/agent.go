// Package agent implements the execution agent pool. Agents are named,
// short-lived workers spawned by the interaction router to carry out a single
// task (search the mailbox, draft a reply, assemble a reminder payload). Each
// agent runs a bounded tool loop against the inference backend in its own
// goroutine and reports its outcome through the pool's completion callback.
//
// Agents never talk to the user directly. The router is the only component
// that turns agent results into conversation messages.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an agent instance.
type State string

const (
	// StateSpawned means the instance is registered but its goroutine has
	// not completed its first round yet.
	StateSpawned State = "spawned"

	// StateRunning means the tool loop is executing.
	StateRunning State = "running"

	// StateAwaitingCapability means the agent is paused on an external
	// capability, typically a mailbox action that needs reauthorization.
	StateAwaitingCapability State = "awaiting_capability"

	// StateCompleted means the agent produced a final report.
	StateCompleted State = "completed"

	// StateFailed means the agent gave up: permanent capability failure,
	// retry budget exhausted, round cap hit, or process restart.
	StateFailed State = "failed"

	// StateCancelled means the agent was stopped on request.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final. Terminal instances keep their
// name reserved in the roster but a dispatch to that name spawns fresh.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Instance is one execution agent run.
type Instance struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// UserID is the conversation owner this agent works for.
	UserID string `json:"user_id"`

	// Name identifies the agent within the user's roster. Dispatching to an
	// existing active name routes the instruction to that instance instead
	// of spawning a new one.
	Name string `json:"name"`

	// Task is the initial instruction from the router.
	Task string `json:"task"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Result is the final report text (set on completion, may hold a
	// partial result on failure).
	Result string `json:"result,omitempty"`

	// Reason explains a failed, cancelled, or paused state.
	Reason string `json:"reason,omitempty"`

	// Rounds counts inference round-trips consumed so far.
	Rounds int `json:"rounds,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	// inbox carries follow-up instructions into a live run loop.
	inbox chan string

	// done is closed when the run reaches a terminal state.
	done chan struct{}

	// stop is closed when cancellation is requested. The run loop observes
	// it between capability calls; an in-flight call is left to finish.
	stop     chan struct{}
	stopOnce sync.Once

	cancel func()
}

// requestStop marks the instance for cooperative cancellation.
func (i *Instance) requestStop() {
	i.stopOnce.Do(func() { close(i.stop) })
}

// stopRequested reports whether cancellation has been requested.
func (i *Instance) stopRequested() bool {
	select {
	case <-i.stop:
		return true
	default:
		return false
	}
}

// Config tunes the pool.
type Config struct {
	// MaxConcurrent caps simultaneously running agents (default: 8).
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxRounds caps inference round-trips per run (default: 8). Hitting
	// the cap fails the run with whatever partial result exists.
	MaxRounds int `yaml:"max_rounds"`

	// TimeoutSeconds bounds a whole run (default: 300).
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxAttempts is the retry budget per capability call for transient
	// failures (default: 3).
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBaseMS is the first backoff delay in milliseconds; each retry
	// doubles it (default: 500).
	RetryBaseMS int `yaml:"retry_base_ms"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  8,
		MaxRounds:      8,
		TimeoutSeconds: 300,
		MaxAttempts:    3,
		RetryBaseMS:    500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = d.MaxRounds
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = d.TimeoutSeconds
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBaseMS <= 0 {
		c.RetryBaseMS = d.RetryBaseMS
	}
	return c
}

// CompletionFunc receives an instance whenever it reaches a terminal state
// or pauses awaiting capability authorization. The router registers this to
// translate outcomes into conversation messages.
type CompletionFunc func(inst *Instance)

// newName generates a roster name when the dispatcher did not pick one.
func newName() string {
	return fmt.Sprintf("agent-%s", uuid.New().String()[:8])
}
