package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/valet/pkg/valet/capability"
)

// Sink receives synthetic input when a trigger fires. The interaction
// router is the production implementation.
type Sink interface {
	HandleSynthetic(ctx context.Context, userID, payload string) error
}

// Config tunes the scheduler.
type Config struct {
	// SweepSeconds is the sweep interval floor (default: 5). A trigger
	// cannot fire more precisely than this.
	SweepSeconds int `yaml:"sweep_seconds"`

	// MaxFailures is the consecutive-failure bound before a trigger is
	// marked failed and the user is notified once (default: 5).
	MaxFailures int `yaml:"max_failures"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{SweepSeconds: 5, MaxFailures: 5}
}

// Scheduler runs the recurring sweep over active triggers.
type Scheduler struct {
	cfg     Config
	storage *Storage
	sink    Sink
	mail    capability.Mail
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a scheduler. mail may be nil when no mailbox capability is
// configured; condition polls then never fire.
func New(cfg Config, storage *Storage, sink Sink, mail capability.Mail, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepSeconds <= 0 {
		cfg.SweepSeconds = DefaultConfig().SweepSeconds
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	return &Scheduler{
		cfg:     cfg,
		storage: storage,
		sink:    sink,
		mail:    mail,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.SweepSeconds) * time.Second
	s.logger.Info("scheduler started", "sweep_interval", interval)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.logger.Info("scheduler stopped")
}

// Sweep processes every due trigger once. Triggers of one user fire
// sequentially in fire-time order; users are processed concurrently.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	due, err := s.storage.Due(ctx, now)
	if err != nil {
		s.logger.Error("sweep query failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	byUser := make(map[string][]*Trigger)
	for _, t := range due {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}

	var wg sync.WaitGroup
	for userID, batch := range byUser {
		sort.Slice(batch, func(i, j int) bool {
			return batch[i].dueTime().Before(batch[j].dueTime())
		})
		wg.Add(1)
		go func(userID string, batch []*Trigger) {
			defer wg.Done()
			for _, t := range batch {
				s.fire(ctx, t, now)
			}
		}(userID, batch)
	}
	wg.Wait()
}

// fire executes the firing protocol for one due trigger. Recurring kinds
// re-arm before any downstream call, so a crash mid-fire can duplicate a
// delivery but never lose the next occurrence.
func (s *Scheduler) fire(ctx context.Context, t *Trigger, now time.Time) {
	if t.Kind != KindOneShot {
		next, err := NextOccurrence(t.Schedule, now)
		if err != nil {
			s.logger.Error("unparseable schedule, failing trigger",
				"id", t.ID, "schedule", t.Schedule, "error", err)
			s.fail(ctx, t, "its schedule could not be parsed")
			return
		}
		if err := s.storage.Advance(ctx, t.ID, next); err != nil {
			// No delivery without a persisted re-arm.
			s.logger.Error("re-arm failed, skipping delivery", "id", t.ID, "error", err)
			return
		}
	}

	payload := t.Payload
	if t.Kind == KindConditionPoll {
		hit, detail, err := s.checkCondition(ctx, t)
		if err != nil {
			s.recordFailure(ctx, t, err)
			return
		}
		if !hit {
			s.logger.Debug("condition not met", "id", t.ID, "user", t.UserID)
			return
		}
		if detail != "" {
			payload = fmt.Sprintf("%s: %s", t.Payload, detail)
		}
	}

	if err := s.sink.HandleSynthetic(ctx, t.UserID, payload); err != nil {
		s.recordFailure(ctx, t, err)
		return
	}

	s.logger.Info("trigger fired", "id", t.ID, "user", t.UserID, "kind", t.Kind)
	if t.Failures > 0 {
		if err := s.storage.ResetFailures(ctx, t.ID); err != nil {
			s.logger.Warn("failure reset failed", "id", t.ID, "error", err)
		}
	}
	if t.Kind == KindOneShot {
		if err := s.storage.MarkFired(ctx, t.ID, now); err != nil {
			s.logger.Error("mark fired failed", "id", t.ID, "error", err)
		}
	}
}

// checkCondition runs the mailbox search behind a condition-poll trigger.
// The trigger payload is the search query; any hit fires the trigger.
func (s *Scheduler) checkCondition(ctx context.Context, t *Trigger) (bool, string, error) {
	if s.mail == nil {
		return false, "", fmt.Errorf("no mail capability configured")
	}
	res, err := s.mail.Perform(ctx, capability.MailSearch, map[string]any{
		"query": t.Payload,
		"since": t.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return false, "", fmt.Errorf("condition check: %w", err)
	}
	if count, ok := res.Data["count"].(float64); ok {
		return count > 0, res.Output, nil
	}
	return res.Output != "", res.Output, nil
}

// recordFailure counts a delivery or check failure and escalates past the
// bound: the trigger is failed and the user told once, never silently.
func (s *Scheduler) recordFailure(ctx context.Context, t *Trigger, cause error) {
	s.logger.Warn("trigger delivery failed",
		"id", t.ID, "user", t.UserID, "error", cause)

	count, err := s.storage.RecordFailure(ctx, t.ID)
	if err != nil {
		s.logger.Error("failure bookkeeping failed", "id", t.ID, "error", err)
		return
	}
	if count >= s.cfg.MaxFailures {
		s.fail(ctx, t, fmt.Sprintf("it failed %d times in a row", count))
	}
}

// fail finalizes a trigger and routes the one-time notice.
func (s *Scheduler) fail(ctx context.Context, t *Trigger, why string) {
	if err := s.storage.MarkFailed(ctx, t.ID); err != nil {
		s.logger.Error("mark failed failed", "id", t.ID, "error", err)
		return
	}
	notice := fmt.Sprintf("I had to give up on your reminder %q because %s.", t.Payload, why)
	if err := s.sink.HandleSynthetic(ctx, t.UserID, notice); err != nil {
		s.logger.Error("failure notice undeliverable", "id", t.ID, "error", err)
	}
}
