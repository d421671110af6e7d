package trigger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/valet/pkg/valet/capability"
	"github.com/jholhewres/valet/pkg/valet/store"
)

// recordingSink captures synthetic deliveries and can be told to fail.
type recordingSink struct {
	mu       sync.Mutex
	payloads []string
	failWith error
}

func (s *recordingSink) HandleSynthetic(ctx context.Context, userID, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil && !strings.Contains(payload, "give up") {
		return s.failWith
	}
	s.payloads = append(s.payloads, userID+"|"+payload)
	return nil
}

func (s *recordingSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...)
}

// countMail reports a fixed search hit count.
type countMail struct {
	mu    sync.Mutex
	count float64
}

func (m *countMail) Perform(ctx context.Context, action capability.MailAction, params map[string]any) (*capability.MailResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := ""
	if m.count > 0 {
		out = "new mail matched"
	}
	return &capability.MailResult{
		Action: action,
		Output: out,
		Data:   map[string]any{"count": m.count},
	}, nil
}

func newTestScheduler(t *testing.T, sink Sink, mail capability.Mail) (*Scheduler, *Storage) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	storage := NewStorage(st.DB, nil)
	sched := New(Config{SweepSeconds: 1, MaxFailures: 2}, storage, sink, mail, nil)
	return sched, storage
}

func past(d time.Duration) *time.Time {
	t := time.Now().UTC().Add(-d)
	return &t
}

func TestOneShotFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	sched, storage := newTestScheduler(t, sink, nil)
	ctx := context.Background()

	tr := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "stand-up now"}
	if err := storage.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sched.Sweep(ctx)
	sched.Sweep(ctx)

	if got := sink.delivered(); len(got) != 1 || got[0] != "u1|stand-up now" {
		t.Fatalf("delivered = %v, want exactly one firing", got)
	}
	after, _ := storage.Get(ctx, tr.ID)
	if after.Status != StatusFired {
		t.Errorf("status = %s, want fired", after.Status)
	}
	if after.FiredAt == nil {
		t.Error("fired_at not set")
	}
}

func TestRecurringReArmsBeforeDelivery(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{failWith: errors.New("bridge down")}
	sched, storage := newTestScheduler(t, sink, nil)
	ctx := context.Background()

	tr := &Trigger{
		UserID: "u1", Kind: KindRecurring, Schedule: "@every 1h",
		NextCheckAt: past(time.Minute), Payload: "hourly check",
	}
	if err := storage.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	before := time.Now()
	sched.Sweep(ctx)

	// Delivery failed, but the next occurrence was persisted first.
	after, _ := storage.Get(ctx, tr.ID)
	if after.Status != StatusActive {
		t.Errorf("status = %s, want active", after.Status)
	}
	if after.NextCheckAt == nil || !after.NextCheckAt.After(before) {
		t.Errorf("next_check_at = %v, want re-armed into the future", after.NextCheckAt)
	}
	if after.Failures != 1 {
		t.Errorf("failures = %d, want 1", after.Failures)
	}
}

func TestRecurringFiresAndStaysActive(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	sched, storage := newTestScheduler(t, sink, nil)
	ctx := context.Background()

	tr := &Trigger{
		UserID: "u1", Kind: KindRecurring, Schedule: "@every 1h",
		NextCheckAt: past(time.Minute), Payload: "hourly check",
	}
	if err := storage.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sched.Sweep(ctx)

	if got := sink.delivered(); len(got) != 1 {
		t.Fatalf("delivered = %v", got)
	}
	after, _ := storage.Get(ctx, tr.ID)
	if after.Status != StatusActive {
		t.Errorf("status = %s, want active", after.Status)
	}

	// Re-armed an hour out, so an immediate second sweep is a no-op.
	sched.Sweep(ctx)
	if got := sink.delivered(); len(got) != 1 {
		t.Errorf("second sweep re-fired: %v", got)
	}
}

func TestFailureCapEscalatesWithNotice(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{failWith: errors.New("bridge down")}
	sched, storage := newTestScheduler(t, sink, nil)
	ctx := context.Background()

	tr := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "doomed reminder"}
	if err := storage.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// MaxFailures is 2 in the test config.
	sched.Sweep(ctx)
	sched.Sweep(ctx)

	after, _ := storage.Get(ctx, tr.ID)
	if after.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", after.Status)
	}

	got := sink.delivered()
	if len(got) != 1 || !strings.Contains(got[0], "give up") {
		t.Errorf("delivered = %v, want exactly one failure notice", got)
	}

	// Failed triggers leave the sweep set.
	sched.Sweep(ctx)
	if len(sink.delivered()) != 1 {
		t.Error("failed trigger fired again")
	}
}

func TestPerUserFireOrder(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	sched, storage := newTestScheduler(t, sink, nil)
	ctx := context.Background()

	later := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "second"}
	earlier := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Hour), Payload: "first"}
	for _, tr := range []*Trigger{later, earlier} {
		if err := storage.Create(ctx, tr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	sched.Sweep(ctx)

	got := sink.delivered()
	if len(got) != 2 {
		t.Fatalf("delivered = %v", got)
	}
	if got[0] != "u1|first" || got[1] != "u1|second" {
		t.Errorf("fire order = %v, want fire-time order", got)
	}
}

func TestConditionPollFiresOnlyOnHit(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	mail := &countMail{count: 0}
	sched, storage := newTestScheduler(t, sink, mail)
	ctx := context.Background()

	tr := &Trigger{
		UserID: "u1", Kind: KindConditionPoll, Schedule: "1s",
		NextCheckAt: past(time.Minute), Payload: "from:boss is:important",
	}
	if err := storage.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sched.Sweep(ctx)
	if got := sink.delivered(); len(got) != 0 {
		t.Fatalf("fired without a hit: %v", got)
	}

	// Next check was advanced by the miss; pull it due again.
	mail.mu.Lock()
	mail.count = 3
	mail.mu.Unlock()
	if err := storage.Advance(ctx, tr.ID, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	sched.Sweep(ctx)
	got := sink.delivered()
	if len(got) != 1 || !strings.Contains(got[0], "new mail matched") {
		t.Errorf("delivered = %v, want one firing with the check detail", got)
	}

	after, _ := storage.Get(ctx, tr.ID)
	if after.Status != StatusActive {
		t.Errorf("status = %s, want active (polls keep running)", after.Status)
	}
}

func TestCancelledTriggerNeverFires(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	sched, storage := newTestScheduler(t, sink, nil)
	ctx := context.Background()

	tr := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "cancelled"}
	if err := storage.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := storage.Cancel(ctx, tr.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	sched.Sweep(ctx)
	if got := sink.delivered(); len(got) != 0 {
		t.Errorf("cancelled trigger fired: %v", got)
	}
}
