package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jholhewres/valet/pkg/valet/store"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewStorage(st.DB, nil)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{"one-shot ok", Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "p"}, false},
		{"recurring ok", Trigger{UserID: "u1", Kind: KindRecurring, Schedule: "@every 5m", Payload: "p"}, false},
		{"poll ok", Trigger{UserID: "u1", Kind: KindConditionPoll, Schedule: "10m", Payload: "p"}, false},
		{"missing user", Trigger{Kind: KindOneShot, FireAt: past(time.Minute), Payload: "p"}, true},
		{"missing payload", Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute)}, true},
		{"one-shot without time", Trigger{UserID: "u1", Kind: KindOneShot, Payload: "p"}, true},
		{"recurring bad schedule", Trigger{UserID: "u1", Kind: KindRecurring, Schedule: "nope", Payload: "p"}, true},
		{"unknown kind", Trigger{UserID: "u1", Kind: "sometimes", Payload: "p"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tt.trigger
			err := s.Create(ctx, &tr)
			if (err != nil) != tt.wantErr {
				t.Errorf("Create err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tr.ID == "" {
				t.Error("Create did not assign an id")
			}
		})
	}
}

func TestCreateDerivesFirstCheck(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	tr := &Trigger{UserID: "u1", Kind: KindRecurring, Schedule: "@every 1h", Payload: "p"}
	if err := s.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NextCheckAt == nil || !got.NextCheckAt.After(time.Now().Add(50*time.Minute)) {
		t.Errorf("next_check_at = %v, want about an hour out", got.NextCheckAt)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %s", got.Status)
	}
}

func TestDueSelection(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dueShot := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "due"}
	futureShot := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: ptrTime(now.Add(time.Hour)), Payload: "future"}
	dueRec := &Trigger{UserID: "u2", Kind: KindRecurring, Schedule: "@every 1h", NextCheckAt: past(time.Second), Payload: "due rec"}
	for _, tr := range []*Trigger{dueShot, futureShot, dueRec} {
		if err := s.Create(ctx, tr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	due, err := s.Due(ctx, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d triggers, want 2", len(due))
	}
	for _, tr := range due {
		if tr.ID == futureShot.ID {
			t.Error("future trigger selected as due")
		}
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelByAgent(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	owned := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "p", AgentID: "agent-1"}
	other := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "p"}
	for _, tr := range []*Trigger{owned, other} {
		if err := s.Create(ctx, tr); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := s.CancelByAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CancelByAgent: %v", err)
	}
	if n != 1 {
		t.Errorf("cancelled %d, want 1", n)
	}

	got, _ := s.Get(ctx, owned.ID)
	if got.Status != StatusCancelled {
		t.Errorf("owned status = %s, want cancelled", got.Status)
	}
	kept, _ := s.Get(ctx, other.ID)
	if kept.Status != StatusActive {
		t.Errorf("unowned status = %s, want active", kept.Status)
	}
}

func TestFailureBookkeeping(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	ctx := context.Background()

	tr := &Trigger{UserID: "u1", Kind: KindOneShot, FireAt: past(time.Minute), Payload: "p"}
	if err := s.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for want := 1; want <= 3; want++ {
		n, err := s.RecordFailure(ctx, tr.ID)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if n != want {
			t.Errorf("failures = %d, want %d", n, want)
		}
	}

	if err := s.ResetFailures(ctx, tr.ID); err != nil {
		t.Fatalf("ResetFailures: %v", err)
	}
	got, _ := s.Get(ctx, tr.ID)
	if got.Failures != 0 {
		t.Errorf("failures after reset = %d", got.Failures)
	}
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
