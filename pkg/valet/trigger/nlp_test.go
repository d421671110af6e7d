package trigger

import (
	"testing"
	"time"
)

func TestParseNaturalLanguage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		ok       bool
		kind     Kind
		in       time.Duration
		schedule string
	}{
		{"in 10 minutes", true, KindOneShot, 10 * time.Minute, ""},
		{"in 1 hour", true, KindOneShot, time.Hour, ""},
		{"in 2 days", true, KindOneShot, 48 * time.Hour, ""},
		{"every 5 minutes", true, KindRecurring, 0, "@every 5m0s"},
		{"every 2 hours", true, KindRecurring, 0, "@every 2h0m0s"},
		{"every minute", true, KindRecurring, 0, "@every 1m0s"},
		{"hourly", true, KindRecurring, 0, "@every 1h"},
		{"daily", true, KindRecurring, 0, "0 0 * * *"},
		{"daily at 9am", true, KindRecurring, 0, "0 9 * * *"},
		{"daily at 14:30", true, KindRecurring, 0, "30 14 * * *"},
		{"weekly on monday", true, KindRecurring, 0, "0 0 * * 1"},
		{"weekly on friday at 5:30pm", true, KindRecurring, 0, "30 17 * * 5"},
		{"10m", true, KindRecurring, 0, "10m"},
		{"@every 30s", true, KindRecurring, 0, "@every 30s"},
		{"0 9 * * 1-5", true, KindRecurring, 0, "0 9 * * 1-5"},
		{"", false, "", 0, ""},
		{"whenever", false, "", 0, ""},
		{"in 0 minutes", false, "", 0, ""},
		{"daily at 25:00", false, "", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			spec, ok := ParseNaturalLanguage(tt.input)
			if ok != tt.ok {
				t.Fatalf("ParseNaturalLanguage(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if !ok {
				return
			}
			if spec.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", spec.Kind, tt.kind)
			}
			if spec.In != tt.in {
				t.Errorf("in = %s, want %s", spec.In, tt.in)
			}
			if spec.Schedule != tt.schedule {
				t.Errorf("schedule = %q, want %q", spec.Schedule, tt.schedule)
			}
		})
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC) // a Monday

	tests := []struct {
		schedule string
		want     time.Time
		wantErr  bool
	}{
		{"10m", now.Add(10 * time.Minute), false},
		{"@every 1h", now.Add(time.Hour), false},
		{"0 9 * * *", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), false},
		{"0 9 * * 2", time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), false},
		{"", time.Time{}, true},
		{"-5m", time.Time{}, true},
		{"not a schedule", time.Time{}, true},
	}

	for _, tt := range tests {
		got, err := NextOccurrence(tt.schedule, now)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NextOccurrence(%q) expected error", tt.schedule)
			}
			continue
		}
		if err != nil {
			t.Errorf("NextOccurrence(%q): %v", tt.schedule, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("NextOccurrence(%q) = %s, want %s", tt.schedule, got, tt.want)
		}
	}
}

func TestFromSpec(t *testing.T) {
	t.Parallel()

	t.Run("one-shot phrase", func(t *testing.T) {
		before := time.Now().UTC()
		tr, err := FromSpec("u1", "run-1", "in 10 minutes", "call mom")
		if err != nil {
			t.Fatalf("FromSpec: %v", err)
		}
		if tr.Kind != KindOneShot || tr.FireAt == nil {
			t.Fatalf("kind = %s, fire_at = %v", tr.Kind, tr.FireAt)
		}
		want := before.Add(10 * time.Minute)
		if tr.FireAt.Before(want) || tr.FireAt.After(want.Add(time.Second)) {
			t.Errorf("fire_at = %v, want ~%v", tr.FireAt, want)
		}
		if tr.AgentID != "run-1" || tr.Payload != "call mom" {
			t.Errorf("trigger = %+v", tr)
		}
	})

	t.Run("recurring phrase", func(t *testing.T) {
		tr, err := FromSpec("u1", "", "daily at 9am", "standup")
		if err != nil {
			t.Fatalf("FromSpec: %v", err)
		}
		if tr.Kind != KindRecurring || tr.Schedule == "" {
			t.Errorf("kind = %s, schedule = %q", tr.Kind, tr.Schedule)
		}
	})

	t.Run("unparseable phrase", func(t *testing.T) {
		if _, err := FromSpec("u1", "", "whenever you feel like it", "x"); err == nil {
			t.Fatal("expected error")
		}
	})
}
