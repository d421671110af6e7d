package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jholhewres/valet/pkg/valet/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewLog(s.DB, nil)
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		msg, err := log.Append(ctx, Message{UserID: "u1", Role: RoleUser, Body: fmt.Sprintf("msg %d", i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.ID != int64(i) {
			t.Errorf("append %d assigned id %d", i, msg.ID)
		}
	}

	// A second user starts from 1 independently.
	msg, err := log.Append(ctx, Message{UserID: "u2", Role: RoleUser, Body: "other"})
	if err != nil {
		t.Fatalf("append u2: %v", err)
	}
	if msg.ID != 1 {
		t.Errorf("u2 first id = %d, want 1", msg.ID)
	}
}

func TestAppendConcurrentWritersNoReuse(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	ids := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg, err := log.Append(ctx, Message{
					UserID: "u1",
					Role:   RoleAgent,
					Body:   fmt.Sprintf("writer %d message %d", w, i),
				})
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				ids <- msg.ID
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	var max int64
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d assigned twice", id)
		}
		seen[id] = true
		if id > max {
			max = id
		}
	}
	if len(seen) != writers*perWriter {
		t.Errorf("got %d unique ids, want %d", len(seen), writers*perWriter)
	}
	if max != int64(writers*perWriter) {
		t.Errorf("max id = %d, want %d (no gaps)", max, writers*perWriter)
	}
}

func TestHistoryTailOrder(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if _, err := log.Append(ctx, Message{UserID: "u1", Role: RoleUser, Body: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := log.History(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int64{8, 9, 10} {
		if got[i].ID != want {
			t.Errorf("tail[%d].ID = %d, want %d", i, got[i].ID, want)
		}
	}
}

func TestPendingSinceSkipsUserMessages(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	ctx := context.Background()

	if _, err := log.Append(ctx, Message{UserID: "u1", Role: RoleUser, Body: "question"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	reply, err := log.Append(ctx, Message{UserID: "u1", Role: RoleAssistant, Body: "answer"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	pending, err := log.PendingSince(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("PendingSince: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != reply.ID {
		t.Fatalf("pending = %+v, want only assistant reply id %d", pending, reply.ID)
	}

	// Nothing new past the reply id.
	pending, err = log.PendingSince(ctx, "u1", reply.ID)
	if err != nil {
		t.Fatalf("PendingSince: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending past cursor = %d messages, want 0", len(pending))
	}
}

func TestFindByClientID(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	ctx := context.Background()

	orig, err := log.Append(ctx, Message{
		UserID: "u1", Role: RoleUser, Body: "hi", ClientMsgID: "bridge-42",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	found, err := log.FindByClientID(ctx, "u1", "bridge-42")
	if err != nil {
		t.Fatalf("FindByClientID: %v", err)
	}
	if found.ID != orig.ID {
		t.Errorf("found id %d, want %d", found.ID, orig.ID)
	}

	if _, err := log.FindByClientID(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing client id error = %v, want ErrNotFound", err)
	}

	// A duplicate client id must be rejected by the store.
	if _, err := log.Append(ctx, Message{
		UserID: "u1", Role: RoleUser, Body: "again", ClientMsgID: "bridge-42",
	}); err == nil {
		t.Error("duplicate client id accepted, want unique constraint error")
	}
}

func TestMarkDelivered(t *testing.T) {
	t.Parallel()

	log := newTestLog(t)
	ctx := context.Background()

	var last Message
	for i := 0; i < 3; i++ {
		var err error
		last, err = log.Append(ctx, Message{UserID: "u1", Role: RoleAssistant, Body: "r"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := log.MarkDelivered(ctx, "u1", last.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	history, err := log.History(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, m := range history {
		if m.Status != StatusDelivered {
			t.Errorf("message %d status = %s, want delivered", m.ID, m.Status)
		}
	}
}
