package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"herald/app/core/db"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	database, err := db.NewSQLiteDB(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database)
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "laundry", "{}", "chat-1", 5); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestClaimOrderPriorityThenAge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	idLow, err := q.Enqueue(ctx, KindCode, `{"n":1}`, "chat-1", 2)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock = base.Add(1 * time.Second)
	idHighOld, err := q.Enqueue(ctx, KindCode, `{"n":2}`, "chat-1", 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock = base.Add(2 * time.Second)
	idHighNew, err := q.Enqueue(ctx, KindCode, `{"n":3}`, "chat-1", 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	want := []string{idHighOld, idHighNew, idLow}
	for i, expected := range want {
		task, err := q.ClaimNext(ctx, 10*time.Minute)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if task == nil {
			t.Fatalf("claim %d: got nil task", i)
		}
		if task.ID != expected {
			t.Fatalf("claim %d: got task %s, want %s", i, task.ID, expected)
		}
		if task.Status != StatusClaimed {
			t.Fatalf("claim %d: status = %s, want claimed", i, task.Status)
		}
	}

	task, err := q.ClaimNext(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if task != nil {
		t.Fatalf("expected empty queue, claimed %s", task.ID)
	}
}

func TestConcurrentClaimNeverDoubleClaims(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const tasks = 10
	for i := 0; i < tasks; i++ {
		if _, err := q.Enqueue(ctx, KindCode, "{}", "chat-1", 5); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := q.ClaimNext(ctx, 10*time.Minute)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != tasks {
		t.Fatalf("claimed %d distinct tasks, want %d", len(seen), tasks)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	id, err := q.Enqueue(ctx, KindCode, "{}", "chat-1", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.ClaimNext(ctx, 10*time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first claim: task=%v err=%v", first, err)
	}

	// Lease still live: nothing to claim.
	clock = base.Add(5 * time.Minute)
	blocked, err := q.ClaimNext(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim during lease: %v", err)
	}
	if blocked != nil {
		t.Fatalf("claimed %s while lease was live", blocked.ID)
	}

	// Lease lapsed: task is delivered again.
	clock = base.Add(11 * time.Minute)
	second, err := q.ClaimNext(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	if second == nil || second.ID != id {
		t.Fatalf("expected to reclaim %s, got %v", id, second)
	}
}

func TestCompleteAndFailRequireClaim(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindCode, "{}", "chat-1", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Complete(ctx, id, ""); err == nil {
		t.Fatal("completing a pending task should fail")
	}

	task, err := q.ClaimNext(ctx, 10*time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}
	if err := q.Complete(ctx, task.ID, `{"ok":true}`); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if got.Result != `{"ok":true}` {
		t.Fatalf("result = %q", got.Result)
	}

	// Terminal tasks never re-enter the queue.
	if err := q.Fail(ctx, id, "boom"); err == nil {
		t.Fatal("failing a done task should be rejected")
	}
}

func TestClarificationRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindCode, `{"instruction":"add retries"}`, "chat-7", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := q.ClaimNext(ctx, 10*time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}

	if err := q.MarkWaiting(ctx, id, "Which package?", 10*time.Minute); err != nil {
		t.Fatalf("mark waiting: %v", err)
	}

	waiting, err := q.FindWaitingForChat(ctx, "chat-7")
	if err != nil {
		t.Fatalf("find waiting: %v", err)
	}
	if waiting == nil || waiting.ID != id {
		t.Fatalf("find waiting: got %v, want task %s", waiting, id)
	}
	if gjson.Get(waiting.Payload, "_clarify_deadline").String() == "" {
		t.Fatal("payload missing clarify deadline")
	}

	if err := q.Resume(ctx, id, "the retry package"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	resumed, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resumed.Status != StatusPending {
		t.Fatalf("status = %s, want pending", resumed.Status)
	}
	if got := gjson.Get(resumed.Payload, "clarify_answer").String(); got != "the retry package" {
		t.Fatalf("clarify_answer = %q", got)
	}
	if gjson.Get(resumed.Payload, "_clarify_deadline").Exists() {
		t.Fatal("deadline should be cleared on resume")
	}
	// The original payload fields survive the round trip.
	if got := gjson.Get(resumed.Payload, "instruction").String(); got != "add retries" {
		t.Fatalf("instruction = %q", got)
	}

	reclaimed, err := q.ClaimNext(ctx, 10*time.Minute)
	if err != nil || reclaimed == nil || reclaimed.ID != id {
		t.Fatalf("reclaim after resume: task=%v err=%v", reclaimed, err)
	}
}

func TestExpireStaleClarifications(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock := base
	q.now = func() time.Time { return clock }

	id, err := q.Enqueue(ctx, KindCode, "{}", "chat-3", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.ClaimNext(ctx, 10*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.MarkWaiting(ctx, id, "which repo?", 10*time.Minute); err != nil {
		t.Fatalf("mark waiting: %v", err)
	}

	// Before the deadline nothing expires.
	clock = base.Add(5 * time.Minute)
	expired, err := q.ExpireStaleClarifications(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired %d tasks before deadline", len(expired))
	}

	clock = base.Add(11 * time.Minute)
	expired, err = q.ExpireStaleClarifications(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0].TaskID != id || expired[0].ChatID != "chat-3" {
		t.Fatalf("expired = %+v", expired)
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Fatal("expected a recorded timeout reason")
	}

	// Answering after expiry is rejected.
	if err := q.Resume(ctx, id, "too late"); err == nil {
		t.Fatal("resume after expiry should fail")
	}
}

func TestDepthCountsByStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, KindNewsletter, "{}", "", 1); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := q.ClaimNext(ctx, 10*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pending, err := q.Depth(ctx, StatusPending)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if pending != 2 {
		t.Fatalf("pending depth = %d, want 2", pending)
	}
	claimed, err := q.Depth(ctx, StatusClaimed)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if claimed != 1 {
		t.Fatalf("claimed depth = %d, want 1", claimed)
	}
}
