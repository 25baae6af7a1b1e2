package agents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"herald/app/core/coding"
	"herald/app/core/db"
	"herald/app/core/memory"
	"herald/app/core/newsletter"
	"herald/app/core/queue"
)

type fakeCoder struct {
	clarification coding.Clarification
	clarifyCalled bool
	result        coding.Result
	execErr       error
	gotRepo       string
	gotAnswer     string
	gotBackground string
}

func (f *fakeCoder) Clarify(ctx context.Context, instruction string) (coding.Clarification, error) {
	f.clarifyCalled = true
	return f.clarification, nil
}

func (f *fakeCoder) Execute(ctx context.Context, instruction string, answer string, background string) (coding.Result, error) {
	f.gotAnswer = answer
	f.gotBackground = background
	return f.result, f.execErr
}

type fakeDigests struct {
	outcome newsletter.Outcome
	err     error
}

func (f *fakeDigests) RunCycle(ctx context.Context) (newsletter.Outcome, error) {
	return f.outcome, f.err
}

type workerFixture struct {
	worker   *Worker
	queue    *queue.Queue
	coder    *fakeCoder
	digests  *fakeDigests
	facts    *memory.Facts
	notifier *fakeNotifier
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	database, err := db.NewSQLiteDB(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	q := queue.New(database)
	coder := &fakeCoder{clarification: coding.Clarification{Proceed: true}}
	factory := func(repoPath string) (CodeRunner, error) {
		coder.gotRepo = repoPath
		return coder, nil
	}
	digests := &fakeDigests{}
	facts := memory.NewFacts(database)
	notifier := &fakeNotifier{}
	status := func(ctx context.Context) (string, error) { return "status text", nil }

	worker := NewWorker(q, factory, digests, facts, notifier, status, WorkerOptions{
		Lease:          10 * time.Minute,
		ClarifyTimeout: 10 * time.Minute,
		DefaultRepo:    "/srv/repos/main",
	})
	return &workerFixture{worker: worker, queue: q, coder: coder, digests: digests, facts: facts, notifier: notifier}
}

func TestWorkerRunsCodeTask(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.coder.result = coding.Result{
		Success: true, Branch: "herald/add-endpoint", TestsPassed: true,
		Summary: "Added the endpoint.", PRURL: "https://example.test/pr/1",
	}

	id, err := f.queue.Enqueue(ctx, queue.KindCode, `{"instruction":"add endpoint"}`, "chat-1", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	task, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != queue.StatusDone {
		t.Fatalf("status = %s, want done", task.Status)
	}
	if got := gjson.Get(task.Result, "pr_url").String(); got != "https://example.test/pr/1" {
		t.Fatalf("result = %q", task.Result)
	}
	if !strings.Contains(f.notifier.last(t).text, "pull request") {
		t.Fatalf("reply = %q", f.notifier.last(t).text)
	}
}

func TestWorkerAsksForClarification(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.coder.clarification = coding.Clarification{Questions: "Which repository?"}

	id, err := f.queue.Enqueue(ctx, queue.KindCode, `{"instruction":"fix it"}`, "chat-1", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	task, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != queue.StatusWaitingClarify {
		t.Fatalf("status = %s, want waiting_clarification", task.Status)
	}
	if !strings.Contains(f.notifier.last(t).text, "Which repository?") {
		t.Fatalf("reply = %q", f.notifier.last(t).text)
	}
}

func TestWorkerSkipsClarifyWhenAnswered(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.coder.result = coding.Result{Success: true, TestsPassed: true, Branch: "b"}

	payload := `{"instruction":"fix it","clarify_answer":"the parser"}`
	if _, err := f.queue.Enqueue(ctx, queue.KindCode, payload, "chat-1", 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if f.coder.clarifyCalled {
		t.Fatal("clarify ran despite an existing answer")
	}
	if f.coder.gotAnswer != "the parser" {
		t.Fatalf("answer = %q", f.coder.gotAnswer)
	}
}

func TestWorkerResolvesRepoFromFact(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.coder.result = coding.Result{Success: true, TestsPassed: true, Branch: "b"}

	// Without the fact the configured default is used.
	if _, err := f.queue.Enqueue(ctx, queue.KindCode, `{"instruction":"first"}`, "chat-1", 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.coder.gotRepo != "/srv/repos/main" {
		t.Fatalf("repo = %q, want the configured default", f.coder.gotRepo)
	}

	// A remembered default_repo redirects the next task.
	if err := f.facts.Remember(ctx, "default_repo", "/srv/repos/sideproject"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if _, err := f.queue.Enqueue(ctx, queue.KindCode, `{"instruction":"second"}`, "chat-1", 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.coder.gotRepo != "/srv/repos/sideproject" {
		t.Fatalf("repo = %q, want the remembered fact", f.coder.gotRepo)
	}
}

func TestWorkerFailsCodeWithoutAnyRepo(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.worker.opts.DefaultRepo = ""

	id, err := f.queue.Enqueue(ctx, queue.KindCode, `{"instruction":"x"}`, "chat-1", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	task, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "no repository configured") {
		t.Fatalf("error = %q", task.Error)
	}
}

func TestWorkerGroundsExecutionInFactsAndContext(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.coder.result = coding.Result{Success: true, TestsPassed: true, Branch: "b"}
	if err := f.facts.Remember(ctx, "repo_style", "table-driven tests"); err != nil {
		t.Fatalf("remember: %v", err)
	}

	payload := `{"instruction":"add retries","context":"user: the client flakes\nassistant: noted"}`
	if _, err := f.queue.Enqueue(ctx, queue.KindCode, payload, "chat-1", 5); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if !strings.Contains(f.coder.gotBackground, "repo_style: table-driven tests") {
		t.Fatalf("background = %q, want stored fact", f.coder.gotBackground)
	}
	if !strings.Contains(f.coder.gotBackground, "the client flakes") {
		t.Fatalf("background = %q, want conversation snapshot", f.coder.gotBackground)
	}
}

func TestWorkerReportsCodeFailure(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.coder.execErr = errors.New("branch conflict")

	id, err := f.queue.Enqueue(ctx, queue.KindCode, `{"instruction":"do a thing"}`, "chat-1", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	task, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if !strings.Contains(f.notifier.last(t).text, "branch conflict") {
		t.Fatalf("reply = %q", f.notifier.last(t).text)
	}
}

func TestWorkerRunsNewsletterTask(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	f.digests.outcome = newsletter.Outcome{SkipReason: "only 1 fresh items, need 3", ItemCount: 1}

	id, err := f.queue.Enqueue(ctx, queue.KindNewsletter, "{}", "chat-1", 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	task, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != queue.StatusDone {
		t.Fatalf("status = %s, want done", task.Status)
	}
	// A manual trigger that skipped explains itself.
	if !strings.Contains(f.notifier.last(t).text, "No digest") {
		t.Fatalf("reply = %q", f.notifier.last(t).text)
	}
}

func TestWorkerNotifiesExpiredClarifications(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, queue.KindCode, `{"instruction":"x"}`, "chat-2", 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := f.queue.ClaimNext(ctx, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// A deadline in the past expires on the next cycle.
	if err := f.queue.MarkWaiting(ctx, id, "q?", -time.Minute); err != nil {
		t.Fatalf("mark waiting: %v", err)
	}

	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(f.notifier.sent) == 0 || f.notifier.sent[0].chatID != "chat-2" {
		t.Fatalf("sent = %v", f.notifier.sent)
	}
	if !strings.Contains(f.notifier.sent[0].text, "dropped") {
		t.Fatalf("text = %q", f.notifier.sent[0].text)
	}
}

func TestWorkerRunsStatusTask(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, queue.KindStatus, "{}", "chat-1", 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.worker.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if f.notifier.last(t).text != "status text" {
		t.Fatalf("reply = %q", f.notifier.last(t).text)
	}
}

func TestNewsletterTriggerRespectsInterval(t *testing.T) {
	database, err := db.NewSQLiteDB(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()

	q := queue.New(database)
	state := newsletter.NewState(database)
	trigger := NewNewsletterTrigger(q, state, 55, 1)
	ctx := context.Background()

	// Never sent: the first cycle enqueues.
	if err := trigger.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	n, err := q.InFlightOfKind(ctx, queue.KindNewsletter)
	if err != nil || n != 1 {
		t.Fatalf("in flight = %d err=%v, want 1", n, err)
	}

	// A task already in flight suppresses a second trigger.
	if err := trigger.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	n, err = q.InFlightOfKind(ctx, queue.KindNewsletter)
	if err != nil || n != 1 {
		t.Fatalf("in flight = %d err=%v, still want 1", n, err)
	}
}
