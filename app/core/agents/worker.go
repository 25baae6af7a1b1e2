package agents

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"herald/app/core/coding"
	"herald/app/core/memory"
	"herald/app/core/newsletter"
	"herald/app/core/queue"
	"herald/app/pkg/types"
)

// CodeRunner executes one clarified coding task end to end.
type CodeRunner interface {
	Clarify(ctx context.Context, instruction string) (coding.Clarification, error)
	Execute(ctx context.Context, instruction string, answer string, background string) (coding.Result, error)
}

// CoderFactory builds a code runner bound to one repository path. The
// worker resolves the path per task, so a remembered default_repo fact
// redirects coding work without a restart.
type CoderFactory func(repoPath string) (CodeRunner, error)

type digestRunner interface {
	RunCycle(ctx context.Context) (newsletter.Outcome, error)
}

// WorkerOptions tune the queue draining. DefaultRepo is the repository
// used when no default_repo fact is stored.
type WorkerOptions struct {
	Lease          time.Duration
	ClarifyTimeout time.Duration
	DefaultRepo    string
}

// Worker drains the task queue one task per cycle. It is the only
// component that executes queued work, which serializes coding runs and
// digest sends by construction.
type Worker struct {
	queue    *queue.Queue
	newCoder CoderFactory
	digests  digestRunner
	facts    *memory.Facts
	notifier types.Notifier
	status   func(ctx context.Context) (string, error)
	opts     WorkerOptions
}

func NewWorker(
	q *queue.Queue,
	newCoder CoderFactory,
	digests digestRunner,
	facts *memory.Facts,
	notifier types.Notifier,
	status func(ctx context.Context) (string, error),
	opts WorkerOptions,
) *Worker {
	if opts.Lease <= 0 {
		opts.Lease = 10 * time.Minute
	}
	if opts.ClarifyTimeout <= 0 {
		opts.ClarifyTimeout = 10 * time.Minute
	}
	return &Worker{
		queue:    q,
		newCoder: newCoder,
		digests:  digests,
		facts:    facts,
		notifier: notifier,
		status:   status,
		opts:     opts,
	}
}

// Cycle expires stale clarifications, then claims and runs at most one
// task. Suitable as an agentloop cycle function.
func (w *Worker) Cycle(ctx context.Context) error {
	expired, err := w.queue.ExpireStaleClarifications(ctx)
	if err != nil {
		return err
	}
	for _, e := range expired {
		log.Printf("[Worker] clarification timed out for task %s", e.TaskID)
		if e.ChatID != "" {
			w.notify(ctx, e.ChatID, "No answer arrived in time, so I dropped that task. Ask again when you're ready.")
		}
	}

	task, err := w.queue.ClaimNext(ctx, w.opts.Lease)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	log.Printf("[Worker] running task %s (%s)", task.ID, task.Kind)
	switch task.Kind {
	case queue.KindCode:
		return w.runCode(ctx, task)
	case queue.KindNewsletter:
		return w.runNewsletter(ctx, task)
	case queue.KindStatus:
		return w.runStatus(ctx, task)
	default:
		return w.queue.Fail(ctx, task.ID, "unknown task kind: "+task.Kind)
	}
}

func (w *Worker) runCode(ctx context.Context, task *queue.Task) error {
	instruction := gjson.Get(task.Payload, "instruction").String()
	if instruction == "" {
		return w.queue.Fail(ctx, task.ID, "code task without instruction")
	}
	answer := gjson.Get(task.Payload, "clarify_answer").String()

	coder, err := w.resolveCoder(ctx)
	if err != nil {
		return w.failAndReport(ctx, task, err)
	}

	// A task that has not been clarified yet may need questions answered
	// before any work starts.
	if answer == "" {
		clar, err := coder.Clarify(ctx, instruction)
		if err != nil {
			return w.failAndReport(ctx, task, fmt.Errorf("clarify: %w", err))
		}
		if !clar.Proceed {
			if err := w.queue.MarkWaiting(ctx, task.ID, clar.Questions, w.opts.ClarifyTimeout); err != nil {
				return err
			}
			w.notify(ctx, task.ChatID, "Before I start, I need to know:\n"+clar.Questions)
			return nil
		}
	}

	background, err := w.background(ctx, task)
	if err != nil {
		return w.failAndReport(ctx, task, err)
	}
	result, err := coder.Execute(ctx, instruction, answer, background)
	if err != nil {
		return w.failAndReport(ctx, task, err)
	}

	resultJSON := "{}"
	resultJSON, _ = sjson.Set(resultJSON, "branch", result.Branch)
	resultJSON, _ = sjson.Set(resultJSON, "tests_passed", result.TestsPassed)
	resultJSON, _ = sjson.Set(resultJSON, "pr_url", result.PRURL)
	if err := w.queue.Complete(ctx, task.ID, resultJSON); err != nil {
		return err
	}
	w.notify(ctx, task.ChatID, coding.FormatReply(result))
	return nil
}

// resolveCoder picks the repository for this task: the remembered
// default_repo fact wins, the configured path is the fallback.
func (w *Worker) resolveCoder(ctx context.Context) (CodeRunner, error) {
	if w.newCoder == nil {
		return nil, fmt.Errorf("coding is not configured; set coding.repo_path")
	}
	repo := strings.TrimSpace(w.opts.DefaultRepo)
	if w.facts != nil {
		value, ok, err := w.facts.Recall(ctx, "default_repo")
		if err != nil {
			return nil, err
		}
		if ok && strings.TrimSpace(value) != "" {
			repo = strings.TrimSpace(value)
		}
	}
	if repo == "" {
		return nil, fmt.Errorf("no repository configured; set coding.repo_path or /remember default_repo <path>")
	}
	coder, err := w.newCoder(repo)
	if err != nil {
		return nil, fmt.Errorf("open repo %s: %w", repo, err)
	}
	return coder, nil
}

// background assembles what grounds a coding plan: stored facts plus the
// conversation snapshot the chat agent embedded in the payload.
func (w *Worker) background(ctx context.Context, task *queue.Task) (string, error) {
	var parts []string
	if w.facts != nil {
		facts, err := w.facts.RecallAll(ctx)
		if err != nil {
			return "", err
		}
		if len(facts) > 0 {
			keys := make([]string, 0, len(facts))
			for key := range facts {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			var b strings.Builder
			b.WriteString("Stored facts:\n")
			for _, key := range keys {
				fmt.Fprintf(&b, "- %s: %s\n", key, facts[key])
			}
			parts = append(parts, strings.TrimRight(b.String(), "\n"))
		}
	}
	if recent := gjson.Get(task.Payload, "context").String(); recent != "" {
		parts = append(parts, "Recent conversation:\n"+recent)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (w *Worker) runNewsletter(ctx context.Context, task *queue.Task) error {
	outcome, err := w.digests.RunCycle(ctx)
	if err != nil {
		return w.failAndReport(ctx, task, err)
	}

	resultJSON := "{}"
	resultJSON, _ = sjson.Set(resultJSON, "sent", outcome.Sent)
	resultJSON, _ = sjson.Set(resultJSON, "items", outcome.ItemCount)
	if outcome.SkipReason != "" {
		resultJSON, _ = sjson.Set(resultJSON, "skip_reason", outcome.SkipReason)
	}
	if err := w.queue.Complete(ctx, task.ID, resultJSON); err != nil {
		return err
	}

	// Only manually triggered digests carry a chat to report to.
	if task.ChatID != "" && !outcome.Sent {
		w.notify(ctx, task.ChatID, "No digest this time: "+outcome.SkipReason)
	}
	return nil
}

func (w *Worker) runStatus(ctx context.Context, task *queue.Task) error {
	text, err := w.status(ctx)
	if err != nil {
		return w.failAndReport(ctx, task, err)
	}
	if err := w.queue.Complete(ctx, task.ID, ""); err != nil {
		return err
	}
	w.notify(ctx, task.ChatID, text)
	return nil
}

func (w *Worker) failAndReport(ctx context.Context, task *queue.Task, cause error) error {
	log.Printf("[Worker] task %s failed: %v", task.ID, cause)
	if err := w.queue.Fail(ctx, task.ID, cause.Error()); err != nil {
		return err
	}
	w.notify(ctx, task.ChatID, "Task failed: "+cause.Error())
	return nil
}

func (w *Worker) notify(ctx context.Context, chatID string, text string) {
	if chatID == "" || w.notifier == nil {
		return
	}
	if err := w.notifier.Send(ctx, chatID, text); err != nil {
		log.Printf("[Worker] notify %s: %v", chatID, err)
	}
}
