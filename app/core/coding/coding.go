// Package coding runs operator-requested code changes end to end: clarify
// the instruction, branch, let the model edit the repo through a small
// toolset, gate on the test suite, then push and open a pull request.
package coding

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"herald/app/core/coding/tools"
	"herald/app/core/llm"
	"herald/app/pkg/cmdutil"
)

type gitOps interface {
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, name string) (string, error)
	Checkout(ctx context.Context, branch string) error
	HasChanges(ctx context.Context) (bool, error)
	CommitAll(ctx context.Context, message string) error
	PushBranch(ctx context.Context, branch string) error
	CreatePR(ctx context.Context, title string, body string) (string, error)
	Diff(ctx context.Context) (string, error)
}

type shellRunner interface {
	Run(ctx context.Context, commandLine string) (cmdutil.Result, error)
}

// Options tune the tool loop and the verification step.
type Options struct {
	BranchPrefix       string
	MaxToolIterations  int
	MaxToolResultChars int
	ContextKeepPairs   int
	TestCommand        string
	TestArgs           []string
	TestTimeout        time.Duration
}

// Result is everything the operator is told about one coding run.
type Result struct {
	Success     bool
	Branch      string
	TestsPassed bool
	TestOutput  string
	Summary     string
	PRURL       string
}

// Clarification is the outcome of the pre-flight instruction check.
type Clarification struct {
	Proceed   bool
	Questions string
}

// Runner is the coding state machine. It is safe for a single worker; runs
// are serialized by the task queue, never concurrent.
type Runner struct {
	fs        *tools.FS
	shell     shellRunner
	git       gitOps
	completer llm.Completer
	opts      Options
}

func NewRunner(fs *tools.FS, shell shellRunner, git gitOps, completer llm.Completer, opts Options) *Runner {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = 30
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 20000
	}
	if opts.ContextKeepPairs <= 0 {
		opts.ContextKeepPairs = 10
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "herald"
	}
	return &Runner{fs: fs, shell: shell, git: git, completer: completer, opts: opts}
}

const clarifySystem = `You review coding instructions before work starts.
If the instruction is specific enough to act on, reply with exactly PROCEED.
Otherwise reply with the questions (one per line) the author must answer first.
Never do both.`

// Clarify decides whether an instruction is actionable or needs questions
// answered first.
func (r *Runner) Clarify(ctx context.Context, instruction string) (Clarification, error) {
	reply, err := r.completer.Complete(ctx, llm.TierFast, clarifySystem, instruction)
	if err != nil {
		return Clarification{}, fmt.Errorf("clarify: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if strings.EqualFold(reply, "PROCEED") {
		return Clarification{Proceed: true}, nil
	}
	return Clarification{Questions: reply}, nil
}

const planSystem = `You plan code changes. Given an instruction and
background, reply with a short ordered plan: the steps to take and the
files likely involved. No code, no preamble.`

const codingSystem = `You are a coding agent working inside a git repository.
Use the tools to inspect and modify code. Work in small steps: read before
you write, and verify assumptions with list_files and run_command.
When the change is complete, stop calling tools and reply with a short
summary of what you changed, suitable as a pull request description.`

// Execute performs a full coding run. answer carries the operator's reply
// when the instruction previously needed clarification; background carries
// stored facts and recent conversation to ground the plan. The branch name
// is derived from the raw instruction only, never from the enriched
// prompt, so background text can't leak paths into branch names.
func (r *Runner) Execute(ctx context.Context, instruction string, answer string, background string) (Result, error) {
	originalBranch, err := r.git.CurrentBranch(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("detect branch: %w", err)
	}

	branch, err := r.git.CreateBranch(ctx, r.opts.BranchPrefix+"/"+tools.MakeSlug(instruction))
	if err != nil {
		return Result{}, fmt.Errorf("create branch: %w", err)
	}
	log.Printf("[Coding] working on branch %s", branch)

	result := Result{Branch: branch}
	plan, err := r.plan(ctx, instruction, answer, background)
	if err != nil {
		r.restore(ctx, originalBranch)
		return result, err
	}
	summary, loopErr := r.toolLoop(ctx, instruction, answer, plan)
	if loopErr != nil {
		r.restore(ctx, originalBranch)
		return result, loopErr
	}
	result.Summary = summary

	changed, err := r.git.HasChanges(ctx)
	if err != nil {
		r.restore(ctx, originalBranch)
		return result, fmt.Errorf("check changes: %w", err)
	}
	if !changed {
		r.restore(ctx, originalBranch)
		return result, fmt.Errorf("model finished without changing any files")
	}

	// Captured before the commit, while the working tree still differs
	// from HEAD; it rides along in the PR body.
	diff, err := r.git.Diff(ctx)
	if err != nil {
		r.restore(ctx, originalBranch)
		return result, fmt.Errorf("diff: %w", err)
	}

	result.TestsPassed, result.TestOutput = r.runTests(ctx)

	commitMsg := instruction
	if len(commitMsg) > 72 {
		commitMsg = commitMsg[:72]
	}
	if err := r.git.CommitAll(ctx, commitMsg); err != nil {
		r.restore(ctx, originalBranch)
		return result, fmt.Errorf("commit: %w", err)
	}

	if !result.TestsPassed {
		// Keep the branch for inspection, but never publish failing work.
		r.restore(ctx, originalBranch)
		return result, nil
	}

	if err := r.git.PushBranch(ctx, branch); err != nil {
		r.restore(ctx, originalBranch)
		return result, fmt.Errorf("push: %w", err)
	}
	prURL, err := r.git.CreatePR(ctx, commitMsg, prBody(summary, diff))
	if err != nil {
		r.restore(ctx, originalBranch)
		return result, fmt.Errorf("create pr: %w", err)
	}
	result.PRURL = prURL
	result.Success = true
	r.restore(ctx, originalBranch)
	return result, nil
}

const maxPRDiffChars = 6000

// prBody is the pull request description: the model's summary plus the
// diff, truncated so huge changes don't blow up the PR page.
func prBody(summary string, diff string) string {
	diff = strings.TrimRight(diff, "\n")
	if diff == "" {
		return summary
	}
	if len(diff) > maxPRDiffChars {
		diff = diff[:maxPRDiffChars] + "\n... (truncated)"
	}
	return summary + "\n\n```diff\n" + diff + "\n```"
}

func (r *Runner) restore(ctx context.Context, branch string) {
	if err := r.git.Checkout(ctx, branch); err != nil {
		log.Printf("[Coding] restore branch %s: %v", branch, err)
	}
}

func (r *Runner) plan(ctx context.Context, instruction string, answer string, background string) (string, error) {
	prompt := "Instruction: " + instruction
	if answer != "" {
		prompt += "\nClarification: " + answer
	}
	if background != "" {
		prompt += "\n\nBackground:\n" + background
	}
	if entries, err := r.fs.ListDir(""); err == nil && len(entries) > 0 {
		prompt += "\n\nRepository top level:\n" + strings.Join(entries, "\n")
	}
	plan, err := r.completer.Complete(ctx, llm.TierFast, planSystem, prompt)
	if err != nil {
		return "", fmt.Errorf("plan: %w", err)
	}
	return strings.TrimSpace(plan), nil
}

func (r *Runner) toolLoop(ctx context.Context, instruction string, answer string, plan string) (string, error) {
	task := "Task: " + instruction
	if answer != "" {
		task += "\n\nClarification from the author: " + answer
	}
	if plan != "" {
		task += "\n\nPlan:\n" + plan
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: codingSystem},
		{Role: llm.RoleUser, Content: task},
	}

	for i := 0; i < r.opts.MaxToolIterations; i++ {
		reply, err := r.completer.Step(ctx, llm.TierDeep, messages, toolDefs())
		if err != nil {
			return "", fmt.Errorf("model step: %w", err)
		}
		messages = append(messages, reply)

		if len(reply.ToolCalls) == 0 {
			return strings.TrimSpace(reply.Content), nil
		}

		for _, call := range reply.ToolCalls {
			output := r.dispatch(ctx, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    r.truncate(output),
			})
		}
		messages = r.trimWindow(messages)
	}
	return "", fmt.Errorf("model did not finish within %d tool iterations", r.opts.MaxToolIterations)
}

func toolDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name:        "read_file",
			Description: "Read one file from the repository.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string", "description": "Path relative to the repository root."},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite one file in the repository.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]interface{}{"type": "string", "description": "Path relative to the repository root."},
					"content": map[string]interface{}{"type": "string", "description": "Full new file content."},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "list_files",
			Description: "List the repository file tree, or one directory when path is given.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string", "description": "Optional directory path."},
				},
			},
		},
		{
			Name:        "run_command",
			Description: "Run an allow-listed command in the repository (e.g. go test, grep).",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{"type": "string", "description": "Command line, split on whitespace."},
				},
				"required": []string{"command"},
			},
		},
	}
}

// dispatch executes one tool call. Failures are reported back to the model
// as text so it can correct course instead of aborting the run.
func (r *Runner) dispatch(ctx context.Context, call llm.ToolCall) string {
	args := call.Arguments
	switch call.Name {
	case "read_file":
		content, err := r.fs.ReadFile(gjson.Get(args, "path").String())
		if err != nil {
			return "error: " + err.Error()
		}
		return content
	case "write_file":
		err := r.fs.WriteFile(gjson.Get(args, "path").String(), gjson.Get(args, "content").String())
		if err != nil {
			return "error: " + err.Error()
		}
		return "ok"
	case "list_files":
		path := gjson.Get(args, "path").String()
		var entries []string
		var err error
		if path == "" {
			entries, err = r.fs.ListTree()
		} else {
			entries, err = r.fs.ListDir(path)
		}
		if err != nil {
			return "error: " + err.Error()
		}
		return strings.Join(entries, "\n")
	case "run_command":
		res, err := r.shell.Run(ctx, gjson.Get(args, "command").String())
		if err != nil {
			return "error: " + err.Error()
		}
		return fmt.Sprintf("exit %d\n%s", res.ExitCode, res.Combined())
	default:
		return "error: unknown tool " + call.Name
	}
}

func (r *Runner) truncate(s string) string {
	if len(s) <= r.opts.MaxToolResultChars {
		return s
	}
	return s[:r.opts.MaxToolResultChars] + "\n... (truncated)"
}

// trimWindow keeps the system prompt, the task message and the last N
// assistant/tool exchanges so long runs stay inside the context limit. It
// never splits a tool exchange: the window starts at an assistant turn.
func (r *Runner) trimWindow(messages []llm.Message) []llm.Message {
	const head = 2 // system + task
	keep := r.opts.ContextKeepPairs * 2
	if len(messages) <= head+keep {
		return messages
	}
	tail := messages[len(messages)-keep:]
	for len(tail) > 0 && tail[0].Role != llm.RoleAssistant {
		tail = tail[1:]
	}
	out := make([]llm.Message, 0, head+len(tail))
	out = append(out, messages[:head]...)
	out = append(out, tail...)
	return out
}

func (r *Runner) runTests(ctx context.Context) (bool, string) {
	if r.opts.TestCommand == "" {
		return true, "no test command configured"
	}
	res, err := cmdutil.Run(ctx, r.fs.Root(), r.opts.TestCommand, r.opts.TestArgs, r.opts.TestTimeout)
	if err != nil {
		return false, err.Error()
	}
	return res.Success(), res.Combined()
}

// FormatReply renders a Result as the chat message sent to the operator.
func FormatReply(res Result) string {
	var b strings.Builder
	if res.Success {
		b.WriteString("Done. Opened a pull request.\n")
	} else if !res.TestsPassed {
		b.WriteString("Change made, but the tests failed so no PR was opened.\n")
	} else {
		b.WriteString("The coding run did not complete.\n")
	}
	if res.Branch != "" {
		b.WriteString("Branch: " + res.Branch + "\n")
	}
	if res.PRURL != "" {
		b.WriteString("PR: " + res.PRURL + "\n")
	}
	if res.Summary != "" {
		b.WriteString("\n" + res.Summary + "\n")
	}
	if !res.TestsPassed && res.TestOutput != "" {
		output := res.TestOutput
		if len(output) > 1500 {
			output = output[:1500] + "\n... (truncated)"
		}
		b.WriteString("\nTest output:\n" + output)
	}
	return strings.TrimRight(b.String(), "\n")
}
