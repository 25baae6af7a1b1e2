package github

import (
	"context"
	"fmt"
	"strings"

	"herald/app/core/llm"
)

// api is the slice of Client the workers use, split out so tests can fake
// the GitHub side.
type api interface {
	Diff(ctx context.Context, prNumber int) (string, error)
	UpdateBody(ctx context.Context, prNumber int, body string) error
	Comment(ctx context.Context, prNumber int, text string) error
}

const maxDiffChars = 40000

// ActionFixSuggested marks ledger rows where a fix diagnosis was actually
// posted. Only these count against the circuit breaker; secret alerts and
// breaker notices do not.
const ActionFixSuggested = "fix_suggested"

func clipDiff(diff string) string {
	if len(diff) <= maxDiffChars {
		return diff
	}
	return diff[:maxDiffChars] + "\n... (diff truncated)"
}

const describeSystem = `You write pull request descriptions from diffs.
Summarize what the change does and why it matters in a few short
paragraphs. Use markdown. Do not invent detail the diff does not show.`

// Describer fills in empty PR descriptions from the diff.
type Describer struct {
	api       api
	completer llm.Completer
}

func NewDescriber(client api, completer llm.Completer) *Describer {
	return &Describer{api: client, completer: completer}
}

func (d *Describer) Handle(ctx context.Context, ev PREvent) (Outcome, error) {
	diff, err := d.api.Diff(ctx, ev.PR.Number)
	if err != nil {
		return Outcome{}, err
	}
	body, err := d.completer.Complete(ctx, llm.TierFast, describeSystem,
		fmt.Sprintf("PR title: %s\n\nDiff:\n%s", ev.PR.Title, clipDiff(diff)))
	if err != nil {
		return Outcome{}, fmt.Errorf("generate description: %w", err)
	}
	if err := d.api.UpdateBody(ctx, ev.PR.Number, body); err != nil {
		return Outcome{}, err
	}
	return Outcome{Event: ev, Action: "description_added"}, nil
}

// secretMarkers are substrings in CI output that suggest leaked
// credentials rather than a code bug. These stop the fixer cold.
var secretMarkers = []string{
	"secret scanning",
	"detected secret",
	"leaked credential",
	"api key detected",
	"gitleaks",
	"trufflehog",
}

const fixSystem = `You diagnose CI failures from check output and a diff.
Explain the most likely cause and propose a concrete fix, quoting the
relevant code. Be brief. Use markdown.`

// CIFixer reacts to failed checks in three tiers: a security alert when
// the output smells like a leaked secret, a circuit breaker after
// maxAttempts tries on one PR, and otherwise a model-written diagnosis
// posted as a comment.
type CIFixer struct {
	api         api
	ledger      *Ledger
	completer   llm.Completer
	maxAttempts int
}

func NewCIFixer(client api, ledger *Ledger, completer llm.Completer, maxAttempts int) *CIFixer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &CIFixer{api: client, ledger: ledger, completer: completer, maxAttempts: maxAttempts}
}

func (f *CIFixer) Handle(ctx context.Context, ev PREvent) (Outcome, error) {
	if marker := findSecretMarker(ev.PR.Failures); marker != "" {
		alert := fmt.Sprintf(":rotating_light: CI output mentions %q. This looks like a leaked secret, not a code bug. Rotate the credential before anything else; no automated fix will be attempted.", marker)
		if err := f.api.Comment(ctx, ev.PR.Number, alert); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Event:  ev,
			Action: "secret_alert",
			Notify: fmt.Sprintf("Possible leaked secret in CI for PR #%d (%s). Check it now.", ev.PR.Number, ev.PR.URL),
		}, nil
	}

	attempts, err := f.ledger.FixAttempts(ctx, ev.PR.Number)
	if err != nil {
		return Outcome{}, err
	}
	if attempts >= f.maxAttempts {
		msg := fmt.Sprintf("CI has failed %d times on this PR. Stepping back to avoid a fix loop; this one needs a human.", attempts)
		if err := f.api.Comment(ctx, ev.PR.Number, msg); err != nil {
			return Outcome{}, err
		}
		return Outcome{
			Event:  ev,
			Action: "circuit_breaker",
			Notify: fmt.Sprintf("Gave up fixing CI on PR #%d after %d attempts (%s).", ev.PR.Number, attempts, ev.PR.URL),
		}, nil
	}

	diff, err := f.api.Diff(ctx, ev.PR.Number)
	if err != nil {
		return Outcome{}, err
	}
	prompt := fmt.Sprintf("Failed checks:\n%s\nDiff:\n%s", formatFailures(ev.PR.Failures), clipDiff(diff))
	diagnosis, err := f.completer.Complete(ctx, llm.TierDeep, fixSystem, prompt)
	if err != nil {
		return Outcome{}, fmt.Errorf("diagnose ci failure: %w", err)
	}
	if err := f.api.Comment(ctx, ev.PR.Number, diagnosis); err != nil {
		return Outcome{}, err
	}
	return Outcome{Event: ev, Action: ActionFixSuggested}, nil
}

func findSecretMarker(failures []CheckFailure) string {
	for _, f := range failures {
		haystack := strings.ToLower(f.Name + " " + f.Summary + " " + f.Text)
		for _, marker := range secretMarkers {
			if strings.Contains(haystack, marker) {
				return marker
			}
		}
	}
	return ""
}

func formatFailures(failures []CheckFailure) string {
	var b strings.Builder
	for _, f := range failures {
		b.WriteString("- " + f.Name + "\n")
		if f.Summary != "" {
			b.WriteString(indent(f.Summary) + "\n")
		}
		if f.Text != "" {
			b.WriteString(indent(f.Text) + "\n")
		}
	}
	return b.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

const reviewSystem = `You review pull request diffs. Point out bugs, risky
changes and missing tests. Skip style nits. If the change looks good, say
so in one line. Use markdown.`

// Reviewer posts a review comment once a PR's checks pass.
type Reviewer struct {
	api       api
	completer llm.Completer
}

func NewReviewer(client api, completer llm.Completer) *Reviewer {
	return &Reviewer{api: client, completer: completer}
}

func (r *Reviewer) Handle(ctx context.Context, ev PREvent) (Outcome, error) {
	diff, err := r.api.Diff(ctx, ev.PR.Number)
	if err != nil {
		return Outcome{}, err
	}
	review, err := r.completer.Complete(ctx, llm.TierDeep, reviewSystem,
		fmt.Sprintf("PR title: %s\n\nDiff:\n%s", ev.PR.Title, clipDiff(diff)))
	if err != nil {
		return Outcome{}, fmt.Errorf("generate review: %w", err)
	}
	if err := r.api.Comment(ctx, ev.PR.Number, review); err != nil {
		return Outcome{}, err
	}
	return Outcome{Event: ev, Action: "reviewed"}, nil
}
