package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"herald/app/pkg/cmdutil"
)

const gitTimeout = 2 * time.Minute

// Git wraps the repository-level operations the coding agent needs:
// branching, committing, pushing and opening a pull request via gh.
type Git struct {
	repoPath string
	now      func() time.Time
}

func NewGit(repoPath string) *Git {
	return &Git{repoPath: repoPath, now: time.Now}
}

func (g *Git) run(ctx context.Context, name string, args ...string) (cmdutil.Result, error) {
	return cmdutil.Run(ctx, g.repoPath, name, args, gitTimeout)
}

// MakeSlug turns an instruction into a branch-name fragment: the first six
// words, lowercased, non-alphanumerics collapsed to hyphens, at most 40
// characters.
func MakeSlug(instruction string) string {
	words := strings.Fields(strings.ToLower(instruction))
	if len(words) > 6 {
		words = words[:6]
	}
	var b strings.Builder
	for _, word := range words {
		for _, r := range word {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteRune('-')
			}
		}
		b.WriteRune('-')
	}
	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "task"
	}
	return slug
}

func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	res, err := g.run(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("current branch: %s", res.Combined())
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CreateBranch checks out a new branch with the given name. On a name
// collision it retries once with a timestamp suffix and returns the name
// actually created.
func (g *Git) CreateBranch(ctx context.Context, name string) (string, error) {
	res, err := g.run(ctx, "git", "checkout", "-b", name)
	if err != nil {
		return "", err
	}
	if res.Success() {
		return name, nil
	}
	if strings.Contains(res.Stderr, "already exists") {
		retry := fmt.Sprintf("%s-%d", name, g.now().Unix())
		res, err = g.run(ctx, "git", "checkout", "-b", retry)
		if err != nil {
			return "", err
		}
		if res.Success() {
			return retry, nil
		}
	}
	return "", fmt.Errorf("create branch %s: %s", name, res.Combined())
}

func (g *Git) Checkout(ctx context.Context, branch string) error {
	res, err := g.run(ctx, "git", "checkout", branch)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("checkout %s: %s", branch, res.Combined())
	}
	return nil
}

func (g *Git) HasChanges(ctx context.Context) (bool, error) {
	res, err := g.run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, fmt.Errorf("status: %s", res.Combined())
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func (g *Git) CommitAll(ctx context.Context, message string) error {
	res, err := g.run(ctx, "git", "add", "-A")
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("git add: %s", res.Combined())
	}
	res, err = g.run(ctx, "git", "commit", "-m", message)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("git commit: %s", res.Combined())
	}
	return nil
}

func (g *Git) PushBranch(ctx context.Context, branch string) error {
	res, err := g.run(ctx, "git", "push", "-u", "origin", branch)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("git push: %s", res.Combined())
	}
	return nil
}

// CreatePR opens a pull request for the current branch with gh and returns
// its URL. The body goes over stdin: descriptions carry diffs and can
// exceed what an argument safely holds.
func (g *Git) CreatePR(ctx context.Context, title string, body string) (string, error) {
	if err := cmdutil.RequireExecutable("gh"); err != nil {
		return "", err
	}
	res, err := cmdutil.RunWithInput(ctx, g.repoPath, "gh",
		[]string{"pr", "create", "--title", title, "--body-file", "-"}, body, gitTimeout)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("gh pr create: %s", res.Combined())
	}
	// gh prints the PR URL as the last output line.
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

// Diff returns the working tree diff against HEAD.
func (g *Git) Diff(ctx context.Context) (string, error) {
	res, err := g.run(ctx, "git", "diff", "HEAD")
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("git diff: %s", res.Combined())
	}
	return res.Stdout, nil
}
