package github

import "strings"

// CI states derived from a PR's check runs.
const (
	CIStateNone    = "none"
	CIStatePending = "pending"
	CIStateSuccess = "success"
	CIStateFailure = "failure"
)

// Event types recorded in the ledger. One (pr, head_sha, type) triple is
// acted on at most once.
const (
	EventNeedsDescription = "needs_description"
	EventCIFailed         = "ci_failed"
	EventReadyForReview   = "ready_for_review"
)

// PRSnapshot is one open pull request as seen during a poll.
type PRSnapshot struct {
	Number   int
	Title    string
	Body     string
	HeadSHA  string
	HeadRef  string
	Author   string
	URL      string
	Draft    bool
	CIState  string
	Failures []CheckFailure
}

// NeedsDescription reports whether the PR body is effectively empty.
func (s PRSnapshot) NeedsDescription() bool {
	return strings.TrimSpace(s.Body) == ""
}

// CheckFailure is one failed check run, with whatever output the API gave.
type CheckFailure struct {
	Name    string
	Summary string
	Text    string
}

// PREvent is one actionable observation about a PR.
type PREvent struct {
	Type string
	PR   PRSnapshot
}

// Outcome is the result of acting on one event.
type Outcome struct {
	Event  PREvent
	Action string
	Notify string
}
