package rewrite

import (
	"log/slog"

	"github.com/schaermu/copyrightd/internal/ownership"
	"github.com/schaermu/copyrightd/internal/repo"
	"github.com/schaermu/copyrightd/internal/selector"
)

// Outcome describes how a run ended
type Outcome string

const (
	// OutcomeAborted means the event was produced by the bot itself
	OutcomeAborted Outcome = "aborted"
	// OutcomeNoCandidates means no path of the event was eligible
	OutcomeNoCandidates Outcome = "no-candidates"
	// OutcomeNoChanges means every candidate was skipped
	OutcomeNoChanges Outcome = "no-changes"
	// OutcomeDryRun means rewrites were computed but not published
	OutcomeDryRun Outcome = "dry-run"
	// OutcomePublished means a commit was created and the branch moved to it
	OutcomePublished Outcome = "published"
)

// Policy is the header content in effect for one run
type Policy struct {
	Template      string
	EncryptionKey string
	ProjectName   string
	Fragments     int
}

// Mode selects the orchestrator's behavior for a run
type Mode struct {
	Strategy    selector.Strategy
	Selection   selector.Options
	Encrypt     bool
	CheckMarker bool
	Codec       ownership.Codec
	Parallelism int
	DryRun      bool
}

// Run carries everything scoped to a single event
type Run struct {
	ID     string
	Client repo.Client
	Event  repo.ChangeEvent
	Policy Policy
	Head   string
	Tree   string
	Logger *slog.Logger
}

// FileRewrite is a file whose content gets a header prepended
type FileRewrite struct {
	Path     string
	Mode     string
	Original string
	Header   string
	Content  string
}

// Result summarizes a run
type Result struct {
	RunID     string
	Outcome   Outcome
	Strategy  selector.Strategy
	Ref       string
	Head      string
	Tree      string
	Commit    string
	Rewritten []string
	Skipped   int
}
