// Package rewrite stamps provenance headers onto the files of a push and
// publishes them as one commit on top of the branch head.
package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/schaermu/copyrightd/internal/config"
	"github.com/schaermu/copyrightd/internal/header"
	"github.com/schaermu/copyrightd/internal/ownership"
	"github.com/schaermu/copyrightd/internal/repo"
	"github.com/schaermu/copyrightd/internal/selector"
	"golang.org/x/sync/errgroup"
)

// Engine orchestrates header rewrites
type Engine struct {
	cfg      *config.Config
	composer *header.Composer
	mode     Mode
	logger   *slog.Logger
}

// NewEngine creates a new rewrite engine
func NewEngine(cfg *config.Config, composer *header.Composer, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		composer: composer,
		mode:     ModeFromConfig(cfg, dryRun),
		logger:   logger,
	}
}

// ModeFromConfig derives the run mode from cfg
func ModeFromConfig(cfg *config.Config, dryRun bool) Mode {
	return Mode{
		Strategy:    cfg.Selection.Strategy,
		Selection:   cfg.SelectorOptions(),
		Encrypt:     cfg.Policy.Encryption.Enabled,
		CheckMarker: !cfg.Selection.DisableMarkerCheck,
		Codec:       ownership.Codec{Options: cfg.CodecOptions()},
		Parallelism: cfg.Selection.Parallelism,
		DryRun:      dryRun,
	}
}

// Mode returns the engine's mode
func (e *Engine) Mode() Mode {
	return e.mode
}

// Run processes one change event. A run produces at most one commit, whose
// only parent is the branch head observed at the start of the run.
func (e *Engine) Run(ctx context.Context, client repo.Client, event repo.ChangeEvent) (*Result, error) {
	run := &Run{
		ID:     uuid.NewString(),
		Client: client,
		Event:  event,
	}
	run.Logger = e.logger.With(
		"run_id", run.ID,
		"repo", event.Repo.FullName(),
		"ref", event.Ref)

	result := &Result{RunID: run.ID, Ref: event.Ref}

	if reason := e.loopReason(event); reason != "" {
		run.Logger.Info("ignoring event produced by the bot", "reason", reason)
		result.Outcome = OutcomeAborted
		return result, nil
	}

	run.Logger.Info("starting rewrite", "actor", event.Actor, "dry_run", e.mode.DryRun)

	if err := e.resolveHead(ctx, run); err != nil {
		return nil, err
	}
	result.Head, result.Tree = run.Head, run.Tree

	entries, err := client.ListTree(ctx, run.Tree, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list tree %s: %w", run.Tree, err)
	}

	strategy := selector.Choose(event, e.cfg.Policy.File, e.mode.Strategy)
	result.Strategy = strategy

	candidates := e.candidates(strategy, event, entries)
	run.Logger.Info("selected candidates", "strategy", strategy, "count", len(candidates))
	if len(candidates) == 0 {
		result.Outcome = OutcomeNoCandidates
		return result, nil
	}

	run.Policy = e.loadPolicy(ctx, run)

	var fragments []string
	if e.mode.Encrypt {
		id, err := e.mode.Codec.Identify(run.Policy.ProjectName, run.Policy.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt project identifier: %w", err)
		}
		fragments = id.Fragments(run.Policy.Fragments)
	}

	rewrites, err := e.compose(ctx, run, candidates, treeModes(entries), fragments)
	if err != nil {
		return nil, err
	}

	result.Skipped = len(candidates) - len(rewrites)
	for _, fr := range rewrites {
		result.Rewritten = append(result.Rewritten, fr.Path)
	}

	if len(rewrites) == 0 {
		run.Logger.Info("no files need a header", "skipped", result.Skipped)
		result.Outcome = OutcomeNoChanges
		return result, nil
	}

	if e.mode.DryRun {
		for _, fr := range rewrites {
			run.Logger.Info("[dry-run] would rewrite", "path", fr.Path)
		}
		run.Logger.Info("dry-run complete, no changes published")
		result.Outcome = OutcomeDryRun
		return result, nil
	}

	commit, err := e.publish(ctx, run, rewrites)
	if err != nil {
		return nil, err
	}
	result.Commit = commit
	result.Outcome = OutcomePublished

	run.Logger.Info("rewrite published", "commit", commit, "files", len(rewrites), "skipped", result.Skipped)
	return result, nil
}

// loopReason returns why event must be ignored, or "" when it may be processed
func (e *Engine) loopReason(event repo.ChangeEvent) string {
	if event.Actor != "" && event.Actor == e.cfg.GitHub.BotLogin {
		return "actor is the bot"
	}
	if strings.TrimSpace(event.HeadMessage) == e.cfg.Policy.CommitMessage {
		return "head commit is a header commit"
	}
	return ""
}

// resolveHead reads the current branch head and its tree. The tree carried
// by the event is reused while the branch has not moved.
func (e *Engine) resolveHead(ctx context.Context, run *Run) error {
	head, err := run.Client.BranchHead(ctx, run.Event.Branch())
	if err != nil {
		return fmt.Errorf("failed to resolve branch %s: %w", run.Event.Branch(), err)
	}
	run.Head = head

	if head == run.Event.HeadCommit && run.Event.BaseTree != "" {
		run.Tree = run.Event.BaseTree
		return nil
	}

	if head != run.Event.HeadCommit {
		run.Logger.Debug("branch moved since the event", "event_head", run.Event.HeadCommit, "head", head)
	}
	tree, err := run.Client.CommitTree(ctx, head)
	if err != nil {
		return fmt.Errorf("failed to read commit %s: %w", head, err)
	}
	run.Tree = tree
	return nil
}

func (e *Engine) candidates(strategy selector.Strategy, event repo.ChangeEvent, entries []repo.TreeEntry) []string {
	if strategy == selector.StrategyFull {
		return selector.FullScan(entries, e.mode.Selection)
	}

	// Paths removed again by a later commit are no longer in the tree
	blobs := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.Type == repo.TypeBlob {
			blobs[entry.Path] = true
		}
	}

	var result []string
	for _, p := range selector.Incremental(event.Added, event.Modified, e.mode.Selection) {
		if blobs[p] {
			result = append(result, p)
		}
	}
	return result
}

// loadPolicy reads the policy file at the run's head, falling back to the
// configured default template
func (e *Engine) loadPolicy(ctx context.Context, run *Run) Policy {
	enc := e.cfg.Policy.Encryption
	policy := Policy{
		Template:      e.cfg.Policy.DefaultTemplate,
		EncryptionKey: enc.Key,
		ProjectName:   enc.ProjectName,
		Fragments:     enc.Fragments,
	}

	data, err := run.Client.FileContent(ctx, e.cfg.Policy.File, run.Head)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		run.Logger.Debug("policy file not found, using default template", "path", e.cfg.Policy.File)
	case err != nil:
		run.Logger.Warn("failed to read policy file, using default template", "path", e.cfg.Policy.File, "error", err)
	default:
		if template := strings.TrimSpace(string(data)); template != "" {
			run.Logger.Debug("using policy file template", "path", e.cfg.Policy.File)
			policy.Template = template
		}
	}

	return policy
}

// compose fetches and rewrites candidates concurrently. The result keeps the
// order of candidates.
func (e *Engine) compose(ctx context.Context, run *Run, candidates []string, modes map[string]string, fragments []string) ([]*FileRewrite, error) {
	slots := make([]*FileRewrite, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.mode.Parallelism, 1))
	for i, path := range candidates {
		g.Go(func() error {
			fr, err := e.rewriteFile(gctx, run, path, fragments)
			if err != nil {
				return err
			}
			if fr != nil {
				fr.Mode = modes[path]
				slots[i] = fr
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rewrites := make([]*FileRewrite, 0, len(slots))
	for _, fr := range slots {
		if fr != nil {
			rewrites = append(rewrites, fr)
		}
	}
	return rewrites, nil
}

// rewriteFile returns nil when path should be left alone
func (e *Engine) rewriteFile(ctx context.Context, run *Run, path string, fragments []string) (*FileRewrite, error) {
	data, err := run.Client.FileContent(ctx, path, run.Head)
	if errors.Is(err, repo.ErrNotFound) {
		run.Logger.Debug("skipping file removed from branch", "path", path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}

	original := string(data)
	if e.mode.CheckMarker && header.HasHeader(original) {
		run.Logger.Debug("skipping file with existing header", "path", path)
		return nil, nil
	}

	hdr, ok := e.composer.Compose(path, run.Policy.Template, run.Event.Actor, fragments)
	if !ok {
		run.Logger.Debug("skipping unsupported file", "path", path)
		return nil, nil
	}

	return &FileRewrite{
		Path:     path,
		Original: original,
		Header:   hdr,
		Content:  header.Prepend(hdr, original),
	}, nil
}

// publish stages rewrites as blobs, builds one tree and commit over the
// run's head, and moves the branch without forcing
func (e *Engine) publish(ctx context.Context, run *Run, rewrites []*FileRewrite) (string, error) {
	entries := make([]repo.TreeEntry, 0, len(rewrites))
	for _, fr := range rewrites {
		sha, err := run.Client.CreateBlob(ctx, []byte(fr.Content))
		if err != nil {
			return "", fmt.Errorf("failed to create blob for %s: %w", fr.Path, err)
		}

		mode := fr.Mode
		if mode == "" {
			mode = repo.ModeFile
		}
		entries = append(entries, repo.TreeEntry{
			Path: fr.Path,
			Mode: mode,
			Type: repo.TypeBlob,
			SHA:  sha,
		})
	}

	tree, err := run.Client.CreateTree(ctx, run.Tree, entries)
	if err != nil {
		return "", fmt.Errorf("failed to create tree: %w", err)
	}

	commit, err := run.Client.CreateCommit(ctx, e.cfg.Policy.CommitMessage, tree, []string{run.Head})
	if err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}

	if err := run.Client.UpdateRef(ctx, run.Event.Branch(), commit, false); err != nil {
		return "", fmt.Errorf("failed to update %s: %w", run.Event.Ref, err)
	}

	return commit, nil
}

func treeModes(entries []repo.TreeEntry) map[string]string {
	modes := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.Type == repo.TypeBlob {
			modes[entry.Path] = entry.Mode
		}
	}
	return modes
}
