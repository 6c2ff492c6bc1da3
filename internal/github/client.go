// Package github implements the repository operations of the rewrite
// pipeline on top of the GitHub REST API, and converts webhook payloads
// into repository events.
package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v66/github"
	"github.com/schaermu/copyrightd/internal/repo"
)

// apiTimeout bounds every API request so a stalled call cannot hold a run
// forever
const apiTimeout = 60 * time.Second

// NewClient creates an authenticated API client. An empty apiURL targets
// api.github.com; anything else is treated as a GitHub Enterprise base URL.
func NewClient(apiURL, token string) (*gh.Client, error) {
	client := gh.NewClient(&http.Client{Timeout: apiTimeout}).WithAuthToken(token)
	if apiURL == "" {
		return client, nil
	}

	client, err := client.WithEnterpriseURLs(apiURL, apiURL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure api url %s: %w", apiURL, err)
	}
	return client, nil
}

// RepoClient implements repo.Client and repo.Commenter for one repository
type RepoClient struct {
	client *gh.Client
	owner  string
	name   string
}

// NewRepoClient binds client to r
func NewRepoClient(client *gh.Client, r repo.Repository) *RepoClient {
	return &RepoClient{client: client, owner: r.Owner, name: r.Name}
}

// BranchHead returns the commit SHA the branch points to
func (c *RepoClient) BranchHead(ctx context.Context, branch string) (string, error) {
	ref, _, err := c.client.Git.GetRef(ctx, c.owner, c.name, "heads/"+branch)
	if err != nil {
		return "", wrap(err, "failed to get ref heads/%s", branch)
	}
	return ref.GetObject().GetSHA(), nil
}

// CommitTree returns the tree SHA of a commit
func (c *RepoClient) CommitTree(ctx context.Context, commitSHA string) (string, error) {
	commit, _, err := c.client.Git.GetCommit(ctx, c.owner, c.name, commitSHA)
	if err != nil {
		return "", wrap(err, "failed to get commit %s", commitSHA)
	}
	return commit.GetTree().GetSHA(), nil
}

// ListTree lists the entries of a tree. A truncated listing is an error
// since entries would silently be missed.
func (c *RepoClient) ListTree(ctx context.Context, treeSHA string, recursive bool) ([]repo.TreeEntry, error) {
	tree, _, err := c.client.Git.GetTree(ctx, c.owner, c.name, treeSHA, recursive)
	if err != nil {
		return nil, wrap(err, "failed to get tree %s", treeSHA)
	}
	if tree.GetTruncated() {
		return nil, fmt.Errorf("tree %s listing is truncated", treeSHA)
	}

	entries := make([]repo.TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		entries = append(entries, repo.TreeEntry{
			Path: e.GetPath(),
			Mode: e.GetMode(),
			Type: e.GetType(),
			SHA:  e.GetSHA(),
		})
	}
	return entries, nil
}

// FileContent returns the content of path at ref. Directories and missing
// paths yield repo.ErrNotFound. Files above 1 MB come back from the contents
// API without inline content and are read as raw blobs instead.
func (c *RepoClient) FileContent(ctx context.Context, path, ref string) ([]byte, error) {
	file, _, _, err := c.client.Repositories.GetContents(ctx, c.owner, c.name, path, &gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, wrap(err, "failed to get contents of %s", path)
	}
	if file == nil || file.GetType() != "file" {
		return nil, fmt.Errorf("%s is not a file: %w", path, repo.ErrNotFound)
	}

	if file.GetEncoding() == "none" {
		data, _, err := c.client.Git.GetBlobRaw(ctx, c.owner, c.name, file.GetSHA())
		if err != nil {
			return nil, wrap(err, "failed to get blob %s for %s", file.GetSHA(), path)
		}
		return data, nil
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode contents of %s: %w", path, err)
	}
	return []byte(content), nil
}

// CreateBlob uploads content and returns its SHA
func (c *RepoClient) CreateBlob(ctx context.Context, content []byte) (string, error) {
	blob, _, err := c.client.Git.CreateBlob(ctx, c.owner, c.name, &gh.Blob{
		Content:  gh.String(base64.StdEncoding.EncodeToString(content)),
		Encoding: gh.String("base64"),
	})
	if err != nil {
		return "", wrap(err, "failed to create blob")
	}
	return blob.GetSHA(), nil
}

// CreateTree creates a tree from entries layered over baseTree
func (c *RepoClient) CreateTree(ctx context.Context, baseTree string, entries []repo.TreeEntry) (string, error) {
	ghEntries := make([]*gh.TreeEntry, 0, len(entries))
	for _, e := range entries {
		ghEntries = append(ghEntries, &gh.TreeEntry{
			Path: gh.String(e.Path),
			Mode: gh.String(e.Mode),
			Type: gh.String(e.Type),
			SHA:  gh.String(e.SHA),
		})
	}

	tree, _, err := c.client.Git.CreateTree(ctx, c.owner, c.name, baseTree, ghEntries)
	if err != nil {
		return "", wrap(err, "failed to create tree")
	}
	return tree.GetSHA(), nil
}

// CreateCommit creates a commit and returns its SHA
func (c *RepoClient) CreateCommit(ctx context.Context, message, treeSHA string, parents []string) (string, error) {
	commit := &gh.Commit{
		Message: gh.String(message),
		Tree:    &gh.Tree{SHA: gh.String(treeSHA)},
	}
	for _, p := range parents {
		commit.Parents = append(commit.Parents, &gh.Commit{SHA: gh.String(p)})
	}

	created, _, err := c.client.Git.CreateCommit(ctx, c.owner, c.name, commit, nil)
	if err != nil {
		return "", wrap(err, "failed to create commit")
	}
	return created.GetSHA(), nil
}

// UpdateRef moves the branch to sha. A rejected non-forced update is
// reported as repo.ErrRefConflict.
func (c *RepoClient) UpdateRef(ctx context.Context, branch, sha string, force bool) error {
	ref := &gh.Reference{
		Ref:    gh.String("refs/heads/" + branch),
		Object: &gh.GitObject{SHA: gh.String(sha)},
	}

	_, _, err := c.client.Git.UpdateRef(ctx, c.owner, c.name, ref, force)
	if err == nil {
		return nil
	}
	if !force && IsConflict(err) {
		return fmt.Errorf("failed to update heads/%s: %w: %v", branch, repo.ErrRefConflict, err)
	}
	return wrap(err, "failed to update heads/%s", branch)
}

// CreateComment posts body on an issue
func (c *RepoClient) CreateComment(ctx context.Context, issue int, body string) error {
	_, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.name, issue, &gh.IssueComment{Body: gh.String(body)})
	if err != nil {
		return wrap(err, "failed to comment on issue #%d", issue)
	}
	return nil
}

// wrap annotates err and maps 404 responses to repo.ErrNotFound
func wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if IsNotFound(err) {
		return fmt.Errorf("%s: %w: %v", msg, repo.ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
