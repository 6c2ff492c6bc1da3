// Package repo defines the remote repository operations the rewrite
// pipeline depends on, and the event that triggers a run.
package repo

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrRefConflict is returned by UpdateRef when the branch no longer
	// points at the commit the new commit was built on.
	ErrRefConflict = errors.New("ref update conflict: branch moved")
	// ErrNotFound is returned when a requested path or object does not exist.
	ErrNotFound = errors.New("not found")
)

// Git object modes and types used in tree entries
const (
	ModeFile       = "100644"
	ModeExecutable = "100755"
	TypeBlob       = "blob"
	TypeTree       = "tree"
)

// TreeEntry is one entry of a git tree listing, or a staged entry when
// building a new tree
type TreeEntry struct {
	Path string
	Mode string
	Type string
	SHA  string
}

// Client provides the git data operations needed to rewrite files and
// publish the result as a single commit
type Client interface {
	// BranchHead returns the commit SHA the branch currently points to
	BranchHead(ctx context.Context, branch string) (string, error)
	// CommitTree returns the tree SHA of a commit
	CommitTree(ctx context.Context, commitSHA string) (string, error)
	// ListTree lists the entries of a tree
	ListTree(ctx context.Context, treeSHA string, recursive bool) ([]TreeEntry, error)
	// FileContent returns the content of path at ref, or ErrNotFound
	FileContent(ctx context.Context, path, ref string) ([]byte, error)
	// CreateBlob stores content and returns its SHA
	CreateBlob(ctx context.Context, content []byte) (string, error)
	// CreateTree creates a tree from entries layered over baseTree
	CreateTree(ctx context.Context, baseTree string, entries []TreeEntry) (string, error)
	// CreateCommit creates a commit and returns its SHA
	CreateCommit(ctx context.Context, message, treeSHA string, parents []string) (string, error)
	// UpdateRef moves the branch to sha. Without force it fails with
	// ErrRefConflict when the update is not a fast-forward.
	UpdateRef(ctx context.Context, branch, sha string, force bool) error
}

// Commenter posts replies on issues
type Commenter interface {
	CreateComment(ctx context.Context, issue int, body string) error
}

// Repository identifies a hosted repository
type Repository struct {
	Owner string
	Name  string
}

// FullName returns owner/name
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// ChangeEvent is a push to a branch
type ChangeEvent struct {
	Repo        Repository
	Ref         string
	Actor       string
	Added       []string
	Modified    []string
	Removed     []string
	HeadCommit  string
	HeadMessage string
	BaseTree    string
}

// Branch returns the branch name of the event's ref
func (e ChangeEvent) Branch() string {
	return BranchName(e.Ref)
}

// Touched returns true if path was added or modified by the event
func (e ChangeEvent) Touched(path string) bool {
	for _, p := range e.Added {
		if p == path {
			return true
		}
	}
	for _, p := range e.Modified {
		if p == path {
			return true
		}
	}
	return false
}

// BranchName strips the refs/heads/ prefix from ref
func BranchName(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// IssueEvent is an issue being opened or edited
type IssueEvent struct {
	Repo   Repository
	Action string
	Number int
	Title  string
	Body   string
	Actor  string
}
