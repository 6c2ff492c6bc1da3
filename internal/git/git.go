// Package git implements the repository operations of the rewrite pipeline
// on a local repository by shelling out to git plumbing commands.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/schaermu/copyrightd/internal/repo"
)

// Identity is the author and committer of commits created by the client
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is used when no identity is configured
var DefaultIdentity = Identity{Name: "copyrightd", Email: "copyrightd@localhost"}

// ShellClient implements repo.Client by shelling out to the git command.
// dir may be a bare repository or a working clone; the working tree is
// never touched.
type ShellClient struct {
	dir            string
	identity       Identity
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a new git client operating on dir
func NewShellClient(dir, sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		dir:            dir,
		identity:       DefaultIdentity,
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// SetIdentity sets the author and committer of created commits
func (c *ShellClient) SetIdentity(id Identity) {
	c.identity = id
}

// Dir returns the repository directory
func (c *ShellClient) Dir() string {
	return c.dir
}

// EnsureMirror clones url as a bare repository, or fetches every branch
// into an existing one
func (c *ShellClient) EnsureMirror(ctx context.Context, url string) error {
	if _, err := os.Stat(filepath.Join(c.dir, "HEAD")); err != nil {
		if err := os.MkdirAll(filepath.Dir(c.dir), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}

		cmd := exec.CommandContext(ctx, "git", "clone", "--bare", url, c.dir)
		if err := c.configureAuth(cmd, url); err != nil {
			return err
		}
		if err := runCommand(cmd); err != nil {
			return fmt.Errorf("git clone failed: %w", err)
		}
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "fetch", "--prune", url, "+refs/heads/*:refs/heads/*")
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if err := runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// Push publishes branch to url. A rejected non-fast-forward push is
// reported as repo.ErrRefConflict.
func (c *ShellClient) Push(ctx context.Context, url, branch string) error {
	ref := "refs/heads/" + branch
	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "push", url, ref+":"+ref)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}

	if err := runCommand(cmd); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "non-fast-forward") || strings.Contains(msg, "fetch first") || strings.Contains(msg, "[rejected]") {
			return fmt.Errorf("git push rejected: %w: %v", repo.ErrRefConflict, err)
		}
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

// BranchHead returns the commit SHA the branch points to
func (c *ShellClient) BranchHead(ctx context.Context, branch string) (string, error) {
	out, err := c.run(ctx, nil, nil, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("failed to resolve branch %s: %w", branch, repo.ErrNotFound)
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitTree returns the tree SHA of a commit
func (c *ShellClient) CommitTree(ctx context.Context, commitSHA string) (string, error) {
	out, err := c.run(ctx, nil, nil, "rev-parse", "--verify", "--quiet", commitSHA+"^{tree}")
	if err != nil {
		return "", fmt.Errorf("failed to resolve commit %s: %w", commitSHA, repo.ErrNotFound)
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitInfo returns the author name and full message of a commit
func (c *ShellClient) CommitInfo(ctx context.Context, commitSHA string) (author, message string, err error) {
	out, err := c.run(ctx, nil, nil, "log", "-1", "--format=%an%x00%B", commitSHA)
	if err != nil {
		return "", "", fmt.Errorf("failed to read commit %s: %w", commitSHA, err)
	}
	author, message, _ = strings.Cut(string(out), "\x00")
	return author, strings.TrimSpace(message), nil
}

// ListTree lists the entries of a tree. Recursive listings include the
// intermediate trees, as the hosted API does.
func (c *ShellClient) ListTree(ctx context.Context, treeSHA string, recursive bool) ([]repo.TreeEntry, error) {
	args := []string{"ls-tree", "-z"}
	if recursive {
		args = append(args, "-r", "-t")
	}
	args = append(args, treeSHA)

	out, err := c.run(ctx, nil, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tree %s: %w", treeSHA, err)
	}
	return parseTree(out)
}

// parseTree parses NUL-terminated "<mode> <type> <sha>\t<path>" records
func parseTree(out []byte) ([]repo.TreeEntry, error) {
	var entries []repo.TreeEntry
	for _, record := range bytes.Split(out, []byte{0}) {
		if len(record) == 0 {
			continue
		}

		meta, path, ok := strings.Cut(string(record), "\t")
		if !ok {
			return nil, fmt.Errorf("malformed ls-tree record %q", record)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ls-tree record %q", record)
		}

		entries = append(entries, repo.TreeEntry{
			Path: path,
			Mode: fields[0],
			Type: fields[1],
			SHA:  fields[2],
		})
	}
	return entries, nil
}

// FileContent returns the content of path at ref, or repo.ErrNotFound when
// path does not name a blob
func (c *ShellClient) FileContent(ctx context.Context, path, ref string) ([]byte, error) {
	object := ref + ":" + path

	out, err := c.run(ctx, nil, nil, "cat-file", "-t", object)
	if err != nil || strings.TrimSpace(string(out)) != repo.TypeBlob {
		return nil, fmt.Errorf("%s at %s: %w", path, ref, repo.ErrNotFound)
	}

	content, err := c.run(ctx, nil, nil, "cat-file", "blob", object)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w", path, ref, err)
	}
	return content, nil
}

// CreateBlob writes content to the object database and returns its SHA
func (c *ShellClient) CreateBlob(ctx context.Context, content []byte) (string, error) {
	out, err := c.run(ctx, bytes.NewReader(content), nil, "hash-object", "-w", "--stdin")
	if err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CreateTree writes a tree consisting of baseTree with entries applied. It
// stages into a private index so the repository's own index is untouched.
func (c *ShellClient) CreateTree(ctx context.Context, baseTree string, entries []repo.TreeEntry) (string, error) {
	indexDir, err := os.MkdirTemp("", "copyrightd-index-*")
	if err != nil {
		return "", fmt.Errorf("failed to create index directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(indexDir)
	}()
	env := []string{"GIT_INDEX_FILE=" + filepath.Join(indexDir, "index")}

	readArgs := []string{"read-tree", "--empty"}
	if baseTree != "" {
		readArgs = []string{"read-tree", baseTree}
	}
	if _, err := c.run(ctx, nil, env, readArgs...); err != nil {
		return "", fmt.Errorf("failed to read base tree: %w", err)
	}

	var info bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&info, "%s %s\t%s\n", e.Mode, e.SHA, e.Path)
	}
	if _, err := c.run(ctx, &info, env, "update-index", "--add", "--index-info"); err != nil {
		return "", fmt.Errorf("failed to stage entries: %w", err)
	}

	out, err := c.run(ctx, nil, env, "write-tree")
	if err != nil {
		return "", fmt.Errorf("failed to write tree: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CreateCommit writes a commit object and returns its SHA
func (c *ShellClient) CreateCommit(ctx context.Context, message, treeSHA string, parents []string) (string, error) {
	args := []string{"commit-tree", treeSHA}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	args = append(args, "-F", "-")

	env := []string{
		"GIT_AUTHOR_NAME=" + c.identity.Name,
		"GIT_AUTHOR_EMAIL=" + c.identity.Email,
		"GIT_COMMITTER_NAME=" + c.identity.Name,
		"GIT_COMMITTER_EMAIL=" + c.identity.Email,
	}

	out, err := c.run(ctx, strings.NewReader(message), env, args...)
	if err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// UpdateRef moves the branch to sha. Without force the update must be a
// fast-forward and the branch must not move concurrently; otherwise
// repo.ErrRefConflict is returned.
func (c *ShellClient) UpdateRef(ctx context.Context, branch, sha string, force bool) error {
	ref := "refs/heads/" + branch

	if force {
		if _, err := c.run(ctx, nil, nil, "update-ref", ref, sha); err != nil {
			return fmt.Errorf("failed to update %s: %w", ref, err)
		}
		return nil
	}

	current, err := c.BranchHead(ctx, branch)
	if err != nil {
		return err
	}
	if _, err := c.run(ctx, nil, nil, "merge-base", "--is-ancestor", current, sha); err != nil {
		return fmt.Errorf("%s is not a descendant of %s: %w", sha, ref, repo.ErrRefConflict)
	}
	if _, err := c.run(ctx, nil, nil, "update-ref", ref, sha, current); err != nil {
		return fmt.Errorf("failed to update %s: %w: %v", ref, repo.ErrRefConflict, err)
	}
	return nil
}

// Changes returns the paths added, modified and removed between two commits
func (c *ShellClient) Changes(ctx context.Context, from, to string) (added, modified, removed []string, err error) {
	out, err := c.run(ctx, nil, nil, "diff-tree", "-r", "-z", "--no-renames", "--name-status", from, to)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to diff %s..%s: %w", from, to, err)
	}

	fields := strings.Split(strings.TrimRight(string(out), "\x00"), "\x00")
	for i := 0; i+1 < len(fields); i += 2 {
		status, path := fields[i], fields[i+1]
		switch {
		case strings.HasPrefix(status, "A"):
			added = append(added, path)
		case strings.HasPrefix(status, "D"):
			removed = append(removed, path)
		default:
			modified = append(modified, path)
		}
	}
	return added, modified, removed, nil
}

// run executes git in the repository directory and returns its stdout
func (c *ShellClient) run(ctx context.Context, stdin io.Reader, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", c.dir}, args...)...)
	cmd.Stdin = stdin
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}

// configureAuth sets up authentication for commands talking to a remote
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// The token travels in the environment and is read by an inline
		// credential helper, never embedded in the command line.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "COPYRIGHTD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$COPYRIGHTD_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
