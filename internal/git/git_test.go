package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/copyrightd/internal/repo"
)

// initRepo creates a local repo with an initial commit on the given branch.
func initRepo(t *testing.T, dir, branch string) {
	t.Helper()
	cmds := [][]string{
		{"git", "init", "-b", branch, dir},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

// commitFiles creates or overwrites files and commits them.
func commitFiles(t *testing.T, repoDir string, files map[string]string, msg string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(repoDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	for _, args := range [][]string{
		{"git", "-C", repoDir, "add", "-A"},
		{"git", "-C", repoDir, "commit", "-m", msg},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func TestShellClient_ReadOperations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	initRepo(t, dir, "main")
	commitFiles(t, dir, map[string]string{
		"a.py":      "print(1)\n",
		"src/b.js":  "x()\n",
		"README.md": "# readme\n",
	}, "Initial commit")

	client := NewShellClient(dir, "", "")

	head, err := client.BranchHead(ctx, "main")
	if err != nil {
		t.Fatalf("BranchHead: %v", err)
	}
	if head != gitOutput(t, dir, "rev-parse", "HEAD") {
		t.Errorf("unexpected head %s", head)
	}

	tree, err := client.CommitTree(ctx, head)
	if err != nil {
		t.Fatalf("CommitTree: %v", err)
	}

	entries, err := client.ListTree(ctx, tree, true)
	if err != nil {
		t.Fatalf("ListTree: %v", err)
	}
	got := map[string]string{}
	for _, e := range entries {
		got[e.Path] = e.Type
	}
	want := map[string]string{"a.py": "blob", "src": "tree", "src/b.js": "blob", "README.md": "blob"}
	if len(got) != len(want) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	for path, typ := range want {
		if got[path] != typ {
			t.Errorf("expected %s to be a %s, got %q", path, typ, got[path])
		}
	}

	content, err := client.FileContent(ctx, "src/b.js", head)
	if err != nil {
		t.Fatalf("FileContent: %v", err)
	}
	if string(content) != "x()\n" {
		t.Errorf("unexpected content %q", content)
	}

	for _, path := range []string{"missing.py", "src"} {
		if _, err := client.FileContent(ctx, path, head); !errors.Is(err, repo.ErrNotFound) {
			t.Errorf("FileContent(%s): expected ErrNotFound, got %v", path, err)
		}
	}

	if _, err := client.BranchHead(ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown branch, got %v", err)
	}
}

func TestShellClient_CommitInfo(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir, "main")
	commitFiles(t, dir, map[string]string{"a.py": "print(1)\n"}, "Add a.py\n\nWith a body")

	client := NewShellClient(dir, "", "")
	author, message, err := client.CommitInfo(context.Background(), gitOutput(t, dir, "rev-parse", "HEAD"))
	if err != nil {
		t.Fatalf("CommitInfo: %v", err)
	}
	if author != "Test" {
		t.Errorf("expected author Test, got %q", author)
	}
	if message != "Add a.py\n\nWith a body" {
		t.Errorf("unexpected message %q", message)
	}

	if _, _, err := client.CommitInfo(context.Background(), "0000000000000000000000000000000000000000"); err == nil {
		t.Error("expected error for unknown commit")
	}
}

func TestShellClient_Publish(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	initRepo(t, dir, "main")
	commitFiles(t, dir, map[string]string{"a.py": "print(1)\n", "src/b.js": "x()\n"}, "Initial commit")

	client := NewShellClient(dir, "", "")
	client.SetIdentity(Identity{Name: "bot", Email: "bot@example.com"})

	head, _ := client.BranchHead(ctx, "main")
	tree, _ := client.CommitTree(ctx, head)

	blob, err := client.CreateBlob(ctx, []byte("# header\nx()\n"))
	if err != nil {
		t.Fatalf("CreateBlob: %v", err)
	}

	newTree, err := client.CreateTree(ctx, tree, []repo.TreeEntry{
		{Path: "src/b.js", Mode: repo.ModeFile, Type: repo.TypeBlob, SHA: blob},
	})
	if err != nil {
		t.Fatalf("CreateTree: %v", err)
	}

	commit, err := client.CreateCommit(ctx, "chore: headers", newTree, []string{head})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}

	if err := client.UpdateRef(ctx, "main", commit, false); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}

	if got := gitOutput(t, dir, "rev-parse", "refs/heads/main"); got != commit {
		t.Errorf("expected main at %s, got %s", commit, got)
	}
	if got := gitOutput(t, dir, "show", "main:src/b.js"); got != "# header\nx()" {
		t.Errorf("unexpected rewritten content %q", got)
	}
	if got := gitOutput(t, dir, "show", "main:a.py"); got != "print(1)" {
		t.Errorf("expected untouched a.py, got %q", got)
	}
	if got := gitOutput(t, dir, "log", "-1", "--format=%an <%ae>|%s|%P", "main"); got != "bot <bot@example.com>|chore: headers|"+head {
		t.Errorf("unexpected commit metadata %q", got)
	}

	added, modified, removed, err := client.Changes(ctx, head, commit)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if len(added) != 0 || len(removed) != 0 || strings.Join(modified, ",") != "src/b.js" {
		t.Errorf("unexpected changes: added=%v modified=%v removed=%v", added, modified, removed)
	}
}

func TestShellClient_UpdateRefConflict(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	initRepo(t, dir, "main")
	commitFiles(t, dir, map[string]string{"a.py": "v1\n"}, "Initial commit")

	client := NewShellClient(dir, "", "")
	base, _ := client.BranchHead(ctx, "main")
	tree, _ := client.CommitTree(ctx, base)

	// Someone else pushes while the rewrite commit is being built
	commitFiles(t, dir, map[string]string{"a.py": "v2\n"}, "Concurrent commit")

	commit, err := client.CreateCommit(ctx, "chore: headers", tree, []string{base})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}

	err = client.UpdateRef(ctx, "main", commit, false)
	if !errors.Is(err, repo.ErrRefConflict) {
		t.Fatalf("expected ErrRefConflict, got %v", err)
	}

	if err := client.UpdateRef(ctx, "main", commit, true); err != nil {
		t.Fatalf("forced UpdateRef: %v", err)
	}
}

func TestShellClient_Changes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	initRepo(t, dir, "main")
	commitFiles(t, dir, map[string]string{"a.py": "1\n", "b.py": "1\n"}, "Initial commit")
	first := gitOutput(t, dir, "rev-parse", "HEAD")

	if err := os.Remove(filepath.Join(dir, "b.py")); err != nil {
		t.Fatal(err)
	}
	commitFiles(t, dir, map[string]string{"a.py": "2\n", "c.js": "new\n"}, "Second commit")

	client := NewShellClient(dir, "", "")
	added, modified, removed, err := client.Changes(ctx, first, "HEAD")
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	if strings.Join(added, ",") != "c.js" || strings.Join(modified, ",") != "a.py" || strings.Join(removed, ",") != "b.py" {
		t.Errorf("unexpected changes: added=%v modified=%v removed=%v", added, modified, removed)
	}
}

func TestShellClient_MirrorAndPush(t *testing.T) {
	ctx := context.Background()

	// Create a "remote" repo; pushing into its checked-out branch needs updateInstead
	remoteDir := t.TempDir()
	initRepo(t, remoteDir, "main")
	gitOutput(t, remoteDir, "config", "receive.denyCurrentBranch", "updateInstead")
	commitFiles(t, remoteDir, map[string]string{"a.py": "v1\n"}, "Initial commit")

	mirrorDir := filepath.Join(t.TempDir(), "mirror.git")
	client := NewShellClient(mirrorDir, "", "")
	if err := client.EnsureMirror(ctx, remoteDir); err != nil {
		t.Fatalf("first mirror: %v", err)
	}
	head1, err := client.BranchHead(ctx, "main")
	if err != nil {
		t.Fatalf("BranchHead: %v", err)
	}

	// A new remote commit must be picked up by the next mirror call
	commitFiles(t, remoteDir, map[string]string{"a.py": "v2\n"}, "Update")
	if err := client.EnsureMirror(ctx, remoteDir); err != nil {
		t.Fatalf("second mirror: %v", err)
	}
	head2, _ := client.BranchHead(ctx, "main")
	if head1 == head2 {
		t.Fatal("expected mirror to pick up the new commit")
	}

	tree, _ := client.CommitTree(ctx, head2)
	commit, err := client.CreateCommit(ctx, "chore: headers", tree, []string{head2})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if err := client.UpdateRef(ctx, "main", commit, false); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	if err := client.Push(ctx, remoteDir, "main"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := gitOutput(t, remoteDir, "rev-parse", "HEAD"); got != commit {
		t.Errorf("expected remote at %s, got %s", commit, got)
	}

	// Diverge the remote; pushing the stale mirror must be rejected
	commitFiles(t, remoteDir, map[string]string{"a.py": "v3\n"}, "Diverge")
	stale, err := client.CreateCommit(ctx, "chore: headers", tree, []string{commit})
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	if err := client.UpdateRef(ctx, "main", stale, false); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	if err := client.Push(ctx, remoteDir, "main"); !errors.Is(err, repo.ErrRefConflict) {
		t.Errorf("expected ErrRefConflict, got %v", err)
	}
}

func TestParseTree(t *testing.T) {
	out := []byte("100644 blob aaa\ta.py\x00040000 tree bbb\tsrc\x00100755 blob ccc\tsrc/run.sh\x00")
	entries, err := parseTree(out)
	if err != nil {
		t.Fatalf("parseTree: %v", err)
	}
	want := []repo.TreeEntry{
		{Path: "a.py", Mode: "100644", Type: "blob", SHA: "aaa"},
		{Path: "src", Mode: "040000", Type: "tree", SHA: "bbb"},
		{Path: "src/run.sh", Mode: "100755", Type: "blob", SHA: "ccc"},
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}

	if _, err := parseTree([]byte("garbage\x00")); err == nil {
		t.Error("expected error for malformed record")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple path", input: "/home/user/.ssh/key", want: "'/home/user/.ssh/key'"},
		{name: "path with spaces", input: "/home/my user/key", want: "'/home/my user/key'"},
		{name: "path with single quote", input: "/home/user's/key", want: "'/home/user'\\''s/key'"},
		{name: "empty string", input: "", want: "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := shellQuote(tt.input)
			if got != tt.want {
				t.Errorf("shellQuote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInsertGitFlags(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		flags []string
		want  []string
	}{
		{
			name:  "insert before subcommand",
			args:  []string{"git", "clone", "--bare", "url", "dest"},
			flags: []string{"-c", "key=value"},
			want:  []string{"git", "-c", "key=value", "clone", "--bare", "url", "dest"},
		},
		{
			name:  "insert before push",
			args:  []string{"git", "-C", "/dir", "push", "origin"},
			flags: []string{"-c", "cred=helper"},
			want:  []string{"git", "-c", "cred=helper", "-C", "/dir", "push", "origin"},
		},
		{
			name:  "empty args",
			args:  []string{},
			flags: []string{"-c", "key=value"},
			want:  []string{"-c", "key=value"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertGitFlags(tt.args, tt.flags...)
			if len(got) != len(tt.want) {
				t.Fatalf("insertGitFlags() length = %d, want %d\ngot:  %v\nwant: %v", len(got), len(tt.want), got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("insertGitFlags()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestConfigureAuth_HTTPSToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenFile, []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	client := NewShellClient(t.TempDir(), "", tokenFile)
	cmd := exec.Command("git", "fetch", "https://example.com/repo.git")
	if err := client.configureAuth(cmd, "https://example.com/repo.git"); err != nil {
		t.Fatalf("configureAuth: %v", err)
	}

	if cmd.Args[1] != "-c" || !strings.HasPrefix(cmd.Args[2], "credential.helper=") {
		t.Errorf("expected credential helper flag, got %v", cmd.Args)
	}
	found := false
	for _, e := range cmd.Env {
		if e == "COPYRIGHTD_GIT_TOKEN=s3cret" {
			found = true
		}
	}
	if !found {
		t.Error("expected token in environment")
	}
	for _, arg := range cmd.Args {
		if strings.Contains(arg, "s3cret") {
			t.Errorf("token leaked into args: %v", cmd.Args)
		}
	}
}
