package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/copyrightd/internal/config"
	"github.com/schaermu/copyrightd/internal/git"
	"github.com/spf13/cobra"
)

// resetFlags restores the package-level flag values after a test and
// points HOME at an empty directory so no user config is picked up.
func resetFlags(t *testing.T) {
	t.Helper()

	saved := []*string{&cfgFile, &logLevel, &logFormat, &repoDir, &remoteURL, &branch, &actor, &since,
		&sshKeyFile, &httpsTokenFile, &encrypted, &key, &file, &projectName}
	values := make([]string, len(saved))
	for i, p := range saved {
		values[i] = *p
	}
	origDryRun, origPush, origFragments := dryRun, push, fragments

	t.Cleanup(func() {
		for i, p := range saved {
			*p = values[i]
		}
		dryRun, push, fragments = origDryRun, origPush, origFragments
	})

	t.Setenv("HOME", t.TempDir())
	cfgFile, logLevel, logFormat = "", "error", "text"
	repoDir, remoteURL, branch, actor, since = ".", "", "main", "", ""
	sshKeyFile, httpsTokenFile = "", ""
	encrypted, key, file, projectName = "", "", "", ""
	dryRun, push, fragments = false, false, 0
}

func testCommand() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	return cmd, &out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRepo creates a repository on main with the given files committed
func initRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	if out, err := exec.Command("git", "init", "-b", "main", dir).CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	gitOutput(t, dir, "config", "user.email", "test@test.com")
	gitOutput(t, dir, "config", "user.name", "Test")
	commitFiles(t, dir, files, "initial")
	return dir
}

func commitFiles(t *testing.T, dir string, files map[string]string, msg string) string {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	gitOutput(t, dir, "add", "-A")
	gitOutput(t, dir, "commit", "-m", msg)
	return gitOutput(t, dir, "rev-parse", "HEAD")
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	resetFlags(t)
	logLevel, logFormat = "info", "json"

	var buf bytes.Buffer
	newLogger(&buf).Info("hello", "repo", "acme/widgets")

	if !strings.Contains(buf.String(), `"repo":"acme/widgets"`) {
		t.Errorf("expected JSON attributes, got %q", buf.String())
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetFlags(t)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := []byte(`policy:
  default_template: "© {{YEAR}} Acme"
  encryption:
    enabled: true
    key: "z9ogqrey1"
    project_name: "kingit"
selection:
  strategy: incremental
`)
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfgFile = cfgPath
	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Policy.DefaultTemplate != "© {{YEAR}} Acme" {
		t.Errorf("unexpected template %q", cfg.Policy.DefaultTemplate)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	resetFlags(t)

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := loadConfig(quietLogger())
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	resetFlags(t)

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("expected defaults when the default config file doesn't exist, got %v", err)
	}
	if cfg.Policy.DefaultTemplate != config.DefaultTemplate {
		t.Errorf("expected default template, got %q", cfg.Policy.DefaultTemplate)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}

func TestRunServe_InvalidConfig(t *testing.T) {
	resetFlags(t)

	if err := runServe(serveCmd, nil); err == nil {
		t.Fatal("expected error without webhook secret and token")
	}
}

func TestEncryptThenVerify(t *testing.T) {
	resetFlags(t)
	projectName, key, fragments = "kingit", "z9ogqrey1", 3

	cmd, out := testCommand()
	if err := runEncrypt(cmd, nil); err != nil {
		t.Fatalf("runEncrypt failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected encoded value and 3 fragments, got %q", out.String())
	}
	encoded := lines[0]

	var joined string
	for _, line := range lines[1:] {
		joined += strings.TrimPrefix(line, "OWNER_ID: ")
	}
	if joined != encoded {
		t.Errorf("fragments %q do not rejoin to %q", lines[1:], encoded)
	}

	// verify the raw value
	encrypted = encoded
	cmd, out = testCommand()
	if err := runVerify(cmd, nil); err != nil {
		t.Fatalf("runVerify failed: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "✅ Successfully verified! Project name: kingit" {
		t.Errorf("unexpected verify output %q", got)
	}

	// verify from a file header
	path := filepath.Join(t.TempDir(), "a.py")
	content := "# Copyright Header\n# " + strings.Join(lines[1:], "\n# ") + "\n\nprint(1)\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	encrypted, file = "", path
	cmd, out = testCommand()
	if err := runVerify(cmd, nil); err != nil {
		t.Fatalf("runVerify --file failed: %v", err)
	}
	if !strings.Contains(out.String(), "Project name: kingit") {
		t.Errorf("unexpected verify output %q", out.String())
	}
}

func TestRunVerify_Errors(t *testing.T) {
	resetFlags(t)

	cmd, _ := testCommand()
	if err := runVerify(cmd, nil); err == nil {
		t.Error("expected error without --encrypted or --file")
	}

	encrypted = "abc"
	cmd, out := testCommand()
	if err := runVerify(cmd, nil); err == nil {
		t.Error("expected error without a key")
	}
	if !strings.HasPrefix(out.String(), "Missing required information.") {
		t.Errorf("unexpected output %q", out.String())
	}

	encrypted = ""
	file = filepath.Join(t.TempDir(), "plain.py")
	if err := os.WriteFile(file, []byte("print(1)\n"), 0644); err != nil {
		t.Fatal(err)
	}
	key = "z9ogqrey1"
	cmd, _ = testCommand()
	if err := runVerify(cmd, nil); err == nil {
		t.Error("expected error for a file without OWNER_ID lines")
	}
}

func TestRunEncrypt_MissingInputs(t *testing.T) {
	resetFlags(t)

	cmd, _ := testCommand()
	if err := runEncrypt(cmd, nil); err == nil {
		t.Error("expected error without project name and key")
	}
}

func TestRunRewrite_LocalRepository(t *testing.T) {
	resetFlags(t)
	dir := initRepo(t, map[string]string{
		"a.py":      "print(1)\n",
		"README.md": "# readme\n",
	})
	before := gitOutput(t, dir, "rev-parse", "main")

	repoDir, actor = dir, "alice"
	cmd, out := testCommand()
	if err := runRewrite(cmd, nil); err != nil {
		t.Fatalf("runRewrite failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "published: 1 rewritten") {
		t.Errorf("unexpected output %q", out.String())
	}

	content := gitOutput(t, dir, "show", "main:a.py")
	if !strings.HasPrefix(content, "# Copyright Header\n") || !strings.HasSuffix(content, "print(1)") {
		t.Errorf("unexpected content %q", content)
	}
	if !strings.Contains(content, "# Created by : alice") {
		t.Errorf("expected actor in header, got %q", content)
	}
	if got := gitOutput(t, dir, "show", "main:README.md"); got != "# readme" {
		t.Errorf("README.md must not change, got %q", got)
	}
	if parent := gitOutput(t, dir, "rev-parse", "main^"); parent != before {
		t.Errorf("expected parent %s, got %s", before, parent)
	}
	if msg := gitOutput(t, dir, "log", "-1", "--format=%s", "main"); msg != config.DefaultCommitMessage {
		t.Errorf("unexpected commit message %q", msg)
	}

	// the head is now the bot's own commit
	published := gitOutput(t, dir, "rev-parse", "main")
	cmd, out = testCommand()
	if err := runRewrite(cmd, nil); err != nil {
		t.Fatalf("second runRewrite failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "aborted") {
		t.Errorf("expected aborted, got %q", out.String())
	}
	if got := gitOutput(t, dir, "rev-parse", "main"); got != published {
		t.Errorf("branch must not move, got %s", got)
	}

	// a later user commit on top finds the file already stamped
	gitOutput(t, dir, "reset", "--hard", "main")
	commitFiles(t, dir, map[string]string{"notes.txt": "n\n"}, "add notes")
	cmd, out = testCommand()
	if err := runRewrite(cmd, nil); err != nil {
		t.Fatalf("third runRewrite failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "no-changes") {
		t.Errorf("expected no-changes, got %q", out.String())
	}
}

func TestLocalEvent_DefaultsActorToAuthor(t *testing.T) {
	resetFlags(t)
	dir := initRepo(t, map[string]string{"a.py": "print(1)\n"})
	commitFiles(t, dir, map[string]string{"b.py": "print(2)\n"}, "add b.py")

	client := git.NewShellClient(dir, "", "")
	event, err := localEvent(context.Background(), client, config.Default())
	if err != nil {
		t.Fatalf("localEvent failed: %v", err)
	}
	if event.Actor != "Test" {
		t.Errorf("expected actor Test, got %q", event.Actor)
	}
	if event.HeadMessage != "add b.py" {
		t.Errorf("expected head message, got %q", event.HeadMessage)
	}

	actor = "alice"
	event, err = localEvent(context.Background(), client, config.Default())
	if err != nil {
		t.Fatalf("localEvent failed: %v", err)
	}
	if event.Actor != "alice" {
		t.Errorf("expected actor alice, got %q", event.Actor)
	}
}

func TestRunRewrite_SinceAndDryRun(t *testing.T) {
	resetFlags(t)
	dir := initRepo(t, map[string]string{"old.py": "print(0)\n"})
	base := gitOutput(t, dir, "rev-parse", "HEAD")
	head := commitFiles(t, dir, map[string]string{"new.js": "console.log(1)\n"}, "add new.js")

	repoDir, since, dryRun = dir, base, true
	cmd, out := testCommand()
	if err := runRewrite(cmd, nil); err != nil {
		t.Fatalf("runRewrite failed: %v", err)
	}

	if got := out.String(); got != "dry-run: 1 rewritten, 0 skipped\n  new.js\n" {
		t.Errorf("unexpected output %q", got)
	}
	if got := gitOutput(t, dir, "rev-parse", "main"); got != head {
		t.Errorf("dry run must not move the branch, got %s", got)
	}
}

func TestRunRewrite_PushRequiresURL(t *testing.T) {
	resetFlags(t)
	push = true

	cmd, _ := testCommand()
	if err := runRewrite(cmd, nil); err == nil {
		t.Error("expected error for --push without --url")
	}
}
