package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	gh "github.com/google/go-github/v66/github"
	"github.com/schaermu/copyrightd/internal/config"
	"github.com/schaermu/copyrightd/internal/git"
	"github.com/schaermu/copyrightd/internal/github"
	"github.com/schaermu/copyrightd/internal/header"
	"github.com/schaermu/copyrightd/internal/ownership"
	"github.com/schaermu/copyrightd/internal/repo"
	"github.com/schaermu/copyrightd/internal/rewrite"
	"github.com/schaermu/copyrightd/internal/selector"
	"github.com/schaermu/copyrightd/internal/verify"
	"github.com/schaermu/copyrightd/internal/webhook"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// run flags
	repoDir        string
	remoteURL      string
	branch         string
	actor          string
	since          string
	dryRun         bool
	push           bool
	sshKeyFile     string
	httpsTokenFile string

	// verify and encrypt flags
	encrypted   string
	key         string
	file        string
	projectName string
	fragments   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "copyrightd",
	Short: "Stamp copyright headers with embedded ownership identifiers",
	Long: `copyrightd adds a copyright header to every supported source file pushed to
a repository and commits the result on top of the branch.

Headers can carry an encrypted project identifier, split into OWNER_ID
fragments, which proves ownership with the key that produced it.

It runs as a GitHub webhook daemon or one-shot against a local repository.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the GitHub webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events.

Push events stamp headers onto the pushed files through the GitHub API. Issues
titled "verify: ..." are answered with the result of decrypting the
Encrypted/Key pair in their body.`,
	RunE: runServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Stamp headers onto a branch of a local repository",
	Long: `Run applies the header rewrite to a branch of a local git repository and
commits the result on top of it.

Without --since every eligible file of the branch is considered. With --since
only files added or modified after that commit are.

Use a bare repository, or --url to maintain a bare mirror in --repo-dir; the
branch ref is moved without touching any working tree.`,
	RunE: runRewrite,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an encrypted ownership identifier",
	Long: `Verify decrypts an identifier with a key and prints the project name it holds.

The identifier is given with --encrypted, or read from the OWNER_ID fragments
in the header of --file.`,
	RunE: runVerify,
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Print the encrypted identifier for a project",
	RunE:  runEncrypt,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("copyrightd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/copyrightd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Run command flags
	runCmd.Flags().StringVar(&repoDir, "repo-dir", ".", "path to the git repository")
	runCmd.Flags().StringVar(&remoteURL, "url", "", "remote to mirror into --repo-dir before the run")
	runCmd.Flags().StringVar(&branch, "branch", "main", "branch to rewrite")
	runCmd.Flags().StringVar(&actor, "actor", "", "author written into the headers (default is the head commit's author)")
	runCmd.Flags().StringVar(&since, "since", "", "only consider files changed after this commit")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	runCmd.Flags().BoolVar(&push, "push", false, "push the branch back to --url after a commit")
	runCmd.Flags().StringVar(&sshKeyFile, "ssh-key-file", "", "SSH private key used for --url")
	runCmd.Flags().StringVar(&httpsTokenFile, "https-token-file", "", "file holding an HTTPS token used for --url")

	// Verify command flags
	verifyCmd.Flags().StringVar(&encrypted, "encrypted", "", "encrypted identifier")
	verifyCmd.Flags().StringVar(&key, "key", "", "decryption key (default is policy.encryption.key)")
	verifyCmd.Flags().StringVar(&file, "file", "", "read the identifier from this file's header")

	// Encrypt command flags
	encryptCmd.Flags().StringVar(&projectName, "project", "", "project name (default is policy.encryption.project_name)")
	encryptCmd.Flags().StringVar(&key, "key", "", "encryption key (default is policy.encryption.key)")
	encryptCmd.Flags().IntVar(&fragments, "fragments", 0, "number of fragments (default is policy.encryption.fragments)")

	// Add commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(versionCmd)
}

// repositories binds the shared API client to the repository of each event
type repositories struct {
	client *gh.Client
}

func (r repositories) Client(target repo.Repository) repo.Client {
	return github.NewRepoClient(r.client, target)
}

func (r repositories) Commenter(target repo.Repository) repo.Commenter {
	return github.NewRepoClient(r.client, target)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}

	token, err := os.ReadFile(cfg.GitHub.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read github token: %w", err)
	}
	client, err := github.NewClient(cfg.GitHub.APIURL, strings.TrimSpace(string(token)))
	if err != nil {
		return err
	}

	engine := rewrite.NewEngine(cfg, header.NewComposer(), logger, false)
	verifier := verify.NewHandler(ownership.Codec{Options: cfg.CodecOptions()})

	server, err := webhook.NewServer(cfg, engine, verifier, repositories{client: client}, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	logger.Info("starting webhook server", "listen_addr", cfg.Serve.ListenAddr)
	return server.Start(ctx)
}

func runRewrite(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if push && remoteURL == "" {
		return fmt.Errorf("--push requires --url")
	}

	dir, err := filepath.Abs(repoDir)
	if err != nil {
		return fmt.Errorf("failed to resolve repository path: %w", err)
	}
	client := git.NewShellClient(dir, sshKeyFile, httpsTokenFile)

	if remoteURL != "" {
		logger.Info("updating mirror", "url", remoteURL, "dir", dir)
		if err := client.EnsureMirror(ctx, remoteURL); err != nil {
			return err
		}
	}

	event, err := localEvent(ctx, client, cfg)
	if err != nil {
		return err
	}

	engine := rewrite.NewEngine(cfg, header.NewComposer(), logger, dryRun)
	result, err := engine.Run(ctx, client, event)
	if err != nil {
		logger.Error("rewrite failed", "error", err)
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%s: %d rewritten, %d skipped\n", result.Outcome, len(result.Rewritten), result.Skipped)
	for _, path := range result.Rewritten {
		_, _ = fmt.Fprintf(out, "  %s\n", path)
	}

	if push && result.Outcome == rewrite.OutcomePublished {
		logger.Info("pushing branch", "url", remoteURL, "branch", branch, "commit", result.Commit)
		if err := client.Push(ctx, remoteURL, branch); err != nil {
			return err
		}
	}
	return nil
}

// localEvent describes the branch of a local repository as a change event.
// The actor defaults to the author of the head commit. Without --since the
// configured strategy is overridden by a full scan.
func localEvent(ctx context.Context, client *git.ShellClient, cfg *config.Config) (repo.ChangeEvent, error) {
	head, err := client.BranchHead(ctx, branch)
	if err != nil {
		return repo.ChangeEvent{}, fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}

	author, message, err := client.CommitInfo(ctx, head)
	if err != nil {
		return repo.ChangeEvent{}, err
	}
	login := actor
	if login == "" {
		login = author
	}

	event := repo.ChangeEvent{
		Repo:        repo.Repository{Owner: "local", Name: filepath.Base(client.Dir())},
		Ref:         "refs/heads/" + branch,
		Actor:       login,
		HeadCommit:  head,
		HeadMessage: message,
	}

	if since == "" {
		cfg.Selection.Strategy = selector.StrategyFull
		return event, nil
	}

	event.Added, event.Modified, event.Removed, err = client.Changes(ctx, since, head)
	if err != nil {
		return repo.ChangeEvent{}, err
	}
	return event, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	passphrase := key
	if passphrase == "" {
		passphrase = cfg.Policy.Encryption.Key
	}
	handler := verify.NewHandler(ownership.Codec{Options: cfg.CodecOptions()})

	var result verify.Result
	switch {
	case file != "":
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		result = handler.VerifyFile(string(content), passphrase)
	case encrypted != "":
		result = handler.Handle("Encrypted: " + encrypted + "\nKey: " + passphrase)
	default:
		return fmt.Errorf("either --encrypted or --file is required")
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), result.Message())
	if result.Err != nil {
		logger.Debug("verification error", "error", result.Err)
	}
	if result.Outcome != verify.OutcomeVerified {
		return fmt.Errorf("verification %s", result.Outcome)
	}
	return nil
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	name, passphrase, n := projectName, key, fragments
	if name == "" {
		name = cfg.Policy.Encryption.ProjectName
	}
	if passphrase == "" {
		passphrase = cfg.Policy.Encryption.Key
	}
	if n == 0 {
		n = cfg.Policy.Encryption.Fragments
	}
	if name == "" || passphrase == "" {
		return fmt.Errorf("a project name and a key are required")
	}

	id, err := ownership.Codec{Options: cfg.CodecOptions()}.Identify(name, passphrase)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, id.Encoded)
	for _, fragment := range id.Fragments(n) {
		_, _ = fmt.Fprintf(out, "OWNER_ID: %s\n", fragment)
	}
	return nil
}

func setupLogger() *slog.Logger {
	return newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the config file. A missing file at the default location
// yields the built-in defaults.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "copyrightd", "config.yaml")

		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			logger.Debug("no configuration file, using defaults", "path", configPath)
			return config.Default(), nil
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"policy_file", cfg.Policy.File,
		"strategy", cfg.Selection.Strategy,
		"encryption", cfg.Policy.Encryption.Enabled,
		"api_url", cfg.GitHub.APIURL)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
