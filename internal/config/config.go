package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/schaermu/copyrightd/internal/ownership"
	"github.com/schaermu/copyrightd/internal/selector"
	"gopkg.in/yaml.v3"
)

// Defaults reproduce the values the bot has always used, so that its own
// commits keep being recognized after an upgrade.
const (
	DefaultBotLogin      = "copyright-app[bot]"
	DefaultCommitMessage = "chore: add copyright headers with encrypted identifiers [skip ci]"
	DefaultPolicyFile    = "copyright.txt"
	DefaultTemplate      = "© {{YEAR}} Company. All Rights Reserved."
	DefaultFragments     = 5
	DefaultParallelism   = 4
	DefaultListenAddr    = ":3500"

	maxFragments   = 64
	maxParallelism = 64
)

// DefaultAllowedEventTypes are the webhook events handled when none are configured
var DefaultAllowedEventTypes = []string{"push", "issues", "ping"}

// Config represents the complete copyrightd configuration
type Config struct {
	GitHub    GitHubConfig    `yaml:"github"`
	Serve     ServeConfig     `yaml:"serve"`
	Policy    PolicyConfig    `yaml:"policy"`
	Selection SelectionConfig `yaml:"selection"`
}

// GitHubConfig configures access to the GitHub API
type GitHubConfig struct {
	APIURL    string `yaml:"api_url"`
	TokenFile string `yaml:"token_file"`
	BotLogin  string `yaml:"bot_login"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
	AllowedEventTypes []string `yaml:"allowed_event_types"`
	AllowedRefs       []string `yaml:"allowed_refs"`
}

// PolicyConfig configures the header content and the bot's commits
type PolicyConfig struct {
	File            string           `yaml:"file"`
	DefaultTemplate string           `yaml:"default_template"`
	CommitMessage   string           `yaml:"commit_message"`
	Encryption      EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig configures the embedded ownership identifier
type EncryptionConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Key         string `yaml:"key"`
	ProjectName string `yaml:"project_name"`
	Fragments   int    `yaml:"fragments"`
	IVMode      string `yaml:"iv_mode"`
	KDF         string `yaml:"kdf"`
}

// SelectionConfig configures which files a run considers
type SelectionConfig struct {
	Strategy           selector.Strategy `yaml:"strategy"`
	Exclude            []string          `yaml:"exclude"`
	ExcludeIncremental bool              `yaml:"exclude_incremental"`
	DisableMarkerCheck bool              `yaml:"disable_marker_check"`
	Parallelism        int               `yaml:"parallelism"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and
// encryption disabled
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.GitHub.APIURL = os.ExpandEnv(c.GitHub.APIURL)
	c.GitHub.TokenFile = os.ExpandEnv(c.GitHub.TokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
	c.Policy.Encryption.Key = os.ExpandEnv(c.Policy.Encryption.Key)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.GitHub.BotLogin == "" {
		c.GitHub.BotLogin = DefaultBotLogin
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Serve.AllowedEventTypes == nil {
		c.Serve.AllowedEventTypes = append([]string(nil), DefaultAllowedEventTypes...)
	}
	if c.Policy.File == "" {
		c.Policy.File = DefaultPolicyFile
	}
	if c.Policy.DefaultTemplate == "" {
		c.Policy.DefaultTemplate = DefaultTemplate
	}
	if c.Policy.CommitMessage == "" {
		c.Policy.CommitMessage = DefaultCommitMessage
	}
	if c.Policy.Encryption.Fragments == 0 {
		c.Policy.Encryption.Fragments = DefaultFragments
	}
	if c.Policy.Encryption.IVMode == "" {
		c.Policy.Encryption.IVMode = string(ownership.IVDeterministic)
	}
	if c.Policy.Encryption.KDF == "" {
		c.Policy.Encryption.KDF = string(ownership.KDFText)
	}
	if c.Selection.Strategy == "" {
		c.Selection.Strategy = selector.StrategyAuto
	}
	if c.Selection.Exclude == nil {
		c.Selection.Exclude = append([]string(nil), selector.DefaultExclude...)
	}
	if c.Selection.Parallelism == 0 {
		c.Selection.Parallelism = DefaultParallelism
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Policy.File == "" {
		return fmt.Errorf("policy.file is required")
	}
	if strings.HasPrefix(c.Policy.File, "/") {
		return fmt.Errorf("policy.file must be relative to the repository root: %s", c.Policy.File)
	}
	if c.Policy.CommitMessage == "" {
		return fmt.Errorf("policy.commit_message is required")
	}

	enc := c.Policy.Encryption
	if err := c.CodecOptions().Validate(); err != nil {
		return fmt.Errorf("policy.encryption: %w", err)
	}
	if enc.Fragments < 1 || enc.Fragments > maxFragments {
		return fmt.Errorf("policy.encryption.fragments must be between 1 and %d: %d", maxFragments, enc.Fragments)
	}
	if enc.Enabled {
		if enc.Key == "" {
			return fmt.Errorf("policy.encryption.key is required when encryption is enabled")
		}
		if enc.ProjectName == "" {
			return fmt.Errorf("policy.encryption.project_name is required when encryption is enabled")
		}
	}

	if err := c.Selection.Strategy.Validate(); err != nil {
		return fmt.Errorf("selection.strategy: %w", err)
	}
	if c.Selection.Parallelism < 1 || c.Selection.Parallelism > maxParallelism {
		return fmt.Errorf("selection.parallelism must be between 1 and %d: %d", maxParallelism, c.Selection.Parallelism)
	}

	if c.GitHub.APIURL != "" && !strings.HasPrefix(c.GitHub.APIURL, "https://") && !strings.HasPrefix(c.GitHub.APIURL, "http://") {
		return fmt.Errorf("github.api_url must be an http(s) URL: %s", c.GitHub.APIURL)
	}

	return nil
}

// ValidateServe checks the settings only the webhook server needs
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.WebhookSecretFile == "" {
		return fmt.Errorf("serve.webhook_secret_file is required")
	}
	if c.GitHub.TokenFile == "" {
		return fmt.Errorf("github.token_file is required")
	}
	return nil
}

// CodecOptions returns the ownership codec options selected by the config
func (c *Config) CodecOptions() ownership.Options {
	return ownership.Options{
		KDF: ownership.KDF(c.Policy.Encryption.KDF),
		IV:  ownership.IVMode(c.Policy.Encryption.IVMode),
	}
}

// SelectorOptions returns the candidate filtering options
func (c *Config) SelectorOptions() selector.Options {
	return selector.Options{
		Exclude:            c.Selection.Exclude,
		ExcludeIncremental: c.Selection.ExcludeIncremental,
	}
}
