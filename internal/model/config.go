package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig holds the IMAP settings for one mail account.
type AccountConfig struct {
	// ID is the short account identifier used in box keys and logs.
	ID string `mapstructure:"id" yaml:"id"`

	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`

	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty in the config file, in which case it is
	// looked up from the OS keyring under "imap/<id>".
	Password string `mapstructure:"password" yaml:"password"`

	// TLS selects implicit TLS (usually port 993). When false the client
	// connects in cleartext and upgrades via STARTTLS (local bridges).
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Mailboxes lists the folders to sync. Defaults to ["INBOX"].
	Mailboxes []string `mapstructure:"mailboxes" yaml:"mailboxes"`
}

// MailboxNames returns the configured mailbox list, defaulting to INBOX.
func (a AccountConfig) MailboxNames() []string {
	if len(a.Mailboxes) == 0 {
		return []string{"INBOX"}
	}
	return a.Mailboxes
}

// SyncConfig holds the polling and fetch policy.
type SyncConfig struct {
	// PollIntervalSec is the scheduler period between SyncAll cycles.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// BackfillDaysMax bounds the very first sync of a mailbox to a date
	// window instead of the entire folder history.
	BackfillDaysMax int `mapstructure:"backfill_days_max" yaml:"backfill_days_max"`

	// OnlyUnseen restricts searches to unseen messages.
	OnlyUnseen bool `mapstructure:"only_unseen" yaml:"only_unseen"`

	// FlagSyncRecent is how many recent stored messages per mailbox get
	// their flags re-checked each cycle.
	FlagSyncRecent int `mapstructure:"flag_sync_recent" yaml:"flag_sync_recent"`
}

// LLMConfig holds settings for the local analysis model.
type LLMConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Model      string `mapstructure:"model" yaml:"model"`
	TimeoutSec int    `mapstructure:"timeout_sec" yaml:"timeout_sec"`

	// MaxBodyChars clips the normalized text sent to the model.
	MaxBodyChars int `mapstructure:"max_body_chars" yaml:"max_body_chars"`

	// MemoryMaxChars bounds the rendered memory block in prompts.
	MemoryMaxChars int `mapstructure:"memory_max_chars" yaml:"memory_max_chars"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DBPath   string          `mapstructure:"db_path" yaml:"db_path"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	LLM      LLMConfig       `mapstructure:"llm" yaml:"llm"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/inboxd/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "inboxd", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DBPath: filepath.Join(".", "inbox.sqlite3"),
		Sync: SyncConfig{
			PollIntervalSec: 300,
			BackfillDaysMax: 200,
			OnlyUnseen:      true,
			FlagSyncRecent:  300,
		},
		LLM: LLMConfig{
			URL:            "http://127.0.0.1:11434",
			Model:          "deepseek-r1:32b",
			TimeoutSec:     300,
			MaxBodyChars:   6000,
			MemoryMaxChars: 3000,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("db_path", filepath.Join(".", "inbox.sqlite3"))
	v.SetDefault("sync.poll_interval_sec", 300)
	v.SetDefault("sync.backfill_days_max", 200)
	v.SetDefault("sync.only_unseen", true)
	v.SetDefault("sync.flag_sync_recent", 300)
	v.SetDefault("llm.url", "http://127.0.0.1:11434")
	v.SetDefault("llm.model", "deepseek-r1:32b")
	v.SetDefault("llm.timeout_sec", 300)
	v.SetDefault("llm.max_body_chars", 6000)
	v.SetDefault("llm.memory_max_chars", 3000)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
