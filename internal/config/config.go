package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the commsd configuration
type Config struct {
	SocketPath string `yaml:"socket_path,omitempty"`
	PIDPath    string `yaml:"pid_path,omitempty"`

	// ChatDBPath overrides the default ~/Library/Messages/chat.db location.
	ChatDBPath string `yaml:"chat_db,omitempty"`

	// ContactsPath points at the contact directory JSON file.
	ContactsPath string `yaml:"contacts_path,omitempty"`

	// CredentialsDir holds OAuth client secret and token files.
	CredentialsDir string `yaml:"credentials_dir,omitempty"`

	FuzzyThreshold float64 `yaml:"fuzzy_threshold,omitempty"`
	CountryCode    string  `yaml:"country_code,omitempty"`

	ClientTimeout  time.Duration `yaml:"client_timeout,omitempty"`
	MaxConnections int           `yaml:"max_connections,omitempty"`
	GracePeriod    time.Duration `yaml:"grace_period,omitempty"`

	Watch WatchConfig `yaml:"watch,omitempty"`

	// Accounts maps a backend family to the account address it talks to,
	// e.g. email: you@gmail.com.
	Accounts map[string]string `yaml:"accounts,omitempty"`
}

// WatchConfig controls live watching of chat.db for new messages.
type WatchConfig struct {
	Enabled         bool `yaml:"enabled"`
	DebounceSeconds int  `yaml:"debounce_seconds,omitempty"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("COMMSD_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "commsd"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("COMMSD_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Commsd"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "commsd"), nil
	}

	return filepath.Join(home, ".local", "share", "commsd"), nil
}

// Load loads config from the config file
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			return cfg.withDefaults()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg.withDefaults()
}

func (c *Config) withDefaults() (*Config, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return nil, err
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(dataDir, "daemon.sock")
	}
	if c.PIDPath == "" {
		c.PIDPath = filepath.Join(dataDir, "daemon.pid")
	}
	if c.ChatDBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		c.ChatDBPath = filepath.Join(home, "Library", "Messages", "chat.db")
	}
	if c.ContactsPath == "" {
		c.ContactsPath = filepath.Join(configDir, "contacts.json")
	}
	if c.CredentialsDir == "" {
		c.CredentialsDir = filepath.Join(configDir, "google_credentials")
	}
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = 0.85
	}
	if c.CountryCode == "" {
		c.CountryCode = "1"
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = 300 * time.Millisecond
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 64
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.Watch.DebounceSeconds <= 0 {
		c.Watch.DebounceSeconds = 2
	}
	if c.Accounts == nil {
		c.Accounts = make(map[string]string)
	}
	return c, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
