// internal/config/config.go
//
// This package handles vault configuration. Every vault gets a .taskvault/
// folder created in its root; config.yaml lives there and is layered with
// TASKVAULT_* environment variables through viper.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// HiddenDir is the name of the directory created inside each vault root.
	HiddenDir = ".taskvault"

	defaultMaxRetries  = 3
	defaultApprovalTTL = 24 * time.Hour
	envPrefix          = "TASKVAULT"
)

const defaultConfigYAML = `# taskvault vault configuration
version: 1

# How many requeues a task gets before failed becomes a legal destination.
max_retries: 3

# How long an issued approval stays decidable.
approval_ttl: 24h

# When true the engine refuses error-queue -> failed until max_retries
# requeues have been spent. When false it records the move and warns.
enforce_retry_exhaustion: false

# Actor recorded on engine-driven transitions when no --actor flag is given.
# Leave empty to use the operating system user.
actor: ""
`

// Settings models .taskvault/config.yaml plus its env/flag overrides.
type Settings struct {
	Version                int           `mapstructure:"version"`
	MaxRetries             int           `mapstructure:"max_retries"`
	ApprovalTTL            time.Duration `mapstructure:"approval_ttl"`
	EnforceRetryExhaustion bool          `mapstructure:"enforce_retry_exhaustion"`
	Actor                  string        `mapstructure:"actor"`
}

// Default returns the settings used when no config file exists.
func Default() Settings {
	return Settings{
		Version:     1,
		MaxRetries:  defaultMaxRetries,
		ApprovalTTL: defaultApprovalTTL,
	}
}

// Path returns the on-disk location of the config file for a vault root.
func Path(root string) string {
	return filepath.Join(root, HiddenDir, "config.yaml")
}

// Ensure writes the default config file if none exists yet. Called by vault
// initialization, never by the engine.
func Ensure(root string) error {
	path := Path(root)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", HiddenDir, err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

// Load reads the vault config, layering environment variables over file
// values. A missing file yields the defaults; a malformed one is an error.
func Load(root string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(Path(root))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	defaults := Default()
	v.SetDefault("version", defaults.Version)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("approval_ttl", defaults.ApprovalTTL)
	v.SetDefault("enforce_retry_exhaustion", defaults.EnforceRetryExhaustion)
	v.SetDefault("actor", defaults.Actor)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("config: read %s: %w", Path(root), err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", Path(root), err)
	}
	s.applyDefaults()
	s.normalize()
	if err := s.validate(); err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	return s, nil
}

// Save persists the settings back to the vault's config file.
func Save(root string, s Settings) error {
	s.applyDefaults()
	s.normalize()
	if err := s.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, HiddenDir), 0o755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", HiddenDir, err)
	}
	// Durations go out as "24h", not raw nanoseconds.
	out := settingsFile{
		Version:                s.Version,
		MaxRetries:             s.MaxRetries,
		ApprovalTTL:            s.ApprovalTTL.String(),
		EnforceRetryExhaustion: s.EnforceRetryExhaustion,
		Actor:                  s.Actor,
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(Path(root), data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", Path(root), err)
	}
	return nil
}

type settingsFile struct {
	Version                int    `yaml:"version"`
	MaxRetries             int    `yaml:"max_retries"`
	ApprovalTTL            string `yaml:"approval_ttl"`
	EnforceRetryExhaustion bool   `yaml:"enforce_retry_exhaustion"`
	Actor                  string `yaml:"actor"`
}

func (s *Settings) applyDefaults() {
	if s.Version == 0 {
		s.Version = 1
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.ApprovalTTL == 0 {
		s.ApprovalTTL = defaultApprovalTTL
	}
}

func (s *Settings) normalize() {
	s.Actor = strings.TrimSpace(s.Actor)
}

func (s Settings) validate() error {
	if s.Version < 1 {
		return fmt.Errorf("version must be >= 1")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if s.ApprovalTTL <= 0 {
		return fmt.Errorf("approval_ttl must be positive")
	}
	return nil
}
