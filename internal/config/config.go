package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config represents vbranch configuration.
type Config struct {
	User      UserConfig      `mapstructure:"user"`
	Diff      DiffConfig      `mapstructure:"diff"`
	Ownership OwnershipConfig `mapstructure:"ownership"`
	Conflict  ConflictConfig  `mapstructure:"conflict"`
}

// UserConfig holds user identity information.
type UserConfig struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

// DiffConfig tunes the diff engine.
type DiffConfig struct {
	RenameThreshold float64 `mapstructure:"rename_threshold"`
	MaxFileSize     int64   `mapstructure:"max_file_size"`
	Workers         int     `mapstructure:"workers"`
}

// OwnershipConfig tunes hunk attribution.
type OwnershipConfig struct {
	// MoveThreshold is the body similarity above which an unplaced hunk is
	// treated as moved content. 1.0 only accepts identical bodies.
	MoveThreshold float64 `mapstructure:"move_threshold"`
	DefaultBranch string  `mapstructure:"default_branch"`
}

// ConflictConfig selects the conflict policy.
type ConflictConfig struct {
	Policy string `mapstructure:"policy"`
}

const (
	// MetaDirName is the per-repository metadata directory.
	MetaDirName    = ".vbranch"
	repoConfigName = "config.json"
	globalFileName = ".vbranchconfig.json"
	envPrefix      = "VBRANCH"
)

var defaults = map[string]any{
	"user.name":                "",
	"user.email":               "",
	"diff.rename_threshold":    0.5,
	"diff.max_file_size":       int64(10 * 1024 * 1024),
	"diff.workers":             8,
	"ownership.move_threshold": 0.8,
	"ownership.default_branch": "",
	"conflict.policy":          "priority",
}

// Keys lists every supported configuration key.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Diff: DiffConfig{
			RenameThreshold: defaults["diff.rename_threshold"].(float64),
			MaxFileSize:     defaults["diff.max_file_size"].(int64),
			Workers:         defaults["diff.workers"].(int),
		},
		Ownership: OwnershipConfig{
			MoveThreshold: defaults["ownership.move_threshold"].(float64),
		},
		Conflict: ConflictConfig{
			Policy: defaults["conflict.policy"].(string),
		},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, globalFileName), nil
}

// RepoConfigPath returns the repository config file inside metaDir.
func RepoConfigPath(metaDir string) string {
	return filepath.Join(metaDir, repoConfigName)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// load reads global then repository config. Repository values override
// global ones, and VBRANCH_SECTION_KEY variables override both.
func load(metaDir string) (*viper.Viper, error) {
	v := newViper()

	if globalPath, err := GlobalConfigPath(); err == nil && exists(globalPath) {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", globalPath, err)
		}
	}

	if metaDir != "" {
		repoPath := RepoConfigPath(metaDir)
		if exists(repoPath) {
			v.SetConfigFile(repoPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", repoPath, err)
			}
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load loads configuration for the repository whose metadata lives in metaDir.
// An empty metaDir loads global configuration only.
func Load(metaDir string) (*Config, error) {
	v, err := load(metaDir)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Diff.RenameThreshold < 0 || c.Diff.RenameThreshold > 1 {
		return fmt.Errorf("diff.rename_threshold must be within [0,1], got %v", c.Diff.RenameThreshold)
	}
	if c.Ownership.MoveThreshold < 0 || c.Ownership.MoveThreshold > 1 {
		return fmt.Errorf("ownership.move_threshold must be within [0,1], got %v", c.Ownership.MoveThreshold)
	}
	if c.Diff.MaxFileSize <= 0 {
		return fmt.Errorf("diff.max_file_size must be positive, got %d", c.Diff.MaxFileSize)
	}
	if c.Diff.Workers <= 0 {
		return fmt.Errorf("diff.workers must be positive, got %d", c.Diff.Workers)
	}
	switch c.Conflict.Policy {
	case "priority", "recent", "manual":
	default:
		return fmt.Errorf("conflict.policy must be one of priority, recent, manual; got %q", c.Conflict.Policy)
	}
	return nil
}

// GetValue retrieves a configuration value by key (e.g., "user.name").
func GetValue(metaDir, key string) (string, error) {
	if _, ok := defaults[key]; !ok {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	v, err := load(metaDir)
	if err != nil {
		return "", err
	}
	return v.GetString(key), nil
}

// SetValue sets a configuration value by key in either the global or the
// repository config file.
func SetValue(metaDir, key, value string, global bool) error {
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s (expected one of %s)", key, strings.Join(Keys(), ", "))
	}

	typed, err := coerce(def, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	var path string
	if global {
		path, err = GlobalConfigPath()
		if err != nil {
			return err
		}
	} else {
		if metaDir == "" {
			return errors.New("repository config requires a vbranch repository")
		}
		path = RepoConfigPath(metaDir)
	}

	// Only the target file is loaded so values from the other level are not copied into it.
	v := viper.New()
	v.SetConfigType("json")
	if exists(path) {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	v.Set(key, typed)

	// Validate the merged result before writing.
	candidate, err := load(metaDir)
	if err != nil {
		return err
	}
	candidate.Set(key, typed)
	if _, err := decode(candidate); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func coerce(def any, value string) (any, error) {
	switch def.(type) {
	case float64:
		return strconv.ParseFloat(value, 64)
	case int:
		return strconv.Atoi(value)
	case int64:
		return strconv.ParseInt(value, 10, 64)
	default:
		return value, nil
	}
}

// List returns every key with its effective value.
func List(metaDir string) (map[string]string, error) {
	v, err := load(metaDir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(defaults))
	for _, k := range Keys() {
		out[k] = v.GetString(k)
	}
	return out, nil
}

// Author returns the configured commit identity.
func (c *Config) Author() (name, email string, err error) {
	if c.User.Name == "" || c.User.Email == "" {
		return "", "", fmt.Errorf("user.name and user.email not configured. Run: vbranch config set user.name \"Your Name\" && vbranch config set user.email \"you@example.com\"")
	}
	return c.User.Name, c.User.Email, nil
}
