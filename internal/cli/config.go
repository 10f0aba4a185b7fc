package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// ConfigFileName is the project config file looked up in the working
// directory.
const ConfigFileName = ".shmcache.json"

var (
	errConfigInvalid      = errors.New("invalid config")
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
)

// Config holds the settings a cache is opened with. Zero values mean "not
// set" when layering files.
type Config struct {
	Dir         string   `json:"dir,omitempty"`
	Capacity    int      `json:"capacity,omitempty"`
	TTL         Duration `json:"ttl,omitempty"`
	Base        bool     `json:"base,omitempty"`
	Sync        bool     `json:"sync,omitempty"`
	LockTimeout Duration `json:"lock_timeout,omitempty"` //nolint:tagliatelle // snake_case for config file
	LogLevel    string   `json:"log_level,omitempty"`    //nolint:tagliatelle // snake_case for config file
	LogFormat   string   `json:"log_format,omitempty"`   //nolint:tagliatelle // snake_case for config file
	History     string   `json:"history,omitempty"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Dir:      os.TempDir(),
		Capacity: shmcache.DefaultCapacity,
	}
}

// Duration is a time.Duration that reads "30s"-style strings or a plain
// number of seconds from JSON.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string

	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := parseTTL(s)
		if err != nil {
			return err
		}

		*d = Duration(parsed)

		return nil
	}

	var secs float64

	err := json.Unmarshal(data, &secs)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or a number of seconds: %w", err)
	}

	*d = Duration(time.Duration(secs * float64(time.Second)))

	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// parseTTL accepts a Go duration ("1m30s") or a plain number of seconds.
func parseTTL(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("ttl must be >= 0, got %q", s)
		}

		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}

	if d < 0 {
		return 0, fmt.Errorf("ttl must be >= 0, got %q", s)
	}

	return d, nil
}

// getGlobalConfigPath returns $XDG_CONFIG_HOME/shmcache/config.json, falling
// back to ~/.config/shmcache/config.json. Empty if neither can be determined.
func getGlobalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "shmcache", "config.json")
	}

	home := env["HOME"]
	if home == "" {
		var err error

		home, err = os.UserHomeDir()
		if err != nil {
			return ""
		}
	}

	return filepath.Join(home, ".config", "shmcache", "config.json")
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/shmcache/config.json)
// 3. Project config file in workDir (.shmcache.json, if exists), or the
// explicit configPath instead when non-empty (must exist)
//
// Flags are applied by the caller on top of the result.
func LoadConfig(workDir, configPath string, env map[string]string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	if globalPath := getGlobalConfigPath(env); globalPath != "" {
		globalCfg, loaded, err := loadConfigFile(globalPath, false)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		if loaded {
			sources.Global = globalPath
			cfg = mergeConfig(cfg, globalCfg)
		}
	}

	projectPath := filepath.Join(workDir, ConfigFileName)
	mustExist := false

	if configPath != "" {
		projectPath = configPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true
	}

	projectCfg, loaded, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	if loaded {
		sources.Project = projectPath
		cfg = mergeConfig(cfg, projectCfg)
	}

	return cfg, sources, nil
}

// loadConfigFile reads one config file. Missing files are not an error
// unless mustExist is set.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
			}

			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigFileRead, path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	if cfg.Capacity < 0 {
		return Config{}, fmt.Errorf("capacity must be > 0, got %d", cfg.Capacity)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}

	if overlay.Capacity != 0 {
		base.Capacity = overlay.Capacity
	}

	if overlay.TTL != 0 {
		base.TTL = overlay.TTL
	}

	if overlay.Base {
		base.Base = true
	}

	if overlay.Sync {
		base.Sync = true
	}

	if overlay.LockTimeout != 0 {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogFormat != "" {
		base.LogFormat = overlay.LogFormat
	}

	if overlay.History != "" {
		base.History = overlay.History
	}

	return base
}

// FormatConfig returns the config as formatted JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
