// Package config resolves the options that govern how a repository is
// opened — cache sizing, lock timeouts, and the crypto cost profile — with
// the same defaults → global user config → project config file → explicit
// path → caller overrides precedence chain the teacher's ticket CLI uses
// for its own config file, generalized from "ticket directory and editor"
// to "cache size, lock timeout, cipher cost".
//
// Grounded on internal/ticket/config.go's LoadConfig/mergeConfig/
// validateConfig shape and its use of github.com/tailscale/hujson to
// tolerate JSONC (comments, trailing commas) in hand-edited config files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Config-layer errors, grouped the way the teacher groups its own
// errConfig*/errTicket* sentinels.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrCacheSizeInvalid   = errors.New("cache-size must be positive")
)

// ConfigFileName is the default project config file name, looked for in
// the repository's working directory.
const ConfigFileName = ".vaultfs.json"

// Config holds the options that govern how a repository is opened.
type Config struct {
	// CacheSize is the number of decrypted blocks the Sector Manager's LRU
	// cache holds per open repository.
	//
	// Optional. Default: sector.DefaultCacheSize.
	CacheSize int `json:"cache_size,omitempty"`

	// LockTimeout bounds how long opening a repository waits for another
	// process's advisory lock to clear before giving up.
	//
	// Optional. Default: 10s.
	LockTimeout time.Duration `json:"lock_timeout,omitempty"`

	// CipherCost selects the key-derivation cost profile ("interactive",
	// "moderate", "sensitive") applied when deriving the volume key from a
	// passphrase. See vcrypto.CostProfile.
	//
	// Optional. Default: "interactive".
	CipherCost string `json:"cipher_cost,omitempty"`

	// Sources tracks which config files were loaded, for diagnostics.
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultConfig returns the configuration used when no config files exist
// and no overrides are given.
func DefaultConfig() Config {
	return Config{
		CacheSize:   1024,
		LockTimeout: 10 * time.Second,
		CipherCost:  "interactive",
	}
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	// WorkDir is the directory the project config file is looked for in.
	// Empty means os.Getwd().
	WorkDir string

	// ConfigPath is an explicit config file path (must exist if non-empty),
	// overriding the default project config file lookup.
	ConfigPath string

	// CacheSizeOverride, if non-zero, wins over every file-sourced value.
	CacheSizeOverride int

	// Env supplies the environment LoadInput's global config lookup reads
	// XDG_CONFIG_HOME/HOME from, decoupled from os.Environ for testability.
	Env map[string]string
}

// Load resolves a Config with precedence (highest wins): defaults, global
// user config (~/.config/vaultfs/config.json or
// $XDG_CONFIG_HOME/vaultfs/config.json), project config file
// (.vaultfs.json or an explicit path), then caller overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("config: cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	globalCfg, globalPath, err := loadGlobalConfig(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	if input.CacheSizeOverride != 0 {
		cfg.CacheSize = input.CacheSizeOverride
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "vaultfs", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "vaultfs", "config.json")
	}

	return ""
}

func loadGlobalConfig(env map[string]string) (Config, string, error) {
	path := globalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var (
		path      string
		mustExist bool
	)

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		path = filepath.Join(workDir, ConfigFileName)
	}

	cfg, loaded, err := loadConfigFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.CacheSize != 0 {
		base.CacheSize = overlay.CacheSize
	}

	if overlay.LockTimeout != 0 {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.CipherCost != "" {
		base.CipherCost = overlay.CipherCost
	}

	return base
}

func validate(cfg Config) error {
	if cfg.CacheSize <= 0 {
		return ErrCacheSizeInvalid
	}

	return nil
}
