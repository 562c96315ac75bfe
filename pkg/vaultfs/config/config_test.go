package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/config"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func Test_Load_Returns_Defaults_When_No_Config_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := config.DefaultConfig()
	if cfg.CacheSize != want.CacheSize || cfg.LockTimeout != want.LockTimeout || cfg.CipherCost != want.CipherCost {
		t.Fatalf("cfg: got %+v, want defaults %+v", cfg, want)
	}
}

func Test_Load_Project_Config_File_Overrides_Defaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"cache_size": 2048}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.CacheSize != 2048 {
		t.Fatalf("cache_size: got %d, want 2048", cfg.CacheSize)
	}
}

func Test_Load_Tolerates_JSONC_Comments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{
		// hand-edited override
		"cipher_cost": "sensitive",
	}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.CipherCost != "sensitive" {
		t.Fatalf("cipher_cost: got %q, want %q", cfg.CipherCost, "sensitive")
	}
}

func Test_Load_Explicit_Config_Path_Overrides_Project_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"cache_size": 111}`)
	writeFile(t, filepath.Join(dir, "custom.json"), `{"cache_size": 222}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, ConfigPath: "custom.json", Env: map[string]string{}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.CacheSize != 222 {
		t.Fatalf("cache_size: got %d, want 222", cfg.CacheSize)
	}
}

func Test_Load_Missing_Explicit_Config_Path_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := config.Load(config.LoadInput{WorkDir: dir, ConfigPath: "does-not-exist.json", Env: map[string]string{}})
	if err == nil {
		t.Fatal("load: expected an error for a missing explicit config path")
	}
}

func Test_Load_Cache_Size_Override_Wins_Over_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"cache_size": 111}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, CacheSizeOverride: 999, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.CacheSize != 999 {
		t.Fatalf("cache_size: got %d, want 999", cfg.CacheSize)
	}
}

func Test_Load_Global_Config_Overridden_By_Project_Config(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	globalDir := filepath.Join(home, ".config", "vaultfs")

	if err := os.MkdirAll(globalDir, 0o750); err != nil {
		t.Fatalf("mkdir global config dir: %v", err)
	}

	writeFile(t, filepath.Join(globalDir, "config.json"), `{"cache_size": 64, "cipher_cost": "moderate"}`)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"cache_size": 128}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, Env: map[string]string{"HOME": home}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.CacheSize != 128 {
		t.Fatalf("cache_size: got %d, want project override 128", cfg.CacheSize)
	}

	if cfg.CipherCost != "moderate" {
		t.Fatalf("cipher_cost: got %q, want global value %q", cfg.CipherCost, "moderate")
	}

	if cfg.Sources.Global == "" || cfg.Sources.Project == "" {
		t.Fatalf("sources: got %+v, want both global and project recorded", cfg.Sources)
	}
}

func Test_Load_Rejects_Non_Positive_Cache_Size(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.ConfigFileName), `{"cache_size": -1}`)

	_, err := config.Load(config.LoadInput{WorkDir: dir, Env: map[string]string{}})
	if err != config.ErrCacheSizeInvalid {
		t.Fatalf("load: got %v, want %v", err, config.ErrCacheSizeInvalid)
	}
}
