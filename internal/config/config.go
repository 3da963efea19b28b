// Package config loads the hintd configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the user's hintd configuration.
type Config struct {
	SocketPath string          `toml:"socket_path"`
	Store      StoreConfig     `toml:"store"`
	Suggest    SuggestConfig   `toml:"suggest"`
	Embedding  EmbeddingConfig `toml:"embedding"`
	Privacy    PrivacyConfig   `toml:"privacy"`
}

// StoreConfig holds settings for the command store.
type StoreConfig struct {
	Path string `toml:"path"`
}

// SuggestConfig holds settings for the suggestion engine.
type SuggestConfig struct {
	Limit         int     `toml:"limit"`
	MinConfidence float64 `toml:"min_confidence"`
	DeadlineMS    int     `toml:"deadline_ms"`
}

// EmbeddingConfig holds settings for the embedding API.
type EmbeddingConfig struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	Model      string `toml:"model"`
	TTLMinutes int    `toml:"ttl_minutes"`
	CachePath  string `toml:"cache_path"`
}

// PrivacyConfig holds the exclusion rule tables. User-supplied entries are
// appended to the built-in defaults unless the corresponding *Only flag is set.
type PrivacyConfig struct {
	ExcludedPaths    []string `toml:"excluded_paths"`
	ExcludedPatterns []string `toml:"excluded_patterns"`
	PathsOnly        bool     `toml:"paths_only"`
	PatternsOnly     bool     `toml:"patterns_only"`
}

// ConfigDir returns the config directory path.
// Resolution order: $HINTD_CONFIG_DIR > $XDG_CONFIG_HOME/hintd > ~/.config/hintd
func ConfigDir() string {
	if dir := os.Getenv("HINTD_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "hintd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "hintd-config")
	}
	return filepath.Join(home, ".config", "hintd")
}

// Path returns the full path to the config file.
func Path() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DataDir returns the directory for the command database and embedding cache.
func DataDir() string {
	if dir := os.Getenv("HINTD_DATA_DIR"); dir != "" {
		return dir
	}
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "hintd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "hintd-data")
	}
	return filepath.Join(home, ".local", "share", "hintd")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(DataDir(), "history.db"),
		},
		Suggest: SuggestConfig{
			Limit:         8,
			MinConfidence: 0.0,
			DeadlineMS:    75,
		},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			TTLMinutes: 60,
			CachePath:  filepath.Join(DataDir(), "embeddings.json"),
		},
	}
}

// Load reads config from path, or from the default location when path is
// empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills fields a partial config file left at their zero value.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Suggest.Limit == 0 {
		cfg.Suggest.Limit = def.Suggest.Limit
	}
	if cfg.Suggest.DeadlineMS == 0 {
		cfg.Suggest.DeadlineMS = def.Suggest.DeadlineMS
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = def.Embedding.Model
	}
	if cfg.Embedding.TTLMinutes == 0 {
		cfg.Embedding.TTLMinutes = def.Embedding.TTLMinutes
	}
	if cfg.Embedding.CachePath == "" {
		cfg.Embedding.CachePath = def.Embedding.CachePath
	}
}

// ResolveSocketPath returns the IPC socket path.
// Priority: $HINTD_SOCKET env > config value > $XDG_RUNTIME_DIR/hintd.sock > /tmp.
func ResolveSocketPath(cfg *Config) string {
	if path := os.Getenv("HINTD_SOCKET"); path != "" {
		return path
	}
	if cfg != nil && cfg.SocketPath != "" {
		return cfg.SocketPath
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "hintd.sock")
	}
	return fmt.Sprintf("/tmp/hintd-%d.sock", os.Getuid())
}

// ResolveEmbeddingBaseURL returns the embedding API base URL.
// Priority: $HINTD_EMBEDDING_API_BASE_URL env > config value.
func ResolveEmbeddingBaseURL(cfg *Config) string {
	if url := os.Getenv("HINTD_EMBEDDING_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Embedding.BaseURL
	}
	return ""
}

// ResolveEmbeddingAPIKey returns the embedding API key.
// Priority: $HINTD_EMBEDDING_API_KEY env > config value.
func ResolveEmbeddingAPIKey(cfg *Config) string {
	if key := os.Getenv("HINTD_EMBEDDING_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Embedding.APIKey
	}
	return ""
}

// ResolveEmbeddingModel returns the embedding model name.
// Priority: $HINTD_EMBEDDING_MODEL env > config value.
func ResolveEmbeddingModel(cfg *Config) string {
	if model := os.Getenv("HINTD_EMBEDDING_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Embedding.Model
	}
	return ""
}

// EmbeddingEnabled returns true when the embedding endpoint is configured.
// The semantic tier is an optional capability: when this is false the daemon
// runs with the exact and contextual tiers only.
func EmbeddingEnabled(cfg *Config) bool {
	return ResolveEmbeddingBaseURL(cfg) != ""
}
