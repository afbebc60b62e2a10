package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration, loaded from config.toml with
// SIOREE_MSG_* environment variables taking precedence.
type Config struct {
	ListenAddr      string   `toml:"listen_addr"`
	DataDir         string   `toml:"data_dir"`
	AuthSecret      string   `toml:"auth_secret"`
	PreviewLength   int      `toml:"preview_length"`
	HistoryPageSize int      `toml:"history_page_size"`
	AllowedOrigins  []string `toml:"allowed_origins"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddr:      "127.0.0.1:8480",
		DataDir:         filepath.Join(home, ".sioree-messaging"),
		PreviewLength:   100,
		HistoryPageSize: 50,
	}
}

// Load reads config from the given path, falling back to defaults for
// unset fields, then applies environment overrides. A missing file is
// not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = 100
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SIOREE_MSG_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SIOREE_MSG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SIOREE_MSG_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("SIOREE_MSG_HISTORY_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryPageSize = n
		}
	}
}

// DBPath returns the sqlite database path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "messaging.db")
}

// LogPath returns the daemon log file path under the data dir.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "sioreemsgd.log")
}
