package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	configDir   = ".promptrelay"
	configFile  = "config.json"
	historyFile = "history.db"

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "PROMPTRELAY_CONFIG"
)

// Loader manages reading and writing the config file.
type Loader struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
}

// NewLoader creates a loader for $PROMPTRELAY_CONFIG or, when unset,
// ~/.promptrelay/config.json.
func NewLoader() (*Loader, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return NewLoaderAt(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(home, configDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return NewLoaderAt(filepath.Join(dir, configFile)), nil
}

// NewLoaderAt creates a loader for an explicit path. Files ending in .yaml
// or .yml are read as YAML, anything else as JSON.
func NewLoaderAt(path string) *Loader {
	return &Loader{filePath: path}
}

// Load reads the config from disk. If the file doesn't exist, returns defaults.
// The file is validated against the embedded schema before it is decoded.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := Defaults()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.config = cfg
			return cfg, nil
		}
		return nil, err
	}

	payload, err := validateSchema(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.filePath, err)
	}
	if payload != nil {
		// The schema check decoded YAML or JSON into generic values; re-encode
		// so the json tags apply in both cases.
		normalized, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(normalized, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", l.filePath, err)
		}
	}

	l.config = cfg
	return cfg, nil
}

// Save writes the config to disk as JSON.
func (l *Loader) Save(cfg *Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.isYAML() {
		return fmt.Errorf("save %s: writing YAML configs is not supported", l.filePath)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0700); err != nil {
		return err
	}

	l.config = cfg
	return os.WriteFile(l.filePath, data, 0600)
}

// Get returns the currently loaded config (or defaults if not loaded yet).
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.config == nil {
		return Defaults()
	}
	return l.config
}

// FilePath returns the config file path.
func (l *Loader) FilePath() string {
	return l.filePath
}

// HistoryPath resolves the history database location.
func (l *Loader) HistoryPath(cfg *Config) string {
	if cfg.History.Path != "" {
		return cfg.History.Path
	}
	return filepath.Join(filepath.Dir(l.filePath), historyFile)
}

func (l *Loader) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(l.filePath))
	return ext == ".yaml" || ext == ".yml"
}
