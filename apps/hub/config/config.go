// Package config provides persistent configuration for the Hub.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/lobinuxsoft/updateio/pkg/discovery"
)

// DirName is the hub's directory under the user config dir.
const DirName = "updateio-hub"

// Config holds the hub configuration.
type Config struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`

	// HostAddress and HostPort locate the host. An empty address means
	// discover it over mDNS.
	HostAddress string `json:"hostAddress,omitempty"`
	HostPort    int    `json:"hostPort,omitempty"`

	// RequestTimeoutSeconds bounds each host command. Zero waits for the
	// host indefinitely.
	RequestTimeoutSeconds int `json:"requestTimeoutSeconds,omitempty"`

	LogLevel string `json:"logLevel,omitempty"`
	LogFile  string `json:"logFile,omitempty"`
}

// RequestTimeout returns the configured per-command timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// HasHost reports whether a host address is configured.
func (c Config) HasHost() bool {
	return c.HostAddress != "" && c.HostPort > 0
}

// Manager handles loading and saving configuration.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	dir      string
	filePath string
}

// NewManager creates a configuration manager in the user config dir.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	return NewManagerAt(filepath.Join(configDir, DirName))
}

// NewManagerAt creates a configuration manager storing config.json in dir.
func NewManagerAt(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	hostname := discovery.GetHostname()
	platform := runtime.GOOS

	m := &Manager{
		dir:      dir,
		filePath: filepath.Join(dir, "config.json"),
		config: Config{
			ID:       generateID(hostname, platform),
			Name:     hostname,
			Platform: platform,
			LogLevel: "info",
		},
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	return m, nil
}

// generateID creates a stable ID based on hostname and platform.
func generateID(hostname, platform string) string {
	data := hostname + "-" + platform + "-hub"
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])[:8]
}

// load reads config from disk, writing defaults on first run.
func (m *Manager) load() error {
	cfg, err := m.read(m.config)
	if os.IsNotExist(err) {
		return m.Save()
	}
	if err != nil {
		return err
	}
	m.config = cfg
	return nil
}

// read decodes config.json, filling fields it leaves empty from defaults.
func (m *Manager) read(defaults Config) (Config, error) {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", m.filePath, err)
	}

	// Platform is always detected, not loaded
	cfg.Platform = defaults.Platform
	if cfg.ID == "" {
		cfg.ID = defaults.ID
	}
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	return cfg, nil
}

// Save writes config to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.filePath, data, 0600)
}

// Dir returns the directory holding the config file.
func (m *Manager) Dir() string {
	return m.dir
}

// GetConfig returns a copy of the current config.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetID returns the hub ID.
func (m *Manager) GetID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ID
}

// GetName returns the hub name.
func (m *Manager) GetName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Name
}

// SetHost stores the host address and saves config. An empty address
// switches back to discovery.
func (m *Manager) SetHost(address string, port int) error {
	if address != "" && (port <= 0 || port > 65535) {
		return fmt.Errorf("invalid port %d", port)
	}

	m.mu.Lock()
	m.config.HostAddress = address
	m.config.HostPort = port
	m.mu.Unlock()

	return m.Save()
}

// SetRequestTimeout stores the per-command timeout and saves config.
func (m *Manager) SetRequestTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("negative timeout %s", d)
	}

	m.mu.Lock()
	m.config.RequestTimeoutSeconds = int(d / time.Second)
	m.mu.Unlock()

	return m.Save()
}

// SetLogLevel stores the log level and saves config.
func (m *Manager) SetLogLevel(level string) error {
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()

	return m.Save()
}

// LogFilePath returns the configured log file, defaulting to hub.log in the
// config dir.
func (m *Manager) LogFilePath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config.LogFile != "" {
		return m.config.LogFile
	}
	return filepath.Join(m.dir, "hub.log")
}
