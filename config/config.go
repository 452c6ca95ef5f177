// Package config persists per-device node settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "bitchat"
	// DefaultListenAddress binds the mesh TCP link; port 0 picks one.
	DefaultListenAddress = ":0"
	// DefaultRelayURL is the wallet-network relay endpoint.
	DefaultRelayURL = "wss://relay.bitchat.example/ws"
	// DefaultRelayStrategy is the transaction queue fallback mode.
	DefaultRelayStrategy = "relay-first"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	DeviceName      string `json:"device_name"`
	ListenAddress   string `json:"listen_address"`
	RelayURL        string `json:"relay_url"`
	RelayStrategy   string `json:"relay_strategy"`
	IdentityKeyPath string `json:"identity_key_path"`
	WalletIdentity  string `json:"wallet_identity"`
	DefaultGeohash  string `json:"default_geohash,omitempty"`
	DataDirectory   string `json:"-"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BITCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("BITCHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		cfg.DataDirectory = dataDir
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	cfg.DataDirectory = dataDir
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		DeviceName:      defaultDeviceName(),
		ListenAddress:   DefaultListenAddress,
		RelayURL:        DefaultRelayURL,
		RelayStrategy:   DefaultRelayStrategy,
		IdentityKeyPath: filepath.Join(dataDir, "keys", "identity_x25519.pem"),
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "bitchat node"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}

	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}

	if cfg.RelayStrategy != "relay-first" && cfg.RelayStrategy != "queue-only" {
		cfg.RelayStrategy = DefaultRelayStrategy
		updated = true
	}

	if cfg.IdentityKeyPath == "" {
		cfg.IdentityKeyPath = filepath.Join(dataDir, "keys", "identity_x25519.pem")
		updated = true
	}

	return updated
}
