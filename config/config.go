package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerdrop"
	// DefaultMessagePort is the TCP port of the message channel.
	DefaultMessagePort = 6000
	// DefaultFilePort is the TCP port of the file channel.
	DefaultFilePort = 6001
	// DefaultMulticastGroup is the presence group.
	DefaultMulticastGroup = "224.1.1.1"
	// DefaultMulticastPort is the presence UDP port.
	DefaultMulticastPort = 50000
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// downloadsDirName holds received files unless overridden.
	downloadsDirName = "downloads"
	// dataDirEnv overrides the resolved data directory.
	dataDirEnv = "PEERDROP_DATA_DIR"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	SessionID      string `json:"session_id"`
	DeviceName     string `json:"device_name"`
	MessagePort    int    `json:"message_port"`
	FilePort       int    `json:"file_port"`
	MulticastGroup string `json:"multicast_group"`
	MulticastPort  int    `json:"multicast_port"`
	DownloadDir    string `json:"download_dir"`
	EnableMDNS     bool   `json:"enable_mdns"`
	DedupBySession bool   `json:"dedup_by_session"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
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
		filepath.Join(dataDir, downloadsDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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
func LoadOrCreate() (*DeviceConfig, string, error) {
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

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Validate reports settings that cannot be used to start the node.
func (c *DeviceConfig) Validate() error {
	if c.DeviceName == "" {
		return errors.New("device name is required")
	}
	for name, port := range map[string]int{
		"message port":   c.MessagePort,
		"file port":      c.FilePort,
		"multicast port": c.MulticastPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.MessagePort == c.FilePort {
		return fmt.Errorf("message and file ports must differ, both are %d", c.FilePort)
	}
	if ip := net.ParseIP(c.MulticastGroup); ip == nil || !ip.IsMulticast() {
		return fmt.Errorf("multicast group %q is not a multicast address", c.MulticastGroup)
	}
	return nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		SessionID:      uuid.NewString(),
		DeviceName:     defaultDeviceName(),
		MessagePort:    DefaultMessagePort,
		FilePort:       DefaultFilePort,
		MulticastGroup: DefaultMulticastGroup,
		MulticastPort:  DefaultMulticastPort,
		DownloadDir:    filepath.Join(dataDir, downloadsDirName),
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peerdrop device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}
	if cfg.MessagePort <= 0 {
		cfg.MessagePort = DefaultMessagePort
		updated = true
	}
	if cfg.FilePort <= 0 {
		cfg.FilePort = DefaultFilePort
		updated = true
	}
	if cfg.MulticastGroup == "" {
		cfg.MulticastGroup = DefaultMulticastGroup
		updated = true
	}
	if cfg.MulticastPort <= 0 {
		cfg.MulticastPort = DefaultMulticastPort
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, downloadsDirName)
		updated = true
	}

	return updated
}
