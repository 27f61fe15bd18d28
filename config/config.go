// Package config loads the update agent's TOML configuration with
// environment variable overrides and resolves platform data directories.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config is the full agent configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	App       AppConfig       `toml:"app"`
	Sync      SyncConfig      `toml:"sync"`
	Download  DownloadConfig  `toml:"download"`
	Rollback  RollbackConfig  `toml:"rollback"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig holds update server connection settings.
type ServerConfig struct {
	URL                string `toml:"url"`
	DeploymentKey      string `toml:"deployment_key"`
	CAPath             string `toml:"ca_path"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"` // Skip TLS verification (dev/testing only)
	RequestTimeoutSecs int    `toml:"request_timeout_seconds"`
	PushEnabled        bool   `toml:"push_enabled"`
}

// AppConfig describes the host application this agent updates.
type AppConfig struct {
	Version string `toml:"version"`
}

// SyncConfig tunes the periodic update check.
type SyncConfig struct {
	IntervalSecs          int    `toml:"interval_seconds"`
	TimeoutSecs           int    `toml:"timeout_seconds"`
	IgnoreFailedUpdates   bool   `toml:"ignore_failed_updates"`
	InstallMode           string `toml:"install_mode"`
	MandatoryInstallMode  string `toml:"mandatory_install_mode"`
	MinimumBackgroundSecs int    `toml:"minimum_background_seconds"`
}

// DownloadConfig tunes the download queue.
type DownloadConfig struct {
	Dir               string `toml:"dir"`
	MaxRetries        int    `toml:"max_retries"`
	BaseRetryDelayMs  int    `toml:"base_retry_delay_ms"`
	MaxRetryDelaySecs int    `toml:"max_retry_delay_seconds"`
	MinDiskSpaceMB    int64  `toml:"min_disk_space_mb"`
}

// RollbackConfig tunes the rollback watchdog.
type RollbackConfig struct {
	DelayHours float64 `toml:"delay_hours"`
	MaxRetries int     `toml:"max_retries"`
}

// TelemetryConfig tunes lifecycle event reporting.
type TelemetryConfig struct {
	Enabled           bool `toml:"enabled"`
	BatchSize         int  `toml:"batch_size"`
	FlushIntervalSecs int  `toml:"flush_interval_seconds"`
}

// DatabaseConfig holds state database settings.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  bool   `toml:"file"`
}

// Default returns the configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:                "",
			DeploymentKey:      "",
			RequestTimeoutSecs: 30,
			PushEnabled:        false,
		},
		Sync: SyncConfig{
			IntervalSecs:         3600,
			TimeoutSecs:          300,
			IgnoreFailedUpdates:  true,
			InstallMode:          "on_next_restart",
			MandatoryInstallMode: "immediate",
		},
		Download: DownloadConfig{
			Dir:               "", // Will use default platform-specific path
			MaxRetries:        3,
			BaseRetryDelayMs:  1000,
			MaxRetryDelaySecs: 30,
			MinDiskSpaceMB:    50,
		},
		Rollback: RollbackConfig{
			MaxRetries: 3,
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			BatchSize:         10,
			FlushIntervalSecs: 60,
		},
		Database: DatabaseConfig{
			Path: "", // Will use default platform-specific path
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configPath and applies environment overrides on top. The file
// must exist.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(configPath); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// ApplyEnvOverrides layers environment variables over cfg.
func ApplyEnvOverrides(cfg *Config) {
	if val := os.Getenv("SERVER_URL"); val != "" {
		cfg.Server.URL = val
	}
	if val := os.Getenv("DEPLOYMENT_KEY"); val != "" {
		cfg.Server.DeploymentKey = val
	}
	if val := os.Getenv("SERVER_CA_PATH"); val != "" {
		cfg.Server.CAPath = val
	}
	if val := os.Getenv("SERVER_INSECURE_SKIP_VERIFY"); val != "" {
		cfg.Server.InsecureSkipVerify = isTruthy(val)
	}
	if val := os.Getenv("SERVER_PUSH_ENABLED"); val != "" {
		cfg.Server.PushEnabled = isTruthy(val)
	}
	if val := os.Getenv("APP_VERSION"); val != "" {
		cfg.App.Version = val
	}
	if val := os.Getenv("SYNC_INTERVAL_SECONDS"); val != "" {
		if interval, err := strconv.Atoi(val); err == nil {
			cfg.Sync.IntervalSecs = interval
		}
	}
	if val := os.Getenv("SYNC_TIMEOUT_SECONDS"); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil {
			cfg.Sync.TimeoutSecs = timeout
		}
	}
	if val := os.Getenv("TELEMETRY_ENABLED"); val != "" {
		cfg.Telemetry.Enabled = isTruthy(val)
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.Database.Path = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

func isTruthy(val string) bool {
	lower := strings.ToLower(val)
	return lower == "1" || lower == "true" || lower == "yes"
}

// WriteDefault writes a default configuration file at configPath.
func WriteDefault(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(Default()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FindConfigFile searches platform-appropriate locations for filename and
// returns the first match.
func FindConfigFile(filename string) (string, error) {
	for _, path := range ConfigSearchPaths(filename) {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found in any search path", filename)
}

// ConfigSearchPaths returns the ordered list of locations to search for a
// config file.
func ConfigSearchPaths(filename string) []string {
	var searchPaths []string

	// 1. System directory (highest priority for services)
	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "OverAir", filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "OverAir", filename))
	default: // Linux and other Unix-like
		searchPaths = append(searchPaths, filepath.Join("/etc/overair", filename))
	}

	// 2. User config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", "OverAir", filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", "OverAir", filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "overair", filename))
		}
	}

	// 3. Executable directory
	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	// 4. Current working directory (lowest priority)
	searchPaths = append(searchPaths, filepath.Join(".", filename))

	return searchPaths
}

// DataDirectory returns the directory for databases and downloaded packages,
// creating it if needed. Service mode uses system-wide paths.
func DataDirectory(isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "OverAir")
		default:
			dataDir = "/var/lib/overair"
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "OverAir")
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "OverAir")
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", "overair")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// LoadOrGenerateClientID returns the stable anonymous client id for this
// installation, generating and persisting a new one on first run.
func LoadOrGenerateClientID(dataDir string) (string, error) {
	idPath := filepath.Join(dataDir, "client_id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(idPath, []byte(id), 0600); err != nil {
		return "", err
	}
	return id, nil
}
