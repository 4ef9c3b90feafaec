package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level station configuration
type Config struct {
	Station   StationConfig   `yaml:"station"`
	Tools     ToolsConfig     `yaml:"tools"`
	Transport TransportConfig `yaml:"transport"`
	Efuse     EfuseConfig     `yaml:"efuse"`
	Wifi      WifiConfig      `yaml:"wifi"`
}

// StationConfig holds the provisioning station's local paths
type StationConfig struct {
	ReleaseDir string `yaml:"release_dir"`
	AuditLog   string `yaml:"audit_log"`
	DBPath     string `yaml:"db_path"`
	TempDir    string `yaml:"temp_dir"`
}

// ToolsConfig selects the Espressif tool binaries and connection flags
type ToolsConfig struct {
	Esptool   string `yaml:"esptool"`
	Espefuse  string `yaml:"espefuse"`
	Espsecure string `yaml:"espsecure"`
	Chip      string `yaml:"chip"`
	Baud      int    `yaml:"baud"`
	Before    string `yaml:"before"`
	After     string `yaml:"after"`
}

// TransportConfig holds serial port selection and readiness settings
type TransportConfig struct {
	Port         string        `yaml:"port"`
	WaitAttempts int           `yaml:"wait_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Patterns replaces the built-in device path globs when non-empty.
	Patterns []string `yaml:"patterns"`
}

// EfuseConfig holds flash encryption settings
type EfuseConfig struct {
	KeyFile        string `yaml:"key_file"`
	SummaryRetries int    `yaml:"summary_retries"`
}

// WifiConfig holds the optional Wi-Fi handoff settings
type WifiConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interface      string        `yaml:"interface"`
	Backend        string        `yaml:"backend"`
	ReachAttempts  int           `yaml:"reach_attempts"`
	ReachInterval  time.Duration `yaml:"reach_interval"`
	ProvisionPath  string        `yaml:"provision_path"`
	Username       string        `yaml:"username"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Station: StationConfig{
			ReleaseDir: "releases",
			AuditLog:   "provisioning_log.csv",
			DBPath:     "",
			TempDir:    "",
		},
		Tools: ToolsConfig{
			Esptool:   "esptool.py",
			Espefuse:  "espefuse.py",
			Espsecure: "espsecure.py",
			Chip:      "esp32",
			Baud:      921600,
			Before:    "default_reset",
			After:     "hard_reset",
		},
		Transport: TransportConfig{
			Port:         "auto",
			WaitAttempts: 10,
			PollInterval: time.Second,
		},
		Efuse: EfuseConfig{
			KeyFile:        "",
			SummaryRetries: 3,
		},
		Wifi: WifiConfig{
			Enabled:        false,
			Backend:        "",
			ReachAttempts:  20,
			ReachInterval:  time.Second,
			ProvisionPath:  "/provision",
			Username:       "admin",
			RequestTimeout: 10 * time.Second,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"hubflash.yaml",
		"/etc/hubflash/hubflash.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "hubflash", "hubflash.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate rejects values no component could work with
func (c *Config) Validate() error {
	var problems []string
	if c.Tools.Baud <= 0 {
		problems = append(problems, "tools.baud must be positive")
	}
	if c.Transport.WaitAttempts < 1 {
		problems = append(problems, "transport.wait_attempts must be at least 1")
	}
	if c.Transport.PollInterval < 0 {
		problems = append(problems, "transport.poll_interval must not be negative")
	}
	if c.Efuse.SummaryRetries < 0 {
		problems = append(problems, "efuse.summary_retries must not be negative")
	}
	if c.Wifi.ReachAttempts < 1 {
		problems = append(problems, "wifi.reach_attempts must be at least 1")
	}
	if c.Wifi.ReachInterval < 0 {
		problems = append(problems, "wifi.reach_interval must not be negative")
	}
	if c.Wifi.ProvisionPath != "" && !strings.HasPrefix(c.Wifi.ProvisionPath, "/") {
		problems = append(problems, "wifi.provision_path must start with /")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ReleaseManifest returns the manifest location for a named release bundle
// under the station release directory. A reference that already exists or
// contains a path separator is returned unchanged.
func (c *Config) ReleaseManifest(ref string) string {
	if ref == "" {
		return c.Station.ReleaseDir
	}
	if strings.ContainsRune(ref, filepath.Separator) {
		return ref
	}
	if _, err := os.Stat(ref); err == nil {
		return ref
	}
	return filepath.Join(c.Station.ReleaseDir, ref)
}

// Marshal renders the effective config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}
