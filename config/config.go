// Package config provides configuration management for OpenVPN Manager.
// It handles loading, saving, and managing application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/ovpn-manager/common"
)

// Escalation tools understood by the tunnel launcher.
var knownEscalation = []string{"pkexec", "sudo", "doas"}

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// ProfilesDir is the directory scanned for .ovpn connection files.
	ProfilesDir string `yaml:"profiles_dir"`
	// StateDB is the SQLite database holding profile status and history.
	StateDB string `yaml:"state_db"`
	// OpenVPNBinary is the tunnel executable to spawn.
	OpenVPNBinary string `yaml:"openvpn_binary"`
	// Escalation lists privilege escalation tools in order of preference.
	Escalation []string `yaml:"escalation"`
	// SettleDelay is the pause between killing tunnels and starting a new one.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// KillPollInterval is the pause between process-table polls during a force kill.
	KillPollInterval time.Duration `yaml:"kill_poll_interval"`
	// KillPollAttempts is the number of polls after each kill strategy.
	KillPollAttempts int `yaml:"kill_poll_attempts"`
	// ShowNotifications enables desktop notifications for connection events.
	ShowNotifications bool `yaml:"show_notifications"`
	// UseKeyring stores profile credentials in the system keyring.
	UseKeyring bool `yaml:"use_keyring"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogToFile enables the rotating log file.
	LogToFile bool `yaml:"log_to_file"`
	// Monitor configures the tunnel monitor.
	Monitor MonitorConfig `yaml:"monitor"`
}

// MonitorConfig holds tunnel monitor settings.
type MonitorConfig struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	AutoReconnect        bool          `yaml:"auto_reconnect"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	TestHosts            []string      `yaml:"test_hosts"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ProfilesDir:       filepath.Join("~", common.ProfilesDirName),
		StateDB:           "",
		OpenVPNBinary:     common.OpenVPNBinary,
		Escalation:        []string{"pkexec", "sudo"},
		SettleDelay:       common.SettleDelay,
		KillPollInterval:  common.KillPollInterval,
		KillPollAttempts:  common.KillPollAttempts,
		ShowNotifications: true,
		UseKeyring:        true,
		LogLevel:          "info",
		LogToFile:         true,
		Monitor: MonitorConfig{
			CheckInterval:        common.MonitorInterval,
			AutoReconnect:        true,
			MaxReconnectAttempts: 3,
			ReconnectDelay:       common.ReconnectDelay,
			TestHosts:            []string{"1.1.1.1:53", "8.8.8.8:53"},
		},
	}
}

// Path returns the default location of the config file.
func Path() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := Path()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults when it is missing.
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.SaveTo(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening configuration: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfigLoad, err)
	}

	config.validate()
	return config, nil
}

// validate replaces out-of-range values with their defaults.
func (c *Config) validate() {
	def := DefaultConfig()

	if c.ProfilesDir == "" {
		c.ProfilesDir = def.ProfilesDir
	}
	if c.OpenVPNBinary == "" {
		c.OpenVPNBinary = def.OpenVPNBinary
	}

	escalation := make([]string, 0, len(c.Escalation))
	for _, tool := range c.Escalation {
		if slices.Contains(knownEscalation, tool) && !slices.Contains(escalation, tool) {
			escalation = append(escalation, tool)
		}
	}
	if len(escalation) == 0 {
		escalation = def.Escalation
	}
	c.Escalation = escalation

	if c.SettleDelay < 0 {
		c.SettleDelay = def.SettleDelay
	}
	if c.KillPollInterval <= 0 {
		c.KillPollInterval = def.KillPollInterval
	}
	if c.KillPollAttempts <= 0 {
		c.KillPollAttempts = def.KillPollAttempts
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = def.LogLevel
	}

	if c.Monitor.CheckInterval < time.Second {
		c.Monitor.CheckInterval = def.Monitor.CheckInterval
	}
	if c.Monitor.MaxReconnectAttempts < 0 {
		c.Monitor.MaxReconnectAttempts = def.Monitor.MaxReconnectAttempts
	}
	if c.Monitor.ReconnectDelay <= 0 {
		c.Monitor.ReconnectDelay = def.Monitor.ReconnectDelay
	}
}

// ResolvedProfilesDir returns ProfilesDir with a leading "~" expanded.
func (c *Config) ResolvedProfilesDir() string {
	return common.ExpandHome(c.ProfilesDir)
}

// ResolvedStateDB returns the state database path, defaulting into the data directory.
func (c *Config) ResolvedStateDB() (string, error) {
	if c.StateDB != "" {
		return common.ExpandHome(c.StateDB), nil
	}
	dir, err := common.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.StateDBFileName), nil
}

// Save saves the configuration to the default config file.
func (c *Config) Save() error {
	configPath, err := Path()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}
	return c.SaveTo(configPath)
}

// SaveTo writes the configuration to path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: error saving configuration: %v", common.ErrConfigSave, err)
	}

	return nil
}
