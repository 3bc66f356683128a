package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of an optional configuration overlay.
// Every field is optional; zero values leave the environment-derived
// configuration untouched.
type fileConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Provider struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
	} `yaml:"provider"`

	DatabasePath string `yaml:"database_path"`

	SyncQuietPeriodMS  int `yaml:"sync_quiet_period_ms"`
	HydrationTimeoutMS int `yaml:"hydration_timeout_ms"`

	LogFile string `yaml:"log_file"`
}

// applyFile overlays values from a YAML config file onto the receiver.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.Host != "" {
		c.Host = fc.Host
	}
	if fc.Port != 0 {
		c.Port = fc.Port
	}
	if fc.Provider.BaseURL != "" {
		c.ProviderBaseURL = fc.Provider.BaseURL
	}
	if fc.Provider.APIKey != "" {
		c.ProviderAPIKey = fc.Provider.APIKey
	}
	if fc.Provider.Model != "" {
		c.ProviderModel = fc.Provider.Model
	}
	if fc.DatabasePath != "" {
		c.DatabasePath = fc.DatabasePath
	}
	if fc.SyncQuietPeriodMS > 0 {
		c.SyncQuietPeriod = time.Duration(fc.SyncQuietPeriodMS) * time.Millisecond
	}
	if fc.HydrationTimeoutMS > 0 {
		c.HydrationTimeout = time.Duration(fc.HydrationTimeoutMS) * time.Millisecond
	}
	if fc.LogFile != "" {
		c.LogFilePath = fc.LogFile
	}

	return nil
}
