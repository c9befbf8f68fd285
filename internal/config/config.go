// Package config loads the bridge configuration from a YAML file and
// TASKBRIDGE_* environment variables. Credentials are required; the
// daemon refuses to start without them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full bridge configuration
type Config struct {
	// CRM holds the CRM API connection settings
	CRM CRMConfig `yaml:"crm" mapstructure:"crm"`

	// List holds the to-do list API connection settings
	List ListConfig `yaml:"list" mapstructure:"list"`

	// Sync holds engine and scheduler tuning
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Routing holds destination resolution settings
	Routing RoutingConfig `yaml:"routing" mapstructure:"routing"`

	// Dashboard holds the WebSocket feed settings
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`

	// DBPath is where the embedded mapping database lives
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// LogFile enables rotating file logging when set; empty logs to stderr
	LogFile string `yaml:"log_file" mapstructure:"log_file"`
}

// CRMConfig configures the CRM client
type CRMConfig struct {
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	WebBase  string        `yaml:"web_base" mapstructure:"web_base"`
	APIToken string        `yaml:"api_token" mapstructure:"api_token"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ListConfig configures the list-manager client
type ListConfig struct {
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	APIToken string        `yaml:"api_token" mapstructure:"api_token"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// SyncConfig configures poll cadence and maintenance timers
type SyncConfig struct {
	CRMPollInterval     time.Duration `yaml:"crm_poll_interval" mapstructure:"crm_poll_interval"`
	ListPollInterval    time.Duration `yaml:"list_poll_interval" mapstructure:"list_poll_interval"`
	ApplyTimeout        time.Duration `yaml:"apply_timeout" mapstructure:"apply_timeout"`
	DealRefreshInterval time.Duration `yaml:"deal_refresh_interval" mapstructure:"deal_refresh_interval"`
	AuditRetention      time.Duration `yaml:"audit_retention" mapstructure:"audit_retention"`
}

// RoutingConfig configures destination resolution
type RoutingConfig struct {
	// DefaultProjectID receives tasks no routing rule matches
	DefaultProjectID string `yaml:"default_project_id" mapstructure:"default_project_id"`

	// RulesFile is an optional YAML file of pipeline/stage routing
	// rules, reloaded live when it changes
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// DashboardConfig configures the WebSocket dashboard
type DashboardConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		CRM: CRMConfig{
			BaseURL: "https://api.pipedrive.com/v1",
			Timeout: 30 * time.Second,
		},
		List: ListConfig{
			BaseURL: "https://api.todoist.com",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			CRMPollInterval:     30 * time.Second,
			ListPollInterval:    30 * time.Second,
			ApplyTimeout:        60 * time.Second,
			DealRefreshInterval: 15 * time.Minute,
			AuditRetention:      30 * 24 * time.Hour,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Port:    8080,
		},
		DBPath: "taskbridge.db",
	}
}

// Load reads configuration from the given YAML file (optional) and the
// environment, layered over defaults. Environment variables use the
// TASKBRIDGE_ prefix with underscores for nesting, e.g.
// TASKBRIDGE_CRM_API_TOKEN.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("TASKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// AutomaticEnv only resolves keys viper knows about; register every
	// key from the defaults so env-only deployments work without a file.
	bindKnownKeys(v, cfg)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bindKnownKeys(v *viper.Viper, cfg *Config) {
	v.SetDefault("crm.base_url", cfg.CRM.BaseURL)
	v.SetDefault("crm.web_base", cfg.CRM.WebBase)
	v.SetDefault("crm.api_token", cfg.CRM.APIToken)
	v.SetDefault("crm.timeout", cfg.CRM.Timeout)
	v.SetDefault("list.base_url", cfg.List.BaseURL)
	v.SetDefault("list.api_token", cfg.List.APIToken)
	v.SetDefault("list.timeout", cfg.List.Timeout)
	v.SetDefault("sync.crm_poll_interval", cfg.Sync.CRMPollInterval)
	v.SetDefault("sync.list_poll_interval", cfg.Sync.ListPollInterval)
	v.SetDefault("sync.apply_timeout", cfg.Sync.ApplyTimeout)
	v.SetDefault("sync.deal_refresh_interval", cfg.Sync.DealRefreshInterval)
	v.SetDefault("sync.audit_retention", cfg.Sync.AuditRetention)
	v.SetDefault("routing.default_project_id", cfg.Routing.DefaultProjectID)
	v.SetDefault("routing.rules_file", cfg.Routing.RulesFile)
	v.SetDefault("dashboard.enabled", cfg.Dashboard.Enabled)
	v.SetDefault("dashboard.port", cfg.Dashboard.Port)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("log_file", cfg.LogFile)
}

// Validate checks that everything the daemon cannot run without is set.
func (c *Config) Validate() error {
	if c.CRM.APIToken == "" {
		return fmt.Errorf("crm.api_token is required (or set TASKBRIDGE_CRM_API_TOKEN)")
	}
	if c.List.APIToken == "" {
		return fmt.Errorf("list.api_token is required (or set TASKBRIDGE_LIST_API_TOKEN)")
	}
	if c.Routing.DefaultProjectID == "" {
		return fmt.Errorf("routing.default_project_id is required")
	}
	if c.CRM.BaseURL == "" || c.List.BaseURL == "" {
		return fmt.Errorf("both crm.base_url and list.base_url are required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.Sync.CRMPollInterval <= 0 || c.Sync.ListPollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	return nil
}
