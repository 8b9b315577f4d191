package config

// Package config provides a reusable loader for quietmesh configuration
// files and environment variables.

import (
	"fmt"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"quietmesh/pkg/utils"
)

// Config represents the unified configuration for a quietmesh node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Node struct {
		DBPath       string `mapstructure:"db_path" json:"db_path" yaml:"db_path"`
		BlobDir      string `mapstructure:"blob_dir" json:"blob_dir" yaml:"blob_dir"`
		HTTPBind     string `mapstructure:"http_bind" json:"http_bind" yaml:"http_bind"`
		DatagramBind string `mapstructure:"datagram_bind" json:"datagram_bind" yaml:"datagram_bind"`
	} `mapstructure:"node" json:"node" yaml:"node"`

	Sync struct {
		RequestIntervalMS int `mapstructure:"request_interval_ms" json:"request_interval_ms" yaml:"request_interval_ms"`
		RecheckIntervalMS int `mapstructure:"recheck_interval_ms" json:"recheck_interval_ms" yaml:"recheck_interval_ms"`
		OutgoingRetryMS   int `mapstructure:"outgoing_retry_ms" json:"outgoing_retry_ms" yaml:"outgoing_retry_ms"`
		LeaseTTLMS        int `mapstructure:"lease_ttl_ms" json:"lease_ttl_ms" yaml:"lease_ttl_ms"`
	} `mapstructure:"sync" json:"sync" yaml:"sync"`

	Logging struct {
		Level string `mapstructure:"level" json:"level" yaml:"level"`
		File  string `mapstructure:"file" json:"file" yaml:"file"`
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the QUIET_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("QUIET_ENV", ""))
}

// Default returns a configuration populated with built-in defaults only. It
// is used by entry points that run without a config file on disk.
func Default() *Config {
	var c Config
	applyDefaults(&c)
	return &c
}

func applyDefaults(c *Config) {
	if c.Node.DBPath == "" {
		c.Node.DBPath = utils.EnvOrDefault("QUIET_DB_PATH", "./quietmesh.db")
	}
	if c.Node.HTTPBind == "" {
		c.Node.HTTPBind = utils.EnvOrDefault("QUIET_HTTP_BIND", ":8089")
	}
	if c.Node.DatagramBind == "" {
		c.Node.DatagramBind = utils.EnvOrDefault("QUIET_DATAGRAM_BIND", ":7399")
	}
	if c.Sync.RequestIntervalMS == 0 {
		c.Sync.RequestIntervalMS = utils.EnvOrDefaultInt("QUIET_SYNC_INTERVAL_MS", 30_000)
	}
	if c.Sync.RecheckIntervalMS == 0 {
		c.Sync.RecheckIntervalMS = utils.EnvOrDefaultInt("QUIET_RECHECK_INTERVAL_MS", 1_000)
	}
	if c.Sync.OutgoingRetryMS == 0 {
		c.Sync.OutgoingRetryMS = utils.EnvOrDefaultInt("QUIET_OUTGOING_RETRY_MS", 5_000)
	}
	if c.Sync.LeaseTTLMS == 0 {
		c.Sync.LeaseTTLMS = utils.EnvOrDefaultInt("QUIET_LEASE_TTL_MS", 10_000)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = utils.EnvOrDefault("QUIET_LOG_LEVEL", "info")
	}
}

// Dump renders the configuration as YAML, matching the on-disk file layout.
func Dump(c *Config) (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", utils.Wrap(err, "marshal config")
	}
	return string(out), nil
}
