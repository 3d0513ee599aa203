// Package config provides configuration loading and validation for the
// routing datasource. Supports YAML files with environment variable
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration of a routing datasource.
type Config struct {
	DataSource    DataSourceConfig    `yaml:"datasource"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DataSourceConfig lists the pools the router is built from. The slave
// pool is optional.
type DataSourceConfig struct {
	Master PoolConfig  `yaml:"master"`
	Slave  *PoolConfig `yaml:"slave,omitempty"`
}

// PoolConfig describes a single pool. Driver is a database/sql driver
// name, DSN is passed to the driver unchanged.
type PoolConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"DSROUTE_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"DSROUTE_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"DSROUTE_LOG_FORMAT"`
}

var (
	ErrNoMaster       = errors.New("master datasource is not configured")
	ErrIncompletePool = errors.New("datasource requires both driver and dsn")
)

// Default returns a Config with sensible defaults. No pools are configured.
func Default() *Config {
	return &Config{
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// Environment variables overriding the pool settings.
const (
	EnvMasterDriver = "DSROUTE_MASTER_DRIVER"
	EnvMasterDSN    = "DSROUTE_MASTER_DSN"
	EnvSlaveDriver  = "DSROUTE_SLAVE_DRIVER"
	EnvSlaveDSN     = "DSROUTE_SLAVE_DSN"
)

// ApplyEnv overrides fields from the environment. Setting either slave
// variable enables the slave pool.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvMasterDriver); ok {
		c.DataSource.Master.Driver = v
	}
	if v, ok := os.LookupEnv(EnvMasterDSN); ok {
		c.DataSource.Master.DSN = v
	}

	driver, hasDriver := os.LookupEnv(EnvSlaveDriver)
	dsn, hasDSN := os.LookupEnv(EnvSlaveDSN)
	if hasDriver || hasDSN {
		if c.DataSource.Slave == nil {
			c.DataSource.Slave = &PoolConfig{}
		}
		if hasDriver {
			c.DataSource.Slave.Driver = driver
		}
		if hasDSN {
			c.DataSource.Slave.DSN = dsn
		}
	}

	applyEnvTags(&c.Observability)
}

// applyEnvTags sets string fields tagged with `env` from the environment.
func applyEnvTags(v any) {
	rv := reflect.ValueOf(v).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		name := rt.Field(i).Tag.Get("env")
		if name == "" || rv.Field(i).Kind() != reflect.String {
			continue
		}
		if val, ok := os.LookupEnv(name); ok {
			rv.Field(i).SetString(val)
		}
	}
}

// Validate checks that the master pool is configured and that an enabled
// slave pool is complete.
func (c *Config) Validate() error {
	m := c.DataSource.Master
	if m.Driver == "" && m.DSN == "" {
		return ErrNoMaster
	}
	if m.Driver == "" || m.DSN == "" {
		return fmt.Errorf("master: %w", ErrIncompletePool)
	}

	if s := c.DataSource.Slave; s != nil {
		if s.Driver == "" || s.DSN == "" {
			return fmt.Errorf("slave: %w", ErrIncompletePool)
		}
	}

	switch c.Observability.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Observability.LogFormat)
	}
	return nil
}
