// Package config loads the verifier's YAML configuration file: the
// core options from spec §6.3 plus the ambient options the service
// needs to run as a standalone process (listen address, database path,
// logging, metrics, notifier).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models verifierd's configuration file.
type Config struct {
	// Core options recognized per spec §6.3.
	NonceLifetime              Duration `yaml:"nonce_lifetime"`
	QuoteInterval              Duration `yaml:"quote_interval"`
	VerificationTimeout        Duration `yaml:"verification_timeout"`
	MaxRetries                 int      `yaml:"max_retries"`
	RetryInterval              Duration `yaml:"retry_interval"`
	MeasuredBootPCRs           []int    `yaml:"measuredboot_pcrs"`
	IMAPCR                     int      `yaml:"ima_pcr"`
	MultiprocessingPoolWorkers int      `yaml:"multiprocessing_pool_num_workers"`

	// Ambient options the distilled spec is silent on (§6.3 [ADDED]).
	ListenAddr          string  `yaml:"listen_addr"`
	DBPath              string  `yaml:"db_path"`
	Logging             Logging `yaml:"logging"`
	MetricsAddr         string  `yaml:"metrics_addr"`
	RevocationBrokerURL string  `yaml:"revocation_broker_url"`
	KeyReleaseHKDFInfo  string  `yaml:"key_release_hkdf_info"`
}

// Logging configuration.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Duration wraps time.Duration to provide YAML unmarshalling from
// either a Go duration string ("30s") or a bare number of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration from a string or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		d.Duration = dur
	case int:
		d.Duration = time.Duration(v) * time.Second
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	default:
		return fmt.Errorf("duration: unsupported value %v", raw)
	}
	return nil
}

// MarshalYAML renders the duration back out as a Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration with conservative defaults for
// every ambient option and for the PCR selection (ima_pcr 10,
// measuredboot_pcrs 0-7); the remaining core options still must be set
// explicitly by the operator since they carry policy meaning (how long
// a nonce lives, how many workers run).
func Default() Config {
	return Config{
		ListenAddr:         ":8443",
		DBPath:             "verifier.db",
		MetricsAddr:        ":9090",
		Logging:            Logging{Level: "info", Format: "text"},
		IMAPCR:             10,
		MeasuredBootPCRs:   []int{0, 1, 2, 3, 4, 5, 6, 7},
		KeyReleaseHKDFInfo: "coreattest/key-release/v1",
	}
}

// Validate ensures the fields the core depends on are set to usable
// values.
func (c Config) Validate() error {
	if c.NonceLifetime.Duration <= 0 {
		return fmt.Errorf("nonce_lifetime must be >0")
	}
	if c.QuoteInterval.Duration <= 0 {
		return fmt.Errorf("quote_interval must be >0")
	}
	if c.VerificationTimeout.Duration <= 0 {
		return fmt.Errorf("verification_timeout must be >0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >=0")
	}
	if c.RetryInterval.Duration <= 0 {
		return fmt.Errorf("retry_interval must be >0")
	}
	if c.IMAPCR < 0 {
		return fmt.Errorf("ima_pcr must be >=0")
	}
	if len(c.MeasuredBootPCRs) == 0 {
		return fmt.Errorf("measuredboot_pcrs must be non-empty")
	}
	if c.MultiprocessingPoolWorkers <= 0 {
		return fmt.Errorf("multiprocessing_pool_num_workers must be >0")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}
