package util

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const Name = "fedcore"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host       string
		HttpPort   int    `yaml:"httpPort"`
		SslDomain  string `yaml:"sslDomain"`
		DbPath     string `yaml:"dbPath"`
		ContactUrl string `yaml:"contactUrl"`
		LogLevel   string `yaml:"logLevel"`
		LogJson    bool   `yaml:"logJson"`
	}
	Federation struct {
		RequestTimeout     time.Duration `yaml:"requestTimeout"`
		DeliveryTimeout    time.Duration `yaml:"deliveryTimeout"`
		WebfingerTTL       time.Duration `yaml:"webfingerTtl"`
		ActorTTL           time.Duration `yaml:"actorTtl"`
		MemoryCacheSize    int           `yaml:"memoryCacheSize"`
		Partitions         int           `yaml:"partitions"`
		FailedRetention    time.Duration `yaml:"failedRetention"`
		LogRetention       time.Duration `yaml:"logRetention"`
		StallThreshold     time.Duration `yaml:"stallThreshold"`
		MaxAttempts        int           `yaml:"maxAttempts"`
		BreakerScore       int           `yaml:"breakerScore"`
		BreakerMinRequests int64         `yaml:"breakerMinRequests"`
		BreakerCooldown    time.Duration `yaml:"breakerCooldown"`
		PrewarmCount       int           `yaml:"prewarmCount"`
		PrewarmWindow      time.Duration `yaml:"prewarmWindow"`
		CleanupSchedule    string        `yaml:"cleanupSchedule"`
		AlertSchedule      string        `yaml:"alertSchedule"`
		PrewarmSchedule    string        `yaml:"prewarmSchedule"`
		DeliveryInterval   time.Duration `yaml:"deliveryInterval"`
		DeliveryBatch      int           `yaml:"deliveryBatch"`
	}
	Alerts struct {
		OldestPendingMinutes int `yaml:"oldestPendingMinutes"`
		FailedItems          int `yaml:"failedItems"`
		InstanceHealthScore  int `yaml:"instanceHealthScore"`
	}
	Encryption struct {
		Secret        string `yaml:"secret"`
		LegacyDecrypt bool   `yaml:"legacyDecrypt"`
	}
}

func ReadConf() (*AppConfig, error) {

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info().Str("path", configPath).Msg("Config file not found, using embedded defaults")
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0600); writeErr != nil {
				log.Warn().Err(writeErr).Str("path", userConfigPath).Msg("Could not write default config")
			} else {
				log.Info().Str("path", userConfigPath).Msg("Created default config file")
			}
		}
	}

	return ParseConf(buf)
}

// ParseConf decodes buf on top of the embedded defaults, applies FEDCORE_*
// environment overrides and validates the result.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyEnv(c *AppConfig) error {
	if v := os.Getenv("FEDCORE_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("FEDCORE_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FEDCORE_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("FEDCORE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("FEDCORE_DBPATH"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("FEDCORE_CONTACT_URL"); v != "" {
		c.Conf.ContactUrl = v
	}
	if v := os.Getenv("FEDCORE_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if os.Getenv("FEDCORE_LOG_JSON") == "true" {
		c.Conf.LogJson = true
	}
	if v := os.Getenv("FEDCORE_ENCRYPTION_SECRET"); v != "" {
		c.Encryption.Secret = v
	}
	if os.Getenv("FEDCORE_LEGACY_DECRYPT") == "true" {
		c.Encryption.LegacyDecrypt = true
	}
	return nil
}

// Validate rejects configurations the federation services cannot run with.
func (c *AppConfig) Validate() error {
	f := c.Federation
	if f.Partitions < 1 {
		return fmt.Errorf("federation.partitions must be >= 1, got %d", f.Partitions)
	}
	if f.RequestTimeout <= 0 || f.DeliveryTimeout <= 0 {
		return fmt.Errorf("federation request and delivery timeouts must be positive")
	}
	if f.WebfingerTTL <= 0 || f.ActorTTL <= 0 {
		return fmt.Errorf("federation cache TTLs must be positive")
	}
	if f.MaxAttempts < 1 {
		return fmt.Errorf("federation.maxAttempts must be >= 1, got %d", f.MaxAttempts)
	}
	for name, spec := range map[string]string{
		"cleanupSchedule": f.CleanupSchedule,
		"alertSchedule":   f.AlertSchedule,
		"prewarmSchedule": f.PrewarmSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("federation.%s %q: %w", name, spec, err)
		}
	}
	return nil
}
