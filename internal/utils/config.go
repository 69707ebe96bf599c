package utils

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override the YAML file.
// Nested keys are separated by a double underscore, for example
// THREATGUARD_DETECTION__THRESHOLD=20.
const EnvPrefix = "THREATGUARD_"

// ErrInvalidConfig is returned for configuration that must stop startup.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Detection DetectionConfig `yaml:"detection"`
	Response  ResponseConfig  `yaml:"response"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TransportConfig struct {
	URL                   string  `yaml:"url"`
	ClientName            string  `yaml:"client_name"`
	MessageSubject        string  `yaml:"message_subject"`
	AlertSubject          string  `yaml:"alert_subject"`
	CommandSubject        string  `yaml:"command_subject"`
	ResumeSubject         string  `yaml:"resume_subject"`
	QueueGroup            string  `yaml:"queue_group"`
	MaxReconnects         int     `yaml:"max_reconnects"`
	ReconnectWaitSeconds  float64 `yaml:"reconnect_wait_seconds"`
	ReconnectMaxSeconds   float64 `yaml:"reconnect_max_seconds"`
	ReceiveBuffer         int     `yaml:"receive_buffer"`
	BreakerFailures       uint32  `yaml:"breaker_failures"`
	BreakerTimeoutSeconds float64 `yaml:"breaker_timeout_seconds"`
	PublishTimeoutSeconds float64 `yaml:"publish_timeout_seconds"`
	// Embedded starts an in-process NATS server and connects to it instead of URL.
	Embedded     bool   `yaml:"embedded"`
	EmbeddedHost string `yaml:"embedded_host"`
	EmbeddedPort int    `yaml:"embedded_port"`
}

type DetectionConfig struct {
	Threshold            int     `yaml:"threshold"`
	WindowSeconds        float64 `yaml:"window_seconds"`
	Severity             string  `yaml:"severity"`
	SourceIdleTTLSeconds float64 `yaml:"source_idle_ttl_seconds"`
	SweepIntervalSeconds float64 `yaml:"sweep_interval_seconds"`
	Workers              int     `yaml:"workers"`
	QueueSize            int     `yaml:"queue_size"`
}

type ResponseConfig struct {
	Enabled                   bool    `yaml:"enabled"`
	MitigationCooldownSeconds float64 `yaml:"mitigation_cooldown_seconds"`
	MaxPublishRetries         int     `yaml:"max_publish_retries"`
	RetryBackoffBaseMs        int     `yaml:"retry_backoff_base_ms"`
	RetryBackoffMaxMs         int     `yaml:"retry_backoff_max_ms"`
	ShutdownGraceSeconds      float64 `yaml:"shutdown_grace_seconds"`
}

type AlertingConfig struct {
	Channels           AlertChannels `yaml:"channels"`
	SinkTimeoutSeconds float64       `yaml:"sink_timeout_seconds"`
	SinkRetries        int           `yaml:"sink_retries"`
	StorePath          string        `yaml:"store_path"`
}

type AlertChannels struct {
	Log     bool `yaml:"log"`
	Store   bool `yaml:"store"`
	Publish bool `yaml:"publish"`
	Stream  bool `yaml:"stream"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// LoadConfig reads the YAML file at filename on top of the defaults and then
// applies THREATGUARD_* environment overrides. An empty filename skips the file.
func LoadConfig(filename string) (*Config, error) {
	config := GetDefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config file %s: %w", filename, err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func applyEnvOverrides(config *Config) error {
	k := koanf.New(".")
	provider := env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Validate fills soft defaults and rejects values the detector and responder
// cannot run with.
func (c *Config) Validate() error {
	if c.Detection.Threshold < 1 {
		return fmt.Errorf("%w: detection.threshold must be >= 1, got %d", ErrInvalidConfig, c.Detection.Threshold)
	}
	// written so that NaN fails the check
	if !(c.Detection.WindowSeconds > 0) || math.IsInf(c.Detection.WindowSeconds, 1) {
		return fmt.Errorf("%w: detection.window_seconds must be a positive finite number, got %v", ErrInvalidConfig, c.Detection.WindowSeconds)
	}
	if !(c.Response.MitigationCooldownSeconds >= 0) || math.IsInf(c.Response.MitigationCooldownSeconds, 1) {
		return fmt.Errorf("%w: response.mitigation_cooldown_seconds must be a finite number >= 0, got %v", ErrInvalidConfig, c.Response.MitigationCooldownSeconds)
	}
	if c.Detection.Workers < 1 {
		return fmt.Errorf("%w: detection.workers must be >= 1, got %d", ErrInvalidConfig, c.Detection.Workers)
	}
	if c.Response.MaxPublishRetries < 0 {
		return fmt.Errorf("%w: response.max_publish_retries must be >= 0", ErrInvalidConfig)
	}
	if c.Response.RetryBackoffBaseMs < 0 {
		return fmt.Errorf("%w: response.retry_backoff_base_ms must be >= 0", ErrInvalidConfig)
	}

	if c.Transport.URL == "" {
		c.Transport.URL = "nats://127.0.0.1:4222"
	}
	if c.Transport.ClientName == "" {
		c.Transport.ClientName = "threat-guard"
	}
	if c.Transport.MessageSubject == "" {
		c.Transport.MessageSubject = "iot.devices.>"
	}
	if c.Transport.AlertSubject == "" {
		c.Transport.AlertSubject = "iot.threat.alerts"
	}
	if c.Transport.CommandSubject == "" {
		c.Transport.CommandSubject = "iot.threat.commands"
	}
	if c.Transport.ReconnectWaitSeconds <= 0 {
		c.Transport.ReconnectWaitSeconds = 1
	}
	if c.Transport.ReconnectMaxSeconds < c.Transport.ReconnectWaitSeconds {
		c.Transport.ReconnectMaxSeconds = 30
	}
	if c.Transport.ReceiveBuffer <= 0 {
		c.Transport.ReceiveBuffer = 1024
	}
	if c.Transport.BreakerFailures == 0 {
		c.Transport.BreakerFailures = 5
	}
	if c.Transport.BreakerTimeoutSeconds <= 0 {
		c.Transport.BreakerTimeoutSeconds = 10
	}
	if c.Transport.PublishTimeoutSeconds <= 0 {
		c.Transport.PublishTimeoutSeconds = 5
	}
	if c.Transport.EmbeddedHost == "" {
		c.Transport.EmbeddedHost = "127.0.0.1"
	}
	if c.Transport.EmbeddedPort == 0 {
		c.Transport.EmbeddedPort = 4222
	}

	if c.Detection.Severity == "" {
		c.Detection.Severity = "HIGH"
	}
	if c.Detection.SourceIdleTTLSeconds <= 0 {
		c.Detection.SourceIdleTTLSeconds = 600
	}
	if c.Detection.SweepIntervalSeconds <= 0 {
		c.Detection.SweepIntervalSeconds = 30
	}
	if c.Detection.QueueSize <= 0 {
		c.Detection.QueueSize = 256
	}

	if c.Response.RetryBackoffBaseMs == 0 {
		c.Response.RetryBackoffBaseMs = 200
	}
	if c.Response.RetryBackoffMaxMs < c.Response.RetryBackoffBaseMs {
		c.Response.RetryBackoffMaxMs = c.Response.RetryBackoffBaseMs * 16
	}
	if c.Response.ShutdownGraceSeconds <= 0 {
		c.Response.ShutdownGraceSeconds = 5
	}

	if c.Alerting.SinkTimeoutSeconds <= 0 {
		c.Alerting.SinkTimeoutSeconds = 2
	}
	if c.Alerting.SinkRetries < 0 {
		c.Alerting.SinkRetries = 0
	}
	if c.Alerting.StorePath == "" {
		c.Alerting.StorePath = "data/alerts"
	}

	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

func (c *Config) Window() time.Duration {
	return seconds(c.Detection.WindowSeconds)
}

func (c *Config) Cooldown() time.Duration {
	return seconds(c.Response.MitigationCooldownSeconds)
}

func (c *Config) ShutdownGrace() time.Duration {
	return seconds(c.Response.ShutdownGraceSeconds)
}

func (c *Config) SinkTimeout() time.Duration {
	return seconds(c.Alerting.SinkTimeoutSeconds)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Seconds converts a fractional seconds value from the config into a Duration.
func Seconds(v float64) time.Duration {
	return seconds(v)
}

// GetDefaultConfig returns the configuration used when no file is given
func GetDefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			URL:                   "nats://127.0.0.1:4222",
			ClientName:            "threat-guard",
			MessageSubject:        "iot.devices.>",
			AlertSubject:          "iot.threat.alerts",
			CommandSubject:        "iot.threat.commands",
			ResumeSubject:         "",
			QueueGroup:            "threat-guard",
			MaxReconnects:         -1,
			ReconnectWaitSeconds:  1,
			ReconnectMaxSeconds:   30,
			ReceiveBuffer:         1024,
			BreakerFailures:       5,
			BreakerTimeoutSeconds: 10,
			PublishTimeoutSeconds: 5,
			EmbeddedHost:          "127.0.0.1",
			EmbeddedPort:          4222,
		},
		Detection: DetectionConfig{
			Threshold:            10,
			WindowSeconds:        5,
			Severity:             "HIGH",
			SourceIdleTTLSeconds: 600,
			SweepIntervalSeconds: 30,
			Workers:              4,
			QueueSize:            256,
		},
		Response: ResponseConfig{
			Enabled:                   true,
			MitigationCooldownSeconds: 60,
			MaxPublishRetries:         5,
			RetryBackoffBaseMs:        200,
			RetryBackoffMaxMs:         5000,
			ShutdownGraceSeconds:      5,
		},
		Alerting: AlertingConfig{
			Channels: AlertChannels{
				Log:     true,
				Store:   false,
				Publish: true,
				Stream:  true,
			},
			SinkTimeoutSeconds: 2,
			SinkRetries:        2,
			StorePath:          "data/alerts",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "json",
		},
	}
}
