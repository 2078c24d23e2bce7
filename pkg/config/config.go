// Package config loads the daemon configuration: defaults, then an optional
// YAML file, then FOXESS_-prefixed environment overrides, validated as a
// whole.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paulannetts/foxess-hapa/pkg/foxess"
)

const (
	defaultLiveInterval = time.Hour
	// defaultSimulateInterval keeps simulated runs lively; there is no call
	// quota to respect.
	defaultSimulateInterval = 10 * time.Second
)

// Duration parses YAML scalars with time.ParseDuration, so config files say
// "30m" rather than nanosecond counts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the daemon configuration.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Poll   PollConfig   `yaml:"poll"`
	HTTP   HTTPConfig   `yaml:"http"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Log    LogConfig    `yaml:"log"`
}

// DeviceConfig selects the inverter and how to reach the cloud.
type DeviceConfig struct {
	SerialNumber string `yaml:"serial_number"`
	APIKey       string `yaml:"api_key"`
	// Protocol is "current", "legacy", or empty for current.
	Protocol string `yaml:"protocol"`
	// BaseURL overrides the cloud endpoint; empty means the vendor's.
	BaseURL string `yaml:"base_url"`
}

type PollConfig struct {
	// Interval between poll cycles. Zero picks the default: one hour
	// against the live cloud, a few seconds when simulating.
	Interval Duration `yaml:"interval"`
	// Simulate swaps the cloud client for the deterministic simulator.
	Simulate bool `yaml:"simulate"`
	// SimulateSeed fixes the simulator's noise source; zero seeds from the
	// clock.
	SimulateSeed int64 `yaml:"simulate_seed"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BrokerURL       string `yaml:"broker_url"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	QoS             int    `yaml:"qos"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load builds the configuration. An empty path skips the file, so a
// simulated daemon can start from environment variables alone.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if cfg.Poll.Interval == 0 {
		if cfg.Poll.Simulate {
			cfg.Poll.Interval = Duration(defaultSimulateInterval)
		} else {
			cfg.Poll.Interval = Duration(defaultLiveInterval)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
		MQTT: MQTTConfig{
			BrokerURL:       "tcp://localhost:1883",
			ClientID:        "foxess-hapa",
			TopicPrefix:     "foxess",
			DiscoveryPrefix: "homeassistant",
			QoS:             1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// applyEnvOverrides applies FOXESS_SECTION_KEY environment variables on top
// of the file values.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("FOXESS_DEVICE_SN"); v != "" {
		cfg.Device.SerialNumber = v
	}
	if v := os.Getenv("FOXESS_API_KEY"); v != "" {
		cfg.Device.APIKey = v
	}
	if v := os.Getenv("FOXESS_PROTOCOL"); v != "" {
		cfg.Device.Protocol = v
	}
	if v := os.Getenv("FOXESS_BASE_URL"); v != "" {
		cfg.Device.BaseURL = v
	}
	if v := os.Getenv("FOXESS_POLL_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FOXESS_POLL_INTERVAL: %w", err)
		}
		cfg.Poll.Interval = Duration(parsed)
	}
	if v := os.Getenv("FOXESS_SIMULATE"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FOXESS_SIMULATE: %w", err)
		}
		cfg.Poll.Simulate = parsed
	}
	if v := os.Getenv("FOXESS_HTTP_LISTEN"); v != "" {
		cfg.HTTP.ListenAddr = v
	}
	if v := os.Getenv("FOXESS_MQTT_ENABLED"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FOXESS_MQTT_ENABLED: %w", err)
		}
		cfg.MQTT.Enabled = parsed
	}
	if v := os.Getenv("FOXESS_MQTT_BROKER_URL"); v != "" {
		cfg.MQTT.BrokerURL = v
	}
	if v := os.Getenv("FOXESS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("FOXESS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("FOXESS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// Validate checks cross-field consistency. Simulated runs need no
// credentials; live runs do.
func (c *Config) Validate() error {
	var errs []string

	if !c.Poll.Simulate {
		if c.Device.SerialNumber == "" {
			errs = append(errs, "device.serial_number is required (or set FOXESS_DEVICE_SN)")
		}
		if c.Device.APIKey == "" {
			errs = append(errs, "device.api_key is required (or set FOXESS_API_KEY)")
		}
	}
	if _, ok := foxess.ProtocolByName(c.Device.Protocol); !ok {
		errs = append(errs, fmt.Sprintf("device.protocol %q is not a known generation", c.Device.Protocol))
	}
	if c.Poll.Interval.Std() < time.Second {
		errs = append(errs, "poll.interval must be at least 1s")
	}
	if c.HTTP.ListenAddr == "" {
		errs = append(errs, "http.listen_addr is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			errs = append(errs, "mqtt.broker_url is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
