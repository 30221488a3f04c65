// Package config loads the indi-client configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"indi/pkg/indi"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Logging   LoggingConfig   `yaml:"logging"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type ClientConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	BufferSize   int           `yaml:"buffer_size"`
	CommandSize  int           `yaml:"command_size"`
	SendInterval time.Duration `yaml:"send_interval"`
	StopGrace    time.Duration `yaml:"stop_grace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	// BLOBMode is sent with enableBLOB to every discovered device. Empty
	// leaves the server default in place.
	BLOBMode string `yaml:"blob_mode"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type StoreConfig struct {
	Path         string `yaml:"path"`
	ArchiveBLOBs bool   `yaml:"archive_blobs"`
}

type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
	QoS       int    `yaml:"qos"`
}

type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

type SimulatorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the configuration file at path, applies INDI_* environment
// overrides and validates the result. An empty path uses the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Address:      indi.DefaultHost,
			Port:         indi.DefaultPort,
			BufferSize:   indi.DefaultBufferSize,
			CommandSize:  indi.DefaultCommandSize,
			SendInterval: indi.DefaultSendInterval,
			StopGrace:    indi.DefaultStopGrace,
			DialTimeout:  indi.DefaultDialTimeout,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
		},
		Store: StoreConfig{
			Path: "indi.db",
		},
		MQTT: MQTTConfig{
			Broker:    "tcp://localhost:1883",
			ClientID:  "indi-client",
			TopicRoot: "indi",
			QoS:       1,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "observatory",
			Bucket:        "indi",
			BatchSize:     100,
			FlushInterval: 1000,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	// Client
	if v := os.Getenv("INDI_ADDRESS"); v != "" {
		cfg.Client.Address = v
	}
	if v := os.Getenv("INDI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Client.Port = port
		}
	}

	// MQTT
	if v := os.Getenv("INDI_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("INDI_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("INDI_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}

	// InfluxDB
	if v := os.Getenv("INDI_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("INDI_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("INDI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Client.Port < 1 || c.Client.Port > 65535 {
		errs = append(errs, "client.port must be between 1 and 65535")
	}
	if c.Client.BufferSize < 0 {
		errs = append(errs, "client.buffer_size must not be negative")
	}
	switch indi.BLOBMode(c.Client.BLOBMode) {
	case "", indi.BLOBNever, indi.BLOBAlso, indi.BLOBOnly:
	default:
		errs = append(errs, "client.blob_mode must be Never, Also or Only")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}

	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		errs = append(errs, "http.port must be between 1 and 65535")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, "mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.TopicRoot == "" {
			errs = append(errs, "mqtt.topic_root is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
