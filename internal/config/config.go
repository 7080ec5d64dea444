// Package config loads the simulator's runtime settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config mirrors devsim.yaml.
type Config struct {
	Schema   string         `yaml:"schema"`
	Server   ServerSettings `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Journal  JournalConfig  `yaml:"journal"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Modbus   ModbusConfig   `yaml:"modbus"`
	MDNS     MDNSConfig     `yaml:"mdns"`
}

type ServerSettings struct {
	ListenHost   string        `yaml:"listen_host"`
	LineEnding   string        `yaml:"line_ending"`
	OnError      string        `yaml:"on_error"` // report | close
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadBuffer   int           `yaml:"read_buffer"`
	MaxLine      int           `yaml:"max_line_length"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
	Output string `yaml:"output"` // stdout | stderr
}

type JournalConfig struct {
	Enabled      bool   `yaml:"enabled"`
	FileType     string `yaml:"file_type"` // db | jsonl | csv and combinations like db+jsonl
	Path         string `yaml:"path"`
	MaxQueueSize int    `yaml:"max_queue_size"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

type ModbusConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

type MDNSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Service   string `yaml:"service"`
	Domain    string `yaml:"domain"`
	Interface string `yaml:"interface"`
}

const (
	OnErrorReport = "report"
	OnErrorClose  = "close"
)

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Load reads the YAML file at path, applies defaults, then .env and DEVSIM_*
// environment overrides. An empty path loads defaults only.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Schema == "" {
		cfg.Schema = "device_types.yml"
	}
	if cfg.Server.ListenHost == "" {
		cfg.Server.ListenHost = "127.0.0.1"
	}
	// "none" is passed through; the server sends bare text for it
	if cfg.Server.LineEnding == "" {
		cfg.Server.LineEnding = "\r\n"
	}
	if cfg.Server.OnError == "" {
		cfg.Server.OnError = OnErrorReport
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 5 * time.Second
	}
	if cfg.Server.ReadBuffer <= 0 {
		cfg.Server.ReadBuffer = 1024
	}
	if cfg.Server.MaxLine <= 0 {
		cfg.Server.MaxLine = 4096
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Journal.FileType == "" {
		cfg.Journal.FileType = "db"
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "data"
	}
	if cfg.Journal.MaxQueueSize <= 0 {
		cfg.Journal.MaxQueueSize = 1000
	}
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "devsim"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "devsim"
	}
	if cfg.InfluxDB.BatchSize <= 0 {
		cfg.InfluxDB.BatchSize = 100
	}
	if cfg.InfluxDB.FlushInterval <= 0 {
		cfg.InfluxDB.FlushInterval = 10
	}
	if cfg.Modbus.ListenAddress == "" {
		cfg.Modbus.ListenAddress = "127.0.0.1:1502"
	}
	if cfg.MDNS.Service == "" {
		cfg.MDNS.Service = "_devsim._tcp"
	}
	if cfg.MDNS.Domain == "" {
		cfg.MDNS.Domain = "local."
	}
}

// Validate checks values that defaults cannot repair.
func (c Config) Validate() error {
	switch c.Server.OnError {
	case OnErrorReport, OnErrorClose:
	default:
		return fmt.Errorf("server.on_error must be %q or %q, got %q", OnErrorReport, OnErrorClose, c.Server.OnError)
	}
	if c.Server.IdleTimeout < 0 {
		return errors.New("server.idle_timeout must not be negative")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return errors.New("influxdb.url and influxdb.bucket must be set when influxdb is enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DEVSIM_SCHEMA"); v != "" {
		cfg.Schema = v
	}
	if v := os.Getenv("DEVSIM_LISTEN_HOST"); v != "" {
		cfg.Server.ListenHost = v
	}
	if v := os.Getenv("DEVSIM_ON_ERROR"); v != "" {
		cfg.Server.OnError = strings.ToLower(v)
	}
	if v := os.Getenv("DEVSIM_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DEVSIM_IDLE_TIMEOUT: %w", err)
		}
		cfg.Server.IdleTimeout = d
	}
	if v := os.Getenv("DEVSIM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DEVSIM_JOURNAL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEVSIM_JOURNAL_ENABLED: %w", err)
		}
		cfg.Journal.Enabled = b
	}
	if v := os.Getenv("DEVSIM_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("DEVSIM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("DEVSIM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("DEVSIM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	return nil
}
