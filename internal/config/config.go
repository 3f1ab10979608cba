// Package config loads the lightsync YAML configuration.
//
// Values are resolved in order: built-in defaults, the YAML file, an
// optional env file, then LIGHTSYNC_* environment variables. The result is
// validated once; any problem is fatal at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/lightsync/internal/channel"
	"github.com/sweeney/lightsync/internal/gpio"
)

// Config is the complete daemon configuration.
type Config struct {
	DeviceName   string        `yaml:"device_name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce"`
	NetworkFile  string        `yaml:"network_file"`

	GPIO     GPIOConfig      `yaml:"gpio"`
	Channels []ChannelConfig `yaml:"channels"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
	NATS     NATSConfig      `yaml:"nats"`
	HTTP     HTTPConfig      `yaml:"http"`
	InfluxDB InfluxDBConfig  `yaml:"influxdb"`
	Logging  LoggingConfig   `yaml:"logging"`
	Metrics  MetricsConfig   `yaml:"metrics"`
}

// GPIOConfig selects the chip and the electrical conventions.
type GPIOConfig struct {
	Chip string `yaml:"chip"`
	// OutputActive is the output level that means ON: "high" or "low".
	// Relay boards differ, so there is no default.
	OutputActive string `yaml:"output_active"`
	// PressLevel is the input level that means "pressed".
	PressLevel string `yaml:"press_level"`
}

// ChannelConfig is one channel as written in YAML.
type ChannelConfig struct {
	Index   int    `yaml:"index"`
	Name    string `yaml:"name"`
	Inputs  []int  `yaml:"inputs"`
	Outputs []int  `yaml:"outputs"`
	Default string `yaml:"default"` // "on" or "off"
}

// MQTTConfig configures the MQTT bridge.
type MQTTConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"client_id"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Root      string        `yaml:"root"`
	QoS       int           `yaml:"qos"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// NATSConfig configures the optional NATS bridge.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Root    string `yaml:"root"`
}

// HTTPConfig configures the web server.
type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // 0 keeps event streams open
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	KeepAlive    time.Duration `yaml:"sse_keepalive"`
}

// InfluxDBConfig configures the telemetry sink.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads the YAML file at path, applies envFile (if non-empty) and
// environment overrides, and validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if envFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		DeviceName:   "lightsync",
		PollInterval: 30 * time.Millisecond,
		Debounce:     50 * time.Millisecond,
		NetworkFile:  "/run/pi-helper.env",
		GPIO: GPIOConfig{
			Chip:       gpio.DefaultChip,
			PressLevel: "low",
		},
		MQTT: MQTTConfig{
			ClientID:  "lightsync",
			Root:      "lightsync",
			QoS:       1,
			Heartbeat: 15 * time.Minute,
		},
		NATS: NATSConfig{
			Root: "lightsync",
		},
		HTTP: HTTPConfig{
			Addr:        ":80",
			ReadTimeout: 10 * time.Second,
			IdleTimeout: 60 * time.Second,
			KeepAlive:   30 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     50,
			FlushInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies LIGHTSYNC_* environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIGHTSYNC_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("LIGHTSYNC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("LIGHTSYNC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("LIGHTSYNC_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LIGHTSYNC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LIGHTSYNC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("LIGHTSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks every setting and reports all problems at once. Channel
// problems are returned as a *channel.ConfigurationError inside the joined
// error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.DeviceName == "" {
		add("device_name is required")
	}
	if c.PollInterval <= 0 {
		add("poll_interval must be positive")
	}
	if c.Debounce <= 0 {
		add("debounce must be positive")
	} else if c.PollInterval > 0 && c.PollInterval >= c.Debounce {
		add("poll_interval (%v) must be shorter than debounce (%v)", c.PollInterval, c.Debounce)
	}

	if c.GPIO.Chip == "" {
		add("gpio.chip is required")
	}
	if c.GPIO.OutputActive == "" {
		add("gpio.output_active is required (high or low)")
	} else if _, err := gpio.ParsePolarity(c.GPIO.OutputActive); err != nil {
		add("gpio.output_active: %v", err)
	}
	if _, err := gpio.ParseLevel(c.GPIO.PressLevel); err != nil {
		add("gpio.press_level: %v", err)
	}

	if _, err := c.Registry(); err != nil {
		errs = append(errs, err)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			add("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.ClientID == "" {
			add("mqtt.client_id is required when mqtt is enabled")
		}
		if c.MQTT.Root == "" || strings.ContainsAny(c.MQTT.Root, "+#") {
			add("mqtt.root must be non-empty and contain no wildcards")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			add("mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Heartbeat < 0 {
			add("mqtt.heartbeat must not be negative")
		}
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			add("nats.url is required when nats is enabled")
		}
		if c.NATS.Root == "" || strings.ContainsAny(c.NATS.Root, "*> ") {
			add("nats.root must be non-empty and contain no wildcards or spaces")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			add("influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			add("influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}

	return errors.Join(errs...)
}

// Definitions converts the YAML channels into registry definitions.
func (c *Config) Definitions() ([]channel.Definition, error) {
	defs := make([]channel.Definition, 0, len(c.Channels))
	var problems []string
	for _, ch := range c.Channels {
		var on bool
		switch strings.ToLower(ch.Default) {
		case "", "off":
		case "on":
			on = true
		default:
			problems = append(problems, fmt.Sprintf("channel %d: default must be on or off, got %q", ch.Index, ch.Default))
		}
		defs = append(defs, channel.Definition{
			Index:     ch.Index,
			Name:      ch.Name,
			Inputs:    ch.Inputs,
			Outputs:   ch.Outputs,
			DefaultOn: on,
		})
	}
	if len(problems) > 0 {
		return nil, &channel.ConfigurationError{Problems: problems}
	}
	return defs, nil
}

// Registry builds the channel registry.
func (c *Config) Registry() (*channel.Registry, error) {
	defs, err := c.Definitions()
	if err != nil {
		return nil, err
	}
	return channel.NewRegistry(defs)
}

// Polarity returns the parsed output polarity. Only valid after Validate.
func (c *Config) Polarity() gpio.Polarity {
	p, _ := gpio.ParsePolarity(c.GPIO.OutputActive)
	return p
}

// PressLevel returns the parsed press level. Only valid after Validate.
func (c *Config) PressLevel() bool {
	l, _ := gpio.ParseLevel(c.GPIO.PressLevel)
	return l
}
