package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBroker       = "tcp://broker.hivemq.com:1883"
	DefaultTopic        = "TGR2568/66"
	DefaultAPIURL       = "http://localhost:3000/ttc/api/offense-move"
	DefaultClientPrefix = "mqtt_bridge_"
)

// maxDurationMs is the largest millisecond value a time.Duration can hold.
const maxDurationMs = math.MaxInt64 / int64(time.Millisecond)

type Config struct {
	MQTT       MQTTConfig     `yaml:"mqtt"`
	API        APIConfig      `yaml:"api"`
	Logging    LogConfig      `yaml:"logging"`
	Processing ProcConfig     `yaml:"processing"`
	Shutdown   ShutdownConfig `yaml:"shutdown"`
}

type MQTTConfig struct {
	Broker            string    `yaml:"broker"`
	Topic             string    `yaml:"topic"`
	ClientID          string    `yaml:"clientId"`
	Username          string    `yaml:"username"`
	Password          string    `yaml:"password"`
	QoS               byte      `yaml:"qos"`
	ReconnectPeriodMs int       `yaml:"reconnectPeriodMs"`
	ConnectTimeoutMs  int       `yaml:"connectTimeoutMs"`
	KeepAliveSec      int       `yaml:"keepAliveSec"`
	QuiesceMs         uint      `yaml:"quiesceMs"`
	TLS               TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enable   bool   `yaml:"enable"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	CAFile   string `yaml:"caFile"`
}

type APIConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type LogConfig struct {
	Level      string `yaml:"level"`      // debug, info, warn, error
	OutputPath string `yaml:"outputPath"` // file path or "stdout"
	Encoding   string `yaml:"encoding"`   // json or console
}

type ProcConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queueSize"`
}

type ShutdownConfig struct {
	TimeoutMs int `yaml:"timeoutMs"`
}

// HasCredentials reports whether both username and password are set.
// Credentials are passed to the broker only as a pair.
func (c *MQTTConfig) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

func (c *MQTTConfig) ReconnectPeriod() time.Duration {
	return time.Duration(c.ReconnectPeriodMs) * time.Millisecond
}

func (c *MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c *MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

func (c *APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *ShutdownConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Load builds the configuration from the optional YAML file at path, then
// the process environment. An empty path skips the file.
func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&config, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	setDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyEnv overlays environment variables onto cfg. Unset variables leave
// the current value alone.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_TOPIC", &cfg.MQTT.Topic)
	str("MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	str("MQTT_USERNAME", &cfg.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.MQTT.Password)
	str("API_URL", &cfg.API.URL)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_ENCODING", &cfg.Logging.Encoding)
	str("LOG_OUTPUT", &cfg.Logging.OutputPath)

	qos := int(cfg.MQTT.QoS)
	if err := num("MQTT_QOS", &qos); err != nil {
		return err
	}
	if qos < 0 || qos > 2 {
		return fmt.Errorf("MQTT_QOS: must be 0, 1 or 2, got %d", qos)
	}
	cfg.MQTT.QoS = byte(qos)

	for name, dst := range map[string]*int{
		"MQTT_RECONNECT_PERIOD": &cfg.MQTT.ReconnectPeriodMs,
		"API_TIMEOUT":           &cfg.API.TimeoutMs,
		"BRIDGE_WORKERS":        &cfg.Processing.Workers,
		"BRIDGE_QUEUE_SIZE":     &cfg.Processing.QueueSize,
		"SHUTDOWN_TIMEOUT":      &cfg.Shutdown.TimeoutMs,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}

	return nil
}

func setDefaults(config *Config) {
	// MQTT
	if config.MQTT.Broker == "" {
		config.MQTT.Broker = DefaultBroker
	}
	config.MQTT.Broker = normalizeBrokerURL(config.MQTT.Broker)
	if config.MQTT.Topic == "" {
		config.MQTT.Topic = DefaultTopic
	}
	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = DefaultClientPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if config.MQTT.ReconnectPeriodMs <= 0 {
		config.MQTT.ReconnectPeriodMs = 1000
	}
	if config.MQTT.ConnectTimeoutMs <= 0 {
		config.MQTT.ConnectTimeoutMs = 30000
	}
	if config.MQTT.KeepAliveSec <= 0 {
		config.MQTT.KeepAliveSec = 60
	}
	if config.MQTT.QuiesceMs == 0 {
		config.MQTT.QuiesceMs = 250
	}

	// API
	if config.API.URL == "" {
		config.API.URL = DefaultAPIURL
	}
	if config.API.TimeoutMs <= 0 {
		config.API.TimeoutMs = 5000
	}

	// Logging
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.OutputPath == "" {
		config.Logging.OutputPath = "stdout"
	}
	if config.Logging.Encoding == "" {
		config.Logging.Encoding = "json"
	}

	// Processing
	if config.Processing.Workers <= 0 {
		config.Processing.Workers = 1
	}
	if config.Processing.QueueSize <= 0 {
		config.Processing.QueueSize = 1000
	}

	if config.Shutdown.TimeoutMs <= 0 {
		config.Shutdown.TimeoutMs = 5000
	}
}

// normalizeBrokerURL accepts bare hosts such as "broker.hivemq.com" and
// fills in the scheme and the protocol's default port.
func normalizeBrokerURL(broker string) string {
	broker = strings.TrimSpace(broker)
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	u, err := url.Parse(broker)
	if err != nil || u.Host == "" || u.Port() != "" {
		return broker
	}

	port := "1883"
	switch strings.ToLower(u.Scheme) {
	case "ssl", "tls", "tcps", "mqtts":
		port = "8883"
	case "ws", "wss":
		return broker
	}
	u.Host = u.Host + ":" + port
	return u.String()
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate MQTT config
	u, err := url.Parse(cfg.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("invalid mqtt broker address: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("mqtt broker address must include a host: %s", cfg.MQTT.Broker)
	}

	if err := ValidateTopicFilter(cfg.MQTT.Topic); err != nil {
		return fmt.Errorf("invalid mqtt topic: %w", err)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", cfg.MQTT.QoS)
	}

	// Validate TLS config if enabled
	if cfg.MQTT.TLS.Enable {
		if cfg.MQTT.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.CAFile == "" {
			return fmt.Errorf("tls ca file is required when tls is enabled")
		}
	}

	// Validate API config
	api, err := url.Parse(cfg.API.URL)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	if api.Scheme != "http" && api.Scheme != "https" {
		return fmt.Errorf("api url must be http or https: %s", cfg.API.URL)
	}
	if api.Host == "" {
		return fmt.Errorf("api url must include a host: %s", cfg.API.URL)
	}
	if cfg.API.TimeoutMs < 1 {
		return fmt.Errorf("api timeout must be at least 1ms")
	}

	// Millisecond settings must still fit a time.Duration once scaled.
	for _, d := range []struct {
		name string
		ms   int
	}{
		{"api timeout", cfg.API.TimeoutMs},
		{"mqtt reconnect period", cfg.MQTT.ReconnectPeriodMs},
		{"mqtt connect timeout", cfg.MQTT.ConnectTimeoutMs},
		{"shutdown timeout", cfg.Shutdown.TimeoutMs},
	} {
		if int64(d.ms) > maxDurationMs {
			return fmt.Errorf("%s too large: %dms exceeds %dms", d.name, d.ms, maxDurationMs)
		}
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate processing config
	if cfg.Processing.Workers < 1 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if cfg.Processing.QueueSize < 1 {
		return fmt.Errorf("queue size must be greater than 0")
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(broker, topic, apiURL string, apiTimeout time.Duration, workers, queueSize int) error {
	if broker != "" {
		c.MQTT.Broker = normalizeBrokerURL(broker)
	}
	if topic != "" {
		c.MQTT.Topic = topic
	}
	if apiURL != "" {
		c.API.URL = apiURL
	}
	if apiTimeout > 0 {
		c.API.TimeoutMs = int(apiTimeout / time.Millisecond)
	}
	if workers > 0 {
		c.Processing.Workers = workers
	}
	if queueSize > 0 {
		c.Processing.QueueSize = queueSize
	}
	return validateConfig(c)
}
