package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scan interval bounds, enforced at configuration time.
const (
	DefaultScanInterval = 12 * time.Hour
	MinScanInterval     = time.Hour
)

// Config holds all application configuration.
type Config struct {
	Auth Auth       `yaml:"auth"`
	API  APIConfig  `yaml:"api"`
	Poll PollConfig `yaml:"poll"`
	MQTT MQTTConfig `yaml:"mqtt"`
	HTTP HTTPConfig `yaml:"http"`
	Log  LogConfig  `yaml:"log"`
}

// Auth holds LSR account credentials.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// AppInstanceID identifies this install to the LSR API. Generated on
	// first start when empty.
	AppInstanceID string `yaml:"app_instance_id"`
}

// APIConfig holds LSR API endpoint configuration.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PollConfig holds refresh scheduling configuration.
type PollConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	// DegradedThreshold is the number of consecutive failed refresh cycles
	// after which entities are marked stale.
	DegradedThreshold int           `yaml:"degraded_threshold"`
	BackoffFloor      time.Duration `yaml:"backoff_floor"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
}

// HTTPConfig holds local HTTP API configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL: "https://mp.lsr.ru/api/rpc",
			Timeout: 30 * time.Second,
		},
		Poll: PollConfig{
			ScanInterval:      DefaultScanInterval,
			DegradedThreshold: 3,
			BackoffFloor:      time.Minute,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "lsr",
			DeviceID:    "lsr_account_01",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate rejects configurations that must never be accepted silently.
func (c *Config) Validate() error {
	if c.Auth.Username == "" {
		return fmt.Errorf("config: auth.username is required")
	}
	if c.Auth.Password == "" {
		return fmt.Errorf("config: auth.password is required")
	}
	if c.Poll.ScanInterval < MinScanInterval {
		return fmt.Errorf("config: poll.scan_interval %s is below the %s floor", c.Poll.ScanInterval, MinScanInterval)
	}
	if c.Poll.DegradedThreshold < 1 {
		return fmt.Errorf("config: poll.degraded_threshold must be at least 1")
	}
	if c.Poll.BackoffFloor <= 0 {
		return fmt.Errorf("config: poll.backoff_floor must be positive")
	}
	if c.Poll.BackoffFloor > c.Poll.ScanInterval {
		return fmt.Errorf("config: poll.backoff_floor %s exceeds poll.scan_interval %s", c.Poll.BackoffFloor, c.Poll.ScanInterval)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("config: api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config: api.timeout must be positive")
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LSRD_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := os.Getenv("LSRD_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v := os.Getenv("LSRD_APP_INSTANCE_ID"); v != "" {
		cfg.Auth.AppInstanceID = v
	}
	if v := os.Getenv("LSRD_API_BASE"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("LSRD_API_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.API.Timeout = d
		}
	}
	if v := os.Getenv("LSRD_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Poll.ScanInterval = d
		}
	}
	if v := os.Getenv("LSRD_DEGRADED_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Poll.DegradedThreshold = n
		}
	}
	if v := os.Getenv("LSRD_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LSRD_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("LSRD_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("LSRD_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("LSRD_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("LSRD_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("LSRD_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("LSRD_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("LSRD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LSRD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
