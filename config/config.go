package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Detector  DetectorConfig  `yaml:"detector"`
	LockerBox LockerBoxConfig `yaml:"lockerbox"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	// URL целиком перекрывает host/port/...; обычно приходит из окружения.
	URL string `yaml:"url"`
}

// ConnString returns URL when set, otherwise builds a postgres DSN from the parts.
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ShipmentEventsTopic string `yaml:"shipment_events_topic"`
	ConsumerGroup       string `yaml:"consumer_group"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// "binderbyte" | "fake"
	Mode               string `yaml:"mode"`
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
}

type AuthConfig struct {
	SigningSecret string `yaml:"signing_secret"`
	Issuer        string `yaml:"issuer"`
}

type LogConfig struct {
	Environment string `yaml:"environment"`
	Level       string `yaml:"level"`
}

type DetectorConfig struct {
	// Пустые списки = встроенная таблица.
	Carriers []CarrierConfig `yaml:"carriers"`
	Rules    []RuleConfig    `yaml:"rules"`
}

type CarrierConfig struct {
	Code            string `yaml:"code"`
	RequiresAuxCode bool   `yaml:"requires_aux_code"`
	AuxCodePattern  string `yaml:"aux_code_pattern"`
}

type RuleConfig struct {
	Pattern    string `yaml:"pattern"`
	Carrier    string `yaml:"carrier"`
	Confidence string `yaml:"confidence"` // "high" | "low"
}

type LockerBoxConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	ValidationCacheTTLSeconds int `yaml:"validation_cache_ttl_seconds"`
	LivenessWindowSeconds     int `yaml:"liveness_window_seconds"`

	// "redis" | "memory"
	WeightSessionStore      string  `yaml:"weight_session_store"`
	WeightSessionTTLSeconds int     `yaml:"weight_session_ttl_seconds"`
	WeightMinKg             float64 `yaml:"weight_min_kg"`
	WeightMaxKg             float64 `yaml:"weight_max_kg"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`
	WorkerRecheckSeconds      int `yaml:"worker_recheck_seconds"`
}

// LoadConfig reads the YAML file and then applies environment overrides for secrets.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("failed to parse env overrides: %w", err)
	}
	ov.apply(&config)

	return &config, nil
}

// envOverrides are the values that normally should not live in the YAML file.
type envOverrides struct {
	DatabaseURL    string `env:"DATABASE_URL"`
	ProviderAPIKey string `env:"PROVIDER_API_KEY"`
	SigningSecret  string `env:"AUTH_SIGNING_SECRET"`
	Environment    string `env:"APP_ENV"`
	LogLevel       string `env:"LOG_LEVEL"`
}

func (o envOverrides) apply(c *Config) {
	if o.DatabaseURL != "" {
		c.Database.URL = o.DatabaseURL
	}
	if o.ProviderAPIKey != "" {
		c.Provider.APIKey = o.ProviderAPIKey
	}
	if o.SigningSecret != "" {
		c.Auth.SigningSecret = o.SigningSecret
	}
	if o.Environment != "" {
		c.Log.Environment = o.Environment
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
}
