package config

import "time"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Limits    LimitsConfig    `yaml:"limits"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	s := ""
	for i > 0 {
		s = string(rune('0'+i%10)) + s
		i /= 10
	}
	return s
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// RuntimeConfig describes the local model runtimes. The secondary runtime is
// only tried once, after a transient failure on the primary.
type RuntimeConfig struct {
	Primary   RuntimeEndpoint `yaml:"primary"`
	Secondary RuntimeEndpoint `yaml:"secondary"`

	RequestTimeout    time.Duration `yaml:"request_timeout"`
	FirstChunkTimeout time.Duration `yaml:"first_chunk_timeout"`
	ChunkStaleTimeout time.Duration `yaml:"chunk_stale_timeout"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type RuntimeEndpoint struct {
	Name      string        `yaml:"name"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	KeepAlive string        `yaml:"keep_alive"`
	Timeout   time.Duration `yaml:"timeout"`
}

type CircuitBreakerConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

// LimitsConfig holds the cross-task ceilings. Per-task limits live on the
// task spec itself.
type LimitsConfig struct {
	GlobalPerMinute int64 `yaml:"global_per_minute"`
	DailyQuota      int64 `yaml:"daily_quota"`
}

// SafetyConfig lives in its own file so phrase lists and the role policy can
// be tuned without touching server config.
type SafetyConfig struct {
	DenyPhrases    []string `yaml:"deny_phrases"`
	WarningPhrases []string `yaml:"warning_phrases"`

	// Fixed text shown in place of any deny-matched response.
	FallbackMessage string `yaml:"fallback_message"`

	PIIScan    PIIScanConfig    `yaml:"pii_scan"`
	RolePolicy RolePolicyConfig `yaml:"role_policy"`
}

type PIIScanConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RolePolicyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BundlePath string `yaml:"bundle_path"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "cds",
			User:            "cds",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Runtime: RuntimeConfig{
			Primary: RuntimeEndpoint{
				Name:      "ollama-primary",
				BaseURL:   "http://localhost:11434",
				Model:     "llama3.1:8b",
				KeepAlive: "10m",
				Timeout:   60 * time.Second,
			},
			RequestTimeout:    45 * time.Second,
			FirstChunkTimeout: 30 * time.Second,
			ChunkStaleTimeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:      5,
				RecoveryProbeInterval: 15 * time.Second,
			},
		},
		Limits: LimitsConfig{
			GlobalPerMinute: 100,
			DailyQuota:      500,
		},
	}
}

func DefaultSafetyConfig() *SafetyConfig {
	return &SafetyConfig{
		FallbackMessage: "This explanation could not be shown. Please rely on the triage protocol and consult a senior clinician if unsure.",
		PIIScan:         PIIScanConfig{Enabled: true},
		RolePolicy: RolePolicyConfig{
			Enabled:    true,
			BundlePath: "configs/policies",
		},
	}
}
