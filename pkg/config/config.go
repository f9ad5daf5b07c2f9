package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"voicebridge/pkg/utils"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address      string        `yaml:"address"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	// Quality drives the per-meeting adaptive tier loop. The hysteresis
	// constants are reference defaults, deliberately configuration rather
	// than hard-coded invariants.
	Quality struct {
		EvaluationInterval time.Duration `yaml:"evaluation_interval"`
		ReportInterval     time.Duration `yaml:"report_interval"`
		StaleMultiplier    int           `yaml:"stale_multiplier"`
		WindowSize         int           `yaml:"window_size"`
		ThresholdMedHigh   float64       `yaml:"threshold_med_high"`
		ThresholdLowMed    float64       `yaml:"threshold_low_med"`
		Hysteresis         float64       `yaml:"hysteresis"`
	} `yaml:"quality"`

	// Fingerprint controls the frame delivery verification pipeline.
	Fingerprint struct {
		ToleranceMs     int64         `yaml:"tolerance_ms"`
		BucketMs        int64         `yaml:"bucket_ms"`
		SummaryInterval time.Duration `yaml:"summary_interval"`
	} `yaml:"fingerprint"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		JoinTokenTTL   time.Duration `yaml:"join_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Quality.EvaluationInterval <= 0 {
		return fmt.Errorf("quality.evaluation_interval must be > 0")
	}
	if c.Quality.ReportInterval <= 0 {
		return fmt.Errorf("quality.report_interval must be > 0")
	}
	if c.Quality.StaleMultiplier <= 0 {
		return fmt.Errorf("quality.stale_multiplier must be > 0")
	}
	if c.Quality.WindowSize <= 0 {
		return fmt.Errorf("quality.window_size must be > 0")
	}
	if c.Quality.ThresholdMedHigh < 0 || c.Quality.ThresholdMedHigh > 1 {
		return fmt.Errorf("quality.threshold_med_high must be within [0,1]")
	}
	if c.Quality.ThresholdLowMed < 0 || c.Quality.ThresholdLowMed > 1 {
		return fmt.Errorf("quality.threshold_low_med must be within [0,1]")
	}
	if c.Quality.ThresholdMedHigh >= c.Quality.ThresholdLowMed {
		return fmt.Errorf("quality.threshold_med_high must be < quality.threshold_low_med")
	}
	if c.Quality.Hysteresis < 0 || c.Quality.Hysteresis > 0.5 {
		return fmt.Errorf("quality.hysteresis must be within [0,0.5]")
	}

	if c.Fingerprint.ToleranceMs <= 0 {
		return fmt.Errorf("fingerprint.tolerance_ms must be > 0")
	}
	if c.Fingerprint.BucketMs <= 0 || c.Fingerprint.BucketMs > c.Fingerprint.ToleranceMs {
		return fmt.Errorf("fingerprint.bucket_ms must be within (0, tolerance_ms]")
	}
	if c.Fingerprint.SummaryInterval <= 0 {
		return fmt.Errorf("fingerprint.summary_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.JoinTokenTTL <= 0 {
		return fmt.Errorf("auth.join_token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// StaleThreshold is the age past which a user's reports stop contributing
// to the worst-loss computation.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Quality.StaleMultiplier) * c.Quality.ReportInterval
}

// FingerprintTTL is how long sender fingerprints are held for matching:
// twice the tolerance window plus a safety margin.
func (c *Config) FingerprintTTL() time.Duration {
	return time.Duration(2*c.Fingerprint.ToleranceMs+500) * time.Millisecond
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file falls back to defaults.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Quality.EvaluationInterval = 5 * time.Second
	cfg.Quality.ReportInterval = 5 * time.Second
	cfg.Quality.StaleMultiplier = 3
	cfg.Quality.WindowSize = 10
	cfg.Quality.ThresholdMedHigh = 0.02
	cfg.Quality.ThresholdLowMed = 0.05
	cfg.Quality.Hysteresis = 0.02

	cfg.Fingerprint.ToleranceMs = 50
	cfg.Fingerprint.BucketMs = 50
	cfg.Fingerprint.SummaryInterval = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.JoinTokenTTL = time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("VOICEBRIDGE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("VOICEBRIDGE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("VOICEBRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("VOICEBRIDGE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("VOICEBRIDGE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if interval := os.Getenv("VOICEBRIDGE_EVAL_INTERVAL"); interval != "" {
		c.Quality.EvaluationInterval = utils.ParseDurationSafe(interval, c.Quality.EvaluationInterval)
	}
}
