package config

import "time"

// Config is the mediator binary's on-disk configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"Listen"`
	Cookie  CookieConfig  `yaml:"Cookie"`
	Pairs   PairsConfig   `yaml:"Pairs"`
	Log     LogConfig     `yaml:"Log"`
	Metrics MetricsConfig `yaml:"Metrics"`
}

// ListenConfig is the UDP address the mediator's rendezvous socket binds.
type ListenConfig struct {
	Address string `yaml:"Address"`
}

// CookieConfig configures the HMAC cookie scheme peers authenticate
// rendezvous requests with.
type CookieConfig struct {
	// Secret seeds the HMAC key. In production this should come from a
	// secrets manager, not the checked-in config file.
	Secret string `yaml:"Secret"`
}

// PairsConfig tunes per-pair rate limiting and idle expiry.
type PairsConfig struct {
	RateLimitPerSecond float64       `yaml:"RateLimitPerSecond"`
	RateBurst          int           `yaml:"RateBurst"`
	IdleExpiry         time.Duration `yaml:"IdleExpiry"`
	SweepInterval      time.Duration `yaml:"SweepInterval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enable bool   `yaml:"Enable"`
	Host   string `yaml:"Host"`
	Port   int    `yaml:"Port"`
	Path   string `yaml:"Path"`
}

// DefaultConfig returns the configuration used when no config file is
// present, suitable for local development only — the default cookie
// secret must never be used in production.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{Address: ":9700"},
		Cookie: CookieConfig{Secret: "change-me-in-production"},
		Pairs: PairsConfig{
			RateLimitPerSecond: 50,
			RateBurst:          20,
			IdleExpiry:         2 * time.Minute,
			SweepInterval:      30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{
			Enable: true,
			Host:   "0.0.0.0",
			Port:   9701,
			Path:   "/metrics",
		},
	}
}
