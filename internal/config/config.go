package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all credit proxy configuration
type Config struct {
	Node     NodeConfig
	SIP      SIPConfig
	Redis    RedisConfig
	Sweep    SweepConfig
	Admin    AdminConfig
	Log      LogConfig
	Teardown TeardownConfig
}

type NodeConfig struct {
	ID string
}

// SIPConfig holds the proxy listener settings
type SIPConfig struct {
	Network        string // udp, tcp
	Addr           string
	UserAgent      string
	TrackingHeader string // marks INVITEs that are under credit control
}

// RedisConfig holds the shared store settings
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RecordTTL    time.Duration
}

type SweepConfig struct {
	Period            time.Duration
	StopOnCallOverage bool
}

// AdminConfig holds the admin API settings
type AdminConfig struct {
	Addr             string
	JWTSecret        string
	TokenTTL         time.Duration
	AuthFailureLimit int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

type TeardownConfig struct {
	Timeout time.Duration
}

// Load reads configuration from a TOML file and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with CREDIT_ prefix (e.g., CREDIT_REDIS_ADDR)
// 2. credit-proxy.toml, or the file given by path
// 3. Built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("credit-proxy")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/credit-proxy")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CREDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans cannot be told apart from "unset" after the fact.
	v.SetDefault("sweep.stop_on_call_overage", true)

	cfg := &Config{
		Node: NodeConfig{
			ID: v.GetString("node.id"),
		},
		SIP: SIPConfig{
			Network:        v.GetString("sip.network"),
			Addr:           v.GetString("sip.addr"),
			UserAgent:      v.GetString("sip.user_agent"),
			TrackingHeader: v.GetString("sip.tracking_header"),
		},
		Redis: RedisConfig{
			Addr:         v.GetString("redis.addr"),
			Password:     v.GetString("redis.password"),
			DB:           v.GetInt("redis.db"),
			DialTimeout:  v.GetDuration("redis.dial_timeout"),
			ReadTimeout:  v.GetDuration("redis.read_timeout"),
			WriteTimeout: v.GetDuration("redis.write_timeout"),
			RecordTTL:    v.GetDuration("redis.record_ttl"),
		},
		Sweep: SweepConfig{
			Period:            v.GetDuration("sweep.period"),
			StopOnCallOverage: v.GetBool("sweep.stop_on_call_overage"),
		},
		Admin: AdminConfig{
			Addr:             v.GetString("admin.addr"),
			JWTSecret:        v.GetString("admin.jwt_secret"),
			TokenTTL:         v.GetDuration("admin.token_ttl"),
			AuthFailureLimit: v.GetInt("admin.auth_failure_limit"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			MaxSize:    v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAge:     v.GetInt("log.max_age"),
		},
		Teardown: TeardownConfig{
			Timeout: v.GetDuration("teardown.timeout"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	if cfg.SIP.Network == "" {
		cfg.SIP.Network = "udp"
	}
	if cfg.SIP.Addr == "" {
		cfg.SIP.Addr = "0.0.0.0:5060"
	}
	if cfg.SIP.UserAgent == "" {
		cfg.SIP.UserAgent = "NextGen-Credit-Proxy/1.0"
	}
	if cfg.SIP.TrackingHeader == "" {
		cfg.SIP.TrackingHeader = "X-Credit-Control"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 1500 * time.Millisecond
	}
	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 1500 * time.Millisecond
	}
	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 1500 * time.Millisecond
	}
	if cfg.Redis.RecordTTL == 0 {
		cfg.Redis.RecordTTL = 30 * time.Second
	}
	if cfg.Sweep.Period == 0 {
		cfg.Sweep.Period = time.Second
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":8080"
	}
	if cfg.Admin.TokenTTL == 0 {
		cfg.Admin.TokenTTL = 24 * time.Hour
	}
	if cfg.Admin.AuthFailureLimit == 0 {
		cfg.Admin.AuthFailureLimit = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Log.MaxSize == 0 {
		cfg.Log.MaxSize = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAge == 0 {
		cfg.Log.MaxAge = 14
	}
	if cfg.Teardown.Timeout == 0 {
		cfg.Teardown.Timeout = 2 * time.Second
	}
}

func (c *Config) validate() error {
	switch c.SIP.Network {
	case "udp", "tcp":
	default:
		return fmt.Errorf("sip.network must be udp or tcp, got %q", c.SIP.Network)
	}
	if c.Sweep.Period < 100*time.Millisecond {
		return fmt.Errorf("sweep.period must be at least 100ms, got %s", c.Sweep.Period)
	}
	// The record must outlive several sweeps or live entries expire between writes.
	if c.Redis.RecordTTL < 3*c.Sweep.Period {
		return fmt.Errorf("redis.record_ttl (%s) must be at least three sweep periods (%s)",
			c.Redis.RecordTTL, 3*c.Sweep.Period)
	}
	if c.Admin.AuthFailureLimit < 0 {
		return fmt.Errorf("admin.auth_failure_limit cannot be negative")
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 16 {
		return fmt.Errorf("admin.jwt_secret must be at least 16 characters")
	}
	return nil
}
