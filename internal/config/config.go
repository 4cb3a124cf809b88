// Package config loads server settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go-signal/internal/logger"
)

type HTTP struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	APIKey         string   `yaml:"apiKey"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // signal
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Call struct {
	RingTimeout string `yaml:"ringTimeout"`
}

type Chat struct {
	HistoryLimit int `yaml:"historyLimit"`
}

type Push struct {
	FCMCredentials  string `yaml:"fcmCredentials"` // service account JSON path
	VAPIDPublicKey  string `yaml:"vapidPublicKey"`
	VAPIDPrivateKey string `yaml:"vapidPrivateKey"`
	VAPIDSubject    string `yaml:"vapidSubject"`
	TTL             string `yaml:"ttl"`
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	Logging  Logging  `yaml:"logging"`
	Redis    Redis    `yaml:"redis"`
	Postgres Postgres `yaml:"postgres"`
	Call     Call     `yaml:"call"`
	Chat     Chat     `yaml:"chat"`
	Push     Push     `yaml:"push"`
}

// LoadConfig reads CONFIG_PATH (default ./config/config.yaml). A missing
// file is not an error: everything has a default or an env override.
func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = "./config/config.yaml"
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, err
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets the deployment environment override the file.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.HTTP.Addr, "HTTP_ADDR")
	set(&c.HTTP.APIKey, "API_KEY")
	set(&c.Logging.Env, "APP_ENV")
	set(&c.Redis.Addr, "REDIS_ADDR")
	set(&c.Redis.Password, "REDIS_PASSWORD")
	set(&c.Postgres.DSN, "DB_DSN")
	set(&c.Call.RingTimeout, "RING_TIMEOUT")
	set(&c.Push.FCMCredentials, "FCM_CREDENTIALS")
	set(&c.Push.VAPIDPublicKey, "VAPID_PUBLIC_KEY")
	set(&c.Push.VAPIDPrivateKey, "VAPID_PRIVATE_KEY")
	set(&c.Push.VAPIDSubject, "VAPID_SUBJECT")
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		c.HTTP.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.HTTP.AllowedOrigins = append(c.HTTP.AllowedOrigins, o)
			}
		}
	}
	if v := getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "signal"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	switch c.Logging.Backend {
	case "", "std", "zap":
	default:
		return fmt.Errorf("logging.backend %q: want std or zap", c.Logging.Backend)
	}
	if c.Call.RingTimeout != "" {
		if _, err := time.ParseDuration(c.Call.RingTimeout); err != nil {
			return fmt.Errorf("call.ringTimeout: %w", err)
		}
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		return errors.New("push.vapidPublicKey and push.vapidPrivateKey must be set together")
	}
	if c.Push.VAPIDPrivateKey != "" && c.Push.VAPIDSubject == "" {
		return errors.New("push.vapidSubject is required for web push")
	}
	return nil
}

func (c *Config) RingTimeout() time.Duration {
	return parseDurationOr(30*time.Second, c.Call.RingTimeout)
}

func (c *Config) PushTTL() time.Duration {
	return parseDurationOr(0, c.Push.TTL)
}

// LoggerConfig maps the logging section onto logger.Config.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Service:   c.Logging.Service,
		Version:   c.Logging.Version,
		Env:       logger.ParseEnv(c.Logging.Env),
		Backend:   logger.Backend(c.Logging.Backend),
		Debug:     c.Logging.Debug,
		AddSource: c.Logging.AddSource,
	}
}

func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
