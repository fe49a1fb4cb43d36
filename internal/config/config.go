package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WebSocketConfig locates the listening socket and the upgrade path.
type WebSocketConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// SecurityConfig is declared for peers that want to present credentials.
// None of the key fields are enforced by the router itself.
type SecurityConfig struct {
	UseTLS      bool     `yaml:"use_tls"`
	APIKey      string   `yaml:"api_key"`
	JWTSecret   string   `yaml:"jwt_secret"`
	CORS        bool     `yaml:"cors"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LoggingConfig controls verbosity and frame-body debug logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	LogBodies bool   `yaml:"log_bodies"`
}

// ServerConfig holds configuration for the bridge server.
type ServerConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`

	MetricsAddr   string        `yaml:"metrics_addr"`
	RedisAddr     string        `yaml:"redis_addr"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`

	ConfigFile string `yaml:"-"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.WebSocket.Port == 0 {
		c.WebSocket.Port = 3001
	}
	if c.WebSocket.Host == "" {
		c.WebSocket.Host = "0.0.0.0"
	}
	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/ws"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// ResolveMetricsAddr finalizes the metrics listen address once every
// override layer has been applied: an unset address falls back to the
// final websocket port, and a bare port number gains its colon. Deriving
// the fallback any earlier would freeze it against a port a later layer
// still changes.
func (c *ServerConfig) ResolveMetricsAddr() {
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.WebSocket.Port)
	} else if !strings.Contains(c.MetricsAddr, ":") {
		c.MetricsAddr = ":" + c.MetricsAddr
	}
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays environment variables onto the current values.
func (c *ServerConfig) ApplyEnv() {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WebSocket.Port = n
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.WebSocket.Host = v
	}
	if v := os.Getenv("WS_PATH"); v != "" {
		c.WebSocket.Path = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.Security.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Security.JWTSecret = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Security.CORS = true
		c.Security.CORSOrigins = splitComma(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_BODIES"); v != "" {
		c.Logging.LogBodies = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SweepInterval = d
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IdleTimeout = d
		}
	}
	if v := os.Getenv("DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
}

// BindFlags binds command line flags using the current values as defaults.
func (c *ServerConfig) BindFlags() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.BoolVar(&c.Logging.LogBodies, "log-bodies", c.Logging.LogBodies, "log full frame bodies at debug level")
	flag.IntVar(&c.WebSocket.Port, "port", c.WebSocket.Port, "HTTP listen port")
	flag.StringVar(&c.WebSocket.Host, "host", c.WebSocket.Host, "HTTP listen host")
	flag.StringVar(&c.WebSocket.Path, "ws-path", c.WebSocket.Path, "websocket upgrade path")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for shared server state")
	flag.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "liveness monitor sweep period")
	flag.DurationVar(&c.IdleTimeout, "idle-timeout", c.IdleTimeout, "idle window after which a connection is evicted")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to keep existing connections on shutdown")
	flag.Func("cors-origins", "comma separated list of allowed CORS origins; enables CORS", func(v string) error {
		c.Security.CORS = true
		c.Security.CORSOrigins = splitComma(v)
		return nil
	})
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
