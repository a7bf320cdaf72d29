package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration. Values load in order:
// defaults, then an optional JSON file, then BOARDSESH_* environment
// variables. Later sources win.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Session   SessionConfig   `json:"session"`
	WebSocket WebSocketConfig `json:"websocket"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// ShutdownTimeout bounds graceful drain on SIGTERM.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// RedisConfig selects the shared cache and pub/sub fabric. An empty Addr
// runs the instance standalone: in-memory cache, in-process event fan-out,
// no cross-instance synchronization.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SessionConfig struct {
	// WriteDelay debounces durable queue-state write-back.
	WriteDelay time.Duration `json:"write_delay"`
	// RestoreLockTTL bounds the distributed session restore lock.
	RestoreLockTTL time.Duration `json:"restore_lock_ttl"`
	// TTL is how long an untouched session survives in the cache before
	// it must be restored from the durable store.
	TTL time.Duration `json:"ttl"`
	// EventBufferSize and EventBufferTTL bound the replay window; clients
	// further behind than either get a full snapshot.
	EventBufferSize int           `json:"event_buffer_size"`
	EventBufferTTL  time.Duration `json:"event_buffer_ttl"`
}

type WebSocketConfig struct {
	// PingInterval must stay below ReadTimeout or healthy clients get
	// dropped between pings.
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	// SendBufferSize is the per-connection outbound queue; a client that
	// fills it is considered stuck and its messages are dropped.
	SendBufferSize int `json:"send_buffer_size"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/boardsesh.db",
		},
		Redis: RedisConfig{},
		Session: SessionConfig{
			WriteDelay:      2 * time.Second,
			RestoreLockTTL:  10 * time.Second,
			TTL:             4 * time.Hour,
			EventBufferSize: 100,
			EventBufferTTL:  5 * time.Minute,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   54 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendBufferSize: 256,
		},
	}
}

// Load builds the configuration from defaults, an optional file and the
// environment. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BOARDSESH_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("BOARDSESH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BOARDSESH_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("BOARDSESH_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("BOARDSESH_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("BOARDSESH_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("BOARDSESH_WRITE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.WriteDelay = d
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Session.WriteDelay <= 0 {
		return errors.New("session write delay must be positive")
	}
	if c.Session.RestoreLockTTL <= 0 {
		return errors.New("restore lock ttl must be positive")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.Session.EventBufferSize <= 0 {
		return errors.New("event buffer size must be positive")
	}
	if c.Session.EventBufferTTL <= 0 {
		return errors.New("event buffer ttl must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("websocket write timeout must be positive")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return errors.New("websocket send buffer size must be positive")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return errors.New("websocket ping interval must be positive and below the read timeout")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Standalone reports whether the instance runs without Redis.
func (c *Config) Standalone() bool {
	return c.Redis.Addr == ""
}
