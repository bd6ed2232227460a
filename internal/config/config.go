package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Socket   SocketConfig   `yaml:"socket"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
	Client   ClientConfig   `yaml:"client"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins limits CORS and websocket origins. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SocketConfig holds the messaging transport settings shared by the
// websocket and polling endpoints.
type SocketConfig struct {
	Path           string        `yaml:"path"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	PollIdle       time.Duration `yaml:"poll_idle"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
}

// DatabaseConfig points at the profile directory. An empty URL selects the
// in-memory directory.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig enables cross-instance room fan-out when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in"`
	Required  bool          `yaml:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// ClientConfig is read by the terminal client.
type ClientConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Token           string        `yaml:"token"`
	ReconnectMin    time.Duration `yaml:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	UpgradeInterval time.Duration `yaml:"upgrade_interval"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Socket: SocketConfig{
			Path:           "/socket",
			PollTimeout:    25 * time.Second,
			PollIdle:       60 * time.Second,
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 64 * 1024,
			SendBuffer:     256,
		},
		Redis: RedisConfig{
			Channel: "consult:rooms",
		},
		JWT: JWTConfig{
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
		Client: ClientConfig{
			Endpoint:        "http://localhost:8080",
			ReconnectMin:    time.Second,
			ReconnectMax:    5 * time.Second,
			UpgradeInterval: 30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.JWT.Required && cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required when JWT_REQUIRED is set")
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.Server.Port = getEnvOrDefault("PORT", cfg.Server.Port)
	if cfg.Server.ReadTimeout, err = getDurationOrDefault("READ_TIMEOUT", cfg.Server.ReadTimeout); err != nil {
		return err
	}
	if cfg.Server.WriteTimeout, err = getDurationOrDefault("WRITE_TIMEOUT", cfg.Server.WriteTimeout); err != nil {
		return err
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	cfg.Socket.Path = getEnvOrDefault("SOCKET_PATH", cfg.Socket.Path)
	if cfg.Socket.PollTimeout, err = getDurationOrDefault("POLL_TIMEOUT", cfg.Socket.PollTimeout); err != nil {
		return err
	}

	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)

	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	if cfg.Redis.DB, err = getIntOrDefault("REDIS_DB", cfg.Redis.DB); err != nil {
		return err
	}

	cfg.JWT.Secret = getEnvOrDefault("JWT_SECRET", cfg.JWT.Secret)
	if cfg.JWT.ExpiresIn, err = getDurationOrDefault("JWT_EXPIRES_IN", cfg.JWT.ExpiresIn); err != nil {
		return err
	}
	if cfg.JWT.Required, err = getBoolOrDefault("JWT_REQUIRED", cfg.JWT.Required); err != nil {
		return err
	}

	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	if cfg.Log.Pretty, err = getBoolOrDefault("LOG_PRETTY", cfg.Log.Pretty); err != nil {
		return err
	}

	cfg.Client.Endpoint = getEnvOrDefault("CHAT_ENDPOINT", cfg.Client.Endpoint)
	cfg.Client.Token = getEnvOrDefault("CHAT_TOKEN", cfg.Client.Token)

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return duration, nil
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return intValue, nil
}

func getBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return b, nil
}
