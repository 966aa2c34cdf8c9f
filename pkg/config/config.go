// Package config loads service settings from the environment (optionally
// seeded from a .env file) and client settings from YAML.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gopkg.in/yaml.v3"
)

const (
	// MessagesTopic carries every persisted row change.
	MessagesTopic = "tenant-changes"
	Keyspace      = "chat"
)

type Config struct {
	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string
	ScyllaHosts  []string
	Keyspace     string
	JWTSecret    string
	APIAddr      string
	GatewayAddr  string
	LogLevel     string
	LogFile      string
	FilesDir     string
}

// Load reads the service configuration. A missing .env file is not an
// error; every variable has a development default except JWT_SECRET outside
// of development.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		jww.WARN.Printf("[config] could not load .env: %v", err)
	}

	cfg := &Config{
		KafkaBrokers: list(getenv("KAFKA_BROKERS", "localhost:19092")),
		KafkaTopic:   getenv("KAFKA_TOPIC", MessagesTopic),
		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		ScyllaHosts:  list(getenv("SCYLLA_HOSTS", "localhost:9042")),
		Keyspace:     getenv("SCYLLA_KEYSPACE", Keyspace),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		APIAddr:      getenv("API_ADDR", ":8081"),
		GatewayAddr:  getenv("GATEWAY_ADDR", ":8080"),
		LogLevel:     getenv("LOG_LEVEL", "info"),
		LogFile:      os.Getenv("LOG_FILE"),
		FilesDir:     getenv("FILES_DIR", "uploads"),
	}

	if cfg.JWTSecret == "" {
		if getenv("ENV", "dev") != "dev" {
			return nil, errors.New("JWT_SECRET must be set outside of development")
		}
		jww.WARN.Println("[config] JWT_SECRET not set, using the development secret")
		cfg.JWTSecret = "dev-secret-change-me"
	}
	return cfg, nil
}

// Client is the CLI's configuration file.
type Client struct {
	APIAddr     string `yaml:"api_addr"`
	GatewayAddr string `yaml:"gateway_addr"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	DisplayName string `yaml:"display_name"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// LoadClient reads a client YAML file. An empty path yields the defaults.
func LoadClient(path string) (*Client, error) {
	c := &Client{
		APIAddr:     "localhost:8081",
		GatewayAddr: "localhost:8080",
		LogLevel:    "info",
		LogFile:     "client.log",
	}
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read client config %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse client config %s", path)
	}
	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func list(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
