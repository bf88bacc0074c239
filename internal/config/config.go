package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a ring node
type Config struct {
	// Node address. Host must be an IPv4 literal since it is carried in the
	// 6-byte wire form of an address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// HTTP API, 0 disables it
	HTTPPort int `yaml:"http_port"`

	// Bootstrap is the seed node to join; empty creates a new ring
	Bootstrap string `yaml:"bootstrap"`

	// AuthToken, when set, is required on every node-to-node call
	AuthToken string `yaml:"auth_token"`

	// Ring maintenance
	StabilizeInterval        time.Duration `yaml:"stabilize_interval"`
	CheckPredecessorInterval time.Duration `yaml:"check_predecessor_interval"`
	FixFingersInterval       time.Duration `yaml:"fix_fingers_interval"`
	SuccessorListSize        int           `yaml:"successor_list_size"`
	RPCTimeout               time.Duration `yaml:"rpc_timeout"`

	// Storage
	GCInterval   time.Duration `yaml:"gc_interval"`
	SnapshotPath string        `yaml:"snapshot_path"`

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogFile   string `yaml:"log_file"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                     "127.0.0.1",
		Port:                     8440,
		HTTPPort:                 8080,
		StabilizeInterval:        2 * time.Second,
		CheckPredecessorInterval: 2 * time.Second,
		FixFingersInterval:       200 * time.Millisecond,
		SuccessorListSize:        3,
		RPCTimeout:               2 * time.Second,
		GCInterval:               time.Minute,
		LogLevel:                 "info",
		LogFormat:                "console",
	}
}

// Load reads a YAML file on top of DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Address returns host:port of the node's ring endpoint.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	ip := net.ParseIP(c.Host)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("host must be an IPv4 address, got %q", c.Host)
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("host %q is not dialable by other nodes", c.Host)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.HTTPPort != 0 && c.HTTPPort == c.Port {
		return fmt.Errorf("HTTP port %d collides with ring port", c.HTTPPort)
	}
	if c.Bootstrap != "" {
		if _, _, err := net.SplitHostPort(c.Bootstrap); err != nil {
			return fmt.Errorf("invalid bootstrap address %q: %w", c.Bootstrap, err)
		}
	}
	if c.SuccessorListSize < 1 {
		return fmt.Errorf("successor list size must be at least 1, got %d", c.SuccessorListSize)
	}
	for name, d := range map[string]time.Duration{
		"stabilize_interval":         c.StabilizeInterval,
		"check_predecessor_interval": c.CheckPredecessorInterval,
		"fix_fingers_interval":       c.FixFingersInterval,
		"rpc_timeout":                c.RPCTimeout,
		"gc_interval":                c.GCInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}
