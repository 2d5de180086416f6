package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr      = ":26379"
	DefaultTickInterval    = 100 * time.Millisecond
	DefaultCommandTimeout  = 5 * time.Second
	DefaultDownAfter       = 30 * time.Second
	DefaultFailoverTimeout = 3 * time.Minute
	DefaultParallelSyncs   = 1
)

// Config holds the configuration for a sentinel process
type Config struct {
	// Peer RPC / admin HTTP listener
	ListenAddr string

	// Address other monitors use to reach us; published in hello messages
	AnnounceIP   string
	AnnouncePort int

	// MyID overrides the persisted or generated monitor id
	MyID string

	// DataDir holds the durable epoch/vote store. Empty keeps state in memory.
	DataDir string

	TickInterval   time.Duration
	CommandTimeout time.Duration

	// Redis connection settings shared by every monitored node
	RedisTLS           bool
	RedisTLSSkipVerify bool // If true, skip TLS certificate verification

	// Authentication between monitors
	SharedSecret string

	// Kubernetes master labelling
	KubeLabels    bool
	Namespace     string
	LabelSelector string

	// Logging
	Debug bool

	Primaries []Primary
}

// Primary describes one monitored primary.
type Primary struct {
	Name            string        `yaml:"name"`
	Addr            string        `yaml:"addr"`
	Quorum          int           `yaml:"quorum"`
	DownAfter       time.Duration `yaml:"down-after"`
	FailoverTimeout time.Duration `yaml:"failover-timeout"`
	ParallelSyncs   int           `yaml:"parallel-syncs"`
	AuthUser        string        `yaml:"auth-user"`
	AuthPass        string        `yaml:"auth-pass"`
}

// fileConfig is the YAML document accepted by LoadFile.
type fileConfig struct {
	AnnounceIP   string    `yaml:"announce-ip"`
	AnnouncePort int       `yaml:"announce-port"`
	MyID         string    `yaml:"myid"`
	Primaries    []Primary `yaml:"primaries"`
}

// Default returns a Config with every tunable set to its default.
func Default() *Config {
	return &Config{
		ListenAddr:     DefaultListenAddr,
		TickInterval:   DefaultTickInterval,
		CommandTimeout: DefaultCommandTimeout,
		LabelSelector:  "app=redis",
	}
}

// LoadFile merges the YAML file at path into cfg. Values already set on cfg
// (normally from flags) win over the file for the scalar settings.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.AnnounceIP == "" {
		cfg.AnnounceIP = fc.AnnounceIP
	}
	if cfg.AnnouncePort == 0 {
		cfg.AnnouncePort = fc.AnnouncePort
	}
	if cfg.MyID == "" {
		cfg.MyID = fc.MyID
	}
	cfg.Primaries = append(cfg.Primaries, fc.Primaries...)
	return nil
}

// WithDefaults returns a copy of p with zero-valued tunables replaced.
func (p Primary) WithDefaults() Primary {
	if p.DownAfter <= 0 {
		p.DownAfter = DefaultDownAfter
	}
	if p.FailoverTimeout <= 0 {
		p.FailoverTimeout = DefaultFailoverTimeout
	}
	if p.ParallelSyncs <= 0 {
		p.ParallelSyncs = DefaultParallelSyncs
	}
	return p
}

// Validate checks a single primary definition.
func (p Primary) Validate() error {
	if p.Name == "" {
		return errors.New("primary name is required")
	}
	if p.Quorum < 1 {
		return fmt.Errorf("primary %s: quorum must be at least 1", p.Name)
	}
	if _, _, err := SplitAddr(p.Addr); err != nil {
		return fmt.Errorf("primary %s: %w", p.Name, err)
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("command timeout must be positive")
	}
	if c.AnnouncePort < 0 || c.AnnouncePort > 65535 {
		return fmt.Errorf("invalid announce port %d", c.AnnouncePort)
	}
	if c.KubeLabels && c.Namespace == "" {
		return errors.New("namespace is required when kubernetes labels are enabled")
	}

	seen := make(map[string]bool, len(c.Primaries))
	for _, p := range c.Primaries {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate primary name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// SplitAddr parses "host:port" and checks the port range.
func SplitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid address %q: empty host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid address %q: bad port", addr)
	}
	return host, port, nil
}
