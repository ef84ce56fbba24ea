// Package config loads broker and endpoint settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvURL overrides the broker URL from the file when set
const EnvURL = "RABBITMQ_URL"

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultPrefetch       = 10
	DefaultAskTimeout     = 10 * time.Second
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	URL               string        `yaml:"url"`
	Namespace         string        `yaml:"namespace"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	Prefetch          int           `yaml:"prefetch"`
	AskTimeout        time.Duration `yaml:"ask_timeout"`
	PublisherConfirms bool          `yaml:"publisher_confirms"`
	Handlers          HandlerConfig `yaml:"handlers"`

	Services      []ServiceConfig      `yaml:"services"`
	Communicators []CommunicatorConfig `yaml:"communicators"`
}

// HandlerConfig adds global middleware in front of every manager handler.
// Zero values leave the chain untouched.
type HandlerConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	RequiredMetadata []string      `yaml:"required_metadata,omitempty"`
}

// ServiceConfig describes an owner endpoint
type ServiceConfig struct {
	Name      string                 `yaml:"name"`
	Namespace string                 `yaml:"namespace"`
	Input     bool                   `yaml:"input"`
	Output    bool                   `yaml:"output"`
	Discard   bool                   `yaml:"discard"`
	Metadata  map[string]interface{} `yaml:"metadata,omitempty"`
}

// CommunicatorConfig describes a peer endpoint. Name is the key the
// manager registers it under; Target defaults to Name.
type CommunicatorConfig struct {
	Name       string                 `yaml:"name"`
	Target     string                 `yaml:"target"`
	Namespace  string                 `yaml:"namespace"`
	Input      bool                   `yaml:"input"`
	Output     bool                   `yaml:"output"`
	Discard    bool                   `yaml:"discard"`
	UseAsk     bool                   `yaml:"use_ask"`
	AskTimeout time.Duration          `yaml:"ask_timeout"`
	Metadata   map[string]interface{} `yaml:"metadata,omitempty"`
}

// Load reads and parses a YAML config file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and the environment override, and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if url := os.Getenv(EnvURL); url != "" {
		cfg.URL = url
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Prefetch == 0 {
		c.Prefetch = DefaultPrefetch
	}
	if c.AskTimeout == 0 {
		c.AskTimeout = DefaultAskTimeout
	}

	for i := range c.Services {
		if c.Services[i].Namespace == "" {
			c.Services[i].Namespace = c.Namespace
		}
	}
	for i := range c.Communicators {
		comm := &c.Communicators[i]
		if comm.Namespace == "" {
			comm.Namespace = c.Namespace
		}
		if comm.Target == "" {
			comm.Target = comm.Name
		}
		if comm.AskTimeout == 0 {
			comm.AskTimeout = c.AskTimeout
		}
	}
}

// Validate checks the structural rules of the file. Endpoint role rules
// are enforced again when the endpoints are constructed.
func (c *Config) Validate() error {
	if c.URL == "" {
		return invalid("url is required (or set %s)", EnvURL)
	}
	if c.Prefetch < 0 {
		return invalid("prefetch cannot be negative: %d", c.Prefetch)
	}
	if c.ReconnectDelay < 0 {
		return invalid("reconnect_delay cannot be negative: %s", c.ReconnectDelay)
	}
	if c.AskTimeout < 0 {
		return invalid("ask_timeout cannot be negative: %s", c.AskTimeout)
	}
	if c.Handlers.Timeout < 0 {
		return invalid("handlers.timeout cannot be negative: %s", c.Handlers.Timeout)
	}
	for _, key := range c.Handlers.RequiredMetadata {
		if key == "" {
			return invalid("handlers.required_metadata cannot contain an empty key")
		}
	}

	seen := make(map[string]bool)
	for i, svc := range c.Services {
		if svc.Name == "" {
			return invalid("services[%d]: name is required", i)
		}
		if svc.Namespace == "" {
			return invalid("service %q: namespace is required", svc.Name)
		}
		if !svc.Input && !svc.Output {
			return invalid("service %q: at least one of input or output must be enabled", svc.Name)
		}
		key := svc.Namespace + ":" + svc.Name
		if seen[key] {
			return invalid("service %q declared twice", key)
		}
		seen[key] = true
	}

	seen = make(map[string]bool)
	for i, comm := range c.Communicators {
		if comm.Name == "" {
			return invalid("communicators[%d]: name is required", i)
		}
		if comm.Namespace == "" {
			return invalid("communicator %q: namespace is required", comm.Name)
		}
		if !comm.Input && !comm.Output && !comm.UseAsk {
			return invalid("communicator %q: at least one of input, output or use_ask must be enabled", comm.Name)
		}
		if comm.AskTimeout < 0 {
			return invalid("communicator %q: ask_timeout cannot be negative", comm.Name)
		}
		if seen[comm.Name] {
			return invalid("communicator %q declared twice", comm.Name)
		}
		seen[comm.Name] = true
	}

	return nil
}

// Service returns the named service entry
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// Communicator returns the named communicator entry
func (c *Config) Communicator(name string) (CommunicatorConfig, bool) {
	for _, comm := range c.Communicators {
		if comm.Name == name {
			return comm, true
		}
	}
	return CommunicatorConfig{}, false
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
