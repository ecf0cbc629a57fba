package relay

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gopkg.in/yaml.v3"

	"github.com/xuezhaojun/telemetryrelay/pkg/methods"
)

// ForwardMode selects what is written to the agent for each record.
type ForwardMode string

const (
	// ForwardRaw sends the record body exactly as published.
	ForwardRaw ForwardMode = "raw"
	// ForwardDecoded sends the decoded text form of the record.
	ForwardDecoded ForwardMode = "decoded"
)

const (
	// defaultStartOffset is how far before process start each partition
	// subscription begins, so records published during startup are not missed.
	defaultStartOffset = 5 * time.Second
	// defaultReadBufferSize fits the largest possible UDP payload.
	defaultReadBufferSize = 64 * 1024
	// defaultReadPollInterval is the read deadline used to notice shutdown.
	defaultReadPollInterval = time.Second
	// defaultStartupTimeout bounds partition discovery retries.
	defaultStartupTimeout = 30 * time.Second
)

// Config holds all configuration for the Relay.
type Config struct {
	// AgentAddress and AgentPort locate the local agent's UDP endpoint.
	AgentAddress string `yaml:"agentAddress"`
	AgentPort    int    `yaml:"agentPort"`

	StartOffset      time.Duration `yaml:"startOffset"`
	ReadBufferSize   int           `yaml:"readBufferSize"`
	ReadPollInterval time.Duration `yaml:"readPollInterval"`
	StartupTimeout   time.Duration `yaml:"startupTimeout"`

	MethodName      string        `yaml:"methodName"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	ResponseTimeout time.Duration `yaml:"responseTimeout"`

	ForwardMode ForwardMode `yaml:"forwardMode"`
	// FailFast drains the whole relay when any device session fails. When
	// false the failed session is discarded and recreated on the next record.
	FailFast bool `yaml:"failFast"`

	BackoffFactory func() backoff.BackOff `yaml:"-"`
	Clock          func() time.Time       `yaml:"-"`
	Metrics        *Metrics               `yaml:"-"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		AgentAddress:     "127.0.0.1",
		StartOffset:      defaultStartOffset,
		ReadBufferSize:   defaultReadBufferSize,
		ReadPollInterval: defaultReadPollInterval,
		StartupTimeout:   defaultStartupTimeout,
		MethodName:       methods.DefaultMethodName,
		ConnectTimeout:   methods.DefaultConnectTimeout,
		ResponseTimeout:  methods.DefaultResponseTimeout,
		ForwardMode:      ForwardRaw,
		FailFast:         true,
	}
}

// LoadConfigFile overlays the YAML file at path onto config.
func LoadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// AgentEndpoint returns the agent's host:port.
func (c *Config) AgentEndpoint() string {
	return net.JoinHostPort(c.AgentAddress, strconv.Itoa(c.AgentPort))
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if net.ParseIP(c.AgentAddress) == nil {
		return fmt.Errorf("agent address %q is not an IP address", c.AgentAddress)
	}
	if c.AgentPort < 1 || c.AgentPort > 65535 {
		return fmt.Errorf("agent port %d is out of range", c.AgentPort)
	}
	if c.ReadBufferSize <= 0 {
		return errors.New("readBufferSize must be positive")
	}
	if c.ReadPollInterval <= 0 || c.StartupTimeout <= 0 || c.ConnectTimeout <= 0 || c.ResponseTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.StartOffset < 0 {
		return errors.New("startOffset must not be negative")
	}
	if c.MethodName == "" {
		return errors.New("methodName is required")
	}
	switch c.ForwardMode {
	case ForwardRaw, ForwardDecoded:
	default:
		return fmt.Errorf("unknown forward mode %q", c.ForwardMode)
	}
	return nil
}

func (c *Config) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}
