package master

import (
	"errors"
	"fmt"
	"time"

	"github.com/ArJKloek/FlowControl/logger"
)

// Default line parameters for Bronkhorst instruments.
const (
	DefaultBaudRate        = 38400
	DefaultByteTimeout     = 10 * time.Millisecond
	DefaultResponseTimeout = 2 * time.Second
)

// Sanity bounds for configurable values.
const (
	MinByteTimeout     = time.Millisecond
	MaxByteTimeout     = time.Second
	MinResponseTimeout = 10 * time.Millisecond
	MaxResponseTimeout = 30 * time.Second
)

// Config holds the settings for one serial port.
type Config struct {
	portName        string
	baudRate        int
	byteTimeout     time.Duration
	responseTimeout time.Duration
	opener          Opener
	logger          logger.Logger
	retrySleep      func(time.Duration)
}

// NewConfig creates a port configuration with defaults, then applies opts
// in order.
func NewConfig(portName string, opts ...Option) (*Config, error) {
	if portName == "" {
		return nil, errors.New("port name is empty")
	}

	cfg := &Config{
		portName:        portName,
		baudRate:        DefaultBaudRate,
		byteTimeout:     DefaultByteTimeout,
		responseTimeout: DefaultResponseTimeout,
		opener:          OpenSerial,
		logger:          logger.GetLogger(),
		retrySleep:      time.Sleep,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// PortName returns the configured port name.
func (cfg *Config) PortName() string { return cfg.portName }

// BaudRate returns the configured baud rate.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// Option mutates a Config during NewConfig.
type Option func(*Config) error

// WithBaudRate sets the serial baud rate.
func WithBaudRate(baud int) Option {
	return func(cfg *Config) error {
		if baud <= 0 {
			return fmt.Errorf("invalid baud rate %d", baud)
		}
		cfg.baudRate = baud
		return nil
	}
}

// WithByteTimeout sets how long a read waits for the first byte before the
// receive loop polls again.
func WithByteTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		if d < MinByteTimeout || d > MaxByteTimeout {
			return fmt.Errorf("byte timeout %v out of range [%v, %v]", d, MinByteTimeout, MaxByteTimeout)
		}
		cfg.byteTimeout = d
		return nil
	}
}

// WithResponseTimeout sets how long a transaction waits for its response.
func WithResponseTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		if d < MinResponseTimeout || d > MaxResponseTimeout {
			return fmt.Errorf("response timeout %v out of range [%v, %v]", d, MinResponseTimeout, MaxResponseTimeout)
		}
		cfg.responseTimeout = d
		return nil
	}
}

// WithOpener replaces the serial opener. Tests use it to substitute
// in-memory ports.
func WithOpener(opener Opener) Option {
	return func(cfg *Config) error {
		if opener == nil {
			return errors.New("opener is nil")
		}
		cfg.opener = opener
		return nil
	}
}

// WithRetrySleep replaces the sleeper used between retry attempts. Tests
// use it to run the backoff ladder in simulated time.
func WithRetrySleep(sleep func(time.Duration)) Option {
	return func(cfg *Config) error {
		if sleep == nil {
			return errors.New("retry sleeper is nil")
		}
		cfg.retrySleep = sleep
		return nil
	}
}

// WithLogger sets the logger for the port and everything built on it.
func WithLogger(l logger.Logger) Option {
	return func(cfg *Config) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l
		return nil
	}
}
