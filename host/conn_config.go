package host

import (
	"fmt"
	"time"

	"github.com/CaltechOpticalObservatories/go-archon/logger"
)

const (
	defaultConnectTimeout = 3 * time.Second
	defaultPollTimeout    = 3 * time.Second
	defaultFetchTimeout   = time.Second
	defaultReadoutTimeout = 10 * time.Second
	defaultExposeParam    = "Expose"
)

// ConnectionConfig carries the session settings for a Controller. Create it
// with NewConnectionConfig and adjust it through ConnOption values; the zero
// value is not usable.
type ConnectionConfig struct {
	host string
	port int

	connectTimeout time.Duration
	pollTimeout    time.Duration
	fetchTimeout   time.Duration
	readoutTimeout time.Duration

	exposeParam string

	logger logger.Logger
}

// NewConnectionConfig creates a ConnectionConfig for the controller at
// host:port and applies the given options.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	if host == "" {
		return nil, fmt.Errorf("host: empty host address")
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("host: invalid port %d", port)
	}

	cfg := &ConnectionConfig{
		host:           host,
		port:           port,
		connectTimeout: defaultConnectTimeout,
		pollTimeout:    defaultPollTimeout,
		fetchTimeout:   defaultFetchTimeout,
		readoutTimeout: defaultReadoutTimeout,
		exposeParam:    defaultExposeParam,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *ConnectionConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

// ConnOption adjusts a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc func(*ConnectionConfig) error

func (f connOptFunc) apply(cfg *ConnectionConfig) error { return f(cfg) }

// WithConnectTimeout sets the TCP dial timeout, 1-30 seconds.
func WithConnectTimeout(timeout time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if timeout < time.Second || timeout > 30*time.Second {
			return fmt.Errorf("host: connect timeout %v out of range [1s, 30s]", timeout)
		}
		cfg.connectTimeout = timeout
		return nil
	})
}

// WithPollTimeout sets how long a command waits for its reply line, 100ms-30s.
func WithPollTimeout(timeout time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if timeout < 100*time.Millisecond || timeout > 30*time.Second {
			return fmt.Errorf("host: poll timeout %v out of range [100ms, 30s]", timeout)
		}
		cfg.pollTimeout = timeout
		return nil
	})
}

// WithFetchTimeout sets the per-block wait during frame readout, 100ms-30s.
func WithFetchTimeout(timeout time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if timeout < 100*time.Millisecond || timeout > 30*time.Second {
			return fmt.Errorf("host: fetch timeout %v out of range [100ms, 30s]", timeout)
		}
		cfg.fetchTimeout = timeout
		return nil
	})
}

// WithReadoutTimeout sets how long WaitForReadout polls for a new complete
// frame before giving up, 1s-10m.
func WithReadoutTimeout(timeout time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if timeout < time.Second || timeout > 10*time.Minute {
			return fmt.Errorf("host: readout timeout %v out of range [1s, 10m]", timeout)
		}
		cfg.readoutTimeout = timeout
		return nil
	})
}

// WithExposeParam sets the timing-script parameter name that triggers an
// exposure sequence. The default is "Expose".
func WithExposeParam(name string) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if name == "" {
			return fmt.Errorf("host: empty expose parameter name")
		}
		cfg.exposeParam = name
		return nil
	})
}

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if l == nil {
			return fmt.Errorf("host: nil logger")
		}
		cfg.logger = l
		return nil
	})
}
