package emulator

import (
	"fmt"
	"time"

	"github.com/CaltechOpticalObservatories/go-archon/logger"
)

const (
	defaultReadoutTime       = 40 * time.Millisecond
	defaultExposeParam       = "Expose"
	defaultFramesPerExposure = 1
)

// ServerConfig carries the emulated camera's settings. Create it with
// NewServerConfig; the zero value is not usable.
type ServerConfig struct {
	listenAddr string

	systemFile        string
	readoutTime       time.Duration
	exposeParam       string
	framesPerExposure int

	logger logger.Logger
}

// NewServerConfig creates a ServerConfig listening on addr ("host:port",
// use port 0 for an ephemeral port) and applies the given options.
func NewServerConfig(addr string, opts ...ServerOption) (*ServerConfig, error) {
	if addr == "" {
		return nil, fmt.Errorf("emulator: empty listen address")
	}

	cfg := &ServerConfig{
		listenAddr:        addr,
		readoutTime:       defaultReadoutTime,
		exposeParam:       defaultExposeParam,
		framesPerExposure: defaultFramesPerExposure,
		logger:            logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// ServerOption adjusts a ServerConfig.
type ServerOption interface {
	apply(*ServerConfig) error
}

type serverOptFunc func(*ServerConfig) error

func (f serverOptFunc) apply(cfg *ServerConfig) error { return f(cfg) }

// WithSystemFile points the SYSTEM report at a file of KEY=VALUE pairs
// describing the emulated backplane and its modules. Without it a built-in
// single-module backplane is reported.
func WithSystemFile(path string) ServerOption {
	return serverOptFunc(func(cfg *ServerConfig) error {
		if path == "" {
			return fmt.Errorf("emulator: empty system file path")
		}
		cfg.systemFile = path
		return nil
	})
}

// WithReadoutTime sets the wall-clock time a full-frame readout takes,
// 1ms-10s. Shorter times make tests faster, longer ones make readout
// progress observable.
func WithReadoutTime(d time.Duration) ServerOption {
	return serverOptFunc(func(cfg *ServerConfig) error {
		if d < time.Millisecond || d > 10*time.Second {
			return fmt.Errorf("emulator: readout time %v out of range [1ms, 10s]", d)
		}
		cfg.readoutTime = d
		return nil
	})
}

// WithExposeParam sets the timing-script parameter name whose load triggers
// an exposure sequence. The default is "Expose".
func WithExposeParam(name string) ServerOption {
	return serverOptFunc(func(cfg *ServerConfig) error {
		if name == "" {
			return fmt.Errorf("emulator: empty expose parameter name")
		}
		cfg.exposeParam = name
		return nil
	})
}

// WithFramesPerExposure sets how many frames one exposure trigger produces,
// 1-1000.
func WithFramesPerExposure(n int) ServerOption {
	return serverOptFunc(func(cfg *ServerConfig) error {
		if n < 1 || n > 1000 {
			return fmt.Errorf("emulator: frames per exposure %d out of range [1, 1000]", n)
		}
		cfg.framesPerExposure = n
		return nil
	})
}

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return serverOptFunc(func(cfg *ServerConfig) error {
		if l == nil {
			return fmt.Errorf("emulator: nil logger")
		}
		cfg.logger = l
		return nil
	})
}
