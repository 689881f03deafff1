package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
	"github.com/CaltechOpticalObservatories/go-archon/logger"
)

// geometry is the detector readout shape derived from configuration memory
// by ApplyMode. imageBytes is rounded up to whole transfer blocks.
type geometry struct {
	activeBufs int
	pixelCount int
	lineCount  int
	sampleMode int
	imageBytes uint64
}

// Controller is one host session to an Archon camera. Create it with
// Connect. Methods are safe for concurrent use, but only one command can be
// in flight at a time; concurrent callers get archon.ErrBusy.
type Controller struct {
	cfg    *ConnectionConfig
	logger logger.Logger

	transport Transport

	// cmdMutex is held for a full command round trip. busy is the fast-fail
	// gate checked before the mutex; for FETCH it stays held after Command
	// returns, until readFrameBlocks finishes consuming the block stream.
	cmdMutex sync.Mutex
	busy     atomic.Bool
	ref      int // rotating message reference, guarded by cmdMutex

	config *archon.ConfigMemory

	frameMu sync.Mutex
	frame   *archon.FrameStatus

	geomMu sync.RWMutex
	geom   geometry

	firmwareLoaded atomic.Bool
	abortFlag      atomic.Bool

	exposureMsec atomic.Int64
	startTimer   atomic.Uint64
	finishTimer  atomic.Uint64
	lastFrame    atomic.Int64
}

// Connect dials the camera described by cfg and returns a ready session.
func Connect(ctx context.Context, cfg *ConnectionConfig) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("host: nil connection config")
	}

	transport, err := dialTransport(ctx, cfg.addr(), cfg.connectTimeout)
	if err != nil {
		return nil, err
	}

	c := newController(cfg, transport)
	c.logger.Info("connected to camera", "addr", cfg.addr())
	return c, nil
}

func newController(cfg *ConnectionConfig, transport Transport) *Controller {
	c := &Controller{
		cfg:       cfg,
		logger:    cfg.logger,
		transport: transport,
		config:    archon.NewConfigMemory(),
		frame:     archon.NewFrameStatus(archon.MaxBufs),
	}
	c.geom.activeBufs = archon.MaxBufs
	return c
}

// Close shuts the TCP session down. Any in-flight command fails with
// archon.ErrClosed.
func (c *Controller) Close() error {
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.logger.Info("disconnected from camera", "addr", c.cfg.addr())
	return err
}

// Command sends one protocol command and returns the reply payload with the
// checksum prefix and trailing newline stripped. The reference id advances
// once per command actually sent; a Busy rejection advances nothing.
//
// For FETCH commands Command returns immediately after the send with an
// empty payload, leaving the busy gate held: the reply is a binary block
// stream, which ReadFrame consumes and which releases the gate.
func (c *Controller) Command(ctx context.Context, cmd string) (string, error) {
	if c.transport == nil {
		return "", archon.ErrNotConnected
	}

	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Info("controller busy, command not sent", "cmd", cmd)
		return "", archon.ErrBusy
	}

	keepBusy := archon.IsFetch(cmd)
	if !keepBusy {
		defer c.busy.Store(false)
	}

	c.cmdMutex.Lock()
	defer c.cmdMutex.Unlock()

	c.ref = archon.NextRef(c.ref)
	wire := archon.FrameCommand(c.ref, cmd)

	quiet := archon.QuietVerb(cmd)
	if !quiet {
		c.logger.Info("sending command", "cmd", strings.TrimSuffix(wire, "\n"))
	}

	if _, err := c.transport.Write([]byte(wire)); err != nil {
		if keepBusy {
			c.busy.Store(false)
		}
		return "", fmt.Errorf("writing to camera socket: %w", err)
	}

	if keepBusy {
		return "", nil
	}

	reply, err := c.readReply(ctx)
	if err != nil {
		return "", fmt.Errorf("reading reply to %s: %w", cmd, err)
	}

	check := archon.ReplyChecksum(c.ref)
	switch {
	case strings.HasPrefix(reply, "?"):
		return "", fmt.Errorf("%w: command %s rejected", archon.ErrController, cmd)
	case !strings.HasPrefix(reply, check):
		return "", fmt.Errorf("%w: reply %q does not match %s for command %s",
			archon.ErrMismatch, firstN(reply, 16), check, cmd)
	}

	payload := strings.TrimRight(reply[len(check):], "\r\n")
	if !quiet {
		c.logger.Debug("command reply", "ref", check, "bytes", len(payload))
	}
	return payload, nil
}

// readReply accumulates socket data until a full newline-terminated reply
// line has arrived.
func (c *Controller) readReply(ctx context.Context) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 4096)

	for !strings.Contains(sb.String(), "\n") {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		if err := c.transport.Poll(c.cfg.pollTimeout); err != nil {
			return "", err
		}

		n, err := c.transport.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			return "", err
		}
	}

	return sb.String(), nil
}

func (c *Controller) snapshotGeometry() geometry {
	c.geomMu.RLock()
	defer c.geomMu.RUnlock()
	return c.geom
}

func firstN(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
