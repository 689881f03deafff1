package host

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
)

// ErrNoFirmware reports an operation that needs configuration memory loaded
// before it can run.
var ErrNoFirmware = errors.New("host: no firmware loaded")

// LoadACF parses the configuration file at path and writes it to the
// controller line by line, replacing the previous contents of configuration
// memory. Background status polling is suspended for the duration so the
// write burst is not interleaved with poll traffic. On any write failure the
// controller log is drained before returning.
func (c *Controller) LoadACF(ctx context.Context, path string) error {
	entries, err := archon.ParseACFFile(path)
	if err != nil {
		return err
	}
	c.logger.Info("loading configuration", "file", path, "lines", len(entries))

	if _, err := c.Command(ctx, archon.CmdPollOff); err != nil {
		return err
	}
	if _, err := c.Command(ctx, archon.CmdClearConfig); err != nil {
		return err
	}

	c.firmwareLoaded.Store(false)
	c.config.Clear()

	for _, e := range entries {
		if _, err := c.Command(ctx, archon.WConfigCommand(e.Line, e.Key, e.Value)); err != nil {
			_ = c.FetchLog(ctx)
			return fmt.Errorf("writing config line %04X: %w", e.Line, err)
		}
		c.config.Store(e)
	}

	if _, err := c.Command(ctx, archon.CmdPollOn); err != nil {
		return err
	}

	c.firmwareLoaded.Store(true)
	c.logger.Info("configuration loaded", "lines", len(entries))
	return nil
}

// WriteConfigKey writes a single KEY=VALUE into configuration memory on the
// line that key already occupies. It returns false with no wire traffic when
// the new value matches the mirror, and errors on a key the mirror does not
// know.
func (c *Controller) WriteConfigKey(ctx context.Context, key, value string) (bool, error) {
	entry, ok := c.config.Key(key)
	if !ok {
		return false, fmt.Errorf("%w: %s", archon.ErrUnknownKey, key)
	}
	if entry.Value == value {
		c.logger.Info("config key not written: no change in value", "key", key)
		return false, nil
	}

	if _, err := c.Command(ctx, archon.WConfigCommand(entry.Line, key, value)); err != nil {
		return false, err
	}

	_ = c.config.SetKeyValue(key, value)
	return true, nil
}

// WriteParameter updates a timing-script parameter by name, rewriting its
// PARAMETERn line. Like WriteConfigKey it is a silent no-op when the value is
// unchanged.
func (c *Controller) WriteParameter(ctx context.Context, name, value string) (bool, error) {
	p, ok := c.config.Param(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", archon.ErrUnknownParameter, name)
	}
	if p.Value == value {
		c.logger.Info("parameter not written: no change in value", "name", name)
		return false, nil
	}

	if _, err := c.Command(ctx, archon.WConfigCommand(p.Line, p.Slot, name+"="+value)); err != nil {
		return false, err
	}

	_ = c.config.SetParamValue(name, value)
	return true, nil
}

// ReadParameter reads a parameter's current value back from the controller
// by issuing RCONFIG for its line and unwrapping the PARAMETERn=Name=Value
// payload.
func (c *Controller) ReadParameter(ctx context.Context, name string) (string, error) {
	p, ok := c.config.Param(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", archon.ErrUnknownParameter, name)
	}

	payload, err := c.Command(ctx, archon.RConfigCommand(p.Line))
	if err != nil {
		return "", err
	}

	_, composite, ok := strings.Cut(payload, "=")
	if !ok {
		return "", fmt.Errorf("%w: RCONFIG payload %q", archon.ErrMalformedReply, payload)
	}
	gotName, value, ok := archon.SplitParamValue(composite)
	if !ok || gotName != name {
		return "", fmt.Errorf("%w: parameter payload %q for %s", archon.ErrMalformedReply, payload, name)
	}

	_ = c.config.SetParamValue(name, value)
	return value, nil
}

// ReadConfigLine reads back one line of configuration memory. The line must
// exist in the local mirror; an unknown line is rejected without any wire
// traffic.
func (c *Controller) ReadConfigLine(ctx context.Context, line int) (string, error) {
	if _, ok := c.config.Line(line); !ok {
		return "", fmt.Errorf("%w: line %04X", archon.ErrUnknownLine, line)
	}
	return c.Command(ctx, archon.RConfigCommand(line))
}

// PrepParameter stages a parameter value in controller RAM without applying
// it to the running timing script.
func (c *Controller) PrepParameter(ctx context.Context, name, value string) error {
	_, err := c.Command(ctx, archon.FastPrepParamCommand(name, value))
	return err
}

// LoadParameter writes a parameter directly into the running timing script.
// This is the trigger path for exposure sequencing.
func (c *Controller) LoadParameter(ctx context.Context, name, value string) error {
	_, err := c.Command(ctx, archon.FastLoadParamCommand(name, value))
	return err
}

// ApplyMode pushes the loaded configuration into the active readout mode:
// it sizes the frame-buffer ring from BIGBUF, derives the image geometry
// from PIXELCOUNT/LINECOUNT/SAMPLEMODE, applies the timing parameters and
// CDS settings, and refreshes the frame status.
func (c *Controller) ApplyMode(ctx context.Context) error {
	if !c.firmwareLoaded.Load() {
		return ErrNoFirmware
	}

	bigbuf, err := c.configInt("BIGBUF")
	if err != nil {
		return err
	}
	pixelCount, err := c.configInt("PIXELCOUNT")
	if err != nil {
		return err
	}
	lineCount, err := c.configInt("LINECOUNT")
	if err != nil {
		return err
	}
	sampleMode, err := c.configInt("SAMPLEMODE")
	if err != nil {
		return err
	}
	if sampleMode < 0 {
		return fmt.Errorf("host: invalid SAMPLEMODE %d", sampleMode)
	}

	n := archon.ActiveBufs(bigbuf == 1)
	bytesPerPixel := uint64(2)
	if sampleMode == 1 {
		bytesPerPixel = 4
	}
	imageBytes := uint64(pixelCount) * uint64(lineCount) * bytesPerPixel
	imageBytes = uint64(archon.BlocksForBytes(imageBytes)) * archon.BlockLen

	c.geomMu.Lock()
	c.geom = geometry{
		activeBufs: n,
		pixelCount: pixelCount,
		lineCount:  lineCount,
		sampleMode: sampleMode,
		imageBytes: imageBytes,
	}
	c.geomMu.Unlock()

	c.frameMu.Lock()
	c.frame.Resize(n)
	c.frameMu.Unlock()

	if _, err := c.Command(ctx, archon.CmdLoadParams); err != nil {
		return err
	}
	if _, err := c.Command(ctx, archon.CmdApplyCDS); err != nil {
		return err
	}

	c.logger.Info("readout mode applied",
		"bufs", n, "pixels", pixelCount, "lines", lineCount,
		"samplemode", sampleMode, "imagebytes", imageBytes)

	_, err = c.GetFrameStatus(ctx)
	return err
}

// PowerOn enables the detector bias and clock supplies.
func (c *Controller) PowerOn(ctx context.Context) error {
	_, err := c.Command(ctx, archon.CmdPowerOn)
	return err
}

// PowerOff disables the detector supplies.
func (c *Controller) PowerOff(ctx context.Context) error {
	_, err := c.Command(ctx, archon.CmdPowerOff)
	return err
}

// Config exposes the local mirror of configuration memory.
func (c *Controller) Config() *archon.ConfigMemory {
	return c.config
}

func (c *Controller) configInt(key string) (int, error) {
	entry, ok := c.config.Key(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", archon.ErrUnknownKey, key)
	}
	v, err := strconv.Atoi(entry.Value)
	if err != nil {
		return 0, fmt.Errorf("host: config key %s has non-numeric value %q", key, entry.Value)
	}
	return v, nil
}
