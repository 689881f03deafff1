package host

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
	"github.com/CaltechOpticalObservatories/go-archon/internal/pool"
)

// waitTick is the polling granularity of the exposure wait loops, kept well
// under 100ms so an abort takes effect promptly.
const waitTick = 10 * time.Millisecond

// ticksPerMsec converts milliseconds to 10ns backplane timer ticks.
const ticksPerMsec = 100_000

// SetExposureTime writes the exposure time parameter to the controller in
// integer milliseconds and records it for the wait helpers.
func (c *Controller) SetExposureTime(ctx context.Context, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("host: negative exposure time %v", d)
	}
	msec := d.Milliseconds()
	if _, err := c.WriteParameter(ctx, "exptime", strconv.FormatInt(msec, 10)); err != nil {
		return err
	}
	c.exposureMsec.Store(msec)
	return nil
}

// ExposureTime returns the last exposure time set on this session.
func (c *Controller) ExposureTime() time.Duration {
	return time.Duration(c.exposureMsec.Load()) * time.Millisecond
}

// Expose triggers an exposure sequence of count frames by loading the
// configured expose parameter into the running timing script. The backplane
// timer at trigger time is recorded as the reference for WaitForExposure.
func (c *Controller) Expose(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("host: exposure count %d must be at least 1", count)
	}

	start, err := c.GetTimer(ctx)
	if err != nil {
		return err
	}
	c.startTimer.Store(start)
	c.abortFlag.Store(false)

	if err := c.LoadParameter(ctx, c.cfg.exposeParam, strconv.Itoa(count)); err != nil {
		return err
	}

	c.logger.Info("exposure started", "count", count, "exptime", c.ExposureTime())
	return nil
}

// WaitForExposure blocks until the exposure time has elapsed on the
// controller's own clock. It sleeps through roughly the first 80% of the
// exposure, then polls the backplane timer until the elapsed ticks cover the
// full exposure. An abort ends the wait early without error.
func (c *Controller) WaitForExposure(ctx context.Context) error {
	exposure := c.ExposureTime()
	if exposure <= 0 {
		return nil
	}

	start := c.startTimer.Load()
	targetTicks := uint64(exposure.Milliseconds()) * ticksPerMsec

	coarseDeadline := time.Now().Add(exposure * 8 / 10)
	for time.Now().Before(coarseDeadline) {
		if c.consumeAbort() {
			c.logger.Info("exposure wait aborted")
			return nil
		}
		if err := sleepTick(ctx); err != nil {
			return err
		}
	}

	pollDeadline := time.Now().Add(exposure/5 + c.cfg.pollTimeout)
	for {
		if c.consumeAbort() {
			c.logger.Info("exposure wait aborted")
			return nil
		}

		timer, err := c.GetTimer(ctx)
		switch {
		case errors.Is(err, archon.ErrBusy):
			// another exchange is in flight, try again next tick
		case err != nil:
			return err
		case timer-start >= targetTicks:
			c.finishTimer.Store(timer)
			c.logger.Debug("exposure complete", "elapsedticks", timer-start)
			return nil
		}

		if time.Now().After(pollDeadline) {
			return fmt.Errorf("%w: exposure not finished after %v", archon.ErrTimeout, exposure)
		}
		if err := sleepTick(ctx); err != nil {
			return err
		}
	}
}

// WaitForReadout polls frame status until a buffer holding a frame newer
// than the last one seen is complete, then records that frame number. An
// abort ends the wait early without error, leaving the in-progress frame
// incomplete.
func (c *Controller) WaitForReadout(ctx context.Context) error {
	last := c.lastFrame.Load()
	deadline := time.Now().Add(c.cfg.readoutTimeout)

	for {
		if c.consumeAbort() {
			c.logger.Info("readout wait aborted")
			return nil
		}

		fs, err := c.GetFrameStatus(ctx)
		switch {
		case errors.Is(err, archon.ErrBusy):
			// retry next tick
		case err != nil:
			return err
		default:
			newest := fs.Bufs[fs.Index]
			if int64(newest.FrameNum) > last && newest.Complete {
				c.lastFrame.Store(int64(newest.FrameNum))
				c.logger.Info("frame readout complete", "frame", newest.FrameNum, "buffer", fs.Index+1)
				return nil
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: no new complete frame within %v", archon.ErrTimeout, c.cfg.readoutTimeout)
		}
		if err := sleepTick(ctx); err != nil {
			return err
		}
	}
}

// Abort asks the wait helpers to stop at their next poll tick. The flag is
// self-clearing: the first wait loop that observes it consumes it.
func (c *Controller) Abort() {
	c.abortFlag.Store(true)
	c.logger.Info("abort requested")
}

func (c *Controller) consumeAbort() bool {
	return c.abortFlag.CompareAndSwap(true, false)
}

func sleepTick(ctx context.Context) error {
	timer := pool.GetTimer(waitTick)
	defer pool.PutTimer(timer)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
