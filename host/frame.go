package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
)

// GetFrameStatus issues a FRAME command, folds the reply into the tracked
// frame-buffer ring, and returns a snapshot of the result. The newest-frame
// index is recomputed on every call.
func (c *Controller) GetFrameStatus(ctx context.Context) (*archon.FrameStatus, error) {
	payload, err := c.Command(ctx, archon.CmdFrame)
	if err != nil {
		return nil, err
	}

	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	if err := c.frame.Parse(payload); err != nil {
		return nil, err
	}
	return c.frame.Snapshot(), nil
}

// LogFrameStatus writes a per-buffer summary of the last frame status to the
// session log.
func (c *Controller) LogFrameStatus() {
	c.frameMu.Lock()
	fs := c.frame.Snapshot()
	c.frameMu.Unlock()

	for i, buf := range fs.Bufs {
		c.logger.Info("frame buffer",
			"buf", i+1,
			"base", fmt.Sprintf("0x%08X", buf.Base),
			"frame", buf.FrameNum,
			"complete", buf.Complete,
			"lines", buf.Lines,
			"rawoffset", buf.RawOffset,
			"reading", fs.RBuf == i+1,
			"writing", fs.WBuf == i+1,
			"newest", fs.Index == i,
		)
	}
}

// GetTimer reads the controller's 10ns backplane timer and returns it as a
// 64-bit tick count.
func (c *Controller) GetTimer(ctx context.Context) (uint64, error) {
	payload, err := c.Command(ctx, archon.CmdTimer)
	if err != nil {
		return 0, err
	}

	name, value, ok := strings.Cut(payload, "=")
	if !ok || name != "TIMER" {
		return 0, fmt.Errorf("%w: TIMER payload %q", archon.ErrMalformedReply, payload)
	}
	ticks, err := strconv.ParseUint(value, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: TIMER value %q is not hexadecimal", archon.ErrMalformedReply, value)
	}
	return ticks, nil
}

// LockBuffer locks the given 1-based frame buffer against overwrite while it
// is being read out.
func (c *Controller) LockBuffer(ctx context.Context, buffer int) error {
	if _, err := c.Command(ctx, archon.LockCommand(buffer)); err != nil {
		return fmt.Errorf("locking frame buffer %d: %w", buffer, err)
	}
	return nil
}

// Fetch starts a bulk transfer of blocks 1024-byte chunks beginning at addr.
// The window is validated locally before anything is sent; on a send failure
// the buffer lock is dropped so the camera is not left wedged. After a
// successful Fetch the session stays busy until readFrameBlocks drains the
// stream.
func (c *Controller) Fetch(ctx context.Context, addr uint64, blocks uint32) error {
	n := c.snapshotGeometry().activeBufs
	if err := archon.ValidateFetch(addr, blocks, n); err != nil {
		c.logger.Error("fetch request rejected", "addr", fmt.Sprintf("0x%08X", addr), "blocks", blocks, "error", err)
		return err
	}

	if _, err := c.Command(ctx, archon.FetchCommand(addr, blocks)); err != nil {
		_, _ = c.Command(ctx, archon.CmdUnlock)
		return err
	}
	return nil
}

// ReadFrame locks the newest complete frame buffer, fetches its contents,
// and returns the pixel data. With raw set the transfer starts at the
// buffer's raw-data offset instead of the image origin. The buffer is
// unlocked whether or not the transfer succeeds.
func (c *Controller) ReadFrame(ctx context.Context, raw bool) ([]byte, error) {
	c.frameMu.Lock()
	fs := c.frame.Snapshot()
	c.frameMu.Unlock()
	geom := c.snapshotGeometry()

	bufReady := fs.Index + 1
	if bufReady < 1 || bufReady > geom.activeBufs {
		return nil, fmt.Errorf("%w: newest buffer %d of %d", archon.ErrBufferIndex, bufReady, geom.activeBufs)
	}

	buf := fs.Bufs[fs.Index]
	addr := buf.Base
	if raw {
		addr += uint64(buf.RawOffset)
	}
	blocks := archon.BlocksForBytes(geom.imageBytes)

	c.logger.Info("reading frame data",
		"buffer", bufReady, "frame", buf.FrameNum, "raw", raw,
		"addr", fmt.Sprintf("0x%08X", addr), "blocks", blocks)

	if err := c.LockBuffer(ctx, bufReady); err != nil {
		return nil, err
	}
	if err := c.Fetch(ctx, addr, blocks); err != nil {
		// Fetch unlocks on a send failure itself, but a window
		// validation failure sends nothing and leaves our lock held.
		if errors.Is(err, archon.ErrAddressRange) || errors.Is(err, archon.ErrBlockRange) {
			_, _ = c.Command(ctx, archon.CmdUnlock)
		}
		return nil, err
	}

	data, err := c.readFrameBlocks(ctx, blocks)

	// The buffer is unlocked regardless of how the transfer went.
	if _, uerr := c.Command(ctx, archon.CmdUnlock); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// readFrameBlocks consumes the binary reply to a FETCH: blocks framed
// payloads of archon.BlockLen bytes, each preceded by a 4-byte "<XX:"
// header carrying the command's reference id. It releases the busy gate
// exactly once, success or failure.
func (c *Controller) readFrameBlocks(ctx context.Context, blocks uint32) ([]byte, error) {
	defer c.busy.CompareAndSwap(true, false)

	c.cmdMutex.Lock()
	defer c.cmdMutex.Unlock()

	check := []byte(archon.BlockHeader(c.ref))
	data := make([]byte, 0, int(blocks)*archon.BlockLen)
	header := make([]byte, len(check))
	block := make([]byte, archon.BlockLen)

	for i := uint32(0); i < blocks; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if err := c.transport.Poll(c.cfg.fetchTimeout); err != nil {
			return nil, fmt.Errorf("waiting for frame data block %d: %w", i, err)
		}
		if _, err := io.ReadFull(c.transport, header); err != nil {
			return nil, fmt.Errorf("reading block %d header: %w", i, mapReadErr(err))
		}

		if header[0] == '?' {
			_ = c.fetchLogLocked(ctx)
			return nil, fmt.Errorf("%w: frame data block %d", archon.ErrController, i)
		}
		if !bytes.Equal(header, check) {
			return nil, fmt.Errorf("%w: block %d header %q, expected %q", archon.ErrMismatch, i, header, check)
		}

		if err := c.transport.Poll(c.cfg.fetchTimeout); err != nil {
			return nil, fmt.Errorf("waiting for block %d payload: %w", i, err)
		}
		if _, err := io.ReadFull(c.transport, block); err != nil {
			return nil, fmt.Errorf("reading block %d payload: %w", i, mapReadErr(err))
		}
		data = append(data, block...)
	}

	c.logger.Info("frame read complete", "blocks", blocks, "bytes", len(data))
	return data, nil
}

// fetchLogLocked drains the controller log on the mid-transfer error path,
// where the caller already holds the command mutex and the busy gate.
func (c *Controller) fetchLogLocked(ctx context.Context) error {
	for {
		c.ref = archon.NextRef(c.ref)
		wire := archon.FrameCommand(c.ref, archon.CmdFetchLog)
		if _, err := c.transport.Write([]byte(wire)); err != nil {
			return err
		}
		reply, err := c.readReply(ctx)
		if err != nil {
			return err
		}
		check := archon.ReplyChecksum(c.ref)
		if !strings.HasPrefix(reply, check) {
			return nil
		}
		payload := strings.TrimRight(reply[len(check):], "\r\n")
		if payload == "(null)" {
			return nil
		}
		c.logger.Info("controller log", "entry", payload)
	}
}

// FetchLog drains the controller's internal log, writing each entry to the
// session log, until the controller reports it empty with "(null)".
func (c *Controller) FetchLog(ctx context.Context) error {
	for {
		payload, err := c.Command(ctx, archon.CmdFetchLog)
		if err != nil {
			return err
		}
		if payload == "(null)" {
			return nil
		}
		c.logger.Info("controller log", "entry", payload)
	}
}
