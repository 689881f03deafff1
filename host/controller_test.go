package host

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
	"github.com/CaltechOpticalObservatories/go-archon/logger"
)

// fakeTransport is a scripted in-memory Transport. Every wire line written
// to it is recorded and handed to script, whose reply bytes become readable.
type fakeTransport struct {
	mu     sync.Mutex
	wrote  []string
	queue  bytes.Buffer
	script func(wire string) []byte
	closed bool
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, string(p))
	if f.script != nil {
		f.queue.Write(f.script(string(p)))
	}
	return len(p), nil
}

func (f *fakeTransport) Poll(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return archon.ErrClosed
	}
	if f.queue.Len() == 0 {
		return archon.ErrTimeout
	}
	return nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Read(p)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.wrote...)
}

// echoScript frames payload(cmd) as a success reply carrying the command's
// own reference id. A nil payload func acks everything with an empty
// payload.
func echoScript(payload func(cmd string) string) func(string) []byte {
	return func(wire string) []byte {
		ref := wire[1:3]
		cmd := strings.TrimSuffix(wire[3:], "\n")
		body := ""
		if payload != nil {
			body = payload(cmd)
		}
		return []byte("<" + ref + body + "\n")
	}
}

func newTestController(t *testing.T, script func(string) []byte) (*Controller, *fakeTransport) {
	t.Helper()
	cfg, err := NewConnectionConfig("127.0.0.1", 4242, WithPollTimeout(200*time.Millisecond))
	require.NoError(t, err)

	ft := &fakeTransport{script: script}
	return newController(cfg, ft), ft
}

func TestCommandSuccess(t *testing.T) {
	c, ft := newTestController(t, echoScript(func(cmd string) string {
		require.Equal(t, archon.CmdSystem, cmd)
		return "BACKPLANE_REV=5"
	}))

	payload, err := c.Command(context.Background(), archon.CmdSystem)
	require.NoError(t, err)
	require.Equal(t, "BACKPLANE_REV=5", payload)
	require.Equal(t, []string{">01SYSTEM\n"}, ft.commands())
}

func TestCommandRefAdvancesPerCommand(t *testing.T) {
	c, ft := newTestController(t, echoScript(nil))

	ctx := context.Background()
	_, err := c.Command(ctx, archon.CmdPollOn)
	require.NoError(t, err)
	_, err = c.Command(ctx, archon.CmdPollOff)
	require.NoError(t, err)

	cmds := ft.commands()
	require.True(t, strings.HasPrefix(cmds[0], ">01"))
	require.True(t, strings.HasPrefix(cmds[1], ">02"))
}

func TestCommandControllerErrorStillAdvancesRef(t *testing.T) {
	fail := true
	c, ft := newTestController(t, func(wire string) []byte {
		ref := wire[1:3]
		if fail {
			fail = false
			return []byte("?" + ref + "\n")
		}
		return []byte("<" + ref + "\n")
	})

	ctx := context.Background()
	_, err := c.Command(ctx, archon.CmdPowerOn)
	require.ErrorIs(t, err, archon.ErrController)

	// the rejected command consumed a reference id
	_, err = c.Command(ctx, archon.CmdPowerOn)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ft.commands()[1], ">02"))
}

func TestCommandChecksumMismatch(t *testing.T) {
	c, _ := newTestController(t, func(wire string) []byte {
		return []byte("<FF\n") // wrong reference id
	})

	_, err := c.Command(context.Background(), archon.CmdPowerOn)
	require.ErrorIs(t, err, archon.ErrMismatch)
}

func TestCommandBusyDoesNotSendOrAdvance(t *testing.T) {
	c, ft := newTestController(t, echoScript(nil))

	c.busy.Store(true)
	_, err := c.Command(context.Background(), archon.CmdSystem)
	require.ErrorIs(t, err, archon.ErrBusy)
	require.Empty(t, ft.commands())

	// the gate did not consume a reference id
	c.busy.Store(false)
	_, err = c.Command(context.Background(), archon.CmdSystem)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ft.commands()[0], ">01"))
}

func TestCommandTimeout(t *testing.T) {
	c, _ := newTestController(t, nil) // never replies

	_, err := c.Command(context.Background(), archon.CmdSystem)
	require.ErrorIs(t, err, archon.ErrTimeout)
	require.False(t, c.busy.Load())
}

func TestCommandNotConnected(t *testing.T) {
	c := &Controller{}
	_, err := c.Command(context.Background(), archon.CmdSystem)
	require.ErrorIs(t, err, archon.ErrNotConnected)
}

func TestFetchCommandLeavesBusyHeld(t *testing.T) {
	c, ft := newTestController(t, nil)

	payload, err := c.Command(context.Background(), archon.FetchCommand(archon.FetchBase, 1))
	require.NoError(t, err)
	require.Empty(t, payload)
	require.True(t, c.busy.Load())
	require.Len(t, ft.commands(), 1)
}

func TestFetchLogCommandIsNotBulkTransfer(t *testing.T) {
	c, _ := newTestController(t, echoScript(func(cmd string) string {
		return "(null)"
	}))

	require.NoError(t, c.FetchLog(context.Background()))
	require.False(t, c.busy.Load())
}

func TestReadFrameBlocks(t *testing.T) {
	c, ft := newTestController(t, nil)

	ctx := context.Background()
	_, err := c.Command(ctx, archon.FetchCommand(archon.FetchBase, 2))
	require.NoError(t, err)

	// queue two framed blocks for reference id 01
	ft.mu.Lock()
	for i := 0; i < 2; i++ {
		ft.queue.WriteString("<01:")
		ft.queue.Write(bytes.Repeat([]byte{byte(i)}, archon.BlockLen))
	}
	ft.mu.Unlock()

	data, err := c.readFrameBlocks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, data, 2*archon.BlockLen)
	require.Equal(t, byte(0), data[0])
	require.Equal(t, byte(1), data[archon.BlockLen])
	require.False(t, c.busy.Load())
}

func TestReadFrameBlocksHeaderMismatch(t *testing.T) {
	c, ft := newTestController(t, nil)

	ctx := context.Background()
	_, err := c.Command(ctx, archon.FetchCommand(archon.FetchBase, 1))
	require.NoError(t, err)

	ft.mu.Lock()
	ft.queue.WriteString("<99:")
	ft.queue.Write(make([]byte, archon.BlockLen))
	ft.mu.Unlock()

	_, err = c.readFrameBlocks(ctx, 1)
	require.ErrorIs(t, err, archon.ErrMismatch)
	require.False(t, c.busy.Load())
}

func TestReadFrameBlocksControllerError(t *testing.T) {
	c, ft := newTestController(t, nil)

	ctx := context.Background()
	_, err := c.Command(ctx, archon.FetchCommand(archon.FetchBase, 1))
	require.NoError(t, err)

	// an error header aborts the stream; the log drain that follows gets
	// scripted replies
	ft.mu.Lock()
	ft.queue.WriteString("?01:")
	ft.script = echoScript(func(cmd string) string { return "(null)" })
	ft.mu.Unlock()

	_, err = c.readFrameBlocks(ctx, 1)
	require.ErrorIs(t, err, archon.ErrController)
	require.False(t, c.busy.Load())
}

func TestGetTimer(t *testing.T) {
	c, _ := newTestController(t, echoScript(func(cmd string) string {
		require.Equal(t, archon.CmdTimer, cmd)
		return "TIMER=0000000000000064"
	}))

	ticks, err := c.GetTimer(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0x64), ticks)
}

func TestGetTimerMalformed(t *testing.T) {
	c, _ := newTestController(t, echoScript(func(cmd string) string {
		return "TIMER=notHEX"
	}))

	_, err := c.GetTimer(context.Background())
	require.ErrorIs(t, err, archon.ErrMalformedReply)
}

func TestQuietVerbsSkipCommandLogging(t *testing.T) {
	ml := logger.NewMockLogger()
	cfg, err := NewConnectionConfig("127.0.0.1", 4242,
		WithPollTimeout(200*time.Millisecond), WithLogger(ml))
	require.NoError(t, err)
	c := newController(cfg, &fakeTransport{script: echoScript(nil)})

	// high-frequency status verbs produce no per-command log traffic
	_, err = c.Command(context.Background(), archon.CmdFrame)
	require.NoError(t, err)
	ml.AssertNotCalled(t, "Info", mock.Anything, mock.Anything)

	ml.On("Info", mock.Anything, mock.Anything).Return()
	ml.On("Debug", mock.Anything, mock.Anything).Return()
	_, err = c.Command(context.Background(), archon.CmdSystem)
	require.NoError(t, err)
	ml.AssertCalled(t, "Info", "sending command", []any{"cmd", ">02SYSTEM"})
}

func TestGetFrameStatus(t *testing.T) {
	ring := archon.NewFrameStatus(3)
	ring.Resize(3)
	ring.Timer = "0000000000000100"
	ring.Bufs[0].FrameNum = 3
	ring.Bufs[0].Complete = true
	ring.Bufs[1].FrameNum = 7
	ring.Bufs[2].FrameNum = 5
	ring.Bufs[2].Complete = true

	c, _ := newTestController(t, echoScript(func(cmd string) string {
		require.Equal(t, archon.CmdFrame, cmd)
		return ring.Report()
	}))

	fs, err := c.GetFrameStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, fs.Index)
	require.Equal(t, 5, fs.Frame)
}
