package emulator

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
	"github.com/CaltechOpticalObservatories/go-archon/logger"
)

// timerTick is the backplane timer resolution.
const timerTick = 10 * time.Nanosecond

// ExposureEvent is emitted on the Events channel when the sequencer finishes
// or abandons a frame. An abort observed before any buffer was claimed
// carries a zero Frame and Buffer.
type ExposureEvent struct {
	Frame   int  // frame number, 0 when no frame had opened
	Buffer  int  // 1-based buffer the frame landed in, 0 when no frame had opened
	Aborted bool // frame left incomplete by an abort
}

// Server is an emulated Archon controller. Create it with NewServer and
// start listening with Start. Each accepted connection is served by its own
// goroutine; all connections share one configuration memory and one frame
// ring, like the single backplane they emulate.
type Server struct {
	cfg    *ServerConfig
	logger logger.Logger

	ln       net.Listener
	cancel   context.CancelFunc
	shutdown atomic.Bool
	wg       sync.WaitGroup

	config *archon.ConfigMemory

	// mu guards the frame ring and the readout geometry derived from
	// configuration writes.
	mu         sync.Mutex
	frame      *archon.FrameStatus
	activeBufs int
	taplines   int
	pixelCount int
	lineCount  int
	frameNum     int
	exptime      time.Duration
	longExposure bool
	powerOn      bool

	exposing  atomic.Bool
	abortFlag atomic.Bool

	logMu      sync.Mutex
	logEntries []string

	initTime time.Time
	events   chan ExposureEvent
}

// NewServer creates an emulated controller from cfg. The frame ring starts
// with three standard buffers; a BIGBUF configuration write resizes it.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("emulator: nil server config")
	}

	s := &Server{
		cfg:        cfg,
		logger:     cfg.logger,
		config:     archon.NewConfigMemory(),
		frame:      archon.NewFrameStatus(archon.MaxBufs),
		activeBufs: archon.MaxBufs,
		initTime:   time.Now(),
		events:     make(chan ExposureEvent, 16),
	}
	s.frame.Resize(archon.MaxBufs)
	return s, nil
}

// Start begins accepting connections. It returns once the listener is bound;
// use Addr for the bound address when listening on an ephemeral port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("emulator: listening on %s: %w", s.cfg.listenAddr, err)
	}
	s.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info("emulator listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Events delivers exposure completion and abort notifications. The channel
// is buffered; events are dropped, not blocked on, if nobody reads them.
func (s *Server) Events() <-chan ExposureEvent {
	return s.events
}

// Close stops accepting connections, aborts any running exposure, and waits
// for the connection handlers and sequencer to exit.
func (s *Server) Close() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.abortFlag.Store(true)
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	s.logger.Info("emulator stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return
			}
			s.logger.Error("accept failed", "error", err)
			return
		}

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// serveConn runs the per-connection command loop. Protocol lines arrive
// newline-terminated; anything not starting with '>' plus a 2-hex reference
// id is dropped without a reply.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Info("client connected", "remote", remote)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 64*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if len(line) < 4 || line[0] != '>' {
			s.logger.Warn("malformed command line dropped", "line", line)
			continue
		}

		ref := line[1:3]
		cmd := line[3:]
		s.dispatch(conn, ref, cmd)
	}

	if err := scanner.Err(); err != nil && !s.shutdown.Load() {
		s.logger.Warn("connection read failed", "remote", remote, "error", err)
	}
	s.logger.Info("client disconnected", "remote", remote)
}

// dispatch routes one command to its handler and writes the reply. Unknown
// verbs are dropped silently, matching hardware behavior of ignoring
// commands it does not recognize.
func (s *Server) dispatch(conn net.Conn, ref, cmd string) {
	switch {
	case cmd == archon.CmdSystem:
		s.reply(conn, ref, s.systemReport())
	case cmd == archon.CmdStatus:
		s.reply(conn, ref, s.statusReport())
	case cmd == archon.CmdFrame:
		s.reply(conn, ref, s.frameReport())
	case cmd == archon.CmdTimer:
		s.reply(conn, ref, s.timerReport())
	case cmd == archon.CmdFetchLog:
		s.reply(conn, ref, s.popLog())
	case cmd == archon.CmdClearConfig:
		s.clearConfig()
		s.reply(conn, ref, "")
	case cmd == archon.CmdPowerOn:
		s.setPower(true)
		s.reply(conn, ref, "")
	case cmd == archon.CmdPowerOff:
		s.setPower(false)
		s.reply(conn, ref, "")
	case cmd == archon.CmdUnlock:
		s.reply(conn, ref, "")
	case strings.HasPrefix(cmd, "LOCK"):
		s.reply(conn, ref, "")
	case strings.HasPrefix(cmd, "WCONFIG"):
		s.handleWConfig(conn, ref, cmd)
	case strings.HasPrefix(cmd, "RCONFIG"):
		s.handleRConfig(conn, ref, cmd)
	case archon.IsFetch(cmd):
		s.handleFetch(conn, ref, cmd)
	case strings.HasPrefix(cmd, "FASTLOADPARAM "), strings.HasPrefix(cmd, "LOADPARAM "):
		s.handleLoadParam(conn, ref, cmd)
	case strings.HasPrefix(cmd, "FASTPREPPARAM "), strings.HasPrefix(cmd, "PREPPARAM "):
		// staged values are applied immediately here, there is no real
		// timing core to defer to
		s.handleLoadParam(conn, ref, cmd)
	case cmd == archon.CmdApplyAll, cmd == archon.CmdApplySystem, cmd == archon.CmdApplyCDS,
		strings.HasPrefix(cmd, "APPLYMOD"), strings.HasPrefix(cmd, "APPLYDIO"),
		cmd == archon.CmdLoadTiming, cmd == archon.CmdLoadParams,
		cmd == archon.CmdResetTiming, cmd == archon.CmdHoldTiming, cmd == archon.CmdReleaseTiming,
		cmd == archon.CmdPollOn, cmd == archon.CmdPollOff:
		s.reply(conn, ref, "")
	default:
		s.logger.Warn("unrecognized command ignored", "cmd", cmd)
	}
}

func (s *Server) reply(conn net.Conn, ref, payload string) {
	if _, err := fmt.Fprintf(conn, "<%s%s\n", ref, payload); err != nil {
		s.logger.Warn("reply write failed", "error", err)
	}
}

func (s *Server) replyError(conn net.Conn, ref, detail string) {
	s.pushLog(detail)
	s.logger.Warn("command rejected", "detail", detail)
	if _, err := fmt.Fprintf(conn, "?%s\n", ref); err != nil {
		s.logger.Warn("error reply write failed", "error", err)
	}
}

func (s *Server) pushLog(entry string) {
	stamp := time.Now().Format("15:04:05.000")
	s.logMu.Lock()
	s.logEntries = append(s.logEntries, stamp+" "+entry)
	s.logMu.Unlock()
}

// popLog returns the oldest buffered controller log entry, or "(null)" when
// the log is empty.
func (s *Server) popLog() string {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if len(s.logEntries) == 0 {
		return "(null)"
	}
	entry := s.logEntries[0]
	s.logEntries = s.logEntries[1:]
	return entry
}

// timerTicks returns 10ns ticks elapsed since the emulator came up.
func (s *Server) timerTicks() uint64 {
	return uint64(time.Since(s.initTime) / timerTick)
}
