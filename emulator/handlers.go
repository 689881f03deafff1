package emulator

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
)

// handleWConfig stores one WCONFIG line ("WCONFIG" + 4-hex line + KEY=VALUE)
// in configuration memory. A handful of keys have immediate side effects on
// the emulated readout geometry, the same ones the hardware applies outside
// of APPLY commands.
func (s *Server) handleWConfig(conn net.Conn, ref, cmd string) {
	rest := cmd[len("WCONFIG"):]
	if len(rest) < 5 {
		s.replyError(conn, ref, fmt.Sprintf("short WCONFIG %q", cmd))
		return
	}

	line64, err := strconv.ParseUint(rest[:4], 16, 16)
	if err != nil {
		s.replyError(conn, ref, fmt.Sprintf("bad WCONFIG line number %q", rest[:4]))
		return
	}
	key, value, ok := strings.Cut(rest[4:], "=")
	if !ok || key == "" {
		s.replyError(conn, ref, fmt.Sprintf("WCONFIG line without KEY=VALUE: %q", rest[4:]))
		return
	}

	if archon.IsParameterKey(key) {
		if _, _, ok := archon.SplitParamValue(value); !ok {
			s.replyError(conn, ref, fmt.Sprintf("malformed parameter line %s=%s", key, value))
			return
		}
	}

	s.config.Store(archon.ConfigEntry{Line: int(line64), Key: key, Value: value})
	s.applyConfigSideEffects(key, value)
	s.reply(conn, ref, "")
}

// applyConfigSideEffects folds geometry-bearing keys into the emulated
// readout state as they are written.
func (s *Server) applyConfigSideEffects(key, value string) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch key {
	case "BIGBUF":
		bufs := archon.ActiveBufs(n == 1)
		if bufs != s.activeBufs {
			s.activeBufs = bufs
			s.frame.Resize(bufs)
			s.frameNum = 0
			s.logger.Info("frame ring resized", "bufs", bufs)
		}
	case "TAPLINES":
		s.taplines = n
	case "PIXELCOUNT":
		s.pixelCount = n
	case "LINECOUNT":
		s.lineCount = n
	}
}

// handleRConfig reads back one line of configuration memory.
func (s *Server) handleRConfig(conn net.Conn, ref, cmd string) {
	rest := cmd[len("RCONFIG"):]
	if len(rest) != 4 {
		s.replyError(conn, ref, fmt.Sprintf("bad RCONFIG line number %q", rest))
		return
	}
	line64, err := strconv.ParseUint(rest, 16, 16)
	if err != nil {
		s.replyError(conn, ref, fmt.Sprintf("bad RCONFIG line number %q", rest))
		return
	}

	entry, ok := s.config.Line(int(line64))
	if !ok {
		s.replyError(conn, ref, fmt.Sprintf("RCONFIG of empty line %04X", line64))
		return
	}
	s.reply(conn, ref, entry.Key+"="+entry.Value)
}

// handleFetch validates a FETCH window against the active ring and streams
// the requested blocks, each behind a "<XX:" header. Block payloads are a
// deterministic ramp derived from the source address, so transfers are
// verifiable end to end.
func (s *Server) handleFetch(conn net.Conn, ref, cmd string) {
	rest := cmd[len("FETCH"):]
	if len(rest) != 16 {
		s.replyError(conn, ref, fmt.Sprintf("bad FETCH arguments %q", rest))
		return
	}
	addr, err := strconv.ParseUint(rest[:8], 16, 64)
	if err != nil {
		s.replyError(conn, ref, fmt.Sprintf("bad FETCH address %q", rest[:8]))
		return
	}
	blocks64, err := strconv.ParseUint(rest[8:], 16, 32)
	if err != nil {
		s.replyError(conn, ref, fmt.Sprintf("bad FETCH block count %q", rest[8:]))
		return
	}
	blocks := uint32(blocks64)

	s.mu.Lock()
	n := s.activeBufs
	s.mu.Unlock()

	if err := archon.ValidateFetch(addr, blocks, n); err != nil {
		s.replyError(conn, ref, fmt.Sprintf("FETCH %08X blocks %d: %v", addr, blocks, err))
		return
	}

	header := []byte("<" + ref + ":")
	block := make([]byte, archon.BlockLen)

	for i := uint32(0); i < blocks; i++ {
		fillBlock(block, addr+uint64(i)*archon.BlockLen)
		if _, err := conn.Write(header); err != nil {
			s.logger.Warn("fetch stream write failed", "error", err)
			return
		}
		if _, err := conn.Write(block); err != nil {
			s.logger.Warn("fetch stream write failed", "error", err)
			return
		}
	}
	s.logger.Debug("fetch streamed", "addr", fmt.Sprintf("0x%08X", addr), "blocks", blocks)
}

// fillBlock writes the synthetic pixel ramp for one block starting at the
// given memory address.
func fillBlock(block []byte, addr uint64) {
	for i := range block {
		block[i] = byte((addr + uint64(i)) >> 1)
	}
}

// handleLoadParam applies a LOADPARAM/FASTLOADPARAM "name value" pair to the
// running timing script. Loading the expose parameter with a positive count
// starts an exposure sequence; loading zero aborts a running one.
func (s *Server) handleLoadParam(conn net.Conn, ref, cmd string) {
	_, args, _ := strings.Cut(cmd, " ")
	name, value, ok := strings.Cut(strings.TrimSpace(args), " ")
	if !ok {
		name, value, ok = strings.Cut(strings.TrimSpace(args), "=")
	}
	if !ok || name == "" {
		s.replyError(conn, ref, fmt.Sprintf("bad parameter load %q", cmd))
		return
	}

	if err := s.writeParameter(name, value); err != nil {
		s.replyError(conn, ref, fmt.Sprintf("loading parameter %s: %v", name, err))
		return
	}
	s.reply(conn, ref, "")
}

// writeParameter applies one timing parameter. exptime updates the exposure
// clock; the configured expose parameter drives the sequencer.
func (s *Server) writeParameter(name, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("non-numeric value %q", value)
	}

	// keep the configuration mirror in step when the parameter exists there
	if _, ok := s.config.Param(name); ok {
		_ = s.config.SetParamValue(name, value)
	}

	switch {
	case name == "exptime":
		s.mu.Lock()
		unit := time.Millisecond
		if s.longExposure {
			unit = time.Second
		}
		s.exptime = time.Duration(n) * unit
		s.mu.Unlock()
	case name == "longexposure":
		// switches the exptime unit between milliseconds and seconds
		s.mu.Lock()
		s.longExposure = n != 0
		s.mu.Unlock()
	case name == s.cfg.exposeParam && n > 0:
		return s.startExposure(n)
	case name == s.cfg.exposeParam && n == 0:
		if s.exposing.Load() {
			s.abortFlag.Store(true)
			s.logger.Info("exposure abort requested")
		}
	}
	return nil
}

// statusReport emulates the STATUS poll: power state plus nominal supply
// telemetry.
func (s *Server) statusReport() string {
	s.mu.Lock()
	power := 0
	if s.powerOn {
		power = 4 // powered-on state code
	}
	s.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "VALID=1 COUNT=%d LOG=%d POWER=%d POWERGOOD=1 OVERHEAT=0",
		s.timerTicks()&0xFF, s.logLen(), power)
	sb.WriteString(" BACKPLANE_TEMP=28.5 P2V5_V=2.500 P2V5_I=0.1 P5V_V=5.000 P5V_I=0.2")
	sb.WriteString(" P6V_V=6.010 P6V_I=0.3 N6V_V=-6.020 N6V_I=-0.1")
	sb.WriteString(" P17V_V=17.010 P17V_I=0.05 N17V_V=-17.010 N17V_I=-0.05")
	sb.WriteString(" P35V_V=34.990 P35V_I=0.02 N35V_V=-34.980 N35V_I=-0.02")
	sb.WriteString(" USER_V=0.000 USER_I=0.000 HEATER_V=0.000 HEATER_I=0.000")
	return sb.String()
}

func (s *Server) logLen() int {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return len(s.logEntries)
}

func (s *Server) setPower(on bool) {
	s.mu.Lock()
	s.powerOn = on
	s.mu.Unlock()
	s.logger.Info("detector power switched", "on", on)
}

// frameReport renders the frame ring with a fresh timer value.
func (s *Server) frameReport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame.Timer = fmt.Sprintf("%016X", s.timerTicks())
	return s.frame.Report()
}

func (s *Server) timerReport() string {
	return fmt.Sprintf("TIMER=%016X", s.timerTicks())
}

// systemReport describes the emulated backplane. With a system file
// configured its KEY=VALUE lines are flattened into the reply; otherwise a
// minimal single-module backplane is reported.
func (s *Server) systemReport() string {
	if s.cfg.systemFile != "" {
		data, err := os.ReadFile(s.cfg.systemFile)
		if err == nil {
			fields := strings.Fields(string(data))
			return strings.Join(fields, " ")
		}
		s.logger.Warn("system file unreadable, using built-in report", "file", s.cfg.systemFile, "error", err)
	}

	return "BACKPLANE_ID=0000000000000000 BACKPLANE_REV=5 BACKPLANE_TYPE=1 BACKPLANE_VERSION=1.0.1104" +
		" MOD_PRESENT=1 MOD1_ID=0000000000000001 MOD1_REV=2 MOD1_TYPE=2 MOD1_VERSION=1.0.1104"
}

func (s *Server) clearConfig() {
	aborted := s.exposing.Load()
	if aborted {
		s.abortFlag.Store(true)
	}
	s.config.Clear()
	s.logger.Info("configuration memory cleared", "exposureaborted", aborted)
}
