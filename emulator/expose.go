package emulator

import (
	"fmt"
	"time"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
	"github.com/CaltechOpticalObservatories/go-archon/internal/pool"
)

// abortTick bounds how long the sequencer can sleep between abort checks.
const abortTick = 10 * time.Millisecond

// startExposure launches the sequencer for numExposures triggers. Only one
// sequence can run at a time.
func (s *Server) startExposure(numExposures int) error {
	if !s.exposing.CompareAndSwap(false, true) {
		return archon.ErrExposing
	}
	s.abortFlag.Store(false)

	s.wg.Add(1)
	go s.runExposure(numExposures)
	return nil
}

// runExposure produces numExposures * framesPerExposure frames. Each frame
// waits out the exposure time, claims the next write buffer in rotation,
// then advances line readout on a wall-clock schedule derived from the
// configured readout time. An abort observed at any tick abandons the
// current frame, leaving its buffer incomplete, and ends the whole sequence.
func (s *Server) runExposure(numExposures int) {
	defer s.wg.Done()
	defer s.exposing.Store(false)

	s.mu.Lock()
	exptime := s.exptime
	lineCount := s.lineCount
	pixelCount := s.pixelCount
	s.mu.Unlock()

	if lineCount < 1 || pixelCount < 1 {
		s.pushLog(fmt.Sprintf("exposure rejected: geometry %dx%d not configured", pixelCount, lineCount))
		s.logger.Error("exposure rejected, no readout geometry", "pixels", pixelCount, "lines", lineCount)
		return
	}

	lineTime := s.lineTime(lineCount)
	s.logger.Info("exposure sequence started",
		"exposures", numExposures, "framesper", s.cfg.framesPerExposure,
		"exptime", exptime, "linetime", lineTime)

	for e := 0; e < numExposures; e++ {
		for f := 0; f < s.cfg.framesPerExposure; f++ {
			if !s.exposeOneFrame(exptime, lineCount, pixelCount, lineTime) {
				return
			}
		}
	}

	s.logger.Info("exposure sequence finished", "frames", numExposures*s.cfg.framesPerExposure)
}

// lineTime is the wall-clock duration of one readout line for the given
// line count, quantized the way the timing core schedules rows.
func (s *Server) lineTime(lineCount int) time.Duration {
	units := 10 * s.cfg.readoutTime.Milliseconds() / int64(lineCount)
	d := time.Duration(units) * 90 * time.Microsecond
	if d <= 0 {
		d = 90 * time.Microsecond
	}
	return d
}

// exposeOneFrame runs a single exposure plus readout. It reports false when
// the sequence should stop, either from an abort or server shutdown.
func (s *Server) exposeOneFrame(exptime time.Duration, lineCount, pixelCount int, lineTime time.Duration) bool {
	if !s.sleepAbortable(exptime) {
		// no frame was opened yet, so the event carries no frame or buffer
		s.emit(ExposureEvent{Aborted: true})
		return false
	}

	// claim the next buffer in rotation and open the frame
	s.mu.Lock()
	s.frameNum++
	frame := s.frameNum
	wbuf := (s.frame.WBuf % s.activeBufs) + 1
	if wbuf < 1 || wbuf > len(s.frame.Bufs) {
		// fatal to this exposure only, never to the server
		s.mu.Unlock()
		s.pushLog(fmt.Sprintf("exposure stopped: buffer %d outside %d-buffer ring", wbuf, len(s.frame.Bufs)))
		s.logger.Error("exposure stopped on buffer index", "buffer", wbuf, "bufs", len(s.frame.Bufs))
		return false
	}
	s.frame.WBuf = wbuf
	buf := &s.frame.Bufs[wbuf-1]
	base := buf.Base
	*buf = archon.BufferInfo{
		Base:        base,
		FrameNum:    frame,
		Width:       pixelCount,
		Height:      lineCount,
		Timestamp:   s.timerTicks(),
		RETimestamp: s.timerTicks(),
	}
	s.mu.Unlock()

	for line := 1; line <= lineCount; line++ {
		if !s.sleepAbortable(lineTime) {
			s.logger.Info("readout aborted", "frame", frame, "line", line, "of", lineCount)
			s.emitAbortedFrame(frame, wbuf)
			return false
		}

		if !s.writeReadoutProgress(wbuf, line, line*pixelCount) {
			return s.abandonShrunkRing(frame, wbuf)
		}
	}

	if !s.completeFrame(wbuf, frame) {
		return s.abandonShrunkRing(frame, wbuf)
	}

	s.logger.Info("frame complete", "frame", frame, "buffer", wbuf)
	s.emit(ExposureEvent{Frame: frame, Buffer: wbuf})
	return true
}

// writeReadoutProgress records line progress into the write buffer. It
// reports false when the buffer fell outside the ring, which happens when
// BIGBUF is rewritten while the frame is open; the check and the write
// share one lock acquisition so a concurrent resize cannot slip between.
func (s *Server) writeReadoutProgress(wbuf, line, pixels int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wbuf > len(s.frame.Bufs) {
		return false
	}
	s.frame.Bufs[wbuf-1].Lines = line
	s.frame.Bufs[wbuf-1].Pixels = pixels
	return true
}

// completeFrame marks the write buffer complete and publishes it as the
// newest readable frame, with the same shrunk-ring check as the line writes.
func (s *Server) completeFrame(wbuf, frame int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wbuf > len(s.frame.Bufs) {
		return false
	}
	s.frame.Bufs[wbuf-1].Complete = true
	s.frame.Bufs[wbuf-1].FETimestamp = s.timerTicks()
	s.frame.RBuf = wbuf
	s.frame.Frame = frame
	return true
}

// abandonShrunkRing ends the sequence after the buffer ring was resized out
// from under an open frame. Fatal to the exposure only, never to the server.
func (s *Server) abandonShrunkRing(frame, wbuf int) bool {
	s.pushLog(fmt.Sprintf("exposure stopped: buffer %d no longer in ring", wbuf))
	s.logger.Error("exposure stopped, ring resized under open frame", "frame", frame, "buffer", wbuf)
	s.emitAbortedFrame(frame, wbuf)
	return false
}

// sleepAbortable waits for d, checking the abort flag and shutdown state at
// least every abortTick. It returns false if the wait was cut short.
func (s *Server) sleepAbortable(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if s.abortFlag.CompareAndSwap(true, false) || s.shutdown.Load() {
			return false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if remaining > abortTick {
			remaining = abortTick
		}
		t := pool.GetTimer(remaining)
		<-t.C
		pool.PutTimer(t)
	}
}

func (s *Server) emit(ev ExposureEvent) {
	select {
	case s.events <- ev:
	default:
		// nobody listening, drop it
	}
}

func (s *Server) emitAbortedFrame(frame, wbuf int) {
	s.emit(ExposureEvent{Frame: frame, Buffer: wbuf, Aborted: true})
}
