package archon

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CaltechOpticalObservatories/go-archon/internal/util"
)

// MaxBufs is the total number of frame buffers in controller memory. The
// number of active buffers is 2 or 3 depending on the BIGBUF setting.
const MaxBufs = 3

// FetchBase is the lowest valid buffer address in controller memory. Buffer
// slot 0 always starts here.
const FetchBase uint64 = 0xA0000000

// bufferMemory is the total controller sample memory in bytes, divided
// evenly among the active buffers.
const bufferMemory = 1.5e9

// BufferInfo is the status of a single frame buffer slot as reported by the
// FRAME command.
type BufferInfo struct {
	SampleMode  int    // 0 = 16-bit, 1 = 32-bit
	Complete    bool   // buffer complete, ready to read
	Mode        int    // 0 = top, 1 = bottom, 2 = split
	Base        uint64 // buffer base address for fetching
	FrameNum    int    // frame number held in the buffer
	Width       int
	Height      int
	Pixels      int // pixel readout progress
	Lines       int // line readout progress
	RawBlocks   int // raw blocks per line
	RawLines    int
	RawOffset   int
	Timestamp   uint64 // 10 ns ticks
	RETimestamp uint64 // trigger rising-edge timestamp
	FETimestamp uint64 // trigger falling-edge timestamp
}

// FrameStatus is the controller frame-ring state assembled from a FRAME
// reply. Bufs is sized to the active buffer count and is re-read wholesale
// on every status query.
type FrameStatus struct {
	Timer string // current 64-bit internal timer, 16 hex digits
	RBuf  int    // buffer currently locked for reading (1-based, 0 = none)
	WBuf  int    // buffer currently being written (1-based, 0 = none)
	Index int    // 0-based index of the newest usable buffer
	Frame int    // frame number in the newest usable buffer
	Bufs  []BufferInfo
}

// NewFrameStatus creates a frame status with n buffer slots.
func NewFrameStatus(n int) *FrameStatus {
	return &FrameStatus{Bufs: make([]BufferInfo, n)}
}

// Resize reallocates the buffer descriptors for n active buffers and assigns
// each slot its fixed base address. All progress state is zeroed; the ring
// size then stays fixed until the BIGBUF setting changes again.
func (f *FrameStatus) Resize(n int) {
	f.Bufs = make([]BufferInfo, n)
	f.Index = 0
	f.Frame = 0
	f.RBuf = 0
	f.WBuf = 0
	for i, base := range BufferBases(n) {
		f.Bufs[i].Base = base
	}
}

// Snapshot returns a deep copy, so callers can hold frame state without
// racing a concurrent status refresh.
func (f *FrameStatus) Snapshot() *FrameStatus {
	cp := *f
	cp.Bufs = util.CloneSlice(f.Bufs, 0)

	return &cp
}

// Parse fills the frame status from the flat space-separated KEY=VALUE
// payload of a FRAME reply, then recomputes the newest-buffer selection.
//
// Keys that are not recognized are ignored for forward compatibility. A
// buffer number outside the configured ring, or a token without a value, is
// an error.
func (f *FrameStatus) Parse(payload string) error {
	for _, token := range strings.Fields(payload) {
		parts := strings.Split(token, "=")
		if len(parts) != 2 {
			return fmt.Errorf("%w: invalid token %q in frame status", ErrMalformedReply, token)
		}
		key, value := parts[0], parts[1]

		switch key {
		case "TIMER":
			f.Timer = value
			continue
		case "RBUF":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%w: RBUF value %q", ErrMalformedReply, value)
			}
			f.RBuf = n

			continue
		case "WBUF":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%w: WBUF value %q", ErrMalformedReply, value)
			}
			f.WBuf = n

			continue
		}

		if !strings.HasPrefix(key, "BUF") || len(key) < 5 {
			continue
		}

		bufNum := int(key[3] - '0')
		if bufNum < 1 || bufNum > len(f.Bufs) {
			return fmt.Errorf("%w: buffer number %d outside range {1:%d}", ErrBufferIndex, bufNum, len(f.Bufs))
		}
		buf := &f.Bufs[bufNum-1]

		if err := parseBufField(buf, key[4:], value); err != nil {
			return err
		}
	}

	return f.updateNewest()
}

func parseBufField(buf *BufferInfo, field, value string) error {
	// BASE and the timestamps are 64-bit; everything else fits an int.
	switch field {
	case "BASE", "TIMESTAMP", "RETIMESTAMP", "FETIMESTAMP":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s value %q", ErrMalformedReply, field, value)
		}
		switch field {
		case "BASE":
			buf.Base = v
		case "TIMESTAMP":
			buf.Timestamp = v
		case "RETIMESTAMP":
			buf.RETimestamp = v
		case "FETIMESTAMP":
			buf.FETimestamp = v
		}

		return nil
	}

	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: %s value %q", ErrMalformedReply, field, value)
	}

	switch field {
	case "SAMPLE":
		buf.SampleMode = v
	case "COMPLETE":
		buf.Complete = v != 0
	case "MODE":
		buf.Mode = v
	case "FRAME":
		buf.FrameNum = v
	case "WIDTH":
		buf.Width = v
	case "HEIGHT":
		buf.Height = v
	case "PIXELS":
		buf.Pixels = v
	case "LINES":
		buf.Lines = v
	case "RAWBLOCKS":
		buf.RawBlocks = v
	case "RAWLINES":
		buf.RawLines = v
	case "RAWOFFSET":
		buf.RawOffset = v
	default:
		// unknown buffer field, ignore
	}

	return nil
}

// updateNewest recomputes Index and Frame.
//
// The candidate starts at the current index; a descriptor replaces it only
// when its frame number is strictly greater and its complete flag is set, so
// an incomplete buffer is never selected and ties keep the first candidate
// in scan order. At cold start, when every buffer reports frame number 0,
// the selection is forced to slot 0 so subsequent locking still has a valid
// target.
func (f *FrameStatus) updateNewest() error {
	if f.Index < 0 || f.Index >= len(f.Bufs) {
		return fmt.Errorf("%w: index %d exceeds number of buffers %d", ErrBufferIndex, f.Index, len(f.Bufs))
	}

	newestBuf := f.Index
	newestFrame := f.Bufs[f.Index].FrameNum

	numZero := 0
	for i := range f.Bufs {
		if f.Bufs[i].FrameNum == 0 {
			numZero++
		}
		if f.Bufs[i].FrameNum > newestFrame && f.Bufs[i].Complete {
			newestFrame = f.Bufs[i].FrameNum
			newestBuf = i
		}
	}

	if numZero == len(f.Bufs) {
		newestBuf = 0
		newestFrame = 0
	}

	f.Index = newestBuf
	f.Frame = newestFrame

	return nil
}

// Report renders the frame status as the flat KEY=VALUE payload of a FRAME
// reply, the exact inverse of Parse.
func (f *FrameStatus) Report() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "TIMER=%s RBUF=%d WBUF=%d", f.Timer, f.RBuf, f.WBuf)

	for i := range f.Bufs {
		buf := &f.Bufs[i]
		complete := 0
		if buf.Complete {
			complete = 1
		}
		fmt.Fprintf(&sb, " BUF%dSAMPLE=%d BUF%dCOMPLETE=%d BUF%dMODE=%d BUF%dBASE=%d BUF%dFRAME=%d",
			i+1, buf.SampleMode, i+1, complete, i+1, buf.Mode, i+1, buf.Base, i+1, buf.FrameNum)
		fmt.Fprintf(&sb, " BUF%dWIDTH=%d BUF%dHEIGHT=%d BUF%dPIXELS=%d BUF%dLINES=%d",
			i+1, buf.Width, i+1, buf.Height, i+1, buf.Pixels, i+1, buf.Lines)
		fmt.Fprintf(&sb, " BUF%dRAWBLOCKS=%d BUF%dRAWLINES=%d BUF%dRAWOFFSET=%d",
			i+1, buf.RawBlocks, i+1, buf.RawLines, i+1, buf.RawOffset)
		fmt.Fprintf(&sb, " BUF%dTIMESTAMP=%d BUF%dRETIMESTAMP=%d BUF%dFETIMESTAMP=%d",
			i+1, buf.Timestamp, i+1, buf.RETimestamp, i+1, buf.FETimestamp)
	}

	return sb.String()
}

// ActiveBufs returns the number of active frame buffers for the given
// BIGBUF setting: two large buffers when set, three standard ones otherwise.
func ActiveBufs(bigbuf bool) int {
	if bigbuf {
		return 2
	}

	return MaxBufs
}

// BufferBases returns the fixed base address of each buffer slot for an
// n-buffer ring.
func BufferBases(n int) []uint64 {
	if n == 2 {
		return []uint64{0xA0000000, 0xD0000000}
	}

	return []uint64{0xA0000000, 0xC0000000, 0xE0000000}
}

// MaxFetchBlocks returns the largest block count a single FETCH may request
// with n active buffers sharing the controller's sample memory.
func MaxFetchBlocks(n int) uint32 {
	return uint32(bufferMemory / float64(n) / BlockLen)
}

// MaxFetchAddr returns the upper bound of the valid FETCH address window for
// an n-buffer ring.
func MaxFetchAddr(n int) uint64 {
	base := uint64(0xE0000000)
	if n == 2 {
		base = 0xD0000000
	}

	return base + uint64(MaxFetchBlocks(n))
}

// ValidateFetch checks a bulk-transfer request against the valid address
// window and block budget for an n-buffer ring. Violations are local errors;
// nothing is sent on the wire.
func ValidateFetch(addr uint64, blocks uint32, n int) error {
	if addr < FetchBase || addr > MaxFetchAddr(n) {
		return fmt.Errorf("%w: address 0x%X outside range {0x%X:0x%X}", ErrAddressRange, addr, FetchBase, MaxFetchAddr(n))
	}
	if blocks > MaxFetchBlocks(n) {
		return fmt.Errorf("%w: blocks 0x%X outside range {0:0x%X}", ErrBlockRange, blocks, MaxFetchBlocks(n))
	}

	return nil
}

// BlocksForBytes returns the number of whole transfer blocks needed to hold
// size bytes, rounding up. The transfer consumer must tolerate the padding
// in the final block.
func BlocksForBytes(size uint64) uint32 {
	return uint32((size + BlockLen - 1) / BlockLen)
}
