package archon

import (
	"fmt"
	"strings"
)

// BlockLen is the Archon transfer block size in bytes. FETCH data always
// arrives in whole blocks of this size.
const BlockLen = 1024

// RefModulus is the wrap point of the rotating message reference.
const RefModulus = 256

// Command verbs without arguments, as listed in the Archon manual.
const (
	CmdSystem        = "SYSTEM"
	CmdStatus        = "STATUS"
	CmdFrame         = "FRAME"
	CmdTimer         = "TIMER"
	CmdFetchLog      = "FETCHLOG"
	CmdClearConfig   = "CLEARCONFIG"
	CmdApplyAll      = "APPLYALL"
	CmdApplySystem   = "APPLYSYSTEM"
	CmdApplyCDS      = "APPLYCDS"
	CmdPowerOn       = "POWERON"
	CmdPowerOff      = "POWEROFF"
	CmdLoadTiming    = "LOADTIMING"
	CmdLoadParams    = "LOADPARAMS"
	CmdResetTiming   = "RESETTIMING"
	CmdHoldTiming    = "HOLDTIMING"
	CmdReleaseTiming = "RELEASETIMING"
	CmdPollOn        = "POLLON"
	CmdPollOff       = "POLLOFF"
	CmdUnlock        = "UNLOCK"
)

// NextRef advances the rotating message reference.
func NextRef(ref int) int {
	return (ref + 1) % RefModulus
}

// FormatRef renders a message reference as 2 uppercase hex digits.
func FormatRef(ref int) string {
	return fmt.Sprintf("%02X", ref%RefModulus)
}

// FrameCommand builds the full on-wire command text ">XXcmd\n" for the given
// message reference.
func FrameCommand(ref int, cmd string) string {
	return ">" + FormatRef(ref) + cmd + "\n"
}

// ReplyChecksum returns the 3-character prefix "<XX" that a success reply to
// a command sent with the given reference must carry.
func ReplyChecksum(ref int) string {
	return "<" + FormatRef(ref)
}

// BlockHeader returns the 4-byte header "<XX:" that precedes each FETCH data
// block for the given reference.
func BlockHeader(ref int) string {
	return "<" + FormatRef(ref) + ":"
}

// WConfigCommand builds a configuration-memory write for the given line.
// The line number is rendered as 4 uppercase hex digits and the KEY=VALUE
// text follows with no separating space.
func WConfigCommand(line int, key, value string) string {
	return fmt.Sprintf("WCONFIG%04X%s=%s", line, key, value)
}

// RConfigCommand builds a configuration-memory read for the given line.
func RConfigCommand(line int) string {
	return fmt.Sprintf("RCONFIG%04X", line)
}

// FetchCommand builds a bulk-transfer request for blocks starting at addr.
// Both fields are fixed-width 8 uppercase hex digits.
func FetchCommand(addr uint64, blocks uint32) string {
	return fmt.Sprintf("FETCH%08X%08X", addr, blocks)
}

// LockCommand builds a buffer lock for the given 1-based buffer number.
func LockCommand(buffer int) string {
	return fmt.Sprintf("LOCK%d", buffer)
}

// FastLoadParamCommand builds an immediate parameter load.
func FastLoadParamCommand(name, value string) string {
	return "FASTLOADPARAM " + name + " " + value
}

// FastPrepParamCommand builds a parameter preload, applied on the next
// EXTLOAD signal.
func FastPrepParamCommand(name, value string) string {
	return "FASTPREPPARAM " + name + " " + value
}

// IsFetch reports whether cmd is a FETCH bulk-transfer command, for which no
// text reply follows. FETCHLOG shares the prefix but gets a normal reply.
func IsFetch(cmd string) bool {
	return strings.HasPrefix(cmd, "FETCH") && !strings.HasPrefix(cmd, CmdFetchLog)
}

// QuietVerb reports whether cmd is one of the high-frequency status verbs
// excluded from per-command logging to avoid flooding the log. This is a
// logging policy only; it has no protocol meaning.
func QuietVerb(cmd string) bool {
	return strings.HasPrefix(cmd, "WCONFIG") ||
		strings.HasPrefix(cmd, CmdTimer) ||
		strings.HasPrefix(cmd, CmdStatus) ||
		strings.HasPrefix(cmd, CmdFrame)
}
