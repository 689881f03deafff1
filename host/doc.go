// Package host implements the host side of the Archon detector-controller
// protocol: a TCP client that programs configuration memory, tracks the
// frame-buffer ring, and reads out image data over the block-oriented FETCH
// path.
//
// A Controller owns one TCP session. All command exchanges on a session are
// serialized; a second command issued while one is outstanding fails fast
// with archon.ErrBusy instead of queuing, and callers are expected to retry.
// The exposure wait helpers (WaitForExposure, WaitForReadout) run their
// polling loops without holding the command path for their full duration,
// so status traffic keeps flowing during an exposure.
package host
