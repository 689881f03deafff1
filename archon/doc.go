// Package archon implements the wire-level model of the STA Archon detector
// controller protocol: command framing with rotating message references,
// the line-addressed configuration memory with its name-indexed parameter
// view, the frame-buffer ring status model, and the FETCH bulk-transfer
// geometry.
//
// The package is shared by the host-side client (package host), which drives
// a real controller over TCP, and by the controller emulator (package
// emulator), which serves the same protocol for host-software testing. Both
// sides speak the exact same text framing:
//
//	command:        ">" + 2 uppercase hex digits (message ref) + verb/args + "\n"
//	success reply:  "<" + same 2 hex digits + payload + "\n"
//	error reply:    "?" + details + "\n"
//
// Binary FETCH data is the one exception: each 1024-byte block is preceded
// by a 4-byte "<XX:" header instead of a normal text reply.
package archon
