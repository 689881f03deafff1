// Package emulator implements the controller side of the Archon protocol: a
// TCP server that mimics an Archon backplane closely enough for host
// software to run against it unmodified. It keeps real configuration memory,
// a frame-buffer ring with the controller's buffer-rotation rules, and an
// exposure sequencer that advances readout line by line on a wall-clock
// schedule, so host-side waits and frame fetches behave as they would
// against hardware.
package emulator
