package archon

import "errors"

// Command-channel errors.
var (
	// ErrBusy indicates that another command exchange is already in flight on
	// the session. The command was not sent and the message ref did not
	// advance; callers may retry.
	ErrBusy = errors.New("archon: controller busy, command not sent")

	// ErrTimeout indicates that no reply arrived within the poll window.
	// The command was sent, so the message ref advanced.
	ErrTimeout = errors.New("archon: timeout waiting for reply")

	// ErrMismatch indicates that the reply checksum does not match the
	// message ref of the most recently sent command. This is a protocol
	// desync and should not be retried blindly.
	ErrMismatch = errors.New("archon: command-reply mismatch")

	// ErrController indicates that the controller itself reported an error
	// ("?" reply). The controller provides no further detail.
	ErrController = errors.New("archon: controller returned error")

	// ErrClosed indicates that the transport reported end of stream. The
	// session must be torn down, not retried.
	ErrClosed = errors.New("archon: connection closed")

	// ErrNotConnected indicates that no connection is open to the controller.
	ErrNotConnected = errors.New("archon: connection not open to controller")
)

// Configuration-memory errors.
var (
	// ErrUnknownKey indicates a config key that is not present in
	// configuration memory.
	ErrUnknownKey = errors.New("archon: key not found in configuration memory")

	// ErrUnknownLine indicates a config line number that is not present in
	// configuration memory.
	ErrUnknownLine = errors.New("archon: line not found in configuration memory")

	// ErrUnknownParameter indicates a parameter name that is not present in
	// the parameter map.
	ErrUnknownParameter = errors.New("archon: parameter not found")

	// ErrMalformedReply indicates a reply payload that does not have the
	// expected shape.
	ErrMalformedReply = errors.New("archon: malformed reply")
)

// Frame-ring and bulk-transfer errors. These are local validation failures
// and are never sent on the wire.
var (
	// ErrBufferIndex indicates a buffer index outside the configured ring size.
	ErrBufferIndex = errors.New("archon: buffer index outside ring")

	// ErrAddressRange indicates a FETCH address outside the valid buffer window.
	ErrAddressRange = errors.New("archon: fetch address outside valid range")

	// ErrBlockRange indicates a FETCH block count above the per-buffer maximum.
	ErrBlockRange = errors.New("archon: fetch block count outside valid range")
)

// Exposure errors.
var (
	// ErrExposing indicates that an exposure sequence is already running.
	// Exposures are not queued.
	ErrExposing = errors.New("archon: exposure already in progress")
)
