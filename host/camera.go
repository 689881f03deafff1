package host

import (
	"context"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
)

// Camera is the capability surface a detector-controller family exposes to
// the layers above: raw command exchange, frame status, bulk frame readout,
// and teardown. Controller is the Archon implementation; other controller
// families would provide their own.
type Camera interface {
	Command(ctx context.Context, cmd string) (string, error)
	GetFrameStatus(ctx context.Context) (*archon.FrameStatus, error)
	ReadFrame(ctx context.Context, raw bool) ([]byte, error)
	Close() error
}

var _ Camera = (*Controller)(nil)
