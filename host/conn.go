package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/CaltechOpticalObservatories/go-archon/archon"
)

// Transport is the byte stream between a Controller and the camera. Poll
// blocks until at least one byte is readable or the timeout elapses, mapping
// a quiet link to archon.ErrTimeout and a closed one to archon.ErrClosed.
// The production implementation is a TCP socket; tests substitute scripted
// transports.
type Transport interface {
	Poll(timeout time.Duration) error
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialTransport(ctx context.Context, addr string, timeout time.Duration) (*tcpTransport, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to camera at %s: %w", addr, err)
	}

	return &tcpTransport{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}, nil
}

func (t *tcpTransport) Poll(timeout time.Duration) error {
	if t.reader.Buffered() > 0 {
		return nil
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	_, err := t.reader.Peek(1)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return archon.ErrClosed
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return archon.ErrTimeout
		}
		return err
	}
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	n, err := t.reader.Read(p)
	if err != nil {
		err = mapReadErr(err)
	}
	return n, err
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	return t.conn.Write(p)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func mapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return archon.ErrClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return archon.ErrTimeout
	}
	return err
}
