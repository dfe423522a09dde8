package controlplane

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/Nativu5/rdma-write/pkg/types"
)

// Frame layout: 4-byte magic, 1-byte version or marker, then for descriptor
// frames the 34-byte big-endian descriptor.
const (
	frameVersion byte = 1
	syncMarker   byte = 0xFF
	headerSize        = 5
)

var frameMagic = [4]byte{'R', 'D', 'W', 'X'}

// DialRetryInterval is the pause between connection attempts while the
// listener is not up yet.
var DialRetryInterval = 200 * time.Millisecond

// ErrBadFrame is wrapped when the peer sends something other than a frame.
var ErrBadFrame = errors.New("malformed control frame")

// TCPChannel exchanges descriptors over a single TCP connection.
type TCPChannel struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

var (
	_ Channel = (*TCPChannel)(nil)
	_ Barrier = (*TCPChannel)(nil)
)

// NewTCPChannel wraps an established connection.
func NewTCPChannel(conn net.Conn) *TCPChannel {
	return &TCPChannel{conn: conn}
}

// Listener accepts the responder's single peer.
type Listener struct {
	ln net.Listener
}

// NewListener binds addr without waiting for a peer.
func NewListener(ctx context.Context, addr string) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on %s: %w", types.ErrExchange, addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for one peer until ctx is done.
func (l *Listener) Accept(ctx context.Context) (*TCPChannel, error) {
	stop := context.AfterFunc(ctx, func() {
		if tl, ok := l.ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now())
			return
		}
		_ = l.ln.Close()
	})
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return nil, wrapErr(ctx, "accept", err)
	}
	log.Infof("control plane: accepted peer %s", conn.RemoteAddr())
	return NewTCPChannel(conn), nil
}

// Close stops listening. Accepted channels stay open.
func (l *Listener) Close() error { return l.ln.Close() }

// Listen binds addr, accepts one peer and stops listening.
func Listen(ctx context.Context, addr string) (*TCPChannel, error) {
	l, err := NewListener(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	log.Infof("control plane: waiting for peer on %s", l.Addr())
	return l.Accept(ctx)
}

// Dial connects to a listening responder. A refused connection is retried
// every DialRetryInterval until ctx is done, so the initiator may start first.
func Dial(ctx context.Context, addr string) (*TCPChannel, error) {
	var d net.Dialer
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Infof("control plane: connected to %s", conn.RemoteAddr())
			return NewTCPChannel(conn), nil
		}
		if !errors.Is(err, unix.ECONNREFUSED) || ctx.Err() != nil {
			return nil, wrapErr(ctx, "dial "+addr, err)
		}
		log.Debugf("control plane: %s refused connection (attempt %d), retrying", addr, attempt)

		t := time.NewTimer(DialRetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, wrapErr(ctx, "dial "+addr, ctx.Err())
		case <-t.C:
		}
	}
}

// Exchange writes the local descriptor frame and reads the peer's.
func (c *TCPChannel) Exchange(ctx context.Context, local types.EndpointDescriptor) (types.EndpointDescriptor, error) {
	payload, err := local.MarshalBinary()
	if err != nil {
		return types.EndpointDescriptor{}, fmt.Errorf("%w: encode descriptor: %w", types.ErrExchange, err)
	}

	frame := append(header(frameVersion), payload...)

	var remote types.EndpointDescriptor
	err = c.roundTrip(ctx, frame, func(r io.Reader) error {
		marker, err := readHeader(r)
		if err != nil {
			return err
		}
		if marker != frameVersion {
			return fmt.Errorf("%w: unsupported version %d", ErrBadFrame, marker)
		}
		body := make([]byte, types.DescriptorSize)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("%w: short descriptor: %w", ErrBadFrame, err)
		}
		return remote.UnmarshalBinary(body)
	})
	if err != nil {
		return types.EndpointDescriptor{}, wrapErr(ctx, "exchange descriptors", err)
	}
	log.WithFields(log.Fields{"qpn": remote.QPN, "gid": remote.GID.String()}).Info("control plane: received peer descriptor")
	return remote, nil
}

// Sync sends a sync marker and waits for the peer's.
func (c *TCPChannel) Sync(ctx context.Context) error {
	err := c.roundTrip(ctx, header(syncMarker), func(r io.Reader) error {
		marker, err := readHeader(r)
		if err != nil {
			return err
		}
		if marker != syncMarker {
			return fmt.Errorf("%w: expected sync marker, got 0x%02x", ErrBadFrame, marker)
		}
		return nil
	})
	if err != nil {
		return wrapErr(ctx, "sync", err)
	}
	log.Debug("control plane: peers synchronized")
	return nil
}

// roundTrip writes out and then runs read, aborting both when ctx ends.
func (c *TCPChannel) roundTrip(ctx context.Context, out []byte, read func(io.Reader) error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := c.conn.Write(out); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return read(c.conn)
}

func header(marker byte) []byte {
	h := make([]byte, 0, headerSize+types.DescriptorSize)
	h = append(h, frameMagic[:]...)
	return append(h, marker)
}

func readHeader(r io.Reader) (byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: peer closed the connection: %w", ErrBadFrame, err)
		}
		return 0, fmt.Errorf("read frame header: %w", err)
	}
	if !bytes.Equal(hdr[:4], frameMagic[:]) {
		return 0, fmt.Errorf("%w: bad magic %q", ErrBadFrame, hdr[:4])
	}
	return hdr[4], nil
}

// RemoteAddr returns the peer's network address.
func (c *TCPChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes the connection. Closing twice is a no-op.
func (c *TCPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
