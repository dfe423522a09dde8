// Package controlplane exchanges endpoint descriptors between the two peers
// before their queue pairs can be connected.
//
// A Channel delivers the local descriptor intact and blocks until the peer's
// descriptor has arrived. Both sides must have sent and received before
// either moves its queue pair out of INIT.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Nativu5/rdma-write/pkg/types"
)

// Channel is a bidirectional rendezvous carrying one descriptor each way.
type Channel interface {
	// Exchange sends local and returns the peer's descriptor.
	Exchange(ctx context.Context, local types.EndpointDescriptor) (types.EndpointDescriptor, error)
	Close() error
}

// Barrier is implemented by channels that can hold both peers until each has
// reached the same point, typically after RTS so the initiator never writes
// into a queue pair that is not ready to receive.
type Barrier interface {
	Sync(ctx context.Context) error
}

// Channel names, used in logs and metrics.
const (
	KindTCP    = "tcp"
	KindManual = "manual"
	KindPipe   = "pipe"
)

// Kind returns the channel's name for logs and metrics.
func Kind(ch Channel) string {
	switch ch.(type) {
	case *TCPChannel:
		return KindTCP
	case *ManualChannel:
		return KindManual
	case *PipeChannel:
		return KindPipe
	default:
		return fmt.Sprintf("%T", ch)
	}
}

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel closed")

// wrapErr classifies err as a timeout or an exchange failure.
func wrapErr(ctx context.Context, step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", types.ErrTimeout, step, err)
	}
	return fmt.Errorf("%w: %s: %w", types.ErrExchange, step, err)
}
