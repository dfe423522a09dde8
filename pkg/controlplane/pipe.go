package controlplane

import (
	"context"
	"fmt"
	"sync"

	"github.com/Nativu5/rdma-write/pkg/types"
)

// PipeChannel is one end of an in-memory channel pair.
type PipeChannel struct {
	send     chan<- types.EndpointDescriptor
	recv     <-chan types.EndpointDescriptor
	syncSend chan<- struct{}
	syncRecv <-chan struct{}

	done     chan struct{}
	peerDone <-chan struct{}
	once     sync.Once
}

var (
	_ Channel = (*PipeChannel)(nil)
	_ Barrier = (*PipeChannel)(nil)
)

// Pipe returns two connected channel ends.
func Pipe() (*PipeChannel, *PipeChannel) {
	ab := make(chan types.EndpointDescriptor, 1)
	ba := make(chan types.EndpointDescriptor, 1)
	syncAB := make(chan struct{}, 1)
	syncBA := make(chan struct{}, 1)
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	a := &PipeChannel{send: ab, recv: ba, syncSend: syncAB, syncRecv: syncBA, done: doneA, peerDone: doneB}
	b := &PipeChannel{send: ba, recv: ab, syncSend: syncBA, syncRecv: syncAB, done: doneB, peerDone: doneA}
	return a, b
}

// Exchange hands local to the peer and waits for the peer's descriptor.
func (p *PipeChannel) Exchange(ctx context.Context, local types.EndpointDescriptor) (types.EndpointDescriptor, error) {
	select {
	case <-p.done:
		return types.EndpointDescriptor{}, fmt.Errorf("%w: %w", types.ErrExchange, ErrClosed)
	default:
	}

	select {
	case p.send <- local:
	case <-ctx.Done():
		return types.EndpointDescriptor{}, wrapErr(ctx, "send descriptor", ctx.Err())
	}

	select {
	case remote := <-p.recv:
		return remote, nil
	case <-p.peerDone:
		// The peer may have sent and closed before we got here.
		select {
		case remote := <-p.recv:
			return remote, nil
		default:
		}
		return types.EndpointDescriptor{}, fmt.Errorf("%w: peer closed before sending its descriptor", types.ErrExchange)
	case <-ctx.Done():
		return types.EndpointDescriptor{}, wrapErr(ctx, "receive descriptor", ctx.Err())
	}
}

// Sync blocks until the peer calls Sync too.
func (p *PipeChannel) Sync(ctx context.Context) error {
	select {
	case p.syncSend <- struct{}{}:
	case <-ctx.Done():
		return wrapErr(ctx, "sync", ctx.Err())
	}
	select {
	case <-p.syncRecv:
		return nil
	case <-p.peerDone:
		select {
		case <-p.syncRecv:
			return nil
		default:
		}
		return fmt.Errorf("%w: peer closed before synchronizing", types.ErrExchange)
	case <-ctx.Done():
		return wrapErr(ctx, "sync", ctx.Err())
	}
}

// Close marks this end closed; the peer's pending receives fail.
func (p *PipeChannel) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
