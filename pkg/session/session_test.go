package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Nativu5/rdma-write/pkg/controlplane"
	"github.com/Nativu5/rdma-write/pkg/endpoint"
	"github.com/Nativu5/rdma-write/pkg/metrics"
	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
	"github.com/Nativu5/rdma-write/pkg/verbs/sim"
)

// tamperChannel rewrites the descriptor received from the peer.
type tamperChannel struct {
	*controlplane.PipeChannel
	mutate func(*types.EndpointDescriptor)
}

func (c tamperChannel) Exchange(ctx context.Context, local types.EndpointDescriptor) (types.EndpointDescriptor, error) {
	remote, err := c.PipeChannel.Exchange(ctx, local)
	if err == nil {
		c.mutate(&remote)
	}
	return remote, err
}

type side struct {
	opts Options
	out  bytes.Buffer
	res  Result
	err  error
}

func newSide(fabric *sim.Fabric, role Role, device string, ch controlplane.Channel) *side {
	s := &side{opts: DefaultOptions(role)}
	s.opts.Provider = fabric.NewProvider(device)
	s.opts.Endpoint.DeviceName = device
	s.opts.Channel = ch
	s.opts.WatchInterval = 5 * time.Millisecond
	s.opts.WatchAttempts = 200
	s.opts.Out = &s.out
	return s
}

func pair(fabric *sim.Fabric) (client, server *side) {
	a, b := controlplane.Pipe()
	return newSide(fabric, Initiator, "rxe0", a), newSide(fabric, Responder, "rxe1", b)
}

// runBoth runs both sides to completion. A failing side does not cancel the
// other, so each result can be inspected.
func runBoth(t *testing.T, sides ...*side) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var g errgroup.Group
	for _, s := range sides {
		g.Go(func() error {
			s.res, s.err = Run(ctx, s.opts)
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestLoopbackWrite(t *testing.T) {
	fabric := sim.NewFabric()
	client, server := pair(fabric)
	client.opts.Metrics = metrics.New(nil)
	runBoth(t, client, server)

	require.NoError(t, client.err)
	require.NoError(t, server.err)

	assert.Equal(t, Initiator, client.res.Role)
	assert.Equal(t, 26, client.res.BytesWritten)
	require.NotNil(t, client.res.Completion)
	assert.Equal(t, verbs.WCSuccess, client.res.Completion.Status)
	assert.Equal(t, uint32(26), client.res.Completion.ByteLen)

	assert.True(t, server.res.Observed)
	assert.Equal(t, DefaultMessage, server.res.Snapshot)

	assert.Equal(t, client.res.Local, server.res.Remote)
	assert.Equal(t, server.res.Local, client.res.Remote)

	assert.Contains(t, client.out.String(), "LOCAL INFO")
	assert.Contains(t, client.out.String(), "Client: Write Success!")
	assert.Contains(t, server.out.String(), "Server memory BEFORE: ")
	assert.Contains(t, server.out.String(), "Server memory [0]: ")
	assert.Contains(t, server.out.String(), "SUCCESS! Data changed detected!")

	for _, s := range []*side{client, server} {
		assert.Equal(t, []string{
			endpoint.ResourceQueuePair,
			endpoint.ResourceCompletionQueue,
			endpoint.ResourceMemoryRegion,
			endpoint.ResourceProtectionDomain,
			endpoint.ResourceBuffer,
			endpoint.ResourceDeviceContext,
		}, s.res.Released)
	}
	assert.Zero(t, fabric.Stats().Live())

	c := client.opts.Metrics
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Transitions.WithLabelValues("RTS", metrics.ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Exchanges.WithLabelValues(controlplane.KindPipe, metrics.ResultOK)))
	assert.Equal(t, float64(26), testutil.ToFloat64(c.BytesWritten))
}

func TestCustomMessage(t *testing.T) {
	client, server := pair(sim.NewFabric())
	client.opts.Message = "Client 2: bigger hello"
	runBoth(t, client, server)

	require.NoError(t, client.err)
	require.NoError(t, server.err)
	assert.Equal(t, len("Client 2: bigger hello")+1, client.res.BytesWritten)
	assert.Equal(t, "Client 2: bigger hello", server.res.Snapshot)
}

func TestWrongRemoteKey(t *testing.T) {
	fabric := sim.NewFabric()
	a, b := controlplane.Pipe()
	client := newSide(fabric, Initiator, "rxe0", tamperChannel{a, func(d *types.EndpointDescriptor) { d.RKey++ }})
	server := newSide(fabric, Responder, "rxe1", b)
	server.opts.WatchAttempts = 5
	runBoth(t, client, server)

	require.ErrorIs(t, client.err, types.ErrCompletion)
	var cerr *types.CompletionError
	require.ErrorAs(t, client.err, &cerr)
	assert.Equal(t, verbs.WCRemAccessErr, cerr.Status)
	require.NotNil(t, client.res.Completion)
	assert.Zero(t, client.res.BytesWritten)
	assert.Contains(t, client.out.String(), "Client: Failed status")

	require.NoError(t, server.err)
	assert.False(t, server.res.Observed)
	assert.Equal(t, Banner, server.res.Snapshot, "responder memory untouched")
	assert.Zero(t, fabric.Stats().Live())
}

func TestMessageLargerThanBuffer(t *testing.T) {
	client, server := pair(sim.NewFabric())
	client.opts.Endpoint.BufferSize = 16
	server.opts.WatchAttempts = 2
	runBoth(t, client, server)

	assert.ErrorIs(t, client.err, types.ErrPost)
	require.NoError(t, server.err)
	assert.False(t, server.res.Observed)
}

func TestSmallBuffersOnBothSides(t *testing.T) {
	client, server := pair(sim.NewFabric())
	client.opts.Endpoint.BufferSize = 16
	server.opts.Endpoint.BufferSize = 16
	server.opts.WatchAttempts = 2
	runBoth(t, client, server)

	// The banner is clipped to the buffer; only the initiator's size check
	// fails.
	assert.ErrorIs(t, client.err, types.ErrPost)
	require.NoError(t, server.err)
	assert.False(t, server.res.Observed)
	assert.Equal(t, Banner[:15], server.res.Snapshot)

	// A message that fits still lands.
	client, server = pair(sim.NewFabric())
	client.opts.Message = "Client: hi"
	client.opts.Endpoint.BufferSize = 16
	server.opts.Endpoint.BufferSize = 16
	runBoth(t, client, server)

	require.NoError(t, client.err)
	require.NoError(t, server.err)
	assert.True(t, server.res.Observed)
	assert.Equal(t, "Client: hi", server.res.Snapshot)
}

func TestPeerFailingEarlyEndsExchange(t *testing.T) {
	fabric := sim.NewFabric()
	a, b := controlplane.Pipe()
	client := newSide(fabric, Initiator, "rxe0", a)
	client.opts.Params.Timeout = 99
	server := newSide(fabric, Responder, "rxe1", b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for _, s := range []struct {
		side *side
		ch   controlplane.Channel
	}{{client, a}, {server, b}} {
		g.Go(func() error {
			defer s.ch.Close()
			s.side.res, s.side.err = Run(ctx, s.side.opts)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.ErrorIs(t, client.err, types.ErrTransition)
	assert.ErrorIs(t, server.err, types.ErrExchange)
	assert.NotErrorIs(t, server.err, types.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second, "the responder must not wait out the deadline")
	assert.Zero(t, fabric.Stats().Live())
}

func TestRegistrationFailure(t *testing.T) {
	fabric := sim.NewFabric(sim.WithFault(sim.OpRegMR, errors.New("cannot pin memory")))
	a, _ := controlplane.Pipe()
	client := newSide(fabric, Initiator, "rxe0", a)

	res, err := Run(context.Background(), client.opts)
	require.ErrorIs(t, err, types.ErrResourceAllocation)
	assert.Equal(t, []string{
		endpoint.ResourceProtectionDomain,
		endpoint.ResourceDeviceContext,
	}, res.Released)
	assert.Zero(t, fabric.Stats().Live())
}

func TestExchangeTimeoutReleasesEverything(t *testing.T) {
	fabric := sim.NewFabric()
	_, b := controlplane.Pipe()
	server := newSide(fabric, Responder, "rxe1", b)
	server.opts.Metrics = metrics.New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := Run(ctx, server.opts)
	require.ErrorIs(t, err, types.ErrTimeout)
	assert.Len(t, res.Released, 6)
	assert.Zero(t, fabric.Stats().Live())

	c := server.opts.Metrics
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Exchanges.WithLabelValues(controlplane.KindPipe, metrics.ResultError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Errors.WithLabelValues("timeout")))
}

func TestRunValidatesOptions(t *testing.T) {
	a, _ := controlplane.Pipe()
	provider := sim.NewFabric().NewProvider("rxe0")

	tests := map[string]func(*Options){
		"no provider":   func(o *Options) { o.Provider = nil },
		"no channel":    func(o *Options) { o.Channel = nil },
		"unknown role":  func(o *Options) { o.Role = "bystander" },
		"zero interval": func(o *Options) { o.WatchInterval = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			opts := DefaultOptions(Responder)
			opts.Provider = provider
			opts.Channel = a
			mutate(&opts)
			_, err := Run(context.Background(), opts)
			assert.Error(t, err)
		})
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("client")
	require.NoError(t, err)
	assert.Equal(t, Initiator, r)

	r, err = ParseRole("server")
	require.NoError(t, err)
	assert.Equal(t, Responder, r)

	_, err = ParseRole("peer")
	assert.Error(t, err)
}
