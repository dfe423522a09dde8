package connection

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/rdma-write/pkg/endpoint"
	"github.com/Nativu5/rdma-write/pkg/metrics"
	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
	"github.com/Nativu5/rdma-write/pkg/verbs/sim"
)

func newEndpoints(t *testing.T, opts ...sim.Option) (*sim.Fabric, *endpoint.Endpoint, *endpoint.Endpoint) {
	t.Helper()
	fabric := sim.NewFabric(opts...)
	var eps []*endpoint.Endpoint
	for _, name := range []string{"rxe0", "rxe1"} {
		ep := endpoint.New(fabric.NewProvider(name), endpoint.DefaultOptions())
		require.NoError(t, ep.Initialize())
		t.Cleanup(func() { _ = ep.Close() })
		eps = append(eps, ep)
	}
	return fabric, eps[0], eps[1]
}

// recordingQP captures every Modify call.
type recordingQP struct {
	verbs.QueuePair
	masks []verbs.AttrMask
	attrs []verbs.QPAttr
}

func (r *recordingQP) Modify(attr *verbs.QPAttr, mask verbs.AttrMask) error {
	r.masks = append(r.masks, mask)
	r.attrs = append(r.attrs, *attr)
	return r.QueuePair.Modify(attr, mask)
}

func TestEstablishAppliesExactMasks(t *testing.T) {
	_, a, b := newEndpoints(t)
	qp := &recordingQP{QueuePair: a.QueuePair()}

	m, err := NewMachine(qp, DefaultParams())
	require.NoError(t, err)
	remote := b.LocalDescriptor()
	require.NoError(t, m.Establish(remote))

	assert.Equal(t, verbs.QPStateRTS, m.State())
	assert.Equal(t, verbs.QPStateRTS, a.QueuePair().State())
	require.Len(t, qp.masks, 3)

	assert.Equal(t, verbs.AttrState|verbs.AttrPKeyIndex|verbs.AttrPort|verbs.AttrAccessFlags, qp.masks[0])
	assert.Equal(t, verbs.AttrState|verbs.AttrAV|verbs.AttrPathMTU|verbs.AttrDestQPN|verbs.AttrRQPSN|
		verbs.AttrMaxDestRdAtomic|verbs.AttrMinRNRTimer, qp.masks[1])
	assert.Equal(t, verbs.AttrState|verbs.AttrTimeout|verbs.AttrRetryCnt|verbs.AttrRNRRetry|
		verbs.AttrSQPSN|verbs.AttrMaxQPRdAtomic, qp.masks[2])

	toInit := qp.attrs[0]
	assert.Equal(t, uint8(1), toInit.PortNum)
	assert.Zero(t, toInit.PKeyIndex)
	assert.Equal(t, verbs.AccessLocalWrite|verbs.AccessRemoteRead|verbs.AccessRemoteWrite, toInit.AccessFlags)

	rtr := qp.attrs[1]
	assert.Equal(t, verbs.MTU1024, rtr.PathMTU)
	assert.Equal(t, remote.QPN, rtr.DestQPN)
	assert.Zero(t, rtr.RQPSN)
	assert.Equal(t, uint8(1), rtr.MaxDestRdAtomic)
	assert.Equal(t, uint8(12), rtr.MinRNRTimer)
	assert.True(t, rtr.AH.IsGlobal)
	assert.Equal(t, [16]byte(remote.GID), rtr.AH.GRH.DGID)
	assert.Equal(t, uint8(1), rtr.AH.GRH.SGIDIndex)
	assert.Equal(t, uint8(1), rtr.AH.GRH.HopLimit)
	assert.Zero(t, rtr.AH.SL)
	assert.Equal(t, uint8(1), rtr.AH.PortNum)

	rts := qp.attrs[2]
	assert.Equal(t, uint8(14), rts.Timeout)
	assert.Equal(t, uint8(7), rts.RetryCnt)
	assert.Equal(t, uint8(7), rts.RNRRetry)
	assert.Zero(t, rts.SQPSN)
	assert.Equal(t, uint8(1), rts.MaxRdAtomic)

	got, ok := m.Remote()
	require.True(t, ok)
	assert.Equal(t, remote, got)
}

func TestOutOfOrderTransitions(t *testing.T) {
	_, a, b := newEndpoints(t)
	m, err := NewMachine(a.QueuePair(), DefaultParams())
	require.NoError(t, err)

	err = m.ToReadyToReceive(b.LocalDescriptor())
	assert.ErrorIs(t, err, types.ErrTransition)
	assert.ErrorIs(t, err, ErrOutOfOrder)

	err = m.ToReadyToSend()
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, verbs.QPStateReset, a.QueuePair().State(), "fabric untouched")

	require.NoError(t, m.ToInit())
	assert.ErrorIs(t, m.ToInit(), ErrOutOfOrder)
	assert.ErrorIs(t, m.ToReadyToSend(), ErrOutOfOrder)

	require.NoError(t, m.ToReadyToReceive(b.LocalDescriptor()))
	require.NoError(t, m.ToReadyToSend())
	assert.ErrorIs(t, m.ToReadyToSend(), ErrOutOfOrder, "RTS is terminal")
	assert.ErrorIs(t, m.Establish(b.LocalDescriptor()), ErrOutOfOrder)
}

func TestIncompleteDescriptorRejectedBeforeRTR(t *testing.T) {
	_, a, b := newEndpoints(t)
	m, err := NewMachine(a.QueuePair(), DefaultParams())
	require.NoError(t, err)
	require.NoError(t, m.ToInit())

	remote := b.LocalDescriptor()
	remote.GID = types.GID{}
	err = m.ToReadyToReceive(remote)
	assert.ErrorIs(t, err, types.ErrTransition)
	assert.ErrorIs(t, err, types.ErrMissingAddress)
	assert.Equal(t, verbs.QPStateInit, m.State())
	_, ok := m.Remote()
	assert.False(t, ok)

	remote = b.LocalDescriptor()
	remote.QPN = 0
	assert.ErrorIs(t, m.ToReadyToReceive(remote), types.ErrMissingQPN)
}

func TestProviderRejectionWrapped(t *testing.T) {
	fabric, a, b := newEndpoints(t)
	boom := errors.New("firmware says no")
	fabric.InjectFault(sim.OpModifyQP, boom)

	m, err := NewMachine(a.QueuePair(), DefaultParams())
	require.NoError(t, err)
	err = m.Establish(b.LocalDescriptor())
	assert.ErrorIs(t, err, types.ErrTransition)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, verbs.QPStateReset, m.State())
}

func TestSourceGIDIndexNotPopulated(t *testing.T) {
	_, a, b := newEndpoints(t)
	p := DefaultParams()
	p.GIDIndex = 5

	m, err := NewMachine(a.QueuePair(), p)
	require.NoError(t, err)
	err = m.Establish(b.LocalDescriptor())
	assert.ErrorIs(t, err, types.ErrTransition)
	assert.ErrorIs(t, err, verbs.ErrInvalidRequest)
	assert.Equal(t, verbs.QPStateInit, m.State())
}

func TestStateFollowsQueuePairIntoError(t *testing.T) {
	_, a, b := newEndpoints(t)
	m, err := NewMachine(a.QueuePair(), DefaultParams())
	require.NoError(t, err)
	remote := b.LocalDescriptor()
	require.NoError(t, m.Establish(remote))
	peer, err := NewMachine(b.QueuePair(), DefaultParams())
	require.NoError(t, err)
	require.NoError(t, peer.Establish(a.LocalDescriptor()))

	sge, err := a.MemoryRegion().SGE(0, 8)
	require.NoError(t, err)
	require.NoError(t, a.QueuePair().PostSend(&verbs.SendWR{
		WRID:       1,
		Opcode:     verbs.OpRDMAWrite,
		SGList:     []verbs.SGE{sge},
		Flags:      verbs.SendSignaled,
		RemoteAddr: remote.Addr,
		RKey:       remote.RKey ^ 0xFF00,
	}))
	wcs, err := a.CompletionQueue().Poll(4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	require.Equal(t, verbs.WCRemAccessErr, wcs[0].Status)

	assert.Equal(t, verbs.QPStateError, m.State())
	assert.Equal(t, verbs.QPStateRTS, m.Applied())
}

func TestLocalRoutingOnInfiniBand(t *testing.T) {
	_, a, b := newEndpoints(t, sim.WithInfiniBand())
	p := DefaultParams()
	p.Global = false

	remote := b.LocalDescriptor()
	require.NotZero(t, remote.LID)
	m, err := NewMachine(a.QueuePair(), p)
	require.NoError(t, err)
	require.NoError(t, m.Establish(remote))
}

func TestNewMachineRequiresReset(t *testing.T) {
	_, a, b := newEndpoints(t)
	m, err := NewMachine(a.QueuePair(), DefaultParams())
	require.NoError(t, err)
	require.NoError(t, m.Establish(b.LocalDescriptor()))

	_, err = NewMachine(a.QueuePair(), DefaultParams())
	assert.ErrorIs(t, err, types.ErrTransition)
}

func TestTransitionMetrics(t *testing.T) {
	_, a, b := newEndpoints(t)
	c := metrics.New(nil)
	m, err := NewMachine(a.QueuePair(), DefaultParams(), WithMetrics(c))
	require.NoError(t, err)

	require.Error(t, m.ToReadyToSend())
	require.NoError(t, m.Establish(b.LocalDescriptor()))

	assert.Equal(t, float64(1), testutil.ToFloat64(c.Transitions.WithLabelValues("INIT", metrics.ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Transitions.WithLabelValues("RTR", metrics.ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Transitions.WithLabelValues("RTS", metrics.ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Transitions.WithLabelValues("RTS", metrics.ResultError)))
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	tests := map[string]func(*Params){
		"port zero":    func(p *Params) { p.Port = 0 },
		"bad mtu":      func(p *Params) { p.PathMTU = verbs.MTU(9) },
		"psn too wide": func(p *Params) { p.SQPSN = 1 << 24 },
		"rnr timer":    func(p *Params) { p.MinRNRTimer = 32 },
		"timeout":      func(p *Params) { p.Timeout = 32 },
		"retry count":  func(p *Params) { p.RetryCount = 8 },
		"rnr retry":    func(p *Params) { p.RNRRetry = 8 },
		"no hop limit": func(p *Params) { p.HopLimit = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := DefaultParams()
			mutate(&p)
			assert.Error(t, p.Validate())

			_, err := NewMachine(nil, p)
			assert.ErrorIs(t, err, types.ErrTransition)
		})
	}
}
