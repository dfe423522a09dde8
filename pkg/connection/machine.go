// Package connection drives a reliable-connection queue pair through
// RESET -> INIT -> RTR -> RTS.
//
// Each transition carries only the attributes legal for it. INIT needs no
// peer information; RTR needs the peer's descriptor; RTS needs only local
// send-side tunables. There is no handshake at the fabric level: both sides
// must complete all three transitions with each other's descriptor before a
// one-sided write can succeed, and a descriptor with a wrong field only shows
// up as a failed completion later. For that reason the machine validates the
// descriptor before RTR and refuses any transition attempted out of order.
package connection

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/rdma-write/pkg/metrics"
	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// ErrOutOfOrder is wrapped when a transition is attempted from the wrong state.
var ErrOutOfOrder = errors.New("transition attempted out of order")

// Machine applies the RC state transitions to one queue pair.
type Machine struct {
	qp      verbs.QueuePair
	params  Params
	state   verbs.QPState
	remote  *types.EndpointDescriptor
	metrics *metrics.Collector
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics records transitions in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Machine) {
		m.metrics = c
	}
}

// NewMachine wraps qp, which must be in RESET.
func NewMachine(qp verbs.QueuePair, params Params, opts ...Option) (*Machine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid parameters: %w", types.ErrTransition, err)
	}
	if s := qp.State(); s != verbs.QPStateReset {
		return nil, fmt.Errorf("%w: queue pair %d is %s, expected RESET", types.ErrTransition, qp.Number(), s)
	}
	m := &Machine{qp: qp, params: params, state: verbs.QPStateReset}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// State returns the queue pair's current state as the provider reports it.
// After a failed completion that is ERROR even though the last transition
// applied here was RTS; see Applied.
func (m *Machine) State() verbs.QPState { return m.qp.State() }

// Applied returns the last state this machine successfully applied.
func (m *Machine) Applied() verbs.QPState { return m.state }

// Params returns the tunables in use.
func (m *Machine) Params() Params { return m.params }

// Remote returns the peer descriptor applied at RTR.
func (m *Machine) Remote() (types.EndpointDescriptor, bool) {
	if m.remote == nil {
		return types.EndpointDescriptor{}, false
	}
	return *m.remote, true
}

// ToInit binds the queue pair to its port and grants local write, remote
// read and remote write access.
func (m *Machine) ToInit() error {
	if err := m.expect(verbs.QPStateReset, verbs.QPStateInit); err != nil {
		return err
	}
	attr := &verbs.QPAttr{
		State:       verbs.QPStateInit,
		PKeyIndex:   m.params.PKeyIndex,
		PortNum:     m.params.Port,
		AccessFlags: m.params.Access,
	}
	return m.modify(attr, verbs.MaskResetToInit)
}

// ToReadyToReceive points the queue pair at the peer described by remote.
func (m *Machine) ToReadyToReceive(remote types.EndpointDescriptor) error {
	if err := m.expect(verbs.QPStateInit, verbs.QPStateRTR); err != nil {
		return err
	}
	if err := remote.Validate(m.params.Global); err != nil {
		return fmt.Errorf("%w: incomplete peer descriptor: %w", types.ErrTransition, err)
	}

	attr := &verbs.QPAttr{
		State:           verbs.QPStateRTR,
		PathMTU:         m.params.PathMTU,
		DestQPN:         remote.QPN,
		RQPSN:           m.params.RQPSN,
		MaxDestRdAtomic: m.params.MaxDestRdAtomic,
		MinRNRTimer:     m.params.MinRNRTimer,
		AH: verbs.AHAttr{
			DLID:     remote.LID,
			SL:       m.params.ServiceLevel,
			PortNum:  m.params.Port,
			IsGlobal: m.params.Global,
		},
	}
	if m.params.Global {
		attr.AH.GRH = verbs.GlobalRoute{
			DGID:      remote.GID,
			SGIDIndex: m.params.GIDIndex,
			HopLimit:  m.params.HopLimit,
		}
	}
	if err := m.modify(attr, verbs.MaskInitToRTR); err != nil {
		return err
	}
	r := remote
	m.remote = &r
	return nil
}

// ToReadyToSend enables the send queue.
func (m *Machine) ToReadyToSend() error {
	if err := m.expect(verbs.QPStateRTR, verbs.QPStateRTS); err != nil {
		return err
	}
	attr := &verbs.QPAttr{
		State:       verbs.QPStateRTS,
		Timeout:     m.params.Timeout,
		RetryCnt:    m.params.RetryCount,
		RNRRetry:    m.params.RNRRetry,
		SQPSN:       m.params.SQPSN,
		MaxRdAtomic: m.params.MaxRdAtomic,
	}
	return m.modify(attr, verbs.MaskRTRToRTS)
}

// Establish runs whichever of the three transitions have not been applied
// yet, in order.
func (m *Machine) Establish(remote types.EndpointDescriptor) error {
	if m.state == verbs.QPStateReset {
		if err := m.ToInit(); err != nil {
			return err
		}
	}
	if m.state == verbs.QPStateInit {
		if err := m.ToReadyToReceive(remote); err != nil {
			return err
		}
	}
	return m.ToReadyToSend()
}

func (m *Machine) expect(from, to verbs.QPState) error {
	if m.state != from {
		m.metrics.ObserveTransition(to.String(), false)
		return fmt.Errorf("%w: %w: %s -> %s requires %s",
			types.ErrTransition, ErrOutOfOrder, m.state, to, from)
	}
	return nil
}

func (m *Machine) modify(attr *verbs.QPAttr, mask verbs.AttrMask) error {
	if err := m.qp.Modify(attr, mask); err != nil {
		m.metrics.ObserveTransition(attr.State.String(), false)
		return fmt.Errorf("%w: modify QP %d to %s: %w", types.ErrTransition, m.qp.Number(), attr.State, err)
	}
	log.WithFields(log.Fields{"qpn": m.qp.Number(), "from": m.state, "to": attr.State}).Info("queue pair transitioned")
	m.state = attr.State
	m.metrics.ObserveTransition(attr.State.String(), true)
	return nil
}
