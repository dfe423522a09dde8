package connection

import (
	"fmt"

	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// Params are the per-connection tunables applied during the transitions.
// Both peers must agree on PathMTU and on the PSNs: one side's SQPSN is the
// other side's RQPSN.
type Params struct {
	// Port is the local device port the queue pair binds to.
	Port uint8
	// PKeyIndex selects the partition key.
	PKeyIndex uint16
	// GIDIndex is the local (source) GID table index for the GRH.
	GIDIndex uint8
	// Global requests a global route header; required on RoCE.
	Global bool
	// HopLimit and ServiceLevel fill the address handle.
	HopLimit     uint8
	ServiceLevel uint8
	// PathMTU is the negotiated path MTU.
	PathMTU verbs.MTU
	// RQPSN is the first PSN expected from the peer.
	RQPSN uint32
	// SQPSN is the first PSN sent to the peer.
	SQPSN uint32
	// MaxDestRdAtomic bounds incoming RDMA read/atomic operations.
	MaxDestRdAtomic uint8
	// MinRNRTimer is the receiver-not-ready NAK timer code (0-31).
	MinRNRTimer uint8
	// Timeout is the local ACK timeout exponent (0-31, 4.096us * 2^n).
	Timeout uint8
	// RetryCount bounds retransmissions of unacknowledged packets (0-7).
	RetryCount uint8
	// RNRRetry bounds retries on receiver-not-ready (0-7, 7 is infinite).
	RNRRetry uint8
	// MaxRdAtomic bounds outstanding local RDMA read/atomic operations.
	MaxRdAtomic uint8
	// Access is granted to the peer at INIT.
	Access verbs.AccessFlags
}

// DefaultParams returns the values used by the reference Soft-RoCE setup.
func DefaultParams() Params {
	return Params{
		Port:            1,
		PKeyIndex:       0,
		GIDIndex:        1,
		Global:          true,
		HopLimit:        1,
		ServiceLevel:    0,
		PathMTU:         verbs.MTU1024,
		RQPSN:           0,
		SQPSN:           0,
		MaxDestRdAtomic: 1,
		MinRNRTimer:     12,
		Timeout:         14,
		RetryCount:      7,
		RNRRetry:        7,
		MaxRdAtomic:     1,
		Access:          verbs.AccessLocalWrite | verbs.AccessRemoteRead | verbs.AccessRemoteWrite,
	}
}

// Validate rejects values the fabric would refuse.
func (p Params) Validate() error {
	switch {
	case p.Port == 0:
		return fmt.Errorf("port must be 1 or greater")
	case !p.PathMTU.Valid():
		return fmt.Errorf("invalid path MTU %v", p.PathMTU)
	case p.RQPSN > 0xFFFFFF || p.SQPSN > 0xFFFFFF:
		return fmt.Errorf("PSNs are 24-bit, got rq %d sq %d", p.RQPSN, p.SQPSN)
	case p.MinRNRTimer > 31:
		return fmt.Errorf("min RNR timer %d exceeds 31", p.MinRNRTimer)
	case p.Timeout > 31:
		return fmt.Errorf("timeout %d exceeds 31", p.Timeout)
	case p.RetryCount > 7:
		return fmt.Errorf("retry count %d exceeds 7", p.RetryCount)
	case p.RNRRetry > 7:
		return fmt.Errorf("RNR retry %d exceeds 7", p.RNRRetry)
	case p.Global && p.HopLimit == 0:
		return fmt.Errorf("hop limit must be non-zero for global routing")
	}
	return nil
}
