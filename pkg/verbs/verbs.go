// Package verbs defines the provider abstraction between rdma-write and the
// RDMA hardware. The interfaces mirror the libibverbs object model closely
// enough that a cgo backend is a thin shim, while letting the software fabric
// in package sim stand in for hardware in tests and the loopback command.
//
// Build Tags:
//   - Default: only providers registered by the caller (e.g. sim) are available.
//   - rdma_hw: registers the "ibverbs" provider backed by libibverbs.
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package verbs

import (
	"errors"
	"fmt"
)

// Provider errors.
var (
	ErrDeviceNotFound     = errors.New("RDMA device not found")
	ErrNoDevices          = errors.New("no RDMA devices available")
	ErrInvalidTransition  = errors.New("invalid queue pair state transition")
	ErrInvalidAttrMask    = errors.New("attribute mask does not match transition")
	ErrInvalidState       = errors.New("queue pair is not in a state that accepts this request")
	ErrQueueFull          = errors.New("send queue is full")
	ErrInvalidRequest     = errors.New("invalid work request")
	ErrClosed             = errors.New("object already destroyed")
	ErrBusy               = errors.New("resource still referenced by dependent objects")
	ErrProviderNotFound   = errors.New("verbs provider not registered")
	ErrProviderNotBuiltIn = errors.New("verbs provider requires building with -tags rdma_hw")
)

// Provider enumerates and opens devices of one backend.
type Provider interface {
	Name() string
	Devices() ([]DeviceInfo, error)
	Open(device string) (Context, error)
}

// DeviceInfo identifies a device a Provider can open.
type DeviceInfo struct {
	Name     string
	GUID     uint64
	NumPorts int
}

// Context is an opened device.
type Context interface {
	DeviceName() string
	QueryPort(port int) (PortAttr, error)
	QueryGID(port, index int) ([16]byte, error)
	AllocPD() (ProtectionDomain, error)
	CreateCQ(depth int) (CompletionQueue, error)
	Close() error
}

// ProtectionDomain scopes memory regions and queue pairs.
type ProtectionDomain interface {
	RegisterMemory(buf []byte, access AccessFlags) (MemoryRegistration, error)
	CreateQP(attr QPInitAttr) (QueuePair, error)
	Close() error
}

// MemoryRegistration is a registered buffer.
type MemoryRegistration interface {
	Addr() uint64
	Len() int
	LKey() uint32
	RKey() uint32
	Access() AccessFlags
	Deregister() error
}

// CompletionQueue collects work completions.
type CompletionQueue interface {
	Depth() int
	// Poll removes and returns up to max completions without blocking.
	Poll(max int) ([]WorkCompletion, error)
	// Events is signalled (best effort, coalesced) whenever a completion is
	// enqueued. Poll must still be called to retrieve it.
	Events() <-chan struct{}
	Destroy() error
}

// QueuePair is a connection endpoint.
type QueuePair interface {
	Number() uint32
	State() QPState
	Cap() QPCap
	Modify(attr *QPAttr, mask AttrMask) error
	PostSend(wr *SendWR) error
	Destroy() error
}

// PortState mirrors enum ibv_port_state.
type PortState int

const (
	PortNop PortState = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortNop:
		return "NOP"
	case PortDown:
		return "DOWN"
	case PortInit:
		return "INIT"
	case PortArmed:
		return "ARMED"
	case PortActive:
		return "ACTIVE"
	case PortActiveDefer:
		return "ACTIVE_DEFER"
	default:
		return fmt.Sprintf("PortState(%d)", int(s))
	}
}

// Link layers reported by QueryPort.
const (
	LinkLayerInfiniBand = "InfiniBand"
	LinkLayerEthernet   = "Ethernet"
)

// PortAttr is the subset of ibv_port_attr needed to build a descriptor.
type PortAttr struct {
	State     PortState
	LID       uint16
	ActiveMTU MTU
	MaxMTU    MTU
	LinkLayer string
	GIDTblLen int
}

// QPType mirrors enum ibv_qp_type for the types we create.
type QPType int

const (
	QPTypeRC QPType = iota + 2 // Reliable Connection, IBV_QPT_RC
	QPTypeUC                   // Unreliable Connection
)

// QPCap holds queue pair capacity limits.
type QPCap struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
}

// QPInitAttr is passed to CreateQP.
type QPInitAttr struct {
	SendCQ CompletionQueue
	RecvCQ CompletionQueue
	Cap    QPCap
	Type   QPType
}

// QPState mirrors enum ibv_qp_state.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateError
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateError:
		return "ERROR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// MTU mirrors enum ibv_mtu.
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU in bytes, or 0 if invalid.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}
	return 128 << int(m)
}

// Valid reports whether m is one of the defined path MTUs.
func (m MTU) Valid() bool { return m.Bytes() != 0 }

func (m MTU) String() string {
	if !m.Valid() {
		return fmt.Sprintf("MTU(%d)", int(m))
	}
	return fmt.Sprintf("%d", m.Bytes())
}

// MTUFromBytes converts 256, 512, 1024, 2048 or 4096 to an MTU.
func MTUFromBytes(n int) (MTU, error) {
	for m := MTU256; m <= MTU4096; m++ {
		if m.Bytes() == n {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid path MTU %d: must be 256, 512, 1024, 2048 or 4096", n)
}

// AccessFlags mirrors enum ibv_access_flags.
type AccessFlags int

const (
	AccessLocalWrite   AccessFlags = 1 << 0
	AccessRemoteWrite  AccessFlags = 1 << 1
	AccessRemoteRead   AccessFlags = 1 << 2
	AccessRemoteAtomic AccessFlags = 1 << 3
)

// Has reports whether all bits of f are set.
func (a AccessFlags) Has(f AccessFlags) bool { return a&f == f }

// AttrMask mirrors enum ibv_qp_attr_mask.
type AttrMask int

const (
	AttrState            AttrMask = 1 << 0
	AttrCurState         AttrMask = 1 << 1
	AttrEnSQDAsyncNotify AttrMask = 1 << 2
	AttrAccessFlags      AttrMask = 1 << 3
	AttrPKeyIndex        AttrMask = 1 << 4
	AttrPort             AttrMask = 1 << 5
	AttrQKey             AttrMask = 1 << 6
	AttrAV               AttrMask = 1 << 7
	AttrPathMTU          AttrMask = 1 << 8
	AttrTimeout          AttrMask = 1 << 9
	AttrRetryCnt         AttrMask = 1 << 10
	AttrRNRRetry         AttrMask = 1 << 11
	AttrRQPSN            AttrMask = 1 << 12
	AttrMaxQPRdAtomic    AttrMask = 1 << 13
	AttrAltPath          AttrMask = 1 << 14
	AttrMinRNRTimer      AttrMask = 1 << 15
	AttrSQPSN            AttrMask = 1 << 16
	AttrMaxDestRdAtomic  AttrMask = 1 << 17
	AttrPathMigState     AttrMask = 1 << 18
	AttrCap              AttrMask = 1 << 19
	AttrDestQPN          AttrMask = 1 << 20
)

// Required attribute masks for each RC transition.
const (
	MaskResetToInit = AttrState | AttrPKeyIndex | AttrPort | AttrAccessFlags
	MaskInitToRTR   = AttrState | AttrAV | AttrPathMTU | AttrDestQPN | AttrRQPSN |
		AttrMaxDestRdAtomic | AttrMinRNRTimer
	MaskRTRToRTS = AttrState | AttrTimeout | AttrRetryCnt | AttrRNRRetry | AttrSQPSN |
		AttrMaxQPRdAtomic
)

// AHAttr is the address handle (path) used by INIT to RTR.
type AHAttr struct {
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	PortNum     uint8
	IsGlobal    bool
	GRH         GlobalRoute
}

// GlobalRoute is the GRH portion of an address handle.
type GlobalRoute struct {
	DGID         [16]byte
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// QPAttr mirrors the fields of struct ibv_qp_attr used by RC setup.
type QPAttr struct {
	State           QPState
	PKeyIndex       uint16
	PortNum         uint8
	AccessFlags     AccessFlags
	PathMTU         MTU
	DestQPN         uint32
	RQPSN           uint32
	SQPSN           uint32
	MaxDestRdAtomic uint8
	MaxRdAtomic     uint8
	MinRNRTimer     uint8
	Timeout         uint8
	RetryCnt        uint8
	RNRRetry        uint8
	AH              AHAttr
}

// Opcode mirrors enum ibv_wr_opcode.
type Opcode int

const (
	OpRDMAWrite Opcode = iota
	OpRDMAWriteWithImm
	OpSend
	OpSendWithImm
	OpRDMARead
)

func (o Opcode) String() string {
	switch o {
	case OpRDMAWrite:
		return "RDMA_WRITE"
	case OpRDMAWriteWithImm:
		return "RDMA_WRITE_WITH_IMM"
	case OpSend:
		return "SEND"
	case OpSendWithImm:
		return "SEND_WITH_IMM"
	case OpRDMARead:
		return "RDMA_READ"
	default:
		return fmt.Sprintf("Opcode(%d)", int(o))
	}
}

// SendFlags mirrors enum ibv_send_flags.
type SendFlags int

const (
	SendFence     SendFlags = 1 << 0
	SendSignaled  SendFlags = 1 << 1
	SendSolicited SendFlags = 1 << 2
	SendInline    SendFlags = 1 << 3
)

// SGE is a scatter/gather entry.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendWR is a send-queue work request.
type SendWR struct {
	WRID       uint64
	Opcode     Opcode
	SGList     []SGE
	Flags      SendFlags
	RemoteAddr uint64
	RKey       uint32
}

// Length returns the total payload length of the request.
func (wr *SendWR) Length() uint64 {
	var n uint64
	for _, s := range wr.SGList {
		n += uint64(s.Length)
	}
	return n
}

// WCStatus mirrors enum ibv_wc_status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocLenErr
	WCLocQPOpErr
	WCLocEECOpErr
	WCLocProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocAccessErr
	WCRemInvReqErr
	WCRemAccessErr
	WCRemOpErr
	WCRetryExcErr
	WCRNRRetryExcErr
	WCLocRDDViolErr
	WCRemInvRDReqErr
	WCRemAbortErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = [...]string{
	"SUCCESS",
	"LOC_LEN_ERR",
	"LOC_QP_OP_ERR",
	"LOC_EEC_OP_ERR",
	"LOC_PROT_ERR",
	"WR_FLUSH_ERR",
	"MW_BIND_ERR",
	"BAD_RESP_ERR",
	"LOC_ACCESS_ERR",
	"REM_INV_REQ_ERR",
	"REM_ACCESS_ERR",
	"REM_OP_ERR",
	"RETRY_EXC_ERR",
	"RNR_RETRY_EXC_ERR",
	"LOC_RDD_VIOL_ERR",
	"REM_INV_RD_REQ_ERR",
	"REM_ABORT_ERR",
	"INV_EECN_ERR",
	"INV_EEC_STATE_ERR",
	"FATAL_ERR",
	"RESP_TIMEOUT_ERR",
	"GENERAL_ERR",
}

func (s WCStatus) String() string {
	if s >= 0 && int(s) < len(wcStatusNames) {
		return wcStatusNames[s]
	}
	return fmt.Sprintf("WCStatus(%d)", int(s))
}

// Code returns the numeric ibv_wc_status value.
func (s WCStatus) Code() int { return int(s) }

// WCOpcode mirrors enum ibv_wc_opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpLocalInv
	WCOpRecv WCOpcode = 128
)

// WorkCompletion is one entry retrieved from a completion queue.
type WorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	QPN       uint32
}

// OK reports whether the completion succeeded.
func (wc WorkCompletion) OK() bool { return wc.Status == WCSuccess }
