// Package sim provides an in-process software RDMA fabric implementing the
// verbs provider interfaces.
//
// Unlike a stub, the fabric enforces the rules real hardware enforces for a
// reliable connection: legal queue pair transitions with the exact attribute
// masks, posting only in RTS, send queue capacity, protection domain scoping,
// lkey/rkey and range checks, packet sequence numbers, path MTU and the peer
// queue pair pointing back at the sender. A successful RDMA WRITE copies the
// bytes into the peer's registered buffer; a failed one produces a work
// completion with the status hardware would report and moves the sender's
// queue pair to the error state.
//
// Every Provider created from one Fabric can reach the others, the way two
// Soft-RoCE devices on the same L2 segment can.
package sim

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// ProviderName is reported by Provider.Name.
const ProviderName = "sim"

// Op names a fabric operation for fault injection.
type Op string

const (
	OpOpenDevice Op = "open_device"
	OpAllocPD    Op = "alloc_pd"
	OpRegMR      Op = "reg_mr"
	OpCreateCQ   Op = "create_cq"
	OpCreateQP   Op = "create_qp"
	OpModifyQP   Op = "modify_qp"
	OpPostSend   Op = "post_send"
)

// psnMask keeps packet sequence numbers within 24 bits.
const psnMask = 0xFFFFFF

// Fabric is a shared software switch connecting simulated devices.
type Fabric struct {
	mu sync.Mutex

	devices map[string]*device
	byGID   map[[16]byte]*device
	byLID   map[uint16]*device

	linkLayer string
	latency   time.Duration
	faults    map[Op]error

	nextDevice int
	nextQPN    uint32
	nextKey    uint32

	stats Stats
}

// Stats reports live object counts and lifetime data-path totals.
type Stats struct {
	Contexts     int
	PDs          int
	MRs          int
	CQs          int
	QPs          int
	Writes       int64
	FailedWrites int64
	BytesWritten int64
}

// Live returns the number of objects that have not been released.
func (s Stats) Live() int {
	return s.Contexts + s.PDs + s.MRs + s.CQs + s.QPs
}

// Option configures a Fabric.
type Option func(*Fabric)

// WithFault makes every call of op fail with err until cleared.
func WithFault(op Op, err error) Option {
	return func(f *Fabric) {
		f.faults[op] = err
	}
}

// WithCompletionLatency delays delivery of work completions, so callers
// observe an empty completion queue for at least d after posting.
func WithCompletionLatency(d time.Duration) Option {
	return func(f *Fabric) {
		f.latency = d
	}
}

// WithInfiniBand makes ports report an InfiniBand link layer with LIDs, so
// queue pairs may connect without a global route header.
func WithInfiniBand() Option {
	return func(f *Fabric) {
		f.linkLayer = verbs.LinkLayerInfiniBand
	}
}

// NewFabric creates an empty fabric.
func NewFabric(opts ...Option) *Fabric {
	f := &Fabric{
		devices:   make(map[string]*device),
		byGID:     make(map[[16]byte]*device),
		byLID:     make(map[uint16]*device),
		faults:    make(map[Op]error),
		linkLayer: verbs.LinkLayerEthernet,
		nextQPN:   0x11,
		nextKey:   0x1000,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// InjectFault makes op fail with err until ClearFault is called.
func (f *Fabric) InjectFault(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = err
}

// ClearFault removes a fault injected for op.
func (f *Fabric) ClearFault(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, op)
}

// Stats returns a snapshot of the fabric counters.
func (f *Fabric) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// SetPortState changes the state port 1 of the named device reports.
func (f *Fabric) SetPortState(name string, state verbs.PortState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[name]
	if !ok {
		return fmt.Errorf("%w: %s", verbs.ErrDeviceNotFound, name)
	}
	dev.portState = state
	return nil
}

// NewProvider attaches devices to the fabric and returns a provider that
// enumerates them. With no names a single device "rxe<N>" is created.
func (f *Fabric) NewProvider(names ...string) *Provider {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(names) == 0 {
		names = []string{fmt.Sprintf("rxe%d", f.nextDevice)}
	}

	p := &Provider{fabric: f}
	for _, name := range names {
		dev, ok := f.devices[name]
		if !ok {
			dev = f.addDeviceLocked(name)
		}
		p.devices = append(p.devices, dev)
	}
	return p
}

func (f *Fabric) addDeviceLocked(name string) *device {
	f.nextDevice++
	n := f.nextDevice

	dev := &device{
		name:      name,
		guid:      0x0200_5eff_fe00_0000 | uint64(n),
		portState: verbs.PortActive,
		qps:       make(map[uint32]*queuePair),
		lkeys:     make(map[uint32]*memoryRegion),
		rkeys:     make(map[uint32]*memoryRegion),
	}

	// Index 0 is the link-local GID derived from the GUID, index 1 the
	// IPv4-mapped RoCE v2 GID, mirroring what rxe populates.
	dev.gids[0] = types.GIDFromParts(0xfe80_0000_0000_0000, dev.guid)
	dev.gids[1] = types.GIDFromParts(0, 0x0000_ffff_0a00_0000|uint64(n))

	if f.linkLayer == verbs.LinkLayerInfiniBand {
		dev.lid = uint16(n)
		f.byLID[dev.lid] = dev
	}
	for _, g := range dev.gids {
		f.byGID[g] = dev
	}
	f.devices[name] = dev

	log.WithFields(log.Fields{"device": name, "gid": dev.gids[1].String()}).Debug("sim: device attached")
	return dev
}

func (f *Fabric) faultLocked(op Op) error {
	if err, ok := f.faults[op]; ok {
		return fmt.Errorf("sim: injected %s fault: %w", op, err)
	}
	return nil
}

// device is one simulated HCA with a single port.
type device struct {
	name      string
	guid      uint64
	lid       uint16
	gids      [2]types.GID
	portState verbs.PortState

	qps   map[uint32]*queuePair
	lkeys map[uint32]*memoryRegion
	rkeys map[uint32]*memoryRegion
}

func (d *device) hasGID(g [16]byte) bool {
	for _, own := range d.gids {
		if own == g {
			return true
		}
	}
	return false
}

// Provider exposes a set of fabric devices through verbs.Provider.
type Provider struct {
	fabric  *Fabric
	devices []*device
}

var _ verbs.Provider = (*Provider)(nil)

// Fabric returns the fabric the provider is attached to.
func (p *Provider) Fabric() *Fabric { return p.fabric }

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Devices() ([]verbs.DeviceInfo, error) {
	if len(p.devices) == 0 {
		return nil, verbs.ErrNoDevices
	}
	out := make([]verbs.DeviceInfo, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, verbs.DeviceInfo{Name: d.name, GUID: d.guid, NumPorts: 1})
	}
	return out, nil
}

func (p *Provider) Open(name string) (verbs.Context, error) {
	f := p.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.faultLocked(OpOpenDevice); err != nil {
		return nil, err
	}
	for _, d := range p.devices {
		if d.name == name {
			f.stats.Contexts++
			return &deviceContext{fabric: f, dev: d}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", verbs.ErrDeviceNotFound, name)
}
