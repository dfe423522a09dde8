// Package endpoint owns every hardware resource one side of a connection
// needs: device context, protection domain, registered buffer, completion
// queue and reliable-connection queue pair.
//
// Resources are acquired in the order device -> PD -> buffer -> MR -> CQ -> QP
// by Initialize and released by Close in the order QP, CQ, MR, PD, buffer,
// device context. A failing Initialize releases whatever it acquired before
// returning, so callers only ever need a deferred Close.
package endpoint

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// Resource names, as reported by Released.
const (
	ResourceQueuePair        = "queue pair"
	ResourceCompletionQueue  = "completion queue"
	ResourceMemoryRegion     = "memory region"
	ResourceProtectionDomain = "protection domain"
	ResourceBuffer           = "buffer"
	ResourceDeviceContext    = "device context"
)

// RegionAccess is the permission set the buffer is registered with.
const RegionAccess = verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead

// Options controls resource creation.
type Options struct {
	// DeviceName selects a device; empty picks the first with an active port.
	DeviceName string
	// Port is the 1-based device port used for the connection.
	Port int
	// GIDIndex selects the local GID advertised to the peer.
	GIDIndex int
	// BufferSize is the size of the registered buffer in bytes.
	BufferSize int
	// CQDepth bounds the completion queue.
	CQDepth int
	// Cap bounds the queue pair's send and receive queues.
	Cap verbs.QPCap
}

// DefaultOptions matches a Soft-RoCE setup: port 1, GID index 1, a 1 KiB
// buffer, a 16-entry CQ and ten outstanding requests per direction.
func DefaultOptions() Options {
	return Options{
		Port:       1,
		GIDIndex:   1,
		BufferSize: 1024,
		CQDepth:    16,
		Cap: verbs.QPCap{
			MaxSendWR:  10,
			MaxRecvWR:  10,
			MaxSendSGE: 1,
			MaxRecvSGE: 1,
		},
	}
}

// Endpoint is one side of an RDMA connection.
type Endpoint struct {
	provider verbs.Provider
	opts     Options

	ctx    verbs.Context
	pd     verbs.ProtectionDomain
	buf    []byte
	region *MemoryRegion
	cq     verbs.CompletionQueue
	qp     verbs.QueuePair

	port verbs.PortAttr
	gid  types.GID

	released []string
}

// New returns an endpoint that will allocate from provider. No resources are
// acquired until Initialize.
func New(provider verbs.Provider, opts Options) *Endpoint {
	return &Endpoint{provider: provider, opts: opts}
}

// Initialize acquires all resources. On failure everything acquired so far
// is released and the error wraps types.ErrResourceAllocation.
func (e *Endpoint) Initialize() (err error) {
	if e.ctx != nil {
		return fmt.Errorf("%w: endpoint already initialized", types.ErrResourceAllocation)
	}
	defer func() {
		if err == nil {
			return
		}
		if cerr := e.Close(); cerr != nil {
			log.Warnf("release after failed initialization: %v", cerr)
		}
	}()

	if e.ctx, err = e.openDevice(); err != nil {
		return e.allocErr("open device", err)
	}
	dev := e.ctx.DeviceName()
	log.Infof("opened RDMA device %s (provider %s)", dev, e.provider.Name())

	if e.pd, err = e.ctx.AllocPD(); err != nil {
		return e.allocErr("allocate protection domain", err)
	}
	log.Debugf("allocated protection domain on %s", dev)

	reg, err := e.registerBuffer()
	if err != nil {
		return err
	}
	e.region = &MemoryRegion{buf: e.buf, reg: reg}
	log.Debugf("registered %d bytes at 0x%x (lkey 0x%x, rkey 0x%x)", reg.Len(), reg.Addr(), reg.LKey(), reg.RKey())

	if e.cq, err = e.ctx.CreateCQ(e.opts.CQDepth); err != nil {
		return e.allocErr("create completion queue", err)
	}
	log.Debugf("created completion queue with depth %d", e.opts.CQDepth)

	if e.qp, err = e.pd.CreateQP(verbs.QPInitAttr{
		SendCQ: e.cq,
		RecvCQ: e.cq,
		Cap:    e.opts.Cap,
		Type:   verbs.QPTypeRC,
	}); err != nil {
		return e.allocErr("create queue pair", err)
	}
	log.Infof("created RC queue pair %d", e.qp.Number())

	if e.port, err = e.ctx.QueryPort(e.opts.Port); err != nil {
		return e.allocErr(fmt.Sprintf("query port %d", e.opts.Port), err)
	}
	gid, err := e.ctx.QueryGID(e.opts.Port, e.opts.GIDIndex)
	if err != nil {
		return e.allocErr(fmt.Sprintf("query GID index %d", e.opts.GIDIndex), err)
	}
	e.gid = gid
	return nil
}

// registerBuffer maps the data buffer and registers it with the protection
// domain as one step. The buffer only becomes an acquired resource once
// registration succeeds; a failed registration unmaps it here.
func (e *Endpoint) registerBuffer() (verbs.MemoryRegistration, error) {
	buf, err := allocBuffer(e.opts.BufferSize)
	if err != nil {
		return nil, e.allocErr("allocate buffer", err)
	}
	clear(buf)

	reg, err := e.pd.RegisterMemory(buf, RegionAccess)
	if err != nil {
		if ferr := freeBuffer(buf); ferr != nil {
			log.Warnf("free unregistered buffer: %v", ferr)
		}
		return nil, e.allocErr("register memory", err)
	}
	e.buf = buf
	return reg, nil
}

func (e *Endpoint) allocErr(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrResourceAllocation, step, err)
}

// openDevice opens the configured device, or the first device whose port is
// active, falling back to the first device listed.
func (e *Endpoint) openDevice() (verbs.Context, error) {
	devices, err := e.provider.Devices()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, verbs.ErrNoDevices
	}

	if e.opts.DeviceName != "" {
		for _, d := range devices {
			if d.Name == e.opts.DeviceName {
				return e.provider.Open(d.Name)
			}
		}
		return nil, fmt.Errorf("%w: %s", verbs.ErrDeviceNotFound, e.opts.DeviceName)
	}

	for _, d := range devices {
		ctx, err := e.provider.Open(d.Name)
		if err != nil {
			log.Debugf("skipping device %s: %v", d.Name, err)
			continue
		}
		attr, err := ctx.QueryPort(e.opts.Port)
		if err == nil && attr.State == verbs.PortActive {
			return ctx, nil
		}
		log.Debugf("skipping device %s: port %d not active", d.Name, e.opts.Port)
		if cerr := ctx.Close(); cerr != nil {
			log.Warnf("close device %s: %v", d.Name, cerr)
		}
	}

	log.Warnf("no device has an active port %d, using %s", e.opts.Port, devices[0].Name)
	return e.provider.Open(devices[0].Name)
}

// LocalDescriptor returns what the peer needs to connect to this endpoint
// and to write into its buffer.
func (e *Endpoint) LocalDescriptor() types.EndpointDescriptor {
	d := types.EndpointDescriptor{
		LID: e.port.LID,
		GID: e.gid,
	}
	if e.qp != nil {
		d.QPN = e.qp.Number()
	}
	if e.region != nil {
		d.Addr = e.region.Addr()
		d.RKey = e.region.RKey()
	}
	return d
}

// Close releases every acquired resource in the order QP, CQ, MR, PD,
// buffer, device context. It is safe to call more than once. Failures do not
// stop the remaining releases; they are joined into the returned error.
func (e *Endpoint) Close() error {
	var errs []error

	release := func(name string, fn func() error) {
		if err := fn(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", name, err))
			return
		}
		e.released = append(e.released, name)
		log.Debugf("released %s", name)
	}

	if e.qp != nil {
		release(ResourceQueuePair, e.qp.Destroy)
		e.qp = nil
	}
	if e.cq != nil {
		release(ResourceCompletionQueue, e.cq.Destroy)
		e.cq = nil
	}
	if e.region != nil {
		release(ResourceMemoryRegion, e.region.reg.Deregister)
		e.region = nil
	}
	if e.pd != nil {
		release(ResourceProtectionDomain, e.pd.Close)
		e.pd = nil
	}
	if e.buf != nil {
		buf := e.buf
		release(ResourceBuffer, func() error { return freeBuffer(buf) })
		e.buf = nil
	}
	if e.ctx != nil {
		release(ResourceDeviceContext, e.ctx.Close)
		e.ctx = nil
	}

	return errors.Join(errs...)
}

// Released lists released resources in release order.
func (e *Endpoint) Released() []string {
	out := make([]string, len(e.released))
	copy(out, e.released)
	return out
}

// MemoryRegion returns the registered buffer, or nil before Initialize.
func (e *Endpoint) MemoryRegion() *MemoryRegion { return e.region }

// Buffer returns the registered buffer's bytes.
func (e *Endpoint) Buffer() []byte {
	if e.region == nil {
		return nil
	}
	return e.region.Bytes()
}

// QueuePair returns the endpoint's queue pair.
func (e *Endpoint) QueuePair() verbs.QueuePair { return e.qp }

// CompletionQueue returns the endpoint's completion queue.
func (e *Endpoint) CompletionQueue() verbs.CompletionQueue { return e.cq }

// Port returns the attributes of the connection port as queried at setup.
func (e *Endpoint) Port() verbs.PortAttr { return e.port }

// PortNum returns the configured port number.
func (e *Endpoint) PortNum() int { return e.opts.Port }

// GIDIndex returns the configured local GID index.
func (e *Endpoint) GIDIndex() int { return e.opts.GIDIndex }

// DeviceName returns the opened device's name, or "" before Initialize.
func (e *Endpoint) DeviceName() string {
	if e.ctx == nil {
		return ""
	}
	return e.ctx.DeviceName()
}
