package sim

import (
	"fmt"
	"io"
	"unsafe"

	"github.com/Nativu5/rdma-write/pkg/verbs"
)

type deviceContext struct {
	fabric *Fabric
	dev    *device
	pds    int
	cqs    int
	closed bool
}

var _ verbs.Context = (*deviceContext)(nil)

func (c *deviceContext) DeviceName() string { return c.dev.name }

func (c *deviceContext) QueryPort(port int) (verbs.PortAttr, error) {
	c.fabric.mu.Lock()
	defer c.fabric.mu.Unlock()

	if c.closed {
		return verbs.PortAttr{}, verbs.ErrClosed
	}
	if port != 1 {
		return verbs.PortAttr{}, fmt.Errorf("device %s has no port %d", c.dev.name, port)
	}
	return verbs.PortAttr{
		State:     c.dev.portState,
		LID:       c.dev.lid,
		ActiveMTU: verbs.MTU1024,
		MaxMTU:    verbs.MTU4096,
		LinkLayer: c.fabric.linkLayer,
		GIDTblLen: len(c.dev.gids),
	}, nil
}

func (c *deviceContext) QueryGID(port, index int) ([16]byte, error) {
	c.fabric.mu.Lock()
	defer c.fabric.mu.Unlock()

	if c.closed {
		return [16]byte{}, verbs.ErrClosed
	}
	if port != 1 {
		return [16]byte{}, fmt.Errorf("device %s has no port %d", c.dev.name, port)
	}
	if index < 0 || index >= len(c.dev.gids) {
		return [16]byte{}, fmt.Errorf("device %s port %d has no GID at index %d", c.dev.name, port, index)
	}
	return c.dev.gids[index], nil
}

func (c *deviceContext) AllocPD() (verbs.ProtectionDomain, error) {
	f := c.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.closed {
		return nil, verbs.ErrClosed
	}
	if err := f.faultLocked(OpAllocPD); err != nil {
		return nil, err
	}
	c.pds++
	f.stats.PDs++
	return &protectionDomain{ctx: c}, nil
}

func (c *deviceContext) CreateCQ(depth int) (verbs.CompletionQueue, error) {
	f := c.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.closed {
		return nil, verbs.ErrClosed
	}
	if err := f.faultLocked(OpCreateCQ); err != nil {
		return nil, err
	}
	if depth <= 0 {
		return nil, fmt.Errorf("completion queue depth must be positive, got %d", depth)
	}
	c.cqs++
	f.stats.CQs++
	return &completionQueue{
		ctx:    c,
		depth:  depth,
		events: make(chan struct{}, 1),
	}, nil
}

func (c *deviceContext) Close() error {
	f := c.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.closed {
		return verbs.ErrClosed
	}
	if c.pds > 0 || c.cqs > 0 {
		return fmt.Errorf("%w: device %s has %d PD(s) and %d CQ(s)", verbs.ErrBusy, c.dev.name, c.pds, c.cqs)
	}
	c.closed = true
	f.stats.Contexts--
	return nil
}

type protectionDomain struct {
	ctx    *deviceContext
	mrs    int
	qps    int
	closed bool
}

var _ verbs.ProtectionDomain = (*protectionDomain)(nil)

func (pd *protectionDomain) RegisterMemory(buf []byte, access verbs.AccessFlags) (verbs.MemoryRegistration, error) {
	f := pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if pd.closed {
		return nil, verbs.ErrClosed
	}
	if err := f.faultLocked(OpRegMR); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: cannot register an empty buffer", verbs.ErrInvalidRequest)
	}
	// Remote write without local write is rejected by ibv_reg_mr too.
	if access.Has(verbs.AccessRemoteWrite) && !access.Has(verbs.AccessLocalWrite) {
		return nil, fmt.Errorf("%w: remote write access requires local write", verbs.ErrInvalidRequest)
	}

	key := f.nextKey
	f.nextKey += 2
	mr := &memoryRegion{
		pd:     pd,
		buf:    buf,
		addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		access: access,
		lkey:   key,
		rkey:   key + 1,
	}
	dev := pd.ctx.dev
	dev.lkeys[mr.lkey] = mr
	dev.rkeys[mr.rkey] = mr
	pd.mrs++
	f.stats.MRs++
	return mr, nil
}

func (pd *protectionDomain) CreateQP(attr verbs.QPInitAttr) (verbs.QueuePair, error) {
	f := pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if pd.closed {
		return nil, verbs.ErrClosed
	}
	if err := f.faultLocked(OpCreateQP); err != nil {
		return nil, err
	}
	if attr.Type != verbs.QPTypeRC {
		return nil, fmt.Errorf("%w: only RC queue pairs are supported", verbs.ErrInvalidRequest)
	}
	sendCQ, ok := attr.SendCQ.(*completionQueue)
	if !ok || sendCQ == nil || sendCQ.destroyed {
		return nil, fmt.Errorf("%w: send CQ does not belong to this fabric", verbs.ErrInvalidRequest)
	}
	recvCQ, ok := attr.RecvCQ.(*completionQueue)
	if !ok || recvCQ == nil || recvCQ.destroyed {
		return nil, fmt.Errorf("%w: recv CQ does not belong to this fabric", verbs.ErrInvalidRequest)
	}
	if attr.Cap.MaxSendWR == 0 || attr.Cap.MaxSendSGE == 0 {
		return nil, fmt.Errorf("%w: send queue capacity must be non-zero", verbs.ErrInvalidRequest)
	}

	qpn := f.nextQPN
	f.nextQPN++
	qp := &queuePair{
		pd:     pd,
		qpn:    qpn,
		cap:    attr.Cap,
		sendCQ: sendCQ,
		recvCQ: recvCQ,
		state:  verbs.QPStateReset,
	}
	pd.ctx.dev.qps[qpn] = qp
	sendCQ.refs++
	recvCQ.refs++
	pd.qps++
	f.stats.QPs++
	return qp, nil
}

func (pd *protectionDomain) Close() error {
	f := pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if pd.closed {
		return verbs.ErrClosed
	}
	if pd.mrs > 0 || pd.qps > 0 {
		return fmt.Errorf("%w: PD has %d MR(s) and %d QP(s)", verbs.ErrBusy, pd.mrs, pd.qps)
	}
	pd.closed = true
	pd.ctx.pds--
	f.stats.PDs--
	return nil
}

type memoryRegion struct {
	pd     *protectionDomain
	buf    []byte
	addr   uint64
	access verbs.AccessFlags
	lkey   uint32
	rkey   uint32
	closed bool
}

var _ verbs.MemoryRegistration = (*memoryRegion)(nil)

func (mr *memoryRegion) Addr() uint64              { return mr.addr }
func (mr *memoryRegion) Len() int                  { return len(mr.buf) }
func (mr *memoryRegion) LKey() uint32              { return mr.lkey }
func (mr *memoryRegion) RKey() uint32              { return mr.rkey }
func (mr *memoryRegion) Access() verbs.AccessFlags { return mr.access }

// contains reports whether [addr, addr+length) lies inside the region.
func (mr *memoryRegion) contains(addr, length uint64) bool {
	end := mr.addr + uint64(len(mr.buf))
	return addr >= mr.addr && addr <= end && length <= end-addr
}

func (mr *memoryRegion) slice(addr, length uint64) []byte {
	off := addr - mr.addr
	return mr.buf[off : off+length]
}

// ReadAt reads the region under the fabric lock, so it never observes a
// remote write half done.
func (mr *memoryRegion) ReadAt(p []byte, off int64) (int, error) {
	f := mr.pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if off < 0 || off > int64(len(mr.buf)) {
		return 0, fmt.Errorf("read at %d outside region of %d bytes", off, len(mr.buf))
	}
	n := copy(p, mr.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes the region under the fabric lock.
func (mr *memoryRegion) WriteAt(p []byte, off int64) (int, error) {
	f := mr.pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if off < 0 || off > int64(len(mr.buf)) || int64(len(p)) > int64(len(mr.buf))-off {
		return 0, fmt.Errorf("write of %d bytes at %d outside region of %d bytes", len(p), off, len(mr.buf))
	}
	return copy(mr.buf[off:], p), nil
}

func (mr *memoryRegion) Deregister() error {
	f := mr.pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if mr.closed {
		return verbs.ErrClosed
	}
	mr.closed = true
	dev := mr.pd.ctx.dev
	delete(dev.lkeys, mr.lkey)
	delete(dev.rkeys, mr.rkey)
	mr.pd.mrs--
	f.stats.MRs--
	return nil
}

type completionQueue struct {
	ctx       *deviceContext
	depth     int
	entries   []verbs.WorkCompletion
	events    chan struct{}
	refs      int
	overflow  bool
	destroyed bool
}

var _ verbs.CompletionQueue = (*completionQueue)(nil)

func (cq *completionQueue) Depth() int { return cq.depth }

func (cq *completionQueue) Events() <-chan struct{} { return cq.events }

func (cq *completionQueue) Poll(max int) ([]verbs.WorkCompletion, error) {
	f := cq.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if cq.destroyed {
		return nil, verbs.ErrClosed
	}
	if cq.overflow {
		return nil, fmt.Errorf("completion queue overrun (depth %d)", cq.depth)
	}
	if max <= 0 || len(cq.entries) == 0 {
		return nil, nil
	}
	n := min(max, len(cq.entries))
	out := make([]verbs.WorkCompletion, n)
	copy(out, cq.entries[:n])
	cq.entries = cq.entries[n:]

	// Polling a send completion retires its send queue slot.
	for _, wc := range out {
		if qp, ok := cq.ctx.dev.qps[wc.QPN]; ok && qp.sendCQ == cq && qp.outstanding > 0 {
			qp.outstanding--
		}
	}
	return out, nil
}

// pushLocked appends a completion, reporting false on overrun.
func (cq *completionQueue) pushLocked(wc verbs.WorkCompletion) bool {
	if cq.destroyed {
		return false
	}
	if len(cq.entries) >= cq.depth {
		cq.overflow = true
		return false
	}
	cq.entries = append(cq.entries, wc)
	select {
	case cq.events <- struct{}{}:
	default:
	}
	return true
}

func (cq *completionQueue) Destroy() error {
	f := cq.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if cq.destroyed {
		return verbs.ErrClosed
	}
	if cq.refs > 0 {
		return fmt.Errorf("%w: CQ is attached to %d queue pair direction(s)", verbs.ErrBusy, cq.refs)
	}
	cq.destroyed = true
	cq.entries = nil
	cq.ctx.cqs--
	f.stats.CQs--
	return nil
}
