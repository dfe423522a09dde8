//go:build rdma_hw

package verbs

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <infiniband/verbs.h>

// ibv_query_port is a macro in current rdma-core.
static int rw_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
	return ibv_query_port(ctx, port, attr);
}

// The remote address lives in a union cgo cannot address.
static int rw_post_send(struct ibv_qp *qp, uint64_t wr_id, int opcode, int flags,
                        struct ibv_sge *sges, int num_sge, uint64_t raddr, uint32_t rkey) {
	struct ibv_send_wr wr, *bad = NULL;
	memset(&wr, 0, sizeof(wr));
	wr.wr_id = wr_id;
	wr.opcode = opcode;
	wr.send_flags = flags;
	wr.sg_list = sges;
	wr.num_sge = num_sge;
	wr.wr.rdma.remote_addr = raddr;
	wr.wr.rdma.rkey = rkey;
	return ibv_post_send(qp, &wr, &bad);
}
*/
import "C"

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func init() {
	Register(HardwareProvider, func() (Provider, error) { return &hwProvider{}, nil })
}

// cqEventPoll bounds how long the event goroutine blocks before checking
// for shutdown.
const cqEventPoll = 100 // ms

func errnoErr(what string, ret C.int, err error) error {
	switch {
	case err != nil:
	case ret > 0:
		err = syscall.Errno(ret)
	default:
		err = fmt.Errorf("returned %d", int(ret))
	}
	return fmt.Errorf("%s: %w", what, err)
}

type hwProvider struct{}

func (p *hwProvider) Name() string { return HardwareProvider }

func (p *hwProvider) Devices() ([]DeviceInfo, error) {
	var n C.int
	list, err := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	defer C.ibv_free_device_list(list)
	if n == 0 {
		return nil, ErrNoDevices
	}

	var out []DeviceInfo
	for _, dev := range unsafe.Slice(list, int(n)) {
		info := DeviceInfo{
			Name: C.GoString(C.ibv_get_device_name(dev)),
			GUID: beToHost(uint64(C.ibv_get_device_guid(dev))),
		}
		if ctx := C.ibv_open_device(dev); ctx != nil {
			var attr C.struct_ibv_device_attr
			if C.ibv_query_device(ctx, &attr) == 0 {
				info.NumPorts = int(attr.phys_port_cnt)
			}
			C.ibv_close_device(ctx)
		}
		out = append(out, info)
	}
	return out, nil
}

func (p *hwProvider) Open(name string) (Context, error) {
	var n C.int
	list, err := C.ibv_get_device_list(&n)
	if list == nil {
		return nil, fmt.Errorf("ibv_get_device_list: %w", err)
	}
	defer C.ibv_free_device_list(list)

	for _, dev := range unsafe.Slice(list, int(n)) {
		if C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}
		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			return nil, fmt.Errorf("ibv_open_device %s: %w", name, err)
		}
		return &hwContext{name: name, ctx: ctx}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

// beToHost converts the __be64 GUID libibverbs returns.
func beToHost(v uint64) uint64 {
	var b [8]byte
	*(*uint64)(unsafe.Pointer(&b[0])) = v
	return binary.BigEndian.Uint64(b[:])
}

type hwContext struct {
	name string
	ctx  *C.struct_ibv_context
}

func (c *hwContext) DeviceName() string { return c.name }

func (c *hwContext) QueryPort(port int) (PortAttr, error) {
	var attr C.struct_ibv_port_attr
	if ret, err := C.rw_query_port(c.ctx, C.uint8_t(port), &attr); ret != 0 {
		return PortAttr{}, errnoErr("ibv_query_port", ret, err)
	}
	linkLayer := LinkLayerInfiniBand
	if attr.link_layer == C.IBV_LINK_LAYER_ETHERNET {
		linkLayer = LinkLayerEthernet
	}
	return PortAttr{
		State:     PortState(attr.state),
		LID:       uint16(attr.lid),
		ActiveMTU: MTU(attr.active_mtu),
		MaxMTU:    MTU(attr.max_mtu),
		LinkLayer: linkLayer,
		GIDTblLen: int(attr.gid_tbl_len),
	}, nil
}

func (c *hwContext) QueryGID(port, index int) ([16]byte, error) {
	var gid C.union_ibv_gid
	var out [16]byte
	if ret, err := C.ibv_query_gid(c.ctx, C.uint8_t(port), C.int(index), &gid); ret != 0 {
		return out, errnoErr("ibv_query_gid", ret, err)
	}
	C.memcpy(unsafe.Pointer(&out[0]), unsafe.Pointer(&gid), 16)
	return out, nil
}

func (c *hwContext) AllocPD() (ProtectionDomain, error) {
	pd, err := C.ibv_alloc_pd(c.ctx)
	if pd == nil {
		return nil, fmt.Errorf("ibv_alloc_pd: %w", err)
	}
	return &hwPD{pd: pd}, nil
}

func (c *hwContext) CreateCQ(depth int) (CompletionQueue, error) {
	ch, err := C.ibv_create_comp_channel(c.ctx)
	if ch == nil {
		return nil, fmt.Errorf("ibv_create_comp_channel: %w", err)
	}
	if err := unix.SetNonblock(int(ch.fd), true); err != nil {
		C.ibv_destroy_comp_channel(ch)
		return nil, fmt.Errorf("set completion channel non-blocking: %w", err)
	}
	cq, err := C.ibv_create_cq(c.ctx, C.int(depth), nil, ch, 0)
	if cq == nil {
		C.ibv_destroy_comp_channel(ch)
		return nil, fmt.Errorf("ibv_create_cq: %w", err)
	}
	if ret, err := C.ibv_req_notify_cq(cq, 0); ret != 0 {
		C.ibv_destroy_cq(cq)
		C.ibv_destroy_comp_channel(ch)
		return nil, errnoErr("ibv_req_notify_cq", ret, err)
	}

	q := &hwCQ{
		cq:     cq,
		ch:     ch,
		depth:  depth,
		events: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.watch()
	return q, nil
}

func (c *hwContext) Close() error {
	if ret, err := C.ibv_close_device(c.ctx); ret != 0 {
		return errnoErr("ibv_close_device", ret, err)
	}
	return nil
}

type hwPD struct {
	pd *C.struct_ibv_pd
}

// RegisterMemory pins buf, which must not live on the Go heap.
func (p *hwPD) RegisterMemory(buf []byte, access AccessFlags) (MemoryRegistration, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidRequest)
	}
	mr, err := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return nil, fmt.Errorf("ibv_reg_mr: %w", err)
	}
	return &hwMR{mr: mr, access: access}, nil
}

func (p *hwPD) CreateQP(attr QPInitAttr) (QueuePair, error) {
	send, ok := attr.SendCQ.(*hwCQ)
	if !ok {
		return nil, fmt.Errorf("%w: send CQ from another provider", ErrInvalidRequest)
	}
	recv, ok := attr.RecvCQ.(*hwCQ)
	if !ok {
		return nil, fmt.Errorf("%w: recv CQ from another provider", ErrInvalidRequest)
	}

	var init C.struct_ibv_qp_init_attr
	init.send_cq = send.cq
	init.recv_cq = recv.cq
	init.qp_type = C.enum_ibv_qp_type(attr.Type)
	init.cap.max_send_wr = C.uint32_t(attr.Cap.MaxSendWR)
	init.cap.max_recv_wr = C.uint32_t(attr.Cap.MaxRecvWR)
	init.cap.max_send_sge = C.uint32_t(attr.Cap.MaxSendSGE)
	init.cap.max_recv_sge = C.uint32_t(attr.Cap.MaxRecvSGE)

	qp, err := C.ibv_create_qp(p.pd, &init)
	if qp == nil {
		return nil, fmt.Errorf("ibv_create_qp: %w", err)
	}
	return &hwQP{
		qp:    qp,
		state: QPStateReset,
		cap: QPCap{
			MaxSendWR:  uint32(init.cap.max_send_wr),
			MaxRecvWR:  uint32(init.cap.max_recv_wr),
			MaxSendSGE: uint32(init.cap.max_send_sge),
			MaxRecvSGE: uint32(init.cap.max_recv_sge),
		},
	}, nil
}

func (p *hwPD) Close() error {
	if ret, err := C.ibv_dealloc_pd(p.pd); ret != 0 {
		return errnoErr("ibv_dealloc_pd", ret, err)
	}
	return nil
}

type hwMR struct {
	mr     *C.struct_ibv_mr
	access AccessFlags
}

func (m *hwMR) Addr() uint64        { return uint64(uintptr(m.mr.addr)) }
func (m *hwMR) Len() int            { return int(m.mr.length) }
func (m *hwMR) LKey() uint32        { return uint32(m.mr.lkey) }
func (m *hwMR) RKey() uint32        { return uint32(m.mr.rkey) }
func (m *hwMR) Access() AccessFlags { return m.access }

func (m *hwMR) Deregister() error {
	if ret, err := C.ibv_dereg_mr(m.mr); ret != 0 {
		return errnoErr("ibv_dereg_mr", ret, err)
	}
	return nil
}

type hwCQ struct {
	cq     *C.struct_ibv_cq
	ch     *C.struct_ibv_comp_channel
	depth  int
	events chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	acked  uint
}

func (q *hwCQ) Depth() int { return q.depth }

func (q *hwCQ) Events() <-chan struct{} { return q.events }

func (q *hwCQ) Poll(max int) ([]WorkCompletion, error) {
	if max <= 0 {
		return nil, nil
	}
	wcs := make([]C.struct_ibv_wc, max)
	n := C.ibv_poll_cq(q.cq, C.int(max), &wcs[0])
	if n < 0 {
		return nil, fmt.Errorf("ibv_poll_cq returned %d", int(n))
	}
	out := make([]WorkCompletion, 0, int(n))
	for _, wc := range wcs[:n] {
		out = append(out, WorkCompletion{
			WRID:      uint64(wc.wr_id),
			Status:    WCStatus(wc.status),
			Opcode:    WCOpcode(wc.opcode),
			VendorErr: uint32(wc.vendor_err),
			ByteLen:   uint32(wc.byte_len),
			QPN:       uint32(wc.qp_num),
		})
	}
	return out, nil
}

// watch turns completion channel events into Events signals until Destroy.
func (q *hwCQ) watch() {
	defer q.wg.Done()
	fds := []unix.PollFd{{Fd: int32(q.ch.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-q.done:
			return
		default:
		}
		n, err := unix.Poll(fds, cqEventPoll)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			log.Warnf("ibverbs: poll completion channel: %v", err)
			time.Sleep(cqEventPoll * time.Millisecond)
			continue
		}

		var cq *C.struct_ibv_cq
		var cqCtx unsafe.Pointer
		if C.ibv_get_cq_event(q.ch, &cq, &cqCtx) != 0 {
			continue
		}
		q.acked++
		C.ibv_req_notify_cq(q.cq, 0)
		select {
		case q.events <- struct{}{}:
		default:
		}
	}
}

func (q *hwCQ) Destroy() error {
	close(q.done)
	q.wg.Wait()
	if q.acked > 0 {
		C.ibv_ack_cq_events(q.cq, C.uint(q.acked))
	}
	if ret, err := C.ibv_destroy_cq(q.cq); ret != 0 {
		return errnoErr("ibv_destroy_cq", ret, err)
	}
	if ret, err := C.ibv_destroy_comp_channel(q.ch); ret != 0 {
		return errnoErr("ibv_destroy_comp_channel", ret, err)
	}
	return nil
}

type hwQP struct {
	mu    sync.Mutex
	qp    *C.struct_ibv_qp
	state QPState
	cap   QPCap
}

func (q *hwQP) Number() uint32 { return uint32(q.qp.qp_num) }

// State asks the device, since a failed completion moves the queue pair to
// ERROR without a Modify call. The last applied state is the fallback.
func (q *hwQP) State() QPState {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		attr C.struct_ibv_qp_attr
		initAttr C.struct_ibv_qp_init_attr
	)
	if ret := C.ibv_query_qp(q.qp, &attr, C.int(C.IBV_QP_STATE), &initAttr); ret != 0 {
		log.Debugf("ibv_query_qp on QP %d: %v", q.qp.qp_num, syscall.Errno(ret))
		return q.state
	}
	q.state = QPState(attr.qp_state)
	return q.state
}

func (q *hwQP) Cap() QPCap { return q.cap }

func (q *hwQP) Modify(attr *QPAttr, mask AttrMask) error {
	var a C.struct_ibv_qp_attr
	a.qp_state = C.enum_ibv_qp_state(attr.State)
	a.pkey_index = C.uint16_t(attr.PKeyIndex)
	a.port_num = C.uint8_t(attr.PortNum)
	a.qp_access_flags = C.uint(attr.AccessFlags)
	a.path_mtu = C.enum_ibv_mtu(attr.PathMTU)
	a.dest_qp_num = C.uint32_t(attr.DestQPN)
	a.rq_psn = C.uint32_t(attr.RQPSN)
	a.sq_psn = C.uint32_t(attr.SQPSN)
	a.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRdAtomic)
	a.max_rd_atomic = C.uint8_t(attr.MaxRdAtomic)
	a.min_rnr_timer = C.uint8_t(attr.MinRNRTimer)
	a.timeout = C.uint8_t(attr.Timeout)
	a.retry_cnt = C.uint8_t(attr.RetryCnt)
	a.rnr_retry = C.uint8_t(attr.RNRRetry)

	a.ah_attr.dlid = C.uint16_t(attr.AH.DLID)
	a.ah_attr.sl = C.uint8_t(attr.AH.SL)
	a.ah_attr.src_path_bits = C.uint8_t(attr.AH.SrcPathBits)
	a.ah_attr.port_num = C.uint8_t(attr.AH.PortNum)
	if attr.AH.IsGlobal {
		a.ah_attr.is_global = 1
		dgid := attr.AH.GRH.DGID
		C.memcpy(unsafe.Pointer(&a.ah_attr.grh.dgid), unsafe.Pointer(&dgid[0]), 16)
		a.ah_attr.grh.flow_label = C.uint32_t(attr.AH.GRH.FlowLabel)
		a.ah_attr.grh.sgid_index = C.uint8_t(attr.AH.GRH.SGIDIndex)
		a.ah_attr.grh.hop_limit = C.uint8_t(attr.AH.GRH.HopLimit)
		a.ah_attr.grh.traffic_class = C.uint8_t(attr.AH.GRH.TrafficClass)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ret, err := C.ibv_modify_qp(q.qp, &a, C.int(mask)); ret != 0 {
		return fmt.Errorf("%w: %s -> %s: %w", ErrInvalidTransition, q.state, attr.State, errnoErr("ibv_modify_qp", ret, err))
	}
	q.state = attr.State
	return nil
}

func (q *hwQP) PostSend(wr *SendWR) error {
	if len(wr.SGList) == 0 {
		return fmt.Errorf("%w: no scatter/gather entries", ErrInvalidRequest)
	}
	sges := (*[1 << 16]C.struct_ibv_sge)(C.malloc(C.size_t(len(wr.SGList)) * C.size_t(unsafe.Sizeof(C.struct_ibv_sge{}))))
	defer C.free(unsafe.Pointer(sges))
	for i, s := range wr.SGList {
		sges[i].addr = C.uint64_t(s.Addr)
		sges[i].length = C.uint32_t(s.Length)
		sges[i].lkey = C.uint32_t(s.LKey)
	}

	ret := C.rw_post_send(q.qp, C.uint64_t(wr.WRID), C.int(wr.Opcode), C.int(wr.Flags),
		&sges[0], C.int(len(wr.SGList)), C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey))
	switch {
	case ret == 0:
		return nil
	case syscall.Errno(ret) == syscall.ENOMEM:
		return fmt.Errorf("%w: ibv_post_send: %w", ErrQueueFull, syscall.Errno(ret))
	default:
		return fmt.Errorf("%w: ibv_post_send: %w", ErrInvalidRequest, syscall.Errno(ret))
	}
}

func (q *hwQP) Destroy() error {
	if ret, err := C.ibv_destroy_qp(q.qp); ret != 0 {
		return errnoErr("ibv_destroy_qp", ret, err)
	}
	return nil
}
