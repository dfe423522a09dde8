package sim

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/rdma-write/pkg/verbs"
)

type queuePair struct {
	pd     *protectionDomain
	qpn    uint32
	cap    verbs.QPCap
	sendCQ *completionQueue
	recvCQ *completionQueue

	state verbs.QPState
	attr  verbs.QPAttr

	// sqPSN is the next PSN this QP sends; rqPSN the next it expects.
	sqPSN uint32
	rqPSN uint32

	outstanding int
	destroyed   bool
}

var _ verbs.QueuePair = (*queuePair)(nil)

func (qp *queuePair) Number() uint32 { return qp.qpn }

func (qp *queuePair) Cap() verbs.QPCap { return qp.cap }

func (qp *queuePair) State() verbs.QPState {
	f := qp.pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	return qp.state
}

// transition describes one legal RC state change.
type transition struct {
	required verbs.AttrMask
	optional verbs.AttrMask
}

var transitions = map[[2]verbs.QPState]transition{
	{verbs.QPStateReset, verbs.QPStateInit}: {
		required: verbs.MaskResetToInit,
	},
	{verbs.QPStateInit, verbs.QPStateInit}: {
		optional: verbs.AttrPKeyIndex | verbs.AttrPort | verbs.AttrAccessFlags,
	},
	{verbs.QPStateInit, verbs.QPStateRTR}: {
		required: verbs.MaskInitToRTR,
		optional: verbs.AttrAltPath | verbs.AttrAccessFlags | verbs.AttrPKeyIndex,
	},
	{verbs.QPStateRTR, verbs.QPStateRTS}: {
		required: verbs.MaskRTRToRTS,
		optional: verbs.AttrCurState | verbs.AttrAccessFlags | verbs.AttrAltPath |
			verbs.AttrMinRNRTimer | verbs.AttrPathMigState,
	},
}

func (qp *queuePair) Modify(attr *verbs.QPAttr, mask verbs.AttrMask) error {
	f := qp.pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if qp.destroyed {
		return verbs.ErrClosed
	}
	if err := f.faultLocked(OpModifyQP); err != nil {
		return err
	}
	if attr == nil || mask&verbs.AttrState == 0 {
		return fmt.Errorf("%w: target state not specified", verbs.ErrInvalidAttrMask)
	}

	// Any state may be forced to RESET or ERROR.
	switch attr.State {
	case verbs.QPStateReset:
		qp.resetLocked()
		return nil
	case verbs.QPStateError:
		qp.state = verbs.QPStateError
		return nil
	}

	t, ok := transitions[[2]verbs.QPState{qp.state, attr.State}]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", verbs.ErrInvalidTransition, qp.state, attr.State)
	}
	if mask&t.required != t.required {
		return fmt.Errorf("%w: %s -> %s is missing attributes 0x%x",
			verbs.ErrInvalidAttrMask, qp.state, attr.State, int(t.required&^mask))
	}
	if extra := mask &^ (t.required | t.optional); extra != 0 {
		return fmt.Errorf("%w: %s -> %s does not accept attributes 0x%x",
			verbs.ErrInvalidAttrMask, qp.state, attr.State, int(extra))
	}
	if err := qp.validateLocked(attr, mask); err != nil {
		return err
	}

	qp.applyLocked(attr, mask)
	log.WithFields(log.Fields{"qpn": qp.qpn, "state": attr.State}).Debug("sim: queue pair modified")
	return nil
}

func (qp *queuePair) validateLocked(attr *verbs.QPAttr, mask verbs.AttrMask) error {
	dev := qp.pd.ctx.dev
	if mask&verbs.AttrPort != 0 && attr.PortNum != 1 {
		return fmt.Errorf("%w: device %s has no port %d", verbs.ErrInvalidRequest, dev.name, attr.PortNum)
	}
	if mask&verbs.AttrPathMTU != 0 && (!attr.PathMTU.Valid() || attr.PathMTU > verbs.MTU4096) {
		return fmt.Errorf("%w: invalid path MTU %v", verbs.ErrInvalidRequest, attr.PathMTU)
	}
	if mask&verbs.AttrDestQPN != 0 && attr.DestQPN == 0 {
		return fmt.Errorf("%w: destination QPN must be non-zero", verbs.ErrInvalidRequest)
	}
	if mask&verbs.AttrAV != 0 {
		ah := attr.AH
		if ah.IsGlobal {
			if int(ah.GRH.SGIDIndex) >= len(dev.gids) {
				return fmt.Errorf("%w: source GID index %d not populated", verbs.ErrInvalidRequest, ah.GRH.SGIDIndex)
			}
			if ah.GRH.DGID == [16]byte{} {
				return fmt.Errorf("%w: destination GID is zero", verbs.ErrInvalidRequest)
			}
		} else if qp.pd.ctx.fabric.linkLayer == verbs.LinkLayerEthernet {
			return fmt.Errorf("%w: RoCE requires a global route header", verbs.ErrInvalidRequest)
		}
	}
	if mask&verbs.AttrTimeout != 0 && attr.Timeout > 31 {
		return fmt.Errorf("%w: timeout %d exceeds 31", verbs.ErrInvalidRequest, attr.Timeout)
	}
	if mask&verbs.AttrRetryCnt != 0 && attr.RetryCnt > 7 {
		return fmt.Errorf("%w: retry count %d exceeds 7", verbs.ErrInvalidRequest, attr.RetryCnt)
	}
	if mask&verbs.AttrRNRRetry != 0 && attr.RNRRetry > 7 {
		return fmt.Errorf("%w: RNR retry %d exceeds 7", verbs.ErrInvalidRequest, attr.RNRRetry)
	}
	if mask&verbs.AttrMinRNRTimer != 0 && attr.MinRNRTimer > 31 {
		return fmt.Errorf("%w: min RNR timer %d exceeds 31", verbs.ErrInvalidRequest, attr.MinRNRTimer)
	}
	return nil
}

func (qp *queuePair) applyLocked(attr *verbs.QPAttr, mask verbs.AttrMask) {
	a := &qp.attr
	if mask&verbs.AttrPKeyIndex != 0 {
		a.PKeyIndex = attr.PKeyIndex
	}
	if mask&verbs.AttrPort != 0 {
		a.PortNum = attr.PortNum
	}
	if mask&verbs.AttrAccessFlags != 0 {
		a.AccessFlags = attr.AccessFlags
	}
	if mask&verbs.AttrAV != 0 {
		a.AH = attr.AH
	}
	if mask&verbs.AttrPathMTU != 0 {
		a.PathMTU = attr.PathMTU
	}
	if mask&verbs.AttrDestQPN != 0 {
		a.DestQPN = attr.DestQPN
	}
	if mask&verbs.AttrRQPSN != 0 {
		a.RQPSN = attr.RQPSN & psnMask
		qp.rqPSN = a.RQPSN
	}
	if mask&verbs.AttrSQPSN != 0 {
		a.SQPSN = attr.SQPSN & psnMask
		qp.sqPSN = a.SQPSN
	}
	if mask&verbs.AttrMaxDestRdAtomic != 0 {
		a.MaxDestRdAtomic = attr.MaxDestRdAtomic
	}
	if mask&verbs.AttrMaxQPRdAtomic != 0 {
		a.MaxRdAtomic = attr.MaxRdAtomic
	}
	if mask&verbs.AttrMinRNRTimer != 0 {
		a.MinRNRTimer = attr.MinRNRTimer
	}
	if mask&verbs.AttrTimeout != 0 {
		a.Timeout = attr.Timeout
	}
	if mask&verbs.AttrRetryCnt != 0 {
		a.RetryCnt = attr.RetryCnt
	}
	if mask&verbs.AttrRNRRetry != 0 {
		a.RNRRetry = attr.RNRRetry
	}
	a.State = attr.State
	qp.state = attr.State
}

func (qp *queuePair) resetLocked() {
	qp.state = verbs.QPStateReset
	qp.attr = verbs.QPAttr{}
	qp.sqPSN, qp.rqPSN = 0, 0
	qp.outstanding = 0
}

func (qp *queuePair) PostSend(wr *verbs.SendWR) error {
	f := qp.pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if qp.destroyed {
		return verbs.ErrClosed
	}
	if err := f.faultLocked(OpPostSend); err != nil {
		return err
	}
	if qp.state != verbs.QPStateRTS {
		return fmt.Errorf("%w: QP %d is %s", verbs.ErrInvalidState, qp.qpn, qp.state)
	}
	if wr == nil || wr.Opcode != verbs.OpRDMAWrite {
		return fmt.Errorf("%w: only RDMA_WRITE is supported", verbs.ErrInvalidRequest)
	}
	if len(wr.SGList) == 0 || uint32(len(wr.SGList)) > qp.cap.MaxSendSGE {
		return fmt.Errorf("%w: %d SGEs, QP allows 1..%d", verbs.ErrInvalidRequest, len(wr.SGList), qp.cap.MaxSendSGE)
	}
	if uint32(qp.outstanding) >= qp.cap.MaxSendWR {
		return fmt.Errorf("%w: %d of %d work requests outstanding", verbs.ErrQueueFull, qp.outstanding, qp.cap.MaxSendWR)
	}

	status, n := f.executeWriteLocked(qp, wr)
	if status == verbs.WCSuccess {
		f.stats.Writes++
		f.stats.BytesWritten += int64(n)
	} else {
		f.stats.FailedWrites++
		qp.state = verbs.QPStateError
		log.WithFields(log.Fields{"qpn": qp.qpn, "wr_id": wr.WRID, "status": status}).Debug("sim: write failed")
	}

	// Failed requests always complete; successful ones only when signalled.
	if wr.Flags&verbs.SendSignaled == 0 && status == verbs.WCSuccess {
		return nil
	}

	qp.outstanding++
	wc := verbs.WorkCompletion{
		WRID:    wr.WRID,
		Status:  status,
		Opcode:  verbs.WCOpRDMAWrite,
		ByteLen: n,
		QPN:     qp.qpn,
	}
	if f.latency > 0 {
		time.AfterFunc(f.latency, func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			qp.deliverLocked(wc)
		})
		return nil
	}
	qp.deliverLocked(wc)
	return nil
}

func (qp *queuePair) deliverLocked(wc verbs.WorkCompletion) {
	if qp.destroyed {
		return
	}
	if !qp.sendCQ.pushLocked(wc) {
		qp.state = verbs.QPStateError
	}
}

// executeWriteLocked performs an RDMA WRITE and returns the completion
// status and the number of bytes transferred.
func (f *Fabric) executeWriteLocked(qp *queuePair, wr *verbs.SendWR) (verbs.WCStatus, uint32) {
	dev := qp.pd.ctx.dev

	// Gather the local segments.
	length := wr.Length()
	payload := make([]byte, 0, length)
	for _, sge := range wr.SGList {
		mr, ok := dev.lkeys[sge.LKey]
		if !ok || mr.pd != qp.pd || !mr.contains(sge.Addr, uint64(sge.Length)) {
			return verbs.WCLocProtErr, 0
		}
		payload = append(payload, mr.slice(sge.Addr, uint64(sge.Length))...)
	}

	peer := f.routeLocked(qp)
	if peer == nil {
		return verbs.WCRetryExcErr, 0
	}
	if peer.attr.DestQPN != qp.qpn || !f.routesBackLocked(peer, dev) {
		return verbs.WCRetryExcErr, 0
	}
	// Packets larger than the receiver's path MTU are dropped.
	if qp.attr.PathMTU > peer.attr.PathMTU && length > uint64(peer.attr.PathMTU.Bytes()) {
		return verbs.WCRetryExcErr, 0
	}
	if qp.sqPSN != peer.rqPSN {
		return verbs.WCRetryExcErr, 0
	}

	target, ok := peer.pd.ctx.dev.rkeys[wr.RKey]
	switch {
	case !ok, target.pd != peer.pd:
		return verbs.WCRemAccessErr, 0
	case !target.access.Has(verbs.AccessRemoteWrite), !peer.attr.AccessFlags.Has(verbs.AccessRemoteWrite):
		return verbs.WCRemAccessErr, 0
	case !target.contains(wr.RemoteAddr, length):
		return verbs.WCRemAccessErr, 0
	}
	copy(target.slice(wr.RemoteAddr, length), payload)

	packets := uint32(1)
	if mtu := uint64(qp.attr.PathMTU.Bytes()); length > mtu {
		packets = uint32((length + mtu - 1) / mtu)
	}
	qp.sqPSN = (qp.sqPSN + packets) & psnMask
	peer.rqPSN = (peer.rqPSN + packets) & psnMask

	return verbs.WCSuccess, uint32(length)
}

// routeLocked resolves the destination queue pair of qp's path. The peer must
// be ready to receive.
func (f *Fabric) routeLocked(qp *queuePair) *queuePair {
	ah := qp.attr.AH
	var dev *device
	if ah.IsGlobal {
		dev = f.byGID[ah.GRH.DGID]
	} else {
		dev = f.byLID[ah.DLID]
	}
	if dev == nil {
		return nil
	}
	peer, ok := dev.qps[qp.attr.DestQPN]
	if !ok || peer.destroyed {
		return nil
	}
	if peer.state != verbs.QPStateRTR && peer.state != verbs.QPStateRTS {
		return nil
	}
	return peer
}

func (f *Fabric) routesBackLocked(peer *queuePair, dev *device) bool {
	ah := peer.attr.AH
	if ah.IsGlobal {
		return dev.hasGID(ah.GRH.DGID)
	}
	return dev.lid != 0 && ah.DLID == dev.lid
}

func (qp *queuePair) Destroy() error {
	f := qp.pd.ctx.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	if qp.destroyed {
		return verbs.ErrClosed
	}
	qp.destroyed = true
	delete(qp.pd.ctx.dev.qps, qp.qpn)
	qp.sendCQ.refs--
	qp.recvCQ.refs--
	qp.pd.qps--
	f.stats.QPs--
	return nil
}
