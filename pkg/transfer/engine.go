// Package transfer posts one-sided RDMA WRITEs on a connected queue pair and
// reaps their completions.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/rdma-write/pkg/endpoint"
	"github.com/Nativu5/rdma-write/pkg/metrics"
	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

var (
	// ErrNotReady means the queue pair has not reached RTS.
	ErrNotReady = errors.New("queue pair is not ready to send")
	// ErrQueueFull means every send queue slot holds an unreaped request.
	ErrQueueFull = errors.New("send queue is full")
	// ErrBroken is returned after a completion failed; the queue pair is in
	// the error state and accepts no further work.
	ErrBroken = errors.New("connection broken by a failed completion")
	// ErrBusy is returned by Close while requests are outstanding.
	ErrBusy = errors.New("work requests still outstanding")
)

// Segment is a byte range of a registered region.
type Segment struct {
	Region *endpoint.MemoryRegion
	Offset int
	Length int
}

// Engine issues writes on one queue pair and reaps completions from its
// send completion queue. It is not safe for concurrent use.
type Engine struct {
	qp verbs.QueuePair
	cq verbs.CompletionQueue

	nextWRID     uint64
	pending      map[uint64]time.Time
	broken       error
	pollInterval time.Duration
	metrics      *metrics.Collector
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records completions in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// WithPollInterval makes PollCompletion sleep between empty polls instead of
// spinning.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.pollInterval = d
	}
}

// NewEngine returns an engine for qp, whose send completions arrive on cq.
func NewEngine(qp verbs.QueuePair, cq verbs.CompletionQueue, opts ...Option) *Engine {
	e := &Engine{
		qp:       qp,
		cq:       cq,
		nextWRID: 1,
		pending:  make(map[uint64]time.Time),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Outstanding returns the number of signalled writes not yet reaped.
func (e *Engine) Outstanding() int { return len(e.pending) }

// Broken returns the completion error that broke the connection, if any.
func (e *Engine) Broken() error { return e.broken }

// Write posts a signalled RDMA WRITE of local to remoteAddr, authorized by
// rkey, and returns its work request ID. It does not wait for completion.
func (e *Engine) Write(local Segment, remoteAddr uint64, rkey uint32) (uint64, error) {
	if e.broken != nil {
		return 0, fmt.Errorf("%w: %w: %w", types.ErrPost, ErrBroken, e.broken)
	}
	if s := e.qp.State(); s != verbs.QPStateRTS {
		return 0, fmt.Errorf("%w: %w: queue pair %d is %s", types.ErrPost, ErrNotReady, e.qp.Number(), s)
	}
	if limit := int(e.qp.Cap().MaxSendWR); len(e.pending) >= limit {
		return 0, fmt.Errorf("%w: %w: %d of %d requests outstanding", types.ErrPost, ErrQueueFull, len(e.pending), limit)
	}
	if local.Region == nil {
		return 0, fmt.Errorf("%w: segment has no registered region", types.ErrPost)
	}
	sge, err := local.Region.SGE(local.Offset, local.Length)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrPost, err)
	}

	wrid := e.nextWRID
	wr := &verbs.SendWR{
		WRID:       wrid,
		Opcode:     verbs.OpRDMAWrite,
		SGList:     []verbs.SGE{sge},
		Flags:      verbs.SendSignaled,
		RemoteAddr: remoteAddr,
		RKey:       rkey,
	}
	if err := e.qp.PostSend(wr); err != nil {
		return 0, fmt.Errorf("%w: post RDMA WRITE: %w", types.ErrPost, err)
	}
	e.nextWRID++
	e.pending[wrid] = time.Now()
	e.metrics.SetOutstanding(len(e.pending))

	log.WithFields(log.Fields{
		"wr_id":  wrid,
		"bytes":  sge.Length,
		"remote": fmt.Sprintf("0x%x", remoteAddr),
		"rkey":   fmt.Sprintf("0x%x", rkey),
	}).Debug("posted RDMA WRITE")
	return wrid, nil
}

// PollCompletion spins on the completion queue until one completion arrives
// or ctx is done. A failed completion is returned together with a
// *types.CompletionError and breaks the engine.
func (e *Engine) PollCompletion(ctx context.Context) (verbs.WorkCompletion, error) {
	for {
		wc, ok, err := e.pollOnce()
		if ok || err != nil {
			return wc, err
		}
		if err := ctx.Err(); err != nil {
			return verbs.WorkCompletion{}, e.ctxErr(err)
		}
		if e.pollInterval > 0 {
			time.Sleep(e.pollInterval)
		} else {
			runtime.Gosched()
		}
	}
}

// WaitCompletion is PollCompletion driven by completion events instead of
// spinning.
func (e *Engine) WaitCompletion(ctx context.Context) (verbs.WorkCompletion, error) {
	for {
		wc, ok, err := e.pollOnce()
		if ok || err != nil {
			return wc, err
		}
		select {
		case <-e.cq.Events():
		case <-ctx.Done():
			// A completion may have raced the cancellation.
			if wc, ok, err := e.pollOnce(); ok || err != nil {
				return wc, err
			}
			return verbs.WorkCompletion{}, e.ctxErr(ctx.Err())
		}
	}
}

func (e *Engine) ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: waiting for completion with %d outstanding: %w", types.ErrTimeout, len(e.pending), err)
	}
	return fmt.Errorf("waiting for completion: %w", err)
}

func (e *Engine) pollOnce() (verbs.WorkCompletion, bool, error) {
	wcs, err := e.cq.Poll(1)
	if err != nil {
		return verbs.WorkCompletion{}, false, fmt.Errorf("%w: poll completion queue: %w", types.ErrCompletion, err)
	}
	if len(wcs) == 0 {
		return verbs.WorkCompletion{}, false, nil
	}
	wc := wcs[0]

	var latency time.Duration
	if posted, ok := e.pending[wc.WRID]; ok {
		latency = time.Since(posted)
		delete(e.pending, wc.WRID)
	} else {
		log.Warnf("completion for unknown wr_id %d", wc.WRID)
	}
	e.metrics.SetOutstanding(len(e.pending))
	e.metrics.ObserveCompletion(wc.Status.String(), wc.OK(), wc.ByteLen, latency)

	if !wc.OK() {
		cerr := &types.CompletionError{WRID: wc.WRID, Status: wc.Status, VendorErr: wc.VendorErr}
		e.broken = cerr
		log.WithFields(log.Fields{"wr_id": wc.WRID, "status": wc.Status}).Error("RDMA WRITE failed")
		return wc, true, cerr
	}
	log.WithFields(log.Fields{"wr_id": wc.WRID, "bytes": wc.ByteLen, "latency": latency}).Debug("RDMA WRITE completed")
	return wc, true, nil
}

// WriteSync posts a write and waits for its completion. Completions of
// earlier writes reaped on the way are dropped.
func (e *Engine) WriteSync(ctx context.Context, local Segment, remoteAddr uint64, rkey uint32) (verbs.WorkCompletion, error) {
	wrid, err := e.Write(local, remoteAddr, rkey)
	if err != nil {
		return verbs.WorkCompletion{}, err
	}
	return e.await(ctx, wrid)
}

func (e *Engine) await(ctx context.Context, wrid uint64) (verbs.WorkCompletion, error) {
	for {
		wc, err := e.WaitCompletion(ctx)
		if err != nil || wc.WRID == wrid {
			return wc, err
		}
	}
}

// Close checks that no request is still in flight, since its buffers must
// not be released before the completion is reaped.
func (e *Engine) Close() error {
	if n := len(e.pending); n > 0 {
		return fmt.Errorf("%w: %d", ErrBusy, n)
	}
	return nil
}
