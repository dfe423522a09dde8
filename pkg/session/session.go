// Package session drives one side of the demo end to end: bring up the
// endpoint, swap descriptors with the peer, walk the queue pair to RTS and
// then either write the greeting into the peer's memory or watch local
// memory for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/rdma-write/pkg/connection"
	"github.com/Nativu5/rdma-write/pkg/controlplane"
	"github.com/Nativu5/rdma-write/pkg/endpoint"
	"github.com/Nativu5/rdma-write/pkg/metrics"
	"github.com/Nativu5/rdma-write/pkg/transfer"
	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// Role selects which side of the exchange this process plays.
type Role string

const (
	// Initiator posts the RDMA WRITE.
	Initiator Role = "client"
	// Responder exposes its buffer and watches it.
	Responder Role = "server"
)

const (
	// DefaultMessage is what the initiator writes, followed by a NUL.
	DefaultMessage = "Client: Hello RDMA World!"
	// Banner is what the responder puts in its own buffer before the write.
	Banner = "Server: I am waiting for data..."
	// ExpectedPrefix marks the initiator's message in the responder's buffer.
	ExpectedPrefix = "Client"
)

// ParseRole accepts "client" or "server".
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case Initiator, Responder:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q (want %q or %q)", s, Initiator, Responder)
}

// Options configures Run.
type Options struct {
	Role     Role
	Provider verbs.Provider
	Endpoint endpoint.Options
	Params   connection.Params
	Channel  controlplane.Channel

	// Out receives the console report. Nil discards it.
	Out io.Writer
	// Message overrides DefaultMessage.
	Message string
	// WatchInterval and WatchAttempts bound the responder's observation loop.
	WatchInterval time.Duration
	WatchAttempts int

	Metrics *metrics.Collector
}

// DefaultOptions returns options for role with everything else at the
// Soft-RoCE defaults. Provider and Channel still need to be set.
func DefaultOptions(role Role) Options {
	return Options{
		Role:          role,
		Endpoint:      endpoint.DefaultOptions(),
		Params:        connection.DefaultParams(),
		Message:       DefaultMessage,
		WatchInterval: time.Second,
		WatchAttempts: 10,
	}
}

// Result summarizes a finished session.
type Result struct {
	Role   Role
	Local  types.EndpointDescriptor
	Remote types.EndpointDescriptor

	// BytesWritten is the payload length of the initiator's write.
	BytesWritten int
	// Completion is the initiator's work completion, if one was reaped.
	Completion *verbs.WorkCompletion

	// Observed reports whether the responder saw the initiator's message.
	Observed bool
	// Snapshot is the responder's last view of its buffer as a C string.
	Snapshot string

	// Released lists the endpoint resources in the order they were freed.
	Released []string
}

// Run executes one session. Endpoint resources are always released before
// it returns, whatever the outcome.
func Run(ctx context.Context, opts Options) (res Result, err error) {
	res.Role = opts.Role
	if err := opts.validate(); err != nil {
		return res, err
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	defer func() { opts.Metrics.ObserveError(err) }()

	// The queue pair must be addressed through the port and GID the
	// endpoint was opened with.
	opts.Params.Port = uint8(opts.Endpoint.Port)
	opts.Params.GIDIndex = uint8(opts.Endpoint.GIDIndex)

	ep := endpoint.New(opts.Provider, opts.Endpoint)
	defer func() {
		if cerr := ep.Close(); cerr != nil {
			log.Warnf("session: teardown: %v", cerr)
			err = errors.Join(err, cerr)
		}
		res.Released = ep.Released()
	}()
	if err := ep.Initialize(); err != nil {
		return res, err
	}
	res.Local = ep.LocalDescriptor()
	log.WithFields(log.Fields{
		"role":   opts.Role,
		"device": ep.DeviceName(),
		"qpn":    res.Local.QPN,
		"rkey":   res.Local.RKey,
	}).Info("endpoint ready")

	// The manual channel prints the block itself, next to its prompt.
	if controlplane.Kind(opts.Channel) != controlplane.KindManual {
		if err := controlplane.WriteLocalInfo(out, res.Local); err != nil {
			return res, fmt.Errorf("print local info: %w", err)
		}
	}

	m, err := connection.NewMachine(ep.QueuePair(), opts.Params, connection.WithMetrics(opts.Metrics))
	if err != nil {
		return res, err
	}
	if err := m.ToInit(); err != nil {
		return res, err
	}

	res.Remote, err = opts.Channel.Exchange(ctx, res.Local)
	opts.Metrics.ObserveExchange(controlplane.Kind(opts.Channel), err)
	if err != nil {
		return res, err
	}
	fmt.Fprintf(out, "Remote: QPN %d, GID %s, ADDR 0x%x, RKEY 0x%x\n",
		res.Remote.QPN, res.Remote.GID, res.Remote.Addr, res.Remote.RKey)

	if err := m.ToReadyToReceive(res.Remote); err != nil {
		return res, err
	}
	if err := m.ToReadyToSend(); err != nil {
		return res, err
	}
	fmt.Fprintln(out, "QP is ready to send (RTS).")

	// The banner goes in before the barrier so the initiator's write can
	// never be overwritten by it.
	if opts.Role == Responder {
		if _, err := ep.MemoryRegion().WriteAt(clipCString(Banner, ep.MemoryRegion().Len()), 0); err != nil {
			return res, fmt.Errorf("write banner: %w", err)
		}
	}

	if b, ok := opts.Channel.(controlplane.Barrier); ok {
		if err := b.Sync(ctx); err != nil {
			return res, err
		}
	}

	if opts.Role == Initiator {
		err = runInitiator(ctx, ep, opts, out, &res)
	} else {
		err = runResponder(ctx, ep, opts, out, &res)
	}
	return res, err
}

func runInitiator(ctx context.Context, ep *endpoint.Endpoint, opts Options, out io.Writer, res *Result) error {
	payload := cstring(opts.Message)
	if len(payload) > ep.MemoryRegion().Len() {
		return fmt.Errorf("%w: message of %d bytes does not fit the %d byte buffer",
			types.ErrPost, len(payload), ep.MemoryRegion().Len())
	}
	if _, err := ep.MemoryRegion().WriteAt(payload, 0); err != nil {
		return fmt.Errorf("stage message: %w", err)
	}

	eng := transfer.NewEngine(ep.QueuePair(), ep.CompletionQueue(), transfer.WithMetrics(opts.Metrics))
	seg := transfer.Segment{Region: ep.MemoryRegion(), Length: len(payload)}
	fmt.Fprintln(out, "Client: Writing to remote memory...")

	wc, err := eng.WriteSync(ctx, seg, res.Remote.Addr, res.Remote.RKey)
	var cerr *types.CompletionError
	if errors.As(err, &cerr) {
		res.Completion = &wc
		fmt.Fprintf(out, "Client: Failed status %d (%s)\n", cerr.Status.Code(), cerr.Status)
		return err
	}
	if err != nil {
		return err
	}
	res.Completion = &wc
	res.BytesWritten = len(payload)
	fmt.Fprintln(out, "Client: Write Success!")
	return eng.Close()
}

func runResponder(ctx context.Context, ep *endpoint.Endpoint, opts Options, out io.Writer, res *Result) error {
	region := ep.MemoryRegion()
	before := make([]byte, region.Len())
	if _, err := region.ReadAt(before, 0); err != nil {
		return fmt.Errorf("read buffer: %w", err)
	}
	fmt.Fprintf(out, "Server memory BEFORE: %s\n", transfer.CString(before))

	snapshot, ok, err := transfer.Observe(ctx, region, region.Len(), transfer.Watch{
		Interval: opts.WatchInterval,
		Attempts: opts.WatchAttempts,
		Match:    transfer.HasPrefix(ExpectedPrefix),
		OnTick: func(i int, b []byte) {
			fmt.Fprintf(out, "Server memory [%d]: %s\n", i, transfer.CString(b))
		},
	})
	res.Snapshot = transfer.CString(snapshot)
	res.Observed = ok
	if err != nil {
		return err
	}
	if !ok {
		log.Warnf("no write observed after %d checks", opts.WatchAttempts)
		fmt.Fprintln(out, "Server: no data arrived.")
		return nil
	}
	fmt.Fprintf(out, "Server memory AFTER: %s\n", res.Snapshot)
	fmt.Fprintln(out, "SUCCESS! Data changed detected!")
	return nil
}

func (o Options) validate() error {
	switch {
	case o.Role != Initiator && o.Role != Responder:
		return fmt.Errorf("unknown role %q", o.Role)
	case o.Provider == nil:
		return errors.New("no verbs provider")
	case o.Channel == nil:
		return errors.New("no control channel")
	case o.Role == Responder && o.WatchInterval <= 0:
		return errors.New("watch interval must be positive")
	}
	return nil
}

func cstring(s string) []byte {
	return append([]byte(s), 0)
}

// clipCString returns s as a NUL-terminated string of at most n bytes.
func clipCString(s string, n int) []byte {
	b := cstring(s)
	if len(b) <= n {
		return b
	}
	if n <= 0 {
		return nil
	}
	b = b[:n]
	b[n-1] = 0
	return b
}
