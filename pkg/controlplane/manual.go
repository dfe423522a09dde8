package controlplane

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Nativu5/rdma-write/pkg/types"
)

// ManualChannel has a human carry descriptors between two consoles: the
// local descriptor is printed to out and the peer's line is read from in.
type ManualChannel struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan lineResult
}

type lineResult struct {
	text string
	err  error
}

var (
	_ Channel = (*ManualChannel)(nil)
	_ Barrier = (*ManualChannel)(nil)
)

// NewManualChannel reads peer input from in and prints to out.
func NewManualChannel(in io.Reader, out io.Writer) *ManualChannel {
	return &ManualChannel{in: in, out: out}
}

// WriteLocalInfo prints the descriptor block a user copies to the other side.
func WriteLocalInfo(w io.Writer, d types.EndpointDescriptor) error {
	_, err := fmt.Fprintf(w, `
========= LOCAL INFO (Copy this to other side) =========
QPN: %d
LID: %d
GID_Subnet: %d
GID_Interface: %d
ADDR: %d
RKEY: %d
GID: %s
LINE: %s
========================================================
`, d.QPN, d.LID, d.GID.SubnetPrefix(), d.GID.InterfaceID(), d.Addr, d.RKey, d.GID, d)
	return err
}

// Exchange prints local and reads the peer's descriptor line.
func (m *ManualChannel) Exchange(ctx context.Context, local types.EndpointDescriptor) (types.EndpointDescriptor, error) {
	if err := WriteLocalInfo(m.out, local); err != nil {
		return types.EndpointDescriptor{}, fmt.Errorf("%w: print local info: %w", types.ErrExchange, err)
	}
	fmt.Fprintln(m.out, "\n>>> Enter REMOTE info (Order: QPN [LID] GID_Subnet GID_Interface ADDR RKEY):")

	line, err := m.readLine(ctx)
	if err != nil {
		return types.EndpointDescriptor{}, wrapErr(ctx, "read remote info", err)
	}
	remote, err := types.ParseDescriptor(line)
	if err != nil {
		return types.EndpointDescriptor{}, fmt.Errorf("%w: %w", types.ErrExchange, err)
	}
	return remote, nil
}

// Sync waits for the user to confirm the peer is ready.
func (m *ManualChannel) Sync(ctx context.Context) error {
	fmt.Fprintln(m.out, ">>> Press ENTER once the other side reports it is ready:")
	if _, err := m.readRaw(ctx); err != nil {
		return wrapErr(ctx, "wait for confirmation", err)
	}
	return nil
}

// Close is a no-op; the reader belongs to the caller.
func (m *ManualChannel) Close() error { return nil }

// readLine returns the next non-blank line.
func (m *ManualChannel) readLine(ctx context.Context) (string, error) {
	for {
		line, err := m.readRaw(ctx)
		if err != nil {
			return "", err
		}
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
}

func (m *ManualChannel) readRaw(ctx context.Context) (string, error) {
	m.once.Do(func() {
		m.lines = make(chan lineResult)
		go m.scan()
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r, ok := <-m.lines:
		if !ok {
			return "", io.EOF
		}
		return r.text, r.err
	}
}

// scan feeds lines to readRaw. It outlives a cancelled read, since a
// blocked Read on a terminal cannot be interrupted.
func (m *ManualChannel) scan() {
	defer close(m.lines)
	s := bufio.NewScanner(m.in)
	for s.Scan() {
		m.lines <- lineResult{text: s.Text()}
	}
	if err := s.Err(); err != nil {
		m.lines <- lineResult{err: err}
	}
}
