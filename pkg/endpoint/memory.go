package endpoint

import (
	"fmt"
	"io"

	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// MemoryRegion is a registered buffer together with the keys that authorize
// access to it. The address and rkey are what a peer needs to target it.
type MemoryRegion struct {
	buf []byte
	reg verbs.MemoryRegistration
}

// Bytes returns the registered buffer. Remote writes land here without any
// local notification.
func (m *MemoryRegion) Bytes() []byte { return m.buf }

// Addr is the buffer's virtual address as registered with the device.
func (m *MemoryRegion) Addr() uint64 { return m.reg.Addr() }

// Len is the registered length in bytes.
func (m *MemoryRegion) Len() int { return m.reg.Len() }

// LKey authorizes local access in scatter/gather entries.
func (m *MemoryRegion) LKey() uint32 { return m.reg.LKey() }

// RKey authorizes remote access by the peer.
func (m *MemoryRegion) RKey() uint32 { return m.reg.RKey() }

// Access returns the permissions the region was registered with.
func (m *MemoryRegion) Access() verbs.AccessFlags { return m.reg.Access() }

// SGE returns a scatter/gather entry covering length bytes at offset.
func (m *MemoryRegion) SGE(offset, length int) (verbs.SGE, error) {
	if offset < 0 || length <= 0 || offset > m.Len() || length > m.Len()-offset {
		return verbs.SGE{}, fmt.Errorf("segment [%d, %d) outside registered region of %d bytes",
			offset, offset+length, m.Len())
	}
	return verbs.SGE{
		Addr:   m.Addr() + uint64(offset),
		Length: uint32(length),
		LKey:   m.LKey(),
	}, nil
}

// RemoteAddr returns the address a peer should target to reach offset.
func (m *MemoryRegion) RemoteAddr(offset int) uint64 {
	return m.Addr() + uint64(offset)
}

// ReadAt copies registered memory into p. Providers that write into the
// buffer from another goroutine supply their own io.ReaderAt so the copy is
// ordered against incoming writes.
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if r, ok := m.reg.(io.ReaderAt); ok {
		return r.ReadAt(p, off)
	}
	return readAt(m.buf, p, off)
}

// WriteAt copies p into registered memory at off.
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if w, ok := m.reg.(io.WriterAt); ok {
		return w.WriteAt(p, off)
	}
	if off < 0 || off > int64(len(m.buf)) || int64(len(p)) > int64(len(m.buf))-off {
		return 0, fmt.Errorf("write of %d bytes at %d outside region of %d bytes", len(p), off, len(m.buf))
	}
	return copy(m.buf[off:], p), nil
}

func readAt(buf, p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(buf)) {
		return 0, fmt.Errorf("read at %d outside region of %d bytes", off, len(buf))
	}
	n := copy(p, buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
