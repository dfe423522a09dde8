package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

// DescriptorSize is the encoded size of an EndpointDescriptor on the wire.
const DescriptorSize = 4 + 2 + 16 + 8 + 4

// GID is a 128-bit fabric global identifier. The first eight bytes hold the
// subnet prefix and the last eight the interface identifier, both in network
// byte order.
type GID [16]byte

// GIDFromParts assembles a GID from its subnet prefix and interface identifier.
func GIDFromParts(subnetPrefix, interfaceID uint64) GID {
	var g GID
	binary.BigEndian.PutUint64(g[:8], subnetPrefix)
	binary.BigEndian.PutUint64(g[8:], interfaceID)
	return g
}

// ParseGID parses the colon-separated IPv6 form used by sysfs and ibv_devinfo.
func ParseGID(s string) (GID, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return GID{}, fmt.Errorf("invalid GID %q", s)
	}
	var g GID
	copy(g[:], ip.To16())
	return g, nil
}

// SubnetPrefix returns the upper 64 bits.
func (g GID) SubnetPrefix() uint64 { return binary.BigEndian.Uint64(g[:8]) }

// InterfaceID returns the lower 64 bits.
func (g GID) InterfaceID() uint64 { return binary.BigEndian.Uint64(g[8:]) }

// IsZero reports whether the GID is unset.
func (g GID) IsZero() bool { return g == GID{} }

func (g GID) String() string {
	return net.IP(g[:]).String()
}

// EndpointDescriptor is everything a peer needs to connect its queue pair to
// ours and to target our registered buffer with one-sided operations.
type EndpointDescriptor struct {
	QPN  uint32
	LID  uint16
	GID  GID
	Addr uint64
	RKey uint32
}

// Descriptor validation errors.
var (
	ErrMissingQPN     = errors.New("descriptor has no queue pair number")
	ErrMissingAddress = errors.New("descriptor has neither GID nor LID")
	ErrMissingBuffer  = errors.New("descriptor has no remote buffer address")
)

// Validate checks that the descriptor carries every field the INIT to RTR
// transition and a later remote write depend on. When global is true the GID
// must be set, otherwise the LID must be.
func (d EndpointDescriptor) Validate(global bool) error {
	if d.QPN == 0 {
		return ErrMissingQPN
	}
	if global && d.GID.IsZero() {
		return fmt.Errorf("%w: global routing requires a GID", ErrMissingAddress)
	}
	if !global && d.LID == 0 {
		return fmt.Errorf("%w: local routing requires a LID", ErrMissingAddress)
	}
	if d.Addr == 0 {
		return ErrMissingBuffer
	}
	return nil
}

// MarshalBinary encodes the descriptor as qpn(u32) lid(u16) gid(16 bytes)
// addr(u64) rkey(u32), big-endian.
func (d EndpointDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, DescriptorSize)
	binary.BigEndian.PutUint32(buf[0:4], d.QPN)
	binary.BigEndian.PutUint16(buf[4:6], d.LID)
	copy(buf[6:22], d.GID[:])
	binary.BigEndian.PutUint64(buf[22:30], d.Addr)
	binary.BigEndian.PutUint32(buf[30:34], d.RKey)
	return buf, nil
}

// UnmarshalBinary decodes the form written by MarshalBinary.
func (d *EndpointDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) != DescriptorSize {
		return fmt.Errorf("descriptor must be %d bytes, got %d", DescriptorSize, len(data))
	}
	d.QPN = binary.BigEndian.Uint32(data[0:4])
	d.LID = binary.BigEndian.Uint16(data[4:6])
	copy(d.GID[:], data[6:22])
	d.Addr = binary.BigEndian.Uint64(data[22:30])
	d.RKey = binary.BigEndian.Uint32(data[30:34])
	return nil
}

// String renders the descriptor as the single line a human copies to the
// peer: QPN LID GID_SUBNET GID_INTERFACE ADDR RKEY, all decimal.
func (d EndpointDescriptor) String() string {
	return fmt.Sprintf("%d %d %d %d %d %d",
		d.QPN, d.LID, d.GID.SubnetPrefix(), d.GID.InterfaceID(), d.Addr, d.RKey)
}

// ParseDescriptor parses the line form produced by String. The five-field
// form QPN GID_SUBNET GID_INTERFACE ADDR RKEY, which omits the LID, is also
// accepted for RoCE peers.
func ParseDescriptor(line string) (EndpointDescriptor, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 5:
		fields = append(fields[:1], append([]string{"0"}, fields[1:]...)...)
	case 6:
	default:
		return EndpointDescriptor{}, fmt.Errorf("descriptor needs 5 or 6 fields, got %d", len(fields))
	}

	var (
		d               EndpointDescriptor
		subnet, ifaceID uint64
	)
	if _, err := fmt.Sscan(strings.Join(fields, " "), &d.QPN, &d.LID, &subnet, &ifaceID, &d.Addr, &d.RKey); err != nil {
		return EndpointDescriptor{}, fmt.Errorf("parse descriptor %q: %w", line, err)
	}
	d.GID = GIDFromParts(subnet, ifaceID)
	return d, nil
}
