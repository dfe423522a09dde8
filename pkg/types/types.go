// Package types defines shared data types for the rdma-write tool: the host
// device records produced by discovery, the endpoint descriptor exchanged
// between peers, and the error taxonomy shared by every layer.
package types

// RdmaDevice represents a single RDMA-capable network device with its
// associated PCI address, verbs devices and discovered character devices.
type RdmaDevice struct {
	// PciAddress is the PCI Bus-Device-Function address (e.g. "0000:17:00.0").
	// Empty for software devices such as rxe, which have no PCI function.
	PciAddress string
	// IfName is the network interface name (e.g. "enp23s0f0np0").
	// May be empty if the device has no net interface.
	IfName string
	// Vendor is the PCI vendor ID (e.g. "15b3" for Mellanox).
	Vendor string
	// DeviceID is the PCI device/product ID.
	DeviceID string
	// Driver is the kernel driver bound to this device (e.g. "mlx5_core").
	Driver string
	// LinkType is the link encapsulation type (e.g. "infiniband", "ether").
	LinkType string
	// IBDevices lists the verbs device names backed by this function (e.g. ["mlx5_0"]).
	IBDevices []string
	// Ports holds per-port attributes of the first verbs device.
	Ports []PortInfo
	// RdmaDevices is the list of RDMA character device paths
	// (e.g. ["/dev/infiniband/uverbs0", "/dev/infiniband/rdma_cm"]).
	RdmaDevices []string
}

// PortInfo describes one port of a verbs device as read from sysfs.
type PortInfo struct {
	// Number is the 1-based port number.
	Number int
	// State is the textual port state (e.g. "ACTIVE", "DOWN").
	State string
	// LinkLayer is "InfiniBand" or "Ethernet".
	LinkLayer string
	// LID is the port's local identifier; zero on RoCE.
	LID uint16
	// GIDs maps populated GID table indexes to their value.
	GIDs map[int]GID
}

// Active reports whether the port can carry traffic.
func (p PortInfo) Active() bool {
	return p.State == "ACTIVE"
}

// RequiredRdmaDevices lists the RDMA character device types that must be
// present for the verbs data path to work on a device.
var RequiredRdmaDevices = []string{"uverbs"}

// OptionalRdmaDevices are reported when missing but do not block a
// connection: the descriptor exchange does not go through rdma_cm, and
// Soft-RoCE devices have no MAD interface.
var OptionalRdmaDevices = []string{"rdma_cm", "umad"}

// RdmaDeviceDiscoverer abstracts RDMA device discovery for testability.
type RdmaDeviceDiscoverer interface {
	// DiscoverByPCI discovers an RdmaDevice from a PCI BDF address.
	DiscoverByPCI(pciAddress string) (*RdmaDevice, error)
	// DiscoverByIfName discovers an RdmaDevice from a network interface name.
	DiscoverByIfName(ifName string) (*RdmaDevice, error)
	// DiscoverByIBDev discovers an RdmaDevice from a verbs device name.
	DiscoverByIBDev(ibdev string) (*RdmaDevice, error)
	// DiscoverAll discovers all RDMA-capable devices on the host.
	DiscoverAll() ([]*RdmaDevice, error)
}
