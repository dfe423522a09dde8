// Package rdma discovers the RDMA devices of the host.
// It combines the Mellanox/rdmamap library with sysfs and netlink to report,
// for every verbs device, its PCI function, network interface, character
// devices and per-port state and GID table.
package rdma

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Mellanox/rdmamap"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/rdma-write/pkg/types"
)

var (
	sysNetDevices      = "/sys/class/net"
	sysBusPci          = "/sys/bus/pci/devices"
	sysClassInfiniband = "/sys/class/infiniband"
)

// Discoverer implements types.RdmaDeviceDiscoverer using real sysfs + rdmamap.
type Discoverer struct{}

// NewDiscoverer returns a real RDMA device discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{}
}

// ───────────────────────────────────────────
//  sysfs helpers
// ───────────────────────────────────────────

// GetPciAddress returns the PCI address for a given network interface name
// by reading the /sys/class/net/<ifName>/device symlink.
func GetPciAddress(ifName string) (string, error) {
	return pciFromDeviceLink(path.Join(sysNetDevices, ifName, "device"), "interface "+strconv.Quote(ifName))
}

// GetNetNames returns the network interface names associated with a PCI device
// by listing /sys/bus/pci/devices/<pciAddr>/net/.
func GetNetNames(pciAddr string) ([]string, error) {
	netDir := filepath.Join(sysBusPci, pciAddr, "net")
	entries, err := os.ReadDir(netDir)
	if err != nil {
		return nil, fmt.Errorf("no net directory under PCI device %s: %w", pciAddr, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// GetPCIDevDriver returns the kernel driver currently bound to a PCI device.
func GetPCIDevDriver(pciAddr string) (string, error) {
	driverLink := filepath.Join(sysBusPci, pciAddr, "driver")
	driverInfo, err := os.Readlink(driverLink)
	if err != nil {
		return "", fmt.Errorf("cannot read driver symlink for PCI device %s: %w", pciAddr, err)
	}
	return filepath.Base(driverInfo), nil
}

// GetPCIVendor returns the PCI vendor ID for a device (e.g. "0x15b3" → "15b3").
func GetPCIVendor(pciAddr string) string {
	return readSysfsAttr(filepath.Join(sysBusPci, pciAddr, "vendor"))
}

// GetPCIDeviceID returns the PCI device/product ID for a device.
func GetPCIDeviceID(pciAddr string) string {
	return readSysfsAttr(filepath.Join(sysBusPci, pciAddr, "device"))
}

// GetLinkType returns the link encapsulation type for a network interface via netlink.
func GetLinkType(ifName string) string {
	if ifName == "" {
		return ""
	}
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return ""
	}
	return link.Attrs().EncapType
}

// IBDevPciAddress returns the PCI function behind a verbs device. Software
// devices such as rxe have none and return an error.
func IBDevPciAddress(ibdev string) (string, error) {
	return pciFromDeviceLink(filepath.Join(sysClassInfiniband, ibdev, "device"), "RDMA device "+strconv.Quote(ibdev))
}

// IBDevNetName returns the network interface a verbs device is bound to,
// read from the GID attributes of port 1. RoCE and Soft-RoCE devices have
// one; native InfiniBand devices may not.
func IBDevNetName(ibdev string) string {
	ndevs := filepath.Join(sysClassInfiniband, ibdev, "ports", "1", "gid_attrs", "ndevs")
	entries, err := os.ReadDir(ndevs)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if name := readSysfsAttr(filepath.Join(ndevs, e.Name())); name != "" {
			return name
		}
	}
	return ""
}

func pciFromDeviceLink(link, what string) (string, error) {
	info, err := os.Lstat(link)
	if err != nil {
		return "", fmt.Errorf("cannot stat device symlink for %s: %w", what, err)
	}
	if (info.Mode() & os.ModeSymlink) == 0 {
		return "", fmt.Errorf("no symbolic link for %s", what)
	}
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("cannot read device symlink for %s: %w", what, err)
	}
	// The symlink target looks like ../../devices/pci.../0000:86:00.0
	return path.Base(target), nil
}

// readSysfsAttr reads a single sysfs attribute file, strips the "0x" prefix and whitespace.
func readSysfsAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	val := strings.TrimSpace(string(data))
	val = strings.TrimPrefix(val, "0x")
	return val
}

// ───────────────────────────────────────────
//  ports and GID tables
// ───────────────────────────────────────────

// ReadPorts returns the attributes of every port of a verbs device from
// /sys/class/infiniband/<ibdev>/ports. Unpopulated GID entries are skipped.
func ReadPorts(ibdev string) ([]types.PortInfo, error) {
	portsDir := filepath.Join(sysClassInfiniband, ibdev, "ports")
	entries, err := os.ReadDir(portsDir)
	if err != nil {
		return nil, fmt.Errorf("cannot read ports of RDMA device %s: %w", ibdev, err)
	}

	var ports []types.PortInfo
	for _, e := range entries {
		num, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		dir := filepath.Join(portsDir, e.Name())
		port := types.PortInfo{
			Number:    num,
			State:     parsePortState(readSysfsAttr(filepath.Join(dir, "state"))),
			LinkLayer: readSysfsAttr(filepath.Join(dir, "link_layer")),
			GIDs:      readGIDs(filepath.Join(dir, "gids")),
		}
		if lid, err := strconv.ParseUint(readSysfsAttr(filepath.Join(dir, "lid")), 16, 16); err == nil {
			port.LID = uint16(lid)
		}
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Number < ports[j].Number })
	return ports, nil
}

// parsePortState turns "4: ACTIVE" into "ACTIVE".
func parsePortState(raw string) string {
	if _, state, ok := strings.Cut(raw, ":"); ok {
		return strings.TrimSpace(state)
	}
	return raw
}

func readGIDs(dir string) map[int]types.GID {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	gids := make(map[int]types.GID)
	for _, e := range entries {
		idx, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		gid, err := types.ParseGID(readSysfsAttr(filepath.Join(dir, e.Name())))
		if err != nil || gid.IsZero() {
			continue
		}
		gids[idx] = gid
	}
	return gids
}

// ───────────────────────────────────────────
//  RDMA character device discovery
// ───────────────────────────────────────────

// GetRdmaCharDevices returns all RDMA character device paths of the given
// verbs devices.
// Example: ["/dev/infiniband/uverbs0", "/dev/infiniband/rdma_cm"].
func GetRdmaCharDevices(ibdevs []string) []string {
	var charDevs []string
	for _, ibdev := range ibdevs {
		charDevs = append(charDevs, rdmamap.GetRdmaCharDevices(ibdev)...)
	}
	return charDevs
}

// VerifyRdmaDevices checks that all required RDMA character device types
// are present in the given device paths.
func VerifyRdmaDevices(charDevPaths []string) error {
	if missing := MissingRdmaDevices(charDevPaths, types.RequiredRdmaDevices); len(missing) > 0 {
		return fmt.Errorf("required RDMA device type %q not found", missing[0])
	}
	return nil
}

// MissingRdmaDevices returns the entries of want with no matching path.
func MissingRdmaDevices(charDevPaths, want []string) []string {
	var missing []string
	for _, required := range want {
		found := false
		for _, devPath := range charDevPaths {
			if strings.Contains(filepath.Base(devPath), required) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, required)
		}
	}
	return missing
}

// ───────────────────────────────────────────
//  device building
// ───────────────────────────────────────────

// buildRdmaDevice populates an RdmaDevice with metadata from sysfs and netlink.
func buildRdmaDevice(pciAddr string, ibdevs []string) *types.RdmaDevice {
	dev := &types.RdmaDevice{
		PciAddress:  pciAddr,
		IBDevices:   ibdevs,
		RdmaDevices: GetRdmaCharDevices(ibdevs),
	}

	// Best-effort enrichment; errors are non-fatal
	if pciAddr != "" {
		dev.Vendor = GetPCIVendor(pciAddr)
		dev.DeviceID = GetPCIDeviceID(pciAddr)
		if names, err := GetNetNames(pciAddr); err == nil && len(names) > 0 {
			dev.IfName = names[0]
		}
		if driver, err := GetPCIDevDriver(pciAddr); err == nil {
			dev.Driver = driver
		}
	}
	if len(ibdevs) > 0 {
		if dev.IfName == "" {
			dev.IfName = IBDevNetName(ibdevs[0])
		}
		if ports, err := ReadPorts(ibdevs[0]); err == nil {
			dev.Ports = ports
		} else {
			log.Debugf("rdma: %v", err)
		}
	}
	dev.LinkType = GetLinkType(dev.IfName)

	return dev
}

// ───────────────────────────────────────────
//  Discoverer methods
// ───────────────────────────────────────────

// DiscoverByPCI discovers an RdmaDevice from a PCI BDF address.
func (d *Discoverer) DiscoverByPCI(pciAddress string) (*types.RdmaDevice, error) {
	ibdevs := rdmamap.GetRdmaDevicesForPcidev(pciAddress)
	if len(ibdevs) == 0 {
		return nil, fmt.Errorf("no RDMA devices found for PCI address %s", pciAddress)
	}

	dev := buildRdmaDevice(pciAddress, ibdevs)
	if err := VerifyRdmaDevices(dev.RdmaDevices); err != nil {
		return nil, fmt.Errorf("RDMA device verification failed for %s: %w", pciAddress, err)
	}
	return dev, nil
}

// DiscoverByIfName discovers an RdmaDevice from a network interface name.
// Soft-RoCE devices are found through their netdev binding, hardware ones
// through the interface's PCI function.
func (d *Discoverer) DiscoverByIfName(ifName string) (*types.RdmaDevice, error) {
	if ibdev, err := rdmamap.GetRdmaDeviceForNetdevice(ifName); err == nil && ibdev != "" {
		dev, err := d.DiscoverByIBDev(ibdev)
		if err != nil {
			return nil, err
		}
		dev.IfName = ifName
		return dev, nil
	}

	pciAddr, err := GetPciAddress(ifName)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve PCI address for interface %q: %w", ifName, err)
	}

	dev, err := d.DiscoverByPCI(pciAddr)
	if err != nil {
		return nil, err
	}
	dev.IfName = ifName // prefer user-specified name
	return dev, nil
}

// DiscoverByIBDev discovers an RdmaDevice from a verbs device name such as
// "mlx5_0" or "rxe0".
func (d *Discoverer) DiscoverByIBDev(ibdev string) (*types.RdmaDevice, error) {
	if _, err := os.Stat(filepath.Join(sysClassInfiniband, ibdev)); err != nil {
		return nil, fmt.Errorf("RDMA device %s not found: %w", ibdev, err)
	}
	pciAddr, _ := IBDevPciAddress(ibdev)

	dev := buildRdmaDevice(pciAddr, []string{ibdev})
	if err := VerifyRdmaDevices(dev.RdmaDevices); err != nil {
		return nil, fmt.Errorf("RDMA device verification failed for %s: %w", ibdev, err)
	}
	return dev, nil
}

// DiscoverAll returns one RdmaDevice per verbs device on the host, sorted by
// name. Devices failing verification are still listed, so that doctor and
// discover can show what is wrong with them.
func (d *Discoverer) DiscoverAll() ([]*types.RdmaDevice, error) {
	ibdevs := rdmamap.GetRdmaDeviceList()
	if len(ibdevs) == 0 {
		return nil, fmt.Errorf("no RDMA devices found on the host")
	}
	sort.Strings(ibdevs)

	devices := make([]*types.RdmaDevice, 0, len(ibdevs))
	for _, ibdev := range ibdevs {
		pciAddr, _ := IBDevPciAddress(ibdev)
		devices = append(devices, buildRdmaDevice(pciAddr, []string{ibdev}))
	}
	return devices, nil
}
