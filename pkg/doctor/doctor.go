// Package doctor provides preflight diagnostics for rdma-write.
// It checks that a verbs device can carry an RC connection: character
// devices, kernel modules, port state, the GID table entry the connection
// will use, the bound network interface and, optionally, CDI exposure.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/rdma-write/pkg/cdi"
	"github.com/Nativu5/rdma-write/pkg/rdma"
	"github.com/Nativu5/rdma-write/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

var sysModule = "/sys/module"

// requiredKernelModules must be loaded for any verbs application.
var requiredKernelModules = []string{"ib_core", "ib_uverbs"}

// softRoCEModule backs rxe devices.
const softRoCEModule = "rdma_rxe"

// Options selects what the connection will use.
type Options struct {
	// Port is the 1-based port the queue pair binds to.
	Port int
	// GIDIndex is the source GID table entry.
	GIDIndex int
	// CDIDirs, if set, are searched for specs exposing the device.
	CDIDirs []string
}

// DefaultOptions matches the connection defaults: port 1, GID index 1.
func DefaultOptions() Options {
	return Options{Port: 1, GIDIndex: 1}
}

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a device or the whole host.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// ExitNonZero reports whether the report should fail the command.
func (r *Report) ExitNonZero(strict bool) bool {
	return r.HasFail || (strict && r.HasWarn)
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// deviceLabel names dev in results: verbs name first, then PCI address.
func deviceLabel(dev *types.RdmaDevice) string {
	if len(dev.IBDevices) > 0 {
		return dev.IBDevices[0]
	}
	return dev.PciAddress
}

// DiagnoseDevice runs all checks on a single RDMA device.
func DiagnoseDevice(dev *types.RdmaDevice, opts Options) *Report {
	report := &Report{}
	label := deviceLabel(dev)

	// 1. RDMA character devices
	checkCharDevices(report, dev, label)

	// 2. Kernel modules
	checkKernelModules(report, dev)

	// 3. Port state and GID table
	checkPort(report, dev, label, opts)

	// 4. Network interface, link state and address
	if dev.IfName != "" {
		report.add(CheckResult{
			Check:    "net_interface",
			Severity: Pass,
			Message:  fmt.Sprintf("Interface: %s", dev.IfName),
			Device:   label,
		})
		checkLinkAttrs(report, dev, label)
	} else {
		report.add(CheckResult{
			Check:    "net_interface",
			Severity: Warn,
			Message:  "No network interface associated",
			Device:   label,
		})
	}

	// 5. CDI exposure
	if len(opts.CDIDirs) > 0 {
		checkCDI(report, dev, label, opts.CDIDirs)
	}

	return report
}

func checkCharDevices(report *Report, dev *types.RdmaDevice, label string) {
	if len(dev.RdmaDevices) == 0 {
		report.add(CheckResult{
			Check:    "rdma_devices",
			Severity: Fail,
			Message:  "No RDMA character devices found",
			Device:   label,
		})
		return
	}
	if err := rdma.VerifyRdmaDevices(dev.RdmaDevices); err != nil {
		report.add(CheckResult{
			Check:    "rdma_devices",
			Severity: Fail,
			Message:  fmt.Sprintf("Found %d device(s) but %v", len(dev.RdmaDevices), err),
			Device:   label,
		})
		return
	}
	report.add(CheckResult{
		Check:    "rdma_devices",
		Severity: Pass,
		Message:  fmt.Sprintf("Verbs character devices present (%d): %s", len(dev.RdmaDevices), strings.Join(dev.RdmaDevices, ", ")),
		Device:   label,
	})
	if missing := rdma.MissingRdmaDevices(dev.RdmaDevices, types.OptionalRdmaDevices); len(missing) > 0 {
		report.add(CheckResult{
			Check:    "rdma_devices_optional",
			Severity: Warn,
			Message:  fmt.Sprintf("Not present (not needed for RDMA WRITE): %s", strings.Join(missing, ", ")),
			Device:   label,
		})
	}
}

// isSoftRoCE reports whether dev is an rxe device.
func isSoftRoCE(dev *types.RdmaDevice) bool {
	return len(dev.IBDevices) > 0 && strings.HasPrefix(dev.IBDevices[0], "rxe")
}

// checkKernelModules verifies that the verbs modules are loaded, plus
// rdma_rxe for Soft-RoCE devices.
func checkKernelModules(report *Report, dev *types.RdmaDevice) {
	want := requiredKernelModules
	if isSoftRoCE(dev) {
		want = append(append([]string{}, want...), softRoCEModule)
	}

	var missing []string
	for _, mod := range want {
		if _, err := os.Stat(filepath.Join(sysModule, mod)); os.IsNotExist(err) {
			missing = append(missing, mod)
		}
	}
	if len(missing) > 0 {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Fail,
			Message:  fmt.Sprintf("Missing kernel modules: %s", strings.Join(missing, ", ")),
		})
		return
	}
	report.add(CheckResult{
		Check:    "kernel_modules",
		Severity: Pass,
		Message:  fmt.Sprintf("Kernel modules loaded: %s", strings.Join(want, ", ")),
	})
}

// checkPort verifies the connection's port is ACTIVE and its GID index is
// populated.
func checkPort(report *Report, dev *types.RdmaDevice, label string, opts Options) {
	var port *types.PortInfo
	for i := range dev.Ports {
		if dev.Ports[i].Number == opts.Port {
			port = &dev.Ports[i]
			break
		}
	}
	if port == nil {
		report.add(CheckResult{
			Check:    "port_state",
			Severity: Fail,
			Message:  fmt.Sprintf("Port %d not found (%d port(s) reported)", opts.Port, len(dev.Ports)),
			Device:   label,
		})
		return
	}

	if port.Active() {
		report.add(CheckResult{
			Check:    "port_state",
			Severity: Pass,
			Message:  fmt.Sprintf("Port %d is %s (%s)", port.Number, port.State, port.LinkLayer),
			Device:   label,
		})
	} else {
		report.add(CheckResult{
			Check:    "port_state",
			Severity: Fail,
			Message:  fmt.Sprintf("Port %d is %s, expected ACTIVE", port.Number, port.State),
			Device:   label,
		})
	}

	gid, ok := port.GIDs[opts.GIDIndex]
	switch {
	case !ok:
		report.add(CheckResult{
			Check:    "gid_index",
			Severity: Fail,
			Message:  fmt.Sprintf("GID index %d is not populated on port %d", opts.GIDIndex, port.Number),
			Device:   label,
		})
	case port.LinkLayer == "Ethernet" && !isIPv4Mapped(gid):
		// RoCEv2 GIDs derived from an IPv4 address are the routable ones.
		report.add(CheckResult{
			Check:    "gid_index",
			Severity: Warn,
			Message:  fmt.Sprintf("GID index %d is %s, not IPv4-mapped; peers on other subnets may be unreachable", opts.GIDIndex, gid),
			Device:   label,
		})
	default:
		report.add(CheckResult{
			Check:    "gid_index",
			Severity: Pass,
			Message:  fmt.Sprintf("GID index %d: %s", opts.GIDIndex, gid),
			Device:   label,
		})
	}
}

func isIPv4Mapped(g types.GID) bool {
	for _, b := range g[:10] {
		if b != 0 {
			return false
		}
	}
	return g[10] == 0xff && g[11] == 0xff
}

// checkLinkAttrs uses netlink to inspect link state and IPv4 addressing.
func checkLinkAttrs(report *Report, dev *types.RdmaDevice, label string) {
	link, err := netlink.LinkByName(dev.IfName)
	if err != nil {
		report.add(CheckResult{
			Check:    "link_attrs",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot query link %s: %v", dev.IfName, err),
			Device:   label,
		})
		return
	}

	attrs := link.Attrs()
	dev.LinkType = attrs.EncapType

	state := attrs.OperState.String()
	severity := Warn
	if attrs.OperState == netlink.OperUp {
		severity = Pass
	}
	report.add(CheckResult{
		Check:    "link_state",
		Severity: severity,
		Message:  fmt.Sprintf("Link %s is %s (encap: %s, MTU: %d)", dev.IfName, state, attrs.EncapType, attrs.MTU),
		Device:   label,
	})

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	switch {
	case err != nil:
		report.add(CheckResult{
			Check:    "ipv4_address",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot list addresses of %s: %v", dev.IfName, err),
			Device:   label,
		})
	case len(addrs) == 0:
		report.add(CheckResult{
			Check:    "ipv4_address",
			Severity: Warn,
			Message:  fmt.Sprintf("%s has no IPv4 address, so no IPv4-mapped RoCE GID", dev.IfName),
			Device:   label,
		})
	default:
		ips := make([]string, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IPNet.String())
		}
		report.add(CheckResult{
			Check:    "ipv4_address",
			Severity: Pass,
			Message:  fmt.Sprintf("%s addresses: %s", dev.IfName, strings.Join(ips, ", ")),
			Device:   label,
		})
	}
}

// checkCDI reports which CDI devices expose the verbs character devices.
func checkCDI(report *Report, dev *types.RdmaDevice, label string, dirs []string) {
	specs, err := cdi.LoadSpecs(dirs)
	if err != nil {
		report.add(CheckResult{
			Check:    "cdi",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot load CDI specs: %v", err),
			Device:   label,
		})
		return
	}

	var exposed, unexposed []string
	for _, node := range dev.RdmaDevices {
		if !strings.Contains(filepath.Base(node), "uverbs") {
			continue
		}
		if names := cdi.Exposing(specs, node); len(names) > 0 {
			exposed = append(exposed, names...)
		} else {
			unexposed = append(unexposed, node)
		}
	}
	if len(unexposed) > 0 || len(exposed) == 0 {
		report.add(CheckResult{
			Check:    "cdi",
			Severity: Warn,
			Message:  fmt.Sprintf("No CDI spec in %s exposes %s", strings.Join(dirs, ", "), strings.Join(unexposed, ", ")),
			Device:   label,
		})
		return
	}
	report.add(CheckResult{
		Check:    "cdi",
		Severity: Pass,
		Message:  fmt.Sprintf("Exposed by %s", strings.Join(exposed, ", ")),
		Device:   label,
	})
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		table.Append(fmt.Sprintf("%s %s", marker, r.Severity), r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple per-device reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
