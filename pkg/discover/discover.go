// Package discover provides output formatting for the discover subcommand
// and for endpoint descriptors.
package discover

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/rdma-write/pkg/types"
)

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}

// PrintTable renders discovered RDMA devices as a human-readable table.
func PrintTable(w io.Writer, devices []*types.RdmaDevice) {
	table := tablewriter.NewTable(w)
	table.Header("DEVICE", "PCI ADDRESS", "INTERFACE", "DRIVER", "LINK TYPE", "CHAR DEVICES")
	for _, dev := range devices {
		table.Append(
			orPlaceholder(strings.Join(dev.IBDevices, ", "), "(none)"),
			orPlaceholder(dev.PciAddress, "(virtual)"),
			orPlaceholder(dev.IfName, "(none)"),
			orPlaceholder(dev.Driver, "(unknown)"),
			orPlaceholder(dev.LinkType, "(unknown)"),
			strings.Join(dev.RdmaDevices, ", "),
		)
	}
	table.Render()
}

// PrintPorts renders one row per populated GID of every port, which is
// what a user needs to pick --ib-port and --gid-index.
func PrintPorts(w io.Writer, devices []*types.RdmaDevice) {
	table := tablewriter.NewTable(w)
	table.Header("DEVICE", "PORT", "STATE", "LINK LAYER", "LID", "GID INDEX", "GID")
	for _, dev := range devices {
		name := orPlaceholder(strings.Join(dev.IBDevices, ", "), dev.PciAddress)
		for _, p := range dev.Ports {
			row := []string{name, fmt.Sprint(p.Number), p.State, p.LinkLayer, fmt.Sprintf("0x%x", p.LID)}
			if len(p.GIDs) == 0 {
				table.Append(append(row, "-", "(none)"))
				continue
			}
			for _, idx := range sortedIndexes(p.GIDs) {
				table.Append(append(row, fmt.Sprint(idx), p.GIDs[idx].String()))
			}
		}
	}
	table.Render()
}

func sortedIndexes(gids map[int]types.GID) []int {
	idx := make([]int, 0, len(gids))
	for i := range gids {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// DeviceJSON is the JSON representation of a discovered RDMA device.
type DeviceJSON struct {
	IBDevices   []string   `json:"ib_devices,omitempty"`
	PciAddress  string     `json:"pci_address,omitempty"`
	IfName      string     `json:"interface,omitempty"`
	Driver      string     `json:"driver,omitempty"`
	LinkType    string     `json:"link_type,omitempty"`
	RdmaDevices []string   `json:"rdma_devices"`
	Ports       []PortJSON `json:"ports,omitempty"`
}

// PortJSON is the JSON representation of one device port.
type PortJSON struct {
	Number    int       `json:"number"`
	State     string    `json:"state"`
	LinkLayer string    `json:"link_layer"`
	LID       uint16    `json:"lid"`
	GIDs      []GIDJSON `json:"gids,omitempty"`
}

// GIDJSON is one populated GID table entry.
type GIDJSON struct {
	Index int    `json:"index"`
	GID   string `json:"gid"`
}

func toJSON(devices []*types.RdmaDevice) []DeviceJSON {
	out := make([]DeviceJSON, 0, len(devices))
	for _, dev := range devices {
		d := DeviceJSON{
			IBDevices:   dev.IBDevices,
			PciAddress:  dev.PciAddress,
			IfName:      dev.IfName,
			Driver:      dev.Driver,
			LinkType:    dev.LinkType,
			RdmaDevices: dev.RdmaDevices,
		}
		for _, p := range dev.Ports {
			pj := PortJSON{Number: p.Number, State: p.State, LinkLayer: p.LinkLayer, LID: p.LID}
			for _, idx := range sortedIndexes(p.GIDs) {
				pj.GIDs = append(pj.GIDs, GIDJSON{Index: idx, GID: p.GIDs[idx].String()})
			}
			d.Ports = append(d.Ports, pj)
		}
		out = append(out, d)
	}
	return out
}

// PrintJSON renders discovered RDMA devices as JSON.
func PrintJSON(w io.Writer, devices []*types.RdmaDevice) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(toJSON(devices))
}

// PrintYAML renders discovered RDMA devices as YAML.
func PrintYAML(w io.Writer, devices []*types.RdmaDevice) error {
	data, err := yaml.Marshal(toJSON(devices))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// NamedDescriptor labels a descriptor in PrintDescriptors.
type NamedDescriptor struct {
	Name       string
	Descriptor types.EndpointDescriptor
}

// PrintDescriptors renders endpoint descriptors side by side.
func PrintDescriptors(w io.Writer, descs ...NamedDescriptor) {
	table := tablewriter.NewTable(w)
	header := []string{"FIELD"}
	for _, d := range descs {
		header = append(header, strings.ToUpper(d.Name))
	}
	table.Header(header)

	rows := []struct {
		field string
		value func(types.EndpointDescriptor) string
	}{
		{"QPN", func(d types.EndpointDescriptor) string { return fmt.Sprint(d.QPN) }},
		{"LID", func(d types.EndpointDescriptor) string { return fmt.Sprint(d.LID) }},
		{"GID", func(d types.EndpointDescriptor) string { return d.GID.String() }},
		{"ADDR", func(d types.EndpointDescriptor) string { return fmt.Sprintf("0x%x", d.Addr) }},
		{"RKEY", func(d types.EndpointDescriptor) string { return fmt.Sprintf("0x%x", d.RKey) }},
	}
	for _, r := range rows {
		row := []string{r.field}
		for _, d := range descs {
			row = append(row, r.value(d.Descriptor))
		}
		table.Append(row)
	}
	table.Render()
}
