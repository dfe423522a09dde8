package discover

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"sigs.k8s.io/yaml"

	"github.com/Nativu5/rdma-write/pkg/types"
)

func sampleDevices() []*types.RdmaDevice {
	gid0, _ := types.ParseGID("fe80::200:5eff:fe00:1")
	gid1, _ := types.ParseGID("::ffff:10.0.0.1")
	return []*types.RdmaDevice{
		{
			PciAddress: "0000:17:00.0",
			IfName:     "enp23s0f0np0",
			Driver:     "mlx5_core",
			LinkType:   "ether",
			IBDevices:  []string{"mlx5_0"},
			RdmaDevices: []string{
				"/dev/infiniband/umad0",
				"/dev/infiniband/uverbs0",
				"/dev/infiniband/rdma_cm",
			},
			Ports: []types.PortInfo{{Number: 1, State: "DOWN", LinkLayer: "Ethernet"}},
		},
		{
			IfName:      "eth0",
			IBDevices:   []string{"rxe0"},
			RdmaDevices: []string{"/dev/infiniband/uverbs1"},
			Ports: []types.PortInfo{{
				Number:    1,
				State:     "ACTIVE",
				LinkLayer: "Ethernet",
				GIDs:      map[int]types.GID{1: gid1, 0: gid0},
			}},
		},
	}
}

func TestPrintTable_Basic(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, sampleDevices())
	output := buf.String()

	for _, want := range []string{"PCI ADDRESS", "INTERFACE", "0000:17:00.0", "enp23s0f0np0", "mlx5_0", "rxe0"} {
		if !strings.Contains(output, want) {
			t.Errorf("table should contain %q:\n%s", want, output)
		}
	}

	// Soft-RoCE has no PCI function and no driver
	if !strings.Contains(output, "(virtual)") {
		t.Error("table should show (virtual) for a device without PCI address")
	}
	if !strings.Contains(output, "(unknown)") {
		t.Error("table should show (unknown) for missing driver/linktype")
	}
}

func TestPrintTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, nil)
	if !strings.Contains(buf.String(), "PCI ADDRESS") {
		t.Error("empty table should still render headers")
	}
}

func TestPrintPorts(t *testing.T) {
	var buf bytes.Buffer
	PrintPorts(&buf, sampleDevices())
	output := buf.String()

	for _, want := range []string{"GID INDEX", "ACTIVE", "DOWN", "10.0.0.1", "fe80::200:5eff:fe00:1", "(none)"} {
		if !strings.Contains(output, want) {
			t.Errorf("ports table should contain %q:\n%s", want, output)
		}
	}
	if strings.Index(output, "fe80::200:5eff:fe00:1") > strings.Index(output, "10.0.0.1") {
		t.Error("GIDs should be listed by index")
	}
}

func TestPrintJSON_Basic(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSON(&buf, sampleDevices()); err != nil {
		t.Fatalf("PrintJSON failed: %v", err)
	}

	var result []DeviceJSON
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(result))
	}
	if result[0].PciAddress != "0000:17:00.0" || result[0].Driver != "mlx5_core" {
		t.Errorf("unexpected first device: %+v", result[0])
	}
	gids := result[1].Ports[0].GIDs
	if len(gids) != 2 || gids[0].Index != 0 || gids[1].GID != "10.0.0.1" {
		t.Errorf("unexpected GIDs: %+v", gids)
	}
}

func TestPrintJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSON(&buf, nil); err != nil {
		t.Fatalf("PrintJSON with nil failed: %v", err)
	}

	var result []DeviceJSON
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected 0 devices, got %d", len(result))
	}
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintYAML(&buf, sampleDevices()); err != nil {
		t.Fatalf("PrintYAML failed: %v", err)
	}
	if !strings.Contains(buf.String(), "pci_address:") {
		t.Errorf("unexpected YAML:\n%s", buf.String())
	}

	var result []DeviceJSON
	if err := yaml.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if len(result) != 2 || result[1].IBDevices[0] != "rxe0" {
		t.Errorf("unexpected devices: %+v", result)
	}
}

func TestPrintDescriptors(t *testing.T) {
	server := types.EndpointDescriptor{
		QPN:  17,
		GID:  types.GIDFromParts(0, 0x0000_ffff_0a00_0001),
		Addr: 0x7f0000001000,
		RKey: 0x1001,
	}
	client := server
	client.QPN = 18
	client.RKey = 0x1003

	var buf bytes.Buffer
	PrintDescriptors(&buf, NamedDescriptor{"server", server}, NamedDescriptor{"client", client})
	output := buf.String()

	for _, want := range []string{"SERVER", "CLIENT", "QPN", "17", "18", "0x1001", "0x1003", "0x7f0000001000", "10.0.0.1"} {
		if !strings.Contains(output, want) {
			t.Errorf("descriptor table should contain %q:\n%s", want, output)
		}
	}
}
