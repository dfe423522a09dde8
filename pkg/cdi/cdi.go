// Package cdi connects rdma-write to the Container Device Interface.
// It writes a CDI spec exposing the verbs character devices of a host
// device, so server and client can run inside a container, and looks up
// which existing specs already expose a device.
package cdi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	cdiparser "tags.cncf.io/container-device-interface/pkg/parser"
	cdiSpecs "tags.cncf.io/container-device-interface/specs-go"

	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/utils"

	"sigs.k8s.io/yaml"
)

const (
	// FilePrefix is prepended to all spec files written by this tool.
	FilePrefix = "rdma-write"

	// DefaultOutputDir is the standard CDI spec directory.
	DefaultOutputDir = "/etc/cdi"

	// DefaultVendor and DefaultClass form the spec kind "rdma/verbs".
	DefaultVendor = "rdma"
	DefaultClass  = "verbs"
)

// DefaultSpecDirs are searched when no directory is given.
var DefaultSpecDirs = []string{"/etc/cdi", "/var/run/cdi"}

// SpecFileName returns the deterministic file name for a kind and format.
// Format: rdma-write_<vendor>_<class>.<ext>
func SpecFileName(vendor, class, format string) string {
	safeVendor := strings.ReplaceAll(vendor, "/", "_")
	return fmt.Sprintf("%s_%s_%s.%s", FilePrefix, safeVendor, class, format)
}

// DeviceName returns the CDI device name for dev: its verbs device name, or
// its PCI address for functions without one, made safe for CDI.
func DeviceName(dev *types.RdmaDevice) string {
	if len(dev.IBDevices) > 0 {
		return utils.SanitizeName(dev.IBDevices[0])
	}
	return utils.SanitizeName(dev.PciAddress)
}

// BuildSpec returns a spec of kind vendor/class with one CDI device per RDMA
// device, each granting read-write access to its character devices.
func BuildSpec(vendor, class string, devices []*types.RdmaDevice) (*cdiSpecs.Spec, error) {
	cdiDevices := make([]cdiSpecs.Device, 0, len(devices))
	for _, dev := range devices {
		edits := cdiSpecs.ContainerEdits{
			DeviceNodes: make([]*cdiSpecs.DeviceNode, 0, len(dev.RdmaDevices)),
		}
		for _, node := range dev.RdmaDevices {
			edits.DeviceNodes = append(edits.DeviceNodes, &cdiSpecs.DeviceNode{
				Path:        node,
				HostPath:    node,
				Permissions: "rw",
			})
		}
		cdiDevices = append(cdiDevices, cdiSpecs.Device{
			Name:           DeviceName(dev),
			ContainerEdits: edits,
		})
	}

	spec := &cdiSpecs.Spec{
		Version: cdiSpecs.CurrentVersion,
		Kind:    vendor + "/" + class,
		Devices: cdiDevices,
	}
	if err := validateSpec(spec); err != nil {
		return nil, fmt.Errorf("generated CDI spec is invalid: %w", err)
	}
	return spec, nil
}

// WriteSpec writes spec into outputDir and returns the file path.
func WriteSpec(spec *cdiSpecs.Spec, outputDir, format string) (string, error) {
	vendor, class := cdiparser.ParseQualifier(spec.Kind)
	filePath := filepath.Join(outputDir, SpecFileName(vendor, class, format))

	data, err := marshalSpec(spec, format)
	if err != nil {
		return "", fmt.Errorf("cannot marshal CDI spec: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("cannot create output directory %s: %w", outputDir, err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("cannot write CDI spec file %s: %w", filePath, err)
	}

	log.Infof("CDI spec written to %s", filePath)
	return filePath, nil
}

// QualifiedNames returns the fully qualified names (vendor/class=name) of
// every device in spec.
func QualifiedNames(spec *cdiSpecs.Spec) []string {
	vendor, class := cdiparser.ParseQualifier(spec.Kind)
	names := make([]string, 0, len(spec.Devices))
	for _, d := range spec.Devices {
		names = append(names, cdiparser.QualifiedName(vendor, class, d.Name))
	}
	return names
}

// LoadedSpec is a spec file read from disk.
type LoadedSpec struct {
	Path string
	Spec *cdiSpecs.Spec
}

// LoadSpecs reads every .json and .yaml spec in dirs. Missing directories
// are skipped; unparseable files are logged and skipped.
func LoadSpecs(dirs []string) ([]LoadedSpec, error) {
	var loaded []LoadedSpec
	for _, dir := range dirs {
		var paths []string
		for _, ext := range []string{"json", "yaml"} {
			m, err := filepath.Glob(filepath.Join(dir, "*."+ext))
			if err != nil {
				return nil, fmt.Errorf("glob error in %s: %w", dir, err)
			}
			paths = append(paths, m...)
		}
		sort.Strings(paths)

		for _, p := range paths {
			data, err := os.ReadFile(p)
			if err != nil {
				log.Warnf("cannot read CDI spec %s: %v", p, err)
				continue
			}
			spec := &cdiSpecs.Spec{}
			if err := yaml.Unmarshal(data, spec); err != nil {
				log.Warnf("cannot parse CDI spec %s: %v", p, err)
				continue
			}
			if err := validateSpec(spec); err != nil {
				log.Warnf("ignoring CDI spec %s: %v", p, err)
				continue
			}
			loaded = append(loaded, LoadedSpec{Path: p, Spec: spec})
		}
	}
	return loaded, nil
}

// Exposing returns the qualified names of the devices in specs whose
// device nodes include charDev.
func Exposing(specs []LoadedSpec, charDev string) []string {
	var names []string
	for _, ls := range specs {
		vendor, class := cdiparser.ParseQualifier(ls.Spec.Kind)
		for _, d := range ls.Spec.Devices {
			for _, n := range d.ContainerEdits.DeviceNodes {
				if n.Path == charDev || n.HostPath == charDev {
					names = append(names, cdiparser.QualifiedName(vendor, class, d.Name))
					break
				}
			}
		}
	}
	return names
}

// validateSpec performs basic validation on a CDI spec.
func validateSpec(spec *cdiSpecs.Spec) error {
	if spec.Kind == "" {
		return fmt.Errorf("spec kind must not be empty")
	}
	if vendor, class := cdiparser.ParseQualifier(spec.Kind); vendor == "" || class == "" {
		return fmt.Errorf("spec kind %q is not vendor/class", spec.Kind)
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("spec must contain at least one device")
	}
	return nil
}

// marshalSpec serializes a CDI spec to JSON or YAML bytes.
func marshalSpec(spec *cdiSpecs.Spec, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(spec, "", "  ")
	case "yaml":
		return yaml.Marshal(spec)
	default:
		return nil, fmt.Errorf("unsupported format %q: use json or yaml", format)
	}
}
