// rdma-write demonstrates a one-sided RDMA WRITE between two reliable
// connected queue pairs. The server exposes a registered buffer, the client
// writes a greeting into it, and the server watches its memory change.
//
// Usage:
//
//	rdma-write server --listen :18515
//	rdma-write client --connect 192.168.1.10:18515
//	rdma-write loopback
//	rdma-write discover --ports
//	rdma-write doctor --ibdev rxe0 --gid-index 1
//	rdma-write cdi --ibdev mlx5_0
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/rdma-write/pkg/cdi"
	"github.com/Nativu5/rdma-write/pkg/discover"
	"github.com/Nativu5/rdma-write/pkg/doctor"
	"github.com/Nativu5/rdma-write/pkg/rdma"
	"github.com/Nativu5/rdma-write/pkg/types"
)

// Exit codes following CLI conventions.
const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "rdma-write",
		Short: "One-sided RDMA WRITE demo",
		Long:  "Connects two RC queue pairs, swaps endpoint descriptors out of band and writes a message into the peer's registered memory.",
		// Silence default usage on runtime errors; we handle exit codes ourselves.
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			log.SetLevel(lvl)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	root.AddCommand(
		newPeerCmd(roleServer),
		newPeerCmd(roleClient),
		newLoopbackCmd(),
		newDiscoverCmd(),
		newDoctorCmd(),
		newCDICmd(),
		newVersionCmd(),
	)

	return root
}

// ──────────────────────────────────────────────
//  device selection
// ──────────────────────────────────────────────

// deviceSelector holds the locator flags shared by discover, doctor and cdi.
type deviceSelector struct {
	all    bool
	pci    string
	ifname string
	ibdev  string
}

func (s *deviceSelector) register(cmd *cobra.Command, what string) {
	cmd.Flags().BoolVar(&s.all, "all", true, what+" all RDMA devices on the host")
	cmd.Flags().StringVar(&s.pci, "pci", "", "PCI BDF address (e.g. 0000:86:00.0)")
	cmd.Flags().StringVar(&s.ifname, "ifname", "", "Network interface name (e.g. ib0)")
	cmd.Flags().StringVar(&s.ibdev, "ibdev", "", "Verbs device name (e.g. rxe0)")

	cmd.MarkFlagsMutuallyExclusive("pci", "ifname", "ibdev")
}

// resolve returns the selected devices. A locator wins over --all.
func (s *deviceSelector) resolve(d types.RdmaDeviceDiscoverer) ([]*types.RdmaDevice, error) {
	if s.pci != "" || s.ifname != "" || s.ibdev != "" {
		if s.all {
			log.Debug("--all ignored because a device was specified")
		}
		s.all = false
	}

	var (
		dev *types.RdmaDevice
		err error
	)
	switch {
	case s.pci != "":
		dev, err = d.DiscoverByPCI(s.pci)
	case s.ifname != "":
		dev, err = d.DiscoverByIfName(s.ifname)
	case s.ibdev != "":
		dev, err = d.DiscoverByIBDev(s.ibdev)
	default:
		devices, err := d.DiscoverAll()
		if err != nil {
			return nil, fmt.Errorf("device discovery failed: %w", err)
		}
		return devices, nil
	}
	if err != nil {
		return nil, fmt.Errorf("device discovery failed: %w", err)
	}
	return []*types.RdmaDevice{dev}, nil
}

// ──────────────────────────────────────────────
//  discover
// ──────────────────────────────────────────────

func newDiscoverCmd() *cobra.Command {
	var (
		sel    deviceSelector
		output string
		ports  bool
	)

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover RDMA devices, their character devices and ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := sel.resolve(rdma.NewDiscoverer())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch output {
			case "json":
				return discover.PrintJSON(out, devices)
			case "yaml":
				return discover.PrintYAML(out, devices)
			case "table":
				discover.PrintTable(out, devices)
				if ports {
					fmt.Fprintln(out)
					discover.PrintPorts(out, devices)
				}
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", output)
			}
		},
	}

	sel.register(cmd, "Discover")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json|yaml)")
	cmd.Flags().BoolVar(&ports, "ports", false, "Also list ports and GID table entries (table output)")

	return cmd
}

// ──────────────────────────────────────────────
//  doctor
// ──────────────────────────────────────────────

// errChecksFailed is returned when the doctor report fails the command.
var errChecksFailed = errors.New("diagnostics reported problems")

func newDoctorCmd() *cobra.Command {
	var (
		sel      deviceSelector
		opts     = doctor.DefaultOptions()
		strict   bool
		showPass bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that a device is ready for the RDMA write demo",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := sel.resolve(rdma.NewDiscoverer())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return fmt.Errorf("%w: no RDMA devices found", errChecksFailed)
			}

			var reports []*doctor.Report
			for _, dev := range devices {
				reports = append(reports, doctor.DiagnoseDevice(dev, opts))
			}
			merged := doctor.MergeReports(reports...)

			switch output {
			case "json":
				if err := doctor.PrintJSON(cmd.OutOrStdout(), merged, showPass); err != nil {
					return err
				}
			default:
				doctor.PrintTable(cmd.OutOrStdout(), merged, showPass)
			}

			if merged.ExitNonZero(strict) {
				return errChecksFailed
			}
			return nil
		},
	}

	sel.register(cmd, "Check")
	cmd.Flags().IntVar(&opts.Port, "ib-port", opts.Port, "Device port the queue pair will use")
	cmd.Flags().IntVar(&opts.GIDIndex, "gid-index", opts.GIDIndex, "GID table index the queue pair will advertise")
	cmd.Flags().StringSliceVar(&opts.CDIDirs, "cdi-dir", nil, "CDI spec directories to search for the device (skipped if empty)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero on warnings")
	cmd.Flags().BoolVar(&showPass, "show-pass", false, "Show passed checks in output")
	cmd.Flags().StringVar(&output, "output", "table", "Output format (table|json)")

	return cmd
}

// ──────────────────────────────────────────────
//  cdi
// ──────────────────────────────────────────────

func newCDICmd() *cobra.Command {
	var (
		sel       deviceSelector
		vendor    string
		class     string
		outputDir string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "cdi",
		Short: "Write a CDI spec exposing the verbs character devices to containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := sel.resolve(rdma.NewDiscoverer())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No RDMA devices found.")
				return nil
			}

			spec, err := cdi.BuildSpec(vendor, class, devices)
			if err != nil {
				return fmt.Errorf("CDI spec generation failed: %w", err)
			}
			path, err := cdi.WriteSpec(spec, outputDir, format)
			if err != nil {
				return fmt.Errorf("CDI spec generation failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "CDI spec written to %s\n", path)
			for _, name := range cdi.QualifiedNames(spec) {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
			}
			return nil
		},
	}

	sel.register(cmd, "Expose")
	cmd.Flags().StringVar(&vendor, "vendor", cdi.DefaultVendor, "CDI vendor")
	cmd.Flags().StringVar(&class, "class", cdi.DefaultClass, "CDI device class")
	cmd.Flags().StringVar(&outputDir, "output-dir", cdi.DefaultOutputDir, "Output directory for the CDI spec file")
	cmd.Flags().StringVar(&format, "format", "yaml", "Output format (json|yaml)")

	return cmd
}

// ──────────────────────────────────────────────
//  version
// ──────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rdma-write %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
