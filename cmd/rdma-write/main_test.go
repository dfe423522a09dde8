package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nativu5/rdma-write/pkg/config"
	"github.com/Nativu5/rdma-write/pkg/controlplane"
	"github.com/Nativu5/rdma-write/pkg/types"
	"github.com/Nativu5/rdma-write/pkg/verbs"
)

// run executes the root command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// ──────────────────────────────────────────────
//  rootCmd structure
// ──────────────────────────────────────────────

func TestRootCmd_HasAllSubcommands(t *testing.T) {
	root := rootCmd()

	expected := map[string]bool{
		"server":   false,
		"client":   false,
		"loopback": false,
		"discover": false,
		"doctor":   false,
		"cdi":      false,
		"version":  false,
	}

	for _, sub := range root.Commands() {
		if _, ok := expected[sub.Name()]; ok {
			expected[sub.Name()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("missing subcommand: %s", name)
		}
	}
}

func TestRootCmd_InvalidLogLevel(t *testing.T) {
	_, err := run(t, "--log-level", "loud", "version")
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("expected invalid log level error, got %v", err)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "rdma-write dev") {
		t.Errorf("unexpected version output %q", out)
	}
}

// ──────────────────────────────────────────────
//  server / client flags
// ──────────────────────────────────────────────

func TestPeerCmd_Flags(t *testing.T) {
	for _, role := range []string{"server", "client"} {
		var cmd *cobra.Command
		if role == "server" {
			cmd = newPeerCmd(roleServer)
		} else {
			cmd = newPeerCmd(roleClient)
		}

		flags := []string{
			"config", "provider", "device", "ib-port", "gid-index", "size", "message",
			"timeout", "metrics-addr", "listen", "connect", "manual", "psn", "mtu",
		}
		for _, flag := range flags {
			if cmd.Flags().Lookup(flag) == nil {
				t.Errorf("%s command missing flag: --%s", role, flag)
			}
		}
	}
}

func TestPeerCmd_DefaultValues(t *testing.T) {
	cmd := newPeerCmd(roleServer)

	tests := []struct {
		flag string
		want string
	}{
		{"provider", "ibverbs"},
		{"ib-port", "1"},
		{"gid-index", "1"},
		{"size", "1024"},
		{"message", "Client: Hello RDMA World!"},
		{"timeout", "2m0s"},
		{"listen", ":18515"},
		{"connect", ""},
		{"manual", "false"},
		{"psn", "0"},
		{"mtu", "1024"},
	}

	for _, tc := range tests {
		f := cmd.Flags().Lookup(tc.flag)
		if f.DefValue != tc.want {
			t.Errorf("flag --%s default = %q, want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}

// parsePeer registers the peer flags on a bare command and parses args.
func parsePeer(t *testing.T, args ...string) (*cobra.Command, *peerFlags) {
	t.Helper()
	cmd := &cobra.Command{Use: "client"}
	var f peerFlags
	f.register(cmd, config.Default())
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags(%v): %v", args, err)
	}
	return cmd, &f
}

func TestPeerFlags_OverrideDefaults(t *testing.T) {
	cmd, f := parsePeer(t, "--connect", "10.0.0.2:18515", "--gid-index", "3", "--psn", "42", "--mtu", "4096", "--timeout", "5s")
	cfg, err := f.load(cmd)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Connect != "10.0.0.2:18515" || cfg.GIDIndex != 3 {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Connection.SQPSN != 42 || cfg.Connection.RQPSN != 42 {
		t.Errorf("--psn should set both PSNs, got sq %d rq %d", cfg.Connection.SQPSN, cfg.Connection.RQPSN)
	}
	if cfg.Connection.PathMTU != 4096 || cfg.Timeout.Duration != 5*time.Second {
		t.Errorf("unexpected mtu/timeout: %d %v", cfg.Connection.PathMTU, cfg.Timeout)
	}
	// untouched flags keep the defaults
	if cfg.IBPort != 1 || cfg.BufferSize != 1024 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestPeerFlags_ConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	body := "gidIndex: 0\nbufferSize: 4096\nconnect: 10.0.0.9:7000\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cmd, f := parsePeer(t, "--config", path, "--size", "2048")
	cfg, err := f.load(cmd)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.GIDIndex != 0 || cfg.Connect != "10.0.0.9:7000" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.BufferSize != 2048 {
		t.Errorf("flag should override file: bufferSize = %d", cfg.BufferSize)
	}
}

func TestPeerFlags_ListenClearsFileConnect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	if err := os.WriteFile(path, []byte("connect: 10.0.0.9:7000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cmd, f := parsePeer(t, "--config", path, "--listen", ":9000")
	cfg, err := f.load(cmd)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Connect != "" {
		t.Errorf("--listen should win over a configured peer: listen %q connect %q", cfg.Listen, cfg.Connect)
	}
}

func TestPeerFlags_Invalid(t *testing.T) {
	cmd, f := parsePeer(t, "--mtu", "1500")
	if _, err := f.load(cmd); err == nil {
		t.Error("expected invalid MTU to be rejected")
	}

	cmd, f = parsePeer(t, "--size", "8")
	if _, err := f.load(cmd); err == nil {
		t.Error("expected message larger than the buffer to be rejected")
	}
}

func TestPeerCmd_ConflictingModes(t *testing.T) {
	_, err := run(t, "client", "--connect", "10.0.0.1:1", "--manual")
	if err == nil {
		t.Error("expected --connect and --manual to conflict")
	}
}

func TestPeerCmd_UnknownProvider(t *testing.T) {
	_, err := run(t, "server", "--provider", "no-such-provider")
	if err == nil || !strings.Contains(err.Error(), "no-such-provider") {
		t.Errorf("expected unknown provider error, got %v", err)
	}
}

func TestPeerCmd_HardwareProviderNotBuilt(t *testing.T) {
	if _, err := verbs.Open(verbs.HardwareProvider); err == nil {
		t.Skip("hardware provider compiled in")
	}
	_, err := run(t, "client", "--connect", "127.0.0.1:1")
	if err == nil || !strings.Contains(err.Error(), verbs.HardwareProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
}

// ──────────────────────────────────────────────
//  openChannel
// ──────────────────────────────────────────────

func TestOpenChannel_ClientNeedsPeer(t *testing.T) {
	cmd, f := parsePeer(t)
	cfg, err := f.load(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := openChannel(context.Background(), cmd, roleClient, cfg); err == nil {
		t.Error("client without --connect, --listen or --manual should fail")
	}
}

func TestOpenChannel_Manual(t *testing.T) {
	cmd, f := parsePeer(t, "--manual")
	cfg, err := f.load(cmd)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := openChannel(context.Background(), cmd, roleClient, cfg)
	if err != nil {
		t.Fatalf("openChannel failed: %v", err)
	}
	defer ch.Close()
	if kind := controlplane.Kind(ch); kind != controlplane.KindManual {
		t.Errorf("channel kind = %q, want %q", kind, controlplane.KindManual)
	}
}

func TestOpenChannel_ServerListens(t *testing.T) {
	cmd, f := parsePeer(t, "--listen", "127.0.0.1:0")
	cfg, err := f.load(cmd)
	if err != nil {
		t.Fatal(err)
	}

	// Nobody dials in, so the accept gives up with the context.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := openChannel(ctx, cmd, roleServer, cfg); err == nil {
		t.Error("expected accept to time out")
	}
}

// ──────────────────────────────────────────────
//  loopback
// ──────────────────────────────────────────────

func TestLoopbackCmd_Flags(t *testing.T) {
	cmd := newLoopbackCmd()

	flags := []string{"size", "message", "mtu", "timeout", "watch-interval", "show-descriptors"}
	for _, flag := range flags {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("loopback command missing flag: --%s", flag)
		}
	}
}

func TestLoopbackCmd_Success(t *testing.T) {
	out, err := run(t, "loopback", "--show-descriptors")
	if err != nil {
		t.Fatalf("loopback failed: %v\n%s", err, out)
	}

	for _, want := range []string{
		"=== server ===",
		"Server memory BEFORE: ",
		"SUCCESS! Data changed detected!",
		"=== client ===",
		"Client: Write Success!",
		"QP is ready to send (RTS).",
		"SERVER", "CLIENT", "RKEY",
		`server read "Client: Hello RDMA World!"`,
		"client wrote 26 bytes",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("loopback output should contain %q:\n%s", want, out)
		}
	}
}

func TestLoopbackCmd_CustomMessage(t *testing.T) {
	out, err := run(t, "loopback", "--message", "Client: hi", "--size", "64", "--mtu", "256")
	if err != nil {
		t.Fatalf("loopback failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, `server read "Client: hi"`) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestLoopbackCmd_MessageTooLarge(t *testing.T) {
	_, err := run(t, "loopback", "--size", "16", "--watch-interval", "10ms")
	if err == nil || !strings.Contains(err.Error(), "client") {
		t.Errorf("expected client failure, got %v", err)
	}
}

func TestLoopbackCmd_FailingSideDoesNotWaitOutTimeout(t *testing.T) {
	start := time.Now()
	out, err := run(t, "loopback", "--size", "8", "--timeout", "5s")
	if err == nil {
		t.Fatalf("expected the client to fail, got success:\n%s", out)
	}
	if !errors.Is(err, types.ErrPost) {
		t.Errorf("expected the client's post error, got %v", err)
	}
	if errors.Is(err, types.ErrTimeout) {
		t.Errorf("server reported a timeout instead of stopping with the client: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("loopback took %v, want it to stop soon after the client failed", elapsed)
	}
	if !strings.Contains(out, "=== server ===") || !strings.Contains(out, "=== client ===") {
		t.Errorf("transcript missing a side:\n%s", out)
	}
}

func TestLoopbackCmd_InvalidMTU(t *testing.T) {
	if _, err := run(t, "loopback", "--mtu", "9000"); err == nil {
		t.Error("expected invalid MTU to fail")
	}
}

// ──────────────────────────────────────────────
//  discover / doctor / cdi
// ──────────────────────────────────────────────

func TestDiscoverCmd_Flags(t *testing.T) {
	cmd := newDiscoverCmd()

	flags := []string{"all", "pci", "ifname", "ibdev", "output", "ports"}
	for _, flag := range flags {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("discover command missing flag: --%s", flag)
		}
	}

	// --all defaults to true
	if f := cmd.Flags().Lookup("all"); f.DefValue != "true" {
		t.Errorf("--all default = %q, want 'true'", f.DefValue)
	}
	// --output defaults to table
	if f := cmd.Flags().Lookup("output"); f.DefValue != "table" {
		t.Errorf("--output default = %q, want 'table'", f.DefValue)
	}
}

func TestDiscoverCmd_LocatorsConflict(t *testing.T) {
	if _, err := run(t, "discover", "--pci", "0000:17:00.0", "--ibdev", "rxe0"); err == nil {
		t.Error("expected --pci and --ibdev to conflict")
	}
}

func TestDoctorCmd_Flags(t *testing.T) {
	cmd := newDoctorCmd()

	flags := []string{"all", "pci", "ifname", "ibdev", "ib-port", "gid-index", "cdi-dir", "strict", "show-pass", "output"}
	for _, flag := range flags {
		if cmd.Flags().Lookup(flag) == nil {
			t.Errorf("doctor command missing flag: --%s", flag)
		}
	}

	tests := []struct {
		flag string
		want string
	}{
		{"strict", "false"},
		{"show-pass", "false"},
		{"ib-port", "1"},
		{"gid-index", "1"},
	}
	for _, tc := range tests {
		if f := cmd.Flags().Lookup(tc.flag); f.DefValue != tc.want {
			t.Errorf("flag --%s default = %q, want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}

func TestDoctorCmd_MissingDevice(t *testing.T) {
	_, err := run(t, "doctor", "--ibdev", "no-such-ibdev0")
	if err == nil || !strings.Contains(err.Error(), "device discovery failed") {
		t.Errorf("expected discovery failure, got %v", err)
	}
}

func TestCDICmd_Flags(t *testing.T) {
	cmd := newCDICmd()

	tests := []struct {
		flag string
		want string
	}{
		{"all", "true"},
		{"vendor", "rdma"},
		{"class", "verbs"},
		{"output-dir", "/etc/cdi"},
		{"format", "yaml"},
		{"ibdev", ""},
	}
	for _, tc := range tests {
		f := cmd.Flags().Lookup(tc.flag)
		if f == nil {
			t.Errorf("cdi command missing flag: --%s", tc.flag)
			continue
		}
		if f.DefValue != tc.want {
			t.Errorf("flag --%s default = %q, want %q", tc.flag, f.DefValue, tc.want)
		}
	}
}
