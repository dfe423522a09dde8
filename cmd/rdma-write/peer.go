package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Nativu5/rdma-write/pkg/config"
	"github.com/Nativu5/rdma-write/pkg/controlplane"
	"github.com/Nativu5/rdma-write/pkg/discover"
	"github.com/Nativu5/rdma-write/pkg/metrics"
	"github.com/Nativu5/rdma-write/pkg/session"
	"github.com/Nativu5/rdma-write/pkg/verbs"
	"github.com/Nativu5/rdma-write/pkg/verbs/sim"
)

const (
	roleServer = session.Responder
	roleClient = session.Initiator
)

// peerFlags are the flags of the server and client commands. They are
// applied over the config file only when set on the command line.
type peerFlags struct {
	configPath  string
	provider    string
	device      string
	ibPort      int
	gidIndex    int
	size        int
	message     string
	timeout     time.Duration
	metricsAddr string
	listen      string
	connect     string
	manual      bool
	psn         uint32
	mtu         int
}

func (f *peerFlags) register(cmd *cobra.Command, def config.Config) {
	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "YAML config file (flags override its values)")
	fs.StringVar(&f.provider, "provider", def.Provider, fmt.Sprintf("Verbs provider (registered: %v)", verbs.Names()))
	fs.StringVar(&f.device, "device", "", "Verbs device name (first device with an active port if empty)")
	fs.IntVar(&f.ibPort, "ib-port", def.IBPort, "Device port")
	fs.IntVar(&f.gidIndex, "gid-index", def.GIDIndex, "GID table index advertised to the peer")
	fs.IntVar(&f.size, "size", def.BufferSize, "Registered buffer size in bytes")
	fs.StringVar(&f.message, "message", def.Message, "Message the client writes (a NUL is appended)")
	fs.DurationVar(&f.timeout, "timeout", def.Timeout.Duration, "Bound on the whole session")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (disabled if empty)")
	fs.StringVar(&f.listen, "listen", def.Listen, "Accept the peer's descriptor exchange on this address")
	fs.StringVar(&f.connect, "connect", "", "Dial the peer's descriptor exchange at this address")
	fs.BoolVar(&f.manual, "manual", false, "Exchange descriptors by copy and paste on the terminal")
	fs.Uint32Var(&f.psn, "psn", def.Connection.SQPSN, "Initial send and receive PSN (must match the peer)")
	fs.IntVar(&f.mtu, "mtu", def.Connection.PathMTU, "Path MTU in bytes (256, 512, 1024, 2048 or 4096)")

	cmd.MarkFlagsMutuallyExclusive("connect", "manual")
	cmd.MarkFlagsMutuallyExclusive("listen", "manual")
	cmd.MarkFlagsMutuallyExclusive("connect", "listen")
}

// load reads the config file, if any, and applies the flags set on cmd.
func (f *peerFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("provider") {
		cfg.Provider = f.provider
	}
	if changed("device") {
		cfg.Device = f.device
	}
	if changed("ib-port") {
		cfg.IBPort = f.ibPort
	}
	if changed("gid-index") {
		cfg.GIDIndex = f.gidIndex
	}
	if changed("size") {
		cfg.BufferSize = f.size
	}
	if changed("message") {
		cfg.Message = f.message
	}
	if changed("timeout") {
		cfg.Timeout = config.Duration{Duration: f.timeout}
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("listen") {
		cfg.Listen = f.listen
		cfg.Connect = ""
	}
	if changed("connect") {
		cfg.Connect = f.connect
	}
	if changed("manual") {
		cfg.Manual = f.manual
	}
	if changed("psn") {
		cfg.Connection.SQPSN = f.psn
		cfg.Connection.RQPSN = f.psn
	}
	if changed("mtu") {
		cfg.Connection.PathMTU = f.mtu
	}
	return cfg, cfg.Validate()
}

// ──────────────────────────────────────────────
//  server / client
// ──────────────────────────────────────────────

func newPeerCmd(role session.Role) *cobra.Command {
	var flags peerFlags

	short := "Expose a buffer and wait for the client's RDMA WRITE"
	if role == roleClient {
		short = "Write a message into the server's buffer with RDMA WRITE"
	}

	cmd := &cobra.Command{
		Use:   string(role),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runPeer(cmd, role, cfg)
		},
	}

	flags.register(cmd, config.Default())
	return cmd
}

func runPeer(cmd *cobra.Command, role session.Role, cfg config.Config) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout.Duration)
	defer cancel()

	provider, err := verbs.Open(cfg.Provider)
	if err != nil {
		return err
	}
	params, err := cfg.ConnectionParams()
	if err != nil {
		return err
	}

	var collector *metrics.Collector
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector = metrics.New(reg)
		stop := serveMetrics(cfg.MetricsAddr, reg)
		defer stop()
	}

	ch, err := openChannel(ctx, cmd, role, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil {
			log.Debugf("close %s channel: %v", controlplane.Kind(ch), cerr)
		}
	}()

	opts := session.DefaultOptions(role)
	opts.Provider = provider
	opts.Endpoint = cfg.EndpointOptions()
	opts.Params = params
	opts.Channel = ch
	opts.Out = cmd.OutOrStdout()
	opts.Message = cfg.Message
	opts.WatchInterval = cfg.WatchInterval.Duration
	opts.WatchAttempts = cfg.WatchAttempts
	opts.Metrics = collector

	res, err := session.Run(ctx, opts)
	log.WithField("released", res.Released).Debug("endpoint torn down")
	return err
}

// openChannel picks the rendezvous: manual if asked, otherwise dial when a
// peer address is known and listen when it is not.
func openChannel(ctx context.Context, cmd *cobra.Command, role session.Role, cfg config.Config) (controlplane.Channel, error) {
	switch {
	case cfg.Manual:
		return controlplane.NewManualChannel(cmd.InOrStdin(), cmd.OutOrStdout()), nil
	case cfg.Connect != "":
		log.Infof("connecting to %s", cfg.Connect)
		return controlplane.Dial(ctx, cfg.Connect)
	case role == roleClient && !cmd.Flags().Changed("listen"):
		return nil, errors.New("client needs --connect, --listen or --manual")
	default:
		log.Infof("waiting for peer on %s", cfg.Listen)
		return controlplane.Listen(ctx, cfg.Listen)
	}
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("metrics server: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Debugf("metrics server shutdown: %v", err)
		}
	}
}

// ──────────────────────────────────────────────
//  loopback
// ──────────────────────────────────────────────

// loopbackOptions configures runLoopback.
type loopbackOptions struct {
	size          int
	message       string
	mtu           int
	timeout       time.Duration
	watchInterval time.Duration
	showDesc      bool
}

func newLoopbackCmd() *cobra.Command {
	def := config.Default()
	opts := loopbackOptions{
		size:          def.BufferSize,
		message:       def.Message,
		mtu:           def.Connection.PathMTU,
		timeout:       10 * time.Second,
		watchInterval: 50 * time.Millisecond,
	}

	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run server and client in-process over the software fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoopback(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().IntVar(&opts.size, "size", opts.size, "Registered buffer size in bytes on both sides")
	cmd.Flags().StringVar(&opts.message, "message", opts.message, "Message the client writes (a NUL is appended)")
	cmd.Flags().IntVar(&opts.mtu, "mtu", opts.mtu, "Path MTU in bytes")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", opts.timeout, "Bound on the whole run")
	cmd.Flags().DurationVar(&opts.watchInterval, "watch-interval", opts.watchInterval, "Server memory poll interval")
	cmd.Flags().BoolVar(&opts.showDesc, "show-descriptors", false, "Print both endpoint descriptors after the run")

	return cmd
}

func runLoopback(ctx context.Context, out io.Writer, lo loopbackOptions) error {
	ctx, cancel := context.WithTimeout(ctx, lo.timeout)
	defer cancel()

	mtu, err := verbs.MTUFromBytes(lo.mtu)
	if err != nil {
		return err
	}

	fabric := sim.NewFabric()
	serverCh, clientCh := controlplane.Pipe()
	defer serverCh.Close()
	defer clientCh.Close()

	newOpts := func(role session.Role, p verbs.Provider, ch controlplane.Channel, w io.Writer) session.Options {
		o := session.DefaultOptions(role)
		o.Provider = p
		o.Channel = ch
		o.Out = w
		o.Endpoint.BufferSize = lo.size
		o.Params.PathMTU = mtu
		o.Message = lo.message
		o.WatchInterval = lo.watchInterval
		return o
	}

	// Each side reports into its own buffer so the transcript is readable.
	var serverOut, clientOut bytes.Buffer
	serverOpts := newOpts(roleServer, fabric.NewProvider("rxe0"), serverCh, &serverOut)
	clientOpts := newOpts(roleClient, fabric.NewProvider("rxe1"), clientCh, &clientOut)

	// A failing side closes its channel end and cancels the group, which
	// releases the other side from Exchange, Sync or its memory watch.
	var (
		serverRes, clientRes session.Result
		serverErr, clientErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer serverCh.Close()
		serverRes, serverErr = session.Run(gctx, serverOpts)
		if serverErr != nil {
			serverErr = fmt.Errorf("server: %w", serverErr)
		}
		return serverErr
	})
	g.Go(func() error {
		defer clientCh.Close()
		clientRes, clientErr = session.Run(gctx, clientOpts)
		if clientErr != nil {
			clientErr = fmt.Errorf("client: %w", clientErr)
		}
		return clientErr
	})
	_ = g.Wait()
	err = errors.Join(clientErr, serverErr)

	fmt.Fprintln(out, "=== server ===")
	_, _ = serverOut.WriteTo(out)
	fmt.Fprintln(out, "=== client ===")
	_, _ = clientOut.WriteTo(out)

	if lo.showDesc {
		fmt.Fprintln(out)
		discover.PrintDescriptors(out,
			discover.NamedDescriptor{Name: "server", Descriptor: serverRes.Local},
			discover.NamedDescriptor{Name: "client", Descriptor: clientRes.Local},
		)
	}

	if live := fabric.Stats().Live(); live != 0 {
		log.Warnf("loopback: %d fabric objects still live", live)
	}
	if err != nil {
		return err
	}
	if !serverRes.Observed {
		return errors.New("server did not observe the client's write")
	}
	fmt.Fprintf(out, "Loopback OK: client wrote %d bytes, server read %q\n", clientRes.BytesWritten, serverRes.Snapshot)
	return nil
}
