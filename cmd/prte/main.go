// Command prte is the DVM head node: it owns the job and node registry,
// runs the job state machine and VM builder, and accepts callback
// connections from prted daemons. Flag/command handling follows the
// teacher's cobra-based cmd/warren/main.go shape, trimmed from Warren's
// cluster/service/node command tree down to the single long-running DVM
// process this spec describes.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/prte/pkg/callback"
	"github.com/cuemby/prte/pkg/config"
	"github.com/cuemby/prte/pkg/daemon"
	"github.com/cuemby/prte/pkg/eventloop"
	"github.com/cuemby/prte/pkg/jobstate"
	"github.com/cuemby/prte/pkg/kvstore"
	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/metrics"
	"github.com/cuemby/prte/pkg/modex"
	"github.com/cuemby/prte/pkg/registry"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/types"
	"github.com/cuemby/prte/pkg/vm"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagLogJSON    bool
	flagBindAddr   string
	flagMetricsAddr string
	flagDataDir    string
	flagNodes      []string
	flagNumProcs   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "prte [flags] -- <executable> [args...]",
	Short:   "prte is the distributed virtual machine head node",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("prte version %s (%s)\n", Version, Commit))

	rootCmd.Flags().StringVar(&flagConfigPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "output logs as JSON")
	rootCmd.Flags().StringVar(&flagBindAddr, "bind-address", "", "address prted daemons dial back to (overrides config)")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-address", ":9091", "address for the Prometheus /metrics endpoint")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "session directory root (overrides config)")
	rootCmd.Flags().StringSliceVar(&flagNodes, "node", nil, "node id to pre-register in the allocation (repeatable)")
	rootCmd.Flags().IntVar(&flagNumProcs, "np", 1, "number of procs to launch for the app given after --")
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.Level(flagLogLevel), JSONOutput: flagLogJSON})
	logger := log.WithComponent("prte")

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	if flagBindAddr != "" {
		cfg.BindAddress = flagBindAddr
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}

	if len(args) == 0 {
		return fmt.Errorf("prte: no executable given; usage: prte [flags] -- <executable> [args...]")
	}

	go func() {
		logger.Info().Str("addr", flagMetricsAddr).Msg("prte: serving metrics")
		if err := http.ListenAndServe(flagMetricsAddr, metrics.Handler()); err != nil {
			logger.Error().Err(err).Msg("prte: metrics server exited")
		}
	}()

	reg := registry.New()
	for _, id := range flagNodes {
		reg.UpsertNode(&types.Node{ID: id, State: types.NodeStateUp, DaemonRank: -1})
	}

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("prte: create event loop: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	transport := rml.NewTCPTransport(0, loop)
	defer transport.Close()

	collectorMetrics := metrics.NewCollector(reg)
	collectorMetrics.Start()
	defer collectorMetrics.Stop()

	listener, err := listenForDaemons(cfg.BindAddress, transport, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	builder := vm.NewBuilder(reg)
	rt := jobstate.NewRuntime(reg, builder, transport, loop, jobstate.Options{
		SessionBase:       cfg.DataDir,
		SlotsPolicy:       cfg.SlotsPolicy,
		StartupTimeout:    cfg.LaunchTimeout,
		ExecutionTimeout:  cfg.ExecutionTimeout,
		StackTraceTimeout: cfg.StackTraceTimeout,
	})
	rt.OnSpawnComplete = func(resp jobstate.SpawnResponse) {
		logger.Info().
			Int32("status", resp.Status).
			Str("nspace", string(resp.Nspace)).
			Int32("room", resp.RoomNumber).
			Msg("prte: spawn response")
	}

	headSig, _ := os.Hostname()
	kv := kvstore.New()

	cb := callback.NewCollector(reg, transport, rt, kv, headSig)
	cb.Start()
	defer cb.Stop()

	modexSrv := modex.NewServer(kv, transport)
	modexSrv.Start()
	defer modexSrv.Stop()

	app := &types.App{
		Idx:      0,
		Exe:      args[0],
		Argv:     args[1:],
		NumProcs: int32(flagNumProcs),
	}
	job := &types.Job{
		Nspace:    registry.NewNspace(),
		State:     types.JobStateUndef,
		Apps:      []*types.App{app},
		CreatedAt: time.Now(),
	}
	if err := reg.CreateJob(job); err != nil {
		return fmt.Errorf("prte: create job: %w", err)
	}
	logger.Info().Str("nspace", string(job.Nspace)).Str("exe", app.Exe).Int32("np", app.NumProcs).Msg("prte: submitting job")
	rt.Activate(job.Nspace, types.JobStateInit)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("prte: shutting down")
	case err := <-loopDone:
		if err != nil {
			logger.Error().Err(err).Msg("prte: event loop exited with error")
		}
	}

	// Orderly fabric teardown: release the job everywhere, then order every
	// daemon out.
	if err := rt.CleanupJob(job.Nspace); err != nil {
		logger.Debug().Err(err).Msg("prte: job cleanup at shutdown")
	}
	var daemonRanks []int32
	for _, n := range reg.ListNodes() {
		if n.HasDaemon() {
			daemonRanks = append(daemonRanks, int32(n.DaemonRank))
		}
	}
	rml.Xcast(transport, daemonRanks, rml.TagDaemon, daemon.EncodeSimple(daemon.CmdExit), nil)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return loop.Shutdown(shutdownCtx)
}

// listenForDaemons accepts incoming prted connections on addr, reads each
// connection's handshake rank, and wires it into transport via AddPeer.
func listenForDaemons(addr string, transport *rml.TCPTransport, logger zerolog.Logger) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("prte: listen on %s: %w", addr, err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				logger.Warn().Err(err).Msg("prte: daemon listener stopped accepting")
				return
			}
			go func() {
				rank, err := rml.ReadHandshake(conn)
				if err != nil {
					logger.Warn().Err(err).Msg("prte: daemon handshake failed")
					conn.Close()
					return
				}
				logger.Info().Int32("rank", rank).Msg("prte: daemon connected")
				transport.AddPeer(rank, conn)
			}()
		}
	}()

	return listener, nil
}
