// Command prted is a DVM daemon: it dials back to the head node, accepts
// peer connections from other daemons, launches the local procs the head
// node assigns it, and participates in the ring-based failure detector.
// Shaped after cmd/prte's cobra entrypoint, which in turn follows the
// teacher's cmd/warren/main.go command style.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/prte/pkg/config"
	"github.com/cuemby/prte/pkg/daemon"
	"github.com/cuemby/prte/pkg/eventloop"
	"github.com/cuemby/prte/pkg/kvstore"
	"github.com/cuemby/prte/pkg/launch"
	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	flagConfigPath  string
	flagLogLevel    string
	flagLogJSON     bool
	flagRank        int
	flagHeadAddress string
	flagListenAddr  string
	flagDialPeers   []string
	flagRing        []int
	flagNspace      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "prted",
	Short:   "prted is a distributed virtual machine daemon",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("prted version %s (%s)\n", Version, Commit))

	rootCmd.Flags().StringVar(&flagConfigPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "output logs as JSON")
	rootCmd.Flags().IntVar(&flagRank, "rank", -1, "this daemon's VM rank (required, must be > 0)")
	rootCmd.Flags().StringVar(&flagHeadAddress, "head-address", "", "head node's daemon listener address (required)")
	rootCmd.Flags().StringVar(&flagListenAddr, "listen-address", "0.0.0.0:0", "address this daemon accepts peer connections on")
	rootCmd.Flags().StringSliceVar(&flagDialPeers, "dial", nil, "rank=address of a peer daemon to actively dial (repeatable)")
	rootCmd.Flags().IntSliceVar(&flagRing, "ring", nil, "VM ranks participating in the failure-detector ring, including this one")
	rootCmd.Flags().StringVar(&flagNspace, "nspace", "", "namespace of the job this daemon is reporting in for (required)")

	_ = rootCmd.MarkFlagRequired("head-address")
	_ = rootCmd.MarkFlagRequired("nspace")
}

func run(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{Level: log.Level(flagLogLevel), JSONOutput: flagLogJSON})
	logger := log.WithComponent("prted").With().Int("rank", flagRank).Logger()

	if flagRank <= 0 {
		return fmt.Errorf("prted: --rank must be a positive daemon rank (0 is reserved for the head node)")
	}

	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("prted: create event loop: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	self := int32(flagRank)
	transport := rml.NewTCPTransport(self, loop)
	defer transport.Close()

	listener, err := listenForPeers(flagListenAddr, self, transport, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	headConn, err := dialAndHandshake(ctx, flagHeadAddress, self)
	if err != nil {
		return fmt.Errorf("prted: dial head node: %w", err)
	}
	transport.AddPeer(0, headConn)

	for _, spec := range flagDialPeers {
		rank, addr, err := parsePeerSpec(spec)
		if err != nil {
			return err
		}
		conn, err := dialAndHandshake(ctx, addr, self)
		if err != nil {
			return fmt.Errorf("prted: dial peer rank %d: %w", rank, err)
		}
		transport.AddPeer(rank, conn)
	}

	sig := topologySignature()
	kv := kvstore.New()

	var dispatcher *daemon.Dispatcher
	launcher := launch.New(loop, func(proc *types.Proc, exitCode int, err error) {
		logger.Info().Int32("proc_rank", int32(proc.Rank)).Int("exit_code", exitCode).Msg("prted: local proc exited")
		dispatcher.HandleProcExit(proc, exitCode, err)
	})

	dispatcher = daemon.NewDispatcher(self, transport, launcher, sig, []byte(sig), kv, cfg.DataDir)
	dispatcher.Start()
	defer dispatcher.Stop()
	dispatcher.RegisterFailureIntake()

	// The command dispatcher must be listening before the head node learns
	// we are up, so nothing it sends on quorum can race our registration.
	if err := reportUp(transport, flagNspace, self, sig, logger); err != nil {
		return fmt.Errorf("prted: report to head node: %w", err)
	}

	ring := make([]types.Rank, 0, len(flagRing))
	for _, r := range flagRing {
		ring = append(ring, types.Rank(r))
	}
	detector := daemon.NewDetector(types.Rank(self), ring, transport, loop, cfg.HeartbeatPeriod, cfg.HeartbeatTimeout, func(dead types.Rank) {
		logger.Warn().Int32("dead_rank", int32(dead)).Msg("prted: ring neighbor presumed dead")
		kv.NotifyEvent(daemon.EventErrProcAborted, types.ProcID{Nspace: types.Nspace(flagNspace), Rank: dead}, nil)
	})
	detector.Start()
	defer detector.Finalize()

	logger.Info().Str("head", flagHeadAddress).Msg("prted: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("prted: shutting down")
	case err := <-loopDone:
		if err != nil {
			logger.Error().Err(err).Msg("prted: event loop exited with error")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return loop.Shutdown(shutdownCtx)
}

func listenForPeers(addr string, self int32, transport *rml.TCPTransport, logger zerolog.Logger) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("prted: listen on %s: %w", addr, err)
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				logger.Warn().Err(err).Msg("prted: peer listener stopped accepting")
				return
			}
			go func() {
				rank, err := rml.ReadHandshake(conn)
				if err != nil {
					logger.Warn().Err(err).Msg("prted: peer handshake failed")
					conn.Close()
					return
				}
				logger.Info().Int32("peer_rank", rank).Msg("prted: peer connected")
				transport.AddPeer(rank, conn)
			}()
		}
	}()

	return listener, nil
}

func dialAndHandshake(ctx context.Context, addr string, self int32) (net.Conn, error) {
	conn, err := rml.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := rml.SendHandshake(conn, self); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// topologySignature computes this host's topology signature: a stable
// digest of what the runtime can observe about the hardware, standing in
// for the hardware-topology discovery this core treats as an external
// collaborator (§1).
func topologySignature() string {
	return fmt.Sprintf("%s:%s:%dcores", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
}

// reportUp sends this daemon's "I am up" callback to the head node on
// rml.TagPrtedCallback, per §4.3: identity, hardware-count info, hostname
// (no aliases), topology signature, the topology payload itself when this is
// rank 1 (everyone else ships only the signature and answers a
// REPORT_TOPOLOGY_CMD if the head node has never seen it).
func reportUp(transport rml.Transport, nspace string, self int32, sig string, logger zerolog.Logger) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	cores := uint64(runtime.NumCPU())
	report := daemon.Report{
		Daemon: types.ProcID{Nspace: types.Nspace(nspace), Rank: types.Rank(self)},
		Info: []*types.Attribute{
			{Key: "cores", Type: types.AttrTypeUint32, Scope: types.AttrGlobal, UintVal: cores},
			{Key: "hwthreads", Type: types.AttrTypeUint32, Scope: types.AttrGlobal, UintVal: cores},
		},
		Hostname:  hostname,
		Signature: sig,
	}
	if self == 1 {
		report.Topology = []byte(sig)
	}

	done := make(chan error, 1)
	transport.SendBufferNB(0, rml.TagPrtedCallback, daemon.EncodeReports(report), func(err error) {
		done <- err
	})
	if err := <-done; err != nil {
		return err
	}
	logger.Info().Str("nspace", nspace).Str("hostname", hostname).Str("sig", sig).Msg("prted: reported up to head node")
	return nil
}

func parsePeerSpec(spec string) (int32, string, error) {
	parts := strings.SplitN(spec, "=", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("prted: malformed --dial value %q, want rank=address", spec)
	}
	rank, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("prted: malformed --dial rank in %q: %w", spec, err)
	}
	return int32(rank), parts[1], nil
}
