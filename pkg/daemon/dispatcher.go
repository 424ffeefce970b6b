// Package daemon implements the per-daemon (prted-side) runtime: command
// dispatch for everything the head node sends a daemon, and the ring-based
// failure detector daemons run among themselves. The dispatch table is
// grounded on the teacher's pkg/worker/worker.go task lifecycle (receive an
// instruction, mutate local process state, report back); ring detection is
// grounded on pkg/worker/health_monitor.go's ticker-driven monitor loop,
// generalized from "poll container health" to "watch one ring neighbor."
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/cuemby/prte/pkg/buffer"
	"github.com/cuemby/prte/pkg/kvstore"
	"github.com/cuemby/prte/pkg/launch"
	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/metrics"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/session"
	"github.com/cuemby/prte/pkg/types"
)

// EventErrJobTerminated is the PMIx ERR_JOB_TERMINATED notification code
// HALT_VM_CMD delivers to this daemon's local event handlers.
const EventErrJobTerminated = 1

// EventErrProcAborted is the PMIx ERR_PROC_ABORTED notification code the
// failure detector raises when a ring neighbor is declared dead.
const EventErrProcAborted = 2

// Dispatcher handles every command the head node sends to this daemon over
// rml.TagDaemon.
type Dispatcher struct {
	self      int32
	transport rml.Transport
	launcher  *launch.Launcher
	kv        *kvstore.Store
	logger    zerolog.Logger

	topologySig  string
	topologyBlob []byte
	sessionBase  string

	procs           map[types.Rank]*types.Proc
	abortOrdered    map[types.Rank]bool
	suspended       map[types.Nspace]bool
	localSlotsInUse int32
	terminated      bool
	abnormalTerm    bool
}

// NewDispatcher creates a Dispatcher for the daemon at self's rank.
// topologySig/topologyBlob are this node's own topology identity, reported
// back verbatim on REPORT_TOPOLOGY_CMD; kv is this daemon's local PMIx-style
// store, deregistered on DVM_CLEANUP_JOB_CMD; sessionBase is the root
// directory CLEANUP_JOB prunes the job's session directory under (empty
// disables pruning, e.g. in tests).
func NewDispatcher(self int32, transport rml.Transport, launcher *launch.Launcher, topologySig string, topologyBlob []byte, kv *kvstore.Store, sessionBase string) *Dispatcher {
	return &Dispatcher{
		self:         self,
		transport:    transport,
		launcher:     launcher,
		kv:           kv,
		logger:       log.WithComponent("daemon").With().Int32("rank", self).Logger(),
		topologySig:  topologySig,
		topologyBlob: topologyBlob,
		sessionBase:  sessionBase,
		procs:        make(map[types.Rank]*types.Proc),
		abortOrdered: make(map[types.Rank]bool),
		suspended:    make(map[types.Nspace]bool),
	}
}

// Start registers the dispatcher's receive callback on rml.TagDaemon, the
// tag every head-node command arrives on.
func (d *Dispatcher) Start() {
	d.transport.RecvBufferNB(rml.TagDaemon, d.onMessage)
}

// Stop deregisters the dispatcher's receive callback.
func (d *Dispatcher) Stop() {
	d.transport.RecvCancel(rml.TagDaemon)
}

// Suspended reports whether nspace's local procs are currently stopped by a
// SIGNAL_LOCAL_PROCS TSTP/STOP.
func (d *Dispatcher) Suspended(nspace types.Nspace) bool {
	return d.suspended[nspace]
}

// HandleProcExit is called (on the owning loop) when a local proc exits: it
// updates the local record and relays a PLM_UPDATE_PROC_STATE-style report
// to the head node so the job state machine can advance past RUNNING.
func (d *Dispatcher) HandleProcExit(proc *types.Proc, exitCode int, exitErr error) {
	state := types.ProcStateTerminated
	if d.abortOrdered[proc.Rank] {
		state = types.ProcStateKilled
	} else if exitErr != nil && exitCode < 0 {
		state = types.ProcStateFailed
	}
	proc.State = state
	proc.ExitCode = exitCode

	if tracked, ok := d.procs[proc.Rank]; ok {
		tracked.State = state
		tracked.ExitCode = exitCode
	}

	d.reportProcState(ProcStateReport{
		Nspace:   proc.Nspace,
		Rank:     proc.Rank,
		State:    state,
		ExitCode: int32(exitCode),
	})
}

// RegisterFailureIntake subscribes this dispatcher to ERR_PROC_ABORTED
// notifications from the local kv server (the failure detector raises them
// on ring repair): the affected daemon is marked aborted-by-sig and relayed
// to the head node as a proc-state update.
func (d *Dispatcher) RegisterFailureIntake() int {
	if d.kv == nil {
		return -1
	}
	return d.kv.RegisterEventHandler(EventErrProcAborted, func(code int, source types.ProcID, info []*types.Attribute) {
		d.reportProcState(ProcStateReport{
			Nspace: source.Nspace,
			Rank:   source.Rank,
			State:  types.ProcStateAborted,
		})
	})
}

func (d *Dispatcher) reportProcState(r ProcStateReport) {
	d.transport.SendBufferNB(0, rml.TagPLM, EncodeProcStateReport(r), func(err error) {
		if err != nil {
			d.logger.Warn().Err(err).Int32("proc_rank", int32(r.Rank)).Msg("daemon: proc state report failed")
		}
	})
}

// Terminated reports whether this daemon has concluded, per EXIT_CMD/
// HALT_VM_CMD, that no local children remain and it may shut down.
func (d *Dispatcher) Terminated() bool {
	return d.terminated
}

func (d *Dispatcher) onMessage(msg rml.Message) {
	cmd, payload, err := DecodeCommand(msg.Data)
	if err != nil {
		d.logger.Error().Err(err).Msg("daemon: malformed command")
		return
	}

	d.logger.Debug().Str("cmd", cmd.String()).Int32("src", msg.Src).Msg("daemon: dispatching command")

	var handlerErr error
	switch cmd {
	case CmdAddLocalProcs:
		handlerErr = d.handleAddLocalProcs(payload)
	case CmdKillLocalProcs:
		handlerErr = d.handleKillLocalProcs(payload)
	case CmdSignalLocalProcs:
		handlerErr = d.handleSignalLocalProcs(payload)
	case CmdAbortProcsCalled:
		handlerErr = d.handleAbortProcsCalled(payload)
	case CmdExit:
		handlerErr = d.handleExit()
	case CmdHaltVM:
		handlerErr = d.handleHaltVM()
	case CmdCleanupJob:
		handlerErr = d.handleCleanupJob(payload)
	case CmdReportTopology:
		handlerErr = d.handleReportTopology(msg.Src)
	case CmdGetStackTraces:
		handlerErr = d.handleGetStackTraces(msg.Src)
	default:
		handlerErr = fmt.Errorf("daemon: unrecognized command %d", byte(cmd))
	}

	status := "ok"
	if handlerErr != nil {
		status = "error"
		d.logger.Error().Str("cmd", cmd.String()).Err(handlerErr).Msg("daemon: command handler failed")
	}
	metrics.DaemonCommandsTotal.WithLabelValues(cmd.String(), status).Inc()
}

func (d *Dispatcher) handleAddLocalProcs(payload []byte) error {
	nspace, specs, err := DecodeAddLocalProcs(payload)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		proc := &types.Proc{Nspace: nspace, Rank: spec.Rank, State: types.ProcStateInit}
		app := &types.App{Exe: spec.Exe, Argv: spec.Argv, Cwd: spec.Cwd, Env: spec.Env}
		d.procs[spec.Rank] = proc
		if err := d.launcher.Launch(proc, app, nil); err != nil {
			proc.State = types.ProcStateFailed
			d.logger.Error().Err(err).Int32("rank", int32(spec.Rank)).Msg("daemon: failed to launch local proc")
			d.reportProcState(ProcStateReport{
				Nspace: nspace,
				Rank:   spec.Rank,
				State:  types.ProcStateFailed,
			})
			continue
		}
		d.localSlotsInUse++
		metrics.ProcsTotal.WithLabelValues(string(types.ProcStateRunning)).Inc()
		d.reportProcState(ProcStateReport{
			Nspace: nspace,
			Rank:   spec.Rank,
			State:  types.ProcStateRunning,
		})
	}
	return nil
}

// killAll kills every proc this dispatcher currently tracks, regardless of
// job namespace (the single-job-per-daemon assumption the rest of this
// package makes).
func (d *Dispatcher) killAll() {
	for rank := range d.procs {
		if err := d.launcher.Kill(rank); err != nil {
			d.logger.Warn().Err(err).Int32("rank", int32(rank)).Msg("daemon: kill failed")
		}
	}
}

// handleKillLocalProcs decodes an optional proc-rank list from the payload:
// an empty list kills every local proc, a non-empty one kills only the
// named ranks, per §4.5.
func (d *Dispatcher) handleKillLocalProcs(payload []byte) error {
	_, ranks, err := DecodeProcList(payload)
	if err != nil {
		return err
	}
	if len(ranks) == 0 {
		d.killAll()
		return nil
	}
	for _, rank := range ranks {
		if _, ok := d.procs[rank]; !ok {
			continue
		}
		if err := d.launcher.Kill(rank); err != nil {
			d.logger.Warn().Err(err).Int32("rank", int32(rank)).Msg("daemon: kill failed")
		}
	}
	return nil
}

// handleSignalLocalProcs decodes the nspace + POSIX signal number §4.5
// carries and delivers it to every local proc of this dispatcher (the
// single-job-per-daemon assumption the rest of this package makes); the
// TSTP/TTIN/TTOU -> STOP remap happens inside launcher.Signal. Stop-family
// signals mark the job suspended; CONT clears it.
func (d *Dispatcher) handleSignalLocalProcs(payload []byte) error {
	b := buffer.NewUnpacker(payload)
	nspace, err := b.UnpackString()
	if err != nil {
		return fmt.Errorf("daemon: decode signal-local-procs nspace: %w", err)
	}
	signum, err := b.UnpackInt64()
	if err != nil {
		return fmt.Errorf("daemon: decode signal-local-procs signum: %w", err)
	}
	sig := syscall.Signal(signum)

	switch sig {
	case syscall.SIGTSTP, syscall.SIGSTOP, syscall.SIGTTIN, syscall.SIGTTOU:
		d.suspended[types.Nspace(nspace)] = true
	case syscall.SIGCONT:
		delete(d.suspended, types.Nspace(nspace))
	}

	for rank := range d.procs {
		if err := d.launcher.Signal(rank, sig); err != nil {
			d.logger.Warn().Err(err).Int32("rank", int32(rank)).Str("signal", sig.String()).Msg("daemon: signal failed")
		}
	}
	return nil
}

// handleAbortProcsCalled decodes the proc-rank list the head node ordered
// terminated and kills only the ranks not already ordered in a prior
// ABORT_PROCS_CALLED, per §8's idempotence requirement.
func (d *Dispatcher) handleAbortProcsCalled(payload []byte) error {
	_, ranks, err := DecodeProcList(payload)
	if err != nil {
		return err
	}
	for _, rank := range ranks {
		if d.abortOrdered[rank] {
			continue
		}
		d.abortOrdered[rank] = true
		if _, ok := d.procs[rank]; !ok {
			continue
		}
		if err := d.launcher.Kill(rank); err != nil {
			d.logger.Warn().Err(err).Int32("rank", int32(rank)).Msg("daemon: abort-triggered kill failed")
		}
	}
	return nil
}

// handleExit kills every local proc and, if none remain running, marks this
// daemon terminated; otherwise it defers (the caller is expected to retry
// once the local launcher reports every child gone), per §4.5's EXIT_CMD.
func (d *Dispatcher) handleExit() error {
	d.killAll()
	if d.launcher.Running() == 0 {
		d.terminated = true
		d.logger.Info().Msg("daemon: all local procs gone, daemon terminated")
	} else {
		d.logger.Debug().Msg("daemon: live local procs remain, deferring termination")
	}
	return nil
}

// handleHaltVM sets the abnormal-termination flag, notifies local PMIx
// event handlers with ERR_JOB_TERMINATED, and otherwise behaves as EXIT_CMD.
func (d *Dispatcher) handleHaltVM() error {
	d.abnormalTerm = true
	if d.kv != nil {
		d.kv.NotifyEvent(EventErrJobTerminated, types.ProcID{}, nil)
	}
	return d.handleExit()
}

// handleCleanupJob releases every resource this daemon holds for nspace:
// forgets its local procs, decrements local slot usage, deregisters the
// job's PMIx client/nspace state, and prunes the job's session directory.
func (d *Dispatcher) handleCleanupJob(payload []byte) error {
	nspace, err := DecodeNspaceOnly(payload)
	if err != nil {
		return err
	}

	var released int32
	for rank, proc := range d.procs {
		if proc.Nspace != nspace {
			continue
		}
		delete(d.procs, rank)
		released++
	}
	d.localSlotsInUse -= released
	if d.localSlotsInUse < 0 {
		d.localSlotsInUse = 0
	}
	d.abortOrdered = make(map[types.Rank]bool)

	if d.kv != nil {
		d.kv.DeregisterClient(nspace, types.Rank(d.self))
		d.kv.DeregisterNspace(nspace)
	}

	if d.sessionBase != "" {
		dir := session.Dir(d.sessionBase, nspace)
		if err := os.RemoveAll(dir); err != nil {
			d.logger.Warn().Err(err).Str("dir", dir).Msg("daemon: failed to prune session directory")
		}
	}

	return nil
}

func (d *Dispatcher) handleReportTopology(requester int32) error {
	payload := EncodeTopologyReport(d.topologySig, d.topologyBlob, "")
	d.transport.SendBufferNB(requester, rml.TagTopologyReport, payload, nil)
	return nil
}

// handleGetStackTraces shells out to gstack for every local proc. When
// gstack isn't installed on this host, the daemon degrades to reporting
// PIDs with no trace rather than failing the whole request, supplementing
// the distilled spec with the original's gstack-missing fallback.
func (d *Dispatcher) handleGetStackTraces(requester int32) error {
	gstackPath, lookErr := exec.LookPath("gstack")

	for rank, proc := range d.procs {
		if proc.PID == 0 {
			continue
		}
		var trace []byte
		if lookErr == nil {
			out, err := exec.Command(gstackPath, fmt.Sprintf("%d", proc.PID)).Output()
			if err == nil {
				trace = out
			}
		}
		if trace == nil {
			trace = []byte(fmt.Sprintf("gstack unavailable: no trace for pid %d (rank %d)", proc.PID, rank))
		}
		d.transport.SendBufferNB(requester, rml.TagStackTrace, trace, nil)
	}
	return nil
}
