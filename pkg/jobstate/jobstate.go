// Package jobstate implements the DVM job lifecycle state machine: a single
// dispatch table, keyed by state, that advances a job one step at a time on
// the owning event loop. The dispatch shape — a Command/Op-style switch that
// looks up current state, mutates the registry, and either calls back into
// itself for the next state or stops to wait on an external event (a daemon
// callback, a proc exit) — is grounded on the teacher's WarrenFSM.Apply: a
// single switch over an operation name, one case per operation, each case
// touching the store and returning. Here the "operation" is the next state
// a job is being driven toward, and the "store" is the in-memory registry.
package jobstate

import (
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/prte/pkg/buffer"
	"github.com/cuemby/prte/pkg/daemon"
	"github.com/cuemby/prte/pkg/eventloop"
	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/metrics"
	"github.com/cuemby/prte/pkg/registry"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/types"
	"github.com/cuemby/prte/pkg/vm"
)

// Loop is the narrow event-loop dependency this package needs: enqueue a
// callback for the next tick, and arm a cancelable timer for the §4.7
// lifecycle timeouts. Satisfied by *eventloop.Loop.
type Loop interface {
	Submit(fn func()) error
	ScheduleTimer(delay time.Duration, fn func()) (eventloop.CancelFunc, error)
}

// Attribute keys under which a job's armed lifecycle timers are stored.
// Each holds an eventloop.CancelFunc; cancellation removes the attribute
// so no path can fire or double-cancel a stale handle.
const (
	attrFailureTimer = "failure-timer-event"
	attrTimeoutTimer = "timeout-event"
	attrTraceTimer   = "trace-timeout-event"
)

// Options are the per-runtime tunables: where session directories live,
// how unmanaged allocations compute slots, and the default lifecycle
// timeouts applied to jobs that do not carry their own.
type Options struct {
	// SessionBase is the root directory under which SYSTEM_PREP computes
	// (and logs) each job's session directory path; the runtime neither
	// creates nor removes that directory. Empty skips the step.
	SessionBase string

	// SlotsPolicy decides slot capacity for nodes that did not report one:
	// cores, sockets, numas, hwthreads, or a literal integer.
	SlotsPolicy string

	StartupTimeout    time.Duration // LAUNCH_APPS -> RUNNING bound; 0 = none
	ExecutionTimeout  time.Duration // RUNNING -> terminal bound; 0 = none
	StackTraceTimeout time.Duration // cap on the GET_STACK_TRACES round on execution timeout
}

// Runtime bundles the collaborators every state handler needs: the job and
// node registry, the VM builder, the RML transport to daemons, and the loop
// all activation is serialized through.
type Runtime struct {
	Reg       *registry.Registry
	Builder   *vm.Builder
	Transport rml.Transport
	Loop      Loop
	Opts      Options

	// OnSpawnComplete, when set, receives the spawn response for jobs
	// whose originator is this process itself (rank 0 submitting through
	// the CLI) instead of a TagLaunchResp send.
	OnSpawnComplete func(resp SpawnResponse)

	logger zerolog.Logger
}

// NewRuntime creates a Runtime.
func NewRuntime(reg *registry.Registry, builder *vm.Builder, transport rml.Transport, loop Loop, opts Options) *Runtime {
	return &Runtime{
		Reg:       reg,
		Builder:   builder,
		Transport: transport,
		Loop:      loop,
		Opts:      opts,
		logger:    log.WithComponent("jobstate"),
	}
}

// Activate schedules job's transition to state on the owning loop. Safe to
// call from any goroutine (in particular, from an RML receive callback
// reporting a daemon or proc event back into the state machine).
func (rt *Runtime) Activate(nspace types.Nspace, state types.JobState) {
	_ = rt.Loop.Submit(func() {
		rt.activate(nspace, state)
	})
}

// activate runs on the loop goroutine: it is the only place that mutates a
// Job's State/PriorState fields.
func (rt *Runtime) activate(nspace types.Nspace, state types.JobState) {
	job, err := rt.Reg.GetJob(nspace)
	if err != nil {
		rt.logger.Error().Str("nspace", string(nspace)).Str("state", string(state)).Err(err).Msg("jobstate: activate on unknown job")
		return
	}

	job.PriorState = job.State
	job.State = state
	job.UpdatedAt = time.Now()
	_ = rt.Reg.UpdateJob(job)

	metrics.JobStateTransitionsTotal.WithLabelValues(string(state)).Inc()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobStateActivationDuration, string(state))

	rt.logger.Debug().Str("nspace", string(nspace)).Str("prior", string(job.PriorState)).Str("state", string(state)).Msg("jobstate: activate")

	var handlerErr error
	switch state {
	case types.JobStateInit:
		handlerErr = rt.handleInit(job)
	case types.JobStateInitComplete:
		rt.Activate(nspace, types.JobStateAllocate)
	case types.JobStateAllocate:
		handlerErr = rt.handleAllocate(job)
	case types.JobStateAllocationComplete:
		rt.Activate(nspace, types.JobStateLaunchDaemons)
	case types.JobStateLaunchDaemons:
		handlerErr = rt.handleLaunchDaemons(job)
	case types.JobStateDaemonsLaunched:
		// Waits here for the callback collector to report quorum and
		// call Activate(..., JobStateDaemonsReported) itself.
	case types.JobStateDaemonsReported:
		handlerErr = rt.handleDaemonsReported(job)
	case types.JobStateVMReady:
		rt.Activate(nspace, types.JobStateMap)
	case types.JobStateMap:
		handlerErr = rt.handleMap(job)
	case types.JobStateMapComplete:
		rt.Activate(nspace, types.JobStateSystemPrep)
	case types.JobStateSystemPrep:
		handlerErr = rt.handleSystemPrep(job)
	case types.JobStateLaunchApps:
		handlerErr = rt.handleLaunchApps(job)
	case types.JobStateRunning:
		handlerErr = rt.handleRunning(job)
	case types.JobStateRegistered:
		rt.Activate(nspace, types.JobStateTerminated)
	case types.JobStateTerminated,
		types.JobStateNeverLaunched, types.JobStateFailedToStart,
		types.JobStateFilesPosnFailed, types.JobStateForcedExit,
		types.JobStateAborted, types.JobStateAllJobsComplete:
		rt.handleTerminal(job)
	default:
		rt.logger.Warn().Str("state", string(state)).Msg("jobstate: no handler registered for state")
	}

	if handlerErr != nil {
		rt.logger.Error().Str("nspace", string(nspace)).Str("state", string(state)).Err(handlerErr).Msg("jobstate: handler failed")
		rt.fail(job, state)
	}
}

// fail maps a failure encountered while activating state to the exit state
// that best describes when in the lifecycle it happened, then activates it.
func (rt *Runtime) fail(job *types.Job, state types.JobState) {
	var exit types.JobState
	switch state {
	case types.JobStateInit, types.JobStateAllocate:
		exit = types.JobStateNeverLaunched
	case types.JobStateLaunchDaemons, types.JobStateLaunchApps:
		exit = types.JobStateFailedToStart
	case types.JobStateMap, types.JobStateSystemPrep:
		exit = types.JobStateFilesPosnFailed
	default:
		exit = types.JobStateForcedExit
	}
	rt.Activate(job.Nspace, exit)
}

// handleInit assigns the job its namespace bookkeeping and moves it along.
// The teacher's FSM equivalent is "create_service": insert the record, then
// let the caller decide what happens next — here "next" is always
// JobStateInitComplete, since INIT never fails once the record exists.
func (rt *Runtime) handleInit(job *types.Job) error {
	job.NumProcs = 0
	for _, app := range job.Apps {
		job.NumProcs += app.NumProcs
	}
	rt.Activate(job.Nspace, types.JobStateInitComplete)
	return nil
}

// handleAllocate confirms there is at least one schedulable node and fills
// in slot capacities for nodes that did not report one, per the unmanaged
// allocation policy string. A separate resource-manager integration (not
// part of this DVM core) would populate the node registry itself.
func (rt *Runtime) handleAllocate(job *types.Job) error {
	nodes := rt.Reg.ListNodes()
	if len(nodes) == 0 && !job.Flags.NoVM {
		return fmt.Errorf("jobstate: no nodes in registry to allocate against")
	}

	for _, n := range nodes {
		if n.Slots == 0 {
			n.Slots = SlotsFromPolicy(n, rt.Opts.SlotsPolicy)
			rt.Reg.UpsertNode(n)
		}
	}

	rt.Activate(job.Nspace, types.JobStateAllocationComplete)
	return nil
}

// SlotsFromPolicy computes a node's slot capacity from the unmanaged
// allocation policy string: cores, sockets, numas, hwthreads, or a literal
// integer. Sockets fall back to numas when the node never reported a socket
// count; any policy that resolves to zero yields a single slot so the node
// remains usable.
func SlotsFromPolicy(n *types.Node, policy string) int32 {
	var slots int32
	switch policy {
	case "", "cores":
		slots = n.Cores
	case "sockets":
		slots = n.Sockets
		if slots == 0 {
			slots = n.Numas
		}
	case "numas":
		slots = n.Numas
	case "hwthreads":
		slots = n.HWThreads
	default:
		if v, err := strconv.Atoi(policy); err == nil && v > 0 {
			slots = int32(v)
		}
	}
	if slots == 0 {
		slots = 1
	}
	return slots
}

// handleLaunchDaemons builds the VM map and, for every daemon rank it
// introduces, bumps DaemonsLaunchedTotal. Real daemon process launch (the
// fork/exec or remote-spawn step) is carried out by pkg/daemon against this
// map; this handler's job ends at producing the map and recording intent.
//
// Per §4.2's edge case, a round that introduces no new daemons (NoVM,
// FixedDVM, or every candidate node already carrying one) has nothing to wait
// on: no daemon will ever send a fresh TagPrtedCallback report for it, so the
// job is driven straight to DAEMONS_REPORTED instead of parking at
// DAEMONS_LAUNCHED forever.
func (rt *Runtime) handleLaunchDaemons(job *types.Job) error {
	m, err := rt.Builder.Build(job)
	if err != nil {
		if errors.Is(err, vm.ErrNoNodes) {
			rt.logger.Error().Str("nspace", string(job.Nspace)).Err(err).Msg("jobstate: nothing to build a VM from")
			rt.Activate(job.Nspace, types.JobStateForcedExit)
			return nil
		}
		return err
	}
	job.Map = m
	job.NumDaemons = int32(len(m.Daemons))
	job.NumNewDaemons = int32(len(m.NewDaemons))
	job.NumReported = 0
	for range m.NewDaemons {
		metrics.DaemonsLaunchedTotal.Inc()
	}
	_ = rt.Reg.UpdateJob(job)
	if job.NumNewDaemons == 0 {
		rt.Activate(job.Nspace, types.JobStateDaemonsReported)
	} else {
		rt.Activate(job.Nspace, types.JobStateDaemonsLaunched)
	}
	return nil
}

// handleDaemonsReported runs once the callback collector has heard from
// every new daemon: the routing plan is refreshed against the live node
// registry (callbacks may have renamed nodes or filled in capacities since
// the map was built) and the job's total allocated slot capacity is fixed,
// then the VM is declared ready.
func (rt *Runtime) handleDaemonsReported(job *types.Job) error {
	var total int32
	if job.Map != nil {
		byNode := make(map[string]types.Rank, len(job.Map.Daemons))
		byRank := make(map[types.Rank]string, len(job.Map.Daemons))
		for _, rank := range job.Map.Daemons {
			node, err := rt.Reg.GetNodeByDaemonRank(rank)
			if err != nil {
				return fmt.Errorf("jobstate: daemon rank %d has no node in the registry: %w", rank, err)
			}
			byNode[node.ID] = rank
			byRank[rank] = node.ID
			total += node.Slots
		}
		job.Map.ByNode = byNode
		job.Map.ByRank = byRank
	}
	job.TotalSlotsAlloc = total
	_ = rt.Reg.UpdateJob(job)
	rt.Activate(job.Nspace, types.JobStateVMReady)
	return nil
}

// handleMap assigns every proc in the job a daemon-hosting node, round-robin
// over the VM's daemon set, then moves to MAP_COMPLETE. No-VM jobs place
// every proc on the local node.
func (rt *Runtime) handleMap(job *types.Job) error {
	if job.Map == nil || len(job.Map.Daemons) == 0 {
		if !job.Flags.NoVM {
			return fmt.Errorf("jobstate: map requested with no daemons available")
		}
	}

	var rank types.Rank
	for _, app := range job.Apps {
		for i := int32(0); i < app.NumProcs; i++ {
			proc := &types.Proc{
				Nspace: job.Nspace,
				Rank:   rank,
				AppIdx: app.Idx,
				State:  types.ProcStateInit,
			}
			if job.Flags.NoVM || len(job.Map.Daemons) == 0 {
				proc.NodeID = ""
			} else {
				d := job.Map.Daemons[int(rank)%len(job.Map.Daemons)]
				proc.NodeID = job.Map.ByRank[d]
			}
			job.Procs = append(job.Procs, proc)
			rank++
		}
	}

	// Slot accounting: every mapped proc occupies one slot on its node
	// until CLEANUP_JOB releases it.
	for _, p := range job.Procs {
		if p.NodeID == "" {
			continue
		}
		if node, err := rt.Reg.GetNode(p.NodeID); err == nil {
			node.SlotsInUse++
			rt.Reg.UpsertNode(node)
		}
	}

	_ = rt.Reg.UpdateJob(job)
	rt.Activate(job.Nspace, types.JobStateMapComplete)
	return nil
}

// handleSystemPrep computes and logs the job's session directory path (the
// directory itself is not created here) and computes
// each proc's coprocessor affinity hash, supplementing the distilled spec
// with the original's SYSTEM_PREP behavior.
func (rt *Runtime) handleSystemPrep(job *types.Job) error {
	if rt.Opts.SessionBase != "" {
		dir := SessionDir(rt.Opts.SessionBase, job.Nspace)
		rt.logger.Debug().Str("dir", dir).Msg("jobstate: session directory prepared")
	}
	for _, p := range job.Procs {
		if p.NodeID == "" {
			continue
		}
		affinity := CoprocessorAffinity(p.NodeID, p.Rank)
		p.Attrs = append(p.Attrs, &types.Attribute{
			Key:     "coprocessor-affinity",
			Type:    types.AttrTypeUint32,
			Scope:   types.AttrLocal,
			UintVal: uint64(affinity),
		})
	}
	rt.Activate(job.Nspace, types.JobStateLaunchApps)
	return nil
}

// handleLaunchApps packs an ADD_LOCAL_PROCS command per daemon hosting at
// least one of this job's procs, carrying each proc's full launch spec
// (executable, argv, cwd, env, per §4.6 item 2's "per-app data produced by
// the local-launcher assembler"), and broadcasts it to every hosting daemon
// via rml.Xcast on rml.TagDaemon. The job then parks here until the daemons
// confirm their procs running (RUNNING is activated by the proc-state
// receiver), bounded by the startup timer when one is configured. A no-VM
// job has no daemon to confirm anything and proceeds directly.
func (rt *Runtime) handleLaunchApps(job *types.Job) error {
	apps := make(map[int32]*types.App, len(job.Apps))
	for _, a := range job.Apps {
		apps[a.Idx] = a
	}

	byDaemon := make(map[types.Rank][]daemon.LocalProcSpec)
	for _, p := range job.Procs {
		if p.NodeID == "" {
			continue
		}
		d, ok := job.Map.ByNode[p.NodeID]
		if !ok {
			continue
		}
		app, ok := apps[p.AppIdx]
		if !ok {
			return fmt.Errorf("jobstate: proc rank %d references unknown app %d", p.Rank, p.AppIdx)
		}
		byDaemon[d] = append(byDaemon[d], daemon.LocalProcSpec{
			Rank: p.Rank,
			Exe:  app.Exe,
			Argv: app.Argv,
			Cwd:  app.Cwd,
			Env:  app.Env,
		})
		p.State = types.ProcStateLaunched
	}

	var dsts []int32
	for d := range byDaemon {
		dsts = append(dsts, int32(d))
	}
	sort.Slice(dsts, func(i, j int) bool { return dsts[i] < dsts[j] })

	for _, d := range dsts {
		payload := daemon.EncodeAddLocalProcs(job.Nspace, byDaemon[types.Rank(d)])
		rml.Xcast(rt.Transport, []int32{d}, rml.TagDaemon, payload, func(results []rml.XcastResult) {
			for _, r := range results {
				status := "ok"
				if r.Err != nil {
					status = "error"
				}
				metrics.RMLSendsTotal.WithLabelValues(fmt.Sprintf("%d", rml.TagDaemon), status).Inc()
			}
		})
	}

	_ = rt.Reg.UpdateJob(job)

	if job.Flags.NoVM || len(byDaemon) == 0 {
		rt.Activate(job.Nspace, types.JobStateRunning)
		return nil
	}

	if timeout := orDefault(job.StartupTimeout, rt.Opts.StartupTimeout); timeout > 0 {
		nspace := job.Nspace
		cancel, err := rt.Loop.ScheduleTimer(timeout, func() {
			rt.onStartupTimeout(nspace)
		})
		if err != nil {
			return fmt.Errorf("jobstate: arm startup timer: %w", err)
		}
		setTimerAttr(job, attrFailureTimer, cancel)
	}
	return nil
}

// onStartupTimeout fires when the LAUNCH_APPS -> RUNNING window elapses:
// the job fails to start with exit code TIMEOUT, and no spawn success
// response is ever sent.
func (rt *Runtime) onStartupTimeout(nspace types.Nspace) {
	job, err := rt.Reg.GetJob(nspace)
	if err != nil || job.State != types.JobStateLaunchApps {
		return
	}
	takeTimerAttr(job, attrFailureTimer)
	metrics.JobTimeoutsTotal.WithLabelValues("startup").Inc()
	rt.logger.Error().Str("nspace", string(nspace)).Msg("jobstate: startup timeout, daemons never confirmed the launch")
	job.ExitCode = types.ExitCodeTimeout
	_ = rt.Reg.UpdateJob(job)
	rt.Activate(nspace, types.JobStateFailedToStart)
}

// handleRunning cancels the startup timer, delivers the spawn response to
// the originator (exactly once), and arms the execution timer when the job
// carries a time limit.
func (rt *Runtime) handleRunning(job *types.Job) error {
	if cancel := takeTimerAttr(job, attrFailureTimer); cancel != nil {
		cancel()
	}

	rt.notifySpawnComplete(job, 0)

	if timeout := orDefault(job.Timeout, rt.Opts.ExecutionTimeout); timeout > 0 {
		nspace := job.Nspace
		cancel, err := rt.Loop.ScheduleTimer(timeout, func() {
			rt.onExecutionTimeout(nspace)
		})
		if err != nil {
			return fmt.Errorf("jobstate: arm execution timer: %w", err)
		}
		setTimerAttr(job, attrTimeoutTimer, cancel)
	}

	_ = rt.Reg.UpdateJob(job)
	return nil
}

// onExecutionTimeout fires when a RUNNING job exhausts its time limit: the
// exit code becomes TIMEOUT, an optional state summary is printed, stack
// traces are optionally collected (bounded by their own timer), and the
// job's procs are ordered killed before the terminal transition.
func (rt *Runtime) onExecutionTimeout(nspace types.Nspace) {
	job, err := rt.Reg.GetJob(nspace)
	if err != nil || job.State != types.JobStateRunning {
		return
	}
	takeTimerAttr(job, attrTimeoutTimer)
	metrics.JobTimeoutsTotal.WithLabelValues("execution").Inc()
	job.ExitCode = types.ExitCodeTimeout
	_ = rt.Reg.UpdateJob(job)

	if job.Flags.ReportState {
		rt.reportJobState(job)
	}

	daemons := rt.jobDaemons(job)
	rml.Xcast(rt.Transport, daemons, rml.TagDaemon, daemon.EncodeProcList(daemon.CmdKillLocalProcs, job.Nspace, nil), nil)

	if job.Flags.StackTraces && len(daemons) > 0 {
		rml.Xcast(rt.Transport, daemons, rml.TagDaemon, daemon.EncodeSimple(daemon.CmdGetStackTraces), nil)
		wait := rt.Opts.StackTraceTimeout
		if wait <= 0 {
			wait = 30 * time.Second
		}
		cancel, err := rt.Loop.ScheduleTimer(wait, func() {
			rt.onStackTraceTimeout(nspace)
		})
		if err == nil {
			setTimerAttr(job, attrTraceTimer, cancel)
			return
		}
		rt.logger.Warn().Err(err).Msg("jobstate: arm stack-trace timer failed, terminating immediately")
	}

	rt.Activate(nspace, types.JobStateTerminated)
}

// onStackTraceTimeout gives up waiting for per-daemon stack traces and
// terminates the timed-out job.
func (rt *Runtime) onStackTraceTimeout(nspace types.Nspace) {
	job, err := rt.Reg.GetJob(nspace)
	if err != nil {
		return
	}
	takeTimerAttr(job, attrTraceTimer)
	metrics.JobTimeoutsTotal.WithLabelValues("stack-trace").Inc()
	if job.State.Terminal() {
		return
	}
	rt.Activate(nspace, types.JobStateTerminated)
}

// reportJobState prints the timed-out job's summary: per-proc states and
// the counters a support engineer wants first.
func (rt *Runtime) reportJobState(job *types.Job) {
	ev := rt.logger.Info().
		Str("nspace", string(job.Nspace)).
		Str("state", string(job.State)).
		Int32("num_procs", job.NumProcs).
		Int32("num_launched", job.NumLaunched).
		Int32("num_terminated", job.NumTerminated)
	for _, p := range job.Procs {
		ev = ev.Str(fmt.Sprintf("rank_%d", p.Rank), string(p.State))
	}
	ev.Msg("jobstate: job state at timeout")
}

// jobDaemons lists the daemon ranks hosting at least one of job's procs.
func (rt *Runtime) jobDaemons(job *types.Job) []int32 {
	if job.Map == nil {
		return nil
	}
	seen := make(map[types.Rank]bool)
	var out []int32
	for _, p := range job.Procs {
		if p.NodeID == "" {
			continue
		}
		if d, ok := job.Map.ByNode[p.NodeID]; ok && !seen[d] {
			seen[d] = true
			out = append(out, int32(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SpawnResponse is the §4.1 spawn reply delivered to a job's originator at
// most once, on TagLaunchResp: a status (0 on success, the job's exit code
// otherwise), the assigned nspace, and the room number routing the reply to
// the original request slot.
type SpawnResponse struct {
	Status     int32
	Nspace     types.Nspace
	RoomNumber int32
}

// EncodeSpawnResponse packs a SpawnResponse.
func EncodeSpawnResponse(r SpawnResponse) []byte {
	b := buffer.NewPacker()
	b.PackInt64(int64(r.Status))
	b.PackString(string(r.Nspace))
	b.PackInt64(int64(r.RoomNumber))
	return b.Bytes()
}

// DecodeSpawnResponse reverses EncodeSpawnResponse.
func DecodeSpawnResponse(data []byte) (SpawnResponse, error) {
	var r SpawnResponse
	b := buffer.NewUnpacker(data)
	status, err := b.UnpackInt64()
	if err != nil {
		return r, fmt.Errorf("jobstate: decode spawn response status: %w", err)
	}
	nspace, err := b.UnpackString()
	if err != nil {
		return r, fmt.Errorf("jobstate: decode spawn response nspace: %w", err)
	}
	room, err := b.UnpackInt64()
	if err != nil {
		return r, fmt.Errorf("jobstate: decode spawn response room: %w", err)
	}
	r.Status = int32(status)
	r.Nspace = types.Nspace(nspace)
	r.RoomNumber = int32(room)
	return r, nil
}

// notifySpawnComplete delivers the spawn response to the originator exactly
// once; SpawnNotified suppresses every later attempt.
func (rt *Runtime) notifySpawnComplete(job *types.Job, status int32) {
	if job.SpawnNotified {
		return
	}
	job.SpawnNotified = true
	_ = rt.Reg.UpdateJob(job)

	resp := SpawnResponse{Status: status, Nspace: job.Nspace, RoomNumber: job.RoomNumber}
	if int32(job.Originator) == rt.Transport.Self() {
		if rt.OnSpawnComplete != nil {
			rt.OnSpawnComplete(resp)
		}
		return
	}
	rt.Transport.SendBufferNB(int32(job.Originator), rml.TagLaunchResp, EncodeSpawnResponse(resp), nil)
}

// handleTerminal performs cleanup common to every terminal state: cancel
// any armed lifecycle timer and deliver the spawn response when a failure
// terminated the job before RUNNING ever notified the originator. A success
// response is never sent from here — only RUNNING sends those.
func (rt *Runtime) handleTerminal(job *types.Job) {
	for _, key := range []string{attrFailureTimer, attrTimeoutTimer, attrTraceTimer} {
		if cancel := takeTimerAttr(job, key); cancel != nil {
			cancel()
		}
	}

	if job.State.Failed() {
		status := job.ExitCode
		if status == 0 {
			status = 1
		}
		rt.notifySpawnComplete(job, status)
	}

	if job.NumTerminated < job.NumProcs {
		job.NumTerminated = job.NumProcs
	}
	_ = rt.Reg.UpdateJob(job)
}

// CleanupJob releases every head-side resource mapped to nspace — slot
// usage on the job's nodes and the job record itself — and orders each
// participating daemon to do the same via DVM_CLEANUP_JOB_CMD. After it
// returns, a lookup of the job or any of its procs misses.
func (rt *Runtime) CleanupJob(nspace types.Nspace) error {
	job, err := rt.Reg.GetJob(nspace)
	if err != nil {
		return fmt.Errorf("jobstate: cleanup of unknown job %s: %w", nspace, err)
	}

	rml.Xcast(rt.Transport, rt.jobDaemons(job), rml.TagDaemon,
		daemon.EncodeNspaceOnly(daemon.CmdCleanupJob, nspace), nil)

	for _, p := range job.Procs {
		if p.NodeID == "" {
			continue
		}
		if node, nerr := rt.Reg.GetNode(p.NodeID); nerr == nil && node.SlotsInUse > 0 {
			node.SlotsInUse--
			rt.Reg.UpsertNode(node)
		}
	}

	return rt.Reg.DeleteJob(nspace)
}

// setTimerAttr stores an armed timer's cancel handle on the job under key,
// replacing (and cancelling) any stale handle already there.
func setTimerAttr(job *types.Job, key string, cancel eventloop.CancelFunc) {
	if old := takeTimerAttr(job, key); old != nil {
		old()
	}
	job.Attrs = append(job.Attrs, &types.Attribute{
		Key:    key,
		Type:   types.AttrTypePtr,
		Scope:  types.AttrLocal,
		PtrVal: cancel,
	})
}

// takeTimerAttr removes key's timer attribute from the job and returns the
// cancel handle, or nil when no timer is armed. Removal on every path keeps
// a fired or cancelled handle from ever being seen again.
func takeTimerAttr(job *types.Job, key string) eventloop.CancelFunc {
	for i, a := range job.Attrs {
		if a.Key != key {
			continue
		}
		job.Attrs = append(job.Attrs[:i], job.Attrs[i+1:]...)
		if cancel, ok := a.PtrVal.(eventloop.CancelFunc); ok {
			return cancel
		}
		return nil
	}
	return nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// SessionDir computes the per-job session directory path, grounded on the
// original's "<tmp>/prte.<pid>.0/<nspace>" convention, simplified to drop
// the PID segment since this DVM core has exactly one daemon-rank-0 process
// per session.
func SessionDir(base string, nspace types.Nspace) string {
	return filepath.Join(base, "dvm", string(nspace))
}

// CoprocessorAffinity hashes (nodeID, rank) with FNV-1a into a 32-bit
// affinity value, giving procs on the same node a stable preference order
// over that node's coprocessor devices without needing a central assignment
// table.
func CoprocessorAffinity(nodeID string, rank types.Rank) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	var tmp [4]byte
	tmp[0] = byte(rank >> 24)
	tmp[1] = byte(rank >> 16)
	tmp[2] = byte(rank >> 8)
	tmp[3] = byte(rank)
	_, _ = h.Write(tmp[:])
	return h.Sum32()
}
