// Package callback implements the Daemon Callback Collector (§4.3): a
// persistent RML receiver the daemons report back to after VM startup,
// gating the job's DAEMONS_LAUNCHED -> DAEMONS_REPORTED transition on
// quorum, plus the proc-state receiver that lets a job advance past
// RUNNING. The handler-registration-plus-dispatch shape is grounded on the
// teacher's pkg/api/server.go RegisterNode/Heartbeat handlers, with gRPC
// swapped for RML receive callbacks.
package callback

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/prte/pkg/buffer"
	"github.com/cuemby/prte/pkg/daemon"
	"github.com/cuemby/prte/pkg/jobstate"
	"github.com/cuemby/prte/pkg/kvstore"
	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/metrics"
	"github.com/cuemby/prte/pkg/registry"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/types"
)

// Collector receives daemon "I am up" callbacks and proc-state updates,
// and advances job state once every launched daemon for a job has
// reported in.
type Collector struct {
	reg       *registry.Registry
	transport rml.Transport
	rt        *jobstate.Runtime
	kv        *kvstore.Store
	logger    zerolog.Logger

	// headSig is the head node's own topology signature; a daemon shipping
	// a matching topology payload is redundant and its blob is discarded.
	headSig string

	// UseFQDN keeps reported hostnames fully qualified; off by default,
	// matching the original's strip-the-domain behavior.
	UseFQDN bool

	// heteroNodes latches true once two distinct topology signatures have
	// been seen; it is never cleared.
	heteroNodes bool

	// pendingTopology maps a daemon rank whose signature was unknown and
	// whose topology was not shipped to the job waiting on it: the job's
	// reported counter only advances when the REPORT_TOPOLOGY_CMD reply
	// arrives on TagTopologyReport.
	pendingTopology map[types.Rank]types.Nspace
}

// NewCollector creates a Collector over reg and rt, receiving on transport.
// headSig is the head node's own topology signature (interned immediately
// so redundant daemon payloads can be recognized and dropped); kv is the
// head node's local key/value server, absorbing per-daemon info blobs and
// inventory. Start must be called to begin receiving.
func NewCollector(reg *registry.Registry, transport rml.Transport, rt *jobstate.Runtime, kv *kvstore.Store, headSig string) *Collector {
	if headSig != "" {
		reg.InternTopology(headSig, nil)
	}
	return &Collector{
		reg:             reg,
		transport:       transport,
		rt:              rt,
		kv:              kv,
		headSig:         headSig,
		logger:          log.WithComponent("callback"),
		pendingTopology: make(map[types.Rank]types.Nspace),
	}
}

// HeteroNodes reports whether the collector has seen more than one distinct
// topology signature.
func (c *Collector) HeteroNodes() bool {
	return c.heteroNodes
}

// Start registers the persistent receive callbacks: daemon reports on
// TagPrtedCallback, deferred topology replies on TagTopologyReport, and
// proc-state updates on TagPLM. Idempotent: calling it again replaces the
// prior registrations.
func (c *Collector) Start() {
	c.transport.RecvBufferNB(rml.TagPrtedCallback, c.onCallback)
	c.transport.RecvBufferNB(rml.TagTopologyReport, c.onTopologyReport)
	c.transport.RecvBufferNB(rml.TagPLM, c.onProcState)
	c.transport.RecvBufferNB(rml.TagStackTrace, c.onStackTrace)
}

// Stop deregisters the receive callbacks.
func (c *Collector) Stop() {
	c.transport.RecvCancel(rml.TagPrtedCallback)
	c.transport.RecvCancel(rml.TagTopologyReport)
	c.transport.RecvCancel(rml.TagPLM)
	c.transport.RecvCancel(rml.TagStackTrace)
}

// onStackTrace surfaces a daemon's GET_STACK_TRACES reply. Traces exist to
// be read by the operator diagnosing a hung job, so they go straight to the
// log, one entry per received reply (a daemon sends one reply per local
// proc).
func (c *Collector) onStackTrace(msg rml.Message) {
	c.logger.Info().
		Int32("daemon", msg.Src).
		Str("trace", string(msg.Data)).
		Msg("callback: stack trace received")
}

// onCallback runs on the owning loop. One message may carry several daemon
// reports back to back; decoding proceeds until the buffer is exhausted.
// Hitting the end cleanly between reports is not an error; any mid-report
// decode failure aborts the DVM startup attempt (§4.3's failure policy).
func (c *Collector) onCallback(msg rml.Message) {
	metrics.RMLRecvsTotal.WithLabelValues(fmt.Sprintf("%d", rml.TagPrtedCallback)).Inc()

	b := buffer.NewUnpacker(msg.Data)
	for b.Remaining() {
		report, err := daemon.DecodeReport(b)
		if err != nil {
			c.logger.Error().Err(err).Int32("src", msg.Src).Msg("callback: malformed daemon report")
			c.abortStartup()
			return
		}
		c.processReport(report)
	}
}

// processReport applies one daemon's report: store its info blob, record
// the node's hostname/aliases/topology, and advance the owning job's
// reported counter unless the report left a topology request pending.
func (c *Collector) processReport(r daemon.Report) {
	nspace := r.Daemon.Nspace
	rank := r.Daemon.Rank

	node, err := c.reg.GetNodeByDaemonRank(rank)
	if err != nil {
		c.logger.Error().Int32("rank", int32(rank)).Str("nspace", string(nspace)).Msg("callback: report from unknown daemon rank")
		c.abortStartup()
		return
	}

	for _, a := range r.Info {
		c.kv.StoreInternal(nspace, a)
	}
	c.applyInventoryCounts(node, r.Info)

	hostname := r.Hostname
	if !c.UseFQDN {
		if i := strings.IndexByte(hostname, '.'); i > 0 {
			hostname = hostname[:i]
		}
	}
	node.Hostname = hostname
	node.State = types.NodeStateUp

	// The nodename itself always leads the alias list.
	aliases := append([]string{hostname}, r.Aliases...)
	node.Aliases = aliases
	c.kv.StoreInternal(nspace, &types.Attribute{
		Key:       "node-alias",
		Type:      types.AttrTypeString,
		Scope:     types.AttrGlobal,
		StringVal: strings.Join(aliases, ","),
	})

	node.TopologySig = r.Signature
	pending := c.recordTopology(rank, nspace, r.Signature, r.Topology)
	c.reg.UpsertNode(node)

	if r.Inventory != nil {
		c.kv.DeliverInventory(nspace, r.Inventory)
	}

	if pending {
		c.logger.Debug().
			Int32("rank", int32(rank)).
			Str("sig", r.Signature).
			Msg("callback: topology unknown and not shipped, requested a report")
		return
	}

	c.daemonReported(nspace, rank)
}

// recordTopology interns the reported signature, discarding a shipped
// payload that matches the head node's own topology as redundant. When the
// signature is new and no payload was shipped, a REPORT_TOPOLOGY_CMD goes
// back to the daemon and true is returned: the caller must not count the
// daemon as reported until the reply arrives.
func (c *Collector) recordTopology(rank types.Rank, nspace types.Nspace, sig string, payload []byte) (pending bool) {
	if payload != nil && sig == c.headSig {
		payload = nil // redundant copy of the head node's own topology
	}

	_, lookupErr := c.reg.GetTopology(sig)
	known := lookupErr == nil
	switch {
	case payload != nil:
		c.reg.InternTopology(sig, payload)
	case known:
		c.reg.InternTopology(sig, nil) // refcount bump on the shared entry
	default:
		c.transport.SendBufferNB(int32(rank), rml.TagDaemon, daemon.EncodeSimple(daemon.CmdReportTopology), nil)
		c.pendingTopology[rank] = nspace
		return true
	}

	if c.reg.TopologyCount() > 1 {
		c.heteroNodes = true
	}
	return false
}

// applyInventoryCounts copies the daemon-reported hardware counts off the
// info blob onto the node record, feeding the unmanaged-allocation slot
// policy.
func (c *Collector) applyInventoryCounts(node *types.Node, info []*types.Attribute) {
	for _, a := range info {
		switch a.Key {
		case "cores":
			node.Cores = int32(a.UintVal)
		case "sockets":
			node.Sockets = int32(a.UintVal)
		case "numas":
			node.Numas = int32(a.UintVal)
		case "hwthreads":
			node.HWThreads = int32(a.UintVal)
		}
	}
}

// daemonReported bumps nspace's reported counter and, at quorum, advances
// the job out of DAEMONS_LAUNCHED.
func (c *Collector) daemonReported(nspace types.Nspace, rank types.Rank) {
	job, err := c.reg.GetJob(nspace)
	if err != nil {
		c.logger.Error().Str("nspace", string(nspace)).Msg("callback: report for unknown job")
		return
	}

	job.NumReported++
	metrics.DaemonsReportedTotal.Inc()
	_ = c.reg.UpdateJob(job)

	c.logger.Debug().
		Str("nspace", string(nspace)).
		Int32("rank", int32(rank)).
		Int32("reported", job.NumReported).
		Int32("expected", job.NumNewDaemons).
		Msg("callback: daemon reported")

	if job.NumReported >= job.NumNewDaemons && job.State == types.JobStateDaemonsLaunched {
		c.rt.Activate(job.Nspace, types.JobStateDaemonsReported)
	}
}

// onTopologyReport absorbs a deferred REPORT_TOPOLOGY_CMD reply: the
// topology is interned and the requesting daemon's job finally gets its
// reported counter bumped.
func (c *Collector) onTopologyReport(msg rml.Message) {
	sig, topo, err := daemon.DecodeTopologyReport(msg.Data)
	if err != nil {
		c.logger.Error().Err(err).Int32("src", msg.Src).Msg("callback: malformed topology report")
		c.abortStartup()
		return
	}

	c.reg.InternTopology(sig, topo)
	if c.reg.TopologyCount() > 1 {
		c.heteroNodes = true
	}

	rank := types.Rank(msg.Src)
	nspace, ok := c.pendingTopology[rank]
	if !ok {
		c.logger.Warn().Int32("rank", int32(rank)).Msg("callback: unsolicited topology report")
		return
	}
	delete(c.pendingTopology, rank)
	c.daemonReported(nspace, rank)
}

// onProcState applies a daemon's PLM proc-state update: record the proc's
// new state and exit code, and drive the job's terminal transition once
// every proc is accounted for.
func (c *Collector) onProcState(msg rml.Message) {
	report, err := daemon.DecodeProcStateReport(msg.Data)
	if err != nil {
		c.logger.Error().Err(err).Int32("src", msg.Src).Msg("callback: malformed proc state report")
		return
	}

	job, err := c.reg.GetJob(report.Nspace)
	if err != nil {
		c.logger.Warn().Str("nspace", string(report.Nspace)).Msg("callback: proc state for unknown job")
		return
	}

	var proc *types.Proc
	for _, p := range job.Procs {
		if p.Rank == report.Rank {
			proc = p
			break
		}
	}
	if proc == nil {
		c.logger.Warn().Int32("rank", int32(report.Rank)).Str("nspace", string(report.Nspace)).Msg("callback: state for unknown proc")
		return
	}
	if proc.State == types.ProcStateTerminated || proc.State == types.ProcStateKilled ||
		proc.State == types.ProcStateFailed || proc.State == types.ProcStateAborted {
		return // duplicate report for a proc already accounted for
	}

	proc.State = report.State
	proc.ExitCode = int(report.ExitCode)
	metrics.ProcsTotal.WithLabelValues(string(report.State)).Inc()

	switch report.State {
	case types.ProcStateFailed:
		job.NumTerminated++
		if job.ExitCode == 0 {
			job.ExitCode = 1
		}
		_ = c.reg.UpdateJob(job)
		if !job.State.Terminal() {
			c.rt.Activate(job.Nspace, types.JobStateFailedToStart)
		}
		return
	case types.ProcStateAborted:
		job.NumTerminated++
		if job.ExitCode == 0 {
			job.ExitCode = 1
		}
		_ = c.reg.UpdateJob(job)
		if !job.State.Terminal() {
			c.rt.Activate(job.Nspace, types.JobStateAborted)
		}
		return
	case types.ProcStateTerminated, types.ProcStateKilled:
		job.NumTerminated++
		if report.ExitCode != 0 && job.ExitCode == 0 {
			job.ExitCode = report.ExitCode
		}
	case types.ProcStateRunning:
		// Launch confirmation: RUNNING is reached only once every proc in
		// the job has been confirmed up by its hosting daemon.
		job.NumLaunched++
		_ = c.reg.UpdateJob(job)
		if job.NumLaunched >= job.NumProcs && job.State == types.JobStateLaunchApps {
			c.rt.Activate(job.Nspace, types.JobStateRunning)
		}
		return
	}
	_ = c.reg.UpdateJob(job)

	if job.NumTerminated >= job.NumProcs && job.State == types.JobStateRunning {
		c.rt.Activate(job.Nspace, types.JobStateRegistered)
	}
}

// abortStartup fails every job still waiting on daemon callbacks,
// terminating the DVM startup attempt (§4.3's failure policy: a malformed
// report or unknown daemon is not recoverable).
func (c *Collector) abortStartup() {
	for _, job := range c.reg.ListJobs() {
		if job.State == types.JobStateDaemonsLaunched {
			c.rt.Activate(job.Nspace, types.JobStateFailedToStart)
		}
	}
}
