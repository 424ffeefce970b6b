// Package vm implements the VM Builder (§4.2): it selects the node set
// that needs a daemon, assigns contiguous daemon ranks, and produces the
// JobMap that drives LAUNCH_DAEMONS. The node-selection and round-robin
// assignment shape is grounded on the teacher's Scheduler.schedule /
// selectNode, generalized from "place N service replicas across worker
// nodes" to "assign one daemon to every node that still needs one."
package vm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/metrics"
	"github.com/cuemby/prte/pkg/registry"
	"github.com/cuemby/prte/pkg/types"
)

// ErrNoNodes reports that filtering left no node at all to host a daemon —
// a fatal allocation condition distinct from an ordinary launch failure.
var ErrNoNodes = errors.New("vm: no schedulable nodes available")

// Builder constructs JobMaps against the live node registry.
type Builder struct {
	reg    *registry.Registry
	logger zerolog.Logger
}

// NewBuilder creates a Builder over reg.
func NewBuilder(reg *registry.Registry) *Builder {
	return &Builder{reg: reg, logger: log.WithComponent("vm")}
}

// Build computes the JobMap for job, per the policy in §4.2:
//   - FixedDVM: reuse the existing daemon set, assign no new ranks.
//   - NoVM: an empty map; the job runs entirely within the head node.
//   - DynamicSpawn: only nodes already marked ADDED (joined a running DVM)
//     are eligible; a singleton with no ADDED nodes bootstraps itself as
//     rank 0 rather than failing.
//   - otherwise: candidates are gathered from each app's DashHost/
//     HostfileHosts (falling back to the full known node pool when neither
//     is set), nodes in DOWN/NOT_INCLUDED/DO_NOT_USE are filtered out, the
//     set is capped at job.MaxVMSize when set, and every remaining
//     undaemoned node gets the next contiguous daemon rank in stable
//     node-ID order so repeated builds are deterministic.
func (b *Builder) Build(job *types.Job) (*types.JobMap, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VMBuildDuration)

	m := &types.JobMap{
		Nspace: job.Nspace,
		ByNode: make(map[string]types.Rank),
		ByRank: make(map[types.Rank]string),
	}

	if job.Flags.NoVM {
		b.logger.Debug().Str("nspace", string(job.Nspace)).Msg("vm: no-VM job, empty map")
		return m, nil
	}

	existing := b.reg.ListNodes()
	nextRank := contiguousNextRank(existing)

	var candidates []*types.Node
	switch {
	case job.Flags.FixedDVM:
		candidates = nil // fixed DVM: do not grow the daemon set
	case job.Flags.DynamicSpawn:
		candidates = b.reg.NodesInState(types.NodeStateAdded)
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	default:
		candidates = b.selectCandidates(job, existing)
	}

	if job.MaxVMSize > 0 && int32(len(candidates)) > job.MaxVMSize {
		b.logger.Debug().
			Str("nspace", string(job.Nspace)).
			Int32("max_vm_size", job.MaxVMSize).
			Int("candidates", len(candidates)).
			Msg("vm: capping candidate set to max_vm_size")
		candidates = candidates[:job.MaxVMSize]
	}

	for _, node := range candidates {
		node.DaemonRank = nextRank
		b.reg.UpsertNode(node)

		m.Daemons = append(m.Daemons, nextRank)
		m.NewDaemons = append(m.NewDaemons, nextRank)
		m.ByNode[node.ID] = nextRank
		m.ByRank[nextRank] = node.ID

		b.logger.Info().
			Str("node_id", node.ID).
			Int32("daemon_rank", int32(nextRank)).
			Msg("vm: assigned daemon rank")

		nextRank++
	}

	// Include already-daemoned nodes in the map too, so downstream
	// consumers (callback collector, failure detector) see the full VM,
	// not just what was assigned on this build.
	for _, node := range existing {
		if node.HasDaemon() {
			if _, already := m.ByRank[node.DaemonRank]; !already {
				m.Daemons = append(m.Daemons, node.DaemonRank)
				m.ByNode[node.ID] = node.DaemonRank
				m.ByRank[node.DaemonRank] = node.ID
			}
		}
	}
	sort.Slice(m.Daemons, func(i, j int) bool { return m.Daemons[i] < m.Daemons[j] })

	m.HeteroNodes = b.reg.TopologyCount() > 1

	if len(m.Daemons) == 0 && !job.Flags.NoVM && !job.Flags.DynamicSpawn {
		return nil, fmt.Errorf("%w for job %s", ErrNoNodes, job.Nspace)
	}

	return m, nil
}

// selectCandidates gathers the non-FixedDVM, non-DynamicSpawn candidate
// node set for job: the union of every app's DashHost/HostfileHosts (or, if
// neither is set on any app, the full known node pool), filtered down to
// nodes that are schedulable and do not already carry a daemon.
func (b *Builder) selectCandidates(job *types.Job, existing []*types.Node) []*types.Node {
	wanted := make(map[string]bool)
	anyHostFilter := false
	for _, app := range job.Apps {
		for _, h := range app.DashHost {
			anyHostFilter = true
			wanted[h] = true
		}
		for _, h := range app.HostfileHosts {
			anyHostFilter = true
			wanted[h] = true
		}
	}

	var pool []*types.Node
	if anyHostFilter {
		for _, n := range existing {
			if wanted[n.ID] {
				pool = append(pool, n)
			}
		}
	} else {
		pool = existing
	}

	var out []*types.Node
	for _, n := range pool {
		switch n.State {
		case types.NodeStateDown, types.NodeStateNotIncluded, types.NodeStateDoNotUse:
			continue
		}
		if n.HasDaemon() {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// contiguousNextRank finds the smallest daemon rank not already assigned,
// preserving the head-node convention that rank 0 is the head node itself
// and is never assigned to a worker node.
func contiguousNextRank(nodes []*types.Node) types.Rank {
	used := map[types.Rank]bool{0: true}
	for _, n := range nodes {
		if n.HasDaemon() {
			used[n.DaemonRank] = true
		}
	}
	var r types.Rank = 1
	for used[r] {
		r++
	}
	return r
}
