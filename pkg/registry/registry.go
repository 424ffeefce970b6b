// Package registry is the DVM's in-memory job and node registry: one
// owning table per entity kind, addressed by handle (nspace or node id)
// rather than by pointer, so no component outside this package ever holds
// a long-lived reference into another's table.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/prte/pkg/types"
)

// ErrNotFound is returned when a lookup by handle misses.
var ErrNotFound = fmt.Errorf("registry: not found")

// Registry is the single process-wide owner of job, node, and topology
// state. All methods are safe for concurrent use; callers outside the
// event loop goroutine (e.g. an RML read-pump) are expected to call in
// through here rather than mutate returned structs directly.
type Registry struct {
	mu sync.RWMutex

	jobs       map[types.Nspace]*types.Job
	nodes      map[string]*types.Node
	topologies map[string]*types.Topology
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		jobs:       make(map[types.Nspace]*types.Job),
		nodes:      make(map[string]*types.Node),
		topologies: make(map[string]*types.Topology),
	}
}

// NewNspace mints a fresh job namespace handle.
func NewNspace() types.Nspace {
	return types.Nspace(uuid.NewString())
}

// CreateJob inserts a new job, which must not already exist.
func (r *Registry) CreateJob(job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.Nspace]; ok {
		return fmt.Errorf("registry: job %s already exists", job.Nspace)
	}
	r.jobs[job.Nspace] = job
	return nil
}

// GetJob returns the job for nspace, or ErrNotFound.
func (r *Registry) GetJob(nspace types.Nspace) (*types.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[nspace]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// ListJobs returns a snapshot slice of all tracked jobs.
func (r *Registry) ListJobs() []*types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// UpdateJob replaces a job's transient state (state, counters, map); the
// caller is expected to hold a reference obtained via GetJob, so this is
// effectively a no-op except when state requires re-indexing, which the
// DVM does not currently need.
func (r *Registry) UpdateJob(job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.Nspace]; !ok {
		return ErrNotFound
	}
	r.jobs[job.Nspace] = job
	return nil
}

// DeleteJob removes a job's record, e.g. on DVM_CLEANUP_JOB_CMD.
func (r *Registry) DeleteJob(nspace types.Nspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[nspace]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, nspace)
	return nil
}

// UpsertNode inserts or replaces a node record by id.
func (r *Registry) UpsertNode(node *types.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.ID] = node
}

// GetNode returns the node for id, or ErrNotFound.
func (r *Registry) GetNode(id string) (*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return node, nil
}

// ListNodes returns a snapshot slice of all known nodes.
func (r *Registry) ListNodes() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// NodesNeedingDaemon returns nodes not marked down that have no daemon rank
// assigned yet, in stable ID order so VM builds are deterministic.
func (r *Registry) NodesNeedingDaemon() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Node
	for _, n := range r.nodes {
		if n.State != types.NodeStateDown && !n.HasDaemon() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodesInState returns all nodes currently in state, in stable ID order.
func (r *Registry) NodesInState(state types.NodeState) []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*types.Node
	for _, n := range r.nodes {
		if n.State == state {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetNodeByDaemonRank returns the node hosting the daemon at rank, or
// ErrNotFound if no node currently claims that rank.
func (r *Registry) GetNodeByDaemonRank(rank types.Rank) (*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.nodes {
		if n.HasDaemon() && n.DaemonRank == rank {
			return n, nil
		}
	}
	return nil, ErrNotFound
}

// DeleteNode removes a node record entirely (used only in tests; a live
// DVM marks nodes down rather than forgetting them).
func (r *Registry) DeleteNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// InternTopology stores payload under signature if not already present,
// otherwise bumps its reference count, mirroring §4.3's topology
// deduplication-by-signature requirement.
func (r *Registry) InternTopology(signature string, payload []byte) *types.Topology {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.topologies[signature]; ok {
		t.RefCount++
		return t
	}
	t := &types.Topology{Signature: signature, Payload: payload, RefCount: 1}
	r.topologies[signature] = t
	return t
}

// GetTopology returns the interned topology for signature, or ErrNotFound.
func (r *Registry) GetTopology(signature string) (*types.Topology, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.topologies[signature]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// TopologyCount returns the number of distinct topology signatures seen,
// used to populate JobMap.HeteroNodes (more than one distinct signature
// means the allocation is heterogeneous).
func (r *Registry) TopologyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topologies)
}
