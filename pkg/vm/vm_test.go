package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/prte/pkg/registry"
	"github.com/cuemby/prte/pkg/types"
)

func TestBuildAssignsContiguousRanks(t *testing.T) {
	reg := registry.New()
	reg.UpsertNode(&types.Node{ID: "a", State: types.NodeStateUp, DaemonRank: -1})
	reg.UpsertNode(&types.Node{ID: "b", State: types.NodeStateUp, DaemonRank: -1})
	reg.UpsertNode(&types.Node{ID: "c", State: types.NodeStateDown, DaemonRank: -1})

	b := NewBuilder(reg)
	job := &types.Job{Nspace: "job-1"}

	m, err := b.Build(job)
	require.NoError(t, err)
	require.Len(t, m.Daemons, 2)
	assert.Equal(t, types.Rank(1), m.ByNode["a"])
	assert.Equal(t, types.Rank(2), m.ByNode["b"])
	assert.NotContains(t, m.ByNode, "c")
}

func TestBuildNoVMReturnsEmptyMap(t *testing.T) {
	reg := registry.New()
	reg.UpsertNode(&types.Node{ID: "a", State: types.NodeStateUp, DaemonRank: -1})

	b := NewBuilder(reg)
	job := &types.Job{Nspace: "job-1", Flags: types.JobFlags{NoVM: true}}

	m, err := b.Build(job)
	require.NoError(t, err)
	assert.Empty(t, m.Daemons)
}

func TestBuildFixedDVMDoesNotGrowDaemonSet(t *testing.T) {
	reg := registry.New()
	reg.UpsertNode(&types.Node{ID: "a", State: types.NodeStateUp, DaemonRank: 1})
	reg.UpsertNode(&types.Node{ID: "b", State: types.NodeStateUp, DaemonRank: -1})

	b := NewBuilder(reg)
	job := &types.Job{Nspace: "job-1", Flags: types.JobFlags{FixedDVM: true}}

	m, err := b.Build(job)
	require.NoError(t, err)
	require.Len(t, m.Daemons, 1)
	assert.Equal(t, types.Rank(1), m.ByNode["a"])
	assert.NotContains(t, m.ByNode, "b")
}

func TestBuildNoNodesErrors(t *testing.T) {
	reg := registry.New()
	b := NewBuilder(reg)
	job := &types.Job{Nspace: "job-1"}

	_, err := b.Build(job)
	assert.Error(t, err)
}

func TestBuildDynamicSpawnOnlyUsesAddedNodes(t *testing.T) {
	reg := registry.New()
	reg.UpsertNode(&types.Node{ID: "a", State: types.NodeStateUp, DaemonRank: -1})
	reg.UpsertNode(&types.Node{ID: "b", State: types.NodeStateAdded, DaemonRank: -1})

	b := NewBuilder(reg)
	job := &types.Job{Nspace: "job-1", Flags: types.JobFlags{DynamicSpawn: true}}

	m, err := b.Build(job)
	require.NoError(t, err)
	require.Len(t, m.Daemons, 1)
	assert.Equal(t, types.Rank(1), m.ByNode["b"])
	assert.NotContains(t, m.ByNode, "a")
}

func TestBuildDynamicSpawnWithNoAddedNodesBootstrapsAsSingleton(t *testing.T) {
	reg := registry.New()
	reg.UpsertNode(&types.Node{ID: "a", State: types.NodeStateUp, DaemonRank: -1})

	b := NewBuilder(reg)
	job := &types.Job{Nspace: "job-1", Flags: types.JobFlags{DynamicSpawn: true}}

	m, err := b.Build(job)
	require.NoError(t, err)
	assert.Empty(t, m.Daemons)
}

func TestBuildHostFilterRestrictsCandidates(t *testing.T) {
	reg := registry.New()
	reg.UpsertNode(&types.Node{ID: "a", State: types.NodeStateUp, DaemonRank: -1})
	reg.UpsertNode(&types.Node{ID: "b", State: types.NodeStateUp, DaemonRank: -1})

	b := NewBuilder(reg)
	job := &types.Job{
		Nspace: "job-1",
		Apps:   []*types.App{{Idx: 0, DashHost: []string{"b"}}},
	}

	m, err := b.Build(job)
	require.NoError(t, err)
	require.Len(t, m.Daemons, 1)
	assert.Equal(t, types.Rank(1), m.ByNode["b"])
	assert.NotContains(t, m.ByNode, "a")
}

func TestBuildMaxVMSizeCapsCandidateSet(t *testing.T) {
	reg := registry.New()
	reg.UpsertNode(&types.Node{ID: "a", State: types.NodeStateUp, DaemonRank: -1})
	reg.UpsertNode(&types.Node{ID: "b", State: types.NodeStateUp, DaemonRank: -1})
	reg.UpsertNode(&types.Node{ID: "c", State: types.NodeStateUp, DaemonRank: -1})

	b := NewBuilder(reg)
	job := &types.Job{Nspace: "job-1", MaxVMSize: 2}

	m, err := b.Build(job)
	require.NoError(t, err)
	assert.Len(t, m.Daemons, 2)
}
