package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/prte/pkg/types"
)

func TestCreateAndGetJob(t *testing.T) {
	r := New()
	nspace := NewNspace()
	job := &types.Job{Nspace: nspace, State: types.JobStateInit}

	require.NoError(t, r.CreateJob(job))

	got, err := r.GetJob(nspace)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateInit, got.State)

	err = r.CreateJob(job)
	assert.Error(t, err, "duplicate create must fail")
}

func TestDeleteJob(t *testing.T) {
	r := New()
	nspace := NewNspace()
	require.NoError(t, r.CreateJob(&types.Job{Nspace: nspace}))
	require.NoError(t, r.DeleteJob(nspace))

	_, err := r.GetJob(nspace)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodesNeedingDaemon(t *testing.T) {
	r := New()
	r.UpsertNode(&types.Node{ID: "n1", State: types.NodeStateUp, DaemonRank: -1})
	r.UpsertNode(&types.Node{ID: "n2", State: types.NodeStateUp, DaemonRank: 2})
	r.UpsertNode(&types.Node{ID: "n3", State: types.NodeStateDown, DaemonRank: -1})

	need := r.NodesNeedingDaemon()
	require.Len(t, need, 1)
	assert.Equal(t, "n1", need[0].ID)
}

func TestInternTopologyDedup(t *testing.T) {
	r := New()
	t1 := r.InternTopology("sig-a", []byte("blob"))
	assert.Equal(t, 1, t1.RefCount)

	t2 := r.InternTopology("sig-a", []byte("blob"))
	assert.Equal(t, 2, t2.RefCount)
	assert.Equal(t, 1, r.TopologyCount())

	r.InternTopology("sig-b", []byte("other"))
	assert.Equal(t, 2, r.TopologyCount())
}
