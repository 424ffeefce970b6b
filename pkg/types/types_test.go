package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStateTerminal(t *testing.T) {
	assert.True(t, JobStateTerminated.Terminal())
	assert.True(t, JobStateAborted.Terminal())
	assert.False(t, JobStateRunning.Terminal())
	assert.False(t, JobStateInit.Terminal())
}

func TestJobStateFailed(t *testing.T) {
	assert.True(t, JobStateForcedExit.Failed())
	assert.True(t, JobStateNeverLaunched.Failed())
	assert.False(t, JobStateTerminated.Failed())
	assert.False(t, JobStateRunning.Failed())
}

func TestNodeHasDaemon(t *testing.T) {
	n := &Node{DaemonRank: -1}
	assert.False(t, n.HasDaemon())
	n.DaemonRank = 3
	assert.True(t, n.HasDaemon())
}
