package callback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/prte/pkg/daemon"
	"github.com/cuemby/prte/pkg/eventloop"
	"github.com/cuemby/prte/pkg/jobstate"
	"github.com/cuemby/prte/pkg/kvstore"
	"github.com/cuemby/prte/pkg/registry"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/types"
	"github.com/cuemby/prte/pkg/vm"
)

type immediateLoop struct{}

func (immediateLoop) Submit(fn func()) error {
	fn()
	return nil
}

func (immediateLoop) ScheduleTimer(delay time.Duration, fn func()) (eventloop.CancelFunc, error) {
	return func() {}, nil // armed but never fired; collector tests drive events directly
}

// twoDaemonFixture is the §8 bring-up shape: two daemoned nodes and a job
// parked at DAEMONS_LAUNCHED waiting on both callbacks.
func twoDaemonFixture(t *testing.T) (*registry.Registry, []*rml.LoopbackTransport, *Collector) {
	t.Helper()
	reg := registry.New()
	reg.UpsertNode(&types.Node{ID: "a", State: types.NodeStateUp, DaemonRank: 1})
	reg.UpsertNode(&types.Node{ID: "b", State: types.NodeStateUp, DaemonRank: 2})

	job := &types.Job{
		Nspace:        "job-1",
		State:         types.JobStateDaemonsLaunched,
		NumDaemons:    2,
		NumNewDaemons: 2,
		Map: &types.JobMap{
			Nspace:  "job-1",
			Daemons: []types.Rank{1, 2},
			ByNode:  map[string]types.Rank{"a": 1, "b": 2},
			ByRank:  map[types.Rank]string{1: "a", 2: "b"},
		},
	}
	require.NoError(t, reg.CreateJob(job))

	transports := rml.NewLoopbackRing(3, immediateLoop{})
	rt := jobstate.NewRuntime(reg, vm.NewBuilder(reg), transports[0], immediateLoop{}, jobstate.Options{})

	c := NewCollector(reg, transports[0], rt, kvstore.New(), "head-sig")
	c.Start()
	return reg, transports, c
}

func report(nspace string, rank types.Rank, hostname, sig string, topo []byte) []byte {
	return daemon.EncodeReports(daemon.Report{
		Daemon:    types.ProcID{Nspace: types.Nspace(nspace), Rank: rank},
		Hostname:  hostname,
		Signature: sig,
		Topology:  topo,
	})
}

func TestCollectorAdvancesJobOnQuorum(t *testing.T) {
	reg, transports, _ := twoDaemonFixture(t)

	transports[1].SendBufferNB(0, rml.TagPrtedCallback, report("job-1", 1, "host-a", "sig-a", []byte("topo")), nil)
	got, err := reg.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.NumReported)
	assert.Equal(t, types.JobStateDaemonsLaunched, got.State)

	transports[2].SendBufferNB(0, rml.TagPrtedCallback, report("job-1", 2, "host-b", "sig-a", nil), nil)
	got, err = reg.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.NumReported)
	// With no procs to wait on, quorum cascades the whole launch sequence.
	assert.Equal(t, types.JobStateRunning, got.State)

	topo, err := reg.GetTopology("sig-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("topo"), topo.Payload)
}

// TestCollectorDrainsMultipleReportsPerMessage covers §4.3's framing rule:
// one message may carry several daemon reports, decoded until the buffer is
// exhausted.
func TestCollectorDrainsMultipleReportsPerMessage(t *testing.T) {
	reg, transports, _ := twoDaemonFixture(t)

	both := daemon.EncodeReports(
		daemon.Report{Daemon: types.ProcID{Nspace: "job-1", Rank: 1}, Hostname: "host-a", Signature: "sig-a", Topology: []byte("topo")},
		daemon.Report{Daemon: types.ProcID{Nspace: "job-1", Rank: 2}, Hostname: "host-b", Signature: "sig-a"},
	)
	transports[1].SendBufferNB(0, rml.TagPrtedCallback, both, nil)

	got, err := reg.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.NumReported)
	assert.Equal(t, types.JobStateRunning, got.State)
}

func TestCollectorStripsDomainAndRecordsAliases(t *testing.T) {
	reg, transports, _ := twoDaemonFixture(t)

	r := daemon.EncodeReports(daemon.Report{
		Daemon:    types.ProcID{Nspace: "job-1", Rank: 1},
		Hostname:  "host-a.cluster.example.com",
		Aliases:   []string{"10.0.0.1"},
		Signature: "sig-a",
		Topology:  []byte("topo"),
	})
	transports[1].SendBufferNB(0, rml.TagPrtedCallback, r, nil)

	node, err := reg.GetNodeByDaemonRank(1)
	require.NoError(t, err)
	assert.Equal(t, "host-a", node.Hostname, "domain part is stripped when FQDNs are not in use")
	assert.Equal(t, []string{"host-a", "10.0.0.1"}, node.Aliases, "the nodename itself leads the alias list")
	assert.Equal(t, types.NodeStateUp, node.State)
}

// TestCollectorRequestsUnknownTopologyAndDefersCount covers the deferred
// topology path: a signature the head node has never seen, arriving without
// a payload, triggers a REPORT_TOPOLOGY_CMD back to the daemon, and the
// reported counter only advances when the reply lands on TagTopologyReport.
func TestCollectorRequestsUnknownTopologyAndDefersCount(t *testing.T) {
	reg, transports, c := twoDaemonFixture(t)

	transports[1].SendBufferNB(0, rml.TagPrtedCallback, report("job-1", 1, "host-a", "sig-a", []byte("topo-a")), nil)

	var requested daemon.Command
	transports[2].RecvBufferNB(rml.TagDaemon, func(msg rml.Message) {
		cmd, _, err := daemon.DecodeCommand(msg.Data)
		require.NoError(t, err)
		requested = cmd
	})

	transports[2].SendBufferNB(0, rml.TagPrtedCallback, report("job-1", 2, "host-b", "sig-b", nil), nil)

	got, err := reg.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.NumReported, "pending daemon must not count until its topology arrives")
	assert.Equal(t, types.JobStateDaemonsLaunched, got.State)
	assert.Equal(t, daemon.CmdReportTopology, requested)

	transports[2].SendBufferNB(0, rml.TagTopologyReport, daemon.EncodeTopologyReport("sig-b", []byte("topo-b"), ""), nil)

	got, err = reg.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.NumReported)
	assert.Equal(t, types.JobStateRunning, got.State)

	assert.True(t, c.HeteroNodes(), "two distinct signatures latch the hetero flag")
	topoB, err := reg.GetTopology("sig-b")
	require.NoError(t, err)
	assert.Equal(t, []byte("topo-b"), topoB.Payload)
}

// TestCollectorDiscardsRedundantHeadTopology: a daemon shipping the head
// node's own signature carries nothing new, so the payload is dropped and
// the shared entry keeps its (head-side) contents.
func TestCollectorDiscardsRedundantHeadTopology(t *testing.T) {
	reg, transports, c := twoDaemonFixture(t)

	transports[1].SendBufferNB(0, rml.TagPrtedCallback, report("job-1", 1, "host-a", "head-sig", []byte("redundant")), nil)

	topo, err := reg.GetTopology("head-sig")
	require.NoError(t, err)
	assert.Nil(t, topo.Payload, "redundant payload is discarded, not stored")
	assert.False(t, c.HeteroNodes())
}

func TestCollectorAbortsStartupOnUnknownDaemonRank(t *testing.T) {
	reg, transports, _ := twoDaemonFixture(t)

	transports[1].SendBufferNB(0, rml.TagPrtedCallback, report("job-1", 9, "ghost", "sig-x", nil), nil)

	got, err := reg.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailedToStart, got.State)
}

// TestCollectorProcStateDrivesRunningAndTermination walks a job through
// the proc-state half of the collector: launch confirmations carry it from
// LAUNCH_APPS to RUNNING, terminations carry it to TERMINATED.
func TestCollectorProcStateDrivesRunningAndTermination(t *testing.T) {
	reg := registry.New()
	job := &types.Job{
		Nspace:   "job-1",
		State:    types.JobStateLaunchApps,
		NumProcs: 2,
		Procs: []*types.Proc{
			{Nspace: "job-1", Rank: 0, State: types.ProcStateLaunched},
			{Nspace: "job-1", Rank: 1, State: types.ProcStateLaunched},
		},
	}
	require.NoError(t, reg.CreateJob(job))

	transports := rml.NewLoopbackRing(2, immediateLoop{})
	rt := jobstate.NewRuntime(reg, vm.NewBuilder(reg), transports[0], immediateLoop{}, jobstate.Options{})
	c := NewCollector(reg, transports[0], rt, kvstore.New(), "head-sig")
	c.Start()

	running := func(rank types.Rank) []byte {
		return daemon.EncodeProcStateReport(daemon.ProcStateReport{Nspace: "job-1", Rank: rank, State: types.ProcStateRunning})
	}
	terminated := func(rank types.Rank, code int32) []byte {
		return daemon.EncodeProcStateReport(daemon.ProcStateReport{Nspace: "job-1", Rank: rank, State: types.ProcStateTerminated, ExitCode: code})
	}

	transports[1].SendBufferNB(0, rml.TagPLM, running(0), nil)
	got, _ := reg.GetJob("job-1")
	assert.Equal(t, types.JobStateLaunchApps, got.State, "one of two confirmations is not quorum")

	transports[1].SendBufferNB(0, rml.TagPLM, running(1), nil)
	got, _ = reg.GetJob("job-1")
	assert.Equal(t, types.JobStateRunning, got.State)
	assert.Equal(t, int32(2), got.NumLaunched)

	transports[1].SendBufferNB(0, rml.TagPLM, terminated(0, 0), nil)
	got, _ = reg.GetJob("job-1")
	assert.Equal(t, types.JobStateRunning, got.State)

	transports[1].SendBufferNB(0, rml.TagPLM, terminated(1, 0), nil)
	got, _ = reg.GetJob("job-1")
	assert.Equal(t, types.JobStateTerminated, got.State)
	assert.Equal(t, int32(2), got.NumTerminated)
	assert.Equal(t, int32(0), got.ExitCode)
}

// TestCollectorFailedProcAbortsJob: a failed-to-start proc is fatal for the
// whole job, per §7's error taxonomy.
func TestCollectorFailedProcAbortsJob(t *testing.T) {
	reg := registry.New()
	job := &types.Job{
		Nspace:   "job-1",
		State:    types.JobStateLaunchApps,
		NumProcs: 1,
		Procs:    []*types.Proc{{Nspace: "job-1", Rank: 0, State: types.ProcStateLaunched}},
	}
	require.NoError(t, reg.CreateJob(job))

	transports := rml.NewLoopbackRing(2, immediateLoop{})
	rt := jobstate.NewRuntime(reg, vm.NewBuilder(reg), transports[0], immediateLoop{}, jobstate.Options{})
	c := NewCollector(reg, transports[0], rt, kvstore.New(), "head-sig")
	c.Start()

	failed := daemon.EncodeProcStateReport(daemon.ProcStateReport{Nspace: "job-1", Rank: 0, State: types.ProcStateFailed})
	transports[1].SendBufferNB(0, rml.TagPLM, failed, nil)

	got, err := reg.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailedToStart, got.State)
	assert.NotZero(t, got.ExitCode)
}

func TestCollectorStopCancelsReceive(t *testing.T) {
	reg, transports, c := twoDaemonFixture(t)
	c.Stop()

	transports[1].SendBufferNB(0, rml.TagPrtedCallback, report("job-1", 1, "host-a", "sig-a", nil), nil)
	got, err := reg.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(0), got.NumReported)
}
