package daemon

import (
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/prte/pkg/kvstore"
	"github.com/cuemby/prte/pkg/launch"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/session"
	"github.com/cuemby/prte/pkg/types"
)

func TestDispatcherLaunchesAddedProcs(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})

	exited := make(chan struct{}, 1)
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {
		exited <- struct{}{}
	})
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kvstore.New(), "")
	d.Start()

	payload := EncodeAddLocalProcs("job-1", []LocalProcSpec{
		{Rank: 0, Exe: "sh", Argv: []string{"-c", "exit 0"}},
	})
	transports[0].SendBufferNB(1, rml.TagDaemon, payload, nil)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for launched proc to exit")
	}

	require.Contains(t, d.procs, types.Rank(0))
}

func TestDispatcherUnknownCommandIsReported(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kvstore.New(), "")
	d.Start()

	assert.NotPanics(t, func() {
		transports[0].SendBufferNB(1, rml.TagDaemon, []byte{255}, nil)
	})
}

// procState reads the single-char state field from /proc/<pid>/stat: "T"
// means stopped, "S"/"R" means running/sleeping.
func procState(t *testing.T, pid int) string {
	t.Helper()
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	require.NoError(t, err)
	// Fields: pid (comm) state ...; comm may itself contain spaces/parens,
	// so split on the last ')' before reading the state field.
	s := string(data)
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ')' {
			idx = i
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	rest := s[idx+2:]
	return rest[:1]
}

// TestDispatcherSignalLocalProcsRemapsTSTP exercises §4.5's
// SIGNAL_LOCAL_PROCS path end to end: TSTP must arrive at the process as
// STOP (a session leader with no controlling terminal drops plain TSTP), and
// a follow-up CONT resumes it.
func TestDispatcherSignalLocalProcsRemapsTSTP(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kvstore.New(), "")
	d.Start()

	payload := EncodeAddLocalProcs("job-1", []LocalProcSpec{
		{Rank: 0, Exe: "sleep", Argv: []string{"5"}},
	})
	transports[0].SendBufferNB(1, rml.TagDaemon, payload, nil)

	require.Eventually(t, func() bool {
		_, ok := d.procs[types.Rank(0)]
		return ok && d.procs[types.Rank(0)].PID != 0
	}, 2*time.Second, 10*time.Millisecond)
	pid := d.procs[types.Rank(0)].PID

	tstp := EncodeSignalLocalProcs(CmdSignalLocalProcs, "job-1", int32(syscall.SIGTSTP))
	transports[0].SendBufferNB(1, rml.TagDaemon, tstp, nil)

	require.Eventually(t, func() bool {
		return procState(t, pid) == "T"
	}, 2*time.Second, 10*time.Millisecond, "process should be stopped after TSTP remap")

	cont := EncodeSignalLocalProcs(CmdSignalLocalProcs, "job-1", int32(syscall.SIGCONT))
	transports[0].SendBufferNB(1, rml.TagDaemon, cont, nil)

	require.Eventually(t, func() bool {
		return procState(t, pid) != "T"
	}, 2*time.Second, 10*time.Millisecond, "process should resume after CONT")

	require.NoError(t, l.Kill(types.Rank(0)))
}

// TestDispatcherKillLocalProcsSelectsNamedRanks exercises the non-empty
// rank-list branch of KILL_LOCAL_PROCS: only the named rank is signaled,
// the other local proc is left alone.
func TestDispatcherKillLocalProcsSelectsNamedRanks(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kvstore.New(), "")
	d.Start()

	payload := EncodeAddLocalProcs("job-1", []LocalProcSpec{
		{Rank: 0, Exe: "sleep", Argv: []string{"5"}},
		{Rank: 1, Exe: "sleep", Argv: []string{"5"}},
	})
	transports[0].SendBufferNB(1, rml.TagDaemon, payload, nil)

	require.Eventually(t, func() bool {
		return l.Running() == 2
	}, 2*time.Second, 10*time.Millisecond)

	kill := EncodeProcList(CmdKillLocalProcs, "job-1", []types.Rank{0})
	transports[0].SendBufferNB(1, rml.TagDaemon, kill, nil)

	require.Eventually(t, func() bool {
		return l.Running() == 1
	}, 2*time.Second, 10*time.Millisecond, "only rank 0 should have been killed")

	require.NoError(t, l.Kill(types.Rank(1)))
}

// TestDispatcherAbortProcsCalledDedupes ensures a repeated ABORT_PROCS_CALLED
// naming an already-ordered rank doesn't re-signal it (§8's idempotence
// requirement) while still a no-op is safe.
func TestDispatcherAbortProcsCalledDedupes(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kvstore.New(), "")
	d.Start()

	payload := EncodeAddLocalProcs("job-1", []LocalProcSpec{
		{Rank: 0, Exe: "sleep", Argv: []string{"5"}},
	})
	transports[0].SendBufferNB(1, rml.TagDaemon, payload, nil)
	require.Eventually(t, func() bool { return l.Running() == 1 }, 2*time.Second, 10*time.Millisecond)

	abort := EncodeProcList(CmdAbortProcsCalled, "job-1", []types.Rank{0})
	transports[0].SendBufferNB(1, rml.TagDaemon, abort, nil)
	require.Eventually(t, func() bool { return l.Running() == 0 }, 2*time.Second, 10*time.Millisecond)

	assert.True(t, d.abortOrdered[types.Rank(0)])
	assert.NotPanics(t, func() {
		transports[0].SendBufferNB(1, rml.TagDaemon, abort, nil)
	})
}

// TestDispatcherCleanupJobReleasesResources exercises §4.5's
// DVM_CLEANUP_JOB_CMD: local bookkeeping forgets the job's procs, the
// kvstore nspace is deregistered, and the session directory is pruned.
func TestDispatcherCleanupJobReleasesResources(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	kv := kvstore.New()
	base := t.TempDir()
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kv, base)
	d.Start()

	d.procs[types.Rank(0)] = &types.Proc{Nspace: "job-1", Rank: 0}
	d.localSlotsInUse = 1

	sessionDir := session.Dir(base, "job-1")
	require.NoError(t, os.MkdirAll(sessionDir, 0o755))

	cleanup := EncodeNspaceOnly(CmdCleanupJob, "job-1")
	transports[0].SendBufferNB(1, rml.TagDaemon, cleanup, nil)

	require.Eventually(t, func() bool {
		_, ok := d.procs[types.Rank(0)]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(0), d.localSlotsInUse)
	_, err := os.Stat(sessionDir)
	assert.True(t, os.IsNotExist(err), "session directory should have been pruned")
}

// TestDispatcherReportTopologySendsRealPayload exercises REPORT_TOPOLOGY_CMD:
// the reply must carry this daemon's actual topology signature, not nil.
func TestDispatcherReportTopologySendsRealPayload(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	d := NewDispatcher(1, transports[1], l, "topo-sig-xyz", []byte("topology-blob"), kvstore.New(), "")
	d.Start()

	received := make(chan []byte, 1)
	transports[0].RecvBufferNB(rml.TagTopologyReport, func(msg rml.Message) {
		received <- msg.Data
	})

	report := EncodeSimple(CmdReportTopology)
	transports[0].SendBufferNB(1, rml.TagDaemon, report, nil)

	select {
	case data := <-received:
		sig, topo, err := DecodeTopologyReport(data)
		require.NoError(t, err)
		assert.Equal(t, "topo-sig-xyz", sig)
		assert.Equal(t, []byte("topology-blob"), topo)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for topology report")
	}
}

// TestDispatcherSignalTogglesSuspendedFlag covers §8's suspend/resume
// scenario at the bookkeeping level: a stop-family signal marks the job
// suspended, CONT clears it.
func TestDispatcherSignalTogglesSuspendedFlag(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kvstore.New(), "")
	d.Start()

	tstp := EncodeSignalLocalProcs(CmdSignalLocalProcs, "job-1", int32(syscall.SIGTSTP))
	transports[0].SendBufferNB(1, rml.TagDaemon, tstp, nil)
	assert.True(t, d.Suspended("job-1"))

	cont := EncodeSignalLocalProcs(CmdSignalLocalProcs, "job-1", int32(syscall.SIGCONT))
	transports[0].SendBufferNB(1, rml.TagDaemon, cont, nil)
	assert.False(t, d.Suspended("job-1"))
}

// TestDispatcherProcExitReportsToHeadNode verifies the PLM relay that lets
// the head node's state machine advance past RUNNING: a local proc exit
// turns into a decodable ProcStateReport on TagPLM addressed to rank 0.
func TestDispatcherProcExitReportsToHeadNode(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kvstore.New(), "")
	d.Start()

	var got ProcStateReport
	received := false
	transports[0].RecvBufferNB(rml.TagPLM, func(msg rml.Message) {
		r, err := DecodeProcStateReport(msg.Data)
		require.NoError(t, err)
		got = r
		received = true
	})

	proc := &types.Proc{Nspace: "job-1", Rank: 3}
	d.procs[types.Rank(3)] = proc
	d.HandleProcExit(proc, 7, nil)

	require.True(t, received)
	assert.Equal(t, types.Nspace("job-1"), got.Nspace)
	assert.Equal(t, types.Rank(3), got.Rank)
	assert.Equal(t, types.ProcStateTerminated, got.State)
	assert.Equal(t, int32(7), got.ExitCode)
}

// TestDispatcherAbortedProcExitReportsKilled: a proc whose termination was
// ordered by ABORT_PROCS_CALLED reports killed, not terminated, so the head
// node does not mistake an enforced abort for a normal exit.
func TestDispatcherAbortedProcExitReportsKilled(t *testing.T) {
	transports := rml.NewLoopbackRing(2, simpleSubmitter{})
	l := launch.New(simpleSubmitter{}, func(proc *types.Proc, exitCode int, err error) {})
	d := NewDispatcher(1, transports[1], l, "sig-1", nil, kvstore.New(), "")
	d.Start()

	var got ProcStateReport
	transports[0].RecvBufferNB(rml.TagPLM, func(msg rml.Message) {
		got, _ = DecodeProcStateReport(msg.Data)
	})

	proc := &types.Proc{Nspace: "job-1", Rank: 0}
	d.procs[types.Rank(0)] = proc
	d.abortOrdered[types.Rank(0)] = true
	d.HandleProcExit(proc, -1, fmt.Errorf("signal: killed"))

	assert.Equal(t, types.ProcStateKilled, got.State)
}

func TestCommandStringNamesKnownCommands(t *testing.T) {
	assert.Equal(t, "ADD_LOCAL_PROCS", CmdAddLocalProcs.String())
	assert.Equal(t, "HALT_VM_CMD", CmdHaltVM.String())
	assert.Contains(t, Command(200).String(), "UNKNOWN_CMD")
}
