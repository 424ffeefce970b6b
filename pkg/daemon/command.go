package daemon

import (
	"fmt"

	"github.com/cuemby/prte/pkg/buffer"
	"github.com/cuemby/prte/pkg/types"
)

// Command is the daemon command dispatcher's operation discriminator,
// carried as the first byte of every rml.TagDaemon command payload.
type Command byte

const (
	CmdAddLocalProcs Command = iota
	CmdKillLocalProcs
	CmdSignalLocalProcs
	CmdAbortProcsCalled
	CmdExit
	CmdHaltVM
	CmdCleanupJob
	CmdReportTopology
	CmdGetStackTraces
)

// String names a Command the way the original's command constants read in
// logs (ADD_LOCAL_PROCS, KILL_LOCAL_PROCS, ...).
func (c Command) String() string {
	switch c {
	case CmdAddLocalProcs:
		return "ADD_LOCAL_PROCS"
	case CmdKillLocalProcs:
		return "KILL_LOCAL_PROCS"
	case CmdSignalLocalProcs:
		return "SIGNAL_LOCAL_PROCS"
	case CmdAbortProcsCalled:
		return "ABORT_PROCS_CALLED"
	case CmdExit:
		return "EXIT_CMD"
	case CmdHaltVM:
		return "HALT_VM_CMD"
	case CmdCleanupJob:
		return "DVM_CLEANUP_JOB_CMD"
	case CmdReportTopology:
		return "REPORT_TOPOLOGY_CMD"
	case CmdGetStackTraces:
		return "GET_STACK_TRACES"
	default:
		return fmt.Sprintf("UNKNOWN_CMD(%d)", byte(c))
	}
}

// LocalProcSpec is one proc's launch spec, as carried over the wire by
// ADD_LOCAL_PROCS: enough to os/exec it without the daemon needing any
// other side-channel knowledge of the job.
type LocalProcSpec struct {
	Rank types.Rank
	Exe  string
	Argv []string
	Cwd  string
	Env  []string
}

// EncodeAddLocalProcs packs an ADD_LOCAL_PROCS payload: nspace, then every
// proc's full launch spec.
func EncodeAddLocalProcs(nspace types.Nspace, procs []LocalProcSpec) []byte {
	b := buffer.NewPacker()
	b.PackString(string(nspace))
	b.PackInt64(int64(len(procs)))
	for _, p := range procs {
		b.PackInt64(int64(p.Rank))
		b.PackString(p.Exe)
		b.PackString(p.Cwd)
		b.PackInt64(int64(len(p.Argv)))
		for _, a := range p.Argv {
			b.PackString(a)
		}
		b.PackInt64(int64(len(p.Env)))
		for _, e := range p.Env {
			b.PackString(e)
		}
	}
	return prependCmd(CmdAddLocalProcs, b.Bytes())
}

// DecodeAddLocalProcs reverses EncodeAddLocalProcs.
func DecodeAddLocalProcs(payload []byte) (types.Nspace, []LocalProcSpec, error) {
	b := buffer.NewUnpacker(payload)
	nspace, err := b.UnpackString()
	if err != nil {
		return "", nil, fmt.Errorf("daemon: decode add-local-procs nspace: %w", err)
	}
	n, err := b.UnpackInt64()
	if err != nil {
		return "", nil, fmt.Errorf("daemon: decode add-local-procs count: %w", err)
	}

	procs := make([]LocalProcSpec, 0, n)
	for i := int64(0); i < n; i++ {
		var p LocalProcSpec
		rank, err := b.UnpackInt64()
		if err != nil {
			return "", nil, err
		}
		p.Rank = types.Rank(rank)
		if p.Exe, err = b.UnpackString(); err != nil {
			return "", nil, err
		}
		if p.Cwd, err = b.UnpackString(); err != nil {
			return "", nil, err
		}
		argc, err := b.UnpackInt64()
		if err != nil {
			return "", nil, err
		}
		for j := int64(0); j < argc; j++ {
			a, err := b.UnpackString()
			if err != nil {
				return "", nil, err
			}
			p.Argv = append(p.Argv, a)
		}
		envc, err := b.UnpackInt64()
		if err != nil {
			return "", nil, err
		}
		for j := int64(0); j < envc; j++ {
			e, err := b.UnpackString()
			if err != nil {
				return "", nil, err
			}
			p.Env = append(p.Env, e)
		}
		procs = append(procs, p)
	}
	return types.Nspace(nspace), procs, nil
}

// EncodeSignalLocalProcs packs a SIGNAL_LOCAL_PROCS payload: nspace and a
// POSIX signal number. KILL_LOCAL_PROCS payloads are packed by
// EncodeProcList instead.
func EncodeSignalLocalProcs(cmd Command, nspace types.Nspace, signum int32) []byte {
	b := buffer.NewPacker()
	b.PackString(string(nspace))
	b.PackInt64(int64(signum))
	return prependCmd(cmd, b.Bytes())
}

// EncodeNspaceOnly packs the commands whose only argument is a job
// namespace (CLEANUP_JOB).
func EncodeNspaceOnly(cmd Command, nspace types.Nspace) []byte {
	b := buffer.NewPacker()
	b.PackString(string(nspace))
	return prependCmd(cmd, b.Bytes())
}

// DecodeNspaceOnly reverses EncodeNspaceOnly.
func DecodeNspaceOnly(payload []byte) (types.Nspace, error) {
	b := buffer.NewUnpacker(payload)
	nspace, err := b.UnpackString()
	if err != nil {
		return "", fmt.Errorf("daemon: decode nspace: %w", err)
	}
	return types.Nspace(nspace), nil
}

// EncodeProcList packs KILL_LOCAL_PROCS/ABORT_PROCS_CALLED: a job namespace
// plus an explicit count and list of proc ranks. An empty rank list means
// "every local proc" for KILL_LOCAL_PROCS; ABORT_PROCS_CALLED always names
// the specific ranks it wants terminated, since the dispatcher must be able
// to dedupe repeated abort orders against ranks it already acted on.
func EncodeProcList(cmd Command, nspace types.Nspace, ranks []types.Rank) []byte {
	b := buffer.NewPacker()
	b.PackString(string(nspace))
	b.PackInt64(int64(len(ranks)))
	for _, r := range ranks {
		b.PackInt64(int64(r))
	}
	return prependCmd(cmd, b.Bytes())
}

// DecodeProcList reverses EncodeProcList.
func DecodeProcList(payload []byte) (types.Nspace, []types.Rank, error) {
	b := buffer.NewUnpacker(payload)
	nspace, err := b.UnpackString()
	if err != nil {
		return "", nil, fmt.Errorf("daemon: decode proc list nspace: %w", err)
	}
	n, err := b.UnpackInt64()
	if err != nil {
		return "", nil, fmt.Errorf("daemon: decode proc list count: %w", err)
	}
	ranks := make([]types.Rank, 0, n)
	for i := int64(0); i < n; i++ {
		v, err := b.UnpackInt64()
		if err != nil {
			return "", nil, fmt.Errorf("daemon: decode proc list entry: %w", err)
		}
		ranks = append(ranks, types.Rank(v))
	}
	return types.Nspace(nspace), ranks, nil
}

// EncodeSimple packs the commands that carry no payload (EXIT_CMD,
// HALT_VM_CMD, GET_STACK_TRACES).
func EncodeSimple(cmd Command) []byte {
	return prependCmd(cmd, nil)
}

// EncodeTopologyReport packs a REPORT_TOPOLOGY_CMD reply: the daemon's
// topology signature, its topology payload, and a coprocessor string,
// compressing the inner buffer whenever that's smaller, per §4.3/§9's
// "compression is a flag bit in the payload" convention.
func EncodeTopologyReport(sig string, topology []byte, coprocessors string) []byte {
	inner := buffer.NewPacker()
	inner.PackString(sig)
	inner.PackBytes(topology)
	inner.PackString(coprocessors)
	raw := inner.Bytes()

	compressed := false
	if cz, err := buffer.Compress(raw); err == nil && len(cz) < len(raw) {
		raw = cz
		compressed = true
	}

	out := buffer.NewPacker()
	out.PackBool(compressed)
	out.PackBytes(raw)
	return out.Bytes()
}

// DecodeTopologyReport reverses EncodeTopologyReport, discarding the
// coprocessor string (nothing downstream consumes it yet).
func DecodeTopologyReport(data []byte) (sig string, topology []byte, err error) {
	b := buffer.NewUnpacker(data)
	compressed, err := b.UnpackBool()
	if err != nil {
		return "", nil, fmt.Errorf("daemon: decode topology report compress flag: %w", err)
	}
	raw, err := b.UnpackBytes()
	if err != nil {
		return "", nil, fmt.Errorf("daemon: decode topology report payload: %w", err)
	}
	if compressed {
		if raw, err = buffer.Decompress(raw); err != nil {
			return "", nil, fmt.Errorf("daemon: decompress topology report: %w", err)
		}
	}

	inner := buffer.NewUnpacker(raw)
	if sig, err = inner.UnpackString(); err != nil {
		return "", nil, fmt.Errorf("daemon: decode topology signature: %w", err)
	}
	if topology, err = inner.UnpackBytes(); err != nil {
		return "", nil, fmt.Errorf("daemon: decode topology payload: %w", err)
	}
	if _, err = inner.UnpackString(); err != nil {
		return "", nil, fmt.Errorf("daemon: decode coprocessor string: %w", err)
	}
	return sig, topology, nil
}

// ProcStateReport is what a daemon sends back to the head node on
// rml.TagPLM when one of its local procs changes state — the wiring that
// lets the job state machine ever advance past RUNNING (§4.1, §4.4's
// PLM_UPDATE_PROC_STATE).
type ProcStateReport struct {
	Nspace   types.Nspace
	Rank     types.Rank
	State    types.ProcState
	ExitCode int32
}

// EncodeProcStateReport packs a ProcStateReport.
func EncodeProcStateReport(r ProcStateReport) []byte {
	b := buffer.NewPacker()
	b.PackString(string(r.Nspace))
	b.PackInt64(int64(r.Rank))
	b.PackString(string(r.State))
	b.PackInt64(int64(r.ExitCode))
	return b.Bytes()
}

// DecodeProcStateReport reverses EncodeProcStateReport.
func DecodeProcStateReport(data []byte) (ProcStateReport, error) {
	var r ProcStateReport
	b := buffer.NewUnpacker(data)

	nspace, err := b.UnpackString()
	if err != nil {
		return r, fmt.Errorf("daemon: decode proc state report nspace: %w", err)
	}
	r.Nspace = types.Nspace(nspace)

	rank, err := b.UnpackInt64()
	if err != nil {
		return r, fmt.Errorf("daemon: decode proc state report rank: %w", err)
	}
	r.Rank = types.Rank(rank)

	state, err := b.UnpackString()
	if err != nil {
		return r, fmt.Errorf("daemon: decode proc state report state: %w", err)
	}
	r.State = types.ProcState(state)

	exitCode, err := b.UnpackInt64()
	if err != nil {
		return r, fmt.Errorf("daemon: decode proc state report exit code: %w", err)
	}
	r.ExitCode = int32(exitCode)

	return r, nil
}

func prependCmd(cmd Command, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(cmd)
	copy(out[1:], payload)
	return out
}

// DecodeCommand splits data into its Command discriminator and remaining
// payload.
func DecodeCommand(data []byte) (Command, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("daemon: empty command payload")
	}
	return Command(data[0]), data[1:], nil
}
