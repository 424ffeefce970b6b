// Package types defines the core data structures shared across the DVM
// runtime: jobs, applications, processes, nodes, topologies, and the
// tagged-union attribute used to carry out-of-band metadata on all of them.
package types

import (
	"time"
)

// Nspace is a job's unique namespace identifier, assigned at INIT.
type Nspace string

// Rank identifies a proc within its app's rank space, or a daemon's rank
// within the VM (daemon rank 0 is always the head node daemon).
type Rank int32

// JobState is a state in the job lifecycle state machine.
type JobState string

const (
	JobStateUndef              JobState = ""
	JobStateInit               JobState = "init"
	JobStateInitComplete       JobState = "init-complete"
	JobStateAllocate           JobState = "allocate"
	JobStateAllocationComplete JobState = "allocation-complete"
	JobStateLaunchDaemons      JobState = "launch-daemons"
	JobStateDaemonsLaunched    JobState = "daemons-launched"
	JobStateDaemonsReported    JobState = "daemons-reported"
	JobStateVMReady            JobState = "vm-ready"
	JobStateMap                JobState = "map"
	JobStateMapComplete        JobState = "map-complete"
	JobStateSystemPrep         JobState = "system-prep"
	JobStateLaunchApps         JobState = "launch-apps"
	JobStateRunning            JobState = "running"
	JobStateRegistered         JobState = "registered"
	JobStateTerminated         JobState = "terminated"

	// Failure / exit states, reachable from most of the above.
	JobStateNeverLaunched   JobState = "never-launched"
	JobStateFailedToStart   JobState = "failed-to-start"
	JobStateFilesPosnFailed JobState = "files-posn-failed"
	JobStateForcedExit      JobState = "forced-exit"
	JobStateAborted         JobState = "aborted"
	JobStateAllJobsComplete JobState = "all-jobs-complete"
)

// Terminal reports whether a state has no further activation.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateTerminated, JobStateNeverLaunched, JobStateFailedToStart,
		JobStateFilesPosnFailed, JobStateForcedExit, JobStateAborted,
		JobStateAllJobsComplete:
		return true
	default:
		return false
	}
}

// Failed reports whether a state represents an abnormal exit.
func (s JobState) Failed() bool {
	switch s {
	case JobStateNeverLaunched, JobStateFailedToStart, JobStateFilesPosnFailed,
		JobStateForcedExit, JobStateAborted:
		return true
	default:
		return false
	}
}

// Job is the root record for one submitted application launch.
type Job struct {
	Nspace     Nspace
	Originator Rank // daemon rank that submitted the job; 0 for the head node itself
	State      JobState
	PriorState JobState
	Apps       []*App
	Procs      []*Proc
	Map        *JobMap
	Flags      JobFlags
	Attrs      []*Attribute

	MaxVMSize int32 // 0 = unlimited; caps the VM Builder's candidate node set (§4.2 item 4)

	NumProcs      int32
	NumDaemons    int32 // daemons participating in this job's VM
	NumNewDaemons int32 // daemons introduced by the current LAUNCH_DAEMONS round; gates quorum
	NumReported   int32 // daemons that have reported back on TagPrtedCallback for the current round
	NumLaunched   int32
	NumTerminated int32
	ExitCode      int32

	// TotalSlotsAlloc is the summed slot capacity of the VM's nodes, fixed
	// at DAEMONS_REPORTED once every daemon's capacity is known.
	TotalSlotsAlloc int32

	// SpawnNotified gates the §4.1 RUNNING spawn response to at most one
	// delivery per job, and RoomNumber is the slot id that response is
	// routed back through.
	SpawnNotified bool
	RoomNumber    int32

	// StartupTimeout bounds the LAUNCH_APPS -> RUNNING window; Timeout
	// bounds total execution once RUNNING. Zero means the corresponding
	// timer is never armed.
	StartupTimeout time.Duration
	Timeout        time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExitCodeTimeout is the job exit code set when either the startup or the
// execution timer (§4.7) fires.
const ExitCodeTimeout int32 = 124

// JobFlags are boolean job-wide policy bits.
type JobFlags struct {
	FixedDVM     bool // use a pre-existing, already-launched VM
	DynamicSpawn bool // job spawned by a running app (comm_spawn), not the CLI
	NoVM         bool // singleton / no-daemon execution
	Restart      bool
	Suspended    bool // not set by the daemon dispatcher, which tracks stop/CONT suspension per nspace itself
	ReportState  bool // print a job summary when the execution timer fires
	StackTraces  bool // collect per-daemon stack traces when the execution timer fires
}

// App is one executable specification within a job (one `-app` block).
type App struct {
	Idx      int32
	Nspace   Nspace
	Exe      string
	Argv     []string
	Env      []string
	Cwd      string
	NumProcs int32
	Attrs    []*Attribute

	// DashHost and HostfileHosts are already-resolved node id lists (parsing
	// -host/-hostfile strings is out of scope; the VM Builder only consumes
	// the resolved sets). Both empty means "use the default allocation".
	DashHost      []string
	HostfileHosts []string
}

// ProcState mirrors the subset of job states that apply to a single proc.
type ProcState string

const (
	ProcStateUndef      ProcState = ""
	ProcStateInit       ProcState = "init"
	ProcStateLaunched   ProcState = "launched"
	ProcStateRunning    ProcState = "running"
	ProcStateRegistered ProcState = "registered"
	ProcStateTerminated ProcState = "terminated"
	ProcStateFailed     ProcState = "failed"
	ProcStateKilled     ProcState = "killed"
	ProcStateAborted    ProcState = "aborted-by-sig"
)

// Proc is a single process within an app.
type Proc struct {
	Nspace   Nspace
	Rank     Rank
	AppIdx   int32
	NodeID   string
	PID      int
	State    ProcState
	ExitCode int
	Attrs    []*Attribute
}

// NodeState is the liveness state of a node as tracked by the head node.
type NodeState string

const (
	NodeStateUnknown     NodeState = "unknown"
	NodeStateUp          NodeState = "up"
	NodeStateDown        NodeState = "down"
	NodeStateSuspect     NodeState = "suspect"
	NodeStateAdded       NodeState = "added"        // joined a running DVM via dynamic spawn
	NodeStateNotIncluded NodeState = "not-included"  // known but excluded from every allocation
	NodeStateDoNotUse    NodeState = "do-not-use"    // administratively disabled
)

// Node is one host in the allocation, which may or may not carry a daemon.
type Node struct {
	ID            string
	Hostname      string
	Aliases       []string
	DaemonRank    Rank // -1 if no daemon is (yet) assigned to this node
	State         NodeState
	Slots         int32
	SlotsInUse    int32
	TopologySig   string
	LastHeartbeat time.Time

	// Hardware inventory reported by the node's daemon; consumed by the
	// unmanaged-allocation slot policy. Zero means unreported.
	Cores     int32
	Sockets   int32
	Numas     int32
	HWThreads int32
}

// HasDaemon reports whether a daemon has been assigned to this node.
func (n *Node) HasDaemon() bool {
	return n.DaemonRank >= 0
}

// Topology is a deduplicated hardware-topology record, keyed by Signature.
type Topology struct {
	Signature string
	Payload   []byte // rank-1-compressed topology payload, opaque to the core
	RefCount  int
}

// JobMap is the VM's process-to-node placement, produced by the VM Builder.
type JobMap struct {
	Nspace      Nspace
	Daemons     []Rank          // daemon ranks participating in the VM, in assignment order
	NewDaemons  []Rank          // subset of Daemons newly assigned by this build, awaiting a callback
	ByNode      map[string]Rank // node id -> daemon rank
	ByRank      map[Rank]string // daemon rank -> node id
	HeteroNodes bool
}

// AttributeScope controls whether an attribute is shared outside the
// process that set it.
type AttributeScope int

const (
	AttrLocal AttributeScope = iota
	AttrGlobal
)

// AttributeType is the wire discriminator for a tagged attribute value.
type AttributeType byte

const (
	AttrTypeBool AttributeType = iota
	AttrTypeByte
	AttrTypeString
	AttrTypeInt32
	AttrTypeInt64
	AttrTypeUint8
	AttrTypeUint16
	AttrTypeUint32
	AttrTypeUint64
	AttrTypeFloat
	AttrTypeSize
	AttrTypePID
	AttrTypeTimeval
	AttrTypeByteObject
	AttrTypeEnvar
	AttrTypeProcID
	AttrTypePtr // opaque pointer: carried by identity only, never serialized across a wire boundary
)

// Envar is the (name, value, separator) triple PMIx-style environment
// variable attributes carry.
type Envar struct {
	Name      string
	Value     string
	Separator byte
}

// ProcID names a single rank within a namespace, used as an attribute value
// (e.g. the originator of a dynamic spawn).
type ProcID struct {
	Nspace Nspace
	Rank   Rank
}

// Attribute is PRTE/PMIx's typed, tagged-union key/value pair. Exactly one
// of the value fields is meaningful, selected by Type.
type Attribute struct {
	Key   string
	Type  AttributeType
	Scope AttributeScope

	BoolVal   bool
	ByteVal   byte
	StringVal string
	IntVal    int64
	UintVal   uint64
	FloatVal  float64
	TimeVal   time.Time
	BytesVal  []byte
	EnvarVal  Envar
	ProcVal   ProcID
	PtrVal    any // never marshaled; local-process use only
}
