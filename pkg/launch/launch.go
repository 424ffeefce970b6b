// Package launch runs a daemon's local procs as plain OS processes. The
// teacher's container runtime (containerd, OCI bundles) has no place in a
// DVM core that only ever launches user-supplied MPI-style executables
// directly on the host; os/exec replaces it, but the launch/track/reap
// idiom — start, record the handle, wait in a goroutine, report the exit —
// is carried over from the teacher's worker runtime unchanged.
package launch

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/types"
)

// ExitFunc is invoked, on the caller's event loop (via the submit func
// passed to New), when a launched proc exits.
type ExitFunc func(proc *types.Proc, exitCode int, err error)

// submitter re-enters the event loop from the wait goroutine, matching the
// same Submit-based handoff used by pkg/rml's read pumps.
type submitter interface {
	Submit(fn func()) error
}

// Launcher starts and tracks local OS processes, one per Proc.
type Launcher struct {
	loop   submitter
	onExit ExitFunc
	logger zerolog.Logger

	mu     sync.Mutex
	procs  map[types.Rank]*exec.Cmd
}

// New creates a Launcher. onExit is called once per launched proc, the
// first time it's observed to have exited.
func New(loop submitter, onExit ExitFunc) *Launcher {
	return &Launcher{
		loop:   loop,
		onExit: onExit,
		logger: log.WithComponent("launch"),
		procs:  make(map[types.Rank]*exec.Cmd),
	}
}

// Launch starts app's executable for proc, with the given environment
// additions layered over the daemon's own environment, and PRTE-style rank
// placement variables exported so the child can discover its place in the
// job.
func (l *Launcher) Launch(proc *types.Proc, app *types.App, envar []types.Envar) error {
	cmd := exec.Command(app.Exe, app.Argv...)
	cmd.Dir = app.Cwd
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), app.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("PRTE_RANK=%d", proc.Rank),
		fmt.Sprintf("PRTE_NSPACE=%s", proc.Nspace),
	)
	for _, e := range envar {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s%c%s", e.Name, e.Separator, e.Value))
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch: start rank %d: %w", proc.Rank, err)
	}

	l.mu.Lock()
	l.procs[proc.Rank] = cmd
	l.mu.Unlock()

	proc.PID = cmd.Process.Pid
	proc.State = types.ProcStateRunning

	go l.wait(proc, cmd)
	return nil
}

func (l *Launcher) wait(proc *types.Proc, cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	l.mu.Lock()
	delete(l.procs, proc.Rank)
	l.mu.Unlock()

	_ = l.loop.Submit(func() {
		l.onExit(proc, exitCode, err)
	})
}

// Signal delivers sig to the proc at rank, remapping SIGTSTP/SIGTTIN/SIGTTOU
// to SIGSTOP the way the original runtime does: job-control stop signals
// sent to a session leader that owns no controlling terminal are silently
// dropped by the kernel, so the daemon substitutes the unconditional stop
// signal to get the same effect.
func (l *Launcher) Signal(rank types.Rank, sig syscall.Signal) error {
	l.mu.Lock()
	cmd, ok := l.procs[rank]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("launch: no local proc at rank %d", rank)
	}

	switch sig {
	case syscall.SIGTSTP, syscall.SIGTTIN, syscall.SIGTTOU:
		sig = syscall.SIGSTOP
	}
	return cmd.Process.Signal(sig)
}

// Kill terminates the proc at rank immediately.
func (l *Launcher) Kill(rank types.Rank) error {
	return l.Signal(rank, syscall.SIGKILL)
}

// Running reports how many local procs this launcher currently tracks.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}
