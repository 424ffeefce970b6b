// Package session computes the on-disk session-directory path shared by the
// head node's job state machine and each daemon's CLEANUP_JOB handler, so
// both sides agree on where per-job state lives without either package
// importing the other.
package session

import (
	"path/filepath"

	"github.com/cuemby/prte/pkg/types"
)

// Dir computes the per-job session directory path, grounded on the
// original's "<tmp>/prte.<pid>.0/<nspace>" convention, simplified to drop
// the PID segment since this DVM core runs exactly one daemon-rank-0
// process per session.
func Dir(base string, nspace types.Nspace) string {
	return filepath.Join(base, "dvm", string(nspace))
}
