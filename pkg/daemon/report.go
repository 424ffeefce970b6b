package daemon

import (
	"fmt"

	"github.com/cuemby/prte/pkg/buffer"
	"github.com/cuemby/prte/pkg/types"
)

// Report is one daemon's "I am up" callback payload, sent to the head node
// on rml.TagPrtedCallback once the daemon's transport is wired. A single
// message may carry several reports back to back; receivers decode until
// the buffer is exhausted.
type Report struct {
	Daemon types.ProcID

	// Info carries PMIx-style key/value pairs the head node stores into
	// its local server on the daemon's behalf (hardware inventory counts
	// among them).
	Info []*types.Attribute

	Hostname string
	Aliases  []string

	// Signature identifies the node's hardware topology; Topology is the
	// raw descriptor itself, shipped only by rank 1 (or in response to a
	// REPORT_TOPOLOGY_CMD) and omitted by everyone else.
	Signature string
	Topology  []byte

	// Inventory is an opaque blob delivered to the head node's local
	// key/value server, present only when the daemon gathered one.
	Inventory []byte
}

// AppendTo packs r onto b. The topology byte-object, when present, is
// preceded by a compression flag and gzipped whenever that wins; receivers
// must honor the flag rather than sniff the payload.
func (r Report) AppendTo(b *buffer.Buffer) {
	b.PackProcID(r.Daemon)

	b.PackBool(len(r.Info) > 0)
	if len(r.Info) > 0 {
		b.PackInt64(int64(len(r.Info)))
		for _, a := range r.Info {
			b.PackAttribute(a)
		}
	}

	b.PackString(r.Hostname)
	b.PackInt64(int64(len(r.Aliases)))
	for _, a := range r.Aliases {
		b.PackString(a)
	}

	b.PackString(r.Signature)

	b.PackBool(r.Topology != nil)
	if r.Topology != nil {
		blob := r.Topology
		compressed := false
		if cz, err := buffer.Compress(blob); err == nil && len(cz) < len(blob) {
			blob = cz
			compressed = true
		}
		b.PackBool(compressed)
		b.PackBytes(blob)
	}

	b.PackBool(r.Inventory != nil)
	if r.Inventory != nil {
		b.PackBytes(r.Inventory)
	}
}

// EncodeReports packs one or more reports into a single callback message.
func EncodeReports(reports ...Report) []byte {
	b := buffer.NewPacker()
	for _, r := range reports {
		r.AppendTo(b)
	}
	return b.Bytes()
}

// DecodeReport reads the next report off b, undoing any topology
// compression. Callers loop while b.Remaining() to drain multi-report
// messages; a clean end-of-buffer between reports is not an error.
func DecodeReport(b *buffer.Buffer) (Report, error) {
	var r Report

	id, err := b.UnpackProcID()
	if err != nil {
		return r, fmt.Errorf("daemon: decode report identity: %w", err)
	}
	r.Daemon = id

	hasInfo, err := b.UnpackBool()
	if err != nil {
		return r, fmt.Errorf("daemon: decode report info flag: %w", err)
	}
	if hasInfo {
		n, err := b.UnpackInt64()
		if err != nil {
			return r, fmt.Errorf("daemon: decode report info count: %w", err)
		}
		for i := int64(0); i < n; i++ {
			a, err := b.UnpackAttribute()
			if err != nil {
				return r, fmt.Errorf("daemon: decode report info entry: %w", err)
			}
			r.Info = append(r.Info, a)
		}
	}

	if r.Hostname, err = b.UnpackString(); err != nil {
		return r, fmt.Errorf("daemon: decode report hostname: %w", err)
	}

	nAliases, err := b.UnpackInt64()
	if err != nil {
		return r, fmt.Errorf("daemon: decode report alias count: %w", err)
	}
	for i := int64(0); i < nAliases; i++ {
		a, err := b.UnpackString()
		if err != nil {
			return r, fmt.Errorf("daemon: decode report alias: %w", err)
		}
		r.Aliases = append(r.Aliases, a)
	}

	if r.Signature, err = b.UnpackString(); err != nil {
		return r, fmt.Errorf("daemon: decode report signature: %w", err)
	}

	hasTopo, err := b.UnpackBool()
	if err != nil {
		return r, fmt.Errorf("daemon: decode report topology flag: %w", err)
	}
	if hasTopo {
		compressed, err := b.UnpackBool()
		if err != nil {
			return r, fmt.Errorf("daemon: decode report compression flag: %w", err)
		}
		blob, err := b.UnpackBytes()
		if err != nil {
			return r, fmt.Errorf("daemon: decode report topology: %w", err)
		}
		if compressed {
			if blob, err = buffer.Decompress(blob); err != nil {
				return r, fmt.Errorf("daemon: decompress report topology: %w", err)
			}
		}
		r.Topology = blob
	}

	hasInv, err := b.UnpackBool()
	if err != nil {
		return r, fmt.Errorf("daemon: decode report inventory flag: %w", err)
	}
	if hasInv {
		if r.Inventory, err = b.UnpackBytes(); err != nil {
			return r, fmt.Errorf("daemon: decode report inventory: %w", err)
		}
	}

	return r, nil
}
