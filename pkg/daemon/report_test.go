package daemon

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/prte/pkg/buffer"
	"github.com/cuemby/prte/pkg/types"
)

func TestReportRoundTripPreservesEveryField(t *testing.T) {
	in := Report{
		Daemon: types.ProcID{Nspace: "dvm-1", Rank: 2},
		Info: []*types.Attribute{
			{Key: "cores", Type: types.AttrTypeUint64, Scope: types.AttrGlobal, UintVal: 16},
			{Key: "rack", Type: types.AttrTypeString, Scope: types.AttrLocal, StringVal: "r7"},
		},
		Hostname:  "host-b.example.com",
		Aliases:   []string{"10.1.2.3", "hb"},
		Signature: "linux:amd64:16cores",
		Topology:  []byte("topology-descriptor"),
		Inventory: []byte("inventory-blob"),
	}

	b := buffer.NewUnpacker(EncodeReports(in))
	out, err := DecodeReport(b)
	require.NoError(t, err)
	assert.False(t, b.Remaining())

	assert.Equal(t, in.Daemon, out.Daemon)
	require.Len(t, out.Info, 2)
	assert.Equal(t, uint64(16), out.Info[0].UintVal)
	assert.Equal(t, "r7", out.Info[1].StringVal)
	assert.Equal(t, in.Hostname, out.Hostname)
	assert.Equal(t, in.Aliases, out.Aliases)
	assert.Equal(t, in.Signature, out.Signature)
	assert.Equal(t, in.Topology, out.Topology)
	assert.Equal(t, in.Inventory, out.Inventory)
}

// TestReportCompressionIsTransparent: a topology blob large enough for gzip
// to win travels compressed on the wire but decodes bit-for-bit, and the
// decision is carried by the flag, never sniffed.
func TestReportCompressionIsTransparent(t *testing.T) {
	topo := bytes.Repeat([]byte("socket0:core0:pu0;"), 512)
	in := Report{
		Daemon:    types.ProcID{Nspace: "dvm-1", Rank: 1},
		Hostname:  "host-a",
		Signature: "sig-a",
		Topology:  topo,
	}

	wire := EncodeReports(in)
	assert.Less(t, len(wire), len(topo), "repetitive topology should have been compressed on the wire")

	out, err := DecodeReport(buffer.NewUnpacker(wire))
	require.NoError(t, err)
	assert.Equal(t, topo, out.Topology)
}

func TestDecodeReportDrainsMultipleReports(t *testing.T) {
	wire := EncodeReports(
		Report{Daemon: types.ProcID{Nspace: "dvm-1", Rank: 1}, Hostname: "a", Signature: "s1"},
		Report{Daemon: types.ProcID{Nspace: "dvm-1", Rank: 2}, Hostname: "b", Signature: "s2"},
	)

	b := buffer.NewUnpacker(wire)
	var ranks []types.Rank
	for b.Remaining() {
		r, err := DecodeReport(b)
		require.NoError(t, err)
		ranks = append(ranks, r.Daemon.Rank)
	}
	assert.Equal(t, []types.Rank{1, 2}, ranks)
}

func TestDecodeReportRejectsTruncatedPayload(t *testing.T) {
	wire := EncodeReports(Report{Daemon: types.ProcID{Nspace: "dvm-1", Rank: 1}, Hostname: "a", Signature: "s1"})
	_, err := DecodeReport(buffer.NewUnpacker(wire[:len(wire)-3]))
	assert.Error(t, err)
}
