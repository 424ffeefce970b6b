package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/prte/pkg/types"
)

func TestScalarRoundTrip(t *testing.T) {
	p := NewPacker()
	p.PackBool(true)
	p.PackString("hostname01")
	p.PackInt64(-42)
	p.PackUint64(42)
	p.PackFloat64(3.5)
	p.PackBytes([]byte{1, 2, 3})

	u := NewUnpacker(p.Bytes())

	b, err := u.UnpackBool()
	require.NoError(t, err)
	assert.True(t, b)

	s, err := u.UnpackString()
	require.NoError(t, err)
	assert.Equal(t, "hostname01", s)

	i, err := u.UnpackInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-42), i)

	ui, err := u.UnpackUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ui)

	f, err := u.UnpackFloat64()
	require.NoError(t, err)
	assert.Equal(t, 3.5, f)

	raw, err := u.UnpackBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	assert.False(t, u.Remaining())
}

func TestAttributeRoundTrip(t *testing.T) {
	attrs := []*types.Attribute{
		{Key: "hb_period", Type: types.AttrTypeUint64, Scope: types.AttrLocal, UintVal: 2},
		{Key: "hostname", Type: types.AttrTypeString, Scope: types.AttrGlobal, StringVal: "node-03"},
		{Key: "exit_code", Type: types.AttrTypeInt64, Scope: types.AttrLocal, IntVal: -1},
	}

	p := NewPacker()
	for _, a := range attrs {
		p.PackAttribute(a)
	}

	u := NewUnpacker(p.Bytes())
	for _, want := range attrs {
		got, err := u.UnpackAttribute()
		require.NoError(t, err)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.Scope, got.Scope)
		assert.Equal(t, want.Type, got.Type)
	}
	assert.False(t, u.Remaining())
}

func TestEnvarRoundTrip(t *testing.T) {
	p := NewPacker()
	p.PackEnvar(types.Envar{Name: "PATH", Value: "/usr/bin", Separator: ':'})

	u := NewUnpacker(p.Bytes())
	e, err := u.UnpackEnvar()
	require.NoError(t, err)
	assert.Equal(t, "PATH", e.Name)
	assert.Equal(t, "/usr/bin", e.Value)
	assert.Equal(t, byte(':'), e.Separator)
}

func TestProcIDRoundTrip(t *testing.T) {
	p := NewPacker()
	p.PackProcID(types.ProcID{Nspace: "job-1", Rank: 7})

	u := NewUnpacker(p.Bytes())
	id, err := u.UnpackProcID()
	require.NoError(t, err)
	assert.Equal(t, types.Nspace("job-1"), id.Nspace)
	assert.Equal(t, types.Rank(7), id.Rank)
}

func TestCompressDecompress(t *testing.T) {
	payload := []byte("a topology blob with some repeated repeated repeated bytes")
	compressed, err := Compress(payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, compressed)

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}
