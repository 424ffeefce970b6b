package modex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/prte/pkg/kvstore"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/types"
)

type immediateLoop struct{}

func (immediateLoop) Submit(fn func()) error {
	fn()
	return nil
}

func TestPutThenGetRoundTrips(t *testing.T) {
	transports := rml.NewLoopbackRing(2, immediateLoop{})
	store := kvstore.New()
	srv := NewServer(store, transports[0])
	srv.Start()

	var putResp []byte
	transports[1].RecvBufferNB(rml.TagDirectModexResp, func(msg rml.Message) { putResp = msg.Data })
	transports[1].SendBufferNB(0, rml.TagDirectModex, EncodePut("job-1", &types.Attribute{
		Key: "hostname", Type: types.AttrTypeString, StringVal: "node-a",
	}), nil)
	require.NotNil(t, putResp)
	found, _, err := DecodeResponse(putResp)
	require.NoError(t, err)
	assert.True(t, found)

	var getResp []byte
	transports[1].RecvBufferNB(rml.TagDirectModexResp, func(msg rml.Message) { getResp = msg.Data })
	transports[1].SendBufferNB(0, rml.TagDirectModex, EncodeGet("job-1", "hostname"), nil)

	found, attr, err := DecodeResponse(getResp)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "node-a", attr.StringVal)
}

func TestGetMissingKeyReportsNotFound(t *testing.T) {
	transports := rml.NewLoopbackRing(2, immediateLoop{})
	store := kvstore.New()
	srv := NewServer(store, transports[0])
	srv.Start()

	var resp []byte
	transports[1].RecvBufferNB(rml.TagDirectModexResp, func(msg rml.Message) { resp = msg.Data })
	transports[1].SendBufferNB(0, rml.TagDirectModex, EncodeGet("job-1", "missing"), nil)

	found, attr, err := DecodeResponse(resp)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, attr)
}
