// Package modex implements the direct-modex exchange (§6's
// TagDirectModex/TagDirectModexResp pair): a daemon pushes an attribute up
// to the server's kvstore, or asks it to fetch one a peer previously
// pushed, without waiting for a full allgather. The request/response
// framing mirrors the teacher's events.Broker publish/subscribe pattern,
// generalized to a point-to-point RPC over RML instead of local pub/sub.
package modex

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/prte/pkg/buffer"
	"github.com/cuemby/prte/pkg/kvstore"
	"github.com/cuemby/prte/pkg/log"
	"github.com/cuemby/prte/pkg/rml"
	"github.com/cuemby/prte/pkg/types"
)

// Op discriminates a modex request.
type Op byte

const (
	OpPut Op = iota
	OpGet
)

// Server answers direct-modex requests against a shared kvstore.Store,
// typically run on the head node's transport so every daemon can reach it
// over a single hop.
type Server struct {
	store     *kvstore.Store
	transport rml.Transport
	logger    zerolog.Logger
}

// NewServer creates a Server over store, serving requests received on
// transport.
func NewServer(store *kvstore.Store, transport rml.Transport) *Server {
	return &Server{store: store, transport: transport, logger: log.WithComponent("modex")}
}

// Start registers the receive callback for rml.TagDirectModex.
func (s *Server) Start() {
	s.transport.RecvBufferNB(rml.TagDirectModex, s.onRequest)
}

// Stop deregisters the receive callback.
func (s *Server) Stop() {
	s.transport.RecvCancel(rml.TagDirectModex)
}

func (s *Server) onRequest(msg rml.Message) {
	req, err := decodeRequest(msg.Data)
	if err != nil {
		s.logger.Error().Err(err).Int32("src", msg.Src).Msg("modex: malformed request")
		return
	}

	switch req.Op {
	case OpPut:
		s.store.StoreInternal(req.Nspace, req.Attr)
		s.respond(msg.Src, true, nil)
	case OpGet:
		attr, ok := s.store.Lookup(req.Nspace, req.Key)
		s.respond(msg.Src, ok, attr)
	default:
		s.logger.Error().Int32("src", msg.Src).Msg("modex: unrecognized op")
	}
}

func (s *Server) respond(dst int32, found bool, attr *types.Attribute) {
	out := buffer.NewPacker()
	out.PackBool(found)
	if found && attr != nil {
		out.PackAttribute(attr)
	}
	s.transport.SendBufferNB(dst, rml.TagDirectModexResp, out.Bytes(), nil)
}

// request is the decoded form of a direct-modex wire payload.
type request struct {
	Op     Op
	Nspace types.Nspace
	Key    string
	Attr   *types.Attribute
}

// EncodePut packs a PUT request: publish attr under nspace.
func EncodePut(nspace types.Nspace, attr *types.Attribute) []byte {
	b := buffer.NewPacker()
	b.PackBool(true) // op flag: true = put
	b.PackString(string(nspace))
	b.PackAttribute(attr)
	return b.Bytes()
}

// EncodeGet packs a GET request: fetch the value for key under nspace.
func EncodeGet(nspace types.Nspace, key string) []byte {
	b := buffer.NewPacker()
	b.PackBool(false) // op flag: false = get
	b.PackString(string(nspace))
	b.PackString(key)
	return b.Bytes()
}

func decodeRequest(data []byte) (request, error) {
	b := buffer.NewUnpacker(data)
	isPut, err := b.UnpackBool()
	if err != nil {
		return request{}, fmt.Errorf("modex: decode op: %w", err)
	}
	nspace, err := b.UnpackString()
	if err != nil {
		return request{}, fmt.Errorf("modex: decode nspace: %w", err)
	}

	if isPut {
		attr, err := b.UnpackAttribute()
		if err != nil {
			return request{}, fmt.Errorf("modex: decode attribute: %w", err)
		}
		return request{Op: OpPut, Nspace: types.Nspace(nspace), Key: attr.Key, Attr: attr}, nil
	}

	key, err := b.UnpackString()
	if err != nil {
		return request{}, fmt.Errorf("modex: decode key: %w", err)
	}
	return request{Op: OpGet, Nspace: types.Nspace(nspace), Key: key}, nil
}

// DecodeResponse reverses the server's response wire format.
func DecodeResponse(data []byte) (found bool, attr *types.Attribute, err error) {
	b := buffer.NewUnpacker(data)
	found, err = b.UnpackBool()
	if err != nil {
		return false, nil, fmt.Errorf("modex: decode response flag: %w", err)
	}
	if !found {
		return false, nil, nil
	}
	attr, err = b.UnpackAttribute()
	if err != nil {
		return false, nil, fmt.Errorf("modex: decode response attribute: %w", err)
	}
	return true, attr, nil
}
