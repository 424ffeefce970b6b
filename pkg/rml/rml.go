// Package rml implements the DVM's Reliable Messaging Layer: a tagged,
// FIFO-per-tag, non-blocking send/receive transport, plus an xcast
// broadcast built on top of it. The fan-out shape of xcast is grounded on
// the teacher's events.Broker (publish to a buffered channel, broadcast to
// subscribers without blocking the publisher on a slow one); RML
// generalizes that from "one local process, many local subscribers" to
// "one daemon, many remote peer daemons."
package rml

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/prte/pkg/log"
)

// Tag identifies a logical message channel, matching §6's well-known tag
// constants. Each tag has its own FIFO ordering guarantee, independent of
// other tags.
type Tag uint16

const (
	TagDaemon             Tag = 1
	TagPLM                Tag = 5
	TagLaunchResp         Tag = 6
	TagPrtedCallback      Tag = 10
	TagReportRemoteLaunch Tag = 12
	TagHeartbeat          Tag = 41
	TagHeartbeatRequest   Tag = 70
	TagStackTrace         Tag = 60
	TagTopologyReport     Tag = 62
	TagDirectModex        Tag = 50
	TagDirectModexResp    Tag = 51
)

// Message is one received buffer plus the rank that sent it.
type Message struct {
	Src  int32
	Tag  Tag
	Data []byte
}

// RecvCallback is invoked, on the owning Loop, for every message received
// on a registered tag.
type RecvCallback func(msg Message)

// Transport is the consumed RML interface: non-blocking sends with a
// completion callback, and persistent receives keyed by tag.
type Transport interface {
	// SendBufferNB sends data to dst under tag, invoking onComplete (on
	// the owning Loop) once the send either succeeds or fails. Never
	// blocks the caller.
	SendBufferNB(dst int32, tag Tag, data []byte, onComplete func(error))

	// RecvBufferNB registers cb to be invoked for every future message on
	// tag, until RecvCancel(tag) is called. Only one callback per tag may
	// be active at a time; registering again replaces the prior callback.
	RecvBufferNB(tag Tag, cb RecvCallback)

	// RecvCancel removes the callback registered for tag, if any.
	RecvCancel(tag Tag)

	// Self returns this transport's own rank.
	Self() int32

	// Close releases all resources (open connections, goroutines).
	Close() error
}

// dispatchTable is the shared tag -> callback bookkeeping used by both
// transport implementations.
type dispatchTable struct {
	mu   sync.RWMutex
	recv map[Tag]RecvCallback
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{recv: make(map[Tag]RecvCallback)}
}

func (d *dispatchTable) register(tag Tag, cb RecvCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recv[tag] = cb
}

func (d *dispatchTable) cancel(tag Tag) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.recv, tag)
}

func (d *dispatchTable) dispatch(msg Message) {
	d.mu.RLock()
	cb, ok := d.recv[msg.Tag]
	d.mu.RUnlock()
	if ok {
		cb(msg)
	}
}

// submitter is satisfied by *eventloop.Loop; kept narrow here to avoid an
// import cycle and to let tests substitute a synchronous stand-in.
type submitter interface {
	Submit(fn func()) error
}

// writeFrame writes one frame: source rank, tag, payload length, payload —
// all big-endian, matching §6's wire-level RML description.
func writeFrame(w io.Writer, src int32, tag Tag, data []byte) error {
	var hdr [10]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(src))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(tag))
	binary.BigEndian.PutUint32(hdr[6:10], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("rml: write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("rml: write frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (src int32, tag Tag, data []byte, err error) {
	var hdr [10]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	src = int32(binary.BigEndian.Uint32(hdr[0:4]))
	tag = Tag(binary.BigEndian.Uint16(hdr[4:6]))
	n := binary.BigEndian.Uint32(hdr[6:10])
	data = make([]byte, n)
	if _, err = io.ReadFull(r, data); err != nil {
		return 0, 0, nil, err
	}
	return src, tag, data, nil
}

// peerConn pairs a connection with the mutex serializing frame writes on
// it: a frame is two Write calls (header, then body), and concurrent sends
// to the same peer must not interleave them or every later read on the
// connection decodes garbage.
type peerConn struct {
	writeMu sync.Mutex
	conn    net.Conn
}

// TCPTransport is a length-prefixed framed transport over one net.Conn per
// peer. A read-pump goroutine per connection feeds received frames back
// onto loop.Submit, so callback execution stays on the single event-loop
// goroutine even though socket I/O happens off it.
type TCPTransport struct {
	self  int32
	loop  submitter
	table *dispatchTable

	mu    sync.Mutex
	conns map[int32]*peerConn
}

// NewTCPTransport wraps already-established connections to peers, keyed by
// rank. The DVM's daemon startup protocol (§4.3) is responsible for
// establishing these connections during LAUNCH_DAEMONS; this transport
// does not dial on its own.
func NewTCPTransport(self int32, loop submitter) *TCPTransport {
	return &TCPTransport{
		self:  self,
		loop:  loop,
		table: newDispatchTable(),
		conns: make(map[int32]*peerConn),
	}
}

// AddPeer registers conn as the channel to dst, and starts its read pump.
func (t *TCPTransport) AddPeer(dst int32, conn net.Conn) {
	t.mu.Lock()
	t.conns[dst] = &peerConn{conn: conn}
	t.mu.Unlock()
	go t.readPump(dst, conn)
}

func (t *TCPTransport) readPump(peer int32, conn net.Conn) {
	for {
		src, tag, data, err := readFrame(conn)
		if err != nil {
			logger := log.WithComponent("rml")
			logger.Warn().Err(err).Int32("peer", peer).Msg("rml: peer connection closed")
			return
		}
		msg := Message{Src: src, Tag: tag, Data: data}
		_ = t.loop.Submit(func() { t.table.dispatch(msg) })
	}
}

// SendBufferNB implements Transport. Writes to the same peer are
// serialized under the peer's write mutex, preserving frame integrity and
// §5's FIFO-per-tag delivery when many sends race toward one destination.
func (t *TCPTransport) SendBufferNB(dst int32, tag Tag, data []byte, onComplete func(error)) {
	t.mu.Lock()
	peer, ok := t.conns[dst]
	t.mu.Unlock()
	if !ok {
		err := fmt.Errorf("rml: no connection to rank %d", dst)
		if onComplete != nil {
			_ = t.loop.Submit(func() { onComplete(err) })
		}
		return
	}
	go func() {
		peer.writeMu.Lock()
		err := writeFrame(peer.conn, t.self, tag, data)
		peer.writeMu.Unlock()
		if onComplete != nil {
			_ = t.loop.Submit(func() { onComplete(err) })
		}
	}()
}

// RecvBufferNB implements Transport.
func (t *TCPTransport) RecvBufferNB(tag Tag, cb RecvCallback) {
	t.table.register(tag, cb)
}

// RecvCancel implements Transport.
func (t *TCPTransport) RecvCancel(tag Tag) {
	t.table.cancel(tag)
}

// Self implements Transport.
func (t *TCPTransport) Self() int32 {
	return t.self
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, p := range t.conns {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dial connects to a peer daemon's listener and returns the raw net.Conn
// for AddPeer, matching the teacher's plain net/http-adjacent style of
// keeping transport setup and transport use separate.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// SendHandshake writes this connection's owning rank as a single 4-byte
// big-endian value, so the accepting side can learn which rank a freshly
// dialed connection belongs to before handing it to AddPeer.
func SendHandshake(conn net.Conn, self int32) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(self))
	_, err := conn.Write(tmp[:])
	return err
}

// ReadHandshake reads the 4-byte rank a peer sent via SendHandshake. It
// must be called exactly once, before the connection is handed to
// AddPeer, since AddPeer's read pump assumes every subsequent byte is a
// framed message.
func ReadHandshake(conn net.Conn) (int32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(conn, tmp[:]); err != nil {
		return 0, fmt.Errorf("rml: read handshake: %w", err)
	}
	return int32(binary.BigEndian.Uint32(tmp[:])), nil
}
