package rml

import (
	"fmt"
	"sync"
)

// LoopbackTransport routes sends directly to in-process peer tables,
// without touching the network. It backs single-node DVM runs and the
// package's own tests, and is modeled directly on the teacher's
// events.Broker: a shared registry of peers plus per-peer dispatch, with
// sends never blocking the caller.
type LoopbackTransport struct {
	self int32

	mu    sync.RWMutex
	peers map[int32]*LoopbackTransport
	table *dispatchTable
	loop  submitter
}

// NewLoopbackRing creates n loopback transports, ranks 0..n-1, all wired
// to each other, sharing the given loop for callback dispatch.
func NewLoopbackRing(n int, loop submitter) []*LoopbackTransport {
	peers := make(map[int32]*LoopbackTransport, n)
	out := make([]*LoopbackTransport, n)
	for i := 0; i < n; i++ {
		lt := &LoopbackTransport{
			self:  int32(i),
			peers: peers,
			table: newDispatchTable(),
			loop:  loop,
		}
		peers[int32(i)] = lt
		out[i] = lt
	}
	return out
}

// SendBufferNB implements Transport.
func (l *LoopbackTransport) SendBufferNB(dst int32, tag Tag, data []byte, onComplete func(error)) {
	l.mu.RLock()
	peer, ok := l.peers[dst]
	l.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("rml: no loopback peer for rank %d", dst)
	}

	msg := Message{Src: l.self, Tag: tag, Data: data}
	_ = l.loop.Submit(func() {
		if err == nil {
			peer.table.dispatch(msg)
		}
		if onComplete != nil {
			onComplete(err)
		}
	})
}

// RecvBufferNB implements Transport.
func (l *LoopbackTransport) RecvBufferNB(tag Tag, cb RecvCallback) {
	l.table.register(tag, cb)
}

// RecvCancel implements Transport.
func (l *LoopbackTransport) RecvCancel(tag Tag) {
	l.table.cancel(tag)
}

// Self implements Transport.
func (l *LoopbackTransport) Self() int32 {
	return l.self
}

// Close implements Transport. Loopback transports own no external
// resources.
func (l *LoopbackTransport) Close() error {
	return nil
}
