// Package kvstore is a minimal stand-in for the PMIx-style key/value
// client the DVM core calls into: event registration/notification plus a
// local internal store. Full PMIx semantics are out of scope (§1); this
// covers exactly the operations §6 names. Grounded on the teacher's
// events.Broker for the registration/notification half, composed with a
// plain mutex-guarded map for StoreInternal.
package kvstore

import (
	"sync"

	"github.com/cuemby/prte/pkg/types"
)

// EventHandler receives notifications registered via RegisterEventHandler.
type EventHandler func(code int, source types.ProcID, info []*types.Attribute)

// Store is the DVM core's PMIx-shaped dependency: internal storage plus
// event registration/notification, scoped per nspace for deregistration.
type Store struct {
	mu       sync.RWMutex
	internal map[types.Nspace]map[string]*types.Attribute
	handlers map[int]registeredHandler
	nextID   int
}

type registeredHandler struct {
	code    int
	handler EventHandler
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		internal: make(map[types.Nspace]map[string]*types.Attribute),
		handlers: make(map[int]registeredHandler),
	}
}

// StoreInternal records a key/value pair local to nspace, not intended for
// propagation to peer daemons.
func (s *Store) StoreInternal(nspace types.Nspace, attr *types.Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.internal[nspace]
	if !ok {
		bucket = make(map[string]*types.Attribute)
		s.internal[nspace] = bucket
	}
	bucket[attr.Key] = attr
}

// Lookup retrieves a previously stored internal value.
func (s *Store) Lookup(nspace types.Nspace, key string) (*types.Attribute, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.internal[nspace]
	if !ok {
		return nil, false
	}
	attr, ok := bucket[key]
	return attr, ok
}

// RegisterEventHandler subscribes handler to notifications matching code,
// returning an id usable to deregister it. A code of 0 matches every
// notification.
func (s *Store) RegisterEventHandler(code int, handler EventHandler) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.handlers[id] = registeredHandler{code: code, handler: handler}
	return id
}

// DeregisterEventHandler removes a previously registered handler.
func (s *Store) DeregisterEventHandler(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

// NotifyEvent delivers code to every handler registered for it (or for
// code 0), synchronously, in registration order is not guaranteed (map
// iteration), matching PMIx's own "best effort, no ordering" notification
// contract.
func (s *Store) NotifyEvent(code int, source types.ProcID, info []*types.Attribute) {
	s.mu.RLock()
	handlers := make([]EventHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		if h.code == 0 || h.code == code {
			handlers = append(handlers, h.handler)
		}
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(code, source, info)
	}
}

// DeliverInventory stores a daemon's opaque inventory blob under nspace,
// the way the PMIx server's deliver_inventory operation would absorb it.
func (s *Store) DeliverInventory(nspace types.Nspace, blob []byte) {
	s.StoreInternal(nspace, &types.Attribute{
		Key:      "inventory",
		Type:     types.AttrTypeByteObject,
		Scope:    types.AttrLocal,
		BytesVal: blob,
	})
}

// DeregisterClient forgets every internal key registered under nspace for
// a single client rank; since this store does not track per-client
// ownership, it is a no-op unless the nspace itself is also finished, in
// which case callers should use DeregisterNspace.
func (s *Store) DeregisterClient(nspace types.Nspace, rank types.Rank) {
	// No per-client bookkeeping is kept; nspace-wide cleanup happens at
	// DeregisterNspace, which every DVM_CLEANUP_JOB_CMD triggers.
	_ = nspace
	_ = rank
}

// DeregisterNspace drops all internal state for a finished job.
func (s *Store) DeregisterNspace(nspace types.Nspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.internal, nspace)
}
