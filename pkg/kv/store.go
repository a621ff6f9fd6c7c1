// Package kv implements the small key/value side-channel carried by the
// PUT/GET/PUT_REPLY/GET_REPLY ops (spec.md §6): a u64-keyed byte-value map
// that lives on the master and on every worker (the master's copy and a
// named worker's copy are independent stores — a request targets whichever
// one the caller dials, per original_source/include/gallocator.h's
// KVGet(key, value, node_id)).
package kv

import (
	"sync"

	"github.com/google/uuid"
)

// Session tracks the last request seen from one client, so a retried PUT
// after a dropped reply doesn't double-apply. Grounded on the teacher's
// pkg/kv/store.go ClientSession, generalized from its Raft-log dedup (keyed
// by an arbitrary caller string) to this side-channel's own client ids.
type Session struct {
	LastRequestID uint64
	Response      []byte
}

// Store is one node's independent key/value map.
type Store struct {
	mu       sync.RWMutex
	data     map[uint64][]byte
	sessions map[string]*Session
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		data:     make(map[uint64][]byte),
		sessions: make(map[string]*Session),
	}
}

// NewClientID mints a fresh client identifier for request deduplication,
// refining the teacher's bare caller-supplied ClientID string into a real
// generated id (SPEC_FULL §DOMAIN STACK).
func NewClientID() string { return uuid.NewString() }

// Put stores value under key, deduplicating by (clientID, requestID): a
// retried request with a requestID no newer than the last seen for that
// client returns the previously computed response instead of re-applying.
func (s *Store) Put(clientID string, requestID uint64, key uint64, value []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[clientID]; ok && requestID <= sess.LastRequestID {
		return sess.Response
	}

	stored := append([]byte(nil), value...)
	s.data[key] = stored
	response := append([]byte(nil), stored...)
	s.sessions[clientID] = &Session{LastRequestID: requestID, Response: response}
	return response
}

// Get retrieves the value stored under key.
func (s *Store) Get(key uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Size returns the number of keys currently stored.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
