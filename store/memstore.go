// memstore.go - in-memory Store.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

package store

import (
	"fmt"
	"sync"
)

// MemStore is an ephemeral Store used by tests and throwaway sessions.
type MemStore struct {
	mutex sync.Mutex
	data  map[string]map[string][]byte
	creds *Creds
}

func NewMemStore() *MemStore {
	data := make(map[string]map[string][]byte)
	for _, ns := range Namespaces() {
		data[ns] = make(map[string][]byte)
	}
	return &MemStore{data: data}
}

func (s *MemStore) Get(namespace string, ids []string) (map[string][]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.getLocked(namespace, ids)
}

func (s *MemStore) Set(namespace string, values map[string][]byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.setLocked(namespace, values)
}

// Transaction holds the store lock for the duration of fn. Writes are
// staged in an overlay and applied only if fn succeeds.
func (s *MemStore) Transaction(fn func(tx KeyStore) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tx := &memTxStore{s: s, overlay: make(map[string]map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for namespace, values := range tx.overlay {
		if err := s.setLocked(namespace, values); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) SaveCreds(c *Creds) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.creds = c
	return nil
}

func (s *MemStore) LoadCreds() (*Creds, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.creds, nil
}

func (s *MemStore) Close() error {
	return nil
}

func (s *MemStore) getLocked(namespace string, ids []string) (map[string][]byte, error) {
	ns, ok := s.data[namespace]
	if !ok {
		return nil, fmt.Errorf("store: unknown namespace %q", namespace)
	}
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v, ok := ns[id]; ok {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[id] = cp
		}
	}
	return out, nil
}

func (s *MemStore) setLocked(namespace string, values map[string][]byte) error {
	ns, ok := s.data[namespace]
	if !ok {
		return fmt.Errorf("store: unknown namespace %q", namespace)
	}
	for id, v := range values {
		if v == nil {
			delete(ns, id)
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		ns[id] = cp
	}
	return nil
}

// memTxStore stages writes on top of the store so a failing transaction
// leaves no trace.
type memTxStore struct {
	s       *MemStore
	overlay map[string]map[string][]byte
}

func (t *memTxStore) Get(namespace string, ids []string) (map[string][]byte, error) {
	out, err := t.s.getLocked(namespace, ids)
	if err != nil {
		return nil, err
	}
	staged, ok := t.overlay[namespace]
	if !ok {
		return out, nil
	}
	for _, id := range ids {
		if v, found := staged[id]; found {
			if v == nil {
				delete(out, id)
			} else {
				cp := make([]byte, len(v))
				copy(cp, v)
				out[id] = cp
			}
		}
	}
	return out, nil
}

func (t *memTxStore) Set(namespace string, values map[string][]byte) error {
	if _, ok := t.s.data[namespace]; !ok {
		return fmt.Errorf("store: unknown namespace %q", namespace)
	}
	staged, ok := t.overlay[namespace]
	if !ok {
		staged = make(map[string][]byte)
		t.overlay[namespace] = staged
	}
	for id, v := range values {
		if v == nil {
			staged[id] = nil
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		staged[id] = cp
	}
	return nil
}

func (t *memTxStore) Transaction(fn func(tx KeyStore) error) error {
	return fn(t)
}
