// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"sync"
)

// =============================================================================
// IN-MEMORY KV
// =============================================================================

// MemoryKV is an in-memory KV with the same quota semantics as the durable
// backend. It backs tests and ephemeral sessions where nothing should touch
// disk.
type MemoryKV struct {
	mu    sync.RWMutex
	data  map[string][]byte
	used  int64
	quota int64 // bytes, 0 = unlimited
}

// NewMemoryKV creates an in-memory KV with the given byte quota (0 for
// unlimited).
func NewMemoryKV(quota int64) *MemoryKV {
	return &MemoryKV{
		data:  make(map[string][]byte),
		quota: quota,
	}
}

// Set stores value under key, enforcing the quota.
func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.used - int64(len(m.data[key])) + int64(len(value))
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}

	m.data[key] = append([]byte(nil), value...)
	m.used = next
	return nil
}

// Get returns a copy of the value for key.
func (m *MemoryKV) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Remove deletes key.
func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if value, ok := m.data[key]; ok {
		m.used -= int64(len(value))
		delete(m.data, key)
	}
	return nil
}

// Keys returns all stored keys.
func (m *MemoryKV) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Clear removes everything.
func (m *MemoryKV) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string][]byte)
	m.used = 0
	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryKV) Close() error {
	return nil
}

// Used returns the current byte usage.
func (m *MemoryKV) Used() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}
