// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

// =============================================================================
// QUOTA-ABSORBING STORE
// =============================================================================

// TranscriptWindow is how many trailing messages a transcript keeps after
// quota-pressure compaction.
const TranscriptWindow = 30

// Store wraps a KV with JSON encoding and quota-absorbing writes.
//
// When a write hits the quota, the store degrades transcript data instead of
// failing the caller: first every transcript is trimmed to its trailing
// window, then transcripts are dropped entirely. Only when even that is not
// enough does the caller see ErrQuotaExceeded. Metadata keys are never
// sacrificed.
type Store struct {
	kv KV
}

// NewStore wraps the given KV backend.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Put JSON-encodes v and writes it under key with quota absorption.
func (s *Store) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.TrySet(key, data)
}

// Load reads key into v. Returns false with a nil error when the key does
// not exist.
func (s *Store) Load(key string, v any) (bool, error) {
	data, err := s.kv.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Remove deletes key.
func (s *Store) Remove(key string) error {
	return s.kv.Remove(key)
}

// Clear removes everything.
func (s *Store) Clear() error {
	return s.kv.Clear()
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// =============================================================================
// QUOTA ABSORPTION LADDER
// =============================================================================

// TrySet writes raw bytes under key, absorbing quota errors by degrading
// transcript data.
//
// Ladder: write as-is; on quota, trim every transcript (the incoming value
// included, when it is one) to the trailing window and retry; on quota
// again, drop all other transcripts and retry. When even that fails the key
// itself is removed so readers see an empty value rather than a stale one,
// and the final quota error propagates.
func (s *Store) TrySet(key string, value []byte) error {
	err := s.kv.Set(key, value)
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	log.Printf("storage: quota hit writing %s (%d bytes), trimming transcripts", key, len(value))

	// Rung 1: trailing-window compaction.
	s.trimStoredTranscripts(key)
	if IsTranscriptKey(key) {
		if trimmed, ok := TrimTranscript(value, TranscriptWindow); ok {
			value = trimmed
		}
	}
	err = s.kv.Set(key, value)
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	log.Printf("storage: quota still exceeded for %s, dropping stored transcripts", key)

	// Rung 2: drop transcripts wholesale, keeping only the key being written.
	s.dropStoredTranscripts(key)
	err = s.kv.Set(key, value)
	if err == nil {
		return nil
	}

	// Last resort: the value does not fit even into an emptied store. Remove
	// the key so the prior value cannot survive as a stale snapshot.
	log.Printf("storage: dropping %s entirely, %d bytes exceed the quota", key, len(value))
	if rmErr := s.kv.Remove(key); rmErr != nil {
		log.Printf("storage: failed to remove %s: %v", key, rmErr)
	}
	return fmt.Errorf("write of %s failed after compaction: %w", key, err)
}

// TrimTranscript reduces a JSON-encoded message array to its trailing
// window. Returns false when the value is not an array or already fits.
func TrimTranscript(value []byte, keep int) ([]byte, bool) {
	var entries []json.RawMessage
	if err := json.Unmarshal(value, &entries); err != nil {
		return nil, false
	}
	if len(entries) <= keep {
		return nil, false
	}
	trimmed, err := json.Marshal(entries[len(entries)-keep:])
	if err != nil {
		return nil, false
	}
	return trimmed, true
}

// trimStoredTranscripts rewrites every stored transcript except skipKey to
// its trailing window. Individual failures are logged and skipped: partial
// compaction still frees space.
func (s *Store) trimStoredTranscripts(skipKey string) {
	keys, err := s.kv.Keys()
	if err != nil {
		log.Printf("storage: failed to list keys for compaction: %v", err)
		return
	}

	for _, k := range keys {
		if !IsTranscriptKey(k) || k == skipKey {
			continue
		}
		data, err := s.kv.Get(k)
		if err != nil {
			continue
		}
		trimmed, ok := TrimTranscript(data, TranscriptWindow)
		if !ok {
			continue
		}
		// A trimmed value is strictly smaller, so this cannot re-trip the
		// quota on a replace.
		if err := s.kv.Set(k, trimmed); err != nil {
			log.Printf("storage: failed to trim transcript %s: %v", k, err)
		}
	}
}

// dropStoredTranscripts removes every stored transcript except skipKey.
func (s *Store) dropStoredTranscripts(skipKey string) {
	keys, err := s.kv.Keys()
	if err != nil {
		log.Printf("storage: failed to list keys for drop: %v", err)
		return
	}

	for _, k := range keys {
		if !IsTranscriptKey(k) || k == skipKey {
			continue
		}
		if err := s.kv.Remove(k); err != nil {
			log.Printf("storage: failed to drop transcript %s: %v", k, err)
		}
	}
}
