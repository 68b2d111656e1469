// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

// =============================================================================
// KEY-VALUE PORT
// =============================================================================

// KV is the quota-aware key-value port the store is built on.
//
// Implementations enforce a byte quota on Set: a write that would push total
// usage past the quota fails with ErrQuotaExceeded and leaves existing data
// untouched. Replacing a key with a smaller value always succeeds.
type KV interface {
	// Set stores value under key, replacing any existing value.
	// Returns ErrQuotaExceeded when the write would exceed the byte quota.
	Set(key string, value []byte) error

	// Get returns the value for key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Keys returns all stored keys, in no particular order.
	Keys() ([]string, error)

	// Clear removes everything.
	Clear() error

	// Close releases backend resources.
	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrQuotaExceeded is returned when a write would exceed the byte quota.
// Use errors.Is(err, ErrQuotaExceeded) to check for this error.
var ErrQuotaExceeded = &StoreError{Message: "storage quota exceeded"}

// ErrKeyNotFound is returned when a key does not exist.
// Use errors.Is(err, ErrKeyNotFound) to check for this error.
var ErrKeyNotFound = &StoreError{Message: "key not found"}

// StoreError represents a storage-related error.
// It implements the error interface and can be compared using errors.Is.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
