// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package blobcache

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CACHE LIMITS
// =============================================================================

// Options configures a Cache. Zero values fall back to defaults.
type Options struct {
	// MaxObjectSize is the per-object byte ceiling. Acquire refuses larger
	// inputs, since those are not meant to be previewed locally.
	MaxObjectSize int64

	// MaxEntries is the hard entry ceiling. The sweep evicts least recently
	// used entries past it, refcounts notwithstanding.
	MaxEntries int

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration

	// IdleGrace is how long an unreferenced entry survives after its last
	// use before the sweep reclaims it.
	IdleGrace time.Duration

	// MaxAge is the absolute lifetime ceiling for any entry.
	MaxAge time.Duration
}

// Defaults.
const (
	DefaultMaxObjectSize = 10 * 1024 * 1024 // 10MB
	DefaultMaxEntries    = 50
	DefaultSweepInterval = 5 * time.Minute
	DefaultIdleGrace     = 60 * time.Second
	DefaultMaxAge        = 30 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.MaxObjectSize <= 0 {
		o.MaxObjectSize = DefaultMaxObjectSize
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = DefaultIdleGrace
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	return o
}

// =============================================================================
// CACHE TYPES
// =============================================================================

// entry is one cached object. refCount tracks how many holders still need
// the handle; the handle is revoked exactly once, on reclamation.
type entry struct {
	handleURL  string
	fileID     string
	fileName   string
	data       []byte
	refCount   int
	createdAt  time.Time
	lastUsedAt time.Time
}

// Stats holds cache statistics.
type Stats struct {
	Entries     int
	TotalBytes  int64
	Acquires    int
	Hits        int
	Rejected    int
	Revocations int
}

// Cache is the reference-counted registry of ephemeral binary object
// handles, keyed by file ID.
//
// Handles are transient preview URLs backed by in-memory bytes. Lifetime is
// decoupled from any single holder: an attachment's handle is referenced
// both by an upload in progress and, once sent, by the transcript, so
// whoever-created-it-destroys-it semantics would revoke it out from under
// the other holder. Release only marks an entry reclaimable; the periodic
// sweep does the actual revocation.
type Cache struct {
	mu          sync.Mutex
	entries     map[string]*entry
	accessOrder []string // For LRU eviction
	opts        Options

	// Statistics
	acquires    int
	hits        int
	rejected    int
	revocations int

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// New creates a cache and starts its background sweep.
func New(opts Options) *Cache {
	opts = opts.withDefaults()
	c := &Cache{
		entries:     make(map[string]*entry),
		accessOrder: make([]string, 0, opts.MaxEntries),
		opts:        opts,
		now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// =============================================================================
// ACQUIRE / RETAIN / RELEASE
// =============================================================================

// Acquire registers data under fileID and returns a handle URL. If a handle
// already exists for fileID, its refcount is incremented and the existing
// URL returned. Inputs above the size ceiling are refused with an empty URL.
func (c *Cache) Acquire(data []byte, fileID, fileName string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acquires++

	if e, ok := c.entries[fileID]; ok {
		e.refCount++
		e.lastUsedAt = c.now()
		c.touchLocked(fileID)
		c.hits++
		return e.handleURL
	}

	if int64(len(data)) > c.opts.MaxObjectSize {
		c.rejected++
		return ""
	}

	now := c.now()
	e := &entry{
		handleURL:  "mem://" + uuid.NewString(),
		fileID:     fileID,
		fileName:   fileName,
		data:       append([]byte(nil), data...),
		refCount:   1,
		createdAt:  now,
		lastUsedAt: now,
	}
	c.entries[fileID] = e
	c.touchLocked(fileID)
	return e.handleURL
}

// Retain increments the refcount for fileID. Retaining an unknown file ID
// is a no-op.
func (c *Cache) Retain(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fileID]; ok {
		e.refCount++
		e.lastUsedAt = c.now()
		c.touchLocked(fileID)
	}
}

// Release decrements the refcount for fileID, never below zero. The entry
// is not revoked here, only made eligible for the next sweep once its count
// reaches zero and the idle grace passes.
func (c *Cache) Release(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fileID]
	if !ok {
		return
	}
	if e.refCount > 0 {
		e.refCount--
	}
	e.lastUsedAt = c.now()
}

// ForceRevoke revokes fileID immediately, refcount notwithstanding. Used
// when the owner explicitly discards an attachment. Revoking an unknown or
// already-revoked file ID is a no-op.
func (c *Cache) ForceRevoke(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revokeLocked(fileID)
}

// =============================================================================
// LOOKUPS
// =============================================================================

// HandleURL returns the handle URL for fileID, or "" when none exists.
// Lookup counts as use for idle-grace purposes.
func (c *Cache) HandleURL(fileID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fileID]
	if !ok {
		return ""
	}
	e.lastUsedAt = c.now()
	c.touchLocked(fileID)
	return e.handleURL
}

// Resolve returns the bytes behind a handle URL, for serving previews.
func (c *Cache) Resolve(handleURL string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.handleURL == handleURL {
			e.lastUsedAt = c.now()
			c.touchLocked(e.fileID)
			return append([]byte(nil), e.data...), true
		}
	}
	return nil, false
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, e := range c.entries {
		total += int64(len(e.data))
	}
	return Stats{
		Entries:     len(c.entries),
		TotalBytes:  total,
		Acquires:    c.acquires,
		Hits:        c.hits,
		Rejected:    c.rejected,
		Revocations: c.revocations,
	}
}

// =============================================================================
// SWEEP
// =============================================================================

// sweepLoop runs the periodic sweep until Close.
func (c *Cache) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}

// Sweep reclaims entries eligible for revocation: unreferenced entries idle
// past the grace window, any entry past the absolute age ceiling, and
// (refcounts notwithstanding) least recently used entries over the entry
// ceiling. A holder keeping a reference alive past the ceiling is a leak,
// not a reason to grow without bound.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	for id, e := range c.entries {
		if e.refCount == 0 && now.Sub(e.lastUsedAt) > c.opts.IdleGrace {
			c.revokeLocked(id)
			continue
		}
		if now.Sub(e.createdAt) > c.opts.MaxAge {
			c.revokeLocked(id)
		}
	}

	// Hard ceiling takes priority over reference safety.
	for len(c.entries) > c.opts.MaxEntries && len(c.accessOrder) > 0 {
		c.revokeLocked(c.accessOrder[0])
	}
}

// Close stops the sweep and revokes every remaining handle.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		c.revokeLocked(id)
	}
}

// revokeLocked revokes and removes one entry (must hold lock). Safe to call
// for missing IDs, which makes double revocation a no-op.
func (c *Cache) revokeLocked(fileID string) {
	e, ok := c.entries[fileID]
	if !ok {
		return
	}

	e.data = nil
	delete(c.entries, fileID)
	c.revocations++

	for i, id := range c.accessOrder {
		if id == fileID {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			break
		}
	}
}

// touchLocked moves fileID to the most recently used position (must hold
// lock).
func (c *Cache) touchLocked(fileID string) {
	for i, id := range c.accessOrder {
		if id == fileID {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			break
		}
	}
	c.accessOrder = append(c.accessOrder, fileID)
}
