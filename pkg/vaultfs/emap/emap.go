// Package emap implements the Entity Map (spec §2.4, §3, §4.2): a
// persistent Eid -> Space mapping with a base map plus per-transaction
// overlay.
package emap

import (
	"sync"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// Emap is the in-memory base entity map, loaded on open from the last
// committed snapshot's txid.
type Emap struct {
	mu   sync.RWMutex
	base map[vtypes.Eid]vtypes.Space
}

// New returns an empty Emap.
func New() *Emap {
	return &Emap{base: make(map[vtypes.Eid]vtypes.Space)}
}

// Load replaces the base map wholesale, used when opening from a persisted
// snapshot.
func (e *Emap) Load(base map[vtypes.Eid]vtypes.Space) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if base == nil {
		base = make(map[vtypes.Eid]vtypes.Space)
	}

	e.base = base
}

// Get looks up eid in the base map.
func (e *Emap) Get(eid vtypes.Eid) (vtypes.Space, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sp, ok := e.base[eid]

	return sp, ok
}

// Snapshot returns a shallow copy of the base map, suitable for embedding in
// a [vtypes.Snapshot] or persisting to disk. Callers must not mutate the
// returned Space values' Spans slices in place.
func (e *Emap) Snapshot() map[vtypes.Eid]vtypes.Space {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[vtypes.Eid]vtypes.Space, len(e.base))
	for k, v := range e.base {
		out[k] = v
	}

	return out
}

// Merge is the commit step (spec §4.2): for each overlay entry, replace
// base; for each eid in deleted, remove base. All-or-nothing at the
// in-memory level.
func (e *Emap) Merge(overlay map[vtypes.Eid]vtypes.Space, deleted map[vtypes.Eid]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for eid, sp := range overlay {
		e.base[eid] = sp
	}

	for eid := range deleted {
		delete(e.base, eid)
	}
}

// Clear empties the base map, used when reloading from an empty snapshot
// deque during rollback.
func (e *Emap) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.base = make(map[vtypes.Eid]vtypes.Space)
}

// Overlay is the session-local working set consulted before the base map
// during a live transaction (spec §3 "Emap").
type Overlay struct {
	base    *Emap
	entries map[vtypes.Eid]vtypes.Space
	deleted map[vtypes.Eid]struct{}
}

// NewOverlay creates an overlay reading through to base.
func NewOverlay(base *Emap) *Overlay {
	return &Overlay{
		base:    base,
		entries: make(map[vtypes.Eid]vtypes.Space),
		deleted: make(map[vtypes.Eid]struct{}),
	}
}

// Get consults the overlay first, then the base map. Returns ok == false if
// eid was deleted in this overlay or absent from both.
func (o *Overlay) Get(eid vtypes.Eid) (vtypes.Space, bool) {
	if _, gone := o.deleted[eid]; gone {
		return vtypes.Space{}, false
	}

	if sp, ok := o.entries[eid]; ok {
		return sp, true
	}

	return o.base.Get(eid)
}

// Put records a new or updated Space for eid in the overlay.
func (o *Overlay) Put(eid vtypes.Eid, sp vtypes.Space) {
	delete(o.deleted, eid)
	o.entries[eid] = sp
}

// Delete marks eid as removed in the overlay.
func (o *Overlay) Delete(eid vtypes.Eid) {
	delete(o.entries, eid)
	o.deleted[eid] = struct{}{}
}

// Entries returns the overlay's put entries, for persisting the
// per-transaction emap file and for [Emap.Merge] on commit.
func (o *Overlay) Entries() map[vtypes.Eid]vtypes.Space {
	return o.entries
}

// Deleted returns the overlay's deleted set.
func (o *Overlay) Deleted() map[vtypes.Eid]struct{} {
	return o.deleted
}
