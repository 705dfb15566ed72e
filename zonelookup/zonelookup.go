// Package zonelookup implements the Zone Lookup Table: an
// in-memory, bidirectional map between a zone UUID and the hypervisor
// domid the driver assigned it. It is rebuilt at startup from live zone
// records and kept current by the Reconciler.
//
// The table is protected by a single reader/writer guard, never held
// across a suspend point.
package zonelookup

import (
	"sync"

	"github.com/google/uuid"

	"github.com/zonelabs/zoned/types"
)

// Table is the bidirectional UUID<->domid map.
type Table struct {
	mu      sync.RWMutex
	byUUID  map[uuid.UUID]uint32
	byDomID map[uint32]uuid.UUID
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		byUUID:  make(map[uuid.UUID]uint32),
		byDomID: make(map[uint32]uuid.UUID),
	}
}

// Rebuild replaces the table's contents from the current set of live
// zones, keeping only those with an allocated domid (domid != MaxDomID).
func (t *Table) Rebuild(zones map[string]*types.Zone) {
	byUUID := make(map[uuid.UUID]uint32, len(zones))
	byDomID := make(map[uint32]uuid.UUID, len(zones))
	for _, z := range zones {
		if z.Status.DomID == types.MaxDomID {
			continue
		}
		byUUID[z.UUID] = z.Status.DomID
		byDomID[z.Status.DomID] = z.UUID
	}
	t.mu.Lock()
	t.byUUID = byUUID
	t.byDomID = byDomID
	t.mu.Unlock()
}

// Set records the domid assigned to a zone, replacing any prior mapping
// for either key.
func (t *Table) Set(id uuid.UUID, domID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byUUID[id]; ok {
		delete(t.byDomID, old)
	}
	if oldID, ok := t.byDomID[domID]; ok {
		delete(t.byUUID, oldID)
	}
	t.byUUID[id] = domID
	t.byDomID[domID] = id
}

// Remove drops a zone's mapping, by whichever key is known. Idempotent.
func (t *Table) Remove(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if domID, ok := t.byUUID[id]; ok {
		delete(t.byDomID, domID)
		delete(t.byUUID, id)
	}
}

// DomID looks up the domid assigned to a zone.
func (t *Table) DomID(id uuid.UUID) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	domID, ok := t.byUUID[id]
	return domID, ok
}

// UUID looks up the zone owning a domid.
func (t *Table) UUID(domID uint32) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byDomID[domID]
	return id, ok
}

// Len reports the number of zones with an allocated domid.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUUID)
}
