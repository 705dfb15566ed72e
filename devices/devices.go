// Package devices implements the Device Manager: an in-memory table of
// named host device claims. Claims are never persisted —
// they are rebuilt at daemon startup by scanning live zone records — and
// are guarded by a single reader/writer lock that is never held across a
// suspend point.
package devices

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zonelabs/zoned/types"
)

// Manager tracks which host devices are claimed by which zones.
type Manager struct {
	mu     sync.RWMutex
	claims map[string]string // device name -> owning zone UUID
}

// NewManager returns an empty Manager. Call Rebuild once at startup before
// serving any requests.
func NewManager() *Manager {
	return &Manager{claims: make(map[string]string)}
}

// Rebuild replaces the claim table from the current set of live zones,
// each of which lists the devices it holds in Status.ClaimedDevices. Claims
// are not persisted; called once at startup after loading the zone Record
// Store, and again any time the live zone set changes underneath it.
func (m *Manager) Rebuild(zones map[string]*types.Zone) {
	claims := make(map[string]string)
	for id, z := range zones {
		for _, dev := range z.Status.ClaimedDevices {
			claims[dev] = id
		}
	}
	m.mu.Lock()
	m.claims = claims
	m.mu.Unlock()
}

// Claim atomically claims every device in names for owner, all-or-nothing.
// Returns DeviceBusy-shaped error naming the first conflicting device.
func (m *Manager) Claim(owner string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		if existing, ok := m.claims[name]; ok && existing != owner {
			return &BusyError{Device: name, Owner: existing}
		}
	}
	for _, name := range names {
		m.claims[name] = owner
	}
	return nil
}

// Release frees every device in names, regardless of current owner. Safe
// to call on devices that were never claimed, since zone destruction must
// be retry-safe.
func (m *Manager) Release(names []string) {
	if len(names) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		delete(m.claims, name)
	}
}

// ReleaseOwner frees every device currently held by owner.
func (m *Manager) ReleaseOwner(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, o := range m.claims {
		if o == owner {
			delete(m.claims, name)
		}
	}
}

// List returns the claim state of every device named in known, sorted by
// name, for the ListDevices control surface operation.
func (m *Manager) List(known []string) []types.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Device, 0, len(known))
	for _, name := range known {
		d := types.Device{Name: name}
		if owner, ok := m.claims[name]; ok {
			d.Claimed = true
			d.Owner = owner
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BusyError reports that a device is already claimed by another zone.
type BusyError struct {
	Device string
	Owner  string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device %q already claimed by zone %s", e.Device, e.Owner)
}
