package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/lock/flock"
	"github.com/zonelabs/zoned/types"
)

// ZoneIndex is the top-level gob-encoded structure of zone.db.
type ZoneIndex struct {
	Zones map[string]*types.Zone
}

// Init implements Initer.
func (idx *ZoneIndex) Init() {
	if idx.Zones == nil {
		idx.Zones = make(map[string]*types.Zone)
	}
}

// Zones is the Record Store's zone-record API:
// read(uuid) -> record?, list() -> map, update(uuid, record), remove(uuid).
type Zones struct {
	store Store[ZoneIndex]
}

// NewZones opens the zone Record Store at conf.ZoneDBFile().
func NewZones(conf *config.Config) *Zones {
	locker := flock.New(conf.ZoneDBLock())
	return &Zones{store: NewFileStore[ZoneIndex](locker, conf.ZoneDBFile(), GobCodec[ZoneIndex]{})}
}

// Read returns a detached copy of the zone record, or (nil, nil) if absent.
func (z *Zones) Read(ctx context.Context, id uuid.UUID) (*types.Zone, error) {
	var result *types.Zone
	err := z.store.With(ctx, func(idx *ZoneIndex) error {
		if rec, ok := idx.Zones[id.String()]; ok {
			result = rec.Clone()
		}
		return nil
	})
	return result, err
}

// List returns detached copies of every zone record, keyed by UUID string.
func (z *Zones) List(ctx context.Context) (map[string]*types.Zone, error) {
	result := make(map[string]*types.Zone)
	err := z.store.With(ctx, func(idx *ZoneIndex) error {
		for id, rec := range idx.Zones {
			result[id] = rec.Clone()
		}
		return nil
	})
	return result, err
}

// ResolveName maps a zone's spec.Name to its UUID. Returns ("", nil) when no
// zone has that name.
func (z *Zones) ResolveName(ctx context.Context, name string) (string, error) {
	var result string
	err := z.store.With(ctx, func(idx *ZoneIndex) error {
		for id, rec := range idx.Zones {
			if rec.Spec.Name == name {
				result = id
				return nil
			}
		}
		return nil
	})
	return result, err
}

// Update performs a read-modify-write on a single zone record under the
// store's lock. fn receives the current record (nil if absent) and returns
// the record to persist; returning nil deletes it. Writes to the same UUID
// are serialized by the store; cross-UUID ordering is unspecified.
func (z *Zones) Update(ctx context.Context, id uuid.UUID, fn func(*types.Zone) (*types.Zone, error)) error {
	return z.store.Update(ctx, func(idx *ZoneIndex) error {
		cur := idx.Zones[id.String()]
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			delete(idx.Zones, id.String())
			return nil
		}
		if cur != nil && cur.Spec.Image != next.Spec.Image {
			return fmt.Errorf("zone %s: spec is immutable after creation", id)
		}
		idx.Zones[id.String()] = next
		return nil
	})
}

// Remove deletes a zone record unconditionally. Idempotent.
func (z *Zones) Remove(ctx context.Context, id uuid.UUID) error {
	return z.store.Update(ctx, func(idx *ZoneIndex) error {
		delete(idx.Zones, id.String())
		return nil
	})
}
