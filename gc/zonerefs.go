package gc

import (
	"context"

	"github.com/zonelabs/zoned/store"
)

// zoneRefs is the set of resource identifiers still referenced by a live
// zone record, read once per GC cycle and shared with the image-cache and
// overlay modules via cross-module Resolve analysis.
type zoneRefs struct {
	imageDigests map[string]struct{}
	zoneUUIDs    map[string]struct{}
}

// zoneRefsModuleName is the key other modules look this snapshot up by in
// their Resolve's "others" map.
const zoneRefsModuleName = "zonerefs"

// newZoneRefsModule builds the reference-snapshot module. It never deletes
// anything itself (Resolve always returns nil, Collect is a no-op); it
// exists purely to hand the image-cache and overlay modules the live set of
// referenced digests and zone UUIDs.
func newZoneRefsModule(zones *store.Zones) Module[*zoneRefs] {
	return Module[*zoneRefs]{
		Name:   zoneRefsModuleName,
		Locker: alwaysLocker{},
		ReadDB: func(ctx context.Context) (*zoneRefs, error) {
			all, err := zones.List(ctx)
			if err != nil {
				return nil, err
			}
			refs := &zoneRefs{
				imageDigests: make(map[string]struct{}, len(all)),
				zoneUUIDs:    make(map[string]struct{}, len(all)),
			}
			for id, z := range all {
				refs.zoneUUIDs[id] = struct{}{}
				if z.Status.ImageDigest != "" {
					refs.imageDigests[z.Status.ImageDigest] = struct{}{}
				}
			}
			return refs, nil
		},
		Resolve: func(*zoneRefs, map[string]any) []string { return nil },
		Collect: func(context.Context, []string) error { return nil },
	}
}
