package gc

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/lock/flock"
	"github.com/zonelabs/zoned/utils"
)

// overlaySnapshot is the zone UUIDs with a per-guest overlay image file
// currently on disk.
type overlaySnapshot struct {
	uuids []string
}

const overlayExt = ".img"

// NewOverlayModule builds the GC module for per-zone overlay image files. A
// zone's overlay file is only ever written while the zone record exists; the
// reconciler removes the record on destroy but not the overlay file, and
// this module deletes every overlay file whose zone record is gone.
func NewOverlayModule(conf *config.Config) Module[*overlaySnapshot] {
	dir := filepath.Join(conf.RootDir, "overlay")
	return Module[*overlaySnapshot]{
		Name:   "overlay",
		Locker: flock.New(filepath.Join(conf.RootDir, "gc-overlay.lock")),
		ReadDB: func(context.Context) (*overlaySnapshot, error) {
			return &overlaySnapshot{uuids: utils.ScanFileStems(dir, overlayExt)}, nil
		},
		Resolve: func(snap *overlaySnapshot, others map[string]any) []string {
			refs, ok := others[zoneRefsModuleName].(*zoneRefs)
			if !ok {
				return nil
			}
			return utils.FilterUnreferenced(snap.uuids, refs.zoneUUIDs)
		},
		Collect: func(ctx context.Context, ids []string) error {
			return collectOverlayFiles(ctx, dir, ids)
		},
	}
}

func collectOverlayFiles(ctx context.Context, dir string, uuids []string) error {
	stale := make(map[string]struct{}, len(uuids))
	for _, id := range uuids {
		stale[id] = struct{}{}
	}
	errs := utils.RemoveMatching(ctx, dir, func(e os.DirEntry) bool {
		name := e.Name()
		if !strings.HasSuffix(name, overlayExt) {
			return false
		}
		_, match := stale[strings.TrimSuffix(name, overlayExt)]
		return match
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
