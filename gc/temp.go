package gc

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/lock/flock"
	"github.com/zonelabs/zoned/utils"
)

// tempSnapshot is the set of subdirectory names currently under the
// Packer's temp directory.
type tempSnapshot struct {
	names []string
}

// NewTempModule builds the GC module for the Packer's scratch directory. A
// pull that crashes mid-assembly leaves its "pull-*" work directory behind;
// this module reclaims any subdirectory older than utils.StaleTempAge
// without consulting any other module's snapshot.
func NewTempModule(conf *config.Config) Module[*tempSnapshot] {
	dir := conf.TempDir()
	return Module[*tempSnapshot]{
		Name:   "temp",
		Locker: flock.New(filepath.Join(conf.RootDir, "gc-temp.lock")),
		ReadDB: func(context.Context) (*tempSnapshot, error) {
			return &tempSnapshot{names: utils.ScanSubdirs(dir)}, nil
		},
		Resolve: func(snap *tempSnapshot, _ map[string]any) []string {
			var stale []string
			cutoff := time.Now().Add(-utils.StaleTempAge)
			for _, name := range snap.names {
				info, err := os.Stat(filepath.Join(dir, name))
				if err != nil || info.ModTime().Before(cutoff) {
					stale = append(stale, name)
				}
			}
			return stale
		},
		Collect: func(ctx context.Context, ids []string) error {
			stale := make(map[string]struct{}, len(ids))
			for _, id := range ids {
				stale[id] = struct{}{}
			}
			errs := utils.RemoveMatching(ctx, dir, func(e os.DirEntry) bool {
				_, match := stale[e.Name()]
				return e.IsDir() && match
			})
			if len(errs) > 0 {
				return errs[0]
			}
			return nil
		},
	}
}
