package gc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/lock/flock"
	"github.com/zonelabs/zoned/utils"
)

// imageCacheSnapshot is the packed-image digests (hex, no algorithm prefix)
// currently present in the OCI Packer's cache directory.
type imageCacheSnapshot struct {
	digests []string
}

// NewImageCacheModule builds the GC module for the OCI Packer's cache
// directory. A cached digest is stale when no live zone's
// Status.ImageDigest references it.
func NewImageCacheModule(conf *config.Config) Module[*imageCacheSnapshot] {
	return Module[*imageCacheSnapshot]{
		Name:   "images",
		Locker: flock.New(filepath.Join(conf.RootDir, "gc-images.lock")),
		ReadDB: func(context.Context) (*imageCacheSnapshot, error) {
			return readImageCacheSnapshot(conf.CacheDir())
		},
		Resolve: func(snap *imageCacheSnapshot, others map[string]any) []string {
			refs, ok := others[zoneRefsModuleName].(*zoneRefs)
			if !ok {
				return nil // zonerefs snapshot unavailable this cycle: be conservative
			}
			return utils.FilterUnreferenced(snap.digests, refs.imageDigests)
		},
		Collect: func(ctx context.Context, ids []string) error {
			return collectImageCache(ctx, conf.CacheDir(), ids)
		},
	}
}

// readImageCacheSnapshot scans dir for packed-image cache entries, keyed by
// the digest hex prefix every per-digest file (<digest>.<ext>,
// <digest>.manifest.json, <digest>.config.json) shares.
func readImageCacheSnapshot(dir string) (*imageCacheSnapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &imageCacheSnapshot{}, nil
		}
		return nil, fmt.Errorf("read cache dir %s: %w", dir, err)
	}

	seen := make(map[string]struct{})
	var digests []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		digest, _, ok := strings.Cut(e.Name(), ".")
		if !ok || digest == "" {
			continue
		}
		if _, dup := seen[digest]; dup {
			continue
		}
		seen[digest] = struct{}{}
		digests = append(digests, digest)
	}
	return &imageCacheSnapshot{digests: digests}, nil
}

// collectImageCache removes every file in dir whose name starts with one of
// digests followed by a '.', covering the image/manifest/config triple a
// single cache entry is made of.
func collectImageCache(ctx context.Context, dir string, digests []string) error {
	if len(digests) == 0 {
		return nil
	}
	stale := make(map[string]struct{}, len(digests))
	for _, d := range digests {
		stale[d] = struct{}{}
	}
	errs := utils.RemoveMatching(ctx, dir, func(e os.DirEntry) bool {
		digest, _, ok := strings.Cut(e.Name(), ".")
		if !ok {
			return false
		}
		_, match := stale[digest]
		return match
	})
	if len(errs) > 0 {
		return fmt.Errorf("remove cache entries: %s", errs[0])
	}
	return nil
}
