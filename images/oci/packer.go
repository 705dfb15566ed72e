// Package oci implements the OCI Packer Service: a
// content-addressed, single-flight pipeline that turns an image reference
// into a mountable read-only filesystem image, cached on disk under
// (manifest digest, format).
package oci

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"golang.org/x/sync/singleflight"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/config"
	"github.com/zonelabs/zoned/errkind"
	"github.com/zonelabs/zoned/progress"
	"github.com/zonelabs/zoned/types"
	"github.com/zonelabs/zoned/utils"
)

// PullRequest is the input to Pull.
type PullRequest struct {
	ImageRef       string
	Format         types.Format
	OverwriteCache bool
}

// Packer turns OCI references into packed, cached filesystem images.
type Packer struct {
	conf *config.Config
	sf   singleflight.Group
}

// New creates a Packer rooted at conf.CacheDir()/conf.TempDir().
func New(conf *config.Config) *Packer {
	return &Packer{conf: conf}
}

// resolveResult is what concurrent Pull callers for the same image
// reference share out of one coalesced resolve call.
type resolveResult struct {
	ref      string
	img      v1.Image
	manifest v1.Hash
}

// Pull resolves req.ImageRef, and assembles+packs it into req.Format if not
// already cached (or if OverwriteCache is set). Concurrent requests for the
// same image reference share one in-flight registry fetch, and concurrent
// requests for the same resolved (digest, format) share one in-flight
// assemble+pack task. tracker receives the events of the phases this call
// runs itself; a call that joins an assemble+pack task another caller
// started receives no events for that task's phases.
func (p *Packer) Pull(ctx context.Context, req PullRequest, tracker progress.Tracker) (*types.PackedImage, error) {
	if tracker == nil {
		tracker = progress.Nop
	}
	logger := log.WithFunc("oci.Pull")
	tracker.OnEvent(types.PullProgress{Phase: types.PhaseStarted})

	tracker.OnEvent(types.PullProgress{Phase: types.PhaseResolving})
	rv, err, _ := p.sf.Do("resolve:"+req.ImageRef, func() (any, error) {
		ref, img, manifest, err := p.resolve(ctx, req.ImageRef)
		if err != nil {
			return nil, err
		}
		return resolveResult{ref: ref, img: img, manifest: manifest}, nil
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.ImageResolveFailed, err, "resolve "+req.ImageRef)
	}
	rr := rv.(resolveResult)
	digest := types.NewDigest(rr.manifest.Hex)
	tracker.OnEvent(types.PullProgress{Phase: types.PhaseResolved})

	if !req.OverwriteCache {
		if cached, ok := p.readCache(digest, req.Format); ok {
			logger.Infof(ctx, "cache hit for %s (%s, %s)", rr.ref, digest, req.Format)
			tracker.OnEvent(types.PullProgress{Phase: types.PhaseComplete})
			return cached, nil
		}
	}

	key := "pack:" + digest.Hex() + ":" + string(req.Format)
	v, err, _ := p.sf.Do(key, func() (any, error) {
		return p.assembleAndPack(ctx, rr.img, digest, req.Format, tracker)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.PackedImage), nil
}

// resolve queries the registry for img's manifest, following one level of
// a multi-arch index using the configured platform, tie-breaking on the
// first matching entry.
func (p *Packer) resolve(ctx context.Context, imageRef string) (string, v1.Image, v1.Hash, error) {
	parsed, err := name.ParseReference(imageRef)
	if err != nil {
		return "", nil, v1.Hash{}, fmt.Errorf("invalid image reference %q: %w", imageRef, err)
	}

	platformOS, platformArch := p.conf.PlatformOS, p.conf.PlatformArch
	if platformOS == "" {
		platformOS = runtime.GOOS
	}
	if platformArch == "" {
		platformArch = runtime.GOARCH
	}

	img, err := remote.Image(parsed,
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithContext(ctx),
		remote.WithPlatform(v1.Platform{OS: platformOS, Architecture: platformArch}),
	)
	if err != nil {
		return "", nil, v1.Hash{}, fmt.Errorf("fetch manifest %s: %w", parsed, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return "", nil, v1.Hash{}, fmt.Errorf("read digest: %w", err)
	}
	return parsed.String(), img, digest, nil
}

// readCache reports whether (digest, format) already has a complete cache
// entry on disk, and if so returns it.
func (p *Packer) readCache(digest types.Digest, format types.Format) (*types.PackedImage, bool) {
	imgPath := p.conf.PackedImagePath(digest.Hex(), format.Ext())
	manifestPath := p.conf.PackedManifestPath(digest.Hex())
	configPath := p.conf.PackedConfigPath(digest.Hex())

	if !utils.ValidFile(imgPath) || !utils.ValidFile(manifestPath) || !utils.ValidFile(configPath) {
		return nil, false
	}
	manifest, err := os.ReadFile(manifestPath) //nolint:gosec // internal cache path
	if err != nil {
		return nil, false
	}
	cfg, err := os.ReadFile(configPath) //nolint:gosec // internal cache path
	if err != nil {
		return nil, false
	}
	return &types.PackedImage{
		Digest:   digest,
		Format:   format,
		Path:     imgPath,
		Manifest: manifest,
		Config:   cfg,
	}, true
}
