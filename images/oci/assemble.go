package oci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/core/log"

	"github.com/zonelabs/zoned/errkind"
	"github.com/zonelabs/zoned/progress"
	"github.com/zonelabs/zoned/types"
)

// whiteoutOpaque and whiteoutPrefix are the OCI layer whiteout markers.
const (
	whiteoutOpaque = ".wh..wh..opq"
	whiteoutPrefix = ".wh."
)

// assembleAndPack downloads every layer concurrently, unpacks them in
// manifest order applying OCI whiteout rules, and serializes the result
// into the target format. Runs inside the packer's single-flight task.
func (p *Packer) assembleAndPack(ctx context.Context, img v1.Image, digest types.Digest, format types.Format, tracker progress.Tracker) (*types.PackedImage, error) {
	logger := log.WithFunc("oci.assembleAndPack")

	rawConfig, err := img.RawConfigFile()
	if err != nil {
		return nil, errkind.Wrap(errkind.ImageFetchFailed, err, "read image config")
	}
	tracker.OnEvent(types.PullProgress{Phase: types.PhaseConfigDownload})

	layers, err := img.Layers()
	if err != nil {
		return nil, errkind.Wrap(errkind.ImageFetchFailed, err, "list layers")
	}
	if len(layers) == 0 {
		return nil, errkind.New(errkind.ImageFetchFailed, "image has no layers")
	}

	workDir, err := os.MkdirTemp(p.conf.TempDir(), "pull-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	tracker.OnEvent(types.PullProgress{Phase: types.PhaseLayerDownload, Layers: make([]types.LayerProgress, len(layers))})

	layerDirs := make([]string, len(layers))
	limit := p.conf.PoolSize
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, layer := range layers {
		i, layer := i, layer
		g.Go(func() error {
			dir := filepath.Join(workDir, fmt.Sprintf("layer-%d", i))
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("layer %d: create dir: %w", i, err)
			}
			if err := downloadLayer(gctx, layer, dir); err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			layerDirs[i] = dir
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errkind.Wrap(errkind.ImageFetchFailed, err, "download layers")
	}

	tracker.OnEvent(types.PullProgress{Phase: types.PhaseAssemble})
	stagingDir := filepath.Join(workDir, "staging")
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	for i, dir := range layerDirs {
		if err := applyLayer(dir, stagingDir); err != nil {
			return nil, errkind.Wrap(errkind.ImageFetchFailed, err, fmt.Sprintf("apply layer %d", i))
		}
	}

	tracker.OnEvent(types.PullProgress{Phase: types.PhasePack})
	outPath := p.conf.PackedImagePath(digest.Hex(), format.Ext())
	if err := pack(ctx, stagingDir, format, outPath); err != nil {
		return nil, errkind.Wrap(errkind.ImagePackFailed, err, "pack "+string(format))
	}

	manifest, err := img.RawManifest()
	if err != nil {
		return nil, errkind.Wrap(errkind.ImagePackFailed, err, "read raw manifest")
	}
	if err := os.WriteFile(p.conf.PackedManifestPath(digest.Hex()), manifest, 0o640); err != nil { //nolint:gosec
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := os.WriteFile(p.conf.PackedConfigPath(digest.Hex()), rawConfig, 0o640); err != nil { //nolint:gosec
		return nil, fmt.Errorf("write config: %w", err)
	}

	logger.Infof(ctx, "packed %s as %s -> %s", digest, format, outPath)
	tracker.OnEvent(types.PullProgress{Phase: types.PhaseComplete, Overall: 1})
	return &types.PackedImage{
		Digest:   digest,
		Format:   format,
		Path:     outPath,
		Manifest: manifest,
		Config:   rawConfig,
	}, nil
}

// downloadLayer streams layer's uncompressed tar contents out onto disk at
// destDir, preserving the tar's entry names so applyLayer can reason about
// whiteout markers against real paths.
func downloadLayer(ctx context.Context, layer v1.Layer, destDir string) error {
	// DiffID, not Digest: Digest identifies the compressed blob as stored in
	// the registry; DiffID identifies the uncompressed content we're about
	// to extract, so a mismatch here means the layer's content doesn't match
	// its declared digest.
	wantDiffID, err := layer.DiffID()
	if err != nil {
		return fmt.Errorf("read layer diffID: %w", err)
	}

	rc, err := layer.Uncompressed()
	if err != nil {
		return fmt.Errorf("open layer stream: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	h := sha256.New()
	tee := io.TeeReader(rc, h)
	if err := extractTar(ctx, tee, destDir); err != nil {
		return err
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != wantDiffID.Hex {
		return errkind.New(errkind.ImageFetchFailed,
			fmt.Sprintf("layer digest mismatch: want %s got sha256:%s", wantDiffID, got))
	}
	return nil
}

// applyLayer materializes one layer directory into staging, honoring OCI
// whiteout semantics: ".wh..wh..opq" clears the containing directory of
// prior entries; ".wh.<name>" deletes <name> and is not itself materialized.
func applyLayer(layerDir, stagingDir string) error {
	return filepath.Walk(layerDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(layerDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		dstRel := rel
		dstDir := filepath.Dir(filepath.Join(stagingDir, rel))

		switch {
		case base == whiteoutOpaque:
			opaqueDir := filepath.Join(stagingDir, filepath.Dir(rel))
			entries, rerr := os.ReadDir(opaqueDir)
			if rerr != nil && !os.IsNotExist(rerr) {
				return rerr
			}
			for _, e := range entries {
				if rmErr := os.RemoveAll(filepath.Join(opaqueDir, e.Name())); rmErr != nil {
					return rmErr
				}
			}
			return nil
		case strings.HasPrefix(base, whiteoutPrefix):
			target := filepath.Join(stagingDir, filepath.Dir(rel), strings.TrimPrefix(base, whiteoutPrefix))
			if rmErr := os.RemoveAll(target); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			return nil
		}

		dst := filepath.Join(stagingDir, dstRel)
		if info.IsDir() {
			return os.MkdirAll(dst, info.Mode().Perm()|0o700)
		}
		if err := os.MkdirAll(dstDir, 0o750); err != nil {
			return err
		}
		return copyFile(path, dst, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // internal staging path
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	_ = os.Remove(dst)                                                                  // overwrite-in-place semantics across layers
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()|0o600) //nolint:gosec
	if err != nil {
		return err
	}
	defer out.Close() //nolint:errcheck

	_, err = io.Copy(out, in)
	return err
}
