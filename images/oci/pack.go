package oci

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/zonelabs/zoned/types"
)

const (
	erofsBlockSize   = 16384
	erofsCompression = "lz4hc"
)

// pack serializes stagingDir into the target format at a temp path inside
// the same cache directory as outPath, then atomically renames it into
// place.
func pack(ctx context.Context, stagingDir string, format types.Format, outPath string) error {
	tmpPath := outPath + ".tmp-" + uuid.NewString()
	defer os.Remove(tmpPath) //nolint:errcheck

	var err error
	switch format {
	case types.FormatTar:
		err = packTar(stagingDir, tmpPath)
	case types.FormatSquashfs:
		err = packSquashfs(ctx, stagingDir, tmpPath)
	case types.FormatEROFS:
		err = packEROFS(ctx, stagingDir, tmpPath)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return os.Rename(tmpPath, outPath)
}

// packTar walks stagingDir into a plain tar file. Self-contained (stdlib
// only) since no pack library offers OCI-rootfs-to-tar repackaging; it's
// the reverse of extractTar.
func packTar(stagingDir, outPath string) error {
	//nolint:gosec // internal cache path
	f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", outPath, err)
	}
	defer f.Close() //nolint:errcheck

	tw := tar.NewWriter(f)
	defer tw.Close() //nolint:errcheck

	return filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil || rel == "." {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		//nolint:gosec // internal staging path
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close() //nolint:errcheck
		_, err = io.Copy(tw, in)
		return err
	})
}

// packSquashfs shells out to mksquashfs, which already performs OCI-style
// directory-to-block-image packing; no library in the pack replaces it.
func packSquashfs(ctx context.Context, stagingDir, outPath string) error {
	cmd := exec.CommandContext(ctx, "mksquashfs", stagingDir, outPath, //nolint:gosec // fixed args, controlled paths
		"-noappend", "-no-progress", "-comp", "lz4")
	return runCapturingOutput(cmd, "mksquashfs")
}

// packEROFS shells out to mkfs.erofs against stagingDir directly.
func packEROFS(ctx context.Context, stagingDir, outPath string) error {
	cmd := exec.CommandContext(ctx, "mkfs.erofs", //nolint:gosec // fixed args, controlled paths
		fmt.Sprintf("-z%s", erofsCompression),
		fmt.Sprintf("-C%d", erofsBlockSize),
		"-T0",
		"-U", uuid.NewString(),
		outPath,
		stagingDir,
	)
	return runCapturingOutput(cmd, "mkfs.erofs")
}

func runCapturingOutput(cmd *exec.Cmd, name string) error {
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w (output: %s)", name, err, out.String())
	}
	return nil
}
