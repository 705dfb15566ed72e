package zoneinit

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/zonelabs/zoned/types"
)

// rootDevice is the block device the Hypervisor Driver attaches the
// zone's packed root image to (types.DomainSpec.Disks[0] in the
// reconciler's domain build). Device naming belongs to the driver layer;
// this is the one fixed convention the guest and the driver's disk
// ordering must agree on.
const rootDevice = "/dev/xvda"

// rootMountpoint is where the root image is mounted before the rest of
// the guest's directory tree (proc/sys/dev) is attached under it.
const rootMountpoint = "/mnt/root"

// mountLaunchDocument mounts the zone's root image per its format, then the
// standard pseudo-filesystems a guest command expects to find.
func mountLaunchDocument(doc *types.LaunchDocument) error {
	if err := os.MkdirAll(rootMountpoint, 0o755); err != nil { //nolint:mnd
		return fmt.Errorf("create mountpoint: %w", err)
	}
	if err := mountRoot(doc.Root); err != nil {
		return fmt.Errorf("mount root image: %w", err)
	}
	return mountDefaults(rootMountpoint)
}

// mountRoot mounts rootDevice at rootMountpoint using the filesystem type
// implied by format (squashfs and erofs are both recognized in-kernel
// types; tar images are unpacked by the packer, not mounted, so they are
// bind-mounted as a plain directory image instead).
func mountRoot(format types.Format) error {
	switch format {
	case types.FormatSquashfs:
		return unix.Mount(rootDevice, rootMountpoint, "squashfs", unix.MS_RDONLY, "")
	case types.FormatEROFS:
		return unix.Mount(rootDevice, rootMountpoint, "erofs", unix.MS_RDONLY, "")
	case types.FormatTar:
		return unix.Mount(rootDevice, rootMountpoint, "", unix.MS_BIND|unix.MS_RDONLY, "")
	default:
		return fmt.Errorf("unsupported root image format %q", format)
	}
}

// mountDefaults attaches proc, sysfs and a tmpfs /dev under root, matching
// what any command expecting a normal Linux environment needs.
func mountDefaults(root string) error {
	mounts := []struct {
		source, target, fstype string
		flags                  uintptr
		data                   string
	}{
		{"proc", "proc", "proc", unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV, ""},
		{"tmpfs", "dev", "tmpfs", unix.MS_NOEXEC | unix.MS_STRICTATIME, "mode=755"},
		{"sysfs", "sys", "sysfs", unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_NODEV | unix.MS_RDONLY, ""},
	}

	for _, m := range mounts {
		target := filepath.Join(root, m.target)
		if err := os.MkdirAll(target, 0o755); err != nil { //nolint:mnd
			return fmt.Errorf("create %s: %w", target, err)
		}
		if err := unix.Mount(m.source, target, m.fstype, m.flags, m.data); err != nil {
			return fmt.Errorf("mount %s: %w", target, err)
		}
	}
	return nil
}
