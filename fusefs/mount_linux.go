//go:build linux

package fusefs

import (
	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/salass00/exfat"
)

// Mount serves the engine at mountpoint until the kernel unmounts it.
// Recognized passthrough options from the engine's option string become
// FUSE mount options.
func Mount(mountpoint string, vol *exfat.FileSystem, opts exfat.Options) error {
	mountOpts := []fuse.MountOption{
		fuse.Subtype("exfat"),
	}
	if opts.ReadOnly || vol.ReadOnly() {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}
	for _, opt := range opts.Passthrough {
		switch {
		case opt == "allow_other":
			mountOpts = append(mountOpts, fuse.AllowOther())
		case len(opt) > 7 && opt[:7] == "fsname=":
			mountOpts = append(mountOpts, fuse.FSName(opt[7:]))
		}
	}
	if label := vol.Label(); label != "" {
		mountOpts = append(mountOpts, fuse.VolumeName(label))
	}

	conn, err := fuse.Mount(mountpoint, mountOpts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fs.Serve(conn, New(vol))
}
