//go:build !linux

package fusefs

import (
	"fmt"

	"github.com/salass00/exfat"
)

func Mount(mountpoint string, vol *exfat.FileSystem, opts exfat.Options) error {
	return fmt.Errorf("FUSE mounting is only supported on Linux")
}
