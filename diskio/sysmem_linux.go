//go:build linux

package diskio

import "golang.org/x/sys/unix"

// freeMemoryBytes returns the amount of free physical memory, used to bound
// the cache so it never claims more than a sliver of the machine.
func freeMemoryBytes() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fallbackFreeMemory
	}
	return uint64(info.Freeram) * uint64(info.Unit)
}
