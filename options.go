package exfat

import (
	"fmt"
	"strconv"
	"strings"

	fserrors "github.com/salass00/exfat/errors"
)

// Options are the mount options understood by the engine. Options the engine
// does not recognize are collected in Passthrough for the host shim; the
// shim-only options the original mount tool always forwards (allow_other,
// blkdev, big_writes, default_permissions, fsname, blksize, ...) land there
// too.
type Options struct {
	// ReadOnly mounts the volume read-only.
	ReadOnly bool
	// ReadOnlyFallback downgrades to read-only when the device is
	// write-protected (which otherwise fails the mount) or the volume is
	// marked dirty (which otherwise mounts read/write with a warning).
	ReadOnlyFallback bool
	// NoAtime suppresses access-time updates on reads.
	NoAtime bool

	// Uid and Gid are reported as the owner of every object; exFAT stores
	// no ownership of its own.
	Uid uint32
	Gid uint32
	// FMask and DMask are permission masks subtracted from 0777 when
	// reporting file and directory modes.
	FMask uint32
	DMask uint32

	// Passthrough holds unrecognized options verbatim, in order.
	Passthrough []string
}

// ParseOptions parses a comma-separated mount option string. An empty string
// yields the zero Options.
func ParseOptions(spec string) (Options, error) {
	var opts Options

	for _, raw := range strings.Split(spec, ",") {
		if raw == "" {
			continue
		}
		name, value, hasValue := strings.Cut(raw, "=")

		switch name {
		case "ro":
			opts.ReadOnly = true
		case "rw":
			opts.ReadOnly = false
		case "ro_fallback":
			opts.ReadOnlyFallback = true
		case "noatime":
			opts.NoAtime = true
		case "uid", "gid":
			n, err := parseOptionUint(name, value, hasValue, 10)
			if err != nil {
				return opts, err
			}
			if name == "uid" {
				opts.Uid = n
			} else {
				opts.Gid = n
			}
		case "umask", "fmask", "dmask":
			n, err := parseOptionUint(name, value, hasValue, 8)
			if err != nil {
				return opts, err
			}
			if name == "umask" || name == "fmask" {
				opts.FMask = n
			}
			if name == "umask" || name == "dmask" {
				opts.DMask = n
			}
		default:
			opts.Passthrough = append(opts.Passthrough, raw)
		}
	}
	return opts, nil
}

func parseOptionUint(name, value string, hasValue bool, base int) (uint32, error) {
	if !hasValue {
		return 0, fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("mount option %q requires a value", name))
	}
	n, err := strconv.ParseUint(value, base, 32)
	if err != nil {
		return 0, fserrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("mount option %q has invalid value %q", name, value))
	}
	return uint32(n), nil
}

// String reassembles the options, passthrough included, into the
// comma-separated form the shim expects.
func (opts Options) String() string {
	var parts []string
	if opts.ReadOnly {
		parts = append(parts, "ro")
	}
	if opts.ReadOnlyFallback {
		parts = append(parts, "ro_fallback")
	}
	if opts.NoAtime {
		parts = append(parts, "noatime")
	}
	if opts.Uid != 0 {
		parts = append(parts, fmt.Sprintf("uid=%d", opts.Uid))
	}
	if opts.Gid != 0 {
		parts = append(parts, fmt.Sprintf("gid=%d", opts.Gid))
	}
	if opts.FMask != 0 {
		parts = append(parts, fmt.Sprintf("fmask=%03o", opts.FMask))
	}
	if opts.DMask != 0 {
		parts = append(parts, fmt.Sprintf("dmask=%03o", opts.DMask))
	}
	parts = append(parts, opts.Passthrough...)
	return strings.Join(parts, ",")
}
