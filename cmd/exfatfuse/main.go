// exfatfuse mounts an exFAT volume through FUSE.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/salass00/exfat"
	"github.com/salass00/exfat/diskio"
	"github.com/salass00/exfat/fusefs"
)

// defaultOptions mirrors the option set the original mount tool always
// starts from.
const defaultOptions = "ro_fallback,allow_other,blkdev,big_writes,default_permissions"

func main() {
	app := cli.App{
		Name:      "exfatfuse",
		Usage:     "Mount an exFAT volume",
		ArgsUsage: "DEVICE MOUNTPOINT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "options",
				Aliases: []string{"o"},
				Usage:   "comma-separated mount options",
			},
			&cli.UintFlag{
				Name:  "sector-size",
				Usage: "device sector size in bytes",
				Value: 512,
			},
		},
		Action: mountAction,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func mountAction(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowAppHelp(ctx)
	}
	devicePath := ctx.Args().Get(0)
	mountpoint := ctx.Args().Get(1)

	spec := defaultOptions
	if extra := ctx.String("options"); extra != "" {
		spec = spec + "," + extra
	}
	opts, err := exfat.ParseOptions(spec)
	if err != nil {
		return err
	}

	dev, err := diskio.OpenFileDevice(devicePath, uint32(ctx.Uint("sector-size")), opts.ReadOnly)
	if err != nil {
		return err
	}

	vol, err := exfat.Mount(dev, opts)
	if err != nil {
		return err
	}
	defer vol.Unmount()

	if vol.ReadOnlyFallback() {
		fmt.Fprintln(os.Stderr, "warning: mounted read-only")
	}
	return fusefs.Mount(mountpoint, vol, opts)
}
