// mkexfat formats a disk image or block device as exFAT.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/salass00/exfat/diskio"
	"github.com/salass00/exfat/mkfs"
)

func main() {
	app := cli.App{
		Name:      "mkexfat",
		Usage:     "Create an exFAT filesystem",
		ArgsUsage: "DEVICE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "label",
				Aliases: []string{"n"},
				Usage:   "volume label",
			},
			&cli.IntFlag{
				Name:    "spc-bits",
				Aliases: []string{"s"},
				Usage:   "log2 of sectors per cluster (negative chooses automatically)",
				Value:   -1,
			},
			&cli.UintFlag{
				Name:  "serial",
				Usage: "volume serial number (0 derives one from the clock)",
			},
			&cli.UintFlag{
				Name:  "sector-size",
				Usage: "device sector size in bytes",
				Value: 512,
			},
		},
		Action: formatAction,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func formatAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowAppHelp(ctx)
	}

	serial := uint32(ctx.Uint("serial"))
	if serial == 0 {
		now := time.Now()
		serial = uint32(now.Unix())<<20 | uint32(now.Nanosecond()/1000)&0xfffff
	}

	dev, err := diskio.OpenFileDevice(ctx.Args().First(), uint32(ctx.Uint("sector-size")), false)
	if err != nil {
		return err
	}

	err = mkfs.Format(dev, mkfs.Params{
		SpcBits:      ctx.Int("spc-bits"),
		Label:        ctx.String("label"),
		VolumeSerial: serial,
	})
	if err != nil {
		return err
	}

	totalBytes := dev.SectorCount() * uint64(dev.SectorSize())
	fmt.Printf("formatted %s volume, serial 0x%08x\n",
		humanize.IBytes(totalBytes), serial)
	return nil
}
