// exfatls lists the contents of an exFAT volume without mounting it.
package main

import (
	"fmt"
	"log"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/salass00/exfat"
	"github.com/salass00/exfat/diskio"
)

func main() {
	app := cli.App{
		Name:      "exfatls",
		Usage:     "List the contents of an exFAT volume",
		ArgsUsage: "DEVICE [PATH]",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "sector-size",
				Usage: "device sector size in bytes",
				Value: 512,
			},
		},
		Action: listAction,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func listAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.ShowAppHelp(ctx)
	}

	dev, err := diskio.OpenFileDevice(ctx.Args().First(), uint32(ctx.Uint("sector-size")), true)
	if err != nil {
		return err
	}
	vol, err := exfat.Mount(dev, exfat.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer vol.Unmount()

	start := "/"
	if ctx.NArg() > 1 {
		start = ctx.Args().Get(1)
	}

	if label := vol.Label(); label != "" {
		fmt.Printf("volume label: %s\n", label)
	}
	stat := vol.StatFS()
	fmt.Printf("%s free of %s\n\n",
		humanize.IBytes(stat.BlocksFree*uint64(stat.BlockSize)),
		humanize.IBytes(stat.TotalBlocks*uint64(stat.BlockSize)))

	return listTree(vol, start)
}

func listTree(vol *exfat.FileSystem, dirPath string) error {
	dir, err := vol.Lookup(dirPath)
	if err != nil {
		return err
	}
	defer vol.PutNode(dir)

	it, err := vol.OpenDir(dir)
	if err != nil {
		return err
	}
	defer it.Close()

	var subdirs []string
	for {
		child, err := it.Next()
		if err != nil {
			return err
		}
		if child == nil {
			break
		}

		full := path.Join(dirPath, child.Name())
		if child.IsDir() {
			fmt.Printf("%10s  %s/\n", "", full)
			subdirs = append(subdirs, full)
		} else {
			fmt.Printf("%10s  %s\n", humanize.IBytes(uint64(child.Size())), full)
		}
		vol.PutNode(child)
	}

	for _, sub := range subdirs {
		if err := listTree(vol, sub); err != nil {
			return err
		}
	}
	return nil
}
