package main

import (
	"fmt"
	"log"
	"os"

	"github.com/dargueta/vvfat"
	"github.com/dargueta/vvfat/image"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Usage: "Present a directory as a virtual FAT disk image",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "size",
				Usage: "1474560 selects a floppy image; any other value keeps the 1024x16x63 hard disk shape",
			},
			&cli.StringFlag{
				Name:  "redolog",
				Usage: "redo log path template (\"none\" or empty for the default)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "info",
				Usage:     "Show the synthesized volume's geometry",
				Action:    showInfo,
				ArgsUsage: "DIRECTORY",
			},
			{
				Name:      "export",
				Usage:     "Dump the synthesized volume to a raw image file",
				Action:    exportImage,
				ArgsUsage: "DIRECTORY  IMAGE_FILE",
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func openImage(context *cli.Context) (*image.Image, error) {
	if context.NArg() < 1 {
		return nil, fmt.Errorf("missing directory argument")
	}
	return image.Open(afero.NewOsFs(), context.Args().Get(0), image.Options{
		Size:        context.Uint64("size"),
		RedoLogName: context.String("redolog"),
	})
}

func showInfo(context *cli.Context) error {
	img, err := openImage(context)
	if err != nil {
		return err
	}
	defer img.Close()

	geo := img.Geometry()
	fmt.Printf("FAT type:       FAT%d\n", img.FATType())
	fmt.Printf("geometry (CHS): %dx%dx%d\n", geo.Cylinders, geo.Heads, geo.SectorsPerTrack)
	fmt.Printf("sectors:        %d\n", geo.SectorCount)
	fmt.Printf("size:           %d bytes\n", img.Size())
	if dropped := img.DroppedRootEntries(); dropped > 0 {
		fmt.Printf("dropped:        %d root entries over capacity\n", dropped)
	}
	return nil
}

func exportImage(context *cli.Context) error {
	if context.NArg() < 2 {
		return fmt.Errorf("usage: export DIRECTORY IMAGE_FILE")
	}
	img, err := openImage(context)
	if err != nil {
		return err
	}
	defer img.Close()

	out, err := os.Create(context.Args().Get(1))
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 64*vvfat.SectorSize)
	total := img.Geometry().SectorCount
	if _, err := img.Lseek(0, vvfat.SeekSet); err != nil {
		return err
	}
	for sector := uint32(0); sector < total; sector += 64 {
		chunk := buf
		if remaining := total - sector; remaining < 64 {
			chunk = buf[:remaining*vvfat.SectorSize]
		}
		if _, err := img.Read(chunk); err != nil {
			return err
		}
		if _, err := out.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
