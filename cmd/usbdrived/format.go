package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/engine/fatboot"
	"github.com/ardnew/usbdrive/pkg"
)

func newFormatCmd(a *app) *cobra.Command {
	var (
		sizeStr string
		typeStr string
		label   string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "format <image>",
		Short: "Create or format a FAT disk image",
		Long: `format writes an empty FAT volume to <image>. A missing image is created
with --size bytes; an existing one keeps its size unless --size is given and
is only overwritten with --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			var opts fatboot.Options
			if typeStr != "" {
				t, err := engine.ParseFormatTag(typeStr)
				if err != nil {
					return err
				}
				opts.Type = t
			}
			if label != "" {
				l, err := fatboot.NormalizeLabel(label)
				if err != nil {
					return err
				}
				opts.Label = l
			}

			_, err := os.Stat(path)
			exists := err == nil
			switch {
			case err != nil && !errors.Is(err, fs.ErrNotExist):
				return err
			case exists && !force:
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			if !exists || cmd.Flags().Changed("size") {
				size, err := parseSize(sizeStr)
				if err != nil {
					return err
				}
				if err := createImage(path, size); err != nil {
					return err
				}
			}

			dev, err := blockdev.OpenFile(path, a.cfg.BlockSize, false)
			if err != nil {
				return err
			}
			tag, err := fatboot.Format(dev, opts)
			if cerr := dev.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("format %s: %w", path, err)
			}

			pkg.LogInfo(componentCLI, "formatted", "path", path, "format", tag)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %s\n", path, tag,
				formatBytes(dev.BlockCount()*uint64(dev.BlockSize())))
			return nil
		},
	}
	cmd.Flags().StringVar(&sizeStr, "size", "32m", "image size, with optional k, m or g suffix")
	cmd.Flags().StringVar(&typeStr, "type", "", "FAT12, FAT16 or FAT32 (default by size)")
	cmd.Flags().StringVar(&label, "label", "", "volume label")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing image")
	return cmd
}

func createImage(path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
