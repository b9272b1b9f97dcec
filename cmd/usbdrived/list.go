package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbdrive/drive"
	"github.com/ardnew/usbdrive/service"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List mounted drives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.open()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			ids, total := svc.ListMountedDrives(ctx, a.cfg.Capacity)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSLOT\tTYPE\tLABEL\tSIZE\tFREE\tDEVICE")
			for _, id := range ids {
				row, err := describe(cmd, svc, id)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "drive %d: %v\n", id, err)
					continue
				}
				fmt.Fprintln(w, row)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if total > len(ids) {
				fmt.Fprintf(cmd.OutOrStdout(), "%d more drive(s) not shown\n", total-len(ids))
			}
			return nil
		},
	}
}

func describe(cmd *cobra.Command, svc *service.Service, id int32) (string, error) {
	ctx := cmd.Context()
	tag, err := svc.GetFilesystemType(ctx, id)
	if err != nil {
		return "", err
	}
	label, err := svc.GetLabel(ctx, id)
	if err != nil {
		return "", err
	}
	fs, err := svc.OpenFilesystem(ctx, id)
	if err != nil {
		return "", err
	}
	defer fs.Close()
	total, free, _, err := fs.Space()
	if err != nil {
		return "", err
	}

	var slot uint8
	var desc string
	svc.Registry().WithDrive(id, func(d *drive.Drive) error {
		slot, desc = d.Slot(), d.Description()
		return nil
	})
	if label == "" {
		label = "-"
	}
	return fmt.Sprintf("%d\t%d\t%s\t%s\t%s\t%s\t%s",
		id, slot, tag, label, formatBytes(total), formatBytes(free), desc), nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
