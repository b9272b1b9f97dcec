package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbdrive/pkg"
)

func newLabelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "label <id> [new-label]",
		Short: "Print or change a drive's volume label",
		Long: `label prints the volume label of drive <id>, or stores [new-label] when
given. Labels longer than 11 bytes are truncated.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDriveID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.open()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if len(args) == 2 {
				if err := svc.SetLabel(ctx, id, args[1]); err != nil {
					return err
				}
			}
			label, err := svc.GetLabel(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), label)
			return nil
		},
	}
}

func parseDriveID(s string) (int32, error) {
	id, err := strconv.ParseInt(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: drive id %q", pkg.ErrParameter, s)
	}
	return int32(id), nil
}
