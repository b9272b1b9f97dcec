package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/usbdrive/ctlfs"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/service"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		opts    ctlfs.Options
		hotplug bool
	)
	cmd := &cobra.Command{
		Use:   "serve <mountpoint>",
		Short: "Serve the drive control tree over FUSE",
		Long: `serve mounts a FUSE tree with one directory per mounted drive. Each
directory holds type, label, space and ctl files. Drives are reconciled
whenever the tree is read, and on kernel hotplug events with the sysfs
source.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.open()
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ids, _ := svc.ListMountedDrives(ctx, a.cfg.Capacity)
			pkg.LogInfo(componentCLI, "initial scan", "mounted", len(ids))

			opts.Capacity = a.cfg.Capacity
			server, err := ctlfs.Mount(args[0], svc, opts)
			if err != nil {
				return err
			}
			pkg.LogInfo(componentCLI, "serving", "mountpoint", args[0])

			kick := make(chan struct{}, 1)
			notify := func() {
				select {
				case kick <- struct{}{}:
				default:
				}
			}

			var wg sync.WaitGroup
			if kind, _, _ := parseSource(a.cfg.Source); hotplug && kind == SourceSysfs {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := watchHotplug(ctx, notify); err != nil {
						pkg.LogWarn(componentCLI, "hotplug events unavailable", "error", err)
					}
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				refresh(ctx, svc, kick, a.cfg.Capacity)
			}()

			served := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					pkg.LogInfo(componentCLI, "shutting down")
					if err := server.Unmount(); err != nil {
						pkg.LogWarn(componentCLI, "unmount", "error", err)
					}
				case <-served:
				}
			}()

			server.Wait()
			close(served)
			stop()
			wg.Wait()
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Debug, "debug-fuse", false, "log every FUSE request")
	cmd.Flags().BoolVar(&opts.AllowOther, "allow-other", false, "let other users access the tree")
	cmd.Flags().BoolVar(&hotplug, "hotplug", true, "reconcile on kernel uevents (sysfs source only)")
	return cmd
}

// refresh reconciles once per kick until ctx is done, so drives are
// mounted and flushed as they come and go even while nobody reads the tree.
func refresh(ctx context.Context, svc *service.Service, kick <-chan struct{}, capacity int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
		}
		ids, _ := svc.ListMountedDrives(ctx, capacity)
		pkg.LogDebug(componentCLI, "refreshed", "mounted", len(ids))
	}
}
