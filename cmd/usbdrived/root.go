package main

import (
	"github.com/spf13/cobra"

	"github.com/ardnew/usbdrive/drive"
	"github.com/ardnew/usbdrive/engine/fatboot"
	"github.com/ardnew/usbdrive/pkg"
	"github.com/ardnew/usbdrive/pkg/prof"
	"github.com/ardnew/usbdrive/service"
)

const componentCLI pkg.Component = "cli"

// app carries the state shared by the subcommands of one invocation.
type app struct {
	cfg  Config
	prof *prof.Session
	reg  *drive.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: defaultConfig()}

	root := &cobra.Command{
		Use:   "usbdrived",
		Short: "USB mass-storage drive manager",
		Long: `usbdrived tracks attached USB mass-storage drives, mounts their FAT
volumes in slots 0..capacity-1 and exposes them to other processes.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return a.teardown()
		},
	}
	a.cfg.bindFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(a),
		newListCmd(a),
		newLabelCmd(a),
		newFormatCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	pkg.SetLogOutput(cmd.ErrOrStderr())
	if err := a.cfg.applyLogging(); err != nil {
		return err
	}
	if !a.cfg.Profile.Empty() {
		s, err := prof.Start(a.cfg.Profile)
		if err != nil {
			return err
		}
		a.prof = s
		if addr := s.Addr(); addr != "" {
			pkg.LogInfo(componentCLI, "pprof listening", "addr", addr)
		}
	}
	return nil
}

func (a *app) teardown() error {
	if a.prof == nil {
		return nil
	}
	err := a.prof.Stop()
	a.prof = nil
	return err
}

// open builds the drive stack selected by the configuration. The caller
// must call close when done.
func (a *app) open() (*service.Service, error) {
	session, err := a.cfg.session()
	if err != nil {
		return nil, err
	}
	a.reg = drive.NewRegistry(session, fatboot.New(), a.cfg.registryOptions()...)
	pkg.LogDebug(componentCLI, "registry ready",
		"source", a.cfg.Source, "capacity", a.reg.Capacity())
	return service.New(a.reg), nil
}

// close unmounts and releases every drive.
func (a *app) close() {
	if a.reg == nil {
		return
	}
	if err := a.reg.Close(); err != nil {
		pkg.LogWarn(componentCLI, "close registry", "error", err)
	}
	a.reg = nil
}
