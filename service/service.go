package service

import (
	"context"
	"unicode/utf8"

	"github.com/ardnew/usbdrive/drive"
	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// Service exposes the attached drives to clients by external identifier.
// Every operation reconciles the registry with the transport first, so
// clients always see the current set of drives.
type Service struct {
	reg *drive.Registry
}

// New creates a service over reg.
func New(reg *drive.Registry) *Service {
	return &Service{reg: reg}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *drive.Registry {
	return s.reg
}

// reconcile refreshes the registry. A failed device query only means the
// table is as fresh as the last successful one, so operations proceed.
func (s *Service) reconcile(ctx context.Context) {
	if err := s.reg.Reconcile(ctx); err != nil {
		pkg.LogWarn(pkg.ComponentService, "using previous drive table", "error", err)
	}
}

// ListMountedDrives returns the identifiers of up to capacity mounted
// drives in slot order, and how many are mounted in total.
func (s *Service) ListMountedDrives(ctx context.Context, capacity int) ([]int32, int) {
	s.reconcile(ctx)
	return s.reg.Enumerate(capacity)
}

// GetFilesystemType returns the format of drive id's volume.
func (s *Service) GetFilesystemType(ctx context.Context, id int32) (engine.FormatTag, error) {
	s.reconcile(ctx)
	var tag engine.FormatTag
	err := s.reg.WithDrive(id, func(d *drive.Drive) error {
		var err error
		tag, err = d.Format()
		return err
	})
	return tag, err
}

// GetLabel returns drive id's volume label.
func (s *Service) GetLabel(ctx context.Context, id int32) (string, error) {
	s.reconcile(ctx)
	var label string
	err := s.reg.WithDrive(id, func(d *drive.Drive) error {
		var err error
		label, err = d.Label()
		return err
	})
	return label, err
}

// SetLabel stores label on drive id's volume, truncated to
// engine.MaxLabelLength bytes.
func (s *Service) SetLabel(ctx context.Context, id int32, label string) error {
	s.reconcile(ctx)
	return s.reg.WithDrive(id, func(d *drive.Drive) error {
		t := truncateLabel(label)
		if len(t) < len(label) {
			pkg.LogDebug(pkg.ComponentService, "label truncated", "id", id, "label", t)
		}
		return d.SetLabel(t)
	})
}

// truncateLabel copies at most engine.MaxLabelLength bytes of label,
// dropping a trailing partial UTF-8 sequence.
func truncateLabel(label string) string {
	var buf [engine.MaxLabelLength]byte
	n := copy(buf[:], label)
	if n < len(label) {
		for n > 0 && !utf8.RuneStart(label[n]) {
			n--
		}
	}
	return string(buf[:n])
}

// OpenFilesystem returns a handle on drive id's volume. The caller must
// Close it.
func (s *Service) OpenFilesystem(ctx context.Context, id int32) (*Filesystem, error) {
	s.reconcile(ctx)
	gen, err := s.reg.OpenHandle(id)
	if err != nil {
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentService, "filesystem opened", "id", id, "generation", gen)
	return &Filesystem{reg: s.reg, id: id, gen: gen, refs: 1}, nil
}
