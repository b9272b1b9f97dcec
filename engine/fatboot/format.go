package fatboot

import (
	"fmt"

	"github.com/ardnew/usbdrive/blockdev"
	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// Options controls Format.
type Options struct {
	// Type selects FAT12, FAT16 or FAT32. FormatUnknown picks by size.
	Type engine.FormatTag

	// Label is the volume label; empty leaves the volume unlabeled.
	Label string

	// OEM is the 8-byte OEM name in the boot sector.
	OEM string

	// SectorsPerCluster forces a cluster size. Zero picks the smallest size
	// that yields a valid cluster count.
	SectorsPerCluster uint32

	// VolumeID is the volume serial number.
	VolumeID uint32
}

// Format limits.
const (
	maxSectorsPerCluster = 128
	rootEntries1216      = 512
	reserved1216         = 1
	reserved32           = 32
	numFATs              = 2
	mediaFixed           = 0xF8
	defaultOEM           = "MSWIN4.1"
	fsinfoSector32       = 1
	backupBoot32         = 6
	rootCluster32        = 2
	zeroChunk            = 64 // sectors per zero-fill write
)

// layout is the geometry of a volume about to be written.
type layout struct {
	format   engine.FormatTag
	ss       uint32
	spc      uint32
	reserved uint32
	rootEnts uint32
	total    uint32
	fatSize  uint32
	clusters uint32
}

func (l layout) rootSectors() uint32 {
	return (l.rootEnts*dirEntrySize + l.ss - 1) / l.ss
}

func (l layout) dataStart() uint32 {
	return l.reserved + numFATs*l.fatSize + l.rootSectors()
}

// fatBytes returns the FAT size in bytes for n entries.
func fatBytes(format engine.FormatTag, n uint32) uint32 {
	switch format {
	case engine.FormatFAT12:
		return (n*3 + 1) / 2
	case engine.FormatFAT16:
		return n * 2
	default:
		return n * 4
	}
}

// computeLayout sizes the FATs for l.spc. FAT size and cluster count depend
// on each other; growing the FAT until it covers every cluster converges
// because each step only shrinks the data area.
func computeLayout(l layout) (layout, error) {
	l.fatSize = 1
	for i := 0; i < 32; i++ {
		meta := l.reserved + numFATs*l.fatSize + l.rootSectors()
		if meta >= l.total {
			return l, fmt.Errorf("%w: %d sectors too small for %v", pkg.ErrParameter, l.total, l.format)
		}
		l.clusters = (l.total - meta) / l.spc
		need := (fatBytes(l.format, l.clusters+2) + l.ss - 1) / l.ss
		if need <= l.fatSize {
			return l, nil
		}
		l.fatSize = need
	}
	return l, fmt.Errorf("%w: FAT size did not converge", pkg.ErrParameter)
}

func clusterRange(format engine.FormatTag) (lo, hi uint32) {
	switch format {
	case engine.FormatFAT12:
		return 1, maxClustersFAT12
	case engine.FormatFAT16:
		return maxClustersFAT12 + 1, maxClustersFAT16
	default:
		return maxClustersFAT16 + 1, maxClustersFAT32
	}
}

// defaultFormat picks a FAT width for a volume of size bytes.
func defaultFormat(size uint64) engine.FormatTag {
	switch {
	case size <= 8<<20:
		return engine.FormatFAT12
	case size <= 512<<20:
		return engine.FormatFAT16
	default:
		return engine.FormatFAT32
	}
}

// defaultFAT32Cluster follows the usual FAT32 cluster size table.
func defaultFAT32Cluster(size uint64) uint32 {
	switch {
	case size <= 260<<20:
		return 1
	case size <= 8<<30:
		return 8
	case size <= 16<<30:
		return 16
	case size <= 32<<30:
		return 32
	default:
		return 64
	}
}

// planLayout chooses the cluster size for opts and computes the geometry.
func planLayout(format engine.FormatTag, total uint64, ss, spc uint32) (layout, error) {
	if total > 0xFFFFFFFF {
		total = 0xFFFFFFFF
	}
	l := layout{format: format, ss: ss, total: uint32(total)}
	if format == engine.FormatFAT32 {
		l.reserved = reserved32
	} else {
		l.reserved = reserved1216
		l.rootEnts = rootEntries1216
	}
	lo, hi := clusterRange(format)

	fits := func(l layout) bool { return l.clusters >= lo && l.clusters <= hi }

	if spc != 0 {
		if !powerOfTwo(spc) || spc > maxSectorsPerCluster {
			return l, fmt.Errorf("%w: %d sectors per cluster", pkg.ErrParameter, spc)
		}
		l.spc = spc
		out, err := computeLayout(l)
		if err != nil {
			return out, err
		}
		if !fits(out) {
			return out, fmt.Errorf("%w: %d clusters invalid for %v", pkg.ErrParameter, out.clusters, format)
		}
		return out, nil
	}

	if format == engine.FormatFAT32 {
		for l.spc = defaultFAT32Cluster(total * uint64(ss)); l.spc >= 1; l.spc /= 2 {
			out, err := computeLayout(l)
			if err == nil && fits(out) {
				return out, nil
			}
		}
		return l, fmt.Errorf("%w: volume too small for FAT32", pkg.ErrParameter)
	}

	for l.spc = 1; l.spc <= maxSectorsPerCluster; l.spc *= 2 {
		out, err := computeLayout(l)
		if err != nil {
			return out, err
		}
		if out.clusters > hi {
			continue
		}
		if out.clusters < lo {
			break
		}
		return out, nil
	}
	return l, fmt.Errorf("%w: no cluster size fits %v", pkg.ErrParameter, format)
}

// Format writes an empty FAT volume covering the whole device, without a
// partition table.
func Format(dev blockdev.Device, opts Options) (engine.FormatTag, error) {
	ss := dev.BlockSize()
	if ss < MinSectorSize || ss > MaxSectorSize || !powerOfTwo(ss) {
		return engine.FormatUnknown, fmt.Errorf("%w: sector size %d", pkg.ErrParameter, ss)
	}
	total := blockdev.BlockCount(dev)
	if total == 0 {
		return engine.FormatUnknown, fmt.Errorf("%w: device capacity unknown", pkg.ErrParameter)
	}

	label, err := NormalizeLabel(opts.Label)
	if err != nil {
		return engine.FormatUnknown, err
	}

	format := opts.Type
	switch format {
	case engine.FormatUnknown:
		format = defaultFormat(total * uint64(ss))
	case engine.FormatFAT12, engine.FormatFAT16, engine.FormatFAT32:
	default:
		return engine.FormatUnknown, fmt.Errorf("format %v: %w", format, pkg.ErrNotSupported)
	}

	l, err := planLayout(format, total, ss, opts.SectorsPerCluster)
	if err != nil {
		return engine.FormatUnknown, err
	}

	f := formatter{dev: dev, l: l}
	if err := f.write(label, opts.OEM, opts.VolumeID); err != nil {
		return engine.FormatUnknown, err
	}

	pkg.LogInfo(pkg.ComponentEngine, "volume formatted",
		"format", format, "clusters", l.clusters, "sectorsPerCluster", l.spc, "label", label)
	return format, nil
}

type formatter struct {
	dev blockdev.Device
	l   layout
}

func (f formatter) write(label, oem string, volID uint32) error {
	l := f.l

	// Metadata region: reserved sectors, FATs and the fixed root directory,
	// plus the FAT32 root cluster.
	zeroEnd := l.dataStart()
	if l.format == engine.FormatFAT32 {
		zeroEnd += l.spc
	}
	if err := f.zero(0, zeroEnd); err != nil {
		return err
	}

	boot := buildBootSector(l, label, oem, volID)
	if err := f.put(boot, 0); err != nil {
		return err
	}
	if l.format == engine.FormatFAT32 {
		info := buildFSInfo(l)
		if err := f.put(info, fsinfoSector32); err != nil {
			return err
		}
		if err := f.put(boot, backupBoot32); err != nil {
			return err
		}
		if err := f.put(info, backupBoot32+fsinfoSector32); err != nil {
			return err
		}
	}

	head := buildFATHead(l)
	for i := uint32(0); i < numFATs; i++ {
		if err := f.put(head, uint64(l.reserved+i*l.fatSize)); err != nil {
			return err
		}
	}

	if label != "" {
		root := make([]byte, l.ss)
		field := labelField(label)
		copy(root, field[:])
		root[dirAttr] = attrVolume
		rootSect := uint64(l.reserved + numFATs*l.fatSize)
		if err := f.put(root, rootSect); err != nil {
			return err
		}
	}

	if s, ok := f.dev.(blockdev.Syncer); ok {
		return s.Sync()
	}
	return nil
}

func (f formatter) put(sector []byte, lba uint64) error {
	if err := f.dev.WriteSectors(sector, lba, 1); err != nil {
		return fmt.Errorf("format sector %d: %w", lba, err)
	}
	return nil
}

func (f formatter) zero(from, to uint32) error {
	buf := make([]byte, zeroChunk*f.l.ss)
	for s := from; s < to; {
		n := to - s
		if n > zeroChunk {
			n = zeroChunk
		}
		if err := f.dev.WriteSectors(buf, uint64(s), n); err != nil {
			return fmt.Errorf("format zero sector %d: %w", s, err)
		}
		s += n
	}
	return nil
}

func padRight(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

func buildBootSector(l layout, label, oem string, volID uint32) []byte {
	if oem == "" {
		oem = defaultOEM
	}
	if label == "" {
		label = noName
	}
	field := labelField(label)

	sec := make([]byte, l.ss)
	copy(sec[bsOEMName:bsOEMName+8], padRight(oem, 8))
	putU16(sec, bpbBytsPerSec, uint16(l.ss))
	sec[bpbSecPerClus] = uint8(l.spc)
	putU16(sec, bpbRsvdSecCnt, uint16(l.reserved))
	sec[bpbNumFATs] = numFATs
	putU16(sec, bpbRootEntCnt, uint16(l.rootEnts))
	if l.total < 0x10000 && l.format != engine.FormatFAT32 {
		putU16(sec, bpbTotSec16, uint16(l.total))
	} else {
		putU32(sec, bpbTotSec32, l.total)
	}
	sec[bpbMedia] = mediaFixed
	putU16(sec, bpbSecPerTrk, 63)
	putU16(sec, bpbNumHeads, 255)
	putU32(sec, bpbHiddSec, 0)

	if l.format == engine.FormatFAT32 {
		sec[0], sec[1], sec[2] = 0xEB, 0x58, 0x90
		putU32(sec, bpbFATSz32, l.fatSize)
		putU16(sec, bpbExtFlags32, 0)
		putU16(sec, bpbFSVer32, 0)
		putU32(sec, bpbRootClus32, rootCluster32)
		putU16(sec, bpbFSInfo32, fsinfoSector32)
		putU16(sec, bpbBkBootSec32, backupBoot32)
		sec[bsDrvNum32] = 0x80
		sec[bsBootSig32] = sigExtendedBPB
		putU32(sec, bsVolID32, volID)
		copy(sec[bsVolLab32:], field[:])
		copy(sec[bsFilSysType32:], "FAT32   ")
	} else {
		sec[0], sec[1], sec[2] = 0xEB, 0x3C, 0x90
		putU16(sec, bpbFATSz16, uint16(l.fatSize))
		sec[bsDrvNum] = 0x80
		sec[bsBootSig] = sigExtendedBPB
		putU32(sec, bsVolID, volID)
		copy(sec[bsVolLab:], field[:])
		if l.format == engine.FormatFAT12 {
			copy(sec[bsFilSysType:], "FAT12   ")
		} else {
			copy(sec[bsFilSysType:], "FAT16   ")
		}
	}
	putU16(sec, bs55AA, sig55AA)
	return sec
}

func buildFSInfo(l layout) []byte {
	fs := make([]byte, l.ss)
	putU32(fs, fsiLeadSig, sigFSILead)
	putU32(fs, fsiStrucSig, sigFSIStruc)
	putU32(fs, fsiFreeCount, l.clusters-1) // root directory holds one cluster
	putU32(fs, fsiNxtFree, rootCluster32+1)
	putU32(fs, fsiTrailSig, sigFSITrail)
	return fs
}

// buildFATHead returns the first FAT sector: the media descriptor entry,
// the end-of-chain entry and, for FAT32, the root directory's cluster.
func buildFATHead(l layout) []byte {
	b := make([]byte, l.ss)
	switch l.format {
	case engine.FormatFAT12:
		b[0], b[1], b[2] = mediaFixed, 0xFF, 0xFF
	case engine.FormatFAT16:
		b[0], b[1], b[2], b[3] = mediaFixed, 0xFF, 0xFF, 0xFF
	default:
		putU32(b, 0, 0x0FFFFF00|mediaFixed)
		putU32(b, 4, 0x0FFFFFFF)
		putU32(b, 8, 0x0FFFFFFF)
	}
	return b
}
