package fatboot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/soypat/fat"

	"github.com/ardnew/usbdrive/engine"
	"github.com/ardnew/usbdrive/pkg"
)

// ErrNoFilesystem indicates no FAT or exFAT volume was found on the drive.
var ErrNoFilesystem = errors.New("no FAT volume found")

const (
	dirEntrySize = 32
	dirName      = 0
	dirAttr      = 11

	attrVolume = 0x08
	attrDir    = 0x10
	attrLFN    = 0x0F

	entryDeleted = 0xE5
	entryEnd     = 0x00

	freeUnknown = 0xFFFFFFFF
)

// Volume is a mounted FAT or exFAT volume.
type Volume struct {
	name string
	pdrv uint8
	disk engine.DiskIO

	mu     sync.Mutex
	closed bool

	format      engine.FormatTag
	ss          uint32 // bytes per sector
	csize       uint32 // sectors per cluster
	base        uint64 // first sector of the volume
	fatBase     uint64
	fatSize     uint32
	nFATs       uint32
	rootEntries uint32
	dirBase     uint64 // FAT12/16: first root sector; FAT32: root cluster
	dataBase    uint64
	nEntries    uint32 // clusters + 2
	labelOff    int    // BPB volume label offset, 0 when absent
	fsinfo      uint64 // FSInfo sector, 0 when absent
	backup      uint64 // backup boot sector, 0 when absent
	free        uint32 // free clusters, freeUnknown until counted
	fsinfoFree  uint32 // free count last read from or written to FSInfo
	exfatUsePct uint8

	win      []byte
	winSect  uint64
	winValid bool

	// files is the directory tree, mounted on first use. It keeps its own
	// sector window, so it is dropped before this package rewrites a
	// directory sector.
	files *fat.FS
	open  map[*file]struct{}
}

func mount(name string, pdrv uint8, disk engine.DiskIO) (*Volume, error) {
	if st := disk.Initialize(pdrv); !st.Ready() {
		return nil, fmt.Errorf("%s: %w (%v)", name, pkg.ErrDeviceNotReady, st)
	}

	v := &Volume{
		name: name,
		pdrv: pdrv,
		disk: disk,
		ss:   MaxSectorSize,
		free: freeUnknown,
		win:  make([]byte, MaxSectorSize),
	}

	kind, base, err := v.findVolume()
	if err != nil {
		return nil, err
	}
	switch kind {
	case bootFAT:
		err = v.initFAT(base)
	case bootExFAT:
		err = v.initExFAT(base)
	default:
		err = ErrNoFilesystem
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

// findVolume looks for a boot record at sector 0, then in the four primary
// MBR partitions.
func (v *Volume) findVolume() (bootKind, uint64, error) {
	if err := v.readSector(0); err != nil {
		return bootDiskError, 0, err
	}
	kind := classify(v.win)
	if kind != bootNotFATValid {
		return kind, 0, nil
	}
	if v.win[mbrTable+4] == 0xEE {
		// GPT protective MBR
		return bootNotFATInvalid, 0, nil
	}

	var starts [4]uint32
	for i := range starts {
		starts[i] = u32(v.win, mbrTable+mbrEntry*i+8)
	}
	for _, lba := range starts {
		if lba == 0 {
			continue
		}
		if err := v.readSector(uint64(lba)); err != nil {
			return bootDiskError, 0, err
		}
		switch k := classify(v.win); k {
		case bootFAT, bootExFAT:
			return k, uint64(lba), nil
		}
	}
	return bootNotFATInvalid, 0, nil
}

func (v *Volume) initFAT(base uint64) error {
	if err := v.readSector(base); err != nil {
		return err
	}
	b := v.win

	ss := uint32(u16(b, bpbBytsPerSec))
	if ss < MinSectorSize || ss > MaxSectorSize || !powerOfTwo(ss) {
		return fmt.Errorf("%w: sector size %d", ErrNoFilesystem, ss)
	}

	fatSize := uint32(u16(b, bpbFATSz16))
	if fatSize == 0 {
		fatSize = u32(b, bpbFATSz32)
	}
	nFATs := uint32(b[bpbNumFATs])
	if nFATs != 1 && nFATs != 2 {
		return fmt.Errorf("%w: %d FATs", ErrNoFilesystem, nFATs)
	}
	csize := uint32(b[bpbSecPerClus])
	if !powerOfTwo(csize) {
		return fmt.Errorf("%w: cluster size %d", ErrNoFilesystem, csize)
	}
	rootEntries := uint32(u16(b, bpbRootEntCnt))
	if rootEntries%(ss/dirEntrySize) != 0 {
		return fmt.Errorf("%w: root directory not sector aligned", ErrNoFilesystem)
	}
	total := uint32(u16(b, bpbTotSec16))
	if total == 0 {
		total = u32(b, bpbTotSec32)
	}
	reserved := uint32(u16(b, bpbRsvdSecCnt))
	if reserved == 0 {
		return fmt.Errorf("%w: no reserved sectors", ErrNoFilesystem)
	}

	sysect := reserved + nFATs*fatSize + rootEntries/(ss/dirEntrySize)
	if total < sysect {
		return fmt.Errorf("%w: volume smaller than its metadata", ErrNoFilesystem)
	}
	clusters := (total - sysect) / csize
	if clusters == 0 {
		return fmt.Errorf("%w: no data clusters", ErrNoFilesystem)
	}

	format := engine.FormatFAT12
	switch {
	case clusters > maxClustersFAT32:
		return fmt.Errorf("%w: %d clusters", ErrNoFilesystem, clusters)
	case clusters > maxClustersFAT16:
		format = engine.FormatFAT32
	case clusters > maxClustersFAT12:
		format = engine.FormatFAT16
	}

	v.ss = ss
	v.csize = csize
	v.base = base
	v.fatBase = base + uint64(reserved)
	v.fatSize = fatSize
	v.nFATs = nFATs
	v.rootEntries = rootEntries
	v.dataBase = base + uint64(sysect)
	v.nEntries = clusters + 2
	v.format = format

	var fatBytes uint32
	if format == engine.FormatFAT32 {
		if u16(b, bpbFSVer32) != 0 {
			return fmt.Errorf("%w: FAT32 version %#x", ErrNoFilesystem, u16(b, bpbFSVer32))
		}
		if rootEntries != 0 {
			return fmt.Errorf("%w: FAT32 with fixed root directory", ErrNoFilesystem)
		}
		v.dirBase = uint64(u32(b, bpbRootClus32))
		fatBytes = v.nEntries * 4
		if b[bsBootSig32] == sigExtendedBPB {
			v.labelOff = bsVolLab32
		}
		if bk := u16(b, bpbBkBootSec32); bk != 0 && bk != 0xFFFF {
			v.backup = base + uint64(bk)
		}
		if u16(b, bpbFSInfo32) == 1 {
			v.fsinfo = base + 1
		}
	} else {
		if rootEntries == 0 {
			return fmt.Errorf("%w: FAT12/16 without root directory", ErrNoFilesystem)
		}
		v.dirBase = v.fatBase + uint64(nFATs*fatSize)
		if format == engine.FormatFAT16 {
			fatBytes = v.nEntries * 2
		} else {
			fatBytes = v.nEntries*3/2 + v.nEntries&1
		}
		if b[bsBootSig] == sigExtendedBPB {
			v.labelOff = bsVolLab
		}
	}
	if fatSize < (fatBytes+ss-1)/ss {
		return fmt.Errorf("%w: FAT too small for %d clusters", ErrNoFilesystem, clusters)
	}

	v.winValid = false
	if v.fsinfo != 0 {
		if err := v.readSector(v.fsinfo); err == nil && validFSInfo(v.win) {
			if n := u32(v.win, fsiFreeCount); n <= clusters {
				v.free = n
				v.fsinfoFree = n
			}
		} else {
			v.fsinfo = 0
		}
	}
	return nil
}

func validFSInfo(b []byte) bool {
	return u32(b, fsiLeadSig) == sigFSILead &&
		u32(b, fsiStrucSig) == sigFSIStruc &&
		u16(b, bs55AA) == sig55AA
}

func (v *Volume) initExFAT(base uint64) error {
	if err := v.readSector(base); err != nil {
		return err
	}
	b := v.win
	bpsShift := b[bpbBytsPerSecEx]
	spcShift := b[bpbSecPerClusEx]
	if bpsShift < 9 || bpsShift > 12 || int(bpsShift)+int(spcShift) > 25 {
		return fmt.Errorf("%w: exFAT geometry %d/%d", ErrNoFilesystem, bpsShift, spcShift)
	}
	clusters := u32(b, bpbNumClusEx)
	if clusters == 0 || clusters > 0x7FFFFFFD {
		return fmt.Errorf("%w: exFAT cluster count %d", ErrNoFilesystem, clusters)
	}

	v.format = engine.FormatExFAT
	v.ss = 1 << bpsShift
	v.csize = 1 << spcShift
	v.base = base
	v.nEntries = clusters + 2
	v.exfatUsePct = b[bpbPercInUseEx]
	v.winValid = false
	return nil
}

// Format returns the on-disk format of the volume.
func (v *Volume) Format() engine.FormatTag {
	return v.format
}

// SectorSize returns the logical sector size in bytes.
func (v *Volume) SectorSize() uint32 {
	return v.ss
}

// Name returns the mount name the volume is bound to.
func (v *Volume) Name() string {
	return v.name
}

// Space returns total and free capacity in bytes. Free space is read from
// FSInfo when it holds a plausible count, otherwise from a FAT scan whose
// result is cached for the life of the mount.
func (v *Volume) Space() (total, free uint64, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return 0, 0, pkg.ErrNotMounted
	}

	clusterBytes := uint64(v.csize) * uint64(v.ss)
	clusters := uint64(v.nEntries - 2)
	total = clusters * clusterBytes

	if v.format == engine.FormatExFAT {
		if v.exfatUsePct > 100 {
			return total, 0, fmt.Errorf("exFAT free space: %w", pkg.ErrNotSupported)
		}
		freeClusters := clusters * uint64(100-v.exfatUsePct) / 100
		return total, freeClusters * clusterBytes, nil
	}

	if v.free == freeUnknown {
		n, err := v.countFree()
		if err != nil {
			return total, 0, err
		}
		v.free = n
	}
	return total, uint64(v.free) * clusterBytes, nil
}

// Sync writes the cached free cluster count back to FSInfo when it changed
// and asks the drive to flush its write cache.
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return pkg.ErrNotMounted
	}
	return v.sync()
}

func (v *Volume) sync() error {
	if v.fsinfo != 0 && v.free != freeUnknown && v.free != v.fsinfoFree && v.writable() == nil {
		if err := v.readSector(v.fsinfo); err != nil {
			return err
		}
		if validFSInfo(v.win) {
			putU32(v.win, fsiFreeCount, v.free)
			if err := v.writeSector(v.fsinfo); err != nil {
				return err
			}
			v.fsinfoFree = v.free
		}
	}
	if res := v.disk.Ioctl(v.pdrv, engine.IoctlSync, nil); res != pkg.DiskResultOK {
		return fmt.Errorf("%s sync: %w", v.name, res.Error())
	}
	return nil
}

func (v *Volume) close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	err := errors.Join(v.dropFiles(), v.sync())
	v.closed = true
	v.winValid = false
	return err
}

// ============================================================================
// Sector window
// ============================================================================

// readSector loads sect into the window unless it is already there.
func (v *Volume) readSector(sect uint64) error {
	if v.winValid && v.winSect == sect {
		return nil
	}
	v.winValid = false
	if res := v.disk.Read(v.pdrv, v.win[:v.ss], sect, 1); res != pkg.DiskResultOK {
		pkg.LogDebug(pkg.ComponentEngine, "sector read failed", "name", v.name, "sector", sect, "result", res)
		return fmt.Errorf("read sector %d: %w", sect, res.Error())
	}
	v.winSect = sect
	v.winValid = true
	return nil
}

// writable reports why the volume cannot be written, or nil.
func (v *Volume) writable() error {
	if _, ok := v.disk.(engine.DiskWriter); !ok {
		return pkg.ErrWriteProtected
	}
	if v.disk.Status(v.pdrv)&pkg.DiskStatusProtect != 0 {
		return pkg.ErrWriteProtected
	}
	return nil
}

// writeSector stores the window to sect. The window must hold sect.
func (v *Volume) writeSector(sect uint64) error {
	w, ok := v.disk.(engine.DiskWriter)
	if !ok {
		return pkg.ErrWriteProtected
	}
	if res := w.Write(v.pdrv, v.win[:v.ss], sect, 1); res != pkg.DiskResultOK {
		v.winValid = false
		return fmt.Errorf("write sector %d: %w", sect, res.Error())
	}
	v.winSect = sect
	v.winValid = true
	return nil
}

// ============================================================================
// FAT access
// ============================================================================

// fatByte returns the byte at off within the first FAT.
func (v *Volume) fatByte(off uint32) (byte, error) {
	if err := v.readSector(v.fatBase + uint64(off/v.ss)); err != nil {
		return 0, err
	}
	return v.win[off%v.ss], nil
}

// fatEntry returns the FAT entry for clst.
func (v *Volume) fatEntry(clst uint32) (uint32, error) {
	if clst < 2 || clst >= v.nEntries {
		return 0, fmt.Errorf("cluster %d: %w", clst, pkg.ErrParameter)
	}
	switch v.format {
	case engine.FormatFAT12:
		bc := clst + clst/2
		lo, err := v.fatByte(bc)
		if err != nil {
			return 0, err
		}
		hi, err := v.fatByte(bc + 1)
		if err != nil {
			return 0, err
		}
		val := uint32(lo) | uint32(hi)<<8
		if clst&1 != 0 {
			return val >> 4, nil
		}
		return val & 0xFFF, nil
	case engine.FormatFAT16:
		off := clst * 2
		if err := v.readSector(v.fatBase + uint64(off/v.ss)); err != nil {
			return 0, err
		}
		return uint32(u16(v.win, int(off%v.ss))), nil
	case engine.FormatFAT32:
		off := clst * 4
		if err := v.readSector(v.fatBase + uint64(off/v.ss)); err != nil {
			return 0, err
		}
		return u32(v.win, int(off%v.ss)) & 0x0FFFFFFF, nil
	}
	return 0, pkg.ErrNotSupported
}

func (v *Volume) countFree() (uint32, error) {
	var n uint32
	for clst := uint32(2); clst < v.nEntries; clst++ {
		e, err := v.fatEntry(clst)
		if err != nil {
			return 0, err
		}
		if e == 0 {
			n++
		}
	}
	return n, nil
}

func (v *Volume) endOfChain(e uint32) bool {
	switch v.format {
	case engine.FormatFAT12:
		return e >= 0xFF8
	case engine.FormatFAT16:
		return e >= 0xFFF8
	default:
		return e >= 0x0FFFFFF8
	}
}

func (v *Volume) clusterSector(clst uint32) uint64 {
	return v.dataBase + uint64(clst-2)*uint64(v.csize)
}

// ============================================================================
// Root directory
// ============================================================================

// walkRoot calls fn for every entry slot of the root directory with the
// slot's sector loaded in the window. fn returns true to stop.
func (v *Volume) walkRoot(fn func(sect uint64, off int) bool) error {
	perSector := int(v.ss / dirEntrySize)

	visit := func(sect uint64) (bool, error) {
		if err := v.readSector(sect); err != nil {
			return false, err
		}
		for i := 0; i < perSector; i++ {
			if fn(sect, i*dirEntrySize) {
				return true, nil
			}
		}
		return false, nil
	}

	if v.format != engine.FormatFAT32 {
		sectors := uint64(v.rootEntries) / uint64(perSector)
		for s := uint64(0); s < sectors; s++ {
			if stop, err := visit(v.dirBase + s); stop || err != nil {
				return err
			}
		}
		return nil
	}

	clst := uint32(v.dirBase)
	for hops := uint32(0); hops < v.nEntries; hops++ {
		if clst < 2 || clst >= v.nEntries {
			return fmt.Errorf("%w: root cluster chain broken at %d", ErrNoFilesystem, clst)
		}
		first := v.clusterSector(clst)
		for s := uint64(0); s < uint64(v.csize); s++ {
			if stop, err := visit(first + s); stop || err != nil {
				return err
			}
		}
		next, err := v.fatEntry(clst)
		if err != nil {
			return err
		}
		if v.endOfChain(next) {
			return nil
		}
		clst = next
	}
	return fmt.Errorf("%w: root cluster chain loops", ErrNoFilesystem)
}

// findLabelEntry locates the root directory volume label entry and the
// first reusable slot.
func (v *Volume) findLabelEntry() (label, free dirSlot, err error) {
	err = v.walkRoot(func(sect uint64, off int) bool {
		e := v.win[off : off+dirEntrySize]
		switch e[dirName] {
		case entryEnd:
			if !free.ok {
				free = dirSlot{sect, off, true}
			}
			return true
		case entryDeleted:
			if !free.ok {
				free = dirSlot{sect, off, true}
			}
			return false
		}
		attr := e[dirAttr]
		if attr != attrLFN && attr&attrVolume != 0 && attr&attrDir == 0 {
			label = dirSlot{sect, off, true}
			return true
		}
		return false
	})
	return label, free, err
}

type dirSlot struct {
	sect uint64
	off  int
	ok   bool
}

// Label returns the volume label: the root directory label entry if there is
// one, otherwise the BPB label. "NO NAME" reads as empty.
func (v *Volume) Label() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return "", pkg.ErrNotMounted
	}
	if v.format == engine.FormatExFAT {
		return "", fmt.Errorf("exFAT label: %w", pkg.ErrNotSupported)
	}

	entry, _, err := v.findLabelEntry()
	if err != nil {
		return "", err
	}
	if entry.ok {
		if err := v.readSector(entry.sect); err != nil {
			return "", err
		}
		return decodeLabel(v.win[entry.off : entry.off+MaxLabelField]), nil
	}

	if v.labelOff == 0 {
		return "", nil
	}
	if err := v.readSector(v.base); err != nil {
		return "", err
	}
	return decodeLabel(v.win[v.labelOff : v.labelOff+MaxLabelField]), nil
}

// SetLabel stores label in the root directory label entry and in the BPB
// (and its FAT32 backup). An empty label removes the entry.
func (v *Volume) SetLabel(label string) error {
	norm, err := NormalizeLabel(label)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return pkg.ErrNotMounted
	}
	if v.format == engine.FormatExFAT {
		return fmt.Errorf("exFAT label: %w", pkg.ErrNotSupported)
	}
	if err := v.writable(); err != nil {
		return err
	}
	if err := v.dropFiles(); err != nil {
		pkg.LogWarn(pkg.ComponentEngine, "closing files before relabel", "name", v.name, "error", err)
	}

	entry, free, err := v.findLabelEntry()
	if err != nil {
		return err
	}
	field := labelField(norm)

	switch {
	case entry.ok && norm == "":
		if err := v.readSector(entry.sect); err != nil {
			return err
		}
		v.win[entry.off+dirName] = entryDeleted
		if err := v.writeSector(entry.sect); err != nil {
			return err
		}
	case entry.ok:
		if err := v.readSector(entry.sect); err != nil {
			return err
		}
		copy(v.win[entry.off:], field[:])
		if err := v.writeSector(entry.sect); err != nil {
			return err
		}
	case norm != "":
		if !free.ok {
			return fmt.Errorf("root directory full: %w", pkg.ErrNotSupported)
		}
		if err := v.readSector(free.sect); err != nil {
			return err
		}
		e := v.win[free.off : free.off+dirEntrySize]
		clear(e)
		copy(e, field[:])
		e[dirAttr] = attrVolume
		if err := v.writeSector(free.sect); err != nil {
			return err
		}
	}

	if v.labelOff == 0 {
		return nil
	}
	bpbField := field
	if norm == "" {
		bpbField = labelField(noName)
	}
	sectors := []uint64{v.base}
	if v.backup != 0 {
		sectors = append(sectors, v.backup)
	}
	for _, sect := range sectors {
		if err := v.readSector(sect); err != nil {
			return err
		}
		copy(v.win[v.labelOff:], bpbField[:])
		if err := v.writeSector(sect); err != nil {
			return err
		}
	}
	return nil
}
