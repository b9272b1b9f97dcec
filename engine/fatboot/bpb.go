package fatboot

import (
	"bytes"
	"encoding/binary"
)

// Boot sector and BPB field offsets.
const (
	bsJmpBoot     = 0
	bsOEMName     = 3
	bpbBytsPerSec = 11
	bpbSecPerClus = 13
	bpbRsvdSecCnt = 14
	bpbNumFATs    = 16
	bpbRootEntCnt = 17
	bpbTotSec16   = 19
	bpbMedia      = 21
	bpbFATSz16    = 22
	bpbSecPerTrk  = 24
	bpbNumHeads   = 26
	bpbHiddSec    = 28
	bpbTotSec32   = 32
	bsDrvNum      = 36
	bsBootSig     = 38
	bsVolID       = 39
	bsVolLab      = 43
	bsFilSysType  = 54

	bpbFATSz32      = 36
	bpbExtFlags32   = 40
	bpbFSVer32      = 42
	bpbRootClus32   = 44
	bpbFSInfo32     = 48
	bpbBkBootSec32  = 50
	bsDrvNum32      = 64
	bsBootSig32     = 66
	bsVolID32       = 67
	bsVolLab32      = 71
	bsFilSysType32  = 82
	bpbNumClusEx    = 92
	bpbBytsPerSecEx = 108
	bpbSecPerClusEx = 109
	bpbPercInUseEx  = 112

	bs55AA = 510

	mbrTable = 446
	mbrEntry = 16

	fsiLeadSig   = 0
	fsiStrucSig  = 484
	fsiFreeCount = 488
	fsiNxtFree   = 492
	fsiTrailSig  = 508
)

// Signatures.
const (
	sig55AA        = 0xAA55
	sigFSILead     = 0x41615252
	sigFSIStruc    = 0x61417272
	sigFSITrail    = 0xAA550000
	sigExtendedBPB = 0x29
)

var exfatSignature = []byte("\xEB\x76\x90EXFAT   ")

// Cluster count limits. A volume's FAT width follows from how many clusters
// it has, never from the type string in the boot sector.
const (
	maxClustersFAT12 = 4084
	maxClustersFAT16 = 65524
	maxClustersFAT32 = 0x0FFFFFF5
)

// Sector size limits.
const (
	MinSectorSize = 512
	MaxSectorSize = 4096
)

// bootKind classifies a sector probed for a volume boot record.
type bootKind int

const (
	bootFAT bootKind = iota
	bootExFAT
	bootNotFATValid   // 0x55AA present, not a FAT VBR (likely an MBR)
	bootNotFATInvalid // no boot signature
	bootDiskError
)

func u16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func u32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }

func putU16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func powerOfTwo(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// classify inspects a sector already loaded into b.
func classify(b []byte) bootKind {
	signed := u16(b, bs55AA) == sig55AA

	if signed && bytes.Equal(b[:len(exfatSignature)], exfatSignature) {
		return bootExFAT
	}

	switch b[bsJmpBoot] {
	case 0xEB, 0xE9, 0xE8:
		if signed && bytes.Equal(b[bsFilSysType32:bsFilSysType32+8], []byte("FAT32   ")) {
			return bootFAT
		}
		bps := uint32(u16(b, bpbBytsPerSec))
		spc := uint32(b[bpbSecPerClus])
		if bps >= MinSectorSize && bps <= MaxSectorSize && powerOfTwo(bps) &&
			powerOfTwo(spc) &&
			u16(b, bpbRsvdSecCnt) != 0 &&
			(b[bpbNumFATs] == 1 || b[bpbNumFATs] == 2) &&
			u16(b, bpbRootEntCnt) != 0 &&
			(u16(b, bpbTotSec16) >= 128 || u32(b, bpbTotSec32) >= 0x10000) &&
			u16(b, bpbFATSz16) != 0 {
			return bootFAT
		}
	}

	if signed {
		return bootNotFATValid
	}
	return bootNotFATInvalid
}
