// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vfat probes FAT12/FAT16/FAT32 filesystems.
package vfat

import (
	"encoding/binary"
	"strings"

	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/go-usbstorage/scan/internal/magic"
	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
	"github.com/siderolabs/go-usbstorage/scan/internal/utils"
)

// BPB field offsets within the boot sector.
const (
	offSectorSize     = 11
	offClusterSize    = 13
	offReserved       = 14
	offFATs           = 16
	offRootEntries    = 17
	offTotalSectors16 = 19
	offSectorsPerFAT  = 22
	offTotalSectors32 = 32
	offFAT16Label     = 43
	offFAT32Label     = 71
	offFAT32Type      = 0x52
)

// legacyMinSectors is the smallest total-sector count accepted for a
// FAT12/FAT16 volume by the legacy BPB heuristic.
const legacyMinSectors = 128

// nullMagic matches always: legacy FAT volumes carry no reliable magic
// string, detection is structural.
var nullMagic = magic.Magic{}

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{&nullMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "vfat"
}

// Probe runs the further inspection and returns the result if successful.
//
// FAT32 is identified by a valid jump opcode plus the filesystem-type
// string; older FAT12/16 by the legacy BPB heuristic.
func (p *Probe) Probe(r probe.Reader) (*probe.Result, error) {
	buf := make([]byte, 512)

	if err := utils.ReadFullAt(r, buf, 0); err != nil {
		return nil, err
	}

	fat32 := validJump(buf[0]) && string(buf[offFAT32Type:offFAT32Type+8]) == "FAT32   "

	if !fat32 && !legacyValid(buf, r.GetSectorSize()) {
		return nil, nil //nolint:nilnil
	}

	sectorSize := uint32(binary.LittleEndian.Uint16(buf[offSectorSize:]))

	sectorCount := uint32(binary.LittleEndian.Uint16(buf[offTotalSectors16:]))
	if sectorCount == 0 {
		sectorCount = binary.LittleEndian.Uint32(buf[offTotalSectors32:])
	}

	res := &probe.Result{
		BlockSize:           sectorSize,
		FilesystemBlockSize: uint32(buf[offClusterSize]) * sectorSize,
		ProbedSize:          uint64(sectorCount) * uint64(sectorSize),
	}

	labelOff := offFAT16Label
	if fat32 {
		labelOff = offFAT32Label
	}

	if label := strings.TrimRight(string(buf[labelOff:labelOff+11]), " \x00"); label != "" && label != "NO NAME" {
		res.Label = pointer.To(label)
	}

	return res, nil
}

func validJump(op byte) bool {
	return op == 0xeb || op == 0xe9
}

// legacyValid applies the BIOS Parameter Block sanity checks that identify
// pre-FAT32 volumes.
func legacyValid(buf []byte, deviceSectorSize uint) bool {
	sectorSize := binary.LittleEndian.Uint16(buf[offSectorSize:])
	if !utils.IsPowerOf2(sectorSize) || uint(sectorSize) > deviceSectorSize {
		return false
	}

	if !utils.IsPowerOf2(buf[offClusterSize]) {
		return false
	}

	if binary.LittleEndian.Uint16(buf[offReserved:]) == 0 {
		return false
	}

	if fats := buf[offFATs]; fats == 0 || fats > 2 {
		return false
	}

	if binary.LittleEndian.Uint16(buf[offRootEntries:]) == 0 {
		return false
	}

	total := uint32(binary.LittleEndian.Uint16(buf[offTotalSectors16:]))
	if total == 0 {
		total = binary.LittleEndian.Uint32(buf[offTotalSectors32:])
	}

	if total < legacyMinSectors {
		return false
	}

	return binary.LittleEndian.Uint16(buf[offSectorsPerFAT:]) != 0
}
