// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ntfs probes NTFS filesystems.
package ntfs

import (
	"encoding/binary"
	"fmt"

	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/go-usbstorage/scan/internal/magic"
	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
	"github.com/siderolabs/go-usbstorage/scan/internal/utils"
)

var ntfsMagic = magic.Magic{
	Offset: 3,
	Value:  []byte("NTFS    "),
}

// Boot sector field offsets.
const (
	offSectorSize   = 11
	offClusterSize  = 13
	offTotalSectors = 40
	offVolumeSerial = 72
)

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{&ntfsMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "ntfs"
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader) (*probe.Result, error) {
	buf := make([]byte, 512)

	if err := utils.ReadFullAt(r, buf, 0); err != nil {
		return nil, err
	}

	if binary.LittleEndian.Uint16(buf[510:]) != 0xaa55 {
		return nil, nil //nolint:nilnil
	}

	sectorSize := uint32(binary.LittleEndian.Uint16(buf[offSectorSize:]))
	if !utils.IsPowerOf2(sectorSize) || sectorSize < 256 {
		return nil, nil //nolint:nilnil
	}

	serial := binary.LittleEndian.Uint64(buf[offVolumeSerial:])

	res := &probe.Result{
		Label: pointer.To(fmt.Sprintf("%016X", serial)),

		BlockSize:           sectorSize,
		FilesystemBlockSize: uint32(buf[offClusterSize]) * sectorSize,
		ProbedSize:          binary.LittleEndian.Uint64(buf[offTotalSectors:]) * uint64(sectorSize),
	}

	return res, nil
}
