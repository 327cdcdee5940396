// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package exfat probes exFAT filesystems.
package exfat

import (
	"encoding/binary"
	"fmt"

	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/go-usbstorage/scan/internal/magic"
	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
	"github.com/siderolabs/go-usbstorage/scan/internal/utils"
)

var exfatMagic = magic.Magic{
	Offset: 3,
	Value:  []byte("EXFAT   "),
}

// Boot sector field offsets.
const (
	offVolumeLength      = 72
	offVolumeSerial      = 100
	offBytesPerSector    = 108
	offSectorsPerCluster = 109
)

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{&exfatMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "exfat"
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

	sectorShift := buf[offBytesPerSector]
	clusterShift := buf[offSectorsPerCluster]

	if sectorShift < 9 || sectorShift > 12 || clusterShift > 25 {
		return nil, nil //nolint:nilnil
	}

	sectorSize := uint32(1) << sectorShift
	serial := binary.LittleEndian.Uint32(buf[offVolumeSerial:])

	res := &probe.Result{
		Label: pointer.To(fmt.Sprintf("%04X-%04X", serial>>16, serial&0xffff)),

		BlockSize:           sectorSize,
		FilesystemBlockSize: sectorSize << clusterShift,
		ProbedSize:          binary.LittleEndian.Uint64(buf[offVolumeLength:]) * uint64(sectorSize),
	}

	return res, nil
}
