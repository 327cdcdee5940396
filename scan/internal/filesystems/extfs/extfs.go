// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package extfs probes ext2/ext3/ext4 filesystems.
package extfs

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"

	"github.com/siderolabs/go-usbstorage/scan/internal/magic"
	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
	"github.com/siderolabs/go-usbstorage/scan/internal/utils"
)

// sbOffset is the fixed superblock location.
const sbOffset = 0x400

// Superblock field offsets.
const (
	offBlocksCountLo   = 4
	offLogBlockSize    = 24
	offFeatureROCompat = 100
	offUUID            = 104
	offVolumeName      = 120
	offBlocksCountHi   = 0x150
	offChecksum        = 1020
)

// EXT4_FEATURE_RO_COMPAT_METADATA_CSUM guards the superblock checksum.
const featureROCompatMetadataCsum = 0x0400

var extfsMagic = magic.Magic{
	Offset: sbOffset + 0x38,
	Value:  []byte("\123\357"),
}

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{&extfsMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "extfs"
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader) (*probe.Result, error) {
	buf := make([]byte, 1024)

	if err := utils.ReadFullAt(r, buf, sbOffset); err != nil {
		return nil, err
	}

	if !bytes.Equal(buf[0x38:0x3a], extfsMagic.Value) {
		return nil, nil //nolint:nilnil
	}

	if binary.LittleEndian.Uint32(buf[offFeatureROCompat:])&featureROCompatMetadataCsum > 0 {
		csum := utils.CRC32c(buf[:offChecksum])

		if csum != binary.LittleEndian.Uint32(buf[offChecksum:]) {
			return nil, nil //nolint:nilnil
		}
	}

	fsUUID, err := uuid.FromBytes(buf[offUUID : offUUID+16])
	if err != nil {
		return nil, err
	}

	blockSize := uint32(1024) << binary.LittleEndian.Uint32(buf[offLogBlockSize:])

	blocksCount := uint64(binary.LittleEndian.Uint32(buf[offBlocksCountLo:])) |
		uint64(binary.LittleEndian.Uint32(buf[offBlocksCountHi:]))<<32

	res := &probe.Result{
		UUID: &fsUUID,

		BlockSize:           blockSize,
		FilesystemBlockSize: blockSize,
		ProbedSize:          blocksCount * uint64(blockSize),
	}

	lbl := buf[offVolumeName : offVolumeName+16]
	if lbl[0] != 0 {
		idx := bytes.IndexByte(lbl, 0)
		if idx == -1 {
			idx = len(lbl)
		}

		res.Label = pointer.To(string(lbl[:idx]))
	}

	return res, nil
}
