// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package scsi

import (
	"encoding/binary"
	"errors"
)

// Bulk-Only Transport wrapper constants.
const (
	// CBWSignature is "USBC" in little-endian.
	CBWSignature = 0x43425355

	// CSWSignature is "USBS" in little-endian.
	CSWSignature = 0x53425355

	// CBWSize is the fixed size of a command block wrapper.
	CBWSize = 31

	// CSWSize is the fixed size of a command status wrapper.
	CSWSize = 13
)

// CBW direction flag values.
const (
	CBWFlagDataOut = 0x00
	CBWFlagDataIn  = 0x80
)

// CSW status codes.
const (
	StatusPassed     = 0x00
	StatusFailed     = 0x01
	StatusPhaseError = 0x02
)

// Direction of the data phase of a command.
type Direction uint8

// Data phase directions.
const (
	DataNone Direction = iota
	DataIn
	DataOut
)

// CBW is a command block wrapper, the fixed-size envelope that carries one
// SCSI command descriptor to the device.
//
// Numeric wrapper fields are little-endian on the wire; fields inside the
// command descriptor itself are big-endian.
type CBW struct {
	Tag            uint32
	TransferLength uint32
	Flags          uint8
	LUN            uint8
	CDB            []byte
}

// Encode serializes the wrapper into its 31-byte wire form.
func (c *CBW) Encode() []byte {
	buf := make([]byte, CBWSize)

	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.TransferLength)
	buf[12] = c.Flags
	buf[13] = c.LUN & 0x0f
	buf[14] = uint8(len(c.CDB)) & 0x1f
	copy(buf[15:31], c.CDB)

	return buf
}

// CSW is a command status wrapper, the fixed-size reply that closes one
// command exchange. The tag must echo the command wrapper's tag.
type CSW struct {
	Tag     uint32
	Residue uint32
	Status  uint8
}

// Wrapper decode errors.
var (
	errShortCSW        = errors.New("short status wrapper")
	errBadCSWSignature = errors.New("invalid status wrapper signature")
)

// DecodeCSW parses a status wrapper from buf.
//
// The signature is validated here; tag matching is the caller's job since
// only the caller knows the command's tag.
func DecodeCSW(buf []byte) (CSW, error) {
	if len(buf) < CSWSize {
		return CSW{}, errShortCSW
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != CSWSignature {
		return CSW{}, errBadCSWSignature
	}

	return CSW{
		Tag:     binary.LittleEndian.Uint32(buf[4:8]),
		Residue: binary.LittleEndian.Uint32(buf[8:12]),
		Status:  buf[12],
	}, nil
}

// ExtractCSW checks whether buf holds a valid status wrapper with the given
// tag. Devices sometimes answer a data-phase read with the status wrapper
// directly; the engine uses this to detect that short-circuit.
func ExtractCSW(buf []byte, tag uint32) (CSW, bool) {
	csw, err := DecodeCSW(buf)
	if err != nil || csw.Tag != tag {
		return CSW{}, false
	}

	return csw, true
}
