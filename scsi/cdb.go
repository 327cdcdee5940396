// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package scsi

import "encoding/binary"

// Command descriptor builders. Multi-byte fields inside a CDB are
// big-endian, unlike the little-endian wrapper that carries it.

// InquiryCDB builds a standard Inquiry command, or a vital-product-data page
// request when evpd is set.
func InquiryCDB(evpd bool, page uint8, allocation uint8) []byte {
	cdb := make([]byte, 6)

	cdb[0] = OpInquiry

	if evpd {
		cdb[1] = 0x01
		cdb[2] = page
	}

	cdb[4] = allocation

	return cdb
}

// RequestSenseCDB builds a Request Sense command.
func RequestSenseCDB(allocation uint8) []byte {
	cdb := make([]byte, 6)

	cdb[0] = OpRequestSense
	cdb[4] = allocation

	return cdb
}

// TestUnitReadyCDB builds a Test Unit Ready command.
func TestUnitReadyCDB() []byte {
	return make([]byte, 6)
}

// ModeSense6CDB builds a 6-byte Mode Sense command for the given page.
func ModeSense6CDB(page uint8, allocation uint8) []byte {
	cdb := make([]byte, 6)

	cdb[0] = OpModeSense6
	cdb[2] = page
	cdb[4] = allocation

	return cdb
}

// ModeSense10CDB builds a 10-byte Mode Sense command for the given page.
func ModeSense10CDB(page uint8, allocation uint16) []byte {
	cdb := make([]byte, 10)

	cdb[0] = OpModeSense10
	cdb[2] = page
	binary.BigEndian.PutUint16(cdb[7:9], allocation)

	return cdb
}

// StartStopUnitCDB builds a Start Stop Unit command. start spins the medium
// up, !start spins it down; loej additionally loads/ejects the medium.
func StartStopUnitCDB(start, loej bool) []byte {
	cdb := make([]byte, 6)

	cdb[0] = OpStartStopUnit

	if loej {
		cdb[4] |= 0x02
	}

	if start {
		cdb[4] |= 0x01
	}

	return cdb
}

// PreventAllowRemovalCDB builds a Prevent Allow Medium Removal command.
func PreventAllowRemovalCDB(prevent bool) []byte {
	cdb := make([]byte, 6)

	cdb[0] = OpPreventAllowRemoval

	if prevent {
		cdb[4] = 0x01
	}

	return cdb
}

// ReadCapacity10CDB builds a 10-byte Read Capacity command.
func ReadCapacity10CDB() []byte {
	cdb := make([]byte, 10)

	cdb[0] = OpReadCapacity10

	return cdb
}

// ReadCapacity16CDB builds a Read Capacity (16) command via Service Action In.
func ReadCapacity16CDB(allocation uint32) []byte {
	cdb := make([]byte, 16)

	cdb[0] = OpServiceActionIn16
	cdb[1] = ServiceActionReadCapacity16
	binary.BigEndian.PutUint32(cdb[10:14], allocation)

	return cdb
}

// Read10CDB builds a 10-byte Read command.
func Read10CDB(lba uint32, blocks uint16, fua bool) []byte {
	cdb := make([]byte, 10)

	cdb[0] = OpRead10

	if fua {
		cdb[1] = 0x08
	}

	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)

	return cdb
}

// Write10CDB builds a 10-byte Write command.
func Write10CDB(lba uint32, blocks uint16, fua bool) []byte {
	cdb := Read10CDB(lba, blocks, fua)

	cdb[0] = OpWrite10

	return cdb
}

// Read16CDB builds a 16-byte Read command for long addressing.
func Read16CDB(lba uint64, blocks uint32, fua bool) []byte {
	cdb := make([]byte, 16)

	cdb[0] = OpRead16

	if fua {
		cdb[1] = 0x08
	}

	binary.BigEndian.PutUint64(cdb[2:10], lba)
	binary.BigEndian.PutUint32(cdb[10:14], blocks)

	return cdb
}

// Write16CDB builds a 16-byte Write command for long addressing.
func Write16CDB(lba uint64, blocks uint32, fua bool) []byte {
	cdb := Read16CDB(lba, blocks, fua)

	cdb[0] = OpWrite16

	return cdb
}

// SynchronizeCache10CDB builds a 10-byte Synchronize Cache command.
func SynchronizeCache10CDB(lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)

	cdb[0] = OpSynchronizeCache10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)

	return cdb
}

// SynchronizeCache16CDB builds a 16-byte Synchronize Cache command.
func SynchronizeCache16CDB(lba uint64, blocks uint32) []byte {
	cdb := make([]byte, 16)

	cdb[0] = OpSynchronizeCache16
	binary.BigEndian.PutUint64(cdb[2:10], lba)
	binary.BigEndian.PutUint32(cdb[10:14], blocks)

	return cdb
}
