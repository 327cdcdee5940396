// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package msc

import (
	"fmt"

	"github.com/siderolabs/go-usbstorage/scsi"
)

// Per-command block count ceilings imposed by the command descriptor width.
const (
	maxBlocksShort = 65535
	maxBlocksLong  = 65536
)

// maxBlocksPerCommand is the largest block count a single command may carry:
// the addressing-mode ceiling aligned down to what fits in one transfer
// buffer pass.
func (l *LogicalUnit) maxBlocksPerCommand() uint64 {
	limit := uint64(maxBlocksShort)
	if l.longAddressing {
		limit = maxBlocksLong
	}

	bufBlocks := uint64(len(l.drive.buffer)) / uint64(l.blockSize)
	if bufBlocks < limit {
		limit = bufBlocks
	}

	return limit
}

// ReadBlocks reads count blocks starting at lba into buf.
//
// No bounds validation happens here beyond what the device itself enforces;
// callers pre-validate ranges.
func (l *LogicalUnit) ReadBlocks(lba, count uint64, buf []byte) error {
	return l.rw(lba, count, buf, false)
}

// WriteBlocks writes count blocks starting at lba from buf.
func (l *LogicalUnit) WriteBlocks(lba, count uint64, buf []byte) error {
	return l.rw(lba, count, buf, true)
}

func (l *LogicalUnit) rw(lba, count uint64, buf []byte, write bool) error {
	if l.state != lunReady {
		return ErrUnitStopped
	}

	if uint64(len(buf)) < count*uint64(l.blockSize) {
		return fmt.Errorf("buffer too small for %d blocks", count)
	}

	l.drive.mu.Lock()
	defer l.drive.mu.Unlock()

	maxPerCmd := l.maxBlocksPerCommand()

	for count > 0 {
		chunk := count
		if chunk > maxPerCmd {
			chunk = maxPerCmd
		}

		chunkBytes := chunk * uint64(l.blockSize)

		var (
			cdb []byte
			dir scsi.Direction
		)

		switch {
		case write && l.longAddressing:
			cdb, dir = scsi.Write16CDB(lba, uint32(chunk), l.fua), scsi.DataOut
		case write:
			cdb, dir = scsi.Write10CDB(uint32(lba), uint16(chunk), l.fua), scsi.DataOut
		case l.longAddressing:
			cdb, dir = scsi.Read16CDB(lba, uint32(chunk), false), scsi.DataIn
		default:
			cdb, dir = scsi.Read10CDB(uint32(lba), uint16(chunk), false), scsi.DataIn
		}

		if err := l.execute(cdb, dir, buf[:chunkBytes]); err != nil {
			return fmt.Errorf("block transfer at lba %d failed: %w", lba, err)
		}

		lba += chunk
		count -= chunk
		buf = buf[chunkBytes:]
	}

	return nil
}

// Flush forces cached writes to the medium.
func (l *LogicalUnit) Flush() error {
	if l.state != lunReady {
		return ErrUnitStopped
	}

	l.drive.mu.Lock()
	defer l.drive.mu.Unlock()

	if l.longAddressing {
		return l.execute(scsi.SynchronizeCache16CDB(0, 0), scsi.DataNone, nil)
	}

	return l.execute(scsi.SynchronizeCache10CDB(0, 0), scsi.DataNone, nil)
}
