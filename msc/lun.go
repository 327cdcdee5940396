// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package msc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/go-usbstorage/scsi"
)

// Logical unit block geometry limits.
const (
	MinBlockSize = 512
	MaxBlockSize = 4096
)

// Lifecycle errors.
var (
	// ErrNotBlockDevice indicates the unit is not a connected direct-access
	// block device.
	ErrNotBlockDevice = errors.New("not a direct-access block device")

	// ErrUnsupportedVersion indicates the unit reports a SCSI command set
	// version the stack does not speak.
	ErrUnsupportedVersion = errors.New("unsupported SCSI version")

	// ErrBadGeometry indicates the unit reported an unusable block size or
	// a zero capacity.
	ErrBadGeometry = errors.New("invalid block geometry")

	// ErrUnitStopped indicates the unit was stopped or its medium removed.
	ErrUnitStopped = errors.New("logical unit is stopped")
)

// lunState tracks the unit lifecycle.
type lunState int

const (
	lunUnstarted lunState = iota
	lunReady
	lunStopped
)

// LogicalUnit is one independently addressable block device behind a drive.
type LogicalUnit struct {
	drive *Drive
	index uint8

	state lunState

	removable      bool
	writeProtected bool
	fua            bool
	longAddressing bool

	// prevented records that Prevent-Medium-Removal and Start-Unit were
	// granted, so Stop can undo them.
	prevented bool

	blockSize  uint32
	blockCount uint64

	vendor, product, revision, serial string

	logger *zap.Logger
}

func newLogicalUnit(d *Drive, index uint8) *LogicalUnit {
	return &LogicalUnit{
		drive:  d,
		index:  index,
		logger: d.logger.With(zap.Uint8("lun", index)),
	}
}

// Index returns the unit's index on its drive.
func (l *LogicalUnit) Index() uint8 {
	return l.index
}

// Removable reports whether the unit's medium is removable.
func (l *LogicalUnit) Removable() bool {
	return l.removable
}

// WriteProtected reports whether the medium is write-protected.
func (l *LogicalUnit) WriteProtected() bool {
	return l.writeProtected
}

// BlockSize returns the unit's logical block size in bytes.
func (l *LogicalUnit) BlockSize() uint32 {
	return l.blockSize
}

// BlockCount returns the number of logical blocks on the unit.
func (l *LogicalUnit) BlockCount() uint64 {
	return l.blockCount
}

// Capacity returns the unit's capacity in bytes.
func (l *LogicalUnit) Capacity() uint64 {
	return uint64(l.blockSize) * l.blockCount
}

// Serial returns the best serial string discovered for the unit.
func (l *LogicalUnit) Serial() string {
	return l.serial
}

// Revision returns the product revision level from the Inquiry data.
func (l *LogicalUnit) Revision() string {
	return l.revision
}

// Start brings the unit online: Inquiry, optional Prevent/Start for
// removable media, Mode Sense, Test Unit Ready and Read Capacity. On any
// failure partial Prevent/Start grants are unwound and the unit stays
// unusable.
func (l *LogicalUnit) Start() error {
	if err := l.start(); err != nil {
		l.unwind()

		return err
	}

	l.state = lunReady

	return nil
}

func (l *LogicalUnit) start() error {
	if err := l.inquire(); err != nil {
		return err
	}

	if l.removable {
		if err := l.preventAndStart(); err != nil {
			return err
		}
	}

	l.modeSense()

	if err := l.execute(scsi.TestUnitReadyCDB(), scsi.DataNone, nil); err != nil {
		return fmt.Errorf("unit not ready: %w", err)
	}

	if err := l.readCapacity(); err != nil {
		return err
	}

	if !validBlockSize(l.blockSize) {
		return fmt.Errorf("%w: block size %d", ErrBadGeometry, l.blockSize)
	}

	if l.blockCount == 0 {
		return fmt.Errorf("%w: zero capacity", ErrBadGeometry)
	}

	return nil
}

// Stop takes the unit offline. For removable units that were granted
// Prevent/Start at startup it allows medium removal and stops the motor;
// other units are stopped silently. Cached writes are flushed first.
func (l *LogicalUnit) Stop() {
	if l.state == lunReady {
		l.flushQuietly()
	}

	l.unwind()

	l.state = lunStopped
}

func (l *LogicalUnit) unwind() {
	if !l.prevented {
		return
	}

	if err := l.execute(scsi.PreventAllowRemovalCDB(false), scsi.DataNone, nil); err != nil {
		l.logger.Debug("allow medium removal refused", zap.Error(err))
	}

	if err := l.execute(scsi.StartStopUnitCDB(false, false), scsi.DataNone, nil); err != nil {
		l.logger.Debug("stop unit refused", zap.Error(err))
	}

	l.prevented = false
}

func (l *LogicalUnit) flushQuietly() {
	var cdb []byte

	if l.longAddressing {
		cdb = scsi.SynchronizeCache16CDB(0, 0)
	} else {
		cdb = scsi.SynchronizeCache10CDB(0, 0)
	}

	if err := l.execute(cdb, scsi.DataNone, nil); err != nil {
		l.logger.Debug("synchronize cache refused", zap.Error(err))
	}
}

// inquire sends standard Inquiry and fills the unit's identity. Anything
// that is not a connected direct-access block device with a supported
// command set version is rejected.
func (l *LogicalUnit) inquire() error {
	// 36 bytes of standard data plus room for the vendor-specific tail
	buf := make([]byte, 56)

	if err := l.execute(scsi.InquiryCDB(false, 0, uint8(len(buf))), scsi.DataIn, buf); err != nil {
		return fmt.Errorf("inquiry failed: %w", err)
	}

	qualifier := buf[0] >> 5
	devType := buf[0] & 0x1f

	if qualifier != scsi.QualifierConnected || devType != scsi.DeviceTypeDirectAccess {
		return fmt.Errorf("%w: qualifier %d type %#02x", ErrNotBlockDevice, qualifier, devType)
	}

	switch buf[2] {
	case scsi.VersionNoStandard, scsi.VersionSPC2, scsi.VersionSPC3, scsi.VersionSPC4, scsi.VersionSPC5:
	default:
		return fmt.Errorf("%w: version %#02x", ErrUnsupportedVersion, buf[2])
	}

	l.removable = buf[1]&0x80 != 0
	l.vendor = asciiField(buf[8:16])
	l.product = asciiField(buf[16:32])
	l.revision = asciiField(buf[32:36])

	// vendor-specific bytes past the standard data often carry a serial;
	// devices returning only 36 bytes leave the tail zeroed
	l.serial = asciiField(buf[36:])

	if serial := l.unitSerialNumber(); serial != "" {
		l.serial = serial
	}

	return nil
}

// unitSerialNumber fetches the Unit Serial Number vital product data page.
// Devices without VPD support keep the Inquiry-embedded serial.
func (l *LogicalUnit) unitSerialNumber() string {
	buf := make([]byte, 4+32)

	if err := l.execute(scsi.InquiryCDB(true, scsi.VPDUnitSerialNumber, uint8(len(buf))), scsi.DataIn, buf); err != nil {
		return ""
	}

	length := int(buf[3])
	if length > len(buf)-4 {
		length = len(buf) - 4
	}

	return asciiField(buf[4 : 4+length])
}

// preventAndStart locks the medium in and spins the unit up. Refusal is not
// fatal unless the device reports the medium absent.
func (l *LogicalUnit) preventAndStart() error {
	if err := l.execute(scsi.PreventAllowRemovalCDB(true), scsi.DataNone, nil); err != nil {
		if errors.Is(err, scsi.ErrMediumNotPresent) {
			return err
		}

		l.logger.Debug("prevent medium removal refused", zap.Error(err))

		return nil
	}

	if err := l.execute(scsi.StartStopUnitCDB(true, false), scsi.DataNone, nil); err != nil {
		if errors.Is(err, scsi.ErrMediumNotPresent) {
			l.prevented = true

			return err
		}

		l.logger.Debug("start unit refused", zap.Error(err))
	}

	l.prevented = true

	return nil
}

// modeSense learns write-protect and FUA support. Missing Mode Sense
// support is tolerated, both flags default to false.
func (l *LogicalUnit) modeSense() {
	buf := make([]byte, 4)

	if err := l.execute(scsi.ModeSense6CDB(0x3f, uint8(len(buf))), scsi.DataIn, buf); err == nil {
		l.writeProtected = buf[2]&scsi.ModeSenseWriteProtectBit != 0
		l.fua = buf[2]&scsi.ModeSenseDPOFUABit != 0

		return
	}

	buf10 := make([]byte, 8)

	if err := l.execute(scsi.ModeSense10CDB(0x3f, uint16(len(buf10))), scsi.DataIn, buf10); err == nil {
		l.writeProtected = buf10[3]&scsi.ModeSenseWriteProtectBit != 0
		l.fua = buf10[3]&scsi.ModeSenseDPOFUABit != 0

		return
	}

	l.logger.Debug("mode sense not supported")
}

// readCapacity fills block geometry. A 10-byte response pinned at the
// 32-bit maximum block address switches the unit to long addressing via
// Read Capacity (16).
func (l *LogicalUnit) readCapacity() error {
	buf := make([]byte, 8)

	if err := l.execute(scsi.ReadCapacity10CDB(), scsi.DataIn, buf); err != nil {
		return fmt.Errorf("read capacity failed: %w", err)
	}

	lastLBA := binary.BigEndian.Uint32(buf[0:4])
	l.blockSize = binary.BigEndian.Uint32(buf[4:8])
	l.blockCount = uint64(lastLBA) + 1

	if lastLBA != 0xffffffff {
		return nil
	}

	buf16 := make([]byte, 32)

	if err := l.execute(scsi.ReadCapacity16CDB(uint32(len(buf16))), scsi.DataIn, buf16); err != nil {
		return fmt.Errorf("read capacity (16) failed: %w", err)
	}

	l.blockCount = binary.BigEndian.Uint64(buf16[0:8]) + 1
	l.blockSize = binary.BigEndian.Uint32(buf16[8:12])
	l.longAddressing = true

	return nil
}

// execute runs one command against this unit under the drive's lock,
// permanently disabling the unit when the medium disappears.
func (l *LogicalUnit) execute(cdb []byte, dir scsi.Direction, buf []byte) error {
	err := l.drive.engine.Execute(l.index, cdb, dir, buf)
	if errors.Is(err, scsi.ErrMediumNotPresent) {
		l.state = lunStopped
	}

	return err
}

func validBlockSize(size uint32) bool {
	return size >= MinBlockSize && size <= MaxBlockSize && size&(size-1) == 0
}

func asciiField(buf []byte) string {
	return strings.TrimRight(strings.TrimRight(string(buf), "\x00"), " ")
}
