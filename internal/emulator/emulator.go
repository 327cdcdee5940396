// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package emulator provides an in-memory USB mass storage device for tests.
//
// The emulated device speaks the Bulk-Only Transport over fake bulk pipes
// and executes SCSI commands against per-unit byte slices, so the whole
// stack from endpoint binding to block I/O runs without hardware.
package emulator

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/siderolabs/go-usbstorage/msc"
	"github.com/siderolabs/go-usbstorage/scsi"
	"github.com/siderolabs/go-usbstorage/usb"
)

// Endpoint addresses exposed by the emulated interface.
const (
	EpStatus  = 0x81
	EpCommand = 0x02
	EpDataIn  = 0x83
	EpDataOut = 0x04
)

// Unit is one emulated logical unit and its behavior knobs.
type Unit struct {
	BlockSize uint32
	Data      []byte

	// BlockCountOverride reports a capacity larger than len(Data) allows,
	// to exercise long addressing without allocating the media.
	BlockCountOverride uint64

	Removable      bool
	WriteProtected bool
	FUA            bool

	// Absent makes the unit report no medium for every access.
	Absent bool

	// NotReadyCount fails that many Test Unit Ready rounds with a
	// becoming-ready sense before answering.
	NotReadyCount int

	NoModeSense bool

	Vendor, Product, Revision, Serial string
	VPDSerial                         string

	// DeviceType and Version override the Inquiry identity bytes when
	// non-nil.
	DeviceType *uint8
	Version    *uint8

	// ReadCommands and WriteCommands record the block count of every
	// media access command, in order.
	ReadCommands  []uint32
	WriteCommands []uint32

	Flushes int

	sense scsi.Sense
}

func (u *Unit) blockCount() uint64 {
	if u.BlockCountOverride != 0 {
		return u.BlockCountOverride
	}

	return uint64(len(u.Data)) / uint64(u.BlockSize)
}

// pendingWrite accumulates the data phase of an in-flight write command.
type pendingWrite struct {
	lun    uint8
	tag    uint32
	offset uint64
	buf    []byte
	filled int
}

// Device is the emulated USB device. It implements usb.Device.
type Device struct {
	mu sync.Mutex

	Units []*Unit

	// HighPerformance routes data phases over the dedicated pipe pair and
	// advertises the alternate transport in Interface().
	HighPerformance bool

	// NoMaxLUN makes the Get Max LUN request fail, forcing the single-unit
	// fallback.
	NoMaxLUN bool

	Resets int
	Clears map[uint8]int
	Closed bool

	AltSelected []uint8

	queues map[uint8][][]byte
	write  *pendingWrite
}

// New builds an emulated device over the given units.
func New(units ...*Unit) *Device {
	return &Device{
		Units:  units,
		Clears: map[uint8]int{},
		queues: map[uint8][][]byte{},
	}
}

// Interface describes the emulated mass storage interface the way
// enumeration would.
func (d *Device) Interface() msc.InterfaceDesc {
	bot := msc.AltSetting{
		Alt:      0,
		Protocol: usb.ProtocolBulkOnly,
		Endpoints: []usb.EndpointDesc{
			{Address: EpStatus, MaxPacketSize: 512},
			{Address: EpCommand, MaxPacketSize: 512},
		},
	}

	desc := msc.InterfaceDesc{
		Number:      0,
		AltSettings: []msc.AltSetting{bot},
	}

	if d.HighPerformance {
		desc.AltSettings = append(desc.AltSettings, msc.AltSetting{
			Alt:      1,
			Protocol: usb.ProtocolUAS,
			Endpoints: []usb.EndpointDesc{
				{Address: EpStatus, MaxPacketSize: 1024},
				{Address: EpCommand, MaxPacketSize: 1024},
				{Address: EpDataIn, MaxPacketSize: 1024},
				{Address: EpDataOut, MaxPacketSize: 1024},
			},
			PipeUsage: map[uint8]uint8{
				EpCommand: usb.PipeUsageCommand,
				EpStatus:  usb.PipeUsageStatus,
				EpDataIn:  usb.PipeUsageDataIn,
				EpDataOut: usb.PipeUsageDataOut,
			},
		})
	}

	return desc
}

// ControlTransfer answers the two mass-storage class requests.
func (d *Device) ControlTransfer(requestType, request uint8, _, _ uint16, data []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case requestType&0x7f == usb.RequestTypeClass|usb.RequestTypeInterface && request == usb.RequestMassStorageReset:
		d.Resets++
		d.write = nil

		return 0, nil
	case request == usb.RequestGetMaxLUN:
		if d.NoMaxLUN || len(data) == 0 {
			return 0, usb.ErrStall
		}

		data[0] = uint8(len(d.Units) - 1)

		return 1, nil
	}

	return 0, usb.ErrStall
}

// BulkTransfer routes by endpoint: command wrappers and write data on the
// out pipes, queued responses on the in pipes.
func (d *Device) BulkTransfer(endpoint uint8, data []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if endpoint&0x80 == 0 {
		return d.hostWrite(endpoint, data)
	}

	queue := d.queues[endpoint]
	if len(queue) == 0 {
		return 0, usb.ErrTimeout
	}

	item := queue[0]
	d.queues[endpoint] = queue[1:]

	return copy(data, item), nil
}

func (d *Device) hostWrite(endpoint uint8, data []byte) (int, error) {
	if endpoint == EpCommand && len(data) == scsi.CBWSize &&
		binary.LittleEndian.Uint32(data[0:4]) == scsi.CBWSignature {
		d.execCommand(data)

		return len(data), nil
	}

	if d.write != nil {
		n := copy(d.write.buf[d.write.filled:], data)
		d.write.filled += n

		if d.write.filled == len(d.write.buf) {
			d.commitWrite()
		}

		return len(data), nil
	}

	return len(data), nil
}

func (d *Device) HaltStatus(uint8) (bool, error) {
	return false, nil
}

func (d *Device) ClearHalt(endpoint uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Clears[endpoint]++

	return nil
}

func (d *Device) SetAltSetting(_, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.AltSelected = append(d.AltSelected, alt)

	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Closed = true

	return nil
}

// IsClosed reports whether Close was called. Safe to poll from another
// goroutine.
func (d *Device) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.Closed
}

// dataInEndpoint is where command data goes; status wrappers always go to
// the status pipe.
func (d *Device) dataInEndpoint() uint8 {
	if d.HighPerformance {
		return EpDataIn
	}

	return EpStatus
}

func (d *Device) queueData(buf []byte) {
	ep := d.dataInEndpoint()
	d.queues[ep] = append(d.queues[ep], buf)
}

func (d *Device) queueCSW(tag uint32, status uint8, residue uint32) {
	buf := make([]byte, scsi.CSWSize)

	binary.LittleEndian.PutUint32(buf[0:4], scsi.CSWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], residue)
	buf[12] = status

	d.queues[EpStatus] = append(d.queues[EpStatus], buf)
}

func (d *Device) fail(u *Unit, tag uint32, key, asc, ascq uint8) {
	u.sense = scsi.Sense{Key: key, ASC: asc, ASCQ: ascq}

	d.queueCSW(tag, scsi.StatusFailed, 0)
}

func (d *Device) pass(u *Unit, tag uint32) {
	u.sense = scsi.Sense{}

	d.queueCSW(tag, scsi.StatusPassed, 0)
}

//nolint:gocyclo,cyclop
func (d *Device) execCommand(cbw []byte) {
	tag := binary.LittleEndian.Uint32(cbw[4:8])
	transferLen := binary.LittleEndian.Uint32(cbw[8:12])
	lun := cbw[13] & 0x0f
	cdbLen := int(cbw[14] & 0x1f)
	cdb := cbw[15 : 15+cdbLen]

	if int(lun) >= len(d.Units) {
		d.queueCSW(tag, scsi.StatusFailed, transferLen)

		return
	}

	u := d.Units[lun]

	switch cdb[0] {
	case scsi.OpRequestSense:
		buf := make([]byte, scsi.SenseDataSize)
		buf[0] = 0x70
		buf[2] = u.sense.Key
		buf[7] = 10
		buf[12] = u.sense.ASC
		buf[13] = u.sense.ASCQ

		d.queueData(buf)
		d.queueCSW(tag, scsi.StatusPassed, 0)
	case scsi.OpInquiry:
		d.inquiry(u, tag, cdb)
	case scsi.OpTestUnitReady:
		switch {
		case u.Absent:
			d.fail(u, tag, scsi.SenseNotReady, scsi.ASCMediumNotPresent, 0)
		case u.NotReadyCount > 0:
			u.NotReadyCount--

			d.fail(u, tag, scsi.SenseNotReady, 0x04, 0x01)
		default:
			d.pass(u, tag)
		}
	case scsi.OpModeSense6:
		if u.NoModeSense {
			d.fail(u, tag, scsi.SenseIllegalRequest, 0x20, 0)

			return
		}

		buf := make([]byte, 4)
		buf[0] = 3
		buf[2] = u.modeFlags()

		d.queueData(buf)
		d.pass(u, tag)
	case scsi.OpModeSense10:
		if u.NoModeSense {
			d.fail(u, tag, scsi.SenseIllegalRequest, 0x20, 0)

			return
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint16(buf[0:2], 6)
		buf[3] = u.modeFlags()

		d.queueData(buf)
		d.pass(u, tag)
	case scsi.OpStartStopUnit, scsi.OpPreventAllowRemoval:
		if u.Absent {
			d.fail(u, tag, scsi.SenseNotReady, scsi.ASCMediumNotPresent, 0)

			return
		}

		d.pass(u, tag)
	case scsi.OpReadCapacity10:
		lastLBA := u.blockCount() - 1
		if lastLBA > 0xffffffff {
			lastLBA = 0xffffffff
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint32(buf[0:4], uint32(lastLBA))
		binary.BigEndian.PutUint32(buf[4:8], u.BlockSize)

		d.queueData(buf)
		d.pass(u, tag)
	case scsi.OpServiceActionIn16:
		buf := make([]byte, 32)
		binary.BigEndian.PutUint64(buf[0:8], u.blockCount()-1)
		binary.BigEndian.PutUint32(buf[8:12], u.BlockSize)

		d.queueData(buf)
		d.pass(u, tag)
	case scsi.OpRead10:
		d.read(u, tag, uint64(binary.BigEndian.Uint32(cdb[2:6])), uint32(binary.BigEndian.Uint16(cdb[7:9])))
	case scsi.OpRead16:
		d.read(u, tag, binary.BigEndian.Uint64(cdb[2:10]), binary.BigEndian.Uint32(cdb[10:14]))
	case scsi.OpWrite10:
		d.beginWrite(u, lun, tag, uint64(binary.BigEndian.Uint32(cdb[2:6])), uint32(binary.BigEndian.Uint16(cdb[7:9])))
	case scsi.OpWrite16:
		d.beginWrite(u, lun, tag, binary.BigEndian.Uint64(cdb[2:10]), binary.BigEndian.Uint32(cdb[10:14]))
	case scsi.OpSynchronizeCache10, scsi.OpSynchronizeCache16:
		u.Flushes++

		d.pass(u, tag)
	default:
		d.fail(u, tag, scsi.SenseIllegalRequest, 0x20, 0)
	}
}

func (u *Unit) modeFlags() uint8 {
	var flags uint8

	if u.WriteProtected {
		flags |= scsi.ModeSenseWriteProtectBit
	}

	if u.FUA {
		flags |= scsi.ModeSenseDPOFUABit
	}

	return flags
}

func (d *Device) inquiry(u *Unit, tag uint32, cdb []byte) {
	if cdb[1]&0x01 != 0 {
		// vital product data request
		if cdb[2] != scsi.VPDUnitSerialNumber || u.VPDSerial == "" {
			d.fail(u, tag, scsi.SenseIllegalRequest, 0x24, 0)

			return
		}

		buf := make([]byte, 4+len(u.VPDSerial))
		buf[1] = scsi.VPDUnitSerialNumber
		buf[3] = uint8(len(u.VPDSerial))
		copy(buf[4:], u.VPDSerial)

		d.queueData(buf)
		d.pass(u, tag)

		return
	}

	buf := make([]byte, 56)

	if u.DeviceType != nil {
		buf[0] = *u.DeviceType
	}

	if u.Removable {
		buf[1] = 0x80
	}

	buf[2] = scsi.VersionSPC2
	if u.Version != nil {
		buf[2] = *u.Version
	}

	buf[4] = uint8(len(buf) - 5)

	pad := func(dst []byte, s string) {
		for i := range dst {
			dst[i] = ' '
		}

		copy(dst, s)
	}

	pad(buf[8:16], u.Vendor)
	pad(buf[16:32], u.Product)
	pad(buf[32:36], u.Revision)

	// serial rides in the vendor-specific tail
	pad(buf[36:], u.Serial)

	if n := int(cdb[4]); n < len(buf) {
		buf = buf[:n]
	}

	d.queueData(buf)
	d.pass(u, tag)
}

func (d *Device) read(u *Unit, tag uint32, lba uint64, blocks uint32) {
	if u.Absent {
		d.fail(u, tag, scsi.SenseNotReady, scsi.ASCMediumNotPresent, 0)

		return
	}

	u.ReadCommands = append(u.ReadCommands, blocks)

	start := lba * uint64(u.BlockSize)
	end := start + uint64(blocks)*uint64(u.BlockSize)

	if end > uint64(len(u.Data)) {
		d.fail(u, tag, scsi.SenseIllegalRequest, 0x21, 0)

		return
	}

	d.queueData(append([]byte(nil), u.Data[start:end]...))
	d.pass(u, tag)
}

func (d *Device) beginWrite(u *Unit, lun uint8, tag uint32, lba uint64, blocks uint32) {
	if u.Absent {
		d.fail(u, tag, scsi.SenseNotReady, scsi.ASCMediumNotPresent, 0)

		return
	}

	if u.WriteProtected {
		d.fail(u, tag, scsi.SenseDataProtect, 0x27, 0)

		return
	}

	u.WriteCommands = append(u.WriteCommands, blocks)

	start := lba * uint64(u.BlockSize)
	end := start + uint64(blocks)*uint64(u.BlockSize)

	if end > uint64(len(u.Data)) {
		d.fail(u, tag, scsi.SenseIllegalRequest, 0x21, 0)

		return
	}

	d.write = &pendingWrite{
		lun:    lun,
		tag:    tag,
		offset: start,
		buf:    make([]byte, end-start),
	}
}

func (d *Device) commitWrite() {
	w := d.write
	d.write = nil

	u := d.Units[w.lun]
	copy(u.Data[w.offset:], w.buf)

	d.pass(u, w.tag)
}
