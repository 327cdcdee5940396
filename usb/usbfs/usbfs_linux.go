// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

// Package usbfs implements usb.Device on top of the Linux usbfs character
// devices under /dev/bus/usb.
package usbfs

import (
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/go-usbstorage/usb"
)

// usbfs ioctl numbers, 64-bit layout.
const (
	usbdevfsControl          = 0xc0185500
	usbdevfsBulk             = 0xc0185502
	usbdevfsSetInterface     = 0x80085504
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsClearHalt        = 0x80045515
)

// ctrlTransfer matches the kernel's struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	_           uint32
	data        uintptr
}

// bulkTransfer matches the kernel's struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32
	_        uint32
	data     uintptr
}

// setInterface matches the kernel's struct usbdevfs_setinterface.
type setInterface struct {
	iface      uint32
	altSetting uint32
}

// Device is a usbfs-backed USB device handle.
type Device struct {
	f *os.File

	// usbfs has no halt-status query; a STALL is observed as EPIPE on a
	// transfer and remembered here until cleared.
	mu      sync.Mutex
	stalled map[uint8]bool

	claimed []uint8
}

// Open opens the usbfs node for the given bus and device number.
func Open(bus, dev int) (*Device, error) {
	return OpenPath(fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, dev))
}

// OpenPath opens a usbfs node by path.
func OpenPath(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open usbfs node: %w", err)
	}

	return &Device{
		f:       f,
		stalled: map[uint8]bool{},
	}, nil
}

// ClaimInterface claims an interface from the kernel.
func (d *Device) ClaimInterface(iface uint8) error {
	n := uint32(iface)

	if err := d.ioctl(usbdevfsClaimInterface, uintptr(unsafe.Pointer(&n))); err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", iface, err)
	}

	d.claimed = append(d.claimed, iface)

	return nil
}

// SetAltSetting selects an alternate setting on an interface.
func (d *Device) SetAltSetting(iface, alt uint8) error {
	req := setInterface{
		iface:      uint32(iface),
		altSetting: uint32(alt),
	}

	return d.ioctl(usbdevfsSetInterface, uintptr(unsafe.Pointer(&req)))
}

// ControlTransfer performs a control request on endpoint zero.
func (d *Device) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	req := ctrlTransfer{
		requestType: requestType,
		request:     request,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     uint32(timeout / time.Millisecond),
	}

	if len(data) > 0 {
		req.data = uintptr(unsafe.Pointer(&data[0]))
	}

	n, err := d.ioctlN(usbdevfsControl, uintptr(unsafe.Pointer(&req)))
	if err != nil {
		return 0, mapErrno(err)
	}

	return n, nil
}

// BulkTransfer moves data over a bulk endpoint.
func (d *Device) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	req := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  uint32(timeout / time.Millisecond),
	}

	if len(data) > 0 {
		req.data = uintptr(unsafe.Pointer(&data[0]))
	}

	n, err := d.ioctlN(usbdevfsBulk, uintptr(unsafe.Pointer(&req)))
	if err != nil {
		err = mapErrno(err)

		if err == usb.ErrStall {
			d.mu.Lock()
			d.stalled[endpoint] = true
			d.mu.Unlock()
		}

		return n, err
	}

	return n, nil
}

// HaltStatus reports whether a STALL was seen on the endpoint and not yet
// cleared.
func (d *Device) HaltStatus(endpoint uint8) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.stalled[endpoint], nil
}

// ClearHalt clears a halt condition on the endpoint.
func (d *Device) ClearHalt(endpoint uint8) error {
	n := uint32(endpoint)

	if err := d.ioctl(usbdevfsClearHalt, uintptr(unsafe.Pointer(&n))); err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.stalled, endpoint)
	d.mu.Unlock()

	return nil
}

// Close releases claimed interfaces and closes the usbfs node.
func (d *Device) Close() error {
	for _, iface := range d.claimed {
		n := uint32(iface)

		d.ioctl(usbdevfsReleaseInterface, uintptr(unsafe.Pointer(&n))) //nolint:errcheck // best-effort on teardown
	}

	return d.f.Close()
}

func (d *Device) ioctl(req, arg uintptr) error {
	_, err := d.ioctlN(req, arg)

	return err
}

func (d *Device) ioctlN(req, arg uintptr) (int, error) {
	for {
		n, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, arg)
		if errno == unix.EINTR {
			continue
		}

		if errno != 0 {
			return 0, errno
		}

		return int(n), nil
	}
}

func mapErrno(err error) error {
	switch err {
	case unix.EPIPE:
		return usb.ErrStall
	case unix.ETIMEDOUT:
		return usb.ErrTimeout
	case unix.ENODEV, unix.ESHUTDOWN:
		return usb.ErrDetached
	default:
		return err
	}
}
