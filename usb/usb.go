// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package usb provides the endpoint transport layer for USB devices.
//
// The package knows nothing about mass storage: it moves bytes over bulk
// pipes with a bounded timeout and exposes endpoint halt status. Protocol
// and retry policy live in higher layers.
package usb

import (
	"errors"
	"time"
)

// Common transport errors.
var (
	// ErrStall indicates the endpoint reported a STALL (halt) condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates the transfer did not complete within its timeout.
	ErrTimeout = errors.New("transfer timed out")

	// ErrDetached indicates the device is no longer reachable.
	ErrDetached = errors.New("device detached")
)

// Dir is the direction of an endpoint or transfer.
type Dir uint8

// Endpoint directions.
const (
	DirOut Dir = 0x00
	DirIn  Dir = 0x80
)

// Standard transfer timeouts.
//
// Control requests answer quickly; bulk transfers to slow media may
// legitimately take seconds.
const (
	ControlTimeout = 1 * time.Second
	BulkTimeout    = 10 * time.Second
)

// Device is a low-level handle to one USB device.
//
// Implementations are expected to be safe for concurrent use by multiple
// goroutines issuing transfers on distinct endpoints.
type Device interface {
	// ControlTransfer performs a control request on endpoint zero.
	ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)

	// BulkTransfer moves data over a bulk endpoint. The direction is
	// encoded in the endpoint address. Returns the number of bytes
	// actually transferred, which may be short.
	BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error)

	// HaltStatus reports whether the endpoint is currently halted.
	HaltStatus(endpoint uint8) (bool, error)

	// ClearHalt clears a halt condition on the endpoint.
	ClearHalt(endpoint uint8) error

	// SetAltSetting selects an alternate setting on an interface.
	SetAltSetting(iface, alt uint8) error

	// Close releases the device handle.
	Close() error
}

// EndpointDesc describes one bulk endpoint as discovered during interface
// setup.
type EndpointDesc struct {
	// Address is the endpoint address including the direction bit.
	Address uint8

	// MaxPacketSize is the endpoint's wMaxPacketSize.
	MaxPacketSize uint16

	// Burst is the maximum burst count for SuperSpeed endpoints, zero
	// otherwise.
	Burst uint8
}

// Dir returns the direction encoded in the endpoint address.
func (e EndpointDesc) Dir() Dir {
	return Dir(e.Address & 0x80)
}

// Session is an open pipe to one bulk endpoint of a device.
//
// A Session is owned by the drive context that opened it and is closed at
// context teardown.
type Session struct {
	dev  Device
	desc EndpointDesc
}

// OpenSession binds an endpoint descriptor to a device handle.
func OpenSession(dev Device, desc EndpointDesc) *Session {
	return &Session{
		dev:  dev,
		desc: desc,
	}
}

// Desc returns the endpoint descriptor the session was opened with.
func (s *Session) Desc() EndpointDesc {
	return s.desc
}

// Transfer performs a single buffered read or write on the session's pipe.
//
// The transfer either completes with len(buf) bytes, completes short, times
// out, or fails. A clean STALL is not reported here; query HaltStatus to
// distinguish it, since recovery differs. No retries happen at this layer.
func (s *Session) Transfer(buf []byte, timeout time.Duration) (int, error) {
	return s.dev.BulkTransfer(s.desc.Address, buf, timeout)
}

// HaltStatus reports whether the session's endpoint is halted.
func (s *Session) HaltStatus() (bool, error) {
	return s.dev.HaltStatus(s.desc.Address)
}

// ClearHalt clears a halt condition on the session's endpoint.
func (s *Session) ClearHalt() error {
	return s.dev.ClearHalt(s.desc.Address)
}
