// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package usb

import (
	"encoding/binary"
	"errors"
)

// Descriptor type codes.
const (
	DescTypeDevice    = 0x01
	DescTypeConfig    = 0x02
	DescTypeInterface = 0x04
	DescTypeEndpoint  = 0x05

	// DescTypePipeUsage is the class-specific descriptor tagging a bulk
	// pipe with its role in the alternate high-performance transport.
	DescTypePipeUsage = 0x24
)

// DeviceInfo is the subset of the device descriptor the stack uses.
type DeviceInfo struct {
	VendorID  uint16
	ProductID uint16

	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialIndex       uint8
}

// InterfaceInfo is one alternate setting of one interface as parsed from a
// configuration descriptor.
type InterfaceInfo struct {
	Number   uint8
	Alt      uint8
	Class    uint8
	SubClass uint8
	Protocol uint8

	Endpoints []EndpointDesc

	// PipeUsage maps endpoint address to its pipe-usage tag, for
	// alternate settings that carry pipe-usage descriptors.
	PipeUsage map[uint8]uint8
}

// ErrBadDescriptor indicates a malformed descriptor chain.
var ErrBadDescriptor = errors.New("malformed descriptor")

// ParseDeviceDescriptor parses the 18-byte device descriptor.
func ParseDeviceDescriptor(buf []byte) (DeviceInfo, error) {
	if len(buf) < 18 || buf[1] != DescTypeDevice {
		return DeviceInfo{}, ErrBadDescriptor
	}

	return DeviceInfo{
		VendorID:          binary.LittleEndian.Uint16(buf[8:10]),
		ProductID:         binary.LittleEndian.Uint16(buf[10:12]),
		ManufacturerIndex: buf[14],
		ProductIndex:      buf[15],
		SerialIndex:       buf[16],
	}, nil
}

// ParseConfigDescriptor walks a configuration descriptor chain and returns
// every interface alternate setting with its endpoints. A pipe-usage
// descriptor is associated with the endpoint it follows.
func ParseConfigDescriptor(buf []byte) ([]InterfaceInfo, error) {
	if len(buf) < 9 || buf[1] != DescTypeConfig {
		return nil, ErrBadDescriptor
	}

	var (
		interfaces []InterfaceInfo
		current    *InterfaceInfo
		lastEP     uint8
		haveEP     bool
	)

	for off := 0; off < len(buf); {
		length := int(buf[off])
		if length < 2 || off+length > len(buf) {
			return nil, ErrBadDescriptor
		}

		desc := buf[off : off+length]

		switch desc[1] {
		case DescTypeInterface:
			if length < 9 {
				return nil, ErrBadDescriptor
			}

			interfaces = append(interfaces, InterfaceInfo{
				Number:   desc[2],
				Alt:      desc[3],
				Class:    desc[5],
				SubClass: desc[6],
				Protocol: desc[7],
			})

			current = &interfaces[len(interfaces)-1]
			haveEP = false
		case DescTypeEndpoint:
			if length < 7 || current == nil {
				break
			}

			ep := EndpointDesc{
				Address:       desc[2],
				MaxPacketSize: binary.LittleEndian.Uint16(desc[4:6]),
			}

			// only bulk endpoints matter here
			if desc[3]&0x03 == 0x02 {
				current.Endpoints = append(current.Endpoints, ep)
				lastEP = ep.Address
				haveEP = true
			}
		case DescTypePipeUsage:
			if length < 3 || current == nil || !haveEP {
				break
			}

			if current.PipeUsage == nil {
				current.PipeUsage = map[uint8]uint8{}
			}

			current.PipeUsage[lastEP] = desc[2]
		}

		off += length
	}

	return interfaces, nil
}
