// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package usb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-usbstorage/usb"
)

func deviceDescriptor(vendorID, productID uint16) []byte {
	return []byte{
		18, usb.DescTypeDevice,
		0x00, 0x02, // bcdUSB
		0x00, 0x00, 0x00, // class, subclass, protocol
		64, // max packet size
		byte(vendorID), byte(vendorID >> 8),
		byte(productID), byte(productID >> 8),
		0x00, 0x01, // bcdDevice
		1, 2, 3, // string indexes
		1, // num configurations
	}
}

func TestParseDeviceDescriptor(t *testing.T) {
	t.Parallel()

	info, err := usb.ParseDeviceDescriptor(deviceDescriptor(0x0951, 0x1666))
	require.NoError(t, err)

	assert.Equal(t, uint16(0x0951), info.VendorID)
	assert.Equal(t, uint16(0x1666), info.ProductID)
	assert.Equal(t, uint8(1), info.ManufacturerIndex)
	assert.Equal(t, uint8(2), info.ProductIndex)
	assert.Equal(t, uint8(3), info.SerialIndex)

	_, err = usb.ParseDeviceDescriptor(deviceDescriptor(0, 0)[:17])
	assert.ErrorIs(t, err, usb.ErrBadDescriptor)

	_, err = usb.ParseDeviceDescriptor(make([]byte, 18))
	assert.ErrorIs(t, err, usb.ErrBadDescriptor)
}

// massStorageConfig builds a configuration descriptor chain holding a mass
// storage interface with a baseline setting and an alternate setting whose
// endpoints carry pipe-usage descriptors.
func massStorageConfig() []byte {
	var buf []byte

	appendDesc := func(desc ...byte) {
		buf = append(buf, desc...)
	}

	// config header; total length patched below
	appendDesc(9, usb.DescTypeConfig, 0, 0, 1, 1, 0, 0x80, 50)

	// alt 0: bulk-only
	appendDesc(9, usb.DescTypeInterface, 0, 0, 2, usb.ClassMassStorage, usb.SubclassSCSI, usb.ProtocolBulkOnly, 0)
	appendDesc(7, usb.DescTypeEndpoint, 0x81, 0x02, 0x00, 0x02, 0) // bulk in 512
	appendDesc(7, usb.DescTypeEndpoint, 0x02, 0x02, 0x00, 0x02, 0) // bulk out 512

	// alt 1: four tagged pipes
	appendDesc(9, usb.DescTypeInterface, 0, 1, 4, usb.ClassMassStorage, usb.SubclassSCSI, usb.ProtocolUAS, 0)
	appendDesc(7, usb.DescTypeEndpoint, 0x01, 0x02, 0x00, 0x04, 0)
	appendDesc(4, usb.DescTypePipeUsage, usb.PipeUsageCommand, 0)
	appendDesc(7, usb.DescTypeEndpoint, 0x81, 0x02, 0x00, 0x04, 0)
	appendDesc(4, usb.DescTypePipeUsage, usb.PipeUsageStatus, 0)
	appendDesc(7, usb.DescTypeEndpoint, 0x82, 0x02, 0x00, 0x04, 0)
	appendDesc(4, usb.DescTypePipeUsage, usb.PipeUsageDataIn, 0)
	appendDesc(7, usb.DescTypeEndpoint, 0x02, 0x02, 0x00, 0x04, 0)
	appendDesc(4, usb.DescTypePipeUsage, usb.PipeUsageDataOut, 0)

	// an interrupt endpoint that must be ignored
	appendDesc(7, usb.DescTypeEndpoint, 0x83, 0x03, 0x02, 0x00, 10)

	buf[2] = byte(len(buf))
	buf[3] = byte(len(buf) >> 8)

	return buf
}

func TestParseConfigDescriptor(t *testing.T) {
	t.Parallel()

	interfaces, err := usb.ParseConfigDescriptor(massStorageConfig())
	require.NoError(t, err)
	require.Len(t, interfaces, 2)

	alt0 := interfaces[0]
	assert.Equal(t, uint8(0), alt0.Alt)
	assert.Equal(t, uint8(usb.ClassMassStorage), alt0.Class)
	assert.Equal(t, uint8(usb.ProtocolBulkOnly), alt0.Protocol)
	require.Len(t, alt0.Endpoints, 2)
	assert.Equal(t, uint8(0x81), alt0.Endpoints[0].Address)
	assert.Equal(t, uint16(512), alt0.Endpoints[0].MaxPacketSize)
	assert.Nil(t, alt0.PipeUsage)

	alt1 := interfaces[1]
	assert.Equal(t, uint8(1), alt1.Alt)
	assert.Equal(t, uint8(usb.ProtocolUAS), alt1.Protocol)
	assert.Len(t, alt1.Endpoints, 4, "the interrupt endpoint is not collected")

	require.NotNil(t, alt1.PipeUsage)
	assert.Equal(t, uint8(usb.PipeUsageCommand), alt1.PipeUsage[0x01])
	assert.Equal(t, uint8(usb.PipeUsageStatus), alt1.PipeUsage[0x81])
	assert.Equal(t, uint8(usb.PipeUsageDataIn), alt1.PipeUsage[0x82])
	assert.Equal(t, uint8(usb.PipeUsageDataOut), alt1.PipeUsage[0x02])
}

func TestParseConfigDescriptorMalformed(t *testing.T) {
	t.Parallel()

	_, err := usb.ParseConfigDescriptor(nil)
	assert.ErrorIs(t, err, usb.ErrBadDescriptor)

	// a descriptor length running past the buffer
	buf := massStorageConfig()
	buf[9] = 200

	_, err = usb.ParseConfigDescriptor(buf)
	assert.ErrorIs(t, err, usb.ErrBadDescriptor)

	// zero-length descriptor would loop forever
	buf = massStorageConfig()
	buf[9] = 0

	_, err = usb.ParseConfigDescriptor(buf)
	assert.ErrorIs(t, err, usb.ErrBadDescriptor)
}

func TestEndpointDir(t *testing.T) {
	t.Parallel()

	assert.Equal(t, usb.DirIn, usb.EndpointDesc{Address: 0x81}.Dir())
	assert.Equal(t, usb.DirOut, usb.EndpointDesc{Address: 0x02}.Dir())
}
