// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package scsi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-usbstorage/scsi"
)

func TestCBWEncode(t *testing.T) {
	t.Parallel()

	cbw := scsi.CBW{
		Tag:            0x11223344,
		TransferLength: 512,
		Flags:          scsi.CBWFlagDataIn,
		LUN:            0xf2, // upper bits must be masked off
		CDB:            scsi.Read10CDB(0x1000, 1, false),
	}

	buf := cbw.Encode()
	require.Len(t, buf, scsi.CBWSize)

	assert.Equal(t, []byte{0x55, 0x53, 0x42, 0x43}, buf[0:4], "USBC signature")
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, buf[4:8], "tag is little-endian")
	assert.Equal(t, []byte{0x00, 0x02, 0x00, 0x00}, buf[8:12])
	assert.Equal(t, uint8(scsi.CBWFlagDataIn), buf[12])
	assert.Equal(t, uint8(0x02), buf[13])
	assert.Equal(t, uint8(10), buf[14])
	assert.Equal(t, uint8(scsi.OpRead10), buf[15])
	assert.Equal(t, []byte{0x00, 0x00, 0x10, 0x00}, buf[17:21], "LBA inside the descriptor is big-endian")
}

func TestDecodeCSW(t *testing.T) {
	t.Parallel()

	buf := []byte{
		0x55, 0x53, 0x42, 0x53, // USBS
		0xaa, 0xbb, 0xcc, 0xdd,
		0x10, 0x00, 0x00, 0x00,
		0x01,
	}

	csw, err := scsi.DecodeCSW(buf)
	require.NoError(t, err)

	assert.Equal(t, uint32(0xddccbbaa), csw.Tag)
	assert.Equal(t, uint32(16), csw.Residue)
	assert.Equal(t, uint8(scsi.StatusFailed), csw.Status)

	_, err = scsi.DecodeCSW(buf[:12])
	assert.Error(t, err)

	buf[0] = 0x56

	_, err = scsi.DecodeCSW(buf)
	assert.Error(t, err)
}

func TestExtractCSW(t *testing.T) {
	t.Parallel()

	buf := []byte{
		0x55, 0x53, 0x42, 0x53,
		0x01, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00,
	}

	_, ok := scsi.ExtractCSW(buf, 1)
	assert.True(t, ok)

	_, ok = scsi.ExtractCSW(buf, 2)
	assert.False(t, ok, "tag mismatch is not a status wrapper")

	_, ok = scsi.ExtractCSW(make([]byte, scsi.CSWSize), 0)
	assert.False(t, ok, "zero buffer has no signature")
}

func TestSenseClassification(t *testing.T) {
	t.Parallel()

	for _, test := range []struct { //nolint:govet
		name                          string
		sense                         scsi.Sense
		benign, retryable, notPresent bool
	}{
		{"no sense", scsi.Sense{}, true, false, false},
		{"recovered", scsi.Sense{Key: scsi.SenseRecoveredError}, true, false, false},
		{"unit attention", scsi.Sense{Key: scsi.SenseUnitAttention, ASC: 0x28}, true, false, false},
		{"becoming ready", scsi.Sense{Key: scsi.SenseNotReady, ASC: 0x04, ASCQ: 0x01}, false, true, false},
		{"aborted", scsi.Sense{Key: scsi.SenseAbortedCommand}, false, true, false},
		{"medium not present", scsi.Sense{Key: scsi.SenseNotReady, ASC: scsi.ASCMediumNotPresent}, false, false, true},
		{"medium error", scsi.Sense{Key: scsi.SenseMediumError, ASC: 0x11}, false, false, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.benign, test.sense.Benign())
			assert.Equal(t, test.retryable, test.sense.Retryable())
			assert.Equal(t, test.notPresent, test.sense.MediumNotPresent())
		})
	}
}

func TestParseSense(t *testing.T) {
	t.Parallel()

	buf := make([]byte, scsi.SenseDataSize)
	buf[0] = 0x70
	buf[2] = 0xf2 // upper bits carry flags, only the key nibble counts
	buf[12] = 0x3a
	buf[13] = 0x01

	sense := scsi.ParseSense(buf)
	assert.Equal(t, uint8(scsi.SenseNotReady), sense.Key)
	assert.Equal(t, uint8(scsi.ASCMediumNotPresent), sense.ASC)
	assert.Equal(t, uint8(0x01), sense.ASCQ)

	assert.Equal(t, scsi.Sense{}, scsi.ParseSense(nil))
}

func TestCDBAddressing(t *testing.T) {
	t.Parallel()

	cdb := scsi.Read16CDB(0x1_0000_0000, 0x10000, true)
	require.Len(t, cdb, 16)

	assert.Equal(t, uint8(scsi.OpRead16), cdb[0])
	assert.Equal(t, uint8(0x08), cdb[1], "FUA bit")
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}, cdb[2:10])
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00}, cdb[10:14])

	cdb = scsi.ReadCapacity16CDB(32)
	assert.Equal(t, uint8(scsi.OpServiceActionIn16), cdb[0])
	assert.Equal(t, uint8(scsi.ServiceActionReadCapacity16), cdb[1])

	cdb = scsi.Write10CDB(0xdeadbeef, 8, false)
	assert.Equal(t, uint8(scsi.OpWrite10), cdb[0])
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, cdb[2:6])
}
