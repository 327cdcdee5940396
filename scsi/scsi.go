// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package scsi implements the SCSI command set over USB Bulk-Only Transport.
//
// The package builds command wrappers, drives the three-phase exchange
// (command, data, status) and performs Request-Sense-driven recovery.
package scsi

// SCSI operation codes used by the stack.
const (
	OpTestUnitReady       = 0x00
	OpRequestSense        = 0x03
	OpInquiry             = 0x12
	OpModeSense6          = 0x1a
	OpStartStopUnit       = 0x1b
	OpPreventAllowRemoval = 0x1e
	OpReadCapacity10      = 0x25
	OpRead10              = 0x28
	OpWrite10             = 0x2a
	OpSynchronizeCache10  = 0x35
	OpModeSense10         = 0x5a
	OpRead16              = 0x88
	OpWrite16             = 0x8a
	OpSynchronizeCache16  = 0x91
	OpServiceActionIn16   = 0x9e
)

// Service actions for OpServiceActionIn16.
const (
	ServiceActionReadCapacity16 = 0x10
)

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
	SenseAbortedCommand = 0x0b
	SenseCompleted      = 0x0f
)

// Additional sense codes.
const (
	ASCMediumNotPresent = 0x3a
)

// Peripheral device types reported by Inquiry.
const (
	DeviceTypeDirectAccess = 0x00
	DeviceTypeCDROM        = 0x05
	DeviceTypeRBC          = 0x0e
)

// Peripheral qualifier for a connected device.
const QualifierConnected = 0x00

// Inquiry response version codes accepted by the stack (SPC-2 and up, plus
// the zero value many flash devices report).
const (
	VersionNoStandard = 0x00
	VersionSPC2       = 0x04
	VersionSPC3       = 0x05
	VersionSPC4       = 0x06
	VersionSPC5       = 0x07
)

// Vital product data pages.
const (
	VPDUnitSerialNumber = 0x80
)

// Mode page fields.
const (
	// ModeSenseWriteProtectBit is set in the device-specific parameter of
	// a Mode Sense response when the medium is write-protected.
	ModeSenseWriteProtectBit = 0x80

	// ModeSenseDPOFUABit is set when the device supports DPO/FUA.
	ModeSenseDPOFUABit = 0x10
)
