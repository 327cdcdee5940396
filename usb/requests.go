// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package usb

// Request type bits (bmRequestType).
const (
	RequestTypeClass     = 0x20
	RequestTypeInterface = 0x01

	RequestDirIn  = 0x80
	RequestDirOut = 0x00
)

// Mass storage class-specific interface requests.
const (
	// RequestMassStorageReset resets the mass storage interface.
	RequestMassStorageReset = 0xFF

	// RequestGetMaxLUN returns the highest logical unit index.
	RequestGetMaxLUN = 0xFE
)

// Interface class/subclass/protocol codes relevant to mass storage.
const (
	ClassMassStorage = 0x08

	SubclassSCSI = 0x06

	ProtocolBulkOnly = 0x50
	ProtocolUAS      = 0x62
)

// Pipe usage tags carried by UAS pipe-usage descriptors. The alternate
// high-performance transport labels each of its four bulk pipes with one of
// these roles.
const (
	PipeUsageCommand = 0x01
	PipeUsageStatus  = 0x02
	PipeUsageDataIn  = 0x03
	PipeUsageDataOut = 0x04
)
