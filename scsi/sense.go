// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package scsi

import "fmt"

// SenseDataSize is the fixed-format sense data length requested by the
// engine.
const SenseDataSize = 18

// Sense is decoded fixed-format sense data explaining a failed command.
type Sense struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8
}

// ParseSense decodes fixed-format sense data. A short or empty buffer
// decodes to the zero Sense (no sense).
func ParseSense(buf []byte) Sense {
	var s Sense

	if len(buf) > 2 {
		s.Key = buf[2] & 0x0f
	}

	if len(buf) > 13 {
		s.ASC = buf[12]
		s.ASCQ = buf[13]
	}

	return s
}

// MediumNotPresent reports whether the sense data indicates the medium is
// absent from the drive.
func (s Sense) MediumNotPresent() bool {
	return s.Key == SenseNotReady && s.ASC == ASCMediumNotPresent
}

// Retryable reports whether the engine should retry the original command
// once after seeing this sense data.
func (s Sense) Retryable() bool {
	if s.MediumNotPresent() {
		return false
	}

	return s.Key == SenseNotReady || s.Key == SenseAbortedCommand
}

// Benign reports whether the sense data describes a condition that does not
// invalidate the just-finished transfer.
func (s Sense) Benign() bool {
	switch s.Key {
	case SenseNoSense, SenseRecoveredError, SenseUnitAttention, SenseCompleted:
		return true
	default:
		return false
	}
}

// Error is the failure surfaced to callers when a command fails with sense
// data attached.
type Error struct {
	Sense Sense
}

func (e *Error) Error() string {
	return fmt.Sprintf("command failed: sense key %#02x asc %#02x ascq %#02x", e.Sense.Key, e.Sense.ASC, e.Sense.ASCQ)
}
