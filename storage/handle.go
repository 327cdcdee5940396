// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package storage

import (
	"github.com/siderolabs/go-usbstorage/msc"
)

// Handle is a generation-checked reference to a drive slot. It stays
// cheaply copyable and becomes stale (never dangling) once the drive it
// referred to is removed.
type Handle struct {
	index      int
	generation uint64
}

// Drives returns handles to all currently attached drives.
func (m *Manager) Drives() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	var handles []Handle

	for i, s := range m.slots {
		if s.state != nil {
			handles = append(handles, Handle{
				index:      i,
				generation: s.generation,
			})
		}
	}

	return handles
}

// WithDrive validates the handle and runs f against the drive under the
// slot lock. Removal of the drive takes the same lock, so a validated
// operation always completes before teardown can proceed.
func (m *Manager) WithDrive(h Handle, f func(*msc.Drive) error) error {
	m.mu.Lock()

	if h.index < 0 || h.index >= len(m.slots) {
		m.mu.Unlock()

		return ErrStaleHandle
	}

	s := m.slots[h.index]

	if s.generation != h.generation || s.state == nil {
		m.mu.Unlock()

		return ErrStaleHandle
	}

	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// the slot may have been recycled between the generation check and
	// the lock acquisition; generation writes happen under the slot lock,
	// so this check is race-free
	if s.generation != h.generation || s.state == nil {
		return ErrStaleHandle
	}

	return f(s.state.drive)
}
