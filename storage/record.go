// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package storage

import (
	"sort"

	"github.com/siderolabs/go-usbstorage/scan"
	"github.com/siderolabs/go-usbstorage/volume"
)

// DeviceRecord describes one mounted volume to subscribers.
type DeviceRecord struct {
	// Interface identifies the owning physical interface.
	Interface string

	// Unit is the logical unit index on the interface.
	Unit uint8

	// VolumeIndex is the volume's index within its unit.
	VolumeIndex int

	WriteProtected bool

	VendorID  uint16
	ProductID uint16

	Manufacturer string
	Product      string
	Serial       string

	// Capacity is the owning logical unit's capacity in bytes.
	Capacity uint64

	// DeviceID is the registry-assigned numeric device id.
	DeviceID int

	// MountName is the volume's canonical device prefix.
	MountName string

	Kind scan.Kind

	Flags volume.MountFlags
}

// Snapshots returns the channel the worker pushes full device-list
// snapshots into after every successful mount or unmount. Only the latest
// snapshot is retained; subscribers drain it on their own schedule.
func (m *Manager) Snapshots() <-chan []DeviceRecord {
	return m.snapshots
}

// StatusChanged returns a level-triggered signal fired on every publish.
func (m *Manager) StatusChanged() <-chan struct{} {
	return m.status
}

// DeviceCount returns the number of attached physical drives.
func (m *Manager) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0

	for _, s := range m.slots {
		if s.state != nil {
			count++
		}
	}

	return count
}

// VolumeCount returns the number of currently mounted volumes.
func (m *Manager) VolumeCount() int {
	return len(m.list(-1))
}

// List returns up to n device records, all of them when n is negative.
func (m *Manager) List(n int) []DeviceRecord {
	return m.list(n)
}

func (m *Manager) list(n int) []DeviceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []DeviceRecord

	for _, s := range m.slots {
		if s.state == nil {
			continue
		}

		desc := s.state.drive.Desc()

		for _, unit := range s.state.drive.Units() {
			for i, ctx := range s.state.mounts[unit.Index()] {
				records = append(records, DeviceRecord{
					Interface:      s.state.id,
					Unit:           unit.Index(),
					VolumeIndex:    i,
					WriteProtected: unit.WriteProtected(),
					VendorID:       desc.VendorID,
					ProductID:      desc.ProductID,
					Manufacturer:   desc.Manufacturer,
					Product:        desc.Product,
					Serial:         desc.Serial,
					Capacity:       unit.Capacity(),
					DeviceID:       ctx.DeviceID,
					MountName:      ctx.MountName,
					Kind:           ctx.Kind,
					Flags:          ctx.Flags,
				})
			}
		}
	}

	// numeric id, not mount name: "usb10:" must not sort before "usb2:"
	sort.Slice(records, func(i, j int) bool {
		return records[i].DeviceID < records[j].DeviceID
	})

	if n >= 0 && len(records) > n {
		records = records[:n]
	}

	return records
}

// publish pushes the updated device list to all subscription surfaces. The
// callback runs outside any manager lock, so it may call back into queries
// freely.
func (m *Manager) publish() {
	records := m.list(-1)

	// retain only the latest snapshot
	select {
	case <-m.snapshots:
	default:
	}

	m.snapshots <- records

	select {
	case m.status <- struct{}{}:
	default:
	}

	if m.callback != nil {
		m.callback(records)
	}
}
