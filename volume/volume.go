// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package volume turns scanned volumes into mounted filesystems via
// pluggable volume drivers and tracks the live filesystem contexts.
package volume

import (
	"github.com/siderolabs/go-usbstorage/scan"
)

// MountFlags is a bitmask of mount behavior switches.
type MountFlags uint32

// Mount flags, independent bits.
const (
	// MountReadOnly mounts the volume read-only.
	MountReadOnly MountFlags = 1 << iota

	// MountReplayJournal replays the filesystem journal on mount.
	MountReplayJournal

	// MountIgnoreCase makes lookups case-insensitive.
	MountIgnoreCase

	// MountUpdateAccessTimes updates access times on reads.
	MountUpdateAccessTimes

	// MountShowHidden lists entries flagged hidden.
	MountShowHidden

	// MountShowSystem lists entries flagged system.
	MountShowSystem

	// MountIgnoreReadOnlyAttr allows writing to entries flagged read-only.
	MountIgnoreReadOnlyAttr

	// MountIgnoreHibernation mounts volumes left in a hibernated state.
	MountIgnoreHibernation
)

// Composite mount presets.
const (
	MountDefault = MountReplayJournal | MountIgnoreCase

	MountPrivileged = MountDefault | MountShowHidden | MountShowSystem

	MountForced = MountDefault | MountIgnoreReadOnlyAttr | MountIgnoreHibernation

	MountAll = MountReadOnly | MountReplayJournal | MountIgnoreCase | MountUpdateAccessTimes |
		MountShowHidden | MountShowSystem | MountIgnoreReadOnlyAttr | MountIgnoreHibernation
)

// Unit is the block I/O surface a mounted volume sits on, satisfied by a
// started logical unit.
type Unit interface {
	ReadBlocks(lba, count uint64, buf []byte) error
	WriteBlocks(lba, count uint64, buf []byte) error
	BlockSize() uint32
	BlockCount() uint64
	WriteProtected() bool
}

// BlockView is the block-addressable window a volume driver operates
// through: the volume's offset and length on the unit plus the unit's
// read/write primitives.
//
// The primitives are deliberately no-questions-asked for performance;
// callers pre-validate ranges.
type BlockView struct {
	unit Unit

	first  uint64
	blocks uint64
}

// NewBlockView builds a view over blocks [first, first+blocks) of the unit.
func NewBlockView(unit Unit, first, blocks uint64) *BlockView {
	return &BlockView{
		unit:   unit,
		first:  first,
		blocks: blocks,
	}
}

// ReadBlocks reads count view-relative blocks starting at lba.
func (v *BlockView) ReadBlocks(lba, count uint64, buf []byte) bool {
	return v.unit.ReadBlocks(v.first+lba, count, buf) == nil
}

// WriteBlocks writes count view-relative blocks starting at lba.
func (v *BlockView) WriteBlocks(lba, count uint64, buf []byte) bool {
	return v.unit.WriteBlocks(v.first+lba, count, buf) == nil
}

// BlockSize returns the unit's block size in bytes.
func (v *BlockView) BlockSize() uint32 {
	return v.unit.BlockSize()
}

// Blocks returns the view's length in blocks.
func (v *BlockView) Blocks() uint64 {
	return v.blocks
}

// Handle is the opaque per-volume state a driver returns from Mount.
type Handle interface {
	// Unmount releases the driver's per-volume state.
	Unmount() error
}

// Driver mounts volumes of one filesystem kind. Adding a filesystem to the
// stack means implementing this interface and registering it.
type Driver interface {
	// Kind returns the filesystem kind the driver handles.
	Kind() scan.Kind

	// Mount attaches to the volume visible through the view and returns
	// the driver's per-volume state.
	Mount(view *BlockView, name string, flags MountFlags) (Handle, error)
}

// FilesystemContext is one mounted volume.
type FilesystemContext struct {
	// Kind is the filesystem kind that was mounted.
	Kind scan.Kind

	// Flags is the mount-flags bitmask used.
	Flags MountFlags

	// DeviceID is the numeric id assigned at mount, unique among live
	// contexts.
	DeviceID int

	// MountName is the canonical device prefix generated from DeviceID.
	MountName string

	// WorkingDirectory is the context's current directory.
	WorkingDirectory string

	handle Handle
	view   *BlockView
}

// View returns the block view the volume was mounted over.
func (f *FilesystemContext) View() *BlockView {
	return f.view
}
