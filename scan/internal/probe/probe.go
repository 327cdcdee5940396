// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package probe defines common probe interfaces.
package probe

import (
	"io"

	"github.com/google/uuid"

	"github.com/siderolabs/go-usbstorage/scan/internal/magic"
)

// Reader is a context for probing filesystems on a logical unit or a
// partition of one.
type Reader interface {
	io.ReaderAt

	GetSectorSize() uint
	GetSize() uint64
}

// Prober is an interface for probing filesystems.
type Prober interface {
	// Name returns the name of the filesystem.
	Name() string
	// Magic returns the magic values for the filesystem.
	Magic() []*magic.Magic
	// Probe runs the further inspection and returns the result if successful.
	Probe(Reader) (*Result, error)
}

// Result is a probe result.
type Result struct {
	UUID  *uuid.UUID
	Label *string

	BlockSize           uint32
	FilesystemBlockSize uint32
	ProbedSize          uint64
}

// section scopes a Reader to a byte range of its parent.
type section struct {
	r    Reader
	sr   *io.SectionReader
	size uint64
}

// Section returns a Reader over a sub-range of r, preserving the sector
// size. It is used to probe individual partitions.
func Section(r Reader, offset, size uint64) Reader {
	return &section{
		r:    r,
		sr:   io.NewSectionReader(r, int64(offset), int64(size)),
		size: size,
	}
}

func (s *section) ReadAt(p []byte, off int64) (int, error) {
	return s.sr.ReadAt(p, off)
}

func (s *section) GetSectorSize() uint {
	return s.r.GetSectorSize()
}

func (s *section) GetSize() uint64 {
	return s.size
}
