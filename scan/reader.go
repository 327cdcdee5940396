// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package scan

import (
	"io"

	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
)

// unitReader adapts the block-granular unit I/O to the byte-granular
// io.ReaderAt the probers expect. Unaligned reads go through a scratch
// buffer covering whole blocks.
type unitReader struct {
	r BlockReader
}

func newUnitReader(r BlockReader) probe.Reader {
	return &unitReader{r: r}
}

func (u *unitReader) ReadAt(p []byte, off int64) (int, error) {
	blockSize := uint64(u.r.BlockSize())
	size := blockSize * u.r.BlockCount()

	if off < 0 || uint64(off) >= size {
		return 0, io.EOF
	}

	n := uint64(len(p))

	var eof error

	if uint64(off)+n > size {
		n = size - uint64(off)
		eof = io.EOF
	}

	firstBlock := uint64(off) / blockSize
	blockCount := (uint64(off)+n+blockSize-1)/blockSize - firstBlock

	scratch := make([]byte, blockCount*blockSize)

	if err := u.r.ReadBlocks(firstBlock, blockCount, scratch); err != nil {
		return 0, err
	}

	copy(p[:n], scratch[uint64(off)-firstBlock*blockSize:])

	return int(n), eof
}

func (u *unitReader) GetSectorSize() uint {
	return uint(u.r.BlockSize())
}

func (u *unitReader) GetSize() uint64 {
	return uint64(u.r.BlockSize()) * u.r.BlockCount()
}
