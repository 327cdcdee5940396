// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chain provides a list of probers for the supported filesystems.
package chain

import (
	"github.com/siderolabs/go-usbstorage/scan/internal/filesystems/exfat"
	"github.com/siderolabs/go-usbstorage/scan/internal/filesystems/extfs"
	"github.com/siderolabs/go-usbstorage/scan/internal/filesystems/ntfs"
	"github.com/siderolabs/go-usbstorage/scan/internal/filesystems/vfat"
	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
)

// Chain is a list of probers.
type Chain []probe.Prober

// MaxMagicSize returns the maximum size of the magic value in the chain.
func (chain Chain) MaxMagicSize() int {
	max := 0

	for _, prober := range chain {
		for _, magic := range prober.Magic() {
			if size := magic.BlockSize(); size >= max {
				max = size
			}
		}
	}

	return max
}

// MagicMatches returns the probers whose magic values match the buffer.
func (chain Chain) MagicMatches(buf []byte) []probe.Prober {
	var matches []probe.Prober

	for _, prober := range chain {
		for _, magic := range prober.Magic() {
			if magic.Matches(buf) {
				matches = append(matches, prober)

				break
			}
		}
	}

	return matches
}

// Default returns the probers for the supported filesystems.
//
// Probers with exact magic values come first so the structural vfat
// heuristic only runs when nothing else claimed the volume.
func Default() Chain {
	return Chain{
		&exfat.Probe{},
		&ntfs.Probe{},
		&extfs.Probe{},
		&vfat.Probe{},
	}
}
