// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mbr parses MBR partition tables, following extended boot record
// chains.
package mbr

import (
	"encoding/binary"

	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
	"github.com/siderolabs/go-usbstorage/scan/internal/utils"
)

const (
	entryTableOffset = 446
	entrySize        = 16
	numEntries       = 4

	signatureOffset = 510
	signature       = 0xaa55
)

// maxEBRs bounds extended boot record chain traversal so a corrupt or
// self-referential chain terminates.
const maxEBRs = 128

// Partition type bytes dispatched by the scanner.
const (
	TypeEmpty         = 0x00
	TypeFAT12         = 0x01
	TypeFAT16Small    = 0x04
	TypeExtendedCHS   = 0x05
	TypeFAT16         = 0x06
	TypeNTFS          = 0x07
	TypeFAT32CHS      = 0x0b
	TypeFAT32LBA      = 0x0c
	TypeFAT16LBA      = 0x0e
	TypeExtendedLBA   = 0x0f
	TypeLinux         = 0x83
	TypeLinuxExtended = 0x85
	TypeGPTProtective = 0xee
)

// Entry is one partition discovered in the MBR or an EBR chain.
type Entry struct {
	Type uint8

	StartLBA uint64
	Sectors  uint64
}

// IsVBRCandidate reports whether the partition type calls for a volume boot
// record inspection (FAT family, NTFS or exFAT).
func (e Entry) IsVBRCandidate() bool {
	switch e.Type {
	case TypeFAT12, TypeFAT16Small, TypeFAT16, TypeNTFS, TypeFAT32CHS, TypeFAT32LBA, TypeFAT16LBA:
		return true
	default:
		return false
	}
}

// IsLinux reports whether the partition type calls for a superblock
// inspection.
func (e Entry) IsLinux() bool {
	return e.Type == TypeLinux
}

// IsExtended reports whether the entry heads an extended boot record chain.
func (e Entry) IsExtended() bool {
	switch e.Type {
	case TypeExtendedCHS, TypeExtendedLBA, TypeLinuxExtended:
		return true
	default:
		return false
	}
}

// IsGPTProtective reports whether the entry is a GPT protective placeholder.
func (e Entry) IsGPTProtective() bool {
	return e.Type == TypeGPTProtective
}

// Parse reads the MBR at block zero and returns all partitions described by
// it, extended chains included. A missing boot signature yields no entries
// and no error.
func Parse(r probe.Reader) ([]Entry, error) {
	sector, err := readSector(r, 0)
	if err != nil {
		return nil, err
	}

	if sector == nil {
		return nil, nil
	}

	var entries []Entry

	for i := 0; i < numEntries; i++ {
		entry := decodeEntry(sector, i)

		if entry.Type == TypeEmpty || entry.Sectors == 0 {
			continue
		}

		if entry.IsExtended() {
			chain, err := parseEBRChain(r, entry.StartLBA)
			if err != nil {
				return nil, err
			}

			entries = append(entries, chain...)

			continue
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// parseEBRChain walks the singly-linked EBR list. Each EBR carries one
// partition entry (relative to the EBR itself) and one link entry (relative
// to the extended partition base). The walk stops on a zero link, a bad
// signature, a self-reference or the chain bound.
func parseEBRChain(r probe.Reader, extendedBase uint64) ([]Entry, error) {
	var entries []Entry

	current := extendedBase

	for range maxEBRs {
		sector, err := readSector(r, current)
		if err != nil {
			return entries, err
		}

		if sector == nil {
			break
		}

		part := decodeEntry(sector, 0)
		if part.Type != TypeEmpty && part.Sectors != 0 {
			part.StartLBA += current

			entries = append(entries, part)
		}

		link := decodeEntry(sector, 1)
		if link.StartLBA == 0 {
			break
		}

		next := extendedBase + link.StartLBA
		if next == current {
			break
		}

		current = next
	}

	return entries, nil
}

// readSector returns the decoded sector, or nil if its boot signature is
// missing.
func readSector(r probe.Reader, lba uint64) ([]byte, error) {
	sector := make([]byte, r.GetSectorSize())

	if err := utils.ReadFullAt(r, sector, int64(lba)*int64(r.GetSectorSize())); err != nil {
		return nil, err
	}

	if len(sector) < signatureOffset+2 || binary.LittleEndian.Uint16(sector[signatureOffset:]) != signature {
		return nil, nil
	}

	return sector, nil
}

func decodeEntry(sector []byte, index int) Entry {
	buf := sector[entryTableOffset+index*entrySize:]

	return Entry{
		Type:     buf[4],
		StartLBA: uint64(binary.LittleEndian.Uint32(buf[8:12])),
		Sectors:  uint64(binary.LittleEndian.Uint32(buf[12:16])),
	}
}
