// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gpt parses and validates GUID partition tables.
package gpt

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
	"github.com/siderolabs/go-usbstorage/scan/internal/utils"
)

// HeaderSignature is the signature of the GPT header ("EFI PART").
const HeaderSignature = 0x5452415020494645

// Revision is the only published GPT revision.
const Revision = 0x00010000

// NumEntries caps the processed partition entry count regardless of what
// the header claims.
const NumEntries = 128

const (
	primaryLBA = 1

	headerSize = 92
	entrySize  = 128
)

// Well-known partition type GUIDs.
var (
	// BasicDataGUID marks a generic Microsoft basic data partition; a
	// volume boot record inspection decides the actual filesystem.
	BasicDataGUID = uuid.MustParse("ebd0a0a2-b9e5-4433-87c0-68b6b72699c7")

	// LinuxFSGUID marks a Linux filesystem data partition.
	LinuxFSGUID = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
)

// Header is a decoded GPT header.
type Header struct {
	HeaderSize     uint32
	MyLBA          uint64
	AlternateLBA   uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       uuid.UUID
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32
	EntriesCRC     uint32
}

// Entry is a decoded GPT partition entry.
type Entry struct {
	TypeGUID uuid.UUID
	PartGUID uuid.UUID

	FirstLBA uint64
	LastLBA  uint64

	Name string
}

// Blocks returns the entry's length in blocks.
func (e Entry) Blocks() uint64 {
	return e.LastLBA - e.FirstLBA + 1
}

// Read reads and validates the partition table, preferring the primary
// header and falling back exactly once to the backup header location the
// primary references. It returns nil if no valid GPT is present.
func Read(r probe.Reader) (*Header, []Entry, error) {
	lastLBA, ok := lastLBA(r)
	if !ok {
		return nil, nil, nil
	}

	hdr, entries, err := readHeader(r, primaryLBA, lastLBA)
	if err != nil {
		return nil, nil, err
	}

	if hdr == nil {
		// the primary is damaged: its alternate pointer is the only
		// lead on the backup header, and chasing it more than once
		// would recurse
		altLBA, ok := alternateLBA(r, primaryLBA)
		if !ok || altLBA == primaryLBA || altLBA > lastLBA {
			return nil, nil, nil
		}

		hdr, entries, err = readHeader(r, altLBA, lastLBA)
		if err != nil {
			return nil, nil, err
		}
	}

	if hdr == nil {
		return nil, nil, nil
	}

	return hdr, entries, nil
}

// readHeader reads the GPT header at lba and its partition entries, with
// full sanity checks. It returns nil without an error when validation
// fails, so the caller can fall back.
func readHeader(r probe.Reader, lba, lastLBA uint64) (*Header, []Entry, error) {
	sectorSize := r.GetSectorSize()
	buf := make([]byte, sectorSize)

	if err := utils.ReadFullAt(r, buf, int64(lba)*int64(sectorSize)); err != nil {
		return nil, nil, err
	}

	if binary.LittleEndian.Uint64(buf[0:8]) != HeaderSignature {
		return nil, nil, nil
	}

	if binary.LittleEndian.Uint32(buf[8:12]) != Revision {
		return nil, nil, nil
	}

	size := binary.LittleEndian.Uint32(buf[12:16])
	if size < headerSize || uint(size) > sectorSize {
		return nil, nil, nil
	}

	// CRC is computed over the header with its own checksum field zeroed
	if binary.LittleEndian.Uint32(buf[16:20]) != headerChecksum(buf[:size]) {
		return nil, nil, nil
	}

	hdr := decodeHeader(buf)

	if hdr.MyLBA != lba {
		return nil, nil, nil
	}

	if hdr.LastUsableLBA < hdr.FirstUsableLBA || hdr.FirstUsableLBA > lastLBA || hdr.LastUsableLBA > lastLBA {
		return nil, nil, nil
	}

	if hdr.EntrySize != entrySize {
		return nil, nil, nil
	}

	if hdr.NumEntries == 0 {
		return nil, nil, nil
	}

	// cap the entry count even if the header claims more
	numEntries := hdr.NumEntries
	if numEntries > NumEntries {
		numEntries = NumEntries
	}

	entriesBuf := make([]byte, numEntries*entrySize)

	if err := utils.ReadFullAt(r, entriesBuf, int64(hdr.EntriesLBA)*int64(sectorSize)); err != nil {
		return nil, nil, err
	}

	// the entry array CRC covers the claimed entry count; it can only be
	// checked when that count was not capped
	if hdr.NumEntries <= NumEntries && utils.CRC32(entriesBuf) != hdr.EntriesCRC {
		return nil, nil, nil
	}

	zeroGUID := make([]byte, 16)
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

	var entries []Entry

	for i := range numEntries {
		ebuf := entriesBuf[i*entrySize : (i+1)*entrySize]

		if bytes.Equal(ebuf[0:16], zeroGUID) {
			continue
		}

		typeGUID, err := uuid.FromBytes(guidToUUID(ebuf[0:16]))
		if err != nil {
			continue
		}

		partGUID, err := uuid.FromBytes(guidToUUID(ebuf[16:32]))
		if err != nil {
			continue
		}

		name, err := utf16.NewDecoder().Bytes(ebuf[56:128])
		if err != nil {
			name = nil
		}

		entry := Entry{
			TypeGUID: typeGUID,
			PartGUID: partGUID,
			FirstLBA: binary.LittleEndian.Uint64(ebuf[32:40]),
			LastLBA:  binary.LittleEndian.Uint64(ebuf[40:48]),
			Name:     string(bytes.TrimRight(name, "\x00")),
		}

		if entry.FirstLBA < hdr.FirstUsableLBA || entry.LastLBA > hdr.LastUsableLBA {
			continue
		}

		entries = append(entries, entry)
	}

	return &hdr, entries, nil
}

// alternateLBA extracts the backup header location from a header whose
// checksum did not validate. Only the signature and header size are
// required to be plausible.
func alternateLBA(r probe.Reader, lba uint64) (uint64, bool) {
	sectorSize := r.GetSectorSize()
	buf := make([]byte, sectorSize)

	if err := utils.ReadFullAt(r, buf, int64(lba)*int64(sectorSize)); err != nil {
		return 0, false
	}

	if binary.LittleEndian.Uint64(buf[0:8]) != HeaderSignature {
		return 0, false
	}

	alt := binary.LittleEndian.Uint64(buf[32:40])
	if alt == 0 {
		return 0, false
	}

	return alt, true
}

func decodeHeader(buf []byte) Header {
	diskGUID, _ := uuid.FromBytes(guidToUUID(buf[56:72])) //nolint:errcheck // 16 bytes always decode

	return Header{
		HeaderSize:     binary.LittleEndian.Uint32(buf[12:16]),
		MyLBA:          binary.LittleEndian.Uint64(buf[24:32]),
		AlternateLBA:   binary.LittleEndian.Uint64(buf[32:40]),
		FirstUsableLBA: binary.LittleEndian.Uint64(buf[40:48]),
		LastUsableLBA:  binary.LittleEndian.Uint64(buf[48:56]),
		DiskGUID:       diskGUID,
		EntriesLBA:     binary.LittleEndian.Uint64(buf[72:80]),
		NumEntries:     binary.LittleEndian.Uint32(buf[80:84]),
		EntrySize:      binary.LittleEndian.Uint32(buf[84:88]),
		EntriesCRC:     binary.LittleEndian.Uint32(buf[88:92]),
	}
}

// headerChecksum computes the header CRC with the checksum field zeroed.
// Validation is idempotent: recomputing over an unchanged header yields the
// same value.
func headerChecksum(hdr []byte) uint32 {
	b := bytes.Clone(hdr)

	b[16] = 0
	b[17] = 0
	b[18] = 0
	b[19] = 0

	return utils.CRC32(b)
}

func lastLBA(r probe.Reader) (uint64, bool) {
	sectorSize := r.GetSectorSize()
	size := r.GetSize()

	if uint64(sectorSize) > size {
		return 0, false
	}

	return (size / uint64(sectorSize)) - 1, true
}

// guidToUUID converts a mixed-endian GPT GUID to RFC 4122 byte order.
func guidToUUID(g []byte) []byte {
	return append(
		[]byte{
			g[3], g[2], g[1], g[0],
			g[5], g[4],
			g[7], g[6],
			g[8], g[9],
		},
		g[10:16]...,
	)
}
