// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package scan_test

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-usbstorage/scan"
)

const sectorSize = 512

// memUnit serves a disk image as a logical unit.
type memUnit struct {
	data []byte
}

func (m *memUnit) ReadBlocks(lba, count uint64, buf []byte) error {
	start := lba * sectorSize
	end := start + count*sectorSize

	if end > uint64(len(m.data)) {
		return fmt.Errorf("read beyond device at lba %d", lba)
	}

	copy(buf, m.data[start:end])

	return nil
}

func (m *memUnit) BlockSize() uint32 { return sectorSize }

func (m *memUnit) BlockCount() uint64 { return uint64(len(m.data)) / sectorSize }

func blankDisk(blocks int) []byte {
	return make([]byte, blocks*sectorSize)
}

func place(disk []byte, lba uint64, sector []byte) {
	copy(disk[lba*sectorSize:], sector)
}

// fat32VBR builds a FAT32 boot sector.
func fat32VBR(label string, totalSectors uint32) []byte {
	buf := make([]byte, sectorSize)

	buf[0], buf[1], buf[2] = 0xeb, 0x58, 0x90
	binary.LittleEndian.PutUint16(buf[11:], sectorSize)
	buf[13] = 8
	binary.LittleEndian.PutUint16(buf[14:], 32)
	buf[16] = 2
	binary.LittleEndian.PutUint32(buf[32:], totalSectors)
	copy(buf[71:82], fmt.Sprintf("%-11s", label))
	copy(buf[0x52:], "FAT32   ")
	binary.LittleEndian.PutUint16(buf[510:], 0xaa55)

	return buf
}

// fat16VBR builds a boot sector that only the legacy BPB heuristic accepts.
func fat16VBR(label string, totalSectors uint16) []byte {
	buf := make([]byte, sectorSize)

	binary.LittleEndian.PutUint16(buf[11:], sectorSize)
	buf[13] = 4
	binary.LittleEndian.PutUint16(buf[14:], 1)
	buf[16] = 2
	binary.LittleEndian.PutUint16(buf[17:], 512)
	binary.LittleEndian.PutUint16(buf[19:], totalSectors)
	binary.LittleEndian.PutUint16(buf[22:], 20)
	copy(buf[43:54], fmt.Sprintf("%-11s", label))
	binary.LittleEndian.PutUint16(buf[510:], 0xaa55)

	return buf
}

func exfatVBR(serial uint32, volumeLength uint64) []byte {
	buf := make([]byte, sectorSize)

	copy(buf[3:], "EXFAT   ")
	binary.LittleEndian.PutUint64(buf[72:], volumeLength)
	binary.LittleEndian.PutUint32(buf[100:], serial)
	buf[108] = 9
	buf[109] = 3
	binary.LittleEndian.PutUint16(buf[510:], 0xaa55)

	return buf
}

func ntfsVBR(serial uint64, totalSectors uint64) []byte {
	buf := make([]byte, sectorSize)

	copy(buf[3:], "NTFS    ")
	binary.LittleEndian.PutUint16(buf[11:], sectorSize)
	buf[13] = 8
	binary.LittleEndian.PutUint64(buf[40:], totalSectors)
	binary.LittleEndian.PutUint64(buf[72:], serial)
	binary.LittleEndian.PutUint16(buf[510:], 0xaa55)

	return buf
}

// extSuperblock builds the 1024-byte superblock that lives at byte offset
// 1024 of an ext volume.
func extSuperblock(label string, fsUUID uuid.UUID, blocks uint32, withChecksum bool) []byte {
	buf := make([]byte, 1024)

	binary.LittleEndian.PutUint32(buf[4:], blocks)
	buf[0x38], buf[0x39] = 0x53, 0xef
	copy(buf[104:120], fsUUID[:])
	copy(buf[120:136], label)

	if withChecksum {
		binary.LittleEndian.PutUint32(buf[100:], 0x0400)

		csum := ^crc32.Update(0, crc32.MakeTable(crc32.Castagnoli), buf[:1020])
		binary.LittleEndian.PutUint32(buf[1020:], csum)
	}

	return buf
}

// mbrEntry writes one partition entry into the boot sector of disk and sets
// the boot signature.
func mbrEntry(disk []byte, index int, ptype uint8, start, sectors uint32) {
	off := 446 + index*16

	disk[off+4] = ptype
	binary.LittleEndian.PutUint32(disk[off+8:], start)
	binary.LittleEndian.PutUint32(disk[off+12:], sectors)
	binary.LittleEndian.PutUint16(disk[510:], 0xaa55)
}

// ebrSector builds one extended boot record: a partition entry relative to
// the EBR itself and a chain link relative to the extended partition base.
func ebrSector(ptype uint8, partStart, partSectors, linkStart uint32) []byte {
	buf := make([]byte, sectorSize)

	buf[446+4] = ptype
	binary.LittleEndian.PutUint32(buf[446+8:], partStart)
	binary.LittleEndian.PutUint32(buf[446+12:], partSectors)

	if linkStart != 0 {
		buf[462+4] = 0x05
		binary.LittleEndian.PutUint32(buf[462+8:], linkStart)
		binary.LittleEndian.PutUint32(buf[462+12:], 1)
	}

	binary.LittleEndian.PutUint16(buf[510:], 0xaa55)

	return buf
}

func scanImage(t *testing.T, disk []byte) []scan.Volume {
	t.Helper()

	volumes, err := scan.Unit(&memUnit{data: disk})
	require.NoError(t, err)

	return volumes
}

func TestScanEmptyUnit(t *testing.T) {
	t.Parallel()

	assert.Empty(t, scanImage(t, blankDisk(64)))
}

func TestScanWholeUnitFAT32(t *testing.T) {
	t.Parallel()

	disk := blankDisk(256)
	place(disk, 0, fat32VBR("USB DRIVE", 256))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 1)

	vol := volumes[0]
	assert.Equal(t, scan.KindFAT, vol.Kind)
	assert.Equal(t, uint64(0), vol.FirstBlock)
	assert.Equal(t, uint64(256), vol.BlockCount)
	require.NotNil(t, vol.Label)
	assert.Equal(t, "USB DRIVE", *vol.Label)
}

func TestScanWholeUnitLegacyFAT(t *testing.T) {
	t.Parallel()

	disk := blankDisk(256)
	place(disk, 0, fat16VBR("NO NAME", 256))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 1)

	assert.Equal(t, scan.KindFAT, volumes[0].Kind)
	assert.Nil(t, volumes[0].Label, "the placeholder label is dropped")
}

func TestScanWholeUnitExFAT(t *testing.T) {
	t.Parallel()

	disk := blankDisk(256)
	place(disk, 0, exfatVBR(0x1234abcd, 256))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 1)

	assert.Equal(t, scan.KindExFAT, volumes[0].Kind)
	require.NotNil(t, volumes[0].Label)
	assert.Equal(t, "1234-ABCD", *volumes[0].Label)
}

func TestScanWholeUnitNTFS(t *testing.T) {
	t.Parallel()

	disk := blankDisk(256)
	place(disk, 0, ntfsVBR(0xdeadbeefcafe, 255))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 1)

	assert.Equal(t, scan.KindNTFS, volumes[0].Kind)
	require.NotNil(t, volumes[0].Label)
	assert.Equal(t, "0000DEADBEEFCAFE", *volumes[0].Label)
}

func TestScanWholeUnitExt(t *testing.T) {
	t.Parallel()

	fsUUID := uuid.MustParse("b3e5a8c1-7c19-4b2f-9f1e-0123456789ab")

	disk := blankDisk(256)
	copy(disk[1024:], extSuperblock("rootfs", fsUUID, 128, true))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 1)

	vol := volumes[0]
	assert.Equal(t, scan.KindExt, vol.Kind)
	require.NotNil(t, vol.UUID)
	assert.Equal(t, fsUUID, *vol.UUID)
	require.NotNil(t, vol.Label)
	assert.Equal(t, "rootfs", *vol.Label)
}

func TestScanExtBadChecksum(t *testing.T) {
	t.Parallel()

	disk := blankDisk(256)
	copy(disk[1024:], extSuperblock("rootfs", uuid.New(), 128, true))

	// flip one bit inside the checksummed region
	disk[1024+200] ^= 0x01

	assert.Empty(t, scanImage(t, disk), "a superblock failing its metadata checksum is not a volume")
}

func TestScanMBRPartitions(t *testing.T) {
	t.Parallel()

	disk := blankDisk(4096)

	mbrEntry(disk, 0, 0x0c, 128, 512)
	mbrEntry(disk, 1, 0x07, 1024, 512)
	mbrEntry(disk, 2, 0x83, 2048, 1024)
	mbrEntry(disk, 3, 0xa5, 3584, 256) // unsupported, skipped

	place(disk, 128, fat32VBR("VOL1", 512))
	place(disk, 1024, ntfsVBR(1, 512))
	copy(disk[2048*sectorSize+1024:], extSuperblock("data", uuid.New(), 512, false))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 3)

	assert.Equal(t, scan.KindFAT, volumes[0].Kind)
	assert.Equal(t, uint64(128), volumes[0].FirstBlock)
	assert.Equal(t, uint64(512), volumes[0].BlockCount)

	assert.Equal(t, scan.KindNTFS, volumes[1].Kind)
	assert.Equal(t, uint64(1024), volumes[1].FirstBlock)

	assert.Equal(t, scan.KindExt, volumes[2].Kind)
	assert.Equal(t, uint64(2048), volumes[2].FirstBlock)
}

func TestScanMBRLinuxTypeProbesSuperblockOnly(t *testing.T) {
	t.Parallel()

	disk := blankDisk(1024)

	// a Linux-typed partition holding a FAT volume is a mismatch: only
	// the superblock prober runs for it
	mbrEntry(disk, 0, 0x83, 128, 512)
	place(disk, 128, fat32VBR("WRONG", 512))

	assert.Empty(t, scanImage(t, disk))
}

func TestScanEBRChain(t *testing.T) {
	t.Parallel()

	disk := blankDisk(1024)

	mbrEntry(disk, 0, 0x05, 64, 512)

	// first EBR: partition at +1, link to the EBR at base+192
	place(disk, 64, ebrSector(0x06, 1, 128, 192))
	place(disk, 65, fat16VBR("LOG1", 128))

	// second EBR: partition at +1, end of chain
	place(disk, 256, ebrSector(0x06, 1, 128, 0))
	place(disk, 257, fat16VBR("LOG2", 128))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 2)

	assert.Equal(t, uint64(65), volumes[0].FirstBlock, "logical partition start is relative to its EBR")
	assert.Equal(t, uint64(257), volumes[1].FirstBlock)
}

func TestScanEBRSelfReferenceTerminates(t *testing.T) {
	t.Parallel()

	disk := blankDisk(1024)

	mbrEntry(disk, 0, 0x05, 64, 512)

	place(disk, 64, ebrSector(0x06, 1, 128, 192))
	place(disk, 65, fat16VBR("LOG1", 128))

	// second EBR links back to itself
	place(disk, 256, ebrSector(0x06, 1, 128, 192))
	place(disk, 257, fat16VBR("LOG2", 128))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 2, "the walk visits each EBR once and stops")
}

// gptPart describes one partition for buildGPT.
type gptPart struct {
	typeGUID uuid.UUID
	first    uint64
	last     uint64
	name     string
}

// uuidToGUID converts RFC 4122 byte order to the GPT mixed-endian layout.
func uuidToGUID(u uuid.UUID) []byte {
	return []byte{
		u[3], u[2], u[1], u[0],
		u[5], u[4],
		u[7], u[6],
		u[8], u[9],
		u[10], u[11], u[12], u[13], u[14], u[15],
	}
}

func gptEntries(parts []gptPart) []byte {
	buf := make([]byte, 4*128)

	for i, p := range parts {
		e := buf[i*128:]

		copy(e[0:16], uuidToGUID(p.typeGUID))
		copy(e[16:32], uuidToGUID(uuid.MustParse(fmt.Sprintf("00000000-0000-4000-8000-%012d", i+1))))
		binary.LittleEndian.PutUint64(e[32:40], p.first)
		binary.LittleEndian.PutUint64(e[40:48], p.last)

		for j, c := range p.name {
			e[56+2*j] = byte(c)
		}
	}

	return buf
}

func gptHeader(myLBA, altLBA, entriesLBA, lastUsable uint64, entries []byte) []byte {
	buf := make([]byte, sectorSize)

	binary.LittleEndian.PutUint64(buf[0:8], 0x5452415020494645)
	binary.LittleEndian.PutUint32(buf[8:12], 0x00010000)
	binary.LittleEndian.PutUint32(buf[12:16], 92)
	binary.LittleEndian.PutUint64(buf[24:32], myLBA)
	binary.LittleEndian.PutUint64(buf[32:40], altLBA)
	binary.LittleEndian.PutUint64(buf[40:48], 3)
	binary.LittleEndian.PutUint64(buf[48:56], lastUsable)
	copy(buf[56:72], uuidToGUID(uuid.MustParse("f0e1d2c3-b4a5-4695-8778-695a4b3c2d1e")))
	binary.LittleEndian.PutUint64(buf[72:80], entriesLBA)
	binary.LittleEndian.PutUint32(buf[80:84], 4)
	binary.LittleEndian.PutUint32(buf[84:88], 128)
	binary.LittleEndian.PutUint32(buf[88:92], crc32.ChecksumIEEE(entries))

	binary.LittleEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf[:92]))

	return buf
}

// buildGPT lays out a protective MBR, the primary table at the disk front
// and the backup table at the disk tail.
func buildGPT(disk []byte, parts []gptPart) {
	blocks := uint64(len(disk)) / sectorSize
	lastLBA := blocks - 1

	mbrEntry(disk, 0, 0xee, 1, uint32(blocks-1))

	entries := gptEntries(parts)

	place(disk, 2, entries)
	place(disk, 1, gptHeader(1, lastLBA, 2, lastLBA-2, entries))

	place(disk, lastLBA-1, entries)
	place(disk, lastLBA, gptHeader(lastLBA, 1, lastLBA-1, lastLBA-2, entries))
}

var (
	basicDataGUID = uuid.MustParse("ebd0a0a2-b9e5-4433-87c0-68b6b72699c7")
	linuxFSGUID   = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")
)

func TestScanGPT(t *testing.T) {
	t.Parallel()

	disk := blankDisk(2048)

	buildGPT(disk, []gptPart{
		{basicDataGUID, 64, 319, "DATA"},
		{linuxFSGUID, 512, 1023, "root"},
		{uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b"), 1536, 1663, "ESP"}, // unsupported type
	})

	place(disk, 64, fat32VBR("DATA", 256))
	copy(disk[512*sectorSize+1024:], extSuperblock("root", uuid.New(), 256, false))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 2)

	assert.Equal(t, scan.KindFAT, volumes[0].Kind)
	assert.Equal(t, uint64(64), volumes[0].FirstBlock)
	assert.Equal(t, uint64(256), volumes[0].BlockCount)

	assert.Equal(t, scan.KindExt, volumes[1].Kind)
	assert.Equal(t, uint64(512), volumes[1].FirstBlock)
	assert.Equal(t, uint64(512), volumes[1].BlockCount)
}

func TestScanGPTBackupFallback(t *testing.T) {
	t.Parallel()

	disk := blankDisk(2048)

	buildGPT(disk, []gptPart{
		{basicDataGUID, 64, 319, "DATA"},
	})

	place(disk, 64, fat32VBR("DATA", 256))

	// damage the primary header checksum, keeping the signature and the
	// alternate pointer readable
	disk[sectorSize+16] ^= 0xff

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 1)

	assert.Equal(t, scan.KindFAT, volumes[0].Kind)
	assert.Equal(t, uint64(64), volumes[0].FirstBlock)
}

func TestScanGPTPrimaryUnreadable(t *testing.T) {
	t.Parallel()

	disk := blankDisk(2048)

	buildGPT(disk, []gptPart{
		{basicDataGUID, 64, 319, "DATA"},
	})

	place(disk, 64, fat32VBR("DATA", 256))

	// wipe the primary header completely: without its alternate pointer
	// there is no lead on the backup
	place(disk, 1, make([]byte, sectorSize))

	assert.Empty(t, scanImage(t, disk))
}

func TestScanGPTBothHeadersDamaged(t *testing.T) {
	t.Parallel()

	disk := blankDisk(2048)

	buildGPT(disk, []gptPart{
		{basicDataGUID, 64, 319, "DATA"},
	})

	disk[sectorSize+16] ^= 0xff
	disk[2047*sectorSize+16] ^= 0xff

	assert.Empty(t, scanImage(t, disk), "the backup is tried exactly once, not chased further")
}

func TestScanGPTMislabeledExt(t *testing.T) {
	t.Parallel()

	fsUUID := uuid.MustParse("11111111-2222-4333-8444-555555555555")

	disk := blankDisk(2048)

	// ext filesystem under the basic data type GUID
	buildGPT(disk, []gptPart{
		{basicDataGUID, 64, 575, ""},
	})

	copy(disk[64*sectorSize+1024:], extSuperblock("misfit", fsUUID, 256, false))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 1)

	assert.Equal(t, scan.KindExt, volumes[0].Kind)
	require.NotNil(t, volumes[0].UUID)
	assert.Equal(t, fsUUID, *volumes[0].UUID)
}

func TestScanGPTEntryOutsideUsableRange(t *testing.T) {
	t.Parallel()

	disk := blankDisk(2048)

	buildGPT(disk, []gptPart{
		{basicDataGUID, 64, 319, "DATA"},
		{basicDataGUID, 1, 2, "BAD"}, // below the first usable block
	})

	place(disk, 64, fat32VBR("DATA", 256))

	volumes := scanImage(t, disk)
	require.Len(t, volumes, 1)
	assert.Equal(t, uint64(64), volumes[0].FirstBlock)
}
