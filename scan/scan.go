// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package scan discovers volumes on a logical unit: it classifies the boot
// block, walks MBR/EBR chains and GPT tables, and hands back one descriptor
// per recognized volume.
package scan

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/go-usbstorage/scan/internal/chain"
	"github.com/siderolabs/go-usbstorage/scan/internal/filesystems/extfs"
	"github.com/siderolabs/go-usbstorage/scan/internal/partitions/gpt"
	"github.com/siderolabs/go-usbstorage/scan/internal/partitions/mbr"
	"github.com/siderolabs/go-usbstorage/scan/internal/probe"
)

// Kind is the filesystem family of a volume.
type Kind int

// Supported filesystem kinds.
const (
	KindUnsupported Kind = iota
	KindFAT
	KindExFAT
	KindNTFS
	KindExt
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindFAT:
		return "fat"
	case KindExFAT:
		return "exfat"
	case KindNTFS:
		return "ntfs"
	case KindExt:
		return "ext"
	default:
		return "unsupported"
	}
}

// BlockReader is the block I/O surface the scanner reads through, satisfied
// by a started logical unit.
type BlockReader interface {
	ReadBlocks(lba, count uint64, buf []byte) error
	BlockSize() uint32
	BlockCount() uint64
}

// Volume is one recognized volume on a unit.
type Volume struct {
	Kind Kind

	// FirstBlock and BlockCount locate the volume on the unit, in unit
	// blocks.
	FirstBlock uint64
	BlockCount uint64

	Label *string
	UUID  *uuid.UUID
}

// Options is the set of options for scanning.
type Options struct {
	// Logger to use for logging.
	Logger *zap.Logger
}

// Option is an option for scanning.
type Option func(*Options)

// WithLogger sets the logger for the scan.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Unit scans a whole logical unit for volumes.
//
// Block zero is first tested as a volume boot record or superblock; failing
// that, partition table parsing takes over. A unit with nothing recognizable
// yields an empty result, not an error.
func Unit(r BlockReader, opts ...Option) ([]Volume, error) {
	options := Options{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	s := &scanner{
		reader: newUnitReader(r),
		logger: options.Logger,
	}

	return s.run()
}

type scanner struct {
	reader probe.Reader
	logger *zap.Logger
}

func (s *scanner) run() ([]Volume, error) {
	// the unit may be a single unpartitioned volume
	if vol := s.probeVolume(chain.Default(), 0, s.reader.GetSize()/uint64(s.reader.GetSectorSize())); vol != nil {
		return []Volume{*vol}, nil
	}

	// no volume at block zero: fall back to partition table parsing
	entries, err := mbr.Parse(s.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MBR: %w", err)
	}

	var volumes []Volume

	for _, entry := range entries {
		switch {
		case entry.IsGPTProtective():
			gptVolumes, err := s.scanGPT()
			if err != nil {
				return nil, err
			}

			volumes = append(volumes, gptVolumes...)
		case entry.IsVBRCandidate():
			if vol := s.probeVolume(chain.Default(), entry.StartLBA, entry.Sectors); vol != nil {
				volumes = append(volumes, *vol)
			}
		case entry.IsLinux():
			if vol := s.probeVolume(chain.Chain{&extfs.Probe{}}, entry.StartLBA, entry.Sectors); vol != nil {
				volumes = append(volumes, *vol)
			}
		default:
			s.logger.Debug("skipping partition of unsupported type",
				zap.Uint8("type", entry.Type),
				zap.Uint64("start", entry.StartLBA))
		}
	}

	return volumes, nil
}

func (s *scanner) scanGPT() ([]Volume, error) {
	hdr, entries, err := gpt.Read(s.reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GPT: %w", err)
	}

	if hdr == nil {
		s.logger.Debug("protective MBR entry without a valid GPT")

		return nil, nil
	}

	var volumes []Volume

	for _, entry := range entries {
		switch entry.TypeGUID {
		case gpt.BasicDataGUID:
			// basic data usually means a VBR, but some tools
			// mislabel ext volumes under this GUID, so the
			// superblock prober stays in the chain
			if vol := s.probeVolume(chain.Default(), entry.FirstLBA, entry.Blocks()); vol != nil {
				volumes = append(volumes, *vol)
			}
		case gpt.LinuxFSGUID:
			if vol := s.probeVolume(chain.Chain{&extfs.Probe{}}, entry.FirstLBA, entry.Blocks()); vol != nil {
				volumes = append(volumes, *vol)
			}
		default:
			s.logger.Debug("skipping partition of unsupported type",
				zap.Stringer("type_guid", entry.TypeGUID),
				zap.Uint64("start", entry.FirstLBA))
		}
	}

	return volumes, nil
}

// probeVolume runs the prober chain over a block range and converts the
// first successful result into a volume descriptor. A failed probe is local
// to the candidate: it is logged and skipped, never aborting the scan.
func (s *scanner) probeVolume(probers chain.Chain, firstBlock, blockCount uint64) *Volume {
	sectorSize := uint64(s.reader.GetSectorSize())

	reader := probe.Section(s.reader, firstBlock*sectorSize, blockCount*sectorSize)

	magicBuf := make([]byte, min(uint64(probers.MaxMagicSize()), blockCount*sectorSize))

	n, err := reader.ReadAt(magicBuf, 0)
	if err != nil && n == 0 {
		s.logger.Debug("failed to read magic buffer",
			zap.Uint64("first_block", firstBlock),
			zap.Error(err))

		return nil
	}

	for _, prober := range probers.MagicMatches(magicBuf[:n]) {
		res, err := prober.Probe(reader)
		if err != nil || res == nil {
			// skip failed probes
			continue
		}

		vol := &Volume{
			Kind:       kindFromName(prober.Name()),
			FirstBlock: firstBlock,
			BlockCount: blockCount,
			Label:      res.Label,
			UUID:       res.UUID,
		}

		s.logger.Debug("volume classified",
			zap.Stringer("kind", vol.Kind),
			zap.Uint64("first_block", firstBlock),
			zap.Uint64("blocks", blockCount))

		return vol
	}

	return nil
}

func kindFromName(name string) Kind {
	switch name {
	case "vfat":
		return KindFAT
	case "exfat":
		return KindExFAT
	case "ntfs":
		return KindNTFS
	case "extfs":
		return KindExt
	default:
		return KindUnsupported
	}
}
