package serialflash

import (
	"fmt"
	"time"
)

// JedecID is the 3-byte identifier returned by the read-identification
// command: manufacturer byte plus two device/capacity bytes whose
// semantics vary per family.
type JedecID [3]byte

func (id JedecID) String() string {
	return fmt.Sprintf("%02x%02x%02x", id[0], id[1], id[2])
}

func (id JedecID) isZero() bool {
	return id[0] == 0 && id[1] == 0 && id[2] == 0
}

// Feature is a bitmask of device capabilities.
type Feature uint16

const (
	FeatLock         Feature = 0x001 // basic, revertable locking
	FeatInvLock      Feature = 0x002 // inverted (bottom/top) locking
	FeatSectLock     Feature = 0x004 // arbitrary sector locking
	FeatOTPLock      Feature = 0x008 // OTP locking
	FeatUniqueID     Feature = 0x010 // unique ID readout
	FeatSectErase    Feature = 0x100 // whole sector erase
	FeatHSectErase   Feature = 0x200 // half sector erase
	FeatSubSectErase Feature = 0x400 // sub sector erase
	FeatChipErase    Feature = 0x800 // single-command whole chip erase
)

// BlockKind names the block granularities a device may expose.
type BlockKind int

const (
	BlockPage BlockKind = iota
	BlockSubsector
	BlockHsector
	BlockSector
	BlockChip
)

func (k BlockKind) String() string {
	switch k {
	case BlockPage:
		return "page"
	case BlockSubsector:
		return "subsector"
	case BlockHsector:
		return "hsector"
	case BlockSector:
		return "sector"
	case BlockChip:
		return "chip"
	}
	return fmt.Sprintf("block(%d)", int(k))
}

// TimingKind names an entry in a device's timing table.
type TimingKind string

const (
	TimingPage      TimingKind = "page"
	TimingByte      TimingKind = "byte"
	TimingWord      TimingKind = "word"
	TimingSubsector TimingKind = "subsector"
	TimingHsector   TimingKind = "hsector"
	TimingSector    TimingKind = "sector"
	TimingChip      TimingKind = "chip"
	TimingLock      TimingKind = "lock"
)

// Timing is a (typical, maximum) duration pair for one chip operation.
// A zero pair means the operation completes immediately and needs no
// busy polling.
type Timing struct {
	Typical time.Duration
	Max     time.Duration
}

func (t Timing) zero() bool { return t.Typical == 0 && t.Max == 0 }

// WriteStrategy selects how Write drives the chip.
type WriteStrategy int

const (
	// WritePage programs through the conventional page buffer, one
	// program-page command per page-aligned chunk.
	WritePage WriteStrategy = iota
	// WriteAAIWord streams data two bytes at a time in auto-address-
	// increment mode, polling between each pair.
	WriteAAIWord
	// WriteAAIByte is the single-byte auto-increment variant.
	WriteAAIByte
	// WriteBufferCommit fills a device-side RAM buffer and then commits
	// it to the flash cells, one pair of commands per page.
	WriteBufferCommit
)

// LockScheme selects the family's protection command sequence.
type LockScheme int

const (
	LockNone LockScheme = iota
	LockWRSR            // clear protection bits via write-status-register
	LockEWSR            // enable-write-status-register then WRSR
	LockAT25            // per-sector soft protect/unprotect opcodes
	LockAT45            // protect-command prefix sequence
	LockWRLR            // per-sector lock register writes
	LockMX25            // dedicated chip unlock opcode
)

// CommandSet holds the family's SPI opcodes. A zero opcode means the
// command does not exist for the family.
type CommandSet struct {
	ReadLoSpeed byte
	ReadHiSpeed byte
	ReadStatus  byte
	ReadConfig  byte
	ReadUID     byte

	WriteEnable       byte
	WriteDisable      byte
	WriteStatus       byte
	EnableWriteStatus byte

	ProgramPage byte
	ProgramAAI  byte

	// Buffer-commit families (fill device RAM, then commit to cells).
	BufferWrite  byte
	BufferCommit byte

	EraseSubsector byte
	EraseHsector   byte
	EraseSector    byte
	EraseChip      byte
}

func (c *CommandSet) eraseOpcode(kind BlockKind) byte {
	switch kind {
	case BlockSubsector:
		return c.EraseSubsector
	case BlockHsector:
		return c.EraseHsector
	case BlockSector:
		return c.EraseSector
	case BlockChip:
		return c.EraseChip
	}
	return 0
}

// Descriptor is the static, immutable capability table of one chip
// family. Block sizes, timings and maximum frequencies are slices
// indexed by a per-device geometry index resolved at identification
// time; fixed-geometry families use single-element slices.
type Descriptor struct {
	Family string // e.g. "EN25Q"
	Vendor string // e.g. "Eon"

	Manufacturer byte
	Devices      map[byte]string // device code -> display name
	Capacities   map[byte]int64  // capacity code -> bytes

	// Block size exponents (size = 1 << exponent), per geometry index.
	PageDiv      []uint
	SubsectorDiv []uint
	HsectorDiv   []uint
	SectorDiv    []uint
	ChipDiv      []uint

	Timings map[TimingKind][]Timing

	// Maximum SPI clock in Hz, per geometry index.
	MaxFrequency []int64

	Features Feature
	Commands CommandSet
	Write    WriteStrategy
	Lock     LockScheme

	// Busy detection: the chip is busy while status&StatusBusyMask ==
	// StatusBusyValue. Covers both WIP-high ('25 series) and READY-high
	// (AT45) conventions.
	StatusBusyMask  byte
	StatusBusyValue byte

	// Status bits meaning "some protection is active", checked after an
	// unlock for schemes that can verify it.
	StatusProtectMask byte

	// The first sector is split into a subsector-sized part and the
	// remainder, each needing its own erase command.
	FirstSectorSplit bool

	// The device embeds a parameter zone of finer erase granularity at
	// the top or bottom of the array (position read from the chip's
	// configuration register).
	ParameterZone bool

	// Match overrides the default JEDEC predicate (manufacturer equality
	// plus device/capacity code membership).
	Match func(id JedecID) bool

	// Resolve overrides default name/capacity resolution and picks the
	// geometry index for indexed-geometry families.
	Resolve func(id JedecID) (name string, size int64, geoidx int, err error)

	// Setup runs once after identification, for construction-time chip
	// fixups (e.g. the AT45 binary page-size mode check).
	Setup func(d *Device) error
}

func (desc *Descriptor) HasFeature(f Feature) bool {
	return desc.Features&f != 0
}

func (desc *Descriptor) blockDiv(kind BlockKind) []uint {
	switch kind {
	case BlockPage:
		return desc.PageDiv
	case BlockSubsector:
		return desc.SubsectorDiv
	case BlockHsector:
		return desc.HsectorDiv
	case BlockSector:
		return desc.SectorDiv
	case BlockChip:
		return desc.ChipDiv
	}
	return nil
}

// BlockSize returns the size in bytes of the given block kind for the
// given geometry index.
func (desc *Descriptor) BlockSize(kind BlockKind, geoidx int) (int64, error) {
	divs := desc.blockDiv(kind)
	if len(divs) == 0 {
		return 0, &NotSupportedError{Device: desc.Family, What: kind.String() + " size"}
	}
	if geoidx >= len(divs) {
		if len(divs) != 1 {
			return 0, fmt.Errorf("%s: no %s geometry for index %d", desc.Family, kind, geoidx)
		}
		geoidx = 0
	}
	return 1 << divs[geoidx], nil
}

// Timing returns the (typical, max) duration pair for the given timing
// kind and geometry index.
func (desc *Descriptor) Timing(kind TimingKind, geoidx int) (Timing, error) {
	entries, ok := desc.Timings[kind]
	if !ok || len(entries) == 0 {
		return Timing{}, &NotSupportedError{Device: desc.Family, What: string(kind) + " timing"}
	}
	if geoidx >= len(entries) {
		if len(entries) != 1 {
			return Timing{}, fmt.Errorf("%s: no %s timing for index %d", desc.Family, kind, geoidx)
		}
		geoidx = 0
	}
	return entries[geoidx], nil
}

func (desc *Descriptor) maxFrequency(geoidx int) int64 {
	if len(desc.MaxFrequency) == 0 {
		return 0
	}
	if geoidx >= len(desc.MaxFrequency) {
		geoidx = 0
	}
	return desc.MaxFrequency[geoidx]
}

// matches evaluates the family predicate for a raw identifier.
// Manufacturer equality is necessary but never sufficient.
func (desc *Descriptor) matches(id JedecID) bool {
	if desc.Match != nil {
		return desc.Match(id)
	}
	if id[0] != desc.Manufacturer {
		return false
	}
	if _, ok := desc.Devices[id[1]]; !ok {
		return false
	}
	if _, ok := desc.Capacities[id[2]]; !ok {
		return false
	}
	return true
}

func (desc *Descriptor) resolve(id JedecID) (string, int64, int, error) {
	if desc.Resolve != nil {
		return desc.Resolve(id)
	}
	name, ok := desc.Devices[id[1]]
	if !ok {
		return "", 0, 0, &UnknownJedecError{ID: id}
	}
	size, ok := desc.Capacities[id[2]]
	if !ok {
		return "", 0, 0, &UnknownJedecError{ID: id}
	}
	return name, size, 0, nil
}

var eraseFeatureKinds = []struct {
	feat   Feature
	kind   BlockKind
	timing TimingKind
}{
	{FeatSectErase, BlockSector, TimingSector},
	{FeatHSectErase, BlockHsector, TimingHsector},
	{FeatSubSectErase, BlockSubsector, TimingSubsector},
}

// Validate checks the descriptor invariants: every claimed erase feature
// must have a block size, a timing entry and an opcode; strategies must
// have the geometry and commands they rely on.
func (desc *Descriptor) Validate() error {
	if desc.Family == "" {
		return fmt.Errorf("descriptor without family name")
	}
	if desc.Features&(FeatSectErase|FeatHSectErase|FeatSubSectErase|FeatChipErase) == 0 {
		return fmt.Errorf("%s: no erase capability", desc.Family)
	}
	for _, e := range eraseFeatureKinds {
		if !desc.HasFeature(e.feat) {
			continue
		}
		if len(desc.blockDiv(e.kind)) == 0 {
			return fmt.Errorf("%s: feature %s without %s size", desc.Family, e.kind, e.kind)
		}
		if len(desc.Timings[e.timing]) == 0 {
			return fmt.Errorf("%s: feature %s without %s timing", desc.Family, e.kind, e.timing)
		}
		if desc.Commands.eraseOpcode(e.kind) == 0 {
			return fmt.Errorf("%s: feature %s without erase opcode", desc.Family, e.kind)
		}
	}
	if desc.HasFeature(FeatChipErase) {
		if len(desc.Timings[TimingChip]) == 0 {
			return fmt.Errorf("%s: chip erase without chip timing", desc.Family)
		}
		if desc.Commands.EraseChip == 0 {
			return fmt.Errorf("%s: chip erase without opcode", desc.Family)
		}
	}
	switch desc.Write {
	case WritePage:
		if len(desc.PageDiv) == 0 || desc.Commands.ProgramPage == 0 {
			return fmt.Errorf("%s: page writes need a page size and opcode", desc.Family)
		}
		if len(desc.Timings[TimingPage]) == 0 {
			return fmt.Errorf("%s: page writes without page timing", desc.Family)
		}
	case WriteAAIWord:
		if desc.Commands.ProgramAAI == 0 || len(desc.Timings[TimingWord]) == 0 {
			return fmt.Errorf("%s: AAI word writes need an opcode and word timing", desc.Family)
		}
	case WriteAAIByte:
		if desc.Commands.ProgramAAI == 0 || len(desc.Timings[TimingByte]) == 0 {
			return fmt.Errorf("%s: AAI byte writes need an opcode and byte timing", desc.Family)
		}
	case WriteBufferCommit:
		if len(desc.PageDiv) == 0 || desc.Commands.BufferWrite == 0 || desc.Commands.BufferCommit == 0 {
			return fmt.Errorf("%s: buffered writes need a page size and buffer opcodes", desc.Family)
		}
		if len(desc.Timings[TimingPage]) == 0 {
			return fmt.Errorf("%s: buffered writes without page timing", desc.Family)
		}
	}
	if desc.StatusBusyMask == 0 {
		return fmt.Errorf("%s: no busy bit defined", desc.Family)
	}
	if desc.Commands.ReadStatus == 0 {
		return fmt.Errorf("%s: no read-status opcode", desc.Family)
	}
	if desc.Match == nil && (len(desc.Devices) == 0 || len(desc.Capacities) == 0) {
		return fmt.Errorf("%s: default predicate needs device and capacity codes", desc.Family)
	}
	if desc.Resolve == nil && len(desc.Capacities) == 0 {
		return fmt.Errorf("%s: default resolution needs capacity codes", desc.Family)
	}
	return nil
}
