package serialflash

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Descriptor overlay files let users add chips the builtin table does
// not know, without recompiling. Overlays use the common '25' series
// command set with optional opcode overrides; families needing custom
// predicates or write strategies beyond the named ones still require a
// Go descriptor.

type yamlDescriptorFile struct {
	Devices []yamlDescriptor `yaml:"devices"`
}

type yamlDescriptor struct {
	Family       string          `yaml:"family"`
	Vendor       string          `yaml:"vendor"`
	Manufacturer byte            `yaml:"manufacturer"`
	Devices      map[byte]string `yaml:"devices"`
	Capacities   map[byte]int64  `yaml:"capacities"`

	// block size exponents, size = 1 << exponent
	Page      uint `yaml:"page"`
	Subsector uint `yaml:"subsector"`
	Hsector   uint `yaml:"hsector"`
	Sector    uint `yaml:"sector"`

	MaxFrequencyMHz int64                 `yaml:"max_frequency_mhz"`
	Timings         map[string][2]float64 `yaml:"timings"` // seconds, [typical, max]
	Features        []string              `yaml:"features"`
	Write           string                `yaml:"write"`
	Lock            string                `yaml:"lock"`

	EraseSubsector byte `yaml:"erase_subsector"`
	EraseHsector   byte `yaml:"erase_hsector"`
	EraseSector    byte `yaml:"erase_sector"`
	EraseChip      byte `yaml:"erase_chip"`
}

var yamlFeatures = map[string]Feature{
	"lock":            FeatLock,
	"inverted-lock":   FeatInvLock,
	"sector-lock":     FeatSectLock,
	"otp-lock":        FeatOTPLock,
	"unique-id":       FeatUniqueID,
	"sector-erase":    FeatSectErase,
	"hsector-erase":   FeatHSectErase,
	"subsector-erase": FeatSubSectErase,
	"chip-erase":      FeatChipErase,
}

var yamlWriteStrategies = map[string]WriteStrategy{
	"":              WritePage,
	"page":          WritePage,
	"aai-word":      WriteAAIWord,
	"aai-byte":      WriteAAIByte,
	"buffer-commit": WriteBufferCommit,
}

var yamlLockSchemes = map[string]LockScheme{
	"":     LockNone,
	"none": LockNone,
	"wrsr": LockWRSR,
	"ewsr": LockEWSR,
	"at25": LockAT25,
	"at45": LockAT45,
	"wrlr": LockWRLR,
	"mx25": LockMX25,
}

var yamlTimingKinds = map[string]TimingKind{
	"page":      TimingPage,
	"byte":      TimingByte,
	"word":      TimingWord,
	"subsector": TimingSubsector,
	"hsector":   TimingHsector,
	"sector":    TimingSector,
	"chip":      TimingChip,
	"lock":      TimingLock,
}

func (y *yamlDescriptor) descriptor() (*Descriptor, error) {
	desc := Descriptor{
		Family:       y.Family,
		Vendor:       y.Vendor,
		Manufacturer: y.Manufacturer,
		Devices:      y.Devices,
		Capacities:   y.Capacities,
		Timings:      map[TimingKind][]Timing{},
	}
	if y.Page != 0 {
		desc.PageDiv = []uint{y.Page}
	}
	if y.Subsector != 0 {
		desc.SubsectorDiv = []uint{y.Subsector}
	}
	if y.Hsector != 0 {
		desc.HsectorDiv = []uint{y.Hsector}
	}
	if y.Sector != 0 {
		desc.SectorDiv = []uint{y.Sector}
	}
	if y.MaxFrequencyMHz != 0 {
		desc.MaxFrequency = mhz(y.MaxFrequencyMHz)
	}
	for name, pair := range y.Timings {
		kind, ok := yamlTimingKinds[name]
		if !ok {
			return nil, fmt.Errorf("%s: unknown timing kind %q", y.Family, name)
		}
		desc.Timings[kind] = tm(
			time.Duration(pair[0]*float64(time.Second)),
			time.Duration(pair[1]*float64(time.Second)),
		)
	}
	for _, name := range y.Features {
		feat, ok := yamlFeatures[name]
		if !ok {
			return nil, fmt.Errorf("%s: unknown feature %q", y.Family, name)
		}
		desc.Features |= feat
	}
	var ok bool
	if desc.Write, ok = yamlWriteStrategies[y.Write]; !ok {
		return nil, fmt.Errorf("%s: unknown write strategy %q", y.Family, y.Write)
	}
	if desc.Lock, ok = yamlLockSchemes[y.Lock]; !ok {
		return nil, fmt.Errorf("%s: unknown lock scheme %q", y.Family, y.Lock)
	}
	out := gen25(desc)
	if y.EraseSubsector != 0 {
		out.Commands.EraseSubsector = y.EraseSubsector
	}
	if y.EraseHsector != 0 {
		out.Commands.EraseHsector = y.EraseHsector
	}
	if y.EraseSector != 0 {
		out.Commands.EraseSector = y.EraseSector
	}
	if y.EraseChip != 0 {
		out.Commands.EraseChip = y.EraseChip
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseDescriptors reads descriptor overlays from YAML text.
func ParseDescriptors(data []byte) ([]*Descriptor, error) {
	var file yamlDescriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("descriptor file: %w", err)
	}
	out := make([]*Descriptor, 0, len(file.Devices))
	for i := range file.Devices {
		desc, err := file.Devices[i].descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

// LoadDescriptors reads descriptor overlays from a YAML file.
func LoadDescriptors(path string) ([]*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDescriptors(data)
}
