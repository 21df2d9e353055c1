package serialflash

import "time"

// Builtin family descriptors. The table order is the dispatch order:
// when two predicates accept the same identifier the earlier entry wins.
// This is deliberate policy, not happenstance; see the Atmel note below.

func mhz(v ...int64) []int64 {
	out := make([]int64, len(v))
	for i, m := range v {
		out[i] = m * 1000000
	}
	return out
}

func tm(typical, max time.Duration) []Timing {
	return []Timing{{Typical: typical, Max: max}}
}

// gen25Commands is the common '25' series command set. Families override
// individual opcodes where they diverge.
var gen25Commands = CommandSet{
	ReadLoSpeed:       0x03,
	ReadHiSpeed:       0x0B,
	ReadStatus:        0x05,
	WriteEnable:       0x06,
	WriteDisable:      0x04,
	WriteStatus:       0x01,
	EnableWriteStatus: 0x50,
	ProgramPage:       0x02,
	EraseSubsector:    0x20,
	EraseHsector:      0x52,
	EraseSector:       0xD8,
	EraseChip:         0xC7,
}

func gen25(d Descriptor) *Descriptor {
	if d.Commands.ReadStatus == 0 {
		cmds := gen25Commands
		cmds.ProgramAAI = d.Commands.ProgramAAI
		cmds.ReadConfig = d.Commands.ReadConfig
		cmds.ReadUID = d.Commands.ReadUID
		if d.Commands.EraseSector != 0 {
			cmds.EraseSector = d.Commands.EraseSector
		}
		d.Commands = cmds
	}
	if d.StatusBusyMask == 0 {
		d.StatusBusyMask = srWIP
		d.StatusBusyValue = srWIP
	}
	if d.StatusProtectMask == 0 {
		d.StatusProtectMask = srProtectAll
	}
	return &d
}

// '25' series status register bits.
const (
	srWIP        = 0x01 // busy / write in progress
	srWEL        = 0x02 // write enable latch
	srProtectAll = 0x1C // BP0..BP2
)

// AT45 status register bits.
const (
	at45StatusReady    = 0x80
	at45StatusPageSize = 0x01 // set when the chip runs 2^N byte pages
)

var sst25 = gen25(Descriptor{
	Family:       "SST25",
	Vendor:       "SST",
	Manufacturer: 0xBF,
	Devices:      map[byte]string{0x25: "SST25"},
	Capacities:   map[byte]int64{0x41: 2 << 20, 0x4A: 4 << 20},
	PageDiv:      []uint{8},
	SubsectorDiv: []uint{12},
	HsectorDiv:   []uint{15},
	SectorDiv:    []uint{16},
	MaxFrequency: mhz(66),
	Timings: map[TimingKind][]Timing{
		TimingSubsector: tm(25*time.Millisecond, 25*time.Millisecond),
		TimingHsector:   tm(25*time.Millisecond, 25*time.Millisecond),
		TimingSector:    tm(25*time.Millisecond, 25*time.Millisecond),
		TimingWord:      tm(10*time.Microsecond, 25*time.Millisecond),
		TimingLock:      tm(0, 0),
	},
	Features: FeatSectErase | FeatHSectErase | FeatSubSectErase,
	Commands: CommandSet{ProgramAAI: 0xAD},
	Write:    WriteAAIWord,
	Lock:     LockWRSR,
})

// SST25VF512A/010A parts answer the legacy read-ID command (0x90) with
// manufacturer, device, manufacturer-again. Capacities here are byte
// capacities; the parts are marketed in kilobits.
var (
	sst25vfaDevices    = map[byte]string{0x48: "SST25VF512A", 0x49: "SST25VF010A"}
	sst25vfaCapacities = map[byte]int64{0x48: 64 << 10, 0x49: 128 << 10}
)

var sst25vfa = gen25(Descriptor{
	Family:       "SST25VFxxxA",
	Vendor:       "Microchip",
	Manufacturer: 0xBF,
	Devices:      sst25vfaDevices,
	Capacities:   sst25vfaCapacities,
	PageDiv:      []uint{8},
	SectorDiv:    []uint{12},
	MaxFrequency: mhz(20),
	Timings: map[TimingKind][]Timing{
		TimingSector: tm(25*time.Millisecond, 26*time.Millisecond),
		TimingByte:   tm(20*time.Microsecond, 20*time.Millisecond),
		TimingChip:   tm(100*time.Millisecond, 100*time.Millisecond),
		TimingLock:   tm(0, 0),
	},
	Features: FeatSectErase | FeatChipErase,
	Commands: CommandSet{ProgramAAI: 0xAF, EraseSector: 0x20},
	Write:    WriteAAIByte,
	Lock:     LockEWSR,
	Match: func(id JedecID) bool {
		if id[0] != 0xBF && id[2] != 0xBF {
			return false
		}
		_, ok := sst25vfaDevices[id[1]]
		return ok
	},
	Resolve: func(id JedecID) (string, int64, int, error) {
		name, ok := sst25vfaDevices[id[1]]
		if !ok {
			return "", 0, 0, &UnknownJedecError{ID: id}
		}
		return name, sst25vfaCapacities[id[1]], 0, nil
	},
})

var s25fl = gen25(Descriptor{
	Family:       "S25FL",
	Vendor:       "Spansion",
	Manufacturer: 0x01,
	Devices:      map[byte]string{0x02: "S25FL"},
	Capacities:   map[byte]int64{0x15: 4 << 20, 0x16: 8 << 20},
	PageDiv:      []uint{8},
	SubsectorDiv: []uint{12},
	SectorDiv:    []uint{16},
	MaxFrequency: mhz(104),
	Timings: map[TimingKind][]Timing{
		TimingPage:      tm(1500*time.Microsecond, 3*time.Millisecond),
		TimingSubsector: tm(200*time.Millisecond, 800*time.Millisecond),
		TimingSector:    tm(500*time.Millisecond, 2*time.Second),
		TimingChip:      tm(32*time.Second, 64*time.Second),
		TimingLock:      tm(1500*time.Microsecond, 100*time.Millisecond),
	},
	Features:      FeatSectErase | FeatSubSectErase,
	Commands:      CommandSet{ReadConfig: 0x35},
	Lock:          LockWRSR,
	ParameterZone: true,
})

var m25px = gen25(Descriptor{
	Family:       "M25PX",
	Vendor:       "Numonix",
	Manufacturer: 0x20,
	Devices:      map[byte]string{0x71: "M25P", 0x20: "M25PX"},
	Capacities:   map[byte]int64{0x15: 2 << 20, 0x16: 4 << 20, 0x17: 8 << 20, 0x18: 16 << 20},
	PageDiv:      []uint{8},
	SubsectorDiv: []uint{12},
	SectorDiv:    []uint{16},
	MaxFrequency: mhz(75),
	Timings: map[TimingKind][]Timing{
		TimingPage:      tm(1500*time.Microsecond, 3*time.Millisecond),
		TimingSubsector: tm(150*time.Millisecond, 150*time.Millisecond),
		TimingSector:    tm(3*time.Second, 3*time.Second),
		TimingChip:      tm(32*time.Second, 64*time.Second),
		TimingLock:      tm(1500*time.Microsecond, 3*time.Millisecond),
	},
	Features: FeatSectErase | FeatSubSectErase,
	Lock:     LockWRSR,
})

var w25x = gen25(Descriptor{
	Family:       "W25X",
	Vendor:       "Winbond",
	Manufacturer: 0xEF,
	Devices:      map[byte]string{0x30: "W25X", 0x40: "W25Q"},
	Capacities: map[byte]int64{
		0x11: 1 << 17, 0x12: 1 << 18, 0x13: 1 << 19, 0x14: 1 << 20,
		0x15: 2 << 20, 0x16: 4 << 20, 0x17: 8 << 20, 0x18: 16 << 20,
	},
	PageDiv:      []uint{8},
	SubsectorDiv: []uint{12},
	SectorDiv:    []uint{16},
	MaxFrequency: mhz(104),
	Timings: map[TimingKind][]Timing{
		TimingPage:      tm(1500*time.Microsecond, 3*time.Millisecond),
		TimingSubsector: tm(200*time.Millisecond, 200*time.Millisecond),
		TimingSector:    tm(1*time.Second, 1*time.Second),
		TimingChip:      tm(32*time.Second, 64*time.Second),
		TimingLock:      tm(50*time.Millisecond, 100*time.Millisecond),
	},
	Features: FeatSectErase | FeatSubSectErase | FeatUniqueID,
	Commands: CommandSet{ReadUID: 0x4B},
	Lock:     LockWRSR,
})

var mx25l = gen25(Descriptor{
	Family:       "MX25L",
	Vendor:       "Macronix",
	Manufacturer: 0xC2,
	Devices:      map[byte]string{0x9E: "MX25D", 0x26: "MX25E", 0x20: "MX25E06"},
	Capacities:   map[byte]int64{0x15: 2 << 20, 0x16: 4 << 20, 0x17: 8 << 20, 0x18: 16 << 20},
	PageDiv:      []uint{8},
	SubsectorDiv: []uint{12},
	HsectorDiv:   []uint{15},
	SectorDiv:    []uint{16},
	MaxFrequency: mhz(104),
	Timings: map[TimingKind][]Timing{
		TimingPage:      tm(1500*time.Microsecond, 3*time.Millisecond),
		TimingSubsector: tm(300*time.Millisecond, 300*time.Millisecond),
		TimingHsector:   tm(2*time.Second, 2*time.Second),
		TimingSector:    tm(2*time.Second, 2*time.Second),
		TimingChip:      tm(32*time.Second, 64*time.Second),
		TimingLock:      tm(1500*time.Microsecond, 3*time.Millisecond),
	},
	Features: FeatSectErase | FeatHSectErase | FeatSubSectErase,
	Lock:     LockMX25,
})

var en25q = gen25(Descriptor{
	Family:       "EN25Q",
	Vendor:       "Eon",
	Manufacturer: 0x1C,
	Devices:      map[byte]string{0x30: "EN25Q"},
	Capacities:   map[byte]int64{0x15: 2 << 20, 0x16: 4 << 20, 0x17: 8 << 20},
	PageDiv:      []uint{8},
	SubsectorDiv: []uint{12},
	SectorDiv:    []uint{16},
	MaxFrequency: mhz(100),
	Timings: map[TimingKind][]Timing{
		TimingPage:      tm(1500*time.Microsecond, 3*time.Millisecond),
		TimingSubsector: tm(300*time.Millisecond, 300*time.Millisecond),
		TimingSector:    tm(2*time.Second, 2*time.Second),
		TimingChip:      tm(32*time.Second, 64*time.Second),
		TimingLock:      tm(1500*time.Microsecond, 3*time.Millisecond),
	},
	Features: FeatSectErase | FeatSubSectErase,
	Lock:     LockWRSR,
})

// Atmel note: AT25 and AT45 share manufacturer byte 0x1F and their code
// spaces sit close together, so predicate order matters. AT25 is
// registered first: its predicate additionally requires the third
// identifier byte to be zero, while AT45 decodes a device/capacity
// nibble pair from the second byte. Identifiers acceptable to both
// dispatch to AT25 by table order.
var at25Capacities = map[byte]int64{0x46: 2 << 20, 0x47: 4 << 20, 0x48: 8 << 20}

var at25 = gen25(Descriptor{
	Family:       "AT25",
	Vendor:       "Atmel",
	Manufacturer: 0x1F,
	Capacities:   at25Capacities,
	PageDiv:      []uint{8},
	SubsectorDiv: []uint{12},
	SectorDiv:    []uint{16},
	MaxFrequency: mhz(85),
	Timings: map[TimingKind][]Timing{
		TimingPage:      tm(1500*time.Microsecond, 3*time.Millisecond),
		TimingSubsector: tm(200*time.Millisecond, 200*time.Millisecond),
		TimingSector:    tm(950*time.Millisecond, 950*time.Millisecond),
		TimingChip:      tm(32*time.Second, 64*time.Second),
		TimingLock:      tm(1500*time.Microsecond, 3*time.Millisecond),
	},
	Features: FeatSectErase | FeatSubSectErase | FeatSectLock,
	Lock:     LockAT25,
	Match: func(id JedecID) bool {
		if id[0] != 0x1F || id[2] != 0 {
			return false
		}
		_, ok := at25Capacities[id[1]]
		return ok
	},
	Resolve: func(id JedecID) (string, int64, int, error) {
		size, ok := at25Capacities[id[1]]
		if !ok {
			return "", 0, 0, &UnknownJedecError{ID: id}
		}
		return "AT25DF", size, 0, nil
	},
})

const (
	at45DeviceID      = 0x01
	at45DeviceShift   = 5
	at45DeviceMask    = 0x07
	at45CapacityMask  = 0x1F
	at45GeometryCount = 7
)

// AT45 geometry tables cover the 1Mb..64Mb parts, indexed by the
// capacity code carried in the identifier.
var at45ChipDiv = []uint{17, 18, 19, 20, 21, 22, 23}

var at45 = &Descriptor{
	Family:       "AT45",
	Vendor:       "Atmel",
	Manufacturer: 0x1F,
	PageDiv:      []uint{8, 8, 8, 8, 9, 9, 8},
	SubsectorDiv: []uint{11, 11, 11, 11, 12, 12, 11},
	SectorDiv:    []uint{15, 15, 16, 16, 17, 16, 18},
	ChipDiv:      at45ChipDiv,
	MaxFrequency: mhz(66, 85, 85, 133, 85, 85, 85),
	Timings: map[TimingKind][]Timing{
		TimingPage: {
			{2 * time.Millisecond, 4 * time.Millisecond},
			{1500 * time.Microsecond, 3 * time.Millisecond},
			{1500 * time.Microsecond, 3 * time.Millisecond},
			{2 * time.Millisecond, 4 * time.Millisecond},
			{3 * time.Millisecond, 4 * time.Millisecond},
			{3 * time.Millisecond, 4 * time.Millisecond},
			{1500 * time.Microsecond, 5 * time.Millisecond},
		},
		TimingSubsector: {
			{18 * time.Millisecond, 35 * time.Millisecond},
			{25 * time.Millisecond, 35 * time.Millisecond},
			{30 * time.Millisecond, 35 * time.Millisecond},
			{30 * time.Millisecond, 75 * time.Millisecond},
			{45 * time.Millisecond, 100 * time.Millisecond},
			{45 * time.Millisecond, 100 * time.Millisecond},
			{25 * time.Millisecond, 50 * time.Millisecond},
		},
		TimingSector: {
			{400 * time.Millisecond, 700 * time.Millisecond},
			{350 * time.Millisecond, 550 * time.Millisecond},
			{700 * time.Millisecond, 1100 * time.Millisecond},
			{700 * time.Millisecond, 1300 * time.Millisecond},
			{1400 * time.Millisecond, 2 * time.Second},
			{700 * time.Millisecond, 1400 * time.Millisecond},
			{2500 * time.Millisecond, 6500 * time.Millisecond},
		},
		TimingChip: {
			{1200 * time.Millisecond, 3 * time.Second},
			{3 * time.Second, 4 * time.Second},
			{5 * time.Second, 17 * time.Second},
			{10 * time.Second, 20 * time.Second},
			{22 * time.Second, 40 * time.Second},
			{45 * time.Second, 80 * time.Second},
			{80 * time.Second, 208 * time.Second},
		},
		TimingLock: {
			{1 * time.Second, 2 * time.Second},
			{1 * time.Second, 2 * time.Second},
			{1 * time.Second, 2 * time.Second},
			{1 * time.Second, 2 * time.Second},
			{1 * time.Second, 2 * time.Second},
			{1 * time.Second, 2 * time.Second},
			{1 * time.Second, 2 * time.Second},
		},
	},
	Features: FeatSectErase | FeatSubSectErase,
	Commands: CommandSet{
		ReadLoSpeed:    0x03,
		ReadHiSpeed:    0x0B,
		ReadStatus:     0xD7,
		BufferWrite:    0x84,
		BufferCommit:   0x88,
		EraseSubsector: 0x50,
		EraseSector:    0x7C,
	},
	Write:            WriteBufferCommit,
	Lock:             LockAT45,
	StatusBusyMask:   at45StatusReady,
	StatusBusyValue:  0x00,
	FirstSectorSplit: true,
	Match: func(id JedecID) bool {
		if id[0] != 0x1F {
			return false
		}
		if (id[1]>>at45DeviceShift)&at45DeviceMask != at45DeviceID {
			return false
		}
		capacity := int(id[1] & at45CapacityMask)
		return capacity >= 2 && capacity-2 < at45GeometryCount
	},
	Resolve: func(id JedecID) (string, int64, int, error) {
		capacity := int(id[1] & at45CapacityMask)
		geoidx := capacity - 2
		if geoidx < 0 || geoidx >= at45GeometryCount {
			return "", 0, 0, &UnknownJedecError{ID: id}
		}
		return "AT45DB", 1 << at45ChipDiv[geoidx], geoidx, nil
	},
	Setup: at45Setup,
}

var n25q = gen25(Descriptor{
	Family:       "N25Q",
	Vendor:       "Micron",
	Manufacturer: 0x20,
	Devices:      map[byte]string{0xBA: "N25Q"},
	Capacities:   map[byte]int64{0x15: 2 << 20, 0x16: 4 << 20, 0x17: 8 << 20, 0x18: 16 << 20},
	PageDiv:      []uint{8},
	SubsectorDiv: []uint{12},
	SectorDiv:    []uint{16},
	MaxFrequency: mhz(105),
	Timings: map[TimingKind][]Timing{
		TimingPage:      tm(500*time.Microsecond, 5*time.Millisecond),
		TimingSubsector: tm(300*time.Millisecond, 3*time.Second),
		TimingSector:    tm(700*time.Millisecond, 3*time.Second),
		TimingChip:      tm(60*time.Second, 120*time.Second),
	},
	Features: FeatSectErase | FeatSubSectErase | FeatSectLock,
	Lock:     LockWRLR,
})

var builtin = []*Descriptor{
	sst25,
	sst25vfa,
	s25fl,
	m25px,
	w25x,
	mx25l,
	en25q,
	at25,
	at45,
	n25q,
}

// DefaultRegistry returns the builtin family descriptors in dispatch
// order. The returned slice is a copy; the descriptors themselves are
// shared and must not be mutated.
func DefaultRegistry() []*Descriptor {
	out := make([]*Descriptor, len(builtin))
	copy(out, builtin)
	return out
}
