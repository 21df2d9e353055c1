package serialflash

import (
	"errors"
	"testing"
	"time"
)

// fakeSPI is a scripted transport: fixed answers for the identification
// and status commands, everything else accepted and recorded.
type fakeSPI struct {
	jedec  [3]byte
	legacy [3]byte
	status byte
	config byte
	freq   int64
	cmds   [][]byte
}

func (f *fakeSPI) Exchange(cmd []byte, readLen int) ([]byte, error) {
	f.cmds = append(f.cmds, append([]byte(nil), cmd...))
	out := make([]byte, readLen)
	switch cmd[0] {
	case 0x9F:
		copy(out, f.jedec[:])
	case 0x90:
		copy(out, f.legacy[:])
	case 0x05, 0xD7:
		if readLen > 0 {
			out[0] = f.status
		}
	case 0x35:
		if readLen > 0 {
			out[0] = f.config
		}
	}
	return out, nil
}

func (f *fakeSPI) SetFrequency(hz int64) error { f.freq = hz; return nil }
func (f *fakeSPI) Frequency() int64            { return f.freq }
func (f *fakeSPI) MaxPayload() int             { return 4096 }

func TestIdentifyEN25Q(t *testing.T) {
	spi := &fakeSPI{jedec: [3]byte{0x1C, 0x30, 0x16}}
	dev, err := Identify(spi)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name() != "EN25Q" {
		t.Errorf("name = %q, want EN25Q", dev.Name())
	}
	if dev.Len() != 4<<20 {
		t.Errorf("capacity = %d, want %d", dev.Len(), 4<<20)
	}
	// no explicit frequency: clamped to the family maximum
	if spi.freq != 100*1000000 {
		t.Errorf("frequency = %d, want family maximum", spi.freq)
	}
}

func TestIdentifyNoDevice(t *testing.T) {
	_, err := Identify(&fakeSPI{})
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
}

func TestIdentifyUnknownID(t *testing.T) {
	spi := &fakeSPI{jedec: [3]byte{0xAA, 0xBB, 0xCC}}
	_, err := Identify(spi)
	var unknown *UnknownJedecError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownJedecError", err)
	}
	if unknown.ID != (JedecID{0xAA, 0xBB, 0xCC}) {
		t.Errorf("reported ID = %s", unknown.ID)
	}
}

func TestIdentifyKnownFamilyUnknownCapacity(t *testing.T) {
	// manufacturer and device codes of a known family, capacity code not
	// in its table: must not half-match
	spi := &fakeSPI{jedec: [3]byte{0x1C, 0x30, 0x99}}
	var unknown *UnknownJedecError
	if _, err := Identify(spi); !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownJedecError", err)
	}
}

func TestIdentifyLegacyFallback(t *testing.T) {
	spi := &fakeSPI{legacy: [3]byte{0xBF, 0x48, 0xBF}}

	// without the option an all-zero JEDEC answer is no device
	if _, err := Identify(spi); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice without legacy option", err)
	}

	dev, err := Identify(spi, WithLegacyReadID())
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name() != "SST25VF512A" {
		t.Errorf("name = %q, want SST25VF512A", dev.Name())
	}
	if dev.Len() != 64<<10 {
		t.Errorf("capacity = %d, want %d", dev.Len(), 64<<10)
	}

	// the fallback must complete outstanding writes before reading
	var sawDisable bool
	for _, cmd := range spi.cmds {
		if cmd[0] == 0x04 {
			sawDisable = true
		}
		if cmd[0] == 0x90 && !sawDisable {
			t.Error("legacy read issued before write-disable")
		}
	}
}

func TestIdentifyAtmelDispatchOrder(t *testing.T) {
	// AT45: device bits 001, capacity code 6 (16 Mbit part)
	spi := &fakeSPI{jedec: [3]byte{0x1F, 0x26, 0x00}, status: 0x81}
	dev, err := Identify(spi)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name() != "AT45DB" {
		t.Errorf("name = %q, want AT45DB", dev.Name())
	}
	if dev.Len() != 2<<20 {
		t.Errorf("capacity = %d, want %d", dev.Len(), 2<<20)
	}

	// AT25: second byte is a pure capacity code outside the AT45 device
	// pattern, third byte zero
	spi = &fakeSPI{jedec: [3]byte{0x1F, 0x47, 0x00}}
	dev, err = Identify(spi)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name() != "AT25DF" {
		t.Errorf("name = %q, want AT25DF", dev.Name())
	}
}

func TestIdentifyWithExtraDescriptors(t *testing.T) {
	custom := gen25(Descriptor{
		Family:       "CUSTOM",
		Vendor:       "Acme",
		Manufacturer: 0x1C,
		Devices:      map[byte]string{0x30: "CUSTOM"},
		Capacities:   map[byte]int64{0x16: 4 << 20},
		PageDiv:      []uint{8},
		SubsectorDiv: []uint{12},
		SectorDiv:    []uint{16},
		Timings: map[TimingKind][]Timing{
			TimingPage:      tm(time.Millisecond, 3*time.Millisecond),
			TimingSubsector: tm(time.Millisecond, 3*time.Millisecond),
			TimingSector:    tm(time.Millisecond, 3*time.Millisecond),
		},
		Features: FeatSectErase | FeatSubSectErase,
	})
	if err := custom.Validate(); err != nil {
		t.Fatal(err)
	}
	// overlays shadow builtins for the same identifier
	spi := &fakeSPI{jedec: [3]byte{0x1C, 0x30, 0x16}}
	dev, err := Identify(spi, WithDescriptors(custom))
	if err != nil {
		t.Fatal(err)
	}
	if dev.Descriptor().Family != "CUSTOM" {
		t.Errorf("family = %q, want CUSTOM", dev.Descriptor().Family)
	}
}

func TestIdentifyFrequencyClamp(t *testing.T) {
	spi := &fakeSPI{jedec: [3]byte{0x1C, 0x30, 0x16}}
	dev, err := Identify(spi, WithFrequency(500*1000000))
	if err != nil {
		t.Fatal(err)
	}
	if dev.Frequency() != 100*1000000 {
		t.Errorf("frequency = %d, want clamp to family maximum", dev.Frequency())
	}

	spi = &fakeSPI{jedec: [3]byte{0x1C, 0x30, 0x16}}
	dev, err = Identify(spi, WithFrequency(1000000))
	if err != nil {
		t.Fatal(err)
	}
	if dev.Frequency() != 1000000 {
		t.Errorf("frequency = %d, want requested value", dev.Frequency())
	}
}
