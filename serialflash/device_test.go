package serialflash

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dvreeland/serialflash/transport/flashsim"
)

func simDevice(t *testing.T, prof flashsim.Profile, opts ...IdentifyOption) (*Device, *flashsim.Chip) {
	t.Helper()
	chip, err := flashsim.New(prof)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := Identify(chip, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return dev, chip
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	dev, _ := simDevice(t, flashsim.EN25Q32())

	// crosses two page boundaries and starts mid-page
	data := pattern(700)
	if err := dev.Write(0x1080, data); err != nil {
		t.Fatal(err)
	}
	got, err := dev.Read(0x1080, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back data differs")
	}

	// neighbouring bytes stay erased
	edges, err := dev.Read(0x107F, 1)
	if err != nil {
		t.Fatal(err)
	}
	if edges[0] != 0xFF {
		t.Errorf("byte before the written range = %#02x", edges[0])
	}
}

func TestWriteRejectsOutOfRange(t *testing.T) {
	dev, _ := simDevice(t, flashsim.EN25Q32())
	var rangeErr *RangeError
	if err := dev.Write(dev.Len()-4, pattern(8)); !errors.As(err, &rangeErr) {
		t.Errorf("out-of-range write accepted: %v", err)
	}
	if _, err := dev.Read(dev.Len()-4, 8); !errors.As(err, &rangeErr) {
		t.Errorf("out-of-range read accepted: %v", err)
	}
}

func TestPageChunks(t *testing.T) {
	chunks := pageChunks(0x1080, 700, 256)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if c.address&(256-1) != 0 && i != 0 {
			t.Errorf("chunk %d starts mid-page at %#x", i, c.address)
		}
		if (c.address&(256-1))+int64(c.n) > 256 {
			t.Errorf("chunk %d crosses a page boundary", i)
		}
		total += c.n
	}
	if total != 700 {
		t.Errorf("chunks cover %d bytes, want 700", total)
	}

	// a write inside one page stays a single chunk
	if chunks := pageChunks(0x100, 200, 256); len(chunks) != 1 {
		t.Errorf("in-page write split into %d chunks", len(chunks))
	}
}

func TestWriteAAIWord(t *testing.T) {
	dev, chip := simDevice(t, flashsim.SST25VF032())
	if dev.Name() != "SST25" {
		t.Fatalf("identified %q", dev.Name())
	}

	data := pattern(600)
	if err := dev.Write(0x2000, data); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chip.Bytes()[0x2000:0x2000+len(data)], data) {
		t.Fatal("AAI write did not land in the array")
	}

	// word mode requires even address and length
	var rangeErr *RangeError
	if err := dev.Write(0x2001, pattern(2)); !errors.As(err, &rangeErr) {
		t.Errorf("odd address accepted: %v", err)
	}
	if err := dev.Write(0x2000, pattern(3)); !errors.As(err, &rangeErr) {
		t.Errorf("odd length accepted: %v", err)
	}
}

func TestWriteAAIByteLegacyPart(t *testing.T) {
	dev, chip := simDevice(t, flashsim.SST25VF512A(), WithLegacyReadID())
	if dev.Name() != "SST25VF512A" {
		t.Fatalf("identified %q", dev.Name())
	}
	data := pattern(33)
	if err := dev.Write(0x100, data); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chip.Bytes()[0x100:0x100+len(data)], data) {
		t.Fatal("AAI byte write did not land in the array")
	}
}

func TestEraseRegion(t *testing.T) {
	dev, chip := simDevice(t, flashsim.EN25Q32())

	if err := dev.Write(0x6800, pattern(0x2000)); err != nil {
		t.Fatal(err)
	}
	if err := dev.Erase(0x7000, 0x1000, true); err != nil {
		t.Fatal(err)
	}
	// the erased subsector is blank, its neighbours untouched
	for i := 0x7000; i < 0x8000; i++ {
		if chip.Bytes()[i] != 0xFF {
			t.Fatalf("byte at %#x not erased", i)
		}
	}
	if chip.Bytes()[0x6FFF] == 0xFF || chip.Bytes()[0x8000] == 0xFF {
		t.Error("erase touched bytes outside the region")
	}
}

func TestEraseWholeDeviceWithoutChipErase(t *testing.T) {
	// EN25Q has no single-command chip erase; a whole-device erase must
	// fall back to the block planner
	dev, chip := simDevice(t, flashsim.EN25Q32())
	if err := dev.Write(0x0, pattern(16)); err != nil {
		t.Fatal(err)
	}
	if err := dev.Write(dev.Len()-16, pattern(16)); err != nil {
		t.Fatal(err)
	}
	if err := dev.Erase(0, -1, false); err != nil {
		t.Fatal(err)
	}
	for _, i := range []int64{0, dev.Len() - 1} {
		if chip.Bytes()[i] != 0xFF {
			t.Errorf("byte at %#x not erased", i)
		}
	}
}

func TestEraseChipCommand(t *testing.T) {
	dev, chip := simDevice(t, flashsim.SST25VF512A(), WithLegacyReadID())
	if err := dev.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Write(0x40, pattern(16)); err != nil {
		t.Fatal(err)
	}
	if err := dev.Erase(0, -1, true); err != nil {
		t.Fatal(err)
	}
	if chip.Bytes()[0x40] != 0xFF {
		t.Error("chip erase left data behind")
	}
}

func TestEraseIdempotent(t *testing.T) {
	dev, _ := simDevice(t, flashsim.EN25Q32())
	for i := 0; i < 2; i++ {
		if err := dev.Erase(0x10000, 0x10000, true); err != nil {
			t.Fatalf("erase pass %d: %v", i, err)
		}
	}
}

func TestUnlock(t *testing.T) {
	dev, _ := simDevice(t, flashsim.SST25VF032())
	// fresh part powers up write protected; unlocking must clear the
	// protection bits so plain erases work
	if err := dev.Unlock(); err != nil {
		t.Fatal(err)
	}
	_, status, err := dev.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status&dev.Descriptor().StatusProtectMask != 0 {
		t.Errorf("status after unlock = %#02x", status)
	}
	if err := dev.Erase(0, 0x1000, false); err != nil {
		t.Fatal(err)
	}
}

func TestUniqueID(t *testing.T) {
	dev, _ := simDevice(t, flashsim.W25Q32())
	uid, err := dev.UniqueID()
	if err != nil {
		t.Fatal(err)
	}
	want := flashsim.W25Q32().UniqueID
	if !bytes.Equal(uid, want) {
		t.Errorf("uid = %x, want %x", uid, want)
	}

	dev, _ = simDevice(t, flashsim.EN25Q32())
	var notSupported *NotSupportedError
	if _, err := dev.UniqueID(); !errors.As(err, &notSupported) {
		t.Errorf("unique ID on a part without one: %v", err)
	}
}

// fastEN25Q is an EN25Q clone with millisecond-scale completion bounds
// so timeout behaviour can be exercised quickly.
func fastEN25Q() *Descriptor {
	return gen25(Descriptor{
		Family:       "EN25Q-fast",
		Vendor:       "Eon",
		Manufacturer: 0x1C,
		Devices:      map[byte]string{0x30: "EN25Q"},
		Capacities:   map[byte]int64{0x16: 4 << 20},
		PageDiv:      []uint{8},
		SubsectorDiv: []uint{12},
		SectorDiv:    []uint{16},
		Timings: map[TimingKind][]Timing{
			TimingPage:      tm(time.Millisecond, 2*time.Millisecond),
			TimingSubsector: tm(time.Millisecond, 4*time.Millisecond),
			TimingSector:    tm(time.Millisecond, 4*time.Millisecond),
		},
		Features: FeatSectErase | FeatSubSectErase,
		Lock:     LockWRSR,
	})
}

func TestCompletionTimeout(t *testing.T) {
	chip, err := flashsim.New(flashsim.EN25Q32())
	if err != nil {
		t.Fatal(err)
	}
	dev, err := Identify(chip, WithDescriptors(fastEN25Q()))
	if err != nil {
		t.Fatal(err)
	}

	chip.StickAfterNext = true
	start := time.Now()
	err = dev.Erase(0, 0x1000, false)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// the deadline is typical+max; at least one poll interval must have
	// elapsed before giving up
	if elapsed := time.Since(start); elapsed < time.Millisecond {
		t.Errorf("timed out after %v, before a full poll interval", elapsed)
	}
}

func TestCompletionBusyThenReady(t *testing.T) {
	prof := flashsim.EN25Q32()
	prof.OpDelay = 2 * time.Millisecond
	chip, err := flashsim.New(prof)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := Identify(chip, WithDescriptors(fastEN25Q()))
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Erase(0, 0x1000, true); err != nil {
		t.Fatal(err)
	}
	if err := dev.Write(0x10, pattern(64)); err != nil {
		t.Fatal(err)
	}
}
