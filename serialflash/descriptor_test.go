package serialflash

import (
	"testing"
	"time"
)

func TestBuiltinDescriptorsValidate(t *testing.T) {
	for _, desc := range DefaultRegistry() {
		if err := desc.Validate(); err != nil {
			t.Errorf("builtin %s: %v", desc.Family, err)
		}
	}
}

func TestValidateRejectsBrokenDescriptors(t *testing.T) {
	broken := gen25(Descriptor{
		Family:       "BROKEN",
		Manufacturer: 0x42,
		Devices:      map[byte]string{0x01: "BROKEN"},
		Capacities:   map[byte]int64{0x16: 4 << 20},
		PageDiv:      []uint{8},
		SectorDiv:    []uint{16},
		Timings: map[TimingKind][]Timing{
			TimingPage: tm(time.Millisecond, 3*time.Millisecond),
		},
		Features: FeatSectErase,
	})
	// sector erase claimed without a sector timing
	if err := broken.Validate(); err == nil {
		t.Fatal("expected validation error for missing sector timing")
	}

	noErase := gen25(Descriptor{
		Family:       "NOERASE",
		Manufacturer: 0x42,
		Devices:      map[byte]string{0x01: "NOERASE"},
		Capacities:   map[byte]int64{0x16: 4 << 20},
		PageDiv:      []uint{8},
		Timings: map[TimingKind][]Timing{
			TimingPage: tm(time.Millisecond, 3*time.Millisecond),
		},
	})
	if err := noErase.Validate(); err == nil {
		t.Fatal("expected validation error for missing erase capability")
	}
}

func TestBlockSizeGeometryIndex(t *testing.T) {
	// fixed geometry: any index resolves to the single entry
	size, err := en25q.BlockSize(BlockSector, 3)
	if err != nil {
		t.Fatal(err)
	}
	if size != 64<<10 {
		t.Errorf("sector size = %d, want %d", size, 64<<10)
	}

	// indexed geometry: out of range indices are errors
	if _, err := at45.BlockSize(BlockPage, len(at45.PageDiv)); err == nil {
		t.Error("expected error for out-of-range geometry index")
	}
	size, err = at45.BlockSize(BlockPage, 4)
	if err != nil {
		t.Fatal(err)
	}
	if size != 512 {
		t.Errorf("AT45 index 4 page size = %d, want 512", size)
	}
}

func TestTimingGeometryIndex(t *testing.T) {
	tmg, err := at45.Timing(TimingChip, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tmg.Typical != 1200*time.Millisecond {
		t.Errorf("AT45 index 0 chip typical = %v", tmg.Typical)
	}
	if _, err := en25q.Timing(TimingByte, 0); err == nil {
		t.Error("expected error for timing kind the family does not define")
	}
}

func TestPredicateCapacityCodeMembership(t *testing.T) {
	for _, desc := range DefaultRegistry() {
		if desc.Match != nil {
			continue // custom predicates are covered by the identify tests
		}
		for device := range desc.Devices {
			for capacity := range desc.Capacities {
				id := JedecID{desc.Manufacturer, device, capacity}
				if !desc.matches(id) {
					t.Errorf("%s rejects its own identifier %s", desc.Family, id)
				}
			}
			if bogus := (JedecID{desc.Manufacturer, device, 0xFB}); desc.matches(bogus) {
				t.Errorf("%s accepts unlisted capacity code %s", desc.Family, bogus)
			}
		}
	}
}

func TestDefaultPredicate(t *testing.T) {
	cases := []struct {
		id    JedecID
		match bool
	}{
		{JedecID{0x1C, 0x30, 0x16}, true},
		{JedecID{0x1C, 0x30, 0x42}, false}, // unknown capacity code
		{JedecID{0x1C, 0x31, 0x16}, false}, // unknown device code
		{JedecID{0x1D, 0x30, 0x16}, false}, // wrong manufacturer
	}
	for _, c := range cases {
		if got := en25q.matches(c.id); got != c.match {
			t.Errorf("en25q.matches(%s) = %v, want %v", c.id, got, c.match)
		}
	}
}
