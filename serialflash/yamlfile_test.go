package serialflash

import (
	"testing"
	"time"
)

const overlayYAML = `
devices:
  - family: GD25Q
    vendor: GigaDevice
    manufacturer: 0xC8
    devices:
      0x40: GD25Q
    capacities:
      0x16: 4194304
      0x17: 8388608
    page: 8
    subsector: 12
    sector: 16
    max_frequency_mhz: 104
    timings:
      page: [0.0015, 0.003]
      subsector: [0.3, 0.3]
      sector: [1.0, 1.0]
    features: [sector-erase, subsector-erase]
    lock: wrsr
`

func TestParseDescriptors(t *testing.T) {
	descs, err := ParseDescriptors([]byte(overlayYAML))
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors", len(descs))
	}
	desc := descs[0]
	if desc.Family != "GD25Q" {
		t.Errorf("family = %q", desc.Family)
	}
	// the common command set fills in unconfigured opcodes
	if desc.Commands.ProgramPage != 0x02 || desc.Commands.EraseSubsector != 0x20 {
		t.Errorf("command set not defaulted: %+v", desc.Commands)
	}
	tmg, err := desc.Timing(TimingPage, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tmg.Typical != 1500*time.Microsecond || tmg.Max != 3*time.Millisecond {
		t.Errorf("page timing = %+v", tmg)
	}

	// parsed overlays dispatch through Identify like builtins
	spi := &fakeSPI{jedec: [3]byte{0xC8, 0x40, 0x17}}
	dev, err := Identify(spi, WithDescriptors(descs...))
	if err != nil {
		t.Fatal(err)
	}
	if dev.Name() != "GD25Q" || dev.Len() != 8<<20 {
		t.Errorf("identified %q with %d bytes", dev.Name(), dev.Len())
	}
}

func TestParseDescriptorsRejectsUnknownNames(t *testing.T) {
	cases := []string{
		"devices:\n  - family: X\n    features: [warp-drive]\n",
		"devices:\n  - family: X\n    write: quantum\n",
		"devices:\n  - family: X\n    lock: magic\n",
		"devices:\n  - family: X\n    timings:\n      eon: [1, 2]\n",
	}
	for _, in := range cases {
		if _, err := ParseDescriptors([]byte(in)); err == nil {
			t.Errorf("accepted %q", in)
		}
	}
}

func TestParseDescriptorsValidates(t *testing.T) {
	// geometry and timings missing: Validate must reject the result
	in := "devices:\n  - family: HALF\n    manufacturer: 0x42\n    devices: {0x01: HALF}\n    capacities: {0x16: 4194304}\n    features: [sector-erase]\n"
	if _, err := ParseDescriptors([]byte(in)); err == nil {
		t.Error("descriptor without sector geometry accepted")
	}
}

func TestLoadDescriptorsMissingFile(t *testing.T) {
	if _, err := LoadDescriptors("/nonexistent/overlay.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
