package serialflash

import (
	"fmt"
	"time"
)

// EraseBlock is one concrete erase command of a plan: erase Size bytes
// at Address using Opcode, then wait out Timing.
type EraseBlock struct {
	Address int64
	Size    int64
	Kind    BlockKind
	Opcode  byte
	Timing  Timing
}

type grain struct {
	kind   BlockKind
	size   int64
	opcode byte
	timing Timing
}

// eraseZone is a stretch of the array with its own set of usable erase
// granularities, largest first. Most devices are one zone; parts with a
// parameter zone split into two.
type eraseZone struct {
	start, end int64
	grains     []grain
}

func (z *eraseZone) finest() int64 {
	return z.grains[len(z.grains)-1].size
}

// erase kinds from largest to smallest
var eraseKindOrder = []struct {
	kind   BlockKind
	feat   Feature
	timing TimingKind
}{
	{BlockSector, FeatSectErase, TimingSector},
	{BlockHsector, FeatHSectErase, TimingHsector},
	{BlockSubsector, FeatSubSectErase, TimingSubsector},
}

func (d *Device) grainsFor(kinds ...BlockKind) ([]grain, error) {
	var grains []grain
	for _, e := range eraseKindOrder {
		if !d.desc.HasFeature(e.feat) {
			continue
		}
		wanted := len(kinds) == 0
		for _, k := range kinds {
			if k == e.kind {
				wanted = true
			}
		}
		if !wanted {
			continue
		}
		size, err := d.desc.BlockSize(e.kind, d.geoidx)
		if err != nil {
			return nil, err
		}
		tmg, err := d.desc.Timing(e.timing, d.geoidx)
		if err != nil {
			return nil, err
		}
		grains = append(grains, grain{
			kind:   e.kind,
			size:   size,
			opcode: d.desc.Commands.eraseOpcode(e.kind),
			timing: tmg,
		})
	}
	if len(grains) == 0 {
		return nil, &NotSupportedError{Device: d.name, What: "block erase"}
	}
	return grains, nil
}

// zones returns the erase geometry of the device. Parameter-zone parts
// read the configuration register to learn whether the fine-grained
// zone sits at the bottom or the top of the array.
func (d *Device) zones() ([]eraseZone, error) {
	if !d.desc.ParameterZone {
		grains, err := d.grainsFor()
		if err != nil {
			return nil, err
		}
		return []eraseZone{{start: 0, end: d.size, grains: grains}}, nil
	}

	data, err := d.spi.Exchange([]byte{d.desc.Commands.ReadConfig}, 1)
	if err != nil {
		return nil, err
	}
	if len(data) != 1 {
		return nil, fmt.Errorf("unable to read configuration register")
	}
	const crTBParm = 0x04
	coarse, err := d.grainsFor(BlockSector)
	if err != nil {
		return nil, err
	}
	fine, err := d.grainsFor(BlockSubsector)
	if err != nil {
		return nil, err
	}
	sectorSize, err := d.desc.BlockSize(BlockSector, d.geoidx)
	if err != nil {
		return nil, err
	}
	if data[0]&crTBParm != 0 {
		// parameter zone in the two top sectors
		border := d.size - 2*sectorSize
		return []eraseZone{
			{start: 0, end: border, grains: coarse},
			{start: border, end: d.size, grains: fine},
		}, nil
	}
	// parameter zone in the two bottom sectors
	border := 2 * sectorSize
	return []eraseZone{
		{start: 0, end: border, grains: fine},
		{start: border, end: d.size, grains: coarse},
	}, nil
}

// EraseSize returns the finest erase granularity the device supports
// outside any parameter zone.
func (d *Device) EraseSize() (int64, error) {
	grains, err := d.grainsFor()
	if err != nil {
		return 0, err
	}
	return grains[len(grains)-1].size, nil
}

// CanErase validates an erase request without issuing any command: the
// region must lie within the device and both ends must be aligned to
// the finest granularity of every zone they touch.
func (d *Device) CanErase(address, length int64) error {
	if address < 0 || length <= 0 {
		return &RangeError{Op: "erase", Address: address, Length: length, Reason: "invalid region"}
	}
	if address+length > d.size {
		return &RangeError{Op: "erase", Address: address, Length: length, Reason: "would erase over the flash capacity"}
	}
	zones, err := d.zones()
	if err != nil {
		return err
	}
	end := address + length
	for i := range zones {
		z := &zones[i]
		s, e := address, end
		if s < z.start {
			s = z.start
		}
		if e > z.end {
			e = z.end
		}
		if s >= e {
			continue
		}
		finest := z.finest()
		if s&(finest-1) != 0 {
			return &RangeError{Op: "erase", Address: address, Length: length,
				Reason: "start address not aligned on an erase sector boundary"}
		}
		if e&(finest-1) != 0 {
			return &RangeError{Op: "erase", Address: address, Length: length,
				Reason: "end address not aligned on an erase sector boundary"}
		}
	}
	return nil
}

// planRegion covers [start, end) with the fewest blocks by trying
// granularities from largest to smallest. Each pass carves the largest
// aligned sub-range out of every still-unplanned remainder; whatever
// survives the finest pass indicates a geometry bug, since CanErase
// already guaranteed finest-granularity alignment.
func planRegion(start, end int64, grains []grain) ([]EraseBlock, error) {
	type span struct{ s, e int64 }
	pending := []span{{start, end}}
	var blocks []EraseBlock

	for _, g := range grains {
		var rest []span
		for _, sp := range pending {
			s := alignUp(sp.s, g.size)
			e := alignDown(sp.e, g.size)
			if s >= e {
				rest = append(rest, sp)
				continue
			}
			for addr := s; addr < e; addr += g.size {
				blocks = append(blocks, EraseBlock{
					Address: addr,
					Size:    g.size,
					Kind:    g.kind,
					Opcode:  g.opcode,
					Timing:  g.timing,
				})
			}
			if sp.s < s {
				rest = append(rest, span{sp.s, s})
			}
			if e < sp.e {
				rest = append(rest, span{e, sp.e})
			}
		}
		pending = rest
	}
	for _, sp := range pending {
		if sp.s != sp.e {
			return nil, fmt.Errorf("erase planner left [%#x..%#x) uncovered", sp.s, sp.e)
		}
	}
	return blocks, nil
}

// ErasePlan computes the concrete erase command sequence for the region
// without issuing any erase. The plan covers the region exactly, biggest
// blocks first within each zone.
func (d *Device) ErasePlan(address, length int64) ([]EraseBlock, error) {
	zones, err := d.zones()
	if err != nil {
		return nil, err
	}
	end := address + length
	var blocks []EraseBlock
	for i := range zones {
		z := &zones[i]
		s, e := address, end
		if s < z.start {
			s = z.start
		}
		if e > z.end {
			e = z.end
		}
		if s >= e {
			continue
		}
		part, err := planRegion(s, e, z.grains)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, part...)
	}
	return blocks, nil
}

// Erase erases [address, address+length). A length of -1 at address 0
// selects the whole device. With verify set the region is read back
// afterwards and any byte differing from 0xFF fails the call.
func (d *Device) Erase(address, length int64, verify bool) error {
	if length == -1 && address == 0 {
		length = d.size
	}
	if address == 0 && length == d.size && d.desc.HasFeature(FeatChipErase) {
		if err := d.eraseChip(); err != nil {
			return err
		}
	} else {
		if err := d.CanErase(address, length); err != nil {
			return err
		}
		plan, err := d.ErasePlan(address, length)
		if err != nil {
			return err
		}
		if err := d.executePlan(plan); err != nil {
			return err
		}
	}
	if verify {
		return d.verifyErased(address, length)
	}
	return nil
}

func (d *Device) executePlan(plan []EraseBlock) error {
	for _, b := range plan {
		if err := d.eraseBlockAt(b.Opcode, b.Address, b.Timing); err != nil {
			return err
		}
		if d.desc.FirstSectorSplit && b.Kind == BlockSector && b.Address == 0 {
			// the first sector is split into a subsector-sized part and
			// the remainder, which needs its own erase command
			sub, err := d.desc.BlockSize(BlockSubsector, d.geoidx)
			if err != nil {
				return err
			}
			if err := d.eraseBlockAt(b.Opcode, sub, b.Timing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) eraseBlockAt(opcode byte, address int64, tmg Timing) error {
	if err := d.enableWrite(); err != nil {
		return err
	}
	cmd := make([]byte, 4)
	cmd[0] = opcode
	put24(cmd[1:], address)
	if _, err := d.spi.Exchange(cmd, 0); err != nil {
		return err
	}
	return d.waitFor(tmg)
}

func (d *Device) eraseChip() error {
	if !d.desc.HasFeature(FeatChipErase) {
		return &NotSupportedError{Device: d.name, What: "chip erase"}
	}
	tmg, err := d.desc.Timing(TimingChip, d.geoidx)
	if err != nil {
		return err
	}
	// drain any activity still in flight before starting
	deadline := time.Now().Add(tmg.Max)
	for {
		busy, err := d.IsBusy()
		if err != nil {
			return err
		}
		if !busy {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: chip erase could not start", ErrTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.log("erasing all of %s", d.name)
	if err := d.enableWrite(); err != nil {
		return err
	}
	if _, err := d.spi.Exchange([]byte{d.desc.Commands.EraseChip}, 0); err != nil {
		return err
	}
	return d.waitFor(tmg)
}

func (d *Device) verifyErased(address, length int64) error {
	data, err := d.Read(address, int(length))
	if err != nil {
		return err
	}
	bad := 0
	for _, b := range data {
		if b != 0xFF {
			bad++
		}
	}
	if bad > 0 {
		return &IntegrityError{Address: address, Count: bad}
	}
	return nil
}
