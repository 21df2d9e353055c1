// Package flashsim implements a simulated '25' series flash chip behind
// the transport interface. It decodes the command stream the way a real
// chip would, including write-enable latching, busy windows after
// program and erase operations and page wrap-around on program, so
// driver protocol bugs surface as errors or corrupted data instead of
// passing silently. The array can live in memory or in a memory-mapped
// file that persists across runs.
package flashsim

import (
	"fmt"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/dvreeland/serialflash/transport"
)

const maxPayload = 4096

// Profile describes the chip being simulated: identity, geometry and
// the opcodes it accepts.
type Profile struct {
	Name     string
	Jedec    [3]byte // all-zero for pre-JEDEC parts
	LegacyID [3]byte // answer to the 0x90 read, if any
	Capacity int64
	PageSize int64

	EraseBlocks map[byte]int64 // erase opcode to block size
	ChipErase   byte
	AAIOpcode   byte // 0 when the chip has no AAI mode
	AAIStep     int
	UniqueID    []byte

	// ProtectAtReset preloads the block-protection bits, as parts that
	// power up protected do.
	ProtectAtReset byte

	// OpDelay is how long program and erase operations report busy.
	// Zero completes everything instantly.
	OpDelay time.Duration
}

// EN25Q32 is a 4 MiB part with uniform 4 KiB subsectors.
func EN25Q32() Profile {
	return Profile{
		Name:        "EN25Q32",
		Jedec:       [3]byte{0x1C, 0x30, 0x16},
		Capacity:    4 << 20,
		PageSize:    256,
		EraseBlocks: map[byte]int64{0x20: 4 << 10, 0xD8: 64 << 10},
		ChipErase:   0xC7,
	}
}

// W25Q32 is a 4 MiB part with a factory unique identifier.
func W25Q32() Profile {
	return Profile{
		Name:        "W25Q32",
		Jedec:       [3]byte{0xEF, 0x40, 0x16},
		Capacity:    4 << 20,
		PageSize:    256,
		EraseBlocks: map[byte]int64{0x20: 4 << 10, 0xD8: 64 << 10},
		ChipErase:   0xC7,
		UniqueID:    []byte{0xE8, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
	}
}

// SST25VF032 is a 4 MiB part that programs through word AAI and powers
// up with all block-protection bits set.
func SST25VF032() Profile {
	return Profile{
		Name:           "SST25VF032",
		Jedec:          [3]byte{0xBF, 0x25, 0x4A},
		Capacity:       4 << 20,
		PageSize:       256,
		EraseBlocks:    map[byte]int64{0x20: 4 << 10, 0x52: 32 << 10, 0xD8: 64 << 10},
		ChipErase:      0xC7,
		AAIOpcode:      0xAD,
		AAIStep:        2,
		ProtectAtReset: 0x1C,
	}
}

// SST25VF512A is a 64 KiB pre-JEDEC part: the JEDEC command reads back
// zero and identification goes through the legacy 0x90 read. It
// programs one byte at a time through AAI.
func SST25VF512A() Profile {
	return Profile{
		Name:           "SST25VF512A",
		LegacyID:       [3]byte{0xBF, 0x48, 0xBF},
		Capacity:       64 << 10,
		PageSize:       256,
		EraseBlocks:    map[byte]int64{0x20: 4 << 10},
		ChipErase:      0xC7,
		AAIOpcode:      0xAF,
		AAIStep:        1,
		ProtectAtReset: 0x0C,
	}
}

// Chip is one simulated flash device.
type Chip struct {
	prof Profile
	mem  []byte

	file *os.File
	mm   mmap.MMap

	freq      int64
	wel       bool
	ewsrArmed bool
	protect   byte
	busyUntil time.Time

	aaiActive bool
	aaiAddr   int64

	// HoldBusy makes the status register report busy forever, for
	// exercising completion timeouts. StickAfterNext arms HoldBusy when
	// the next program or erase operation starts, so the command itself
	// is still accepted.
	HoldBusy       bool
	StickAfterNext bool
}

var _ transport.Transport = (*Chip)(nil)

// New creates an in-memory chip in the erased state.
func New(prof Profile) (*Chip, error) {
	if err := checkProfile(prof); err != nil {
		return nil, err
	}
	mem := make([]byte, prof.Capacity)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &Chip{prof: prof, mem: mem, protect: prof.ProtectAtReset}, nil
}

// Open creates a chip backed by a memory-mapped file, creating and
// erasing it on first use. Contents persist across runs through Close.
func Open(prof Profile, path string) (*Chip, error) {
	if err := checkProfile(prof); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("flashsim: open backing file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	fresh := fi.Size() != prof.Capacity
	if fresh {
		if err := f.Truncate(prof.Capacity); err != nil {
			f.Close()
			return nil, fmt.Errorf("flashsim: resize backing file: %w", err)
		}
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flashsim: mmap backing file: %w", err)
	}
	if fresh {
		for i := range mm {
			mm[i] = 0xFF
		}
	}
	return &Chip{prof: prof, mem: mm, file: f, mm: mm, protect: prof.ProtectAtReset}, nil
}

func checkProfile(prof Profile) error {
	if prof.Capacity <= 0 || prof.Capacity&(prof.Capacity-1) != 0 {
		return fmt.Errorf("flashsim: capacity %d is not a power of two", prof.Capacity)
	}
	if prof.PageSize <= 0 || prof.PageSize&(prof.PageSize-1) != 0 {
		return fmt.Errorf("flashsim: page size %d is not a power of two", prof.PageSize)
	}
	for op, size := range prof.EraseBlocks {
		if size <= 0 || size&(size-1) != 0 {
			return fmt.Errorf("flashsim: erase block %#02x size %d is not a power of two", op, size)
		}
	}
	return nil
}

// Close flushes and unmaps the backing file, if any.
func (c *Chip) Close() error {
	var err error
	if c.mm != nil {
		if e := c.mm.Flush(); e != nil {
			err = e
		}
		if e := c.mm.Unmap(); e != nil && err == nil {
			err = e
		}
		c.mm = nil
		c.mem = nil
	}
	if c.file != nil {
		if e := c.file.Close(); e != nil && err == nil {
			err = e
		}
		c.file = nil
	}
	return err
}

// Bytes exposes the raw array for test assertions.
func (c *Chip) Bytes() []byte { return c.mem }

func (c *Chip) busy() bool {
	return c.HoldBusy || time.Now().Before(c.busyUntil)
}

func (c *Chip) startOp() {
	if c.StickAfterNext {
		c.StickAfterNext = false
		c.HoldBusy = true
	}
	if c.prof.OpDelay > 0 {
		c.busyUntil = time.Now().Add(c.prof.OpDelay)
	}
}

func (c *Chip) status() byte {
	s := c.protect
	if c.busy() {
		s |= 0x01
	}
	if c.wel {
		s |= 0x02
	}
	return s
}

func cmdAddress(cmd []byte) (int64, error) {
	if len(cmd) < 4 {
		return 0, fmt.Errorf("flashsim: command %#02x missing address bytes", cmd[0])
	}
	return int64(cmd[1])<<16 | int64(cmd[2])<<8 | int64(cmd[3]), nil
}

// Exchange decodes one chip-select assertion: a command write followed
// by readLen response bytes.
func (c *Chip) Exchange(cmd []byte, readLen int) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("flashsim: empty command")
	}
	if len(cmd)+readLen > maxPayload {
		return nil, fmt.Errorf("flashsim: transfer of %d bytes too long", len(cmd)+readLen)
	}
	op := cmd[0]

	// A busy chip only answers the status read; everything else lands
	// while the previous operation is still in progress, which means
	// the driver skipped a completion wait.
	if c.busy() && op != 0x05 {
		return nil, fmt.Errorf("flashsim: command %#02x issued while busy", op)
	}

	switch op {
	case 0x9F:
		return c.respond(c.prof.Jedec[:], readLen), nil

	case 0x90:
		return c.respond(c.prof.LegacyID[:], readLen), nil

	case 0x05:
		return c.respond([]byte{c.status()}, readLen), nil

	case 0x06:
		c.wel = true
		return nil, nil

	case 0x04:
		c.wel = false
		c.aaiActive = false
		return nil, nil

	case 0x50:
		c.ewsrArmed = true
		return nil, nil

	case 0x01:
		if !c.wel && !c.ewsrArmed {
			return nil, fmt.Errorf("flashsim: status write without write enable")
		}
		if len(cmd) < 2 {
			return nil, fmt.Errorf("flashsim: status write without value")
		}
		c.protect = cmd[1] & 0x3C
		c.wel = false
		c.ewsrArmed = false
		c.startOp()
		return nil, nil

	case 0x03:
		addr, err := cmdAddress(cmd)
		if err != nil {
			return nil, err
		}
		return c.read(addr, readLen)

	case 0x0B:
		addr, err := cmdAddress(cmd)
		if err != nil {
			return nil, err
		}
		if len(cmd) < 5 {
			return nil, fmt.Errorf("flashsim: high speed read without dummy byte")
		}
		return c.read(addr, readLen)

	case 0x02:
		addr, err := cmdAddress(cmd)
		if err != nil {
			return nil, err
		}
		return nil, c.programPage(addr, cmd[4:])

	case 0x4B:
		if c.prof.UniqueID == nil {
			return nil, fmt.Errorf("flashsim: chip has no unique identifier")
		}
		if len(cmd) < 5 {
			return nil, fmt.Errorf("flashsim: unique identifier read without dummy bytes")
		}
		return c.respond(c.prof.UniqueID, readLen), nil
	}

	if op == c.prof.AAIOpcode && op != 0 {
		return nil, c.programAAI(cmd)
	}
	if op == c.prof.ChipErase && op != 0 {
		return nil, c.eraseChip()
	}
	if size, ok := c.prof.EraseBlocks[op]; ok {
		addr, err := cmdAddress(cmd)
		if err != nil {
			return nil, err
		}
		return nil, c.eraseBlock(addr, size)
	}
	return nil, fmt.Errorf("flashsim: unsupported command %#02x", op)
}

// respond pads or truncates data to readLen, the way a chip keeps
// clocking bytes for as long as the host reads.
func (c *Chip) respond(data []byte, readLen int) []byte {
	out := make([]byte, readLen)
	copy(out, data)
	return out
}

func (c *Chip) read(addr int64, readLen int) ([]byte, error) {
	if addr < 0 || addr+int64(readLen) > c.prof.Capacity {
		return nil, fmt.Errorf("flashsim: read [%#x..%#x) out of range", addr, addr+int64(readLen))
	}
	out := make([]byte, readLen)
	copy(out, c.mem[addr:])
	return out, nil
}

// program clears bits; flash cells only go from 1 to 0 until erased.
func (c *Chip) program(addr int64, b byte) {
	c.mem[addr] &= b
}

func (c *Chip) programPage(addr int64, data []byte) error {
	if !c.wel {
		return fmt.Errorf("flashsim: page program without write enable")
	}
	if c.protect != 0 {
		return fmt.Errorf("flashsim: page program while write protected")
	}
	if addr < 0 || addr >= c.prof.Capacity {
		return fmt.Errorf("flashsim: page program at %#x out of range", addr)
	}
	if len(data) == 0 {
		return fmt.Errorf("flashsim: page program without data")
	}
	// the address wraps within the page, as on real silicon
	pageStart := addr &^ (c.prof.PageSize - 1)
	for i, b := range data {
		c.program(pageStart+(addr-pageStart+int64(i))&(c.prof.PageSize-1), b)
	}
	c.wel = false
	c.startOp()
	return nil
}

func (c *Chip) programAAI(cmd []byte) error {
	step := c.prof.AAIStep
	if c.aaiActive {
		if len(cmd) != 1+step {
			return fmt.Errorf("flashsim: AAI continuation with %d data bytes, expected %d", len(cmd)-1, step)
		}
		if c.aaiAddr+int64(step) > c.prof.Capacity {
			return fmt.Errorf("flashsim: AAI continuation at %#x out of range", c.aaiAddr)
		}
		for i := 0; i < step; i++ {
			c.program(c.aaiAddr+int64(i), cmd[1+i])
		}
		c.aaiAddr += int64(step)
		c.startOp()
		return nil
	}
	if !c.wel {
		return fmt.Errorf("flashsim: AAI start without write enable")
	}
	if c.protect != 0 {
		return fmt.Errorf("flashsim: AAI start while write protected")
	}
	addr, err := cmdAddress(cmd)
	if err != nil {
		return err
	}
	if len(cmd) != 4+step {
		return fmt.Errorf("flashsim: AAI start with %d data bytes, expected %d", len(cmd)-4, step)
	}
	if addr+int64(step) > c.prof.Capacity {
		return fmt.Errorf("flashsim: AAI start at %#x out of range", addr)
	}
	for i := 0; i < step; i++ {
		c.program(addr+int64(i), cmd[4+i])
	}
	c.aaiActive = true
	c.aaiAddr = addr + int64(step)
	c.startOp()
	return nil
}

func (c *Chip) eraseBlock(addr, size int64) error {
	if !c.wel {
		return fmt.Errorf("flashsim: erase without write enable")
	}
	if c.protect != 0 {
		return fmt.Errorf("flashsim: erase while write protected")
	}
	if addr < 0 || addr >= c.prof.Capacity {
		return fmt.Errorf("flashsim: erase at %#x out of range", addr)
	}
	start := addr &^ (size - 1)
	for i := start; i < start+size; i++ {
		c.mem[i] = 0xFF
	}
	c.wel = false
	c.startOp()
	return nil
}

func (c *Chip) eraseChip() error {
	if !c.wel {
		return fmt.Errorf("flashsim: chip erase without write enable")
	}
	if c.protect != 0 {
		return fmt.Errorf("flashsim: chip erase while write protected")
	}
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	c.wel = false
	c.startOp()
	return nil
}

func (c *Chip) SetFrequency(hz int64) error {
	c.freq = hz
	return nil
}

func (c *Chip) Frequency() int64 { return c.freq }

func (c *Chip) MaxPayload() int { return maxPayload }
