package serialflash

import (
	"fmt"
	"time"

	"github.com/dvreeland/serialflash/transport"
)

// State is the observable chip state derived from one status poll.
type State int

const (
	Ready State = iota
	Busy
)

// Device is one identified flash chip. It exclusively owns its transport
// for the duration of the session; operations are synchronous and must
// not be called concurrently.
type Device struct {
	spi  transport.Transport
	desc *Descriptor

	jedec  JedecID
	geoidx int
	size   int64
	name   string

	// LogFunc, if set, receives progress messages. The driver itself
	// never writes to a global logger.
	LogFunc func(format string, params ...any)
}

func (d *Device) log(format string, params ...any) {
	if d.LogFunc != nil {
		d.LogFunc(format, params...)
	}
}

// Descriptor returns the matched family descriptor. It is shared and
// read-only.
func (d *Device) Descriptor() *Descriptor { return d.desc }

// Len returns the device capacity in bytes.
func (d *Device) Len() int64 { return d.size }

func (d *Device) JedecID() JedecID  { return d.jedec }
func (d *Device) Features() Feature { return d.desc.Features }
func (d *Device) Name() string      { return d.name }

func (d *Device) String() string {
	return fmt.Sprintf("%s %s %s", d.desc.Vendor, d.name, prettySize(d.size))
}

// SetFrequency sets the SPI clock, clamped to the family maximum. A zero
// request selects the family maximum.
func (d *Device) SetFrequency(hz int64) error {
	max := d.desc.maxFrequency(d.geoidx)
	if hz <= 0 || (max > 0 && hz > max) {
		hz = max
	}
	if hz <= 0 {
		return nil
	}
	return d.spi.SetFrequency(hz)
}

func (d *Device) Frequency() int64 { return d.spi.Frequency() }

func put24(buf []byte, address int64) {
	buf[0] = byte(address >> 16)
	buf[1] = byte(address >> 8)
	buf[2] = byte(address)
}

// Read returns length bytes starting at address, chunking exchanges to
// the transport's maximum payload. Reads never require busy polling.
func (d *Device) Read(address int64, length int) ([]byte, error) {
	if address < 0 || address+int64(length) > d.size {
		return nil, &RangeError{Op: "read", Address: address, Length: int64(length), Reason: "out of range"}
	}
	buf := make([]byte, 0, length)
	max := d.spi.MaxPayload() - 5
	for length > 0 {
		n := length
		if n > max {
			n = max
		}
		cmd := make([]byte, 5)
		cmd[0] = d.desc.Commands.ReadHiSpeed
		put24(cmd[1:], address)
		// cmd[4] is the dummy byte required by the high speed read
		data, err := d.spi.Exchange(cmd, n)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("read at %#x: empty exchange", address)
		}
		buf = append(buf, data...)
		address += int64(len(data))
		length -= len(data)
	}
	return buf, nil
}

// Status reads the status register and reports the busy state together
// with the raw byte. The register is read fresh on every call; the chip
// changes it asynchronously to the host.
func (d *Device) Status() (State, byte, error) {
	data, err := d.spi.Exchange([]byte{d.desc.Commands.ReadStatus}, 1)
	if err != nil {
		return Busy, 0, err
	}
	if len(data) != 1 {
		return Busy, 0, fmt.Errorf("%w: unable to retrieve flash status", ErrTimeout)
	}
	if data[0]&d.desc.StatusBusyMask == d.desc.StatusBusyValue {
		return Busy, data[0], nil
	}
	return Ready, data[0], nil
}

func (d *Device) IsBusy() (bool, error) {
	state, _, err := d.Status()
	return state == Busy, err
}

// waitFor polls the status register every typical interval until the
// chip reports ready, failing once typical+max has elapsed. At least one
// poll happens before the deadline check so that commands finishing
// faster than one interval are never mistaken for a stuck device.
func (d *Device) waitFor(tmg Timing) error {
	if tmg.zero() {
		return nil
	}
	deadline := time.Now().Add(tmg.Typical + tmg.Max)
	for cycle := 0; ; cycle++ {
		state, _, err := d.Status()
		if err != nil {
			return err
		}
		if state == Ready {
			return nil
		}
		if cycle > 0 && time.Now().After(deadline) {
			return fmt.Errorf("%w after %d poll cycles", ErrTimeout, cycle)
		}
		time.Sleep(tmg.Typical)
	}
}

func (d *Device) waitCompletion(kind TimingKind) error {
	tmg, err := d.desc.Timing(kind, d.geoidx)
	if err != nil {
		return err
	}
	return d.waitFor(tmg)
}

// WaitCompletion polls until the chip reports ready, bounded by the
// given timing pair. Callers issuing raw commands over the transport
// can use it to honor the same completion protocol as the built-in
// operations.
func (d *Device) WaitCompletion(tmg Timing) error {
	return d.waitFor(tmg)
}

func (d *Device) enableWrite() error {
	if d.desc.Commands.WriteEnable == 0 {
		return nil
	}
	_, err := d.spi.Exchange([]byte{d.desc.Commands.WriteEnable}, 0)
	return err
}

func (d *Device) disableWrite() error {
	if d.desc.Commands.WriteDisable == 0 {
		return nil
	}
	_, err := d.spi.Exchange([]byte{d.desc.Commands.WriteDisable}, 0)
	return err
}

// Write programs data starting at address using the family's write
// strategy. The target range is expected to be erased; programming can
// only clear bits.
func (d *Device) Write(address int64, data []byte) error {
	if address < 0 || address+int64(len(data)) > d.size {
		return &RangeError{Op: "write", Address: address, Length: int64(len(data)), Reason: "cannot fit in flash area"}
	}
	if len(data) == 0 {
		return nil
	}
	switch d.desc.Write {
	case WriteAAIWord:
		return d.writeAAI(address, data, 2, TimingWord)
	case WriteAAIByte:
		return d.writeAAI(address, data, 1, TimingByte)
	case WriteBufferCommit:
		return d.writeBuffered(address, data)
	default:
		return d.writePaged(address, data)
	}
}

type writeChunk struct {
	address int64
	off     int
	n       int
}

// pageChunks splits a write into chunks that never cross a page
// boundary. A program-page command wrapping past the boundary would
// overwrite the start of the same page instead of advancing.
func pageChunks(address int64, length int, pageSize int64) []writeChunk {
	var chunks []writeChunk
	off := 0
	for length > 0 {
		room := pageSize - address&(pageSize-1)
		n := length
		if int64(n) > room {
			n = int(room)
		}
		chunks = append(chunks, writeChunk{address: address, off: off, n: n})
		address += int64(n)
		off += n
		length -= n
	}
	return chunks
}

func (d *Device) writePaged(address int64, data []byte) error {
	pageSize, err := d.desc.BlockSize(BlockPage, d.geoidx)
	if err != nil {
		return err
	}
	// the transport limit applies on top of the page limit
	maxData := d.spi.MaxPayload() - 4
	for _, c := range pageChunks(address, len(data), pageSize) {
		for c.n > 0 {
			n := c.n
			if n > maxData {
				n = maxData
			}
			if err := d.enableWrite(); err != nil {
				return err
			}
			cmd := make([]byte, 4, 4+n)
			cmd[0] = d.desc.Commands.ProgramPage
			put24(cmd[1:], c.address)
			cmd = append(cmd, data[c.off:c.off+n]...)
			if _, err := d.spi.Exchange(cmd, 0); err != nil {
				return err
			}
			if err := d.waitCompletion(TimingPage); err != nil {
				return err
			}
			c.address += int64(n)
			c.off += n
			c.n -= n
		}
	}
	return nil
}

// writeAAI streams data in auto-address-increment mode: one address
// phase, then step-sized continuations with a busy poll between each.
func (d *Device) writeAAI(address int64, data []byte, step int, kind TimingKind) error {
	if step == 2 && (address&1 != 0 || len(data)&1 != 0) {
		return &RangeError{Op: "write", Address: address, Length: int64(len(data)), Reason: "not word aligned"}
	}
	if err := d.clearProtection(); err != nil {
		return err
	}
	if err := d.enableWrite(); err != nil {
		return err
	}
	cmd := make([]byte, 0, 4+step)
	cmd = append(cmd, d.desc.Commands.ProgramAAI, byte(address>>16), byte(address>>8), byte(address))
	cmd = append(cmd, data[:step]...)
	for pos := 0; ; {
		if _, err := d.spi.Exchange(cmd, 0); err != nil {
			return err
		}
		if err := d.waitCompletion(kind); err != nil {
			return err
		}
		pos += step
		if pos >= len(data) {
			break
		}
		cmd = append(cmd[:0], d.desc.Commands.ProgramAAI)
		cmd = append(cmd, data[pos:pos+step]...)
	}
	return d.disableWrite()
}

// writeBuffered programs through the device-side RAM buffer: fill the
// buffer with a full page (unwritten bytes padded with the erased-state
// value), then commit the buffer into the flash cells.
func (d *Device) writeBuffered(address int64, data []byte) error {
	pageSize, err := d.desc.BlockSize(BlockPage, d.geoidx)
	if err != nil {
		return err
	}
	pos := 0
	for pos < len(data) {
		boffset := (address + int64(pos)) & (pageSize - 1)
		poffset := (address + int64(pos)) &^ (pageSize - 1)
		count := len(data) - pos
		if int64(count) > pageSize-boffset {
			count = int(pageSize - boffset)
		}

		buf := make([]byte, pageSize)
		for i := range buf {
			buf[i] = 0xFF
		}
		copy(buf[boffset:], data[pos:pos+count])

		cmd := make([]byte, 4, 4+len(buf))
		cmd[0] = d.desc.Commands.BufferWrite
		cmd = append(cmd, buf...)
		if _, err := d.spi.Exchange(cmd, 0); err != nil {
			return err
		}
		if err := d.waitCompletion(TimingPage); err != nil {
			return err
		}

		commit := make([]byte, 4)
		commit[0] = d.desc.Commands.BufferCommit
		put24(commit[1:], poffset)
		if _, err := d.spi.Exchange(commit, 0); err != nil {
			return err
		}
		if err := d.waitCompletion(TimingPage); err != nil {
			return err
		}
		pos += count
	}
	return nil
}

// UniqueID reads the device's factory-programmed unique identifier.
func (d *Device) UniqueID() ([]byte, error) {
	if !d.desc.HasFeature(FeatUniqueID) || d.desc.Commands.ReadUID == 0 {
		return nil, &NotSupportedError{Device: d.name, What: "unique ID"}
	}
	// opcode plus 4 dummy bytes, 64 bit response
	cmd := []byte{d.desc.Commands.ReadUID, 0, 0, 0, 0}
	return d.spi.Exchange(cmd, 8)
}

// at45Setup forces 2^N byte page mode. The AT45 default of 528-byte
// pages cannot be expressed with power-of-two geometry; switching the
// mode requires a power cycle to take effect.
func at45Setup(d *Device) error {
	_, status, err := d.Status()
	if err != nil {
		return err
	}
	if status&at45StatusPageSize != 0 {
		return nil
	}
	if _, err := d.spi.Exchange([]byte{0x3D, 0x2A, 0x80, 0xA6}, 0); err != nil {
		return err
	}
	return fmt.Errorf("binary page size mode enabled, power-cycle the device before use")
}
