// Package spidev drives a flash chip through the Linux spidev
// character device interface.
package spidev

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dvreeland/serialflash/transport"
)

const (
	spiIOCWrMode        = 0x40016B01
	spiIOCWrBitsPerWord = 0x40016B03
	spiIOCWrMaxSpeedHz  = 0x40046B04

	// the default spidev bufsiz kernel parameter
	maxTransfer = 4096
)

// spiIocTransfer mirrors struct spi_ioc_transfer (32 bytes).
type spiIocTransfer struct {
	TxBuf          uint64
	RxBuf          uint64
	Len            uint32
	SpeedHz        uint32
	DelayUsecs     uint16
	BitsPerWord    uint8
	CsChange       uint8
	TxNbits        uint8
	RxNbits        uint8
	WordDelayUsecs uint8
	Pad            uint8
}

// spiIOCMessage builds the SPI_IOC_MESSAGE(n) ioctl request number.
func spiIOCMessage(n int) uintptr {
	size := n * int(unsafe.Sizeof(spiIocTransfer{}))
	return uintptr(1<<30 | size<<16 | 'k'<<8)
}

// Device is a transport bound to one /dev/spidevB.C node, i.e. one
// chip-select line.
type Device struct {
	path string
	fd   int
	freq int64
}

var _ transport.Transport = (*Device)(nil)

// Open opens the spidev node in SPI mode 0 with 8-bit words.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &Device{path: path, fd: fd}

	mode := uint8(0)
	if err := d.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set SPI mode: %w", err)
	}
	bits := uint8(8)
	if err := d.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set word size: %w", err)
	}
	return d, nil
}

func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	fd := d.fd
	d.fd = -1
	return unix.Close(fd)
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// Exchange clocks out cmd and clocks in readLen response bytes in one
// chip-select assertion, using a two-transfer SPI_IOC_MESSAGE.
func (d *Device) Exchange(cmd []byte, readLen int) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("spidev: empty command")
	}
	if len(cmd)+readLen > maxTransfer {
		return nil, fmt.Errorf("spidev: transfer of %d bytes too long", len(cmd)+readLen)
	}

	var xfers [2]spiIocTransfer
	xfers[0].TxBuf = uint64(uintptr(unsafe.Pointer(&cmd[0])))
	xfers[0].Len = uint32(len(cmd))

	n := 1
	var rx []byte
	if readLen > 0 {
		rx = make([]byte, readLen)
		xfers[1].RxBuf = uint64(uintptr(unsafe.Pointer(&rx[0])))
		xfers[1].Len = uint32(readLen)
		n = 2
	}

	err := d.ioctl(spiIOCMessage(n), unsafe.Pointer(&xfers[0]))
	runtime.KeepAlive(cmd)
	runtime.KeepAlive(rx)
	if err != nil {
		return nil, fmt.Errorf("spidev exchange: %w", err)
	}
	return rx, nil
}

func (d *Device) SetFrequency(hz int64) error {
	speed := uint32(hz)
	if err := d.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&speed)); err != nil {
		return fmt.Errorf("set SPI frequency: %w", err)
	}
	d.freq = hz
	return nil
}

func (d *Device) Frequency() int64 { return d.freq }

func (d *Device) MaxPayload() int { return maxTransfer }
