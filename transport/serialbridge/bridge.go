// Package serialbridge talks to a flash chip behind a microcontroller
// SPI bridge attached over a serial port. The bridge forwards framed
// commands to the chip and returns the response bytes.
package serialbridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/grid-x/serial"

	"github.com/dvreeland/serialflash/transport"
)

const (
	defaultBaudRate = 921600
	defaultTimeout  = 2 * time.Second

	// per-frame data limit of the bridge firmware
	maxPayload = 512
)

// Config selects the serial port the bridge hangs off.
type Config struct {
	Port    string
	Baud    int
	Timeout time.Duration
}

// Bridge is a transport backed by a framed serial protocol.
type Bridge struct {
	port io.ReadWriteCloser
	freq int64
}

var _ transport.Transport = (*Bridge)(nil)

// Open connects to the bridge on the configured serial port.
func Open(cfg Config) (*Bridge, error) {
	if cfg.Baud == 0 {
		cfg.Baud = defaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Port, err)
	}
	return &Bridge{port: port}, nil
}

func (b *Bridge) Close() error {
	if b.port == nil {
		return nil
	}
	port := b.port
	b.port = nil
	return port.Close()
}

// roundTrip sends one request frame and reads the matching response,
// returning the response payload with the status byte stripped.
func (b *Bridge) roundTrip(op byte, payload []byte) ([]byte, error) {
	if _, err := b.port.Write(encodeFrame(op, payload)); err != nil {
		return nil, err
	}
	respOp, resp, err := readFrame(b.port)
	if err != nil {
		return nil, err
	}
	if respOp != op|respFlag {
		return nil, fmt.Errorf("%w: response opcode %#02x for request %#02x", ErrBadFrame, respOp, op)
	}
	if len(resp) < 1 {
		return nil, fmt.Errorf("%w: response without status byte", ErrBadFrame)
	}
	if resp[0] != statusOK {
		return nil, fmt.Errorf("bridge: request %#02x failed with status %#02x", op, resp[0])
	}
	return resp[1:], nil
}

// Exchange forwards cmd to the chip and returns readLen response bytes,
// all within one chip-select assertion on the bridge side.
func (b *Bridge) Exchange(cmd []byte, readLen int) ([]byte, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("bridge: empty command")
	}
	if len(cmd) > maxPayload-2 || readLen > maxPayload {
		return nil, fmt.Errorf("bridge: transfer of %d+%d bytes too long", len(cmd), readLen)
	}
	payload := make([]byte, 0, 2+len(cmd))
	payload = binary.BigEndian.AppendUint16(payload, uint16(readLen))
	payload = append(payload, cmd...)
	data, err := b.roundTrip(opExchange, payload)
	if err != nil {
		return nil, err
	}
	if len(data) != readLen {
		return nil, fmt.Errorf("%w: got %d response bytes, expected %d", ErrBadFrame, len(data), readLen)
	}
	return data, nil
}

func (b *Bridge) SetFrequency(hz int64) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(hz))
	if _, err := b.roundTrip(opSetFrequency, payload[:]); err != nil {
		return err
	}
	b.freq = hz
	return nil
}

func (b *Bridge) Frequency() int64 { return b.freq }

func (b *Bridge) MaxPayload() int { return maxPayload }
