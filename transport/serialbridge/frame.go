package serialbridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/snksoft/crc"
)

// Wire format, both directions:
//
//	0xA5 | op | length uint16 BE | payload | crc16 uint16 BE
//
// The CRC (CCITT, 0xFFFF seed) covers everything after the start byte
// up to the checksum itself. Responses echo the request opcode with
// bit 7 set and prepend a status byte to the payload.
const (
	frameStart = 0xA5

	opExchange     = 0x01
	opSetFrequency = 0x02
	respFlag       = 0x80

	statusOK = 0x00

	frameHeaderLen  = 4
	frameTrailerLen = 2
	framePayloadMax = 1024
)

var ErrBadFrame = errors.New("bridge: malformed frame")

var crcTable = crc.NewTable(crc.CCITT)

func frameChecksum(data []byte) uint16 {
	return uint16(crc.NewHashWithTable(crcTable).CalculateCRC(data))
}

func encodeFrame(op byte, payload []byte) []byte {
	buf := make([]byte, 0, frameHeaderLen+len(payload)+frameTrailerLen)
	buf = append(buf, frameStart, op)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	return binary.BigEndian.AppendUint16(buf, frameChecksum(buf[1:]))
}

// readFrame reads and validates one frame, returning opcode and payload.
func readFrame(r io.Reader) (byte, []byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	if header[0] != frameStart {
		return 0, nil, fmt.Errorf("%w: bad start byte %#02x", ErrBadFrame, header[0])
	}
	length := int(binary.BigEndian.Uint16(header[2:]))
	if length > framePayloadMax {
		return 0, nil, fmt.Errorf("%w: payload of %d bytes too long", ErrBadFrame, length)
	}
	rest := make([]byte, length+frameTrailerLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, nil, err
	}

	body := make([]byte, 0, 3+length)
	body = append(body, header[1:]...)
	body = append(body, rest[:length]...)
	want := binary.BigEndian.Uint16(rest[length:])
	if got := frameChecksum(body); got != want {
		return 0, nil, fmt.Errorf("%w: checksum %#04x, expected %#04x", ErrBadFrame, got, want)
	}
	return header[1], rest[:length], nil
}
