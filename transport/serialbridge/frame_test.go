package serialbridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x04, 0x0B, 0x00, 0x10, 0x00}
	frame := encodeFrame(opExchange, payload)

	op, got, err := readFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if op != opExchange {
		t.Errorf("op = %#02x", op)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %x, want %x", got, payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	frame := encodeFrame(opSetFrequency|respFlag, nil)
	op, got, err := readFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatal(err)
	}
	if op != opSetFrequency|respFlag || len(got) != 0 {
		t.Errorf("op = %#02x, payload %x", op, got)
	}
}

func TestFrameRejectsCorruption(t *testing.T) {
	frame := encodeFrame(opExchange, []byte{1, 2, 3})

	bad := append([]byte(nil), frame...)
	bad[len(bad)-1] ^= 0xFF
	if _, _, err := readFrame(bytes.NewReader(bad)); !errors.Is(err, ErrBadFrame) {
		t.Errorf("corrupted checksum: %v", err)
	}

	bad = append([]byte(nil), frame...)
	bad[5] ^= 0x01 // payload byte
	if _, _, err := readFrame(bytes.NewReader(bad)); !errors.Is(err, ErrBadFrame) {
		t.Errorf("corrupted payload: %v", err)
	}

	bad = append([]byte(nil), frame...)
	bad[0] = 0x5A
	if _, _, err := readFrame(bytes.NewReader(bad)); !errors.Is(err, ErrBadFrame) {
		t.Errorf("bad start byte: %v", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	frame := encodeFrame(opExchange, []byte{1, 2, 3})
	if _, _, err := readFrame(bytes.NewReader(frame[:len(frame)-1])); err == nil {
		t.Error("truncated frame accepted")
	}
}

// fakeBridgePort emulates the firmware side: it parses each written
// request frame and queues a well-formed response.
type fakeBridgePort struct {
	rx   bytes.Buffer
	freq uint32
	fail byte // status to report instead of OK, if nonzero
}

func (p *fakeBridgePort) Write(frame []byte) (int, error) {
	op, payload, err := readFrame(bytes.NewReader(frame))
	if err != nil {
		return 0, err
	}
	status := statusOK
	if p.fail != 0 {
		status = int(p.fail)
	}
	resp := []byte{byte(status)}
	switch op {
	case opExchange:
		readLen := int(binary.BigEndian.Uint16(payload))
		data := make([]byte, readLen)
		for i := range data {
			data[i] = byte(i)
		}
		resp = append(resp, data...)
	case opSetFrequency:
		p.freq = binary.BigEndian.Uint32(payload)
	}
	p.rx.Write(encodeFrame(op|respFlag, resp))
	return len(frame), nil
}

func (p *fakeBridgePort) Read(buf []byte) (int, error) { return p.rx.Read(buf) }
func (p *fakeBridgePort) Close() error                 { return nil }

func TestBridgeExchange(t *testing.T) {
	port := &fakeBridgePort{}
	b := &Bridge{port: port}

	data, err := b.Exchange([]byte{0x0B, 0x00, 0x10, 0x00, 0x00}, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{0, 1, 2, 3}) {
		t.Errorf("data = %x", data)
	}
}

func TestBridgeSetFrequency(t *testing.T) {
	port := &fakeBridgePort{}
	b := &Bridge{port: port}

	if err := b.SetFrequency(25_000_000); err != nil {
		t.Fatal(err)
	}
	if port.freq != 25_000_000 {
		t.Errorf("bridge received %d Hz", port.freq)
	}
	if b.Frequency() != 25_000_000 {
		t.Errorf("Frequency() = %d", b.Frequency())
	}
}

func TestBridgeReportsFirmwareErrors(t *testing.T) {
	port := &fakeBridgePort{fail: 0x03}
	b := &Bridge{port: port}
	if _, err := b.Exchange([]byte{0x9F}, 3); err == nil {
		t.Error("firmware error status not surfaced")
	}
}

func TestBridgeRejectsOversizedTransfers(t *testing.T) {
	b := &Bridge{}
	if _, err := b.Exchange(make([]byte, maxPayload), 0); err == nil {
		t.Error("oversized command accepted")
	}
	if _, err := b.Exchange([]byte{0x03}, maxPayload+1); err == nil {
		t.Error("oversized read accepted")
	}
}
