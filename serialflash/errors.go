package serialflash

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDevice means the JEDEC identifier read back all zero: no chip
	// answered at all. This is usually a wiring or bus latency problem,
	// not an unrecognized chip.
	ErrNoDevice = errors.New("no serial flash detected")

	// ErrTimeout means a command's completion was not observed within
	// the device's typical+maximum time bound.
	ErrTimeout = errors.New("flash command timeout")
)

// UnknownJedecError indicates the identifier was read successfully but
// matched no registered device family.
type UnknownJedecError struct {
	ID JedecID
}

func (e *UnknownJedecError) Error() string {
	return fmt.Sprintf("unknown flash device: %s", e.ID)
}

// NotSupportedError indicates a requested capability is absent from the
// matched device descriptor.
type NotSupportedError struct {
	Device string
	What   string
}

func (e *NotSupportedError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("%s not supported", e.What)
	}
	return fmt.Sprintf("%s not supported by %s", e.What, e.Device)
}

// RangeError indicates an address/length pair violating capacity, page,
// or erase-granularity constraints. It is raised before any command is
// issued to the chip.
type RangeError struct {
	Op      string
	Address int64
	Length  int64
	Reason  string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s [%#x..%#x): %s", e.Op, e.Address, e.Address+e.Length, e.Reason)
}

// RequestError indicates a command executed but the chip state afterwards
// is inconsistent with the requested effect (e.g. still write protected).
type RequestError struct {
	Op     string
	Status byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed, status register %#02x", e.Op, e.Status)
}

// IntegrityError indicates post-erase verification found bytes that did
// not read back as the erased-state value.
type IntegrityError struct {
	Address int64
	Count   int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%d bytes at %#x are not erased", e.Count, e.Address)
}
