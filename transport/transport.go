// Package transport defines the byte-exchange channel a serial flash
// driver talks through. A Transport is bound to exactly one chip-select
// line; the driver owns it exclusively for the lifetime of a device
// session.
package transport

// Transport is a synchronous command/response SPI channel.
//
// Exchange asserts chip select, clocks out cmd, then clocks in readLen
// response bytes before releasing chip select. A readLen of zero sends a
// command with no response phase.
type Transport interface {
	Exchange(cmd []byte, readLen int) ([]byte, error)

	// SetFrequency changes the bus clock. Implementations may round to
	// the nearest supported rate.
	SetFrequency(hz int64) error
	Frequency() int64

	// MaxPayload is the largest number of bytes (command plus response)
	// a single Exchange can carry. Callers chunk larger requests.
	MaxPayload() int
}
