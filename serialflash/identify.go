package serialflash

import (
	"github.com/dvreeland/serialflash/transport"
)

const (
	cmdReadJedecID  = 0x9F
	cmdReadLegacyID = 0x90 // manufacturer/device ID for pre-JEDEC parts
)

type identifyConfig struct {
	registry []*Descriptor
	freq     int64
	legacyID bool
}

// IdentifyOption tweaks device identification.
type IdentifyOption func(*identifyConfig)

// WithDescriptors registers extra family descriptors ahead of the
// builtin table. Earlier entries win predicate ties.
func WithDescriptors(extra ...*Descriptor) IdentifyOption {
	return func(cfg *identifyConfig) {
		cfg.registry = append(extra, cfg.registry...)
	}
}

// WithFrequency requests a bus clock. It is clamped to the matched
// family's maximum; without this option the family maximum is used.
func WithFrequency(hz int64) IdentifyOption {
	return func(cfg *identifyConfig) { cfg.freq = hz }
}

// WithLegacyReadID falls back to the 0x90 manufacturer/device read when
// the JEDEC command returns all zero. Needed for SST25VFxxxA parts,
// which predate JEDEC identification.
func WithLegacyReadID() IdentifyOption {
	return func(cfg *identifyConfig) { cfg.legacyID = true }
}

// ReadJedecID issues the JEDEC identification command and returns the
// raw 3-byte identifier.
func ReadJedecID(t transport.Transport) (JedecID, error) {
	var id JedecID
	data, err := t.Exchange([]byte{cmdReadJedecID}, 3)
	if err != nil {
		return id, err
	}
	copy(id[:], data)
	return id, nil
}

func readLegacyID(t transport.Transport) (JedecID, error) {
	var id JedecID
	// A canceled write can leave pre-JEDEC parts unresponsive; a
	// write-disable completes any outstanding operation first.
	if _, err := t.Exchange([]byte{0x04}, 0); err != nil {
		return id, err
	}
	data, err := t.Exchange([]byte{cmdReadLegacyID, 0, 0, 0}, 3)
	if err != nil {
		return id, err
	}
	copy(id[:], data)
	return id, nil
}

// Identify reads the chip identifier over the transport and constructs
// the matching device. Registered families are tried in a fixed order;
// the first predicate accepting the identifier wins.
//
// An all-zero identifier means no chip answered at all (ErrNoDevice,
// usually wiring or latency). A non-zero identifier that no family
// accepts is an UnknownJedecError.
func Identify(t transport.Transport, opts ...IdentifyOption) (*Device, error) {
	cfg := identifyConfig{registry: DefaultRegistry()}
	for _, opt := range opts {
		opt(&cfg)
	}

	id, err := ReadJedecID(t)
	if err != nil {
		return nil, err
	}
	if id.isZero() && cfg.legacyID {
		if id, err = readLegacyID(t); err != nil {
			return nil, err
		}
	}
	if id.isZero() {
		return nil, ErrNoDevice
	}

	for _, desc := range cfg.registry {
		if !desc.matches(id) {
			continue
		}
		return newDevice(t, desc, id, cfg.freq)
	}
	return nil, &UnknownJedecError{ID: id}
}

func newDevice(t transport.Transport, desc *Descriptor, id JedecID, freq int64) (*Device, error) {
	name, size, geoidx, err := desc.resolve(id)
	if err != nil {
		return nil, err
	}
	d := &Device{
		spi:    t,
		desc:   desc,
		jedec:  id,
		geoidx: geoidx,
		size:   size,
		name:   name,
	}
	if err := d.SetFrequency(freq); err != nil {
		return nil, err
	}
	if desc.Setup != nil {
		if err := desc.Setup(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}
